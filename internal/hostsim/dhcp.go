package hostsim

import (
	"log/slog"
	"net"

	"github.com/google/gopacket/layers"
)

// DHCP obtains an address from the device with a DISCOVER/REQUEST exchange.
func (h *Host) DHCP() error {
	offer, err := h.dhcpExchange(layers.DHCPMsgTypeDiscover, nil)
	if err != nil {
		return err
	}
	ack, err := h.dhcpExchange(layers.DHCPMsgTypeRequest, offer)
	if err != nil {
		return err
	}
	h.ip = ack.YourClientIP.To4()
	h.devIP = ack.NextServerIP.To4()
	if sid, ok := dhcpOption(ack, layers.DHCPOptServerID); ok && len(sid) == 4 {
		h.devIP = net.IP(sid)
	}
	h.logattrs(slog.LevelInfo, "dhcp:bound",
		slog.String("ip", h.ip.String()),
		slog.String("server", h.devIP.String()),
	)
	return nil
}

func (h *Host) dhcpExchange(msgType layers.DHCPMsgType, offer *layers.DHCPv4) (*layers.DHCPv4, error) {
	h.xid++
	opts := layers.DHCPOptions{
		layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(msgType)}),
	}
	if offer != nil {
		opts = append(opts, layers.NewDHCPOption(layers.DHCPOptRequestIP, offer.YourClientIP.To4()))
		if sid, ok := dhcpOption(offer, layers.DHCPOptServerID); ok {
			opts = append(opts, layers.NewDHCPOption(layers.DHCPOptServerID, sid))
		}
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4zero,
		DstIP:    net.IPv4bcast,
	}
	udp := &layers.UDP{SrcPort: 68, DstPort: 67}
	udp.SetNetworkLayerForChecksum(ip)
	req := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          h.xid,
		ClientHWAddr: h.mac,
		Options:      opts,
	}
	err := h.enqueue(h.ethernet(layers.EthernetBroadcast, layers.EthernetTypeIPv4), ip, udp, req)
	if err == nil {
		err = h.flush()
	}
	if err != nil {
		return nil, err
	}
	pkt, err := h.next()
	if err != nil {
		return nil, err
	}
	rsp, ok := pkt.Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4)
	if !ok || rsp.Operation != layers.DHCPOpReply || rsp.Xid != h.xid {
		return nil, badReply("dhcp", pkt)
	}
	want := layers.DHCPMsgTypeOffer
	if msgType == layers.DHCPMsgTypeRequest {
		want = layers.DHCPMsgTypeAck
	}
	mt, ok := dhcpOption(rsp, layers.DHCPOptMessageType)
	if !ok || len(mt) != 1 || layers.DHCPMsgType(mt[0]) != want {
		return nil, badReply("dhcp message type", pkt)
	}
	if eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		h.devMAC = eth.SrcMAC
	}
	h.logattrs(slog.LevelDebug, "dhcp:rx", slog.String("type", want.String()), slog.String("yiaddr", rsp.YourClientIP.String()))
	return rsp, nil
}

func dhcpOption(d *layers.DHCPv4, opt layers.DHCPOpt) ([]byte, bool) {
	for _, o := range d.Options {
		if o.Type == opt {
			return o.Data, true
		}
	}
	return nil, false
}
