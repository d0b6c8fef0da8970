package hostsim

import (
	"bytes"
	"log/slog"
	"net"

	"github.com/google/gopacket/layers"
)

// ARP resolves the hardware address of the device IP.
func (h *Host) ARP() error {
	if h.ip == nil || h.devIP == nil {
		return errNotBound
	}
	req := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   h.mac,
		SourceProtAddress: h.ip.To4(),
		DstHwAddress:      make(net.HardwareAddr, 6),
		DstProtAddress:    h.devIP.To4(),
	}
	err := h.enqueue(h.ethernet(layers.EthernetBroadcast, layers.EthernetTypeARP), req)
	if err == nil {
		err = h.flush()
	}
	if err != nil {
		return err
	}
	pkt, err := h.next()
	if err != nil {
		return err
	}
	rsp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	if !ok || rsp.Operation != layers.ARPReply ||
		!bytes.Equal(rsp.SourceProtAddress, h.devIP.To4()) ||
		!bytes.Equal(rsp.DstHwAddress, h.mac) {
		return badReply("arp", pkt)
	}
	h.devMAC = net.HardwareAddr(rsp.SourceHwAddress)
	h.logattrs(slog.LevelInfo, "arp:resolved", slog.String("ip", h.devIP.String()), slog.String("mac", h.devMAC.String()))
	return nil
}
