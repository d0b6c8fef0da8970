package tcpctl

import (
	"log/slog"

	"github.com/soypat/cowstick/internal/tcpctl/eth"
)

// handleUDP dispatches a datagram on its destination port. Only the DHCP
// server port is served.
func (ifc *Interface) handleUDP(ihdr *eth.IPv4Header, data []byte) {
	if len(data) < eth.SizeUDPHeader {
		ifc.malformed("udp:short", len(data))
		return
	}
	uhdr := eth.DecodeUDPHeader(data)
	end := int(uhdr.Length)
	if end < eth.SizeUDPHeader {
		ifc.malformed("udp:length", end)
		return
	}
	end = min(end, len(data))
	payload := data[eth.SizeUDPHeader:end]
	switch uhdr.DestinationPort {
	case eth.DHCPServerPort:
		ifc.handleDHCP(&uhdr, payload)
	default:
		ifc.debug("udp:unhandled", ipattr("src", ihdr.Source), slog.String("hdr", uhdr.String()))
	}
}

// acquireUDP starts a UDP datagram to dst and returns the area for its payload.
func (ifc *Interface) acquireUDP(dst [4]byte) ([]byte, error) {
	buf, err := ifc.acquireIPv4(dst, eth.IPProtoUDP)
	if err != nil {
		return nil, err
	}
	return buf[eth.SizeUDPHeader:], nil
}

// sendUDP completes the UDP header of the datagram being prepared and sends
// it. The UDP checksum is optional over IPv4 and is always sent as zero.
func (ifc *Interface) sendUDP(srcPort, dstPort uint16, payloadLen int) error {
	buf, err := ifc.AcquireTx(0)
	if err != nil {
		return err
	}
	uhdr := eth.UDPHeader{
		SourcePort:      srcPort,
		DestinationPort: dstPort,
		Length:          uint16(eth.SizeUDPHeader + payloadLen),
	}
	uhdr.Put(buf[eth.SizeIPv4Header:])
	return ifc.sendIPv4(eth.SizeUDPHeader + payloadLen)
}
