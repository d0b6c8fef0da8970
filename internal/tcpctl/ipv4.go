package tcpctl

import (
	"log/slog"

	"github.com/soypat/cowstick/internal/tcpctl/eth"
)

const ipTTL = 64

// handleIPv4 dispatches a datagram on its protocol. The header is taken to
// be 20 bytes long and the datagram is assumed to be unfragmented.
func (ifc *Interface) handleIPv4(payload []byte) {
	if len(payload) < eth.SizeIPv4Header {
		ifc.malformed("ip:short", len(payload))
		return
	}
	ihdr := eth.DecodeIPv4Header(payload)
	if ihdr.Version() != 4 {
		ifc.malformed("ip:version", len(payload))
		return
	}
	end := int(ihdr.TotalLength)
	if end < eth.SizeIPv4Header {
		ifc.malformed("ip:total-length", end)
		return
	}
	if ifc._traceenabled {
		ifc.trace("ip:rx", slog.String("hdr", ihdr.String()), slog.Bool("df", ihdr.Flags.DontFragment()))
	}
	if hlen := ihdr.HeaderLength(); hlen != eth.SizeIPv4Header {
		ifc.debug("ip:options-ignored", slog.Int("hlen", hlen))
	}
	if ihdr.Flags.MoreFragments() || ihdr.Flags.FragmentOffset() != 0 {
		// Not reassembled, handled as if it held the whole datagram.
		ifc.debug("ip:fragment",
			slog.Bool("mf", ihdr.Flags.MoreFragments()),
			slog.Uint64("off", uint64(ihdr.Flags.FragmentOffset())),
		)
	}
	// Frames may carry Ethernet padding past the datagram.
	end = min(end, len(payload))
	data := payload[eth.SizeIPv4Header:end]
	proto := eth.IPProto(ihdr.Protocol)
	switch proto {
	case eth.IPProtoICMP:
		ifc.info("ip:icmp", ipattr("src", ihdr.Source), slog.Int("plen", len(data)))
	case eth.IPProtoUDP:
		ifc.handleUDP(&ihdr, data)
	case eth.IPProtoTCP:
		ifc.handleTCP(&ihdr, data)
	default:
		ifc.debug("ip:unhandled", slog.String("proto", proto.String()), ipattr("src", ihdr.Source))
	}
}

// acquireIPv4 starts an IPv4 frame to dst in the TX buffer and returns the
// area past the IPv4 header. Length and checksum are written by sendIPv4.
func (ifc *Interface) acquireIPv4(dst [4]byte, proto eth.IPProto) ([]byte, error) {
	buf, err := ifc.AcquireTx(eth.EtherTypeIPv4)
	if err != nil {
		return nil, err
	}
	ihdr := eth.IPv4Header{
		VersionAndIHL: eth.IPv4VersionIHL,
		TTL:           ipTTL,
		Protocol:      uint8(proto),
		Source:        ifc.localIP,
		Destination:   dst,
	}
	ihdr.Put(buf)
	return buf[eth.SizeIPv4Header:], nil
}

// sendIPv4 completes the IPv4 header of the frame being prepared and transmits it.
func (ifc *Interface) sendIPv4(payloadLen int) error {
	buf, err := ifc.AcquireTx(0)
	if err != nil {
		return err
	}
	total := eth.SizeIPv4Header + payloadLen
	if total > _MTU {
		ifc.txBusy.Store(0)
		return ErrPacketTooLarge
	}
	ihdr := eth.DecodeIPv4Header(buf)
	ihdr.TotalLength = uint16(total)
	ihdr.Checksum = ihdr.CalculateChecksum()
	ihdr.Put(buf)
	return ifc.Transmit(total)
}
