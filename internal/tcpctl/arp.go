package tcpctl

import (
	"log/slog"

	"github.com/soypat/cowstick/internal/tcpctl/eth"
)

// handleARP answers who-has requests for the local IP. No ARP cache is kept.
func (ifc *Interface) handleARP(payload []byte) {
	if len(payload) < eth.SizeARPv4Header {
		ifc.malformed("arp:short", len(payload))
		return
	}
	ahdr := eth.DecodeARPv4Header(payload)
	if ifc._traceenabled {
		ifc.trace("arp:rx", slog.String("hdr", ahdr.String()))
	}
	switch {
	case ahdr.HardwareType != eth.ARPHardwareEthernet || ahdr.ProtoType != uint16(eth.EtherTypeIPv4):
		ifc.debug("arp:unsupported",
			slog.Uint64("htype", uint64(ahdr.HardwareType)),
			slog.Uint64("ptype", uint64(ahdr.ProtoType)),
		)
		return
	case ahdr.Operation != eth.ARPRequest:
		ifc.debug("arp:not-request", slog.Uint64("op", uint64(ahdr.Operation)))
		return
	case ahdr.ProtoTarget != ifc.localIP:
		ifc.trace("arp:not-us", ipattr("target", ahdr.ProtoTarget))
		return
	}

	err := ifc.WaitTxFree()
	if err != nil {
		return
	}
	buf, err := ifc.AcquireTx(eth.EtherTypeARP)
	if err != nil {
		ifc.logerr("arp:acquire", slog.String("err", err.Error()))
		return
	}
	reply := eth.ARPv4Header{
		HardwareType:   eth.ARPHardwareEthernet,
		ProtoType:      uint16(eth.EtherTypeIPv4),
		HardwareLength: 6,
		ProtoLength:    4,
		Operation:      eth.ARPReply,
		HardwareSender: ifc.mac,
		ProtoSender:    ifc.localIP,
		HardwareTarget: ahdr.HardwareSender,
		ProtoTarget:    ahdr.ProtoSender,
	}
	reply.Put(buf)
	err = ifc.Transmit(eth.SizeARPv4Header)
	if err != nil {
		return
	}
	ifc.stats.ARPReplies++
	ifc.debug("arp:reply", ipattr("to", ahdr.ProtoSender), slog.String("hw", macstr(ahdr.HardwareSender)))
}
