package tcpctl

import (
	"log/slog"

	"github.com/soypat/cowstick/internal/tcpctl/eth"
	"github.com/soypat/seqs"
)

// handleTCP runs a received segment through the connection table.
func (ifc *Interface) handleTCP(ihdr *eth.IPv4Header, seg []byte) {
	if len(seg) < eth.SizeTCPHeader {
		ifc.malformed("tcp:short", len(seg))
		return
	}
	thdr := eth.DecodeTCPHeader(seg)
	if ifc._traceenabled {
		ifc.trace("tcp:rx", slog.String("hdr", thdr.String()),
			slog.Int("seglen", len(seg)),
			slog.Uint64("wnd", uint64(thdr.WindowSize())),
		)
	}
	conn := ifc.find(&thdr)
	if conn != nil {
		conn.receive(&thdr, seg)
		return
	}
	flags := thdr.Flags()
	if flags.HasAny(seqs.FlagSYN) && !flags.HasAny(seqs.FlagACK|seqs.FlagRST) {
		ifc.accept(ihdr, &thdr)
		return
	}
	ifc.debug("tcp:no-conn", ipattr("src", ihdr.Source),
		slog.Uint64("sport", uint64(thdr.SourcePort)),
		slog.Uint64("dport", uint64(thdr.DestinationPort)),
		slog.String("flags", flags.String()),
	)
}

// find returns the connection matching the segment ports. The remote IP is
// not compared; a single host is expected on the link.
func (ifc *Interface) find(thdr *eth.TCPHeader) *Conn {
	for i := range ifc.conns {
		c := &ifc.conns[i]
		if !c.free() && c.localPort == thdr.DestinationPort && c.remotePort == thdr.SourcePort {
			return c
		}
	}
	return nil
}

// accept claims a free slot for an inbound SYN and answers SYN|ACK. When no
// slot is free, no service listens on the port or the service refuses the
// connection the peer gets a reset and no slot stays bound.
func (ifc *Interface) accept(ihdr *eth.IPv4Header, thdr *eth.TCPHeader) {
	var conn *Conn
	for i := range ifc.conns {
		if ifc.conns[i].free() {
			conn = &ifc.conns[i]
			break
		}
	}
	if conn == nil {
		ifc.warn("tcp:accept-no-slot", ipattr("src", ihdr.Source), slog.Uint64("port", uint64(thdr.DestinationPort)))
		ifc.reset(ihdr.Source, thdr)
		return
	}
	*conn = Conn{
		ifc:        ifc,
		remoteIP:   ihdr.Source,
		localPort:  thdr.DestinationPort,
		remotePort: thdr.SourcePort,
		localSeq:   initialSeq,
		remoteSeq:  seqs.Add(thdr.Seq, 1),
		state:      seqs.StateSynRcvd,
	}
	svc := ifc.service(thdr.DestinationPort)
	if svc == nil {
		ifc.debug("tcp:accept-no-service", slog.Uint64("port", uint64(thdr.DestinationPort)))
		*conn = Conn{}
		ifc.reset(ihdr.Source, thdr)
		return
	}
	err := svc.Accept(conn)
	if err != nil {
		ifc.info("tcp:accept-refused", conn.attr(), slog.String("err", err.Error()))
		*conn = Conn{}
		ifc.reset(ihdr.Source, thdr)
		return
	}
	conn.svc = svc
	err = ifc.WaitTxFree()
	if err == nil {
		_, err = conn.prepare(seqs.FlagSYN|seqs.FlagACK, synWindow)
	}
	if err == nil {
		err = conn.Send(0)
	}
	if err != nil {
		// The slot stays in SYN-RECEIVED; a retransmitted SYN is ignored.
		ifc.logerr("tcp:synack", conn.attr(), slog.String("err", err.Error()))
		return
	}
	ifc.debug("tcp:accept", conn.attr(), slog.Uint64("port", uint64(conn.localPort)))
}

// reset answers the segment with RST|ACK.
func (ifc *Interface) reset(dst [4]byte, thdr *eth.TCPHeader) {
	err := ifc.WaitTxFree()
	if err != nil {
		return
	}
	_, err = ifc.acquireIPv4(dst, eth.IPProtoTCP)
	if err != nil {
		ifc.logerr("tcp:rst-acquire", slog.String("err", err.Error()))
		return
	}
	rst := eth.TCPHeader{
		SourcePort:      thdr.DestinationPort,
		DestinationPort: thdr.SourcePort,
		Ack:             seqs.Add(thdr.Seq, 1),
	}
	rst.SetOffset(eth.SizeTCPHeader / 4)
	rst.SetFlags(seqs.FlagRST | seqs.FlagACK)
	err = ifc.sendTCP(dst, &rst, 0)
	if err != nil {
		return
	}
	ifc.stats.TCPResets++
}

// receive advances the state machine of c with a segment of its connection.
func (c *Conn) receive(thdr *eth.TCPHeader, seg []byte) {
	ifc := c.ifc
	flags := thdr.Flags()
	if flags.HasAny(seqs.FlagRST) {
		ifc.debug("tcp:rst-rcvd", c.attr())
		c.release()
		return
	}
	switch c.state {
	case seqs.StateCloseWait, seqs.StateClosing:
		if flags.HasAny(seqs.FlagACK) {
			c.release()
		}
		return

	case seqs.StateSynRcvd:
		if !flags.HasAny(seqs.FlagACK) {
			ifc.debug("tcp:synrcvd-no-ack", c.attr(), slog.String("flags", flags.String()))
			return
		}
		c.localSeq = thdr.Ack
		c.state = seqs.StateEstablished
		ifc.debug("tcp:established", c.attr())
		// The handshake ACK may carry data or FIN.

	case seqs.StateFinWait1:
		if flags.HasAny(seqs.FlagACK) {
			c.localSeq = thdr.Ack
		}
		if !flags.HasAny(seqs.FlagFIN) {
			return
		}
		c.remoteSeq = seqs.Add(thdr.Seq, 1)
		err := ifc.WaitTxFree()
		if err == nil {
			_, err = c.prepare(seqs.FlagACK, window)
		}
		if err == nil {
			c.state = seqs.StateClosing
			err = c.Send(0)
		}
		if err == nil {
			err = ifc.WaitTxFree()
		}
		if err != nil {
			ifc.logerr("tcp:finwait-ack", c.attr(), slog.String("err", err.Error()))
			return
		}
		c.release()
		return

	case seqs.StateEstablished:
	default:
		return
	}

	hlen := thdr.OffsetInBytes()
	if hlen < eth.SizeTCPHeader || hlen > len(seg) {
		ifc.malformed("tcp:offset", hlen)
		return
	}
	data := seg[hlen:]
	if flags.HasAny(seqs.FlagACK) {
		c.localSeq = thdr.Ack
	}
	fin := flags.HasAny(seqs.FlagFIN)
	if len(data) == 0 && !fin {
		return
	}

	c.remoteSeq = seqs.Add(thdr.Seq, seqs.Size(len(data)))
	rspFlags := seqs.FlagACK
	if fin {
		c.remoteSeq = seqs.Add(c.remoteSeq, 1)
		rspFlags |= seqs.FlagFIN
	}
	err := ifc.WaitTxFree()
	if err == nil {
		_, err = c.prepare(rspFlags, window)
	}
	if err == nil {
		if fin {
			c.state = seqs.StateCloseWait
		}
		err = c.Send(0)
	}
	if err == nil {
		err = ifc.WaitTxFree()
	}
	if err != nil {
		ifc.logerr("tcp:ack", c.attr(), slog.String("err", err.Error()))
	}

	if len(data) > 0 && c.svc != nil {
		perr := c.svc.Process(c, data)
		if perr != nil {
			ifc.warn("tcp:process", c.attr(), slog.String("err", perr.Error()))
		}
	}
	if fin && err == nil && c.state == seqs.StateCloseWait {
		// FIN|ACK is out, nothing more is expected from the peer.
		c.release()
	}
}
