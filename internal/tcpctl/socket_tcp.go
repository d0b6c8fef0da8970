package tcpctl

import (
	"errors"
	"log/slog"
	"net/netip"

	"github.com/soypat/cowstick/internal/tcpctl/eth"
	"github.com/soypat/seqs"
)

const (
	// initialSeq is the local sequence number every connection starts with.
	initialSeq seqs.Value = 0x12345678
	synWindow  uint16     = 450
	window     uint16     = 256
)

var (
	errConnNotOpen = errors.New("connection not open")
	errNoSegment   = errors.New("no segment being prepared")
)

// Conn is a slot of the TCP connection table. A slot is free when its remote
// IP is zero. Services only ever see a Conn borrowed during a callback.
type Conn struct {
	ifc *Interface
	svc Service
	// Priv is an opaque value owned by the service for the connection lifetime.
	Priv       any
	rsp        eth.TCPHeader
	localSeq   seqs.Value
	remoteSeq  seqs.Value
	remoteIP   [4]byte
	localPort  uint16
	remotePort uint16
	state      seqs.State
	// pending is set while rsp describes the segment in the TX buffer.
	pending bool
}

func (c *Conn) free() bool { return c.remoteIP == [4]byte{} }

// State returns the connection state.
func (c *Conn) State() seqs.State { return c.state }

// LocalPort returns the port of the service the connection was accepted on.
func (c *Conn) LocalPort() uint16 { return c.localPort }

// RemoteAddr returns the address and port of the peer.
func (c *Conn) RemoteAddr() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(c.remoteIP), c.remotePort)
}

// Service returns the service the connection was accepted by.
func (c *Conn) Service() Service { return c.svc }

// WaitTxFree blocks until the TX buffer is free. It must be called before
// TxBuffer if a previous segment may still be in flight.
func (c *Conn) WaitTxFree() error {
	if c.ifc == nil {
		return errConnNotOpen
	}
	return c.ifc.WaitTxFree()
}

// TxBuffer returns the data area of the segment being prepared. If none is
// being prepared an ACK segment is started in the TX buffer.
func (c *Conn) TxBuffer() ([]byte, error) {
	if c.free() || c.ifc == nil {
		return nil, errConnNotOpen
	}
	if c.pending {
		buf, err := c.ifc.AcquireTx(0)
		if err != nil {
			return nil, err
		}
		return buf[eth.SizeIPv4Header+eth.SizeTCPHeader:], nil
	}
	return c.prepare(seqs.FlagACK, window)
}

// prepare starts a segment with flags to the peer in the TX buffer.
func (c *Conn) prepare(flags seqs.Flags, wnd uint16) ([]byte, error) {
	buf, err := c.ifc.acquireIPv4(c.remoteIP, eth.IPProtoTCP)
	if err != nil {
		return nil, err
	}
	c.rsp = eth.TCPHeader{
		SourcePort:      c.localPort,
		DestinationPort: c.remotePort,
		Seq:             c.localSeq,
		Ack:             c.remoteSeq,
		WindowSizeRaw:   wnd,
	}
	c.rsp.SetOffset(eth.SizeTCPHeader / 4)
	c.rsp.SetFlags(flags)
	c.pending = true
	return buf[eth.SizeTCPHeader:], nil
}

// Send transmits the segment being prepared with dataLen bytes of data
// written to the buffer returned by TxBuffer and advances the local sequence
// number by dataLen.
func (c *Conn) Send(dataLen int) error {
	if c.ifc == nil {
		return errConnNotOpen
	}
	if !c.pending {
		return errNoSegment
	}
	c.pending = false
	if dataLen > 0 {
		c.rsp.SetFlags(c.rsp.Flags() | seqs.FlagPSH)
	}
	err := c.ifc.sendTCP(c.remoteIP, &c.rsp, dataLen)
	if err != nil {
		return err
	}
	c.localSeq = seqs.Add(c.localSeq, seqs.Size(dataLen))
	return nil
}

// Close starts an active close by sending FIN. The connection is released
// once the peer's FIN has been acknowledged.
func (c *Conn) Close() error {
	if c.free() || c.ifc == nil {
		return errConnNotOpen
	}
	switch c.state {
	case seqs.StateSynRcvd, seqs.StateEstablished:
	default:
		return errConnNotOpen
	}
	err := c.ifc.WaitTxFree()
	if err != nil {
		return err
	}
	_, err = c.prepare(seqs.FlagFIN|seqs.FlagACK, window)
	if err != nil {
		return err
	}
	c.state = seqs.StateFinWait1
	c.ifc.debug("tcp:close", c.attr())
	return c.Send(0)
}

// release returns the slot to the table, notifying the service.
func (c *Conn) release() {
	svc := c.svc
	if svc != nil {
		svc.Closed(c)
	}
	c.ifc.debug("tcp:release", c.attr())
	*c = Conn{}
}

func (c *Conn) attr() slog.Attr {
	return slog.String("conn", c.RemoteAddr().String())
}

// sendTCP writes hdr into the frame being prepared, computes the checksum
// over the pseudo-header, header and dataLen bytes of data and sends it.
func (ifc *Interface) sendTCP(dst [4]byte, hdr *eth.TCPHeader, dataLen int) error {
	buf, err := ifc.AcquireTx(0)
	if err != nil {
		return err
	}
	seglen := eth.SizeTCPHeader + dataLen
	if dataLen < 0 || eth.SizeIPv4Header+seglen > _MTU {
		ifc.txBusy.Store(0)
		return ErrPacketTooLarge
	}
	seg := buf[eth.SizeIPv4Header : eth.SizeIPv4Header+seglen]
	hdr.Checksum = 0
	hdr.Put(seg)
	pseudo := eth.IPv4Header{
		VersionAndIHL: eth.IPv4VersionIHL,
		TotalLength:   uint16(eth.SizeIPv4Header + seglen),
		Protocol:      uint8(eth.IPProtoTCP),
		Source:        ifc.localIP,
		Destination:   dst,
	}
	var phdr [12]byte
	var crc eth.CRC791
	pseudo.PutPseudo(phdr[:])
	crc.Write(phdr[:])
	crc.Write(seg)
	hdr.Checksum = crc.Sum16()
	hdr.Put(seg)
	if ifc._traceenabled {
		ifc.trace("tcp:tx", slog.String("hdr", hdr.String()), slog.Int("dlen", dataLen))
	}
	return ifc.sendIPv4(seglen)
}
