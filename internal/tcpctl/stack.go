package tcpctl

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/soypat/cowstick/internal/tcpctl/eth"
)

const (
	_MTU = 1500
	// frameSize is the largest frame held by the RX and TX buffers. No FCS.
	frameSize = eth.SizeEthernetHeader + _MTU

	defaultMaxConns         = 2
	maxConns                = 16
	defaultTxWaitMaxBackoff = time.Millisecond
	txWaitSpins             = 32
)

// Link is the transport collaborator that moves raw Ethernet frames in and
// out of the device, i.e: a USB CDC-ECM function driver.
type Link interface {
	// SendFrame hands a complete frame to the physical layer. The Interface
	// keeps the TX buffer busy until the link calls [Interface.TxComplete], so
	// frame may be read by the link until then.
	SendFrame(frame []byte) error
	// RearmRx signals the link the RX buffer has been consumed and the next
	// frame may be delivered with [Interface.FrameReceived].
	RearmRx()
}

// InterfaceConfig configures an [Interface]. Addresses are fixed for the
// lifetime of the interface and never negotiated.
type InterfaceConfig struct {
	MAC [6]byte
	// LocalIP is the address of the device.
	LocalIP [4]byte
	// RemoteIP is the single address handed out to the host over DHCP.
	RemoteIP [4]byte
	// MaxConns is the TCP connection table capacity. Defaults to 2.
	MaxConns int
	Link     Link
	Logger   *slog.Logger
	// TxWaitTimeout bounds [Interface.WaitTxFree]. Zero waits forever.
	TxWaitTimeout time.Duration
	// TxWaitMaxBackoff caps the sleep between TX busy checks. Defaults to 1ms.
	TxWaitMaxBackoff time.Duration
}

// Stats holds interface counters.
type Stats struct {
	RxFrames    uint32
	TxFrames    uint32
	Malformed   uint32
	Overruns    uint32
	ARPReplies  uint32
	DHCPReplies uint32
	TCPResets   uint32
	TxStalls    uint32
}

// Interface is a single Ethernet interface with one RX and one TX frame
// buffer. All methods except [Interface.FrameReceived] and
// [Interface.TxComplete] must be called from the goroutine calling Poll.
type Interface struct {
	link          Link
	logger        *slog.Logger
	_traceenabled bool
	txMore        func(*Interface)
	conns         []Conn
	services      [maxServices]Service
	stats         Stats
	txWaitTimeout time.Duration
	txWaitBackoff time.Duration
	// rxlen is the length of the frame held in rx. Non-zero means rx is owned by Poll.
	rxlen atomic.Int32
	// txBusy holds the EtherType of the frame occupying tx, zero when free.
	txBusy   atomic.Uint32
	overruns atomic.Uint32
	mac      [6]byte
	peerMAC  [6]byte
	localIP  [4]byte
	remoteIP [4]byte
	rx       [frameSize]byte
	tx       [frameSize]byte
}

// Common errors.
var (
	ErrDroppedPacket  = errors.New("dropped packet: RX buffer not yet consumed")
	ErrPacketTooLarge = errors.New("packet exceeds MTU")
	ErrTxBusy         = errors.New("TX buffer busy")
	ErrTxStalled      = errors.New("timed out waiting for TX completion")

	errTxNotAcquired = errors.New("transmit without acquired TX buffer")
	errNilLink       = errors.New("nil link")
	errZeroMAC       = errors.New("zero MAC address")
	errZeroIP        = errors.New("zero local IP address")
	errBadMaxConns   = errors.New("connection table capacity out of range")
)

// NewInterface allocates an Interface and its connection table.
func NewInterface(cfg InterfaceConfig) (*Interface, error) {
	ifc := new(Interface)
	err := ifc.Reset(cfg)
	if err != nil {
		return nil, err
	}
	return ifc, nil
}

// Reset zeroes the interface state, unregisters all services and applies cfg.
// The connection table is reused if its capacity is unchanged.
func (ifc *Interface) Reset(cfg InterfaceConfig) error {
	if cfg.MaxConns == 0 {
		cfg.MaxConns = defaultMaxConns
	}
	if cfg.TxWaitMaxBackoff <= 0 {
		cfg.TxWaitMaxBackoff = defaultTxWaitMaxBackoff
	}
	switch {
	case cfg.Link == nil:
		return errNilLink
	case cfg.MAC == [6]byte{}:
		return errZeroMAC
	case cfg.LocalIP == [4]byte{}:
		return errZeroIP
	case cfg.MaxConns < 0 || cfg.MaxConns > maxConns:
		return errBadMaxConns
	}
	conns := ifc.conns
	if len(conns) != cfg.MaxConns {
		conns = make([]Conn, cfg.MaxConns)
	}
	for i := range conns {
		conns[i] = Conn{}
	}
	ifc.link = cfg.Link
	ifc.logger = cfg.Logger
	ifc._traceenabled = cfg.Logger != nil && cfg.Logger.Handler().Enabled(context.Background(), levelTrace)
	ifc.txMore = nil
	ifc.conns = conns
	ifc.services = [maxServices]Service{}
	ifc.stats = Stats{}
	ifc.txWaitTimeout = cfg.TxWaitTimeout
	ifc.txWaitBackoff = cfg.TxWaitMaxBackoff
	ifc.rxlen.Store(0)
	ifc.txBusy.Store(0)
	ifc.overruns.Store(0)
	ifc.mac = cfg.MAC
	ifc.peerMAC = [6]byte{}
	ifc.localIP = cfg.LocalIP
	ifc.remoteIP = cfg.RemoteIP
	ifc.debug("ifc:reset",
		slog.String("mac", macstr(cfg.MAC)),
		ipattr("local", cfg.LocalIP),
		ipattr("remote", cfg.RemoteIP),
		slog.Int("maxconns", cfg.MaxConns),
	)
	return nil
}

// MAC returns the hardware address of the interface.
func (ifc *Interface) MAC() [6]byte { return ifc.mac }

// LocalIP returns the address of the interface.
func (ifc *Interface) LocalIP() [4]byte { return ifc.localIP }

// RemoteIP returns the address handed out to the host.
func (ifc *Interface) RemoteIP() [4]byte { return ifc.remoteIP }

// Stats returns a snapshot of the interface counters.
func (ifc *Interface) Stats() Stats {
	s := ifc.stats
	s.Overruns = ifc.overruns.Load()
	return s
}

// SetTxMore registers fn to be called by Poll whenever the TX buffer is free,
// instead of processing received frames. Used by senders that need several
// segments to complete. A nil fn unregisters the callback.
func (ifc *Interface) SetTxMore(fn func(*Interface)) { ifc.txMore = fn }

// Poll is the single periodic entry point of the interface. It reports
// whether it did any work.
func (ifc *Interface) Poll() bool {
	if ifc.txMore != nil {
		if ifc.TxBusy() {
			return false
		}
		ifc.txMore(ifc)
		return true
	}
	n := int(ifc.rxlen.Load())
	if n == 0 {
		return false
	}
	ifc.dispatch(ifc.rx[:n])
	ifc.rxlen.Store(0)
	ifc.link.RearmRx()
	return true
}

func (ifc *Interface) dispatch(frame []byte) {
	ifc.stats.RxFrames++
	if len(frame) < eth.SizeEthernetHeader {
		ifc.malformed("eth:short", len(frame))
		return
	}
	ehdr := eth.DecodeEthernetHeader(frame)
	ifc.peerMAC = ehdr.Source
	payload := frame[eth.SizeEthernetHeader:]
	etype := ehdr.EtherType()
	if ifc._traceenabled {
		ifc.trace("eth:rx", slog.String("hdr", ehdr.String()), slog.Int("plen", len(payload)))
	}
	switch etype {
	case eth.EtherTypeIPv4:
		ifc.handleIPv4(payload)
	case eth.EtherTypeARP:
		ifc.handleARP(payload)
	case eth.EtherTypeIPv6:
		ifc.debug("eth:ipv6-ignored")
	default:
		ifc.debug("eth:unhandled", slog.String("etype", etype.String()))
	}
}

// FrameReceived is called by the link with a received Ethernet frame. The
// frame is copied into the RX buffer. It returns [ErrDroppedPacket] if the
// previous frame has not been consumed by Poll and [ErrPacketTooLarge] if the
// frame does not fit the buffer.
func (ifc *Interface) FrameReceived(frame []byte) error {
	if len(frame) > len(ifc.rx) {
		ifc.overruns.Add(1)
		return ErrPacketTooLarge
	}
	if ifc.rxlen.Load() != 0 {
		ifc.overruns.Add(1)
		return ErrDroppedPacket
	}
	n := copy(ifc.rx[:], frame)
	ifc.rxlen.Store(int32(n))
	return nil
}

// TxBusy reports whether a frame occupies the TX buffer.
func (ifc *Interface) TxBusy() bool { return ifc.txBusy.Load() != 0 }

// TxComplete is called by the link once the frame handed over with
// SendFrame has been sent. It frees the TX buffer.
func (ifc *Interface) TxComplete() {
	ifc.tx[12], ifc.tx[13] = 0, 0
	ifc.txBusy.Store(0)
}

// AcquireTx returns the payload area of the TX buffer. When etype is non-zero
// a new frame is started: the Ethernet header is written addressed to the
// source of the last received frame and the buffer is marked busy. It fails
// with [ErrTxBusy] if a previous frame has not completed. When etype is zero
// the payload area of the frame already being prepared is returned.
func (ifc *Interface) AcquireTx(etype eth.EtherType) ([]byte, error) {
	if etype == 0 {
		if !ifc.TxBusy() {
			return nil, errTxNotAcquired
		}
		return ifc.tx[eth.SizeEthernetHeader:], nil
	}
	if !ifc.txBusy.CompareAndSwap(0, uint32(etype)) {
		return nil, ErrTxBusy
	}
	ehdr := eth.EthernetHeader{
		Destination:     ifc.peerMAC,
		Source:          ifc.mac,
		SizeOrEtherType: uint16(etype),
	}
	ehdr.Put(ifc.tx[:])
	return ifc.tx[eth.SizeEthernetHeader:], nil
}

// Transmit hands the acquired frame with payloadLen bytes of payload to the
// link. The TX buffer stays busy until [Interface.TxComplete] is called,
// unless the link fails to accept the frame.
func (ifc *Interface) Transmit(payloadLen int) error {
	if !ifc.TxBusy() {
		return errTxNotAcquired
	}
	n := eth.SizeEthernetHeader + payloadLen
	if payloadLen < 0 || n > len(ifc.tx) {
		ifc.txBusy.Store(0)
		return ErrPacketTooLarge
	}
	err := ifc.link.SendFrame(ifc.tx[:n])
	if err != nil {
		ifc.txBusy.Store(0)
		ifc.logerr("eth:tx", slog.String("err", err.Error()))
		return err
	}
	ifc.stats.TxFrames++
	return nil
}

// WaitTxFree blocks until the TX buffer is free. It spins briefly and then
// backs off exponentially up to the configured maximum between checks. With a
// non-zero TxWaitTimeout it gives up with [ErrTxStalled].
func (ifc *Interface) WaitTxFree() error {
	for i := 0; i < txWaitSpins; i++ {
		if !ifc.TxBusy() {
			return nil
		}
		runtime.Gosched()
	}
	start := time.Now()
	sleep := time.Microsecond
	for ifc.TxBusy() {
		if ifc.txWaitTimeout > 0 && time.Since(start) > ifc.txWaitTimeout {
			ifc.stats.TxStalls++
			ifc.warn("eth:tx-stalled", slog.Duration("waited", time.Since(start)))
			return ErrTxStalled
		}
		time.Sleep(sleep)
		sleep = min(2*sleep, ifc.txWaitBackoff)
	}
	return nil
}

func (ifc *Interface) malformed(msg string, plen int) {
	ifc.stats.Malformed++
	ifc.debug(msg, slog.Int("plen", plen))
}
