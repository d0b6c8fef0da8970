// Package cowstick is the network side of a USB CDC-ECM bootloader. It
// presents the device as a single host Ethernet peer, answers DHCP and ARP,
// and runs a firmware upgrade service over TCP that programs the received
// image into flash.
package cowstick

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/cowstick/flash"
	"github.com/soypat/cowstick/internal/tcpctl"
	"github.com/soypat/cowstick/upgrade"
)

// Config configures a Bootloader. Addresses are fixed for the lifetime of
// the bootloader; the host is always offered RemoteIP.
type Config struct {
	MAC      [6]byte
	LocalIP  [4]byte
	RemoteIP [4]byte
	// MaxConns is the TCP connection table capacity.
	MaxConns    int
	UpgradePort uint16
	// AppBase is the flash address the application image is written at.
	AppBase uint32
	Link    tcpctl.Link
	Flash   flash.Device
	Logger  *slog.Logger
	// TxWaitTimeout bounds waits for TX completion. Zero waits forever.
	TxWaitTimeout time.Duration
}

// DefaultConfig returns the fixed bootloader addressing. Link and Flash
// must be set by the caller.
func DefaultConfig() Config {
	return Config{
		MAC:           [6]byte{0x02, 0xc0, 0x57, 0x1c, 0x00, 0x01},
		LocalIP:       [4]byte{10, 10, 10, 254},
		RemoteIP:      [4]byte{10, 10, 10, 3},
		MaxConns:      2,
		UpgradePort:   upgrade.DefaultPort,
		AppBase:       upgrade.DefaultBase,
		TxWaitTimeout: 100 * time.Millisecond,
	}
}

// Bootloader serves firmware upgrades over a single Ethernet interface.
type Bootloader struct {
	ifc           *tcpctl.Interface
	upg           *upgrade.Service
	logger        *slog.Logger
	_traceenabled bool
	started       time.Time
}

// New creates a bootloader and registers the upgrade service on its interface.
func New(cfg Config) (*Bootloader, error) {
	if cfg.Flash == nil {
		return nil, errors.New("nil flash device")
	}
	ifc, err := tcpctl.NewInterface(tcpctl.InterfaceConfig{
		MAC:           cfg.MAC,
		LocalIP:       cfg.LocalIP,
		RemoteIP:      cfg.RemoteIP,
		MaxConns:      cfg.MaxConns,
		Link:          cfg.Link,
		Logger:        cfg.Logger,
		TxWaitTimeout: cfg.TxWaitTimeout,
	})
	if err != nil {
		return nil, errjoin(errors.New("interface"), err)
	}
	upg, err := upgrade.New(upgrade.Config{
		Port:   cfg.UpgradePort,
		Base:   cfg.AppBase,
		Flash:  cfg.Flash,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	err = ifc.Register(upg)
	if err != nil {
		return nil, errjoin(errors.New("register upgrade service"), err)
	}
	b := &Bootloader{
		ifc:     ifc,
		upg:     upg,
		logger:  cfg.Logger,
		started: time.Now(),
	}
	b._traceenabled = b.logger != nil && b.logger.Handler().Enabled(context.Background(), levelTrace)
	b.info("bootloader:ready",
		slog.String("mac", macstr(cfg.MAC)),
		ipattr("ip", cfg.LocalIP),
		ipattr("host", cfg.RemoteIP),
		slog.Uint64("port", uint64(upg.Port())),
	)
	return b, nil
}

// Poll processes at most one received frame. It must be called in a loop by
// the main program and reports whether any work was done.
func (b *Bootloader) Poll() bool {
	did := b.ifc.Poll()
	if did && b._traceenabled {
		written, connected := b.upg.Progress()
		b.trace("bootloader:poll", slog.Uint64("written", uint64(written)), slog.Bool("connected", connected))
	}
	return did
}

// FrameReceived hands a frame received by the USB driver to the bootloader.
// It may be called from the driver's interrupt context.
func (b *Bootloader) FrameReceived(frame []byte) error { return b.ifc.FrameReceived(frame) }

// TxComplete signals that the frame last handed to the link has been sent.
func (b *Bootloader) TxComplete() { b.ifc.TxComplete() }

// Interface returns the network interface of the bootloader.
func (b *Bootloader) Interface() *tcpctl.Interface { return b.ifc }

// Upgrade returns the firmware upgrade service.
func (b *Bootloader) Upgrade() *upgrade.Service { return b.upg }

// Uptime returns the time since the bootloader was created.
func (b *Bootloader) Uptime() time.Duration { return time.Since(b.started) }
