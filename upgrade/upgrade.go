// Package upgrade implements the firmware upgrade TCP service. The image is
// received as a raw byte stream and programmed page by page into flash
// starting at the application base address.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/soypat/cowstick/flash"
	"github.com/soypat/cowstick/internal/tcpctl"
)

const (
	DefaultPort = 1234
	// DefaultBase is the flash address of the application image. Everything
	// below it belongs to the bootloader.
	DefaultBase = 0x4000
)

// ErrBusy refuses a connection while another upgrade is in progress.
var ErrBusy = errors.New("upgrade: session in progress")

var errNoFlash = errors.New("upgrade: nil flash device")

// Config configures a [Service]. Flash is required.
type Config struct {
	Port   uint16
	Base   uint32
	Flash  flash.Device
	Logger *slog.Logger
}

// DefaultConfig returns the configuration for dev. The default listening
// port is 1234 and images start at 0x4000.
func DefaultConfig(dev flash.Device) Config {
	return Config{
		Port:  DefaultPort,
		Base:  DefaultBase,
		Flash: dev,
	}
}

// Session is the state of the upgrade connection.
type Session struct {
	offset uint32
	cache  [flash.PageSize]byte
	cached int
	// failed is set after a flash error. Nothing more is written.
	failed bool
}

// Offset returns the number of image bytes programmed into flash.
func (s *Session) Offset() uint32 { return s.offset }

// Service accepts a single upgrade connection at a time.
type Service struct {
	port      uint16
	base      uint32
	dev       flash.Device
	logger    *slog.Logger
	sess      Session
	connected bool
	sessions  int
}

var _ tcpctl.Service = (*Service)(nil)

// New returns a Service writing images to cfg.Flash starting at cfg.Base,
// which must be row aligned.
func New(cfg Config) (*Service, error) {
	if cfg.Flash == nil {
		return nil, errNoFlash
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Base%flash.RowSize != 0 {
		return nil, fmt.Errorf("upgrade: base %#x: %w", cfg.Base, flash.ErrMisaligned)
	}
	return &Service{
		port:   cfg.Port,
		base:   cfg.Base,
		dev:    cfg.Flash,
		logger: cfg.Logger,
	}, nil
}

// Port returns the TCP port the service listens on.
func (s *Service) Port() uint16 { return s.port }

// Progress returns the number of bytes programmed by the current or last
// session and whether a client is connected.
func (s *Service) Progress() (written uint32, connected bool) {
	return s.sess.offset, s.connected
}

// Sessions returns the number of sessions accepted so far.
func (s *Service) Sessions() int { return s.sessions }

// Accept starts a new session for c and resets the image offset. It returns
// [ErrBusy] while another client is connected.
func (s *Service) Accept(c *tcpctl.Conn) error {
	if s.connected {
		s.warn("upgrade:busy", slog.String("conn", c.RemoteAddr().String()))
		return ErrBusy
	}
	s.connected = true
	s.sessions++
	s.sess = Session{}
	c.Priv = &s.sess
	s.info("upgrade:start", slog.String("conn", c.RemoteAddr().String()), slog.Uint64("base", uint64(s.base)))
	return nil
}

// Process programs the complete pages held by data and the page cache. A
// flash error closes the connection.
func (s *Service) Process(c *tcpctl.Conn, data []byte) error {
	sess, ok := c.Priv.(*Session)
	if !ok || sess != &s.sess || sess.failed {
		return nil
	}
	err := s.write(sess, data)
	if err != nil {
		sess.failed = true
		s.logerr("upgrade:flash", slog.Uint64("offset", uint64(sess.offset)), slog.String("err", err.Error()))
		cerr := c.Close()
		if cerr != nil {
			s.warn("upgrade:close", slog.String("err", cerr.Error()))
		}
		return err
	}
	return nil
}

func (s *Service) write(sess *Session, data []byte) error {
	if sess.cached > 0 {
		n := copy(sess.cache[sess.cached:], data)
		sess.cached += n
		data = data[n:]
		if sess.cached < flash.PageSize {
			return nil
		}
		err := s.program(sess, &sess.cache)
		if err != nil {
			return err
		}
		sess.cached = 0
	}
	for len(data) >= flash.PageSize {
		err := s.program(sess, (*[flash.PageSize]byte)(data))
		if err != nil {
			return err
		}
		data = data[flash.PageSize:]
	}
	sess.cached = copy(sess.cache[:], data)
	return nil
}

// program writes page at the session offset, erasing the row first when the
// page starts one.
func (s *Service) program(sess *Session, page *[flash.PageSize]byte) error {
	addr := s.base + sess.offset
	if flash.IsRowStart(addr) {
		err := s.dev.EraseRow(addr)
		if err != nil {
			return err
		}
		s.debug("upgrade:erase", slog.Uint64("addr", uint64(addr)))
	}
	err := s.dev.WritePage(addr, page)
	if err != nil {
		return err
	}
	sess.offset += flash.PageSize
	return nil
}

// Closed flushes a partial page padded with 0xff and ends the session.
func (s *Service) Closed(c *tcpctl.Conn) {
	sess, ok := c.Priv.(*Session)
	if !ok || sess != &s.sess {
		return
	}
	if sess.cached > 0 && !sess.failed {
		for i := sess.cached; i < flash.PageSize; i++ {
			sess.cache[i] = 0xff
		}
		err := s.program(sess, &sess.cache)
		if err != nil {
			sess.failed = true
			s.logerr("upgrade:flush", slog.Uint64("offset", uint64(sess.offset)), slog.String("err", err.Error()))
		}
		sess.cached = 0
	}
	s.connected = false
	c.Priv = nil
	s.info("upgrade:done", slog.Uint64("written", uint64(sess.offset)), slog.Bool("failed", sess.failed))
}

func (s *Service) logerr(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelError, msg, attrs...)
}

func (s *Service) warn(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelWarn, msg, attrs...)
}

func (s *Service) info(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelInfo, msg, attrs...)
}

func (s *Service) debug(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelDebug, msg, attrs...)
}

func (s *Service) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if s.logger == nil {
		return
	}
	s.logger.LogAttrs(context.Background(), level, msg, attrs...)
}
