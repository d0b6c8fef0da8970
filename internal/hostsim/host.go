// Package hostsim is a scripted USB host for the bootloader. It plays the
// host side of the virtual Ethernet link: it configures itself over DHCP,
// resolves the device with ARP and uploads a firmware image over TCP. Frames
// are built and parsed with gopacket.
package hostsim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/smallnest/ringbuffer"
)

// Device is the device end of the link.
type Device interface {
	FrameReceived(frame []byte) error
	TxComplete()
	Poll() bool
}

const (
	queueSize = 16 * 1024
	// Frames are queued with a 2 byte big endian length prefix.
	prefixLen   = 2
	maxFrame    = 1514
	defaultMSS  = 512
	hostPort    = 49152
	maxPollRuns = 64
)

var (
	ErrNoReply    = errors.New("hostsim: no reply from device")
	ErrBadReply   = errors.New("hostsim: unexpected reply")
	errQueueFull  = errors.New("hostsim: send queue full")
	errNotBound   = errors.New("hostsim: no address, run DHCP first")
	errFrameLarge = errors.New("hostsim: frame too large")
)

type Config struct {
	MAC net.HardwareAddr
	// MSS is the largest TCP payload sent in a single segment.
	MSS    int
	Logger *slog.Logger
	// Pcap, if set, receives every frame crossing the link.
	Pcap *pcapgo.Writer
}

// Host is the scripted host. It implements the link the device transmits on.
type Host struct {
	mac    net.HardwareAddr
	mss    int
	logger *slog.Logger
	pcap   *pcapgo.Writer
	dev    Device
	queue  *ringbuffer.RingBuffer
	inbox  [][]byte
	rearms int
	ip     net.IP
	devIP  net.IP
	devMAC net.HardwareAddr
	xid    uint32
	frame  [prefixLen + maxFrame]byte
}

func New(cfg Config) *Host {
	if cfg.MSS <= 0 {
		cfg.MSS = defaultMSS
	}
	mac := cfg.MAC
	if len(mac) != 6 {
		mac = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x03}
	}
	return &Host{
		mac:    mac,
		mss:    cfg.MSS,
		logger: cfg.Logger,
		pcap:   cfg.Pcap,
		queue:  ringbuffer.New(queueSize),
		xid:    0x3903f326,
	}
}

// Attach connects the device to the host. Must be called before any exchange.
func (h *Host) Attach(dev Device) { h.dev = dev }

// SendFrame receives a frame transmitted by the device and completes the
// transmission.
func (h *Host) SendFrame(frame []byte) error {
	if len(frame) > maxFrame {
		return errFrameLarge
	}
	h.capture(frame)
	h.inbox = append(h.inbox, append([]byte(nil), frame...))
	h.dev.TxComplete()
	return nil
}

// RearmRx records that the device is ready for the next frame.
func (h *Host) RearmRx() { h.rearms++ }

// Rearms returns the number of times the device re-armed reception.
func (h *Host) Rearms() int { return h.rearms }

// IP returns the address leased to the host.
func (h *Host) IP() net.IP { return h.ip }

// DeviceIP returns the address of the device as learnt over DHCP.
func (h *Host) DeviceIP() net.IP { return h.devIP }

// DeviceMAC returns the device hardware address.
func (h *Host) DeviceMAC() net.HardwareAddr { return h.devMAC }

// enqueue serializes ls into the send queue.
func (h *Host) enqueue(ls ...gopacket.SerializableLayer) error {
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ls...)
	if err != nil {
		return err
	}
	frame := buf.Bytes()
	if len(frame) > maxFrame {
		return errFrameLarge
	}
	if h.queue.Free() < prefixLen+len(frame) {
		return errQueueFull
	}
	var prefix [prefixLen]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(frame)))
	h.queue.Write(prefix[:])
	h.queue.Write(frame)
	return nil
}

// flush delivers every queued frame to the device, polling it until idle
// after each one.
func (h *Host) flush() error {
	for !h.queue.IsEmpty() {
		_, err := h.queue.Read(h.frame[:prefixLen])
		if err != nil {
			return err
		}
		n := int(binary.BigEndian.Uint16(h.frame[:prefixLen]))
		frame := h.frame[prefixLen : prefixLen+n]
		_, err = h.queue.Read(frame)
		if err != nil {
			return err
		}
		h.capture(frame)
		err = h.dev.FrameReceived(frame)
		if err != nil {
			return err
		}
		for i := 0; i < maxPollRuns && h.dev.Poll(); i++ {
		}
	}
	return nil
}

// next returns the oldest frame sent by the device.
func (h *Host) next() (gopacket.Packet, error) {
	if len(h.inbox) == 0 {
		return nil, ErrNoReply
	}
	frame := h.inbox[0]
	h.inbox = h.inbox[1:]
	return gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default), nil
}

func (h *Host) capture(frame []byte) {
	if h.pcap == nil {
		return
	}
	err := h.pcap.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
	if err != nil {
		h.logattrs(slog.LevelWarn, "pcap:write", slog.String("err", err.Error()))
	}
}

func (h *Host) ethernet(dst net.HardwareAddr, etype layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: h.mac, DstMAC: dst, EthernetType: etype}
}

func (h *Host) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if h.logger == nil {
		return
	}
	h.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func badReply(what string, pkt gopacket.Packet) error {
	return fmt.Errorf("%w: %s:\n%s", ErrBadReply, what, pkt.Dump())
}
