package hostsim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrRefused is returned when the device answers a SYN with a reset.
var ErrRefused = errors.New("hostsim: connection refused")

const hostISS = 0x00c0ffee

type tcpConn struct {
	h       *Host
	dport   uint16
	seq     uint32
	ack     uint32
	window  int
	segsOut int
}

// Upload connects to port, streams image in segments of at most MSS bytes
// and closes the connection. It returns the number of segments sent.
func (h *Host) Upload(port uint16, image []byte) (segments int, err error) {
	if h.devMAC == nil || h.devIP == nil {
		return 0, errNotBound
	}
	c := &tcpConn{h: h, dport: port, seq: hostISS}
	err = c.connect()
	if err != nil {
		return 0, err
	}
	for len(image) > 0 {
		burst := max(1, c.window/h.mss)
		var ends []uint32
		for i := 0; i < burst && len(image) > 0; i++ {
			n := min(len(image), h.mss)
			err = c.enqueue(layers.TCP{PSH: true, ACK: true}, image[:n])
			if err != nil {
				return c.segsOut, err
			}
			c.seq += uint32(n)
			ends = append(ends, c.seq)
			image = image[n:]
		}
		err = h.flush()
		if err != nil {
			return c.segsOut, err
		}
		for _, end := range ends {
			ack, err := c.expect(false, true, false)
			if err != nil {
				return c.segsOut, err
			}
			if ack.Ack != end {
				return c.segsOut, fmt.Errorf("%w: ack %d, want %d", ErrBadReply, ack.Ack, end)
			}
			c.window = int(ack.Window)
		}
	}
	err = c.close()
	h.logattrs(slog.LevelInfo, "tcp:upload-done", slog.Int("segments", c.segsOut), slog.Uint64("port", uint64(port)))
	return c.segsOut, err
}

func (c *tcpConn) connect() error {
	var mss [2]byte
	binary.BigEndian.PutUint16(mss[:], uint16(c.h.mss))
	err := c.enqueue(layers.TCP{
		SYN: true,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: mss[:]},
		},
	}, nil)
	if err == nil {
		err = c.h.flush()
	}
	if err != nil {
		return err
	}
	synack, err := c.expect(true, true, false)
	if err != nil {
		return err
	}
	c.seq++
	if synack.Ack != c.seq {
		return fmt.Errorf("%w: SYN|ACK acks %d, want %d", ErrBadReply, synack.Ack, c.seq)
	}
	c.ack = synack.Seq + 1
	c.window = int(synack.Window)
	err = c.enqueue(layers.TCP{ACK: true}, nil)
	if err == nil {
		err = c.h.flush()
	}
	if err != nil {
		return err
	}
	c.h.logattrs(slog.LevelInfo, "tcp:established", slog.Uint64("port", uint64(c.dport)), slog.Int("window", c.window))
	return c.expectQuiet()
}

func (c *tcpConn) close() error {
	err := c.enqueue(layers.TCP{FIN: true, ACK: true}, nil)
	if err == nil {
		err = c.h.flush()
	}
	if err != nil {
		return err
	}
	c.seq++
	finack, err := c.expect(false, true, true)
	if err != nil {
		return err
	}
	if finack.Ack != c.seq {
		return fmt.Errorf("%w: FIN|ACK acks %d, want %d", ErrBadReply, finack.Ack, c.seq)
	}
	c.ack = finack.Seq + 1
	err = c.enqueue(layers.TCP{ACK: true}, nil)
	if err == nil {
		err = c.h.flush()
	}
	if err != nil {
		return err
	}
	return c.expectQuiet()
}

// enqueue queues a segment with the flags of tmpl and payload.
func (c *tcpConn) enqueue(tmpl layers.TCP, payload []byte) error {
	h := c.h
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    h.ip,
		DstIP:    h.devIP,
	}
	tcp := &tmpl
	tcp.SrcPort = hostPort
	tcp.DstPort = layers.TCPPort(c.dport)
	tcp.Seq = c.seq
	tcp.Window = 4096
	if tcp.ACK {
		tcp.Ack = c.ack
	}
	tcp.SetNetworkLayerForChecksum(ip)
	err := h.enqueue(h.ethernet(h.devMAC, layers.EthernetTypeIPv4), ip, tcp, gopacket.Payload(payload))
	if err != nil {
		return err
	}
	c.segsOut++
	return nil
}

// expect pops the next device frame and checks it is a segment of the
// connection with the given flags.
func (c *tcpConn) expect(syn, ack, fin bool) (*layers.TCP, error) {
	pkt, err := c.h.next()
	if err != nil {
		return nil, err
	}
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok || uint16(tcp.SrcPort) != c.dport || tcp.DstPort != hostPort {
		return nil, badReply("tcp", pkt)
	}
	if tcp.RST {
		return nil, ErrRefused
	}
	if tcp.SYN != syn || tcp.ACK != ack || tcp.FIN != fin {
		return nil, badReply("tcp flags", pkt)
	}
	return tcp, nil
}

func (c *tcpConn) expectQuiet() error {
	if len(c.h.inbox) == 0 {
		return nil
	}
	pkt, _ := c.h.next()
	return badReply("unexpected frame", pkt)
}
