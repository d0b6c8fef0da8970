package tcpctl

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/soypat/seqs"
)

const (
	testPort  = 1234
	hostPort  = 40000
	hostISS   = 1000
	devISS    = uint32(initialSeq)
	synAckWnd = 450
)

type stubService struct {
	port      uint16
	acceptErr error
	accepted  int
	closed    int
	data      []byte
	process   func(c *Conn, data []byte) error
}

func (s *stubService) Port() uint16 { return s.port }

func (s *stubService) Accept(c *Conn) error {
	if s.acceptErr != nil {
		return s.acceptErr
	}
	s.accepted++
	c.Priv = s
	return nil
}

func (s *stubService) Process(c *Conn, data []byte) error {
	s.data = append(s.data, data...)
	if s.process != nil {
		return s.process(c, data)
	}
	return nil
}

func (s *stubService) Closed(c *Conn) { s.closed++ }

func tcpFrame(t *testing.T, sport, dport uint16, seq, ack uint32, flags seqs.Flags, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(hostIP[:]),
		DstIP:    net.IP(devIP[:]),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     seq,
		Ack:     ack,
		Window:  1024,
		FIN:     flags.HasAny(seqs.FlagFIN),
		SYN:     flags.HasAny(seqs.FlagSYN),
		RST:     flags.HasAny(seqs.FlagRST),
		PSH:     flags.HasAny(seqs.FlagPSH),
		ACK:     flags.HasAny(seqs.FlagACK),
	}
	tcp.SetNetworkLayerForChecksum(ip)
	return serialize(t, hostEthernet(layers.EthernetTypeIPv4), ip, tcp, gopacket.Payload(payload))
}

// expectTCP pops the next transmitted frame and checks it is a TCP segment
// to the host with the given flags, sequence and acknowledgment numbers.
func expectTCP(t *testing.T, link *testLink, flags seqs.Flags, seq, ack uint32) *layers.TCP {
	t.Helper()
	pkt := link.next(t)
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		t.Fatalf("no TCP layer:\n%s", pkt.Dump())
	}
	checkChecksums(t, pkt)
	ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ip.DstIP.Equal(net.IP(hostIP[:])) || !ip.SrcIP.Equal(net.IP(devIP[:])) || ip.TTL != ipTTL {
		t.Errorf("IPv4 %s -> %s ttl=%d", ip.SrcIP, ip.DstIP, ip.TTL)
	}
	if got := flagsOf(tcp); got != flags {
		t.Errorf("flags %s, want %s", got, flags)
	}
	if tcp.Seq != seq {
		t.Errorf("seq %d, want %d", tcp.Seq, seq)
	}
	if tcp.Ack != ack {
		t.Errorf("ack %d, want %d", tcp.Ack, ack)
	}
	return tcp
}

// establish runs the three way handshake with svc listening on testPort.
func establish(t *testing.T, ifc *Interface, link *testLink) *Conn {
	t.Helper()
	deliver(t, ifc, tcpFrame(t, hostPort, testPort, hostISS, 0, seqs.FlagSYN, nil))
	synack := expectTCP(t, link, seqs.FlagSYN|seqs.FlagACK, devISS, hostISS+1)
	if synack.Window != synAckWnd {
		t.Errorf("SYN|ACK window %d, want %d", synack.Window, synAckWnd)
	}
	if int(synack.SrcPort) != testPort || int(synack.DstPort) != hostPort {
		t.Errorf("ports %d->%d", synack.SrcPort, synack.DstPort)
	}
	deliver(t, ifc, tcpFrame(t, hostPort, testPort, hostISS+1, devISS+1, seqs.FlagACK, nil))
	link.expectNone(t)
	conn := &ifc.conns[0]
	if conn.State() != seqs.StateEstablished {
		t.Fatalf("state %s, want ESTABLISHED", conn.State())
	}
	return conn
}

func TestTCP_handshakeDataTeardown(t *testing.T) {
	ifc, link := newTestInterface(t, 2)
	svc := &stubService{port: testPort}
	if err := ifc.Register(svc); err != nil {
		t.Fatal(err)
	}
	conn := establish(t, ifc, link)
	if svc.accepted != 1 || conn.Priv != svc {
		t.Fatalf("accept not called or Priv not kept: accepted=%d", svc.accepted)
	}
	if got := conn.RemoteAddr().String(); got != "10.10.10.3:40000" {
		t.Errorf("remote addr %s", got)
	}

	payload := []byte("hello flash")
	deliver(t, ifc, tcpFrame(t, hostPort, testPort, hostISS+1, devISS+1, seqs.FlagPSH|seqs.FlagACK, payload))
	ack := expectTCP(t, link, seqs.FlagACK, devISS+1, hostISS+1+uint32(len(payload)))
	if ack.Window != uint16(window) {
		t.Errorf("window %d, want %d", ack.Window, window)
	}
	if string(svc.data) != string(payload) {
		t.Errorf("service got %q", svc.data)
	}

	// Peer FIN frees the slot within the same call.
	fseq := hostISS + 1 + uint32(len(payload))
	deliver(t, ifc, tcpFrame(t, hostPort, testPort, fseq, devISS+1, seqs.FlagFIN|seqs.FlagACK, nil))
	expectTCP(t, link, seqs.FlagFIN|seqs.FlagACK, devISS+1, fseq+1)
	if !ifc.conns[0].free() {
		t.Fatalf("slot not freed after FIN, state %s", ifc.conns[0].State())
	}
	if svc.closed != 1 {
		t.Errorf("Closed called %d times", svc.closed)
	}
	// Final ACK of our FIN finds no connection.
	deliver(t, ifc, tcpFrame(t, hostPort, testPort, fseq+1, devISS+2, seqs.FlagACK, nil))
	link.expectNone(t)
}

func TestTCP_dataWithFIN(t *testing.T) {
	ifc, link := newTestInterface(t, 2)
	svc := &stubService{port: testPort}
	ifc.Register(svc)
	establish(t, ifc, link)
	payload := []byte("last")
	deliver(t, ifc, tcpFrame(t, hostPort, testPort, hostISS+1, devISS+1, seqs.FlagFIN|seqs.FlagPSH|seqs.FlagACK, payload))
	expectTCP(t, link, seqs.FlagFIN|seqs.FlagACK, devISS+1, hostISS+1+uint32(len(payload))+1)
	if string(svc.data) != "last" {
		t.Errorf("service got %q", svc.data)
	}
	if !ifc.conns[0].free() || svc.closed != 1 {
		t.Errorf("free=%v closed=%d", ifc.conns[0].free(), svc.closed)
	}
}

func TestTCP_handshakeACKCarriesSegment(t *testing.T) {
	for _, tc := range []struct {
		name    string
		flags   seqs.Flags
		payload string
		// Expected reply and resulting slot.
		rspFlags seqs.Flags
		rspAck   uint32
		freed    bool
	}{
		{name: "data", flags: seqs.FlagPSH | seqs.FlagACK, payload: "abc",
			rspFlags: seqs.FlagACK, rspAck: hostISS + 1 + 3},
		{name: "fin", flags: seqs.FlagFIN | seqs.FlagACK,
			rspFlags: seqs.FlagFIN | seqs.FlagACK, rspAck: hostISS + 2, freed: true},
		{name: "data and fin", flags: seqs.FlagFIN | seqs.FlagPSH | seqs.FlagACK, payload: "abc",
			rspFlags: seqs.FlagFIN | seqs.FlagACK, rspAck: hostISS + 1 + 3 + 1, freed: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ifc, link := newTestInterface(t, 2)
			svc := &stubService{port: testPort}
			ifc.Register(svc)
			deliver(t, ifc, tcpFrame(t, hostPort, testPort, hostISS, 0, seqs.FlagSYN, nil))
			expectTCP(t, link, seqs.FlagSYN|seqs.FlagACK, devISS, hostISS+1)

			deliver(t, ifc, tcpFrame(t, hostPort, testPort, hostISS+1, devISS+1, tc.flags, []byte(tc.payload)))
			expectTCP(t, link, tc.rspFlags, devISS+1, tc.rspAck)
			link.expectNone(t)
			if string(svc.data) != tc.payload {
				t.Errorf("service got %q, want %q", svc.data, tc.payload)
			}
			conn := &ifc.conns[0]
			if tc.freed {
				if !conn.free() || svc.closed != 1 {
					t.Errorf("free=%v closed=%d", conn.free(), svc.closed)
				}
			} else if conn.State() != seqs.StateEstablished {
				t.Errorf("state %s, want ESTABLISHED", conn.State())
			}
		})
	}
}

func TestTCP_badDataOffsetDropped(t *testing.T) {
	const offsetIdx = 14 + 20 + 12 // Ethernet, IPv4, then TCP data offset octet.
	for _, words := range []byte{0, 4, 15} {
		t.Run(fmt.Sprintf("words=%d", words), func(t *testing.T) {
			ifc, link := newTestInterface(t, 2)
			svc := &stubService{port: testPort}
			ifc.Register(svc)
			conn := establish(t, ifc, link)
			frame := tcpFrame(t, hostPort, testPort, hostISS+1, devISS+1, seqs.FlagPSH|seqs.FlagACK, []byte("data"))
			frame[offsetIdx] = words<<4 | frame[offsetIdx]&0x0f
			deliver(t, ifc, frame)
			link.expectNone(t)
			if len(svc.data) != 0 {
				t.Errorf("service got %q", svc.data)
			}
			if got := ifc.Stats().Malformed; got != 1 {
				t.Errorf("Malformed=%d, want 1", got)
			}
			if conn.State() != seqs.StateEstablished {
				t.Errorf("state %s, want ESTABLISHED", conn.State())
			}
		})
	}
}

func TestTCP_resetNoService(t *testing.T) {
	ifc, link := newTestInterface(t, 2)
	deliver(t, ifc, tcpFrame(t, hostPort, 80, hostISS, 0, seqs.FlagSYN, nil))
	expectTCP(t, link, seqs.FlagRST|seqs.FlagACK, 0, hostISS+1)
	for i := range ifc.conns {
		if !ifc.conns[i].free() {
			t.Errorf("slot %d bound after reset", i)
		}
	}
	if got := ifc.Stats().TCPResets; got != 1 {
		t.Errorf("TCPResets=%d", got)
	}
}

func TestTCP_resetNoSlot(t *testing.T) {
	ifc, link := newTestInterface(t, 1)
	svc := &stubService{port: testPort}
	ifc.Register(svc)
	establish(t, ifc, link)
	deliver(t, ifc, tcpFrame(t, hostPort+1, testPort, 5000, 0, seqs.FlagSYN, nil))
	rst := expectTCP(t, link, seqs.FlagRST|seqs.FlagACK, 0, 5001)
	if int(rst.DstPort) != hostPort+1 {
		t.Errorf("reset to port %d", rst.DstPort)
	}
	if svc.accepted != 1 {
		t.Errorf("accepted=%d, want 1", svc.accepted)
	}
	if ifc.conns[0].remotePort != hostPort {
		t.Error("existing connection clobbered")
	}
}

func TestTCP_acceptRefused(t *testing.T) {
	ifc, link := newTestInterface(t, 2)
	svc := &stubService{port: testPort, acceptErr: errors.New("busy")}
	ifc.Register(svc)
	deliver(t, ifc, tcpFrame(t, hostPort, testPort, hostISS, 0, seqs.FlagSYN, nil))
	expectTCP(t, link, seqs.FlagRST|seqs.FlagACK, 0, hostISS+1)
	if !ifc.conns[0].free() {
		t.Error("refused connection kept its slot")
	}
	if svc.closed != 0 {
		t.Error("Closed called for a refused connection")
	}
}

func TestTCP_activeClose(t *testing.T) {
	ifc, link := newTestInterface(t, 2)
	svc := &stubService{port: testPort}
	ifc.Register(svc)
	conn := establish(t, ifc, link)
	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	expectTCP(t, link, seqs.FlagFIN|seqs.FlagACK, devISS+1, hostISS+1)
	if conn.State() != seqs.StateFinWait1 {
		t.Fatalf("state %s, want FIN-WAIT-1", conn.State())
	}
	if err := conn.Close(); err == nil {
		t.Error("second Close succeeded")
	}
	deliver(t, ifc, tcpFrame(t, hostPort, testPort, hostISS+1, devISS+2, seqs.FlagFIN|seqs.FlagACK, nil))
	expectTCP(t, link, seqs.FlagACK, devISS+2, hostISS+2)
	if !ifc.conns[0].free() || svc.closed != 1 {
		t.Errorf("free=%v closed=%d", ifc.conns[0].free(), svc.closed)
	}
}

func TestTCP_serviceReply(t *testing.T) {
	ifc, link := newTestInterface(t, 2)
	svc := &stubService{port: testPort}
	svc.process = func(c *Conn, data []byte) error {
		if err := c.WaitTxFree(); err != nil {
			return err
		}
		buf, err := c.TxBuffer()
		if err != nil {
			return err
		}
		n := copy(buf, "OK!")
		return c.Send(n)
	}
	ifc.Register(svc)
	conn := establish(t, ifc, link)
	deliver(t, ifc, tcpFrame(t, hostPort, testPort, hostISS+1, devISS+1, seqs.FlagPSH|seqs.FlagACK, []byte("ping")))
	expectTCP(t, link, seqs.FlagACK, devISS+1, hostISS+5)
	rsp := expectTCP(t, link, seqs.FlagPSH|seqs.FlagACK, devISS+1, hostISS+5)
	// Odd length reply exercises the trailing octet of the checksum.
	if string(rsp.Payload) != "OK!" {
		t.Errorf("reply payload %q", rsp.Payload)
	}
	if uint32(conn.localSeq) != devISS+4 {
		t.Errorf("local seq %d, want %d", conn.localSeq, devISS+4)
	}
}

func TestTCP_rstReleases(t *testing.T) {
	ifc, link := newTestInterface(t, 2)
	svc := &stubService{port: testPort}
	ifc.Register(svc)
	establish(t, ifc, link)
	deliver(t, ifc, tcpFrame(t, hostPort, testPort, hostISS+1, 0, seqs.FlagRST, nil))
	link.expectNone(t)
	if !ifc.conns[0].free() || svc.closed != 1 {
		t.Errorf("free=%v closed=%d", ifc.conns[0].free(), svc.closed)
	}
}

func TestTCP_closeWaitStalled(t *testing.T) {
	ifc, link := newTestInterface(t, 2)
	svc := &stubService{port: testPort}
	ifc.Register(svc)
	establish(t, ifc, link)
	link.holdTx = true
	deliver(t, ifc, tcpFrame(t, hostPort, testPort, hostISS+1, devISS+1, seqs.FlagFIN|seqs.FlagACK, nil))
	expectTCP(t, link, seqs.FlagFIN|seqs.FlagACK, devISS+1, hostISS+2)
	conn := &ifc.conns[0]
	if conn.State() != seqs.StateCloseWait {
		t.Fatalf("state %s, want CLOSE-WAIT", conn.State())
	}
	if got := ifc.Stats().TxStalls; got == 0 {
		t.Error("stall not counted")
	}
	ifc.TxComplete()
	link.holdTx = false
	deliver(t, ifc, tcpFrame(t, hostPort, testPort, hostISS+2, devISS+2, seqs.FlagACK, nil))
	if !conn.free() || svc.closed != 1 {
		t.Errorf("free=%v closed=%d", conn.free(), svc.closed)
	}
}

func TestTCP_unknownSegmentDropped(t *testing.T) {
	ifc, link := newTestInterface(t, 2)
	ifc.Register(&stubService{port: testPort})
	deliver(t, ifc, tcpFrame(t, hostPort, testPort, hostISS, devISS, seqs.FlagACK, []byte("stray")))
	link.expectNone(t)
}

func TestRegister(t *testing.T) {
	ifc, _ := newTestInterface(t, 2)
	if err := ifc.Register(&stubService{port: 0}); err == nil {
		t.Error("registered port zero")
	}
	if err := ifc.Register(&stubService{port: testPort}); err != nil {
		t.Fatal(err)
	}
	if err := ifc.Register(&stubService{port: testPort}); err == nil {
		t.Error("registered duplicate port")
	}
	for i := 1; i < maxServices; i++ {
		if err := ifc.Register(&stubService{port: testPort + uint16(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := ifc.Register(&stubService{port: 9}); err == nil {
		t.Error("registered past table capacity")
	}
}
