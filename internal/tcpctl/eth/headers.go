/*
package eth implements Ethernet, ARP, IPv4, TCP, UDP and BOOTP/DHCP header
decoding and encoding over byte slices. All multi-octet fields are big-endian
on the wire and host order in the header structs.

# ARP Frame (Address resolution protocol)

Legend:
  - HW:    Hardware
  - AT:    Address type
  - AL:    Address Length
  - AoS:   Address of sender
  - AoT:   Address of Target
  - Proto: Protocol (below is ipv4 example)

Below is the byte schema for an ARP header:

	0      2          4       5          6         8       14          18       24          28
	| HW AT | Proto AT | HW AL | Proto AL | OP Code | HW AoS | Proto AoS | HW AoT | Proto AoT |
	|  2B   |  2B      |  1B   |  1B      | 2B      |   6B   |    4B     |  6B    |   4B
	| ethern| IP       |macaddr|          |ask|reply|                    |for op=1|
	| = 1   |=0x0800   |=6     |=4        | 1 | 2   |       known        |=0      |

See https://hpd.gasmi.net/ to decode Hex Frames.
*/
package eth

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/soypat/seqs"
)

// EthernetHeader is a 14 byte ethernet header representation with no VLAN support.
type EthernetHeader struct {
	Destination     [6]byte // 0:6
	Source          [6]byte // 6:12
	SizeOrEtherType uint16  // 12:14
}

// ARPv4Header is the Address Resolution Protocol header for IPv4 address resolution
// and 6 byte hardware addresses. 28 bytes in size.
type ARPv4Header struct {
	// Network link protocol type. Ethernet is 1.
	HardwareType uint16 // 0:2
	// Internetwork protocol for which the request is intended. IPv4 is 0x0800.
	ProtoType      uint16 // 2:4
	HardwareLength uint8  // 4:5
	ProtoLength    uint8  // 5:6
	// 1 for request, 2 for reply.
	Operation      uint16  // 6:8
	HardwareSender [6]byte // 8:14
	ProtoSender    [4]byte // 14:18
	// Ignored in a request.
	HardwareTarget [6]byte // 18:24
	ProtoTarget    [4]byte // 24:28
}

// IPv4Header is the Internet Protocol header. 20 bytes in size. Does not include options.
type IPv4Header struct {
	// VersionAndIHL holds the version in the high nibble and the header length
	// in 32-bit words in the low nibble. 0x45 for a header without options.
	VersionAndIHL uint8 // 0:1
	ToS           uint8 // 1:2
	// Entire datagram size in bytes, header included.
	TotalLength uint16  // 2:4
	ID          uint16  // 4:6
	Flags       IPFlags // 6:8
	TTL         uint8   // 8:9
	Protocol    uint8   // 9:10
	Checksum    uint16  // 10:12
	Source      [4]byte // 12:16
	Destination [4]byte // 16:20
}

// TCPHeader are the first 20 bytes of a TCP header. Does not include options.
type TCPHeader struct {
	SourcePort      uint16 // 0:2
	DestinationPort uint16 // 2:4
	// Sequence number of the first data octet in this segment. If SYN is
	// present this is the initial sequence number and the first data octet is ISN+1.
	Seq seqs.Value // 4:8
	// Next sequence number the sender of the segment expects to receive when ACK is set.
	Ack seqs.Value // 8:12
	// 4 bit data offset (in 32bit words), 3 reserved bits and 9 flag bits.
	OffsetAndFlags [1]uint16 // 12:14 bitfield
	WindowSizeRaw  uint16    // 14:16
	Checksum       uint16    // 16:18
	UrgentPtr      uint16    // 18:20
}

// UDPHeader represents a UDP header. 8 bytes in size. UDP is protocol 17.
type UDPHeader struct {
	SourcePort      uint16 // 0:2
	DestinationPort uint16 // 2:4
	// Length of UDP header and payload in bytes.
	Length   uint16 // 4:6
	Checksum uint16 // 6:8
}

// DHCPHeader specifies the first 44 bytes of a BOOTP/DHCP message. The
// server name and boot file name fields that complete the 236 byte fixed part
// are not represented; see [SizeBOOTP].
type DHCPHeader struct {
	OP    byte   // 0:1
	HType byte   // 1:2
	HLen  byte   // 2:3
	HOps  byte   // 3:4
	Xid   uint32 // 4:8
	Secs  uint16 // 8:10
	Flags uint16 // 10:12
	// CIAddr is the client IP address. If the client has not obtained an IP
	// address yet, this field is set to 0.
	CIAddr [4]byte // 12:16
	YIAddr [4]byte // 16:20
	SIAddr [4]byte // 20:24
	GIAddr [4]byte // 24:28
	// CHAddr is the client hardware address. Up to 16 bytes, 6 for Ethernet.
	CHAddr [16]byte // 28:44
}

const (
	tcpWordlen         = 4
	tcpFlagmask uint16 = 0x01ff
)

// These are minimum sizes that do not take into consideration the presence of
// options or special tags (i.e: VLAN, IP/TCP Options).
const (
	SizeEthernetHeader = 14
	SizeIPv4Header     = 20
	SizeUDPHeader      = 8
	SizeARPv4Header    = 28
	SizeTCPHeader      = 20
	SizeDHCPHeader     = 44
	// SizeBOOTP is the fixed part of a BOOTP message: header, sname and file.
	SizeBOOTP = SizeDHCPHeader + 64 + 128
	// DHCPOptionsOffset is the offset of the first option past the magic cookie.
	DHCPOptionsOffset = SizeBOOTP + 4

	ipflagDontFrag = 0x4000
	ipFlagMoreFrag = 0x2000
	// IPv4VersionIHL is the first octet of an IPv4 header without options.
	IPv4VersionIHL = 0x45
)

// EtherType returns the Size or EtherType field of the Ethernet frame as EtherType.
func (ethdr *EthernetHeader) EtherType() EtherType { return EtherType(ethdr.SizeOrEtherType) }

// DecodeEthernetHeader decodes an ethernet frame from the first 14 bytes of buf.
func DecodeEthernetHeader(b []byte) (ethdr EthernetHeader) {
	_ = b[13]
	copy(ethdr.Destination[0:], b[0:])
	copy(ethdr.Source[0:], b[6:])
	ethdr.SizeOrEtherType = binary.BigEndian.Uint16(b[12:14])
	return ethdr
}

// Put marshals the ethernet frame onto buf. buf needs to be 14 bytes in length or Put panics.
func (ethdr *EthernetHeader) Put(buf []byte) {
	_ = buf[13]
	copy(buf[0:], ethdr.Destination[0:])
	copy(buf[6:], ethdr.Source[0:])
	binary.BigEndian.PutUint16(buf[12:14], ethdr.SizeOrEtherType)
}

func (ethdr *EthernetHeader) String() string {
	return strcat("dst: ", net.HardwareAddr(ethdr.Destination[:]).String(), ", ",
		"src: ", net.HardwareAddr(ethdr.Source[:]).String(), ", ",
		"etype: ", ethdr.EtherType().String())
}

// IHL returns the internet header length in 32bit words and is guaranteed to be within 0..15.
func (iphdr *IPv4Header) IHL() uint8     { return iphdr.VersionAndIHL & 0xf }
func (iphdr *IPv4Header) Version() uint8 { return iphdr.VersionAndIHL >> 4 }

// HeaderLength returns the header size in bytes as declared by IHL.
func (iphdr *IPv4Header) HeaderLength() int { return 4 * int(iphdr.IHL()) }

// PayloadLength returns TotalLength minus the declared header length.
func (iphdr *IPv4Header) PayloadLength() int {
	return int(iphdr.TotalLength) - iphdr.HeaderLength()
}

func (iphdr *IPv4Header) String() string {
	return strcat("IPv4 ", net.IP(iphdr.Source[:]).String(), " -> ",
		net.IP(iphdr.Destination[:]).String(), " proto=", IPProto(iphdr.Protocol).String(),
		" len=", strconv.Itoa(int(iphdr.TotalLength)),
	)
}

// DecodeIPv4Header decodes a 20 byte IPv4 header from buf.
func DecodeIPv4Header(buf []byte) (iphdr IPv4Header) {
	_ = buf[19]
	iphdr.VersionAndIHL = buf[0]
	iphdr.ToS = buf[1]
	iphdr.TotalLength = binary.BigEndian.Uint16(buf[2:])
	iphdr.ID = binary.BigEndian.Uint16(buf[4:])
	iphdr.Flags = IPFlags(binary.BigEndian.Uint16(buf[6:]))
	iphdr.TTL = buf[8]
	iphdr.Protocol = buf[9]
	iphdr.Checksum = binary.BigEndian.Uint16(buf[10:])
	copy(iphdr.Source[:], buf[12:16])
	copy(iphdr.Destination[:], buf[16:20])
	return iphdr
}

// Put marshals the IPv4 header onto buf. buf needs to be 20 bytes in length or Put panics.
func (iphdr *IPv4Header) Put(buf []byte) {
	_ = buf[19]
	buf[0] = iphdr.VersionAndIHL
	buf[1] = iphdr.ToS
	binary.BigEndian.PutUint16(buf[2:], iphdr.TotalLength)
	binary.BigEndian.PutUint16(buf[4:], iphdr.ID)
	binary.BigEndian.PutUint16(buf[6:], uint16(iphdr.Flags))
	buf[8] = iphdr.TTL
	buf[9] = iphdr.Protocol
	binary.BigEndian.PutUint16(buf[10:], iphdr.Checksum)
	copy(buf[12:16], iphdr.Source[:])
	copy(buf[16:20], iphdr.Destination[:])
}

// PutPseudo marshals the pseudo-header representation of the IPv4 header onto buf.
// buf needs to be 12 bytes in length or PutPseudo panics.
//
//	+--------+--------+--------+--------+
//	|           Source Address          |
//	+--------+--------+--------+--------+
//	|         Destination Address       |
//	+--------+--------+--------+--------+
//	|  zero  |  PTCL  |    TCP Length   |
//	+--------+--------+--------+--------+
//
// The length is the transport header plus data length, computed from
// TotalLength and IHL. The 12 pseudo header octets are not counted.
func (iphdr *IPv4Header) PutPseudo(buf []byte) {
	_ = buf[11]
	copy(buf[0:4], iphdr.Source[:])
	copy(buf[4:8], iphdr.Destination[:])
	buf[8] = 0
	buf[9] = iphdr.Protocol
	binary.BigEndian.PutUint16(buf[10:12], uint16(iphdr.PayloadLength()))
}

// CalculateChecksum returns the value to be stored in the Checksum field.
// The current Checksum field value is ignored.
func (iphdr *IPv4Header) CalculateChecksum() uint16 {
	var buf [SizeIPv4Header]byte
	iphdr.Put(buf[:])
	binary.BigEndian.PutUint16(buf[10:], 0)
	return ^Checksum(0, buf[:])
}

type IPFlags uint16

func (f IPFlags) DontFragment() bool     { return f&ipflagDontFrag != 0 }
func (f IPFlags) MoreFragments() bool    { return f&ipFlagMoreFrag != 0 }
func (f IPFlags) FragmentOffset() uint16 { return uint16(f) & 0x1fff }

func DecodeARPv4Header(buf []byte) (arphdr ARPv4Header) {
	_ = buf[27]
	arphdr.HardwareType = binary.BigEndian.Uint16(buf[0:])
	arphdr.ProtoType = binary.BigEndian.Uint16(buf[2:])
	arphdr.HardwareLength = buf[4]
	arphdr.ProtoLength = buf[5]
	arphdr.Operation = binary.BigEndian.Uint16(buf[6:])
	copy(arphdr.HardwareSender[:], buf[8:14])
	copy(arphdr.ProtoSender[:], buf[14:18])
	copy(arphdr.HardwareTarget[:], buf[18:24])
	copy(arphdr.ProtoTarget[:], buf[24:28])
	return arphdr
}

// Put marshals the ARP header onto buf. buf needs to be 28 bytes in length or Put panics.
func (arphdr *ARPv4Header) Put(buf []byte) {
	_ = buf[27]
	binary.BigEndian.PutUint16(buf[0:], arphdr.HardwareType)
	binary.BigEndian.PutUint16(buf[2:], arphdr.ProtoType)
	buf[4] = arphdr.HardwareLength
	buf[5] = arphdr.ProtoLength
	binary.BigEndian.PutUint16(buf[6:], arphdr.Operation)
	copy(buf[8:14], arphdr.HardwareSender[:])
	copy(buf[14:18], arphdr.ProtoSender[:])
	copy(buf[18:24], arphdr.HardwareTarget[:])
	copy(buf[24:28], arphdr.ProtoTarget[:])
}

func (arphdr *ARPv4Header) String() string {
	if arphdr.Operation == ARPRequest {
		return strcat("ARP who has ", net.IP(arphdr.ProtoTarget[:]).String(), "? Tell ",
			net.IP(arphdr.ProtoSender[:]).String())
	}
	return strcat("ARP ", net.IP(arphdr.ProtoSender[:]).String(), " is at ",
		net.HardwareAddr(arphdr.HardwareSender[:]).String())
}

// DecodeUDPHeader decodes a UDP header from buf. Panics if buf is less than 8 bytes in length.
func DecodeUDPHeader(buf []byte) (udp UDPHeader) {
	_ = buf[7]
	udp.SourcePort = binary.BigEndian.Uint16(buf[0:2])
	udp.DestinationPort = binary.BigEndian.Uint16(buf[2:4])
	udp.Length = binary.BigEndian.Uint16(buf[4:6])
	udp.Checksum = binary.BigEndian.Uint16(buf[6:8])
	return udp
}

// Put marshals the UDPHeader onto buf. If buf's length is less than 8 then Put panics.
func (udphdr *UDPHeader) Put(buf []byte) {
	_ = buf[7]
	binary.BigEndian.PutUint16(buf[0:2], udphdr.SourcePort)
	binary.BigEndian.PutUint16(buf[2:4], udphdr.DestinationPort)
	binary.BigEndian.PutUint16(buf[4:6], udphdr.Length)
	binary.BigEndian.PutUint16(buf[6:8], udphdr.Checksum)
}

func (udphdr *UDPHeader) String() string {
	return strcat("UDP port ", u32toa(uint32(udphdr.SourcePort)), "->",
		u32toa(uint32(udphdr.DestinationPort)), " len=", u32toa(uint32(udphdr.Length)))
}

func DecodeTCPHeader(buf []byte) (tcphdr TCPHeader) {
	_ = buf[19]
	tcphdr.SourcePort = binary.BigEndian.Uint16(buf[0:])
	tcphdr.DestinationPort = binary.BigEndian.Uint16(buf[2:])
	tcphdr.Seq = seqs.Value(binary.BigEndian.Uint32(buf[4:]))
	tcphdr.Ack = seqs.Value(binary.BigEndian.Uint32(buf[8:]))
	tcphdr.OffsetAndFlags[0] = binary.BigEndian.Uint16(buf[12:])
	tcphdr.WindowSizeRaw = binary.BigEndian.Uint16(buf[14:])
	tcphdr.Checksum = binary.BigEndian.Uint16(buf[16:])
	tcphdr.UrgentPtr = binary.BigEndian.Uint16(buf[18:])
	return tcphdr
}

// Put marshals the TCP header onto buf. buf needs to be 20 bytes in length or Put panics.
func (tcphdr *TCPHeader) Put(buf []byte) {
	_ = buf[19]
	binary.BigEndian.PutUint16(buf[0:], tcphdr.SourcePort)
	binary.BigEndian.PutUint16(buf[2:], tcphdr.DestinationPort)
	binary.BigEndian.PutUint32(buf[4:], uint32(tcphdr.Seq))
	binary.BigEndian.PutUint32(buf[8:], uint32(tcphdr.Ack))
	binary.BigEndian.PutUint16(buf[12:], tcphdr.OffsetAndFlags[0])
	binary.BigEndian.PutUint16(buf[14:], tcphdr.WindowSizeRaw)
	binary.BigEndian.PutUint16(buf[16:], tcphdr.Checksum)
	binary.BigEndian.PutUint16(buf[18:], tcphdr.UrgentPtr)
}

// Offset specifies the size of the TCP header in 32-bit words, 5..15.
func (tcphdr *TCPHeader) Offset() (tcpWords uint8) {
	return uint8(tcphdr.OffsetAndFlags[0] >> (8 + 4))
}

// OffsetInBytes returns the size of the TCP header in bytes, including options.
func (tcphdr *TCPHeader) OffsetInBytes() int {
	return int(tcphdr.Offset()) * tcpWordlen
}

func (tcphdr *TCPHeader) Flags() seqs.Flags {
	return seqs.Flags(tcphdr.OffsetAndFlags[0] & tcpFlagmask)
}

func (tcphdr *TCPHeader) SetFlags(v seqs.Flags) {
	onlyOffset := tcphdr.OffsetAndFlags[0] &^ tcpFlagmask
	tcphdr.OffsetAndFlags[0] = onlyOffset | uint16(v)&tcpFlagmask
}

func (tcphdr *TCPHeader) SetOffset(tcpWords uint8) {
	if tcpWords > 0b1111 {
		panic("attempted to set an offset too large")
	}
	onlyFlags := tcphdr.OffsetAndFlags[0] & tcpFlagmask
	tcphdr.OffsetAndFlags[0] = onlyFlags | (uint16(tcpWords) << 12)
}

// WindowSize is a convenience method for obtaining a seqs.Size from the TCP header internal WindowSize 16bit field.
func (tcphdr *TCPHeader) WindowSize() seqs.Size {
	return seqs.Size(tcphdr.WindowSizeRaw)
}

func (tcphdr *TCPHeader) String() string {
	return strcat("TCP port ", u32toa(uint32(tcphdr.SourcePort)), "->", u32toa(uint32(tcphdr.DestinationPort)),
		" ", tcphdr.Flags().String(), " seq ", u32toa(uint32(tcphdr.Seq)), " ack ", u32toa(uint32(tcphdr.Ack)))
}

func (d *DHCPHeader) Put(dst []byte) {
	_ = dst[43]
	dst[0] = d.OP
	dst[1] = d.HType
	dst[2] = d.HLen
	dst[3] = d.HOps
	binary.BigEndian.PutUint32(dst[4:8], d.Xid)
	binary.BigEndian.PutUint16(dst[8:10], d.Secs)
	binary.BigEndian.PutUint16(dst[10:12], d.Flags)
	copy(dst[12:16], d.CIAddr[:])
	copy(dst[16:20], d.YIAddr[:])
	copy(dst[20:24], d.SIAddr[:])
	copy(dst[24:28], d.GIAddr[:])
	copy(dst[28:44], d.CHAddr[:])
}

func DecodeDHCPHeader(src []byte) (d DHCPHeader) {
	_ = src[43]
	d.OP = src[0]
	d.HType = src[1]
	d.HLen = src[2]
	d.HOps = src[3]
	d.Xid = binary.BigEndian.Uint32(src[4:8])
	d.Secs = binary.BigEndian.Uint16(src[8:10])
	d.Flags = binary.BigEndian.Uint16(src[10:12])
	copy(d.CIAddr[:], src[12:16])
	copy(d.YIAddr[:], src[16:20])
	copy(d.SIAddr[:], src[20:24])
	copy(d.GIAddr[:], src[24:28])
	copy(d.CHAddr[:], src[28:44])
	return d
}

func (d *DHCPHeader) String() (s string) {
	s = "DHCP op=" + strconv.Itoa(int(d.OP)) + " "
	if d.CIAddr != [4]byte{} {
		s += "ciaddr=" + net.IP(d.CIAddr[:]).String() + " "
	}
	if d.YIAddr != [4]byte{} {
		s += "yiaddr=" + net.IP(d.YIAddr[:]).String() + " "
	}
	if d.SIAddr != [4]byte{} {
		s += "siaddr=" + net.IP(d.SIAddr[:]).String() + " "
	}
	if d.HLen > 0 && d.HLen <= 16 {
		s += "chaddr=" + net.HardwareAddr(d.CHAddr[:d.HLen]).String() + " "
	}
	return s
}

// HasMagicCookie reports whether the BOOTP message in buf carries the DHCP
// magic cookie after its fixed part.
func HasMagicCookie(buf []byte) bool {
	return len(buf) >= DHCPOptionsOffset &&
		binary.BigEndian.Uint32(buf[SizeBOOTP:]) == DHCPMagicCookie
}

// FindDHCPOption scans the option area opts (starting after the magic cookie)
// for the option code and returns its data. Pad options are skipped and the End
// option terminates the scan. A truncated option is treated as absent.
func FindDHCPOption(opts []byte, code DHCPOption) ([]byte, bool) {
	for i := 0; i < len(opts); {
		opt := DHCPOption(opts[i])
		switch opt {
		case DHCPPad:
			i++
			continue
		case DHCPEnd:
			return nil, false
		}
		if i+1 >= len(opts) {
			return nil, false
		}
		optlen := int(opts[i+1])
		end := i + 2 + optlen
		if end > len(opts) {
			return nil, false
		}
		if opt == code {
			return opts[i+2 : end], true
		}
		i = end
	}
	return nil, false
}

// PutDHCPOption writes a code-length-data option to dst and returns the number
// of bytes written.
func PutDHCPOption(dst []byte, code DHCPOption, data ...byte) int {
	if len(data) > 255 {
		panic("DHCP option data too long")
	}
	_ = dst[len(data)+1]
	dst[0] = byte(code)
	dst[1] = byte(len(data))
	return 2 + copy(dst[2:], data)
}

func u32toa(u uint32) string {
	return strconv.FormatUint(uint64(u), 10)
}

func strcat(strs ...string) (s string) {
	for i := range strs {
		s += strs[i]
	}
	return s
}
