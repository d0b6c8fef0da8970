package cowstick

import (
	"net"

	"github.com/soypat/cowstick/internal/tcpctl"
)

// MTU is the largest IPv4 datagram carried in a single frame.
const MTU = 1500

// MTU (maximum transmission unit) returns the maximum amount
// of bytes that can be sent in a single ethernet frame payload.
func (b *Bootloader) MTU() int { return MTU }

// HardwareAddr6 returns the device's 6-byte [MAC address].
//
// [MAC address]: https://en.wikipedia.org/wiki/MAC_address
func (b *Bootloader) HardwareAddr6() [6]byte { return b.ifc.MAC() }

// Addr returns the IPv4 address of the device.
func (b *Bootloader) Addr() net.IP {
	ip := b.ifc.LocalIP()
	return net.IPv4(ip[0], ip[1], ip[2], ip[3])
}

// HostAddr returns the IPv4 address offered to the host over DHCP.
func (b *Bootloader) HostAddr() net.IP {
	ip := b.ifc.RemoteIP()
	return net.IPv4(ip[0], ip[1], ip[2], ip[3])
}

// Stats returns the interface counters.
func (b *Bootloader) Stats() tcpctl.Stats { return b.ifc.Stats() }
