package eth

import "strconv"

// EtherType is the 2 octet protocol identifier of an Ethernet frame payload.
type EtherType uint16

// Ethertype values. From: http://en.wikipedia.org/wiki/Ethertype
const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
	EtherTypeRARP EtherType = 0x8035
	EtherTypeVLAN EtherType = 0x8100
	EtherTypeIPv6 EtherType = 0x86DD
	EtherTypeLLDP EtherType = 0x88CC
)

func (et EtherType) String() string {
	switch et {
	case EtherTypeIPv4:
		return "IPv4"
	case EtherTypeARP:
		return "ARP"
	case EtherTypeRARP:
		return "RARP"
	case EtherTypeVLAN:
		return "VLAN"
	case EtherTypeIPv6:
		return "IPv6"
	case EtherTypeLLDP:
		return "LLDP"
	}
	return "EtherType(0x" + strconv.FormatUint(uint64(et), 16) + ")"
}

// IPProto is the IPv4 protocol field.
type IPProto uint8

const (
	IPProtoICMP IPProto = 1
	IPProtoTCP  IPProto = 6
	IPProtoUDP  IPProto = 17
)

func (p IPProto) String() string {
	switch p {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	}
	return "IPProto(" + strconv.Itoa(int(p)) + ")"
}

// ARP operation codes and the only hardware type understood.
const (
	ARPHardwareEthernet uint16 = 1
	ARPRequest          uint16 = 1
	ARPReply            uint16 = 2
)

// Well known UDP ports of BOOTP/DHCP.
const (
	DHCPServerPort uint16 = 67
	DHCPClientPort uint16 = 68
)

// BOOTP op codes.
const (
	BOOTRequest byte = 1
	BOOTReply   byte = 2
)

// DHCPMagicCookie follows the fixed BOOTP part and marks the start of the option area.
const DHCPMagicCookie uint32 = 0x63825363

// DHCPMessageType is the value carried by DHCP option 53.
type DHCPMessageType uint8

const (
	DHCPDiscover DHCPMessageType = 1
	DHCPOffer    DHCPMessageType = 2
	DHCPRequest  DHCPMessageType = 3
	DHCPDecline  DHCPMessageType = 4
	DHCPAck      DHCPMessageType = 5
	DHCPNak      DHCPMessageType = 6
	DHCPRelease  DHCPMessageType = 7
	DHCPInform   DHCPMessageType = 8
)

func (m DHCPMessageType) String() string {
	switch m {
	case DHCPDiscover:
		return "DISCOVER"
	case DHCPOffer:
		return "OFFER"
	case DHCPRequest:
		return "REQUEST"
	case DHCPDecline:
		return "DECLINE"
	case DHCPAck:
		return "ACK"
	case DHCPNak:
		return "NAK"
	case DHCPRelease:
		return "RELEASE"
	case DHCPInform:
		return "INFORM"
	}
	return "DHCPMessageType(" + strconv.Itoa(int(m)) + ")"
}

// DHCPOption is a DHCP option code as found in the vendor extension area.
type DHCPOption uint8

// DHCP options. Taken from https://help.sonicwall.com/help/sw/eng/6800/26/2/3/content/Network_DHCP_Server.042.12.htm.
const (
	DHCPPad                      DHCPOption = 0
	DHCPSubnetMask               DHCPOption = 1
	DHCPRouter                   DHCPOption = 3
	DHCPDNSServers               DHCPOption = 6
	DHCPHostName                 DHCPOption = 12
	DHCPRequestedIPaddress       DHCPOption = 50
	DHCPIPAddressLeaseTime       DHCPOption = 51
	DHCPDHCPMessageType          DHCPOption = 53
	DHCPDHCPServerIdentification DHCPOption = 54
	DHCPParameterRequestList     DHCPOption = 55
	DHCPMaximumMessageSize       DHCPOption = 57
	DHCPRenewTimeValue           DHCPOption = 58
	DHCPRebindingTimeValue       DHCPOption = 59
	DHCPClientIdentifier         DHCPOption = 61
	DHCPEnd                      DHCPOption = 255
)
