package tcpctl

import (
	"encoding/binary"
	"log/slog"

	"github.com/soypat/cowstick/internal/tcpctl/eth"
)

const (
	dhcpLeaseTime = 86400 // seconds
	dhcpRenewTime = 43200
)

var broadcastIP = [4]byte{255, 255, 255, 255}

// handleDHCP answers BOOTP/DHCP requests from the single host on the link.
// The host is always offered the fixed remote IP of the interface.
func (ifc *Interface) handleDHCP(uhdr *eth.UDPHeader, payload []byte) {
	if len(payload) < eth.SizeBOOTP {
		ifc.malformed("dhcp:short", len(payload))
		return
	}
	req := eth.DecodeDHCPHeader(payload)
	if ifc._traceenabled {
		ifc.trace("dhcp:rx", slog.String("hdr", req.String()))
	}
	if req.OP != eth.BOOTRequest {
		ifc.debug("dhcp:not-request", slog.Int("op", int(req.OP)))
		return
	}
	// Zero response type means plain BOOTP reply without options.
	var rspType eth.DHCPMessageType
	if eth.HasMagicCookie(payload) {
		opt, ok := eth.FindDHCPOption(payload[eth.DHCPOptionsOffset:], eth.DHCPDHCPMessageType)
		if ok && len(opt) == 1 {
			reqType := eth.DHCPMessageType(opt[0])
			switch reqType {
			case eth.DHCPDiscover:
				rspType = eth.DHCPOffer
			case eth.DHCPRequest:
				rspType = eth.DHCPAck
			default:
				ifc.debug("dhcp:ignored", slog.String("type", reqType.String()))
				return
			}
		}
	}

	err := ifc.WaitTxFree()
	if err != nil {
		return
	}
	buf, err := ifc.acquireUDP(broadcastIP)
	if err != nil {
		ifc.logerr("dhcp:acquire", slog.String("err", err.Error()))
		return
	}
	n := ifc.putDHCPReply(buf, &req, rspType)
	err = ifc.sendUDP(eth.DHCPServerPort, uhdr.SourcePort, n)
	if err != nil {
		return
	}
	ifc.stats.DHCPReplies++
	if rspType == 0 {
		ifc.info("dhcp:bootp-reply", ipattr("yiaddr", ifc.remoteIP))
	} else {
		ifc.info("dhcp:reply", slog.String("type", rspType.String()), ipattr("yiaddr", ifc.remoteIP))
	}
}

// putDHCPReply writes the reply to req into dst and returns its length. If
// rspType is zero no magic cookie nor options are written.
func (ifc *Interface) putDHCPReply(dst []byte, req *eth.DHCPHeader, rspType eth.DHCPMessageType) (n int) {
	_ = dst[eth.SizeBOOTP-1]
	clear(dst[:eth.SizeBOOTP])
	rsp := eth.DHCPHeader{
		OP:     eth.BOOTReply,
		HType:  1,
		HLen:   6,
		Xid:    req.Xid,
		YIAddr: ifc.remoteIP,
		SIAddr: ifc.localIP,
	}
	hlen := min(int(req.HLen), len(rsp.CHAddr))
	copy(rsp.CHAddr[:hlen], req.CHAddr[:hlen])
	rsp.Put(dst)
	n = eth.SizeBOOTP
	if rspType == 0 {
		return n
	}
	var u32 [4]byte
	binary.BigEndian.PutUint32(dst[n:], eth.DHCPMagicCookie)
	n += 4
	n += eth.PutDHCPOption(dst[n:], eth.DHCPDHCPMessageType, byte(rspType))
	n += eth.PutDHCPOption(dst[n:], eth.DHCPDHCPServerIdentification, ifc.localIP[:]...)
	binary.BigEndian.PutUint32(u32[:], dhcpLeaseTime)
	n += eth.PutDHCPOption(dst[n:], eth.DHCPIPAddressLeaseTime, u32[:]...)
	binary.BigEndian.PutUint32(u32[:], dhcpRenewTime)
	n += eth.PutDHCPOption(dst[n:], eth.DHCPRenewTimeValue, u32[:]...)
	dst[n] = byte(eth.DHCPEnd)
	return n + 1
}
