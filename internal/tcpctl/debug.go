package tcpctl

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
)

const levelTrace slog.Level = slog.LevelDebug - 1

func (ifc *Interface) logerr(msg string, attrs ...slog.Attr) {
	ifc.logattrs(slog.LevelError, msg, attrs...)
}

func (ifc *Interface) warn(msg string, attrs ...slog.Attr) {
	ifc.logattrs(slog.LevelWarn, msg, attrs...)
}

func (ifc *Interface) info(msg string, attrs ...slog.Attr) {
	ifc.logattrs(slog.LevelInfo, msg, attrs...)
}

func (ifc *Interface) debug(msg string, attrs ...slog.Attr) {
	ifc.logattrs(slog.LevelDebug, msg, attrs...)
}

func (ifc *Interface) trace(msg string, attrs ...slog.Attr) {
	ifc.logattrs(levelTrace, msg, attrs...)
}

func (ifc *Interface) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if ifc.logger == nil {
		return
	}
	ifc.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func ipattr(key string, ip [4]byte) slog.Attr {
	return slog.String(key, netip.AddrFrom4(ip).String())
}

func macstr(mac [6]byte) string {
	return net.HardwareAddr(mac[:]).String()
}
