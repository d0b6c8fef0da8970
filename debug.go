package cowstick

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
)

const levelTrace slog.Level = slog.LevelDebug - 1

func (b *Bootloader) info(msg string, attrs ...slog.Attr) {
	b.logattrs(slog.LevelInfo, msg, attrs...)
}

func (b *Bootloader) trace(msg string, attrs ...slog.Attr) {
	b.logattrs(levelTrace, msg, attrs...)
}

func (b *Bootloader) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if b.logger == nil {
		return
	}
	b.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func ipattr(key string, ip [4]byte) slog.Attr {
	return slog.String(key, netip.AddrFrom4(ip).String())
}

func macstr(mac [6]byte) string {
	return net.HardwareAddr(mac[:]).String()
}

func errjoin(errs ...error) error {
	return errors.Join(errs...)
}
