package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/soypat/cowstick"
	"github.com/soypat/cowstick/flash"
	"github.com/soypat/cowstick/internal/hostsim"
)

type result struct {
	imageSize int
	segments  int
	written   uint32
	erases    int
	writes    int
}

func run(cfg simConfig, logger *slog.Logger) (res result, err error) {
	image, err := os.ReadFile(cfg.Image)
	if err != nil {
		return res, err
	}
	if len(image) == 0 {
		return res, fmt.Errorf("image %s is empty", cfg.Image)
	}
	if uint64(len(image)) > uint64(cfg.FlashSize) {
		return res, fmt.Errorf("image of %d bytes does not fit %d byte flash", len(image), cfg.FlashSize)
	}
	bcfg := cowstick.DefaultConfig()
	mem, err := flash.NewMemory(bcfg.AppBase, cfg.FlashSize)
	if err != nil {
		return res, err
	}

	hcfg := hostsim.Config{MSS: cfg.MSS, Logger: logger.With(slog.String("side", "host"))}
	if cfg.Pcap != "" {
		fp, err := os.Create(cfg.Pcap)
		if err != nil {
			return res, err
		}
		defer fp.Close()
		w := pcapgo.NewWriter(fp)
		err = w.WriteFileHeader(65536, layers.LinkTypeEthernet)
		if err != nil {
			return res, err
		}
		hcfg.Pcap = w
	}
	host := hostsim.New(hcfg)

	bcfg.Link = host
	bcfg.Flash = mem
	bcfg.Logger = logger.With(slog.String("side", "device"))
	b, err := cowstick.New(bcfg)
	if err != nil {
		return res, err
	}
	host.Attach(b)

	if err = host.DHCP(); err != nil {
		return res, fmt.Errorf("dhcp: %w", err)
	}
	if err = host.ARP(); err != nil {
		return res, fmt.Errorf("arp: %w", err)
	}
	res.imageSize = len(image)
	res.segments, err = host.Upload(b.Upgrade().Port(), image)
	if err != nil {
		return res, fmt.Errorf("upload: %w", err)
	}
	written, connected := b.Upgrade().Progress()
	if connected {
		return res, fmt.Errorf("upgrade session still open after %d bytes", written)
	}
	res.written = written
	res.erases = mem.Erases()
	res.writes = mem.Writes()
	err = os.WriteFile(cfg.Out, mem.Bytes()[:written], 0o644)
	if err != nil {
		return res, err
	}
	logger.Info("sim:done",
		slog.Int("image", len(image)),
		slog.Uint64("written", uint64(written)),
		slog.Duration("uptime", b.Uptime()),
	)
	return res, nil
}
