package main

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun(t *testing.T) {
	dir := t.TempDir()
	image := make([]byte, 1000)
	for i := range image {
		image[i] = byte(i * 3)
	}
	imgPath := filepath.Join(dir, "app.bin")
	if err := os.WriteFile(imgPath, image, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := simConfig{
		Image:     imgPath,
		Out:       filepath.Join(dir, "flash.bin"),
		Pcap:      filepath.Join(dir, "link.pcap"),
		MSS:       200,
		LogLevel:  "debug",
		FlashSize: 4096,
	}
	res, err := run(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	if res.written != 1024 || res.segments != 5+4 {
		t.Errorf("result %+v", res)
	}
	out, err := os.ReadFile(cfg.Out)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1024 || !bytes.Equal(out[:1000], image) {
		t.Errorf("output %d bytes", len(out))
	}
	if !bytes.Equal(out[1000:], bytes.Repeat([]byte{0xff}, 24)) {
		t.Errorf("padding %x", out[1000:])
	}
	if fi, err := os.Stat(cfg.Pcap); err != nil || fi.Size() <= 24 {
		t.Errorf("pcap not written: %v", err)
	}
}

func TestRun_imageTooLarge(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "app.bin")
	os.WriteFile(imgPath, make([]byte, 600), 0o644)
	cfg := simConfig{Image: imgPath, Out: filepath.Join(dir, "o.bin"), MSS: 100, LogLevel: "info", FlashSize: 512}
	_, err := run(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil || !strings.Contains(err.Error(), "does not fit") {
		t.Fatalf("err=%v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("COWSIM_MSS", "64")
	t.Setenv("COWSIM_FLASH_SIZE", "1024")
	cmd := newRootCmd()
	err := cmd.Flags().Parse([]string{"--image", "a.bin", "--log-level", "trace"})
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(cmd.Flags(), "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Image != "a.bin" || cfg.MSS != 64 || cfg.FlashSize != 1024 || cfg.Out != "flash.bin" {
		t.Errorf("config %+v", cfg)
	}
	if lvl, _ := parseLevel(cfg.LogLevel); lvl != levelTrace {
		t.Errorf("level %v", lvl)
	}
}

func TestLoadConfig_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowsim.yaml")
	err := os.WriteFile(path, []byte("image: fw.bin\nmss: 1461\n"), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	cmd := newRootCmd()
	_, err = loadConfig(cmd.Flags(), path)
	if err == nil || !strings.Contains(err.Error(), "mss") {
		t.Fatalf("err=%v, want mss range error", err)
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		s    string
		want slog.Level
		ok   bool
	}{
		{"trace", levelTrace, true},
		{"DEBUG", slog.LevelDebug, true},
		{"warn", slog.LevelWarn, true},
		{"loud", slog.LevelInfo, false},
	} {
		got, err := parseLevel(tc.s)
		if (err == nil) != tc.ok || (tc.ok && got != tc.want) {
			t.Errorf("parseLevel(%q)=%v, %v", tc.s, got, err)
		}
	}
}
