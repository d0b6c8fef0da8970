package upgrade

import (
	"bytes"
	"errors"
	"testing"

	"github.com/soypat/cowstick/flash"
	"github.com/soypat/cowstick/internal/tcpctl"
)

func newTestService(t *testing.T, size uint32) (*Service, *flash.Memory) {
	t.Helper()
	mem, err := flash.NewMemory(DefaultBase, size)
	if err != nil {
		t.Fatal(err)
	}
	svc, err := New(DefaultConfig(mem))
	if err != nil {
		t.Fatal(err)
	}
	return svc, mem
}

func image(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 1)
	}
	return b
}

func TestProcess_pageBoundary(t *testing.T) {
	svc, mem := newTestService(t, 4*flash.RowSize)
	var c tcpctl.Conn
	if err := svc.Accept(&c); err != nil {
		t.Fatal(err)
	}
	img := image(130)
	if err := svc.Process(&c, img); err != nil {
		t.Fatal(err)
	}
	if mem.Writes() != 2 || mem.Erases() != 1 {
		t.Fatalf("writes=%d erases=%d, want 2 and 1", mem.Writes(), mem.Erases())
	}
	written, connected := svc.Progress()
	if written != 128 || !connected {
		t.Fatalf("progress %d %v", written, connected)
	}
	if !bytes.Equal(mem.Bytes()[:128], img[:128]) {
		t.Error("first pages differ from image")
	}
	svc.Closed(&c)
	if mem.Writes() != 3 {
		t.Fatalf("writes=%d after close, want 3", mem.Writes())
	}
	page := mem.Bytes()[128:192]
	if !bytes.Equal(page[:2], img[128:]) {
		t.Errorf("leftover bytes %x", page[:2])
	}
	if !bytes.Equal(page[2:], bytes.Repeat([]byte{0xff}, 62)) {
		t.Errorf("padding %x", page[2:])
	}
	written, connected = svc.Progress()
	if written != 192 || connected {
		t.Errorf("progress %d %v after close", written, connected)
	}
}

func TestProcess_smallChunks(t *testing.T) {
	svc, mem := newTestService(t, 4*flash.RowSize)
	var c tcpctl.Conn
	svc.Accept(&c)
	img := image(3*flash.RowSize + 10)
	for chunk := img; len(chunk) > 0; {
		n := min(len(chunk), 37)
		if err := svc.Process(&c, chunk[:n]); err != nil {
			t.Fatal(err)
		}
		chunk = chunk[n:]
	}
	svc.Closed(&c)
	if !bytes.Equal(mem.Bytes()[:len(img)], img) {
		t.Error("flash contents differ from image")
	}
	if mem.Erases() != 4 {
		t.Errorf("erases=%d, want 4", mem.Erases())
	}
}

func TestAccept_singleClient(t *testing.T) {
	svc, _ := newTestService(t, flash.RowSize)
	var a, b tcpctl.Conn
	if err := svc.Accept(&a); err != nil {
		t.Fatal(err)
	}
	if err := svc.Accept(&b); !errors.Is(err, ErrBusy) {
		t.Fatalf("second accept err=%v", err)
	}
	// Data and close on the refused connection do not touch the session.
	svc.Process(&b, image(flash.PageSize))
	svc.Closed(&b)
	if written, connected := svc.Progress(); written != 0 || !connected {
		t.Fatalf("progress %d %v", written, connected)
	}
	svc.Closed(&a)
	if err := svc.Accept(&b); err != nil {
		t.Fatalf("accept after close: %v", err)
	}
	if svc.Sessions() != 2 {
		t.Errorf("sessions=%d", svc.Sessions())
	}
}

type failingFlash struct {
	flash.Device
	failAt uint32
}

func (f *failingFlash) WritePage(addr uint32, page *[flash.PageSize]byte) error {
	if addr == f.failAt {
		return errors.New("program failure")
	}
	return f.Device.WritePage(addr, page)
}

func TestProcess_flashError(t *testing.T) {
	mem, _ := flash.NewMemory(DefaultBase, flash.RowSize)
	dev := &failingFlash{Device: mem, failAt: DefaultBase + flash.PageSize}
	svc, err := New(DefaultConfig(dev))
	if err != nil {
		t.Fatal(err)
	}
	var c tcpctl.Conn
	svc.Accept(&c)
	if err := svc.Process(&c, image(3*flash.PageSize)); err == nil {
		t.Fatal("expected flash error")
	}
	if err := svc.Process(&c, image(flash.PageSize)); err != nil {
		t.Fatalf("process after failure: %v", err)
	}
	svc.Closed(&c)
	if mem.Writes() != 1 {
		t.Errorf("writes=%d, want 1", mem.Writes())
	}
}

func TestNew_validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("nil flash accepted")
	}
	mem, _ := flash.NewMemory(0, flash.RowSize)
	if _, err := New(Config{Flash: mem, Base: 0x4010}); !errors.Is(err, flash.ErrMisaligned) {
		t.Errorf("misaligned base err=%v", err)
	}
	svc, err := New(Config{Flash: mem})
	if err != nil {
		t.Fatal(err)
	}
	if svc.Port() != DefaultPort {
		t.Errorf("port %d", svc.Port())
	}
}
