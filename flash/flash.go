// Package flash models the NOR flash the bootloader programs application
// images into. Flash is erased in rows and programmed in pages.
package flash

import (
	"errors"
	"fmt"

	"golang.org/x/exp/constraints"
)

const (
	// PageSize is the smallest unit that can be programmed.
	PageSize = 64
	// RowSize is the smallest unit that can be erased. A row holds four pages.
	RowSize = 4 * PageSize
	erased  = 0xff
)

var (
	ErrMisaligned = errors.New("flash: misaligned address")
	ErrOutOfRange = errors.New("flash: address out of range")
)

// Device is a flash controller. Addresses are absolute.
type Device interface {
	// EraseRow sets the RowSize bytes at the row-aligned addr to 0xff.
	EraseRow(addr uint32) error
	// WritePage programs the page at the page-aligned addr. Only bits set in
	// the erased state can be cleared.
	WritePage(addr uint32, page *[PageSize]byte) error
}

// Memory is an in-memory flash of a fixed size mapped at a base address.
// Memory starts out erased.
type Memory struct {
	base   uint32
	mem    []byte
	erases int
	writes int
}

var _ Device = (*Memory)(nil)

// NewMemory returns an erased flash of size bytes mapped at base. Both must
// be row aligned.
func NewMemory(base, size uint32) (*Memory, error) {
	if !isaligned(base, RowSize) || !isaligned(size, RowSize) {
		return nil, ErrMisaligned
	}
	if size == 0 || uint64(base)+uint64(size) > 1<<32 {
		return nil, ErrOutOfRange
	}
	m := &Memory{base: base, mem: make([]byte, size)}
	for i := range m.mem {
		m.mem[i] = erased
	}
	return m, nil
}

// Base returns the address of the first byte of the flash.
func (m *Memory) Base() uint32 { return m.base }

// Size returns the flash size in bytes.
func (m *Memory) Size() uint32 { return uint32(len(m.mem)) }

// Bytes returns the flash contents. The slice aliases the flash.
func (m *Memory) Bytes() []byte { return m.mem }

// Erases returns the number of rows erased so far.
func (m *Memory) Erases() int { return m.erases }

// Writes returns the number of pages programmed so far.
func (m *Memory) Writes() int { return m.writes }

// EraseRow sets the row at addr to 0xff. addr must be row aligned.
func (m *Memory) EraseRow(addr uint32) error {
	off, err := m.offset(addr, RowSize)
	if err != nil {
		return fmt.Errorf("erase %#x: %w", addr, err)
	}
	row := m.mem[off : off+RowSize]
	for i := range row {
		row[i] = erased
	}
	m.erases++
	return nil
}

// WritePage programs page at addr. Programming only clears bits, as on NOR flash.
func (m *Memory) WritePage(addr uint32, page *[PageSize]byte) error {
	off, err := m.offset(addr, PageSize)
	if err != nil {
		return fmt.Errorf("write %#x: %w", addr, err)
	}
	dst := m.mem[off : off+PageSize]
	for i := range dst {
		dst[i] &= page[i]
	}
	m.writes++
	return nil
}

func (m *Memory) offset(addr, align uint32) (uint32, error) {
	if !isaligned(addr, align) {
		return 0, ErrMisaligned
	}
	if addr < m.base || uint64(addr-m.base)+uint64(align) > uint64(len(m.mem)) {
		return 0, ErrOutOfRange
	}
	return addr - m.base, nil
}

// IsRowStart reports whether addr is the first address of an erase row.
func IsRowStart(addr uint32) bool { return isaligned(addr, RowSize) }

func isaligned[T constraints.Unsigned](val, align T) bool {
	return val&(align-1) == 0
}

func alignup[T constraints.Unsigned](val, align T) T {
	return (val + align - 1) &^ (align - 1)
}

// RowsFor returns the number of rows needed to hold n bytes.
func RowsFor(n uint32) uint32 { return alignup(n, RowSize) / RowSize }
