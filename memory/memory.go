package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	errArenaExhausted = errors.New("arena exhausted")
	errNotInArena     = errors.New("physical address outside arena")
	errBadRegion      = errors.New("region must be page aligned and a whole number of pages")
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// Aligned reports whether addr sits on a page boundary.
func Aligned(addr uint64) bool {
	return addr&(PageSize-1) == 0
}

// Page is one 4 KiB frame handed out by an Arena.
type Page struct {
	Phys uint64
	Buf  []byte
}

// Arena is a fixed, page-aligned region carved into frames for the control
// structures. Frames are never freed.
type Arena struct {
	buf    []byte
	base   uint64
	next   int
	mapped bool
}

// New maps an anonymous region of size bytes. The physical address of each
// frame is its host virtual address, which holds under an identity map.
func New(size int) (*Arena, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("size %#x: %w", size, errBadRegion)
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap arena: %w", err)
	}

	return &Arena{
		buf:    buf,
		base:   uint64(uintptr(unsafe.Pointer(&buf[0]))),
		mapped: true,
	}, nil
}

// FromRegion wraps a static region whose physical address is known, e.g. a
// page-aligned array in a bare-metal kernel image.
func FromRegion(buf []byte, phys uint64) (*Arena, error) {
	if len(buf) == 0 || len(buf)%PageSize != 0 || !Aligned(phys) {
		return nil, errBadRegion
	}

	return &Arena{buf: buf, base: phys}, nil
}

// Alloc hands out the next zeroed frame.
func (a *Arena) Alloc() (*Page, error) {
	if a.next+PageSize > len(a.buf) {
		return nil, errArenaExhausted
	}

	b := a.buf[a.next : a.next+PageSize : a.next+PageSize]
	for i := range b {
		b[i] = 0
	}

	p := &Page{Phys: a.base + uint64(a.next), Buf: b}
	a.next += PageSize

	return p, nil
}

// Used is the number of frames handed out so far.
func (a *Arena) Used() int {
	return a.next / PageSize
}

// Base is the physical address of the first frame.
func (a *Arena) Base() uint64 {
	return a.base
}

// Size is the arena length in bytes.
func (a *Arena) Size() int {
	return len(a.buf)
}

// Contains reports whether [phys, phys+n) lies in the arena.
func (a *Arena) Contains(phys uint64, n int) bool {
	return phys >= a.base && phys+uint64(n) <= a.base+uint64(len(a.buf))
}

// Bytes returns the n bytes at phys.
func (a *Arena) Bytes(phys uint64, n int) ([]byte, error) {
	if !a.Contains(phys, n) {
		return nil, fmt.Errorf("%#x+%#x: %w", phys, n, errNotInArena)
	}

	off := phys - a.base

	return a.buf[off : off+uint64(n)], nil
}

// Uint64 reads a little-endian word at phys.
func (a *Arena) Uint64(phys uint64) (uint64, error) {
	b, err := a.Bytes(phys, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

// PutUint64 writes a little-endian word at phys.
func (a *Arena) PutUint64(phys, v uint64) error {
	b, err := a.Bytes(phys, 8)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(b, v)

	return nil
}

// Close unmaps an arena created by New.
func (a *Arena) Close() error {
	if !a.mapped {
		return nil
	}

	a.mapped = false

	return unix.Munmap(a.buf)
}
