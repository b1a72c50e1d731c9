// Package ept builds the extended page tables that translate guest-physical
// addresses to host-physical ones.
package ept

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/govmx/memory"
)

var (
	// ErrNotMapped is a guest-physical address with no present translation.
	ErrNotMapped = errors.New("guest physical address not mapped")

	errBadPointer = errors.New("invalid EPT pointer")
)

// Bits in EPT entries.
const (
	Read    = 1 << 0
	Write   = 1 << 1
	Execute = 1 << 2
	RWX     = Read | Write | Execute

	memTypeShift = 3
	memTypeMask  = 0x7 << memTypeShift
	addrMask     = 0x000F_FFFF_FFFF_F000
)

// Memory types.
const (
	MemTypeUC = 0
	MemTypeWC = 1
	MemTypeWT = 4
	MemTypeWP = 5
	MemTypeWB = 6
)

const (
	// Entries is the number of entries in every table.
	Entries = 512

	// Coverage is the identity-mapped range: one leaf table of 4 KiB frames.
	Coverage = Entries * memory.PageSize

	levels          = 4
	walkLengthShift = 3
)

// Tables is the four-level hierarchy. Only the first entry of each upper
// level is populated.
type Tables struct {
	PML4 *memory.Page
	PDPT *memory.Page
	PD   *memory.Page
	PT   *memory.Page

	// Pointer is the EPTP value for the VMCS.
	Pointer uint64
}

// Build allocates the four tables from a and identity maps [0, Coverage)
// with full permissions and write-back memory.
func Build(a *memory.Arena) (*Tables, error) {
	t := &Tables{}

	for _, p := range []**memory.Page{&t.PML4, &t.PDPT, &t.PD, &t.PT} {
		page, err := a.Alloc()
		if err != nil {
			return nil, fmt.Errorf("ept table: %w", err)
		}

		*p = page
	}

	putEntry(t.PML4, 0, t.PDPT.Phys|RWX)
	putEntry(t.PDPT, 0, t.PD.Phys|RWX)
	putEntry(t.PD, 0, t.PT.Phys|RWX)

	for i := 0; i < Entries; i++ {
		frame := uint64(i) * memory.PageSize
		putEntry(t.PT, i, frame|RWX|MemTypeWB<<memTypeShift)
	}

	t.Pointer = Pointer(t.PML4.Phys)

	return t, nil
}

// Pointer composes an EPTP: root address, write-back paging-structure
// memory type and a four-level walk.
func Pointer(root uint64) uint64 {
	return root&addrMask | MemTypeWB | (levels-1)<<walkLengthShift
}

// Root extracts the root table address from an EPTP.
func Root(eptp uint64) uint64 {
	return eptp & addrMask
}

// CheckPointer validates an EPTP the way VM entry does.
func CheckPointer(eptp uint64) error {
	switch mt := eptp & 0x7; mt {
	case MemTypeUC, MemTypeWB:
	default:
		return fmt.Errorf("%w: memory type %d", errBadPointer, mt)
	}

	if walk := (eptp >> walkLengthShift) & 0x7; walk != levels-1 {
		return fmt.Errorf("%w: walk length %d", errBadPointer, walk+1)
	}

	if eptp&0xf80 != 0 || eptp&^(addrMask|0xfff) != 0 {
		return fmt.Errorf("%w: reserved bits set in %#x", errBadPointer, eptp)
	}

	if Root(eptp) == 0 {
		return fmt.Errorf("%w: null root", errBadPointer)
	}

	return nil
}

func putEntry(p *memory.Page, i int, v uint64) {
	binary.LittleEndian.PutUint64(p.Buf[i*8:], v)
}
