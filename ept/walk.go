package ept

import "fmt"

// PhysReader reads host-physical memory holding the tables.
type PhysReader interface {
	Uint64(phys uint64) (uint64, error)
}

// Mapping is the result of a successful walk.
type Mapping struct {
	HPA     uint64
	Perms   uint64
	MemType uint8
}

// Index returns the table index of gpa at a level, 3 being the PML4.
func Index(gpa uint64, level int) int {
	return int(gpa>>(12+9*uint(level))) & (Entries - 1)
}

// Translate walks the hierarchy rooted at eptp for gpa.
func Translate(r PhysReader, eptp, gpa uint64) (Mapping, error) {
	table := Root(eptp)
	perms := uint64(RWX)

	for level := levels - 1; level >= 0; level-- {
		entry, err := r.Uint64(table + uint64(Index(gpa, level))*8)
		if err != nil {
			return Mapping{}, fmt.Errorf("level %d table %#x: %w", level, table, err)
		}

		if entry&RWX == 0 {
			return Mapping{}, fmt.Errorf("%#x at level %d: %w", gpa, level, ErrNotMapped)
		}

		perms &= entry & RWX

		if level == 0 {
			return Mapping{
				HPA:     entry&addrMask | gpa&0xfff,
				Perms:   perms,
				MemType: uint8((entry & memTypeMask) >> memTypeShift),
			}, nil
		}

		table = entry & addrMask
	}

	return Mapping{}, ErrNotMapped
}
