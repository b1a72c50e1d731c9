// Package hw implements vmx.CPU with the real instructions, for a Go
// kernel running in ring 0 on an Intel processor.
package hw

import (
	"encoding/binary"
	"errors"
)

// ErrUnsupported is returned by New on hosts that are not amd64.
var ErrUnsupported = errors.New("hardware VMX needs amd64")

// DescriptorBase decodes the base address of a 16-byte system-segment
// descriptor, as used for the TSS in long mode.
func DescriptorBase(d []byte) uint64 {
	base := uint64(binary.LittleEndian.Uint16(d[2:])) |
		uint64(d[4])<<16 |
		uint64(d[7])<<24

	if len(d) >= 12 {
		base |= uint64(binary.LittleEndian.Uint32(d[8:])) << 32
	}

	return base
}
