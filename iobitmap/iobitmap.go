// Package iobitmap builds the I/O bitmaps that select which guest port
// accesses cause a VM exit.
package iobitmap

import (
	"fmt"

	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/vmx"
)

// Ports 0x0000-0x7fff live in bitmap A, 0x8000-0xffff in bitmap B.
const portsPerBitmap = memory.PageSize * 8

// ReferenceAllowList holds the VGA index/data ports the guest drives directly.
//
//nolint:gochecknoglobals
var ReferenceAllowList = []uint16{
	0x3C0, // attribute controller index
	0x3C1, // attribute controller data read
	0x3C4, // sequencer index
	0x3C5, // sequencer data
	0x3CE, // graphics controller index
	0x3CF, // graphics controller data
}

// Bitmaps is the pair of trap bitmaps. A set bit means exit on access.
type Bitmaps struct {
	A *memory.Page
	B *memory.Page
}

// New allocates both bitmaps with every port trapped.
func New(a *memory.Arena) (*Bitmaps, error) {
	b := &Bitmaps{}

	for _, p := range []**memory.Page{&b.A, &b.B} {
		page, err := a.Alloc()
		if err != nil {
			return nil, fmt.Errorf("io bitmap: %w", err)
		}

		for i := range page.Buf {
			page.Buf[i] = 0xff
		}

		*p = page
	}

	return b, nil
}

// Build allocates trap-all bitmaps and then passes the allow list through.
func Build(a *memory.Arena, allow []uint16) (*Bitmaps, error) {
	b, err := New(a)
	if err != nil {
		return nil, err
	}

	b.AllowPorts(allow)

	return b, nil
}

func (b *Bitmaps) locate(port uint16) (*memory.Page, int, byte) {
	page := b.A
	if int(port) >= portsPerBitmap {
		page = b.B
		port -= portsPerBitmap
	}

	return page, int(port >> 3), 1 << (port & 7)
}

// Allow lets guest accesses to port reach the hardware without an exit.
func (b *Bitmaps) Allow(port uint16) {
	page, i, bit := b.locate(port)
	page.Buf[i] &^= bit
}

// AllowPorts calls Allow for every port in the list.
func (b *Bitmaps) AllowPorts(ports []uint16) {
	for _, p := range ports {
		b.Allow(p)
	}
}

// Trap makes guest accesses to port exit.
func (b *Bitmaps) Trap(port uint16) {
	page, i, bit := b.locate(port)
	page.Buf[i] |= bit
}

// Traps reports whether an access to port exits.
func (b *Bitmaps) Traps(port uint16) bool {
	page, i, bit := b.locate(port)

	return page.Buf[i]&bit != 0
}

// Install records both bitmap addresses in the current VMCS and turns on
// "use I/O bitmaps".
func (b *Bitmaps) Install(w vmx.FieldAccessor) error {
	if err := w.WriteField(vmx.IOBitmapA, b.A.Phys); err != nil {
		return err
	}

	if err := w.WriteField(vmx.IOBitmapB, b.B.Phys); err != nil {
		return err
	}

	ctl, err := w.ReadField(vmx.ProcBasedControls)
	if err != nil {
		return err
	}

	ctl |= vmx.ProcUseIOBitmaps
	ctl &^= vmx.ProcUnconditionalIOExit

	return w.WriteField(vmx.ProcBasedControls, ctl)
}

// EnableMSRTrapping turns off "use MSR bitmaps", which makes every RDMSR and
// WRMSR in the guest exit.
func EnableMSRTrapping(w vmx.FieldAccessor) error {
	ctl, err := w.ReadField(vmx.ProcBasedControls)
	if err != nil {
		return err
	}

	return w.WriteField(vmx.ProcBasedControls, ctl&^vmx.ProcUseMSRBitmaps)
}

// PhysReader reads host-physical memory.
type PhysReader interface {
	Bytes(phys uint64, n int) ([]byte, error)
}

// Lookup consults bitmaps in memory, the way the processor does on a guest
// IN or OUT. Accesses wider than a byte exit if any covered port traps.
func Lookup(r PhysReader, a, b uint64, port uint16, size uint8) (bool, error) {
	for i := 0; i < int(size); i++ {
		p := uint32(port) + uint32(i)
		if p > 0xffff {
			return true, nil
		}

		base := a
		if p >= portsPerBitmap {
			base = b
			p -= portsPerBitmap
		}

		byt, err := r.Bytes(base+uint64(p>>3), 1)
		if err != nil {
			return true, err
		}

		if byt[0]&(1<<(p&7)) != 0 {
			return true, nil
		}
	}

	return false, nil
}
