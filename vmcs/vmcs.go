// Package vmcs manages the virtual-machine control structure: the VMXON
// region, allocation and loading of the VMCS, and the field writes that
// describe the guest and the host.
package vmcs

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/govmx/ept"
	"github.com/bobuhiro11/govmx/iobitmap"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/vmx"
)

var errNotLoaded = errors.New("structure is not the current VMCS")

// Structure is one VMCS region and what configuring it produced.
type Structure struct {
	Region   *memory.Page
	Revision uint32

	// Values recorded into the structure by Configure.
	EPTPointer uint64
	IOBitmapA  uint64
	IOBitmapB  uint64

	Tables  *ept.Tables
	Bitmaps *iobitmap.Bitmaps

	cleared  bool
	launched bool
}

// Launched reports whether a VMLAUNCH on the structure has succeeded, after
// which re-entry must use VMRESUME.
func (s *Structure) Launched() bool {
	return s.launched
}

// SetLaunched records a successful VMLAUNCH.
func (s *Structure) SetLaunched() {
	s.launched = true
}

// Manager owns the VMXON region and the current VMCS of one processor.
type Manager struct {
	cpu      vmx.CPU
	arena    *memory.Arena
	revision uint32

	vmxon   *memory.Page
	current *Structure

	// AllowPorts lists the ports Configure lets through the I/O bitmaps.
	AllowPorts []uint16
}

// NewManager prepares a manager for a processor whose capability has been
// queried. Control structures are carved from arena.
func NewManager(cpu vmx.CPU, arena *memory.Arena, c vmx.Capability) *Manager {
	return &Manager{
		cpu:        cpu,
		arena:      arena,
		revision:   c.Revision,
		AllowPorts: iobitmap.ReferenceAllowList,
	}
}

// InRoot reports whether EnterRoot has succeeded.
func (m *Manager) InRoot() bool {
	return m.vmxon != nil
}

// Current returns the loaded structure, or nil.
func (m *Manager) Current() *Structure {
	return m.current
}

func (m *Manager) stamp() (*memory.Page, error) {
	p, err := m.arena.Alloc()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vmx.ErrSetupFailure, err)
	}

	binary.LittleEndian.PutUint32(p.Buf, m.revision&vmx.RevisionMask)

	return p, nil
}

// EnterRoot allocates the VMXON region and executes VMXON. The extension
// must already be enabled.
func (m *Manager) EnterRoot() error {
	if m.vmxon != nil {
		return nil
	}

	p, err := m.stamp()
	if err != nil {
		return err
	}

	if err := m.cpu.VMXOn(p.Phys); err != nil {
		return fmt.Errorf("%w: vmxon: %w", vmx.ErrSetupFailure, err)
	}

	m.vmxon = p

	return nil
}

// Allocate returns a zeroed, page-aligned VMCS stamped with the revision
// identifier.
func (m *Manager) Allocate() (*Structure, error) {
	p, err := m.stamp()
	if err != nil {
		return nil, err
	}

	return &Structure{Region: p, Revision: m.revision & vmx.RevisionMask}, nil
}

// Load makes s the current VMCS. The first load of a structure clears it so
// the processor initializes its launch state.
func (m *Manager) Load(s *Structure) error {
	if s == nil || s.Region == nil || !memory.Aligned(s.Region.Phys) {
		return fmt.Errorf("%w: VMCS region not page aligned", vmx.ErrSetupFailure)
	}

	if !s.cleared {
		if err := m.cpu.VMClear(s.Region.Phys); err != nil {
			return fmt.Errorf("%w: vmclear: %w", vmx.ErrSetupFailure, err)
		}

		s.cleared = true
		s.launched = false
	}

	if err := m.cpu.VMPtrLoad(s.Region.Phys); err != nil {
		return fmt.Errorf("%w: vmptrld: %w", vmx.ErrSetupFailure, err)
	}

	m.current = s

	return nil
}

// ReadField reads a field of the current VMCS.
func (m *Manager) ReadField(f vmx.Field) (uint64, error) {
	if m.current == nil {
		return 0, vmx.ErrFailInvalid
	}

	return m.cpu.ReadField(f)
}

// WriteField writes a field of the current VMCS.
func (m *Manager) WriteField(f vmx.Field, v uint64) error {
	if m.current == nil {
		return vmx.ErrFailInvalid
	}

	if err := m.cpu.WriteField(f, f.Mask(v)); err != nil {
		return fmt.Errorf("write %v: %w", f, err)
	}

	return nil
}

type fieldValue struct {
	f vmx.Field
	v uint64
}

func (m *Manager) writeAll(fv []fieldValue) error {
	for _, x := range fv {
		if err := m.WriteField(x.f, x.v); err != nil {
			return err
		}
	}

	return nil
}
