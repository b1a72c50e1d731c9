package vmcs

import (
	"fmt"

	"github.com/bobuhiro11/govmx/ept"
	"github.com/bobuhiro11/govmx/iobitmap"
	"github.com/bobuhiro11/govmx/vmx"
)

// TrappedExceptions are the vectors whose delivery causes an exit.
const TrappedExceptions = 1<<vmx.VectorDivideError |
	1<<vmx.VectorInvalidOpcode |
	1<<vmx.VectorGeneralProtection

// Host is where the processor lands on every exit.
type Host struct {
	Entry uint64 // exit dispatcher entry point
	Stack uint64 // dedicated host stack top
}

// control is a VM-execution control word and the capability MSR that
// governs it. Required bits must survive adjustment.
type control struct {
	name       string
	field      vmx.Field
	capability uint32
	want       uint32
	required   uint32
	forbidden  uint32
}

// Configure writes the guest and host state into s, builds the EPT hierarchy
// and the I/O bitmaps and records them, and enables MSR trapping. s must be
// the current structure.
func (m *Manager) Configure(s *Structure, g GuestSnapshot, h Host) error {
	if s == nil || m.current != s {
		return fmt.Errorf("%w: %w", vmx.ErrSetupFailure, errNotLoaded)
	}

	if err := m.writeControls(); err != nil {
		return err
	}

	if err := m.writeGuest(g); err != nil {
		return err
	}

	if err := m.writeHost(h); err != nil {
		return err
	}

	tables, err := ept.Build(m.arena)
	if err != nil {
		return fmt.Errorf("%w: %w", vmx.ErrSetupFailure, err)
	}

	if err := m.WriteField(vmx.EPTPointer, tables.Pointer); err != nil {
		return err
	}

	bitmaps, err := iobitmap.Build(m.arena, m.AllowPorts)
	if err != nil {
		return fmt.Errorf("%w: %w", vmx.ErrSetupFailure, err)
	}

	if err := bitmaps.Install(m); err != nil {
		return err
	}

	if err := iobitmap.EnableMSRTrapping(m); err != nil {
		return err
	}

	s.Tables, s.EPTPointer = tables, tables.Pointer
	s.Bitmaps, s.IOBitmapA, s.IOBitmapB = bitmaps, bitmaps.A.Phys, bitmaps.B.Phys

	regs := g.Regs
	regs.RSP = g.RSP
	m.cpu.SetGuestRegs(regs)

	return nil
}

func (m *Manager) writeControls() error {
	controls := []control{
		{name: "pin-based", field: vmx.PinBasedControls, capability: vmx.MSRVMXPinBased},
		{
			name:       "primary processor-based",
			field:      vmx.ProcBasedControls,
			capability: vmx.MSRVMXProcBased,
			want:       vmx.ProcHLTExiting | vmx.ProcUseIOBitmaps | vmx.ProcActivateSecondary,
			required:   vmx.ProcHLTExiting | vmx.ProcUseIOBitmaps | vmx.ProcActivateSecondary,
			forbidden:  vmx.ProcUseMSRBitmaps,
		},
		{
			name:       "secondary processor-based",
			field:      vmx.SecondaryProcControls,
			capability: vmx.MSRVMXProcBased2,
			want:       vmx.Proc2EnableEPT | vmx.Proc2UnrestrictedGuest,
			required:   vmx.Proc2EnableEPT | vmx.Proc2UnrestrictedGuest,
		},
		{
			name:       "exit",
			field:      vmx.ExitControls,
			capability: vmx.MSRVMXExit,
			want:       vmx.ExitHostAddressSpaceSize,
			required:   vmx.ExitHostAddressSpaceSize,
		},
		{
			name:       "entry",
			field:      vmx.EntryControls,
			capability: vmx.MSRVMXEntry,
			forbidden:  vmx.EntryIA32eModeGuest,
		},
	}

	for _, c := range controls {
		allowed, err := m.cpu.ReadMSR(c.capability)
		if err != nil {
			return fmt.Errorf("%w: read capability %#x: %w", vmx.ErrSetupFailure, c.capability, err)
		}

		v := vmx.AdjustControls(c.want, allowed)
		if v&c.required != c.required {
			return fmt.Errorf("%w: %s controls: cannot set %#x",
				vmx.ErrSetupFailure, c.name, c.required&^v)
		}

		if v&c.forbidden != 0 {
			return fmt.Errorf("%w: %s controls: cannot clear %#x",
				vmx.ErrSetupFailure, c.name, v&c.forbidden)
		}

		if err := m.WriteField(c.field, uint64(v)); err != nil {
			return err
		}
	}

	return m.writeAll([]fieldValue{
		{vmx.ExceptionBitmap, TrappedExceptions},
		{vmx.PageFaultErrorMask, 0},
		{vmx.PageFaultErrorMatch, 0},
		{vmx.CR3TargetCount, 0},
		{vmx.ExitMSRStoreCount, 0},
		{vmx.ExitMSRLoadCount, 0},
		{vmx.EntryMSRLoadCount, 0},
		{vmx.EntryInterruptionInfo, 0},
		{vmx.CR0GuestHostMask, 0},
		{vmx.CR4GuestHostMask, 0},
	})
}

// guestCR returns the guest control registers with the VMX fixed bits
// applied. Unrestricted guest exempts CR0.PE and CR0.PG.
func (m *Manager) guestCR(g GuestSnapshot) (uint64, uint64, error) {
	var fixed [4]uint64

	for i, index := range []uint32{
		vmx.MSRVMXCR0Fixed0, vmx.MSRVMXCR0Fixed1,
		vmx.MSRVMXCR4Fixed0, vmx.MSRVMXCR4Fixed1,
	} {
		v, err := m.cpu.ReadMSR(index)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: read fixed bits %#x: %w", vmx.ErrSetupFailure, index, err)
		}

		fixed[i] = v
	}

	cr0 := (g.CR0 | fixed[0]&^(vmx.CR0PE|vmx.CR0PG)) & fixed[1]
	cr4 := (g.CR4 | fixed[2]) & fixed[3]

	return cr0, cr4, nil
}

func (m *Manager) writeGuest(g GuestSnapshot) error {
	cr0, cr4, err := m.guestCR(g)
	if err != nil {
		return err
	}

	fv := []fieldValue{
		{vmx.GuestCR0, cr0},
		{vmx.GuestCR3, g.CR3},
		{vmx.GuestCR4, cr4},
		{vmx.CR0ReadShadow, g.CR0},
		{vmx.CR4ReadShadow, g.CR4},
		{vmx.GuestDR7, 0x400},
		{vmx.GuestRSP, g.RSP},
		{vmx.GuestRIP, g.RIP},
		{vmx.GuestRFLAGS, g.RFLAGS | 0x2},
		{vmx.GuestGDTRBase, g.GDTRBase},
		{vmx.GuestGDTRLimit, uint64(g.GDTRLimit)},
		{vmx.GuestIDTRBase, g.IDTRBase},
		{vmx.GuestIDTRLimit, uint64(g.IDTRLimit)},
		{vmx.GuestIA32DebugCtl, 0},
		{vmx.GuestSysenterCS, 0},
		{vmx.GuestSysenterESP, 0},
		{vmx.GuestSysenterEIP, 0},
		{vmx.GuestInterruptibility, 0},
		{vmx.GuestActivityState, 0},
		{vmx.VMCSLinkPointer, ^uint64(0)},
	}

	for _, seg := range g.segments() {
		fv = append(fv,
			fieldValue{seg.sel, uint64(seg.s.Selector)},
			fieldValue{seg.base, seg.s.Base},
			fieldValue{seg.limit, uint64(seg.s.Limit)},
			fieldValue{seg.acc, uint64(seg.s.AccessRights)},
		)
	}

	return m.writeAll(fv)
}

// Host selectors must have RPL and TI clear.
const selectorMask = ^uint16(0x7)

func (m *Manager) writeHost(h Host) error {
	hs := m.cpu.HostState()

	return m.writeAll([]fieldValue{
		{vmx.HostCR0, hs.CR0},
		{vmx.HostCR3, hs.CR3},
		{vmx.HostCR4, hs.CR4},
		{vmx.HostESSelector, uint64(hs.ES & selectorMask)},
		{vmx.HostCSSelector, uint64(hs.CS & selectorMask)},
		{vmx.HostSSSelector, uint64(hs.SS & selectorMask)},
		{vmx.HostDSSelector, uint64(hs.DS & selectorMask)},
		{vmx.HostFSSelector, uint64(hs.FS & selectorMask)},
		{vmx.HostGSSelector, uint64(hs.GS & selectorMask)},
		{vmx.HostTRSelector, uint64(hs.TR & selectorMask)},
		{vmx.HostFSBase, hs.FSBase},
		{vmx.HostGSBase, hs.GSBase},
		{vmx.HostTRBase, hs.TRBase},
		{vmx.HostGDTRBase, hs.GDTRBase},
		{vmx.HostIDTRBase, hs.IDTRBase},
		{vmx.HostSysenterCS, uint64(hs.SysenterCS)},
		{vmx.HostSysenterESP, hs.SysenterESP},
		{vmx.HostSysenterEIP, hs.SysenterEIP},
		{vmx.HostRSP, h.Stack},
		{vmx.HostRIP, h.Entry},
	})
}
