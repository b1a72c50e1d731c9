package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/bobuhiro11/govmx/ept"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/vmx"
)

type vmcsState struct {
	phys     uint64
	fields   map[vmx.Field]uint64
	launched bool
}

func (v *vmcsState) get(f vmx.Field) uint64 {
	return v.fields[f]
}

func (v *vmcsState) set(f vmx.Field, x uint64) {
	v.fields[f] = f.Mask(x)
}

// fail is VMfailValid when a VMCS is current and VMfailInvalid otherwise.
func (c *CPU) fail(op string, num uint32) error {
	if c.current == nil {
		return fmt.Errorf("%s: %w", op, vmx.ErrFailInvalid)
	}

	c.current.set(vmx.InstructionErrorField, uint64(num))

	return &vmx.InstructionError{Op: op, Number: num}
}

func (c *CPU) revisionOf(phys uint64) (uint32, error) {
	b, err := c.Bytes(phys, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b) & vmx.RevisionMask, nil
}

func (c *CPU) fixed(v uint64, f0, f1 uint32) bool {
	fixed0, fixed1 := c.msrs[f0], c.msrs[f1]

	return v&fixed0 == fixed0 && v&^fixed1 == 0
}

func (c *CPU) VMXOn(phys uint64) error {
	if c.cr4&vmx.CR4VMXE == 0 {
		return fmt.Errorf("vmxon: CR4.VMXE clear: %w", errUD)
	}

	if c.root {
		return c.fail("vmxon", vmx.ErrNumVMXOnInRoot)
	}

	fc := c.msrs[vmx.MSRFeatureControl]
	if fc&vmx.FeatureControlLocked == 0 || fc&vmx.FeatureControlVMXOutsideSMX == 0 {
		return fmt.Errorf("vmxon: IA32_FEATURE_CONTROL %#x: %w", fc, errGP)
	}

	if !c.fixed(c.cr0, vmx.MSRVMXCR0Fixed0, vmx.MSRVMXCR0Fixed1) ||
		!c.fixed(c.cr4, vmx.MSRVMXCR4Fixed0, vmx.MSRVMXCR4Fixed1) {
		return fmt.Errorf("vmxon: control register fixed bits: %w", errGP)
	}

	if !memory.Aligned(phys) {
		return fmt.Errorf("vmxon %#x: %w", phys, vmx.ErrFailInvalid)
	}

	rev, err := c.revisionOf(phys)
	if err != nil || rev != c.cfg.Revision&vmx.RevisionMask {
		return fmt.Errorf("vmxon %#x: revision: %w", phys, vmx.ErrFailInvalid)
	}

	c.root = true
	c.vmxon = phys

	return nil
}

func (c *CPU) checkRegion(op string, phys uint64, invalid uint32) error {
	if !c.root {
		return fmt.Errorf("%s outside VMX operation: %w", op, errUD)
	}

	if _, err := c.Bytes(phys, memory.PageSize); err != nil || !memory.Aligned(phys) {
		return c.fail(op, invalid)
	}

	if phys == c.vmxon {
		return c.fail(op, invalid+1)
	}

	return nil
}

func (c *CPU) VMClear(phys uint64) error {
	if err := c.checkRegion("vmclear", phys, vmx.ErrNumVMClearInvalidAddr); err != nil {
		return err
	}

	if v, ok := c.vmcs[phys]; ok {
		v.launched = false
	} else {
		c.vmcs[phys] = &vmcsState{phys: phys, fields: map[vmx.Field]uint64{}}
	}

	if c.current != nil && c.current.phys == phys {
		c.current = nil
	}

	return nil
}

func (c *CPU) VMPtrLoad(phys uint64) error {
	if err := c.checkRegion("vmptrld", phys, vmx.ErrNumVMPtrLoadInvalidAddr); err != nil {
		return err
	}

	if rev, _ := c.revisionOf(phys); rev != c.cfg.Revision&vmx.RevisionMask {
		return c.fail("vmptrld", vmx.ErrNumVMPtrLoadRevision)
	}

	v, ok := c.vmcs[phys]
	if !ok {
		// Never cleared: the launch state is whatever the memory held.
		v = &vmcsState{phys: phys, fields: map[vmx.Field]uint64{}}
		c.vmcs[phys] = v
	}

	c.current = v

	return nil
}

func (c *CPU) ReadField(f vmx.Field) (uint64, error) {
	if c.current == nil {
		return 0, fmt.Errorf("vmread %v: %w", f, vmx.ErrFailInvalid)
	}

	if !f.Known() {
		return 0, c.fail("vmread", vmx.ErrNumUnsupportedComponent)
	}

	return c.current.get(f), nil
}

func (c *CPU) WriteField(f vmx.Field, v uint64) error {
	if c.current == nil {
		return fmt.Errorf("vmwrite %v: %w", f, vmx.ErrFailInvalid)
	}

	if !f.Known() {
		return c.fail("vmwrite", vmx.ErrNumUnsupportedComponent)
	}

	if f.ReadOnly() {
		return c.fail("vmwrite", vmx.ErrNumWriteReadOnly)
	}

	c.current.set(f, v)

	return nil
}

func (c *CPU) EnterGuest() error {
	if c.current == nil {
		return fmt.Errorf("vmlaunch: %w", vmx.ErrFailInvalid)
	}

	if c.current.launched {
		return c.fail("vmlaunch", vmx.ErrNumLaunchNonClear)
	}

	if err := c.entry("vmlaunch"); err != nil {
		return err
	}

	c.launches++

	return nil
}

func (c *CPU) ResumeGuest() error {
	if c.current == nil {
		return fmt.Errorf("vmresume: %w", vmx.ErrFailInvalid)
	}

	if !c.current.launched {
		return c.fail("vmresume", vmx.ErrNumResumeNonLaunched)
	}

	if err := c.entry("vmresume"); err != nil {
		return err
	}

	c.resumes++

	return nil
}

// entry performs the VM-entry checks, then runs the guest to its next exit.
// A failed guest-state check is an exit, not an instruction failure.
func (c *CPU) entry(op string) error {
	v := c.current

	if err := c.checkControls(v); err != nil {
		return c.fail(op, vmx.ErrNumInvalidControls)
	}

	if err := c.checkHost(v); err != nil {
		return c.fail(op, vmx.ErrNumInvalidHostState)
	}

	if err := c.checkGuest(v); err != nil {
		v.set(vmx.ExitReasonField, uint64(vmx.ExitInvalidGuestState)|vmx.ExitEntryFailure)
		v.set(vmx.ExitQualification, 0)

		return nil
	}

	v.launched = true
	c.run(v)

	return nil
}

func allowed(v uint64, capability uint64) bool {
	allowed0, allowed1 := capability&0xffffffff, capability>>32

	return v&allowed0 == allowed0 && v&^allowed1 == 0
}

func (c *CPU) checkControls(v *vmcsState) error {
	proc := v.get(vmx.ProcBasedControls)
	proc2 := uint64(0)

	if proc&vmx.ProcActivateSecondary != 0 {
		proc2 = v.get(vmx.SecondaryProcControls)
	}

	for _, x := range []struct {
		val uint64
		msr uint32
	}{
		{v.get(vmx.PinBasedControls), vmx.MSRVMXPinBased},
		{proc, vmx.MSRVMXProcBased},
		{proc2, vmx.MSRVMXProcBased2},
		{v.get(vmx.ExitControls), vmx.MSRVMXExit},
		{v.get(vmx.EntryControls), vmx.MSRVMXEntry},
	} {
		if !allowed(x.val, c.msrs[x.msr]) {
			return fmt.Errorf("controls %#x against %#x", x.val, x.msr)
		}
	}

	if proc&vmx.ProcUseIOBitmaps != 0 {
		for _, f := range []vmx.Field{vmx.IOBitmapA, vmx.IOBitmapB} {
			if a := v.get(f); !memory.Aligned(a) || a == 0 {
				return fmt.Errorf("%v %#x", f, a)
			}
		}
	}

	if proc&vmx.ProcUseMSRBitmaps != 0 {
		if a := v.get(vmx.MSRBitmap); !memory.Aligned(a) || a == 0 {
			return fmt.Errorf("msr bitmap %#x", a)
		}
	}

	if proc2&vmx.Proc2EnableEPT != 0 {
		if err := ept.CheckPointer(v.get(vmx.EPTPointer)); err != nil {
			return err
		}
	}

	if proc2&vmx.Proc2UnrestrictedGuest != 0 && proc2&vmx.Proc2EnableEPT == 0 {
		return fmt.Errorf("unrestricted guest without EPT")
	}

	return nil
}

func (c *CPU) checkHost(v *vmcsState) error {
	if v.get(vmx.HostCR4)&vmx.CR4VMXE == 0 {
		return fmt.Errorf("host CR4.VMXE clear")
	}

	if v.get(vmx.ExitControls)&vmx.ExitHostAddressSpaceSize == 0 {
		return fmt.Errorf("64-bit host without host address-space size")
	}

	if v.get(vmx.HostRIP) == 0 || v.get(vmx.HostRSP) == 0 {
		return fmt.Errorf("host RIP/RSP not set")
	}

	for _, f := range []vmx.Field{
		vmx.HostESSelector, vmx.HostCSSelector, vmx.HostSSSelector, vmx.HostDSSelector,
		vmx.HostFSSelector, vmx.HostGSSelector, vmx.HostTRSelector,
	} {
		if v.get(f)&0x7 != 0 {
			return fmt.Errorf("%v has RPL or TI set", f)
		}
	}

	if v.get(vmx.HostCSSelector) == 0 || v.get(vmx.HostTRSelector) == 0 {
		return fmt.Errorf("null host CS or TR")
	}

	return nil
}

func (c *CPU) checkGuest(v *vmcsState) error {
	cr0, cr4 := v.get(vmx.GuestCR0), v.get(vmx.GuestCR4)
	unrestricted := v.get(vmx.ProcBasedControls)&vmx.ProcActivateSecondary != 0 &&
		v.get(vmx.SecondaryProcControls)&vmx.Proc2UnrestrictedGuest != 0

	fixed0 := c.msrs[vmx.MSRVMXCR0Fixed0]
	if unrestricted {
		fixed0 &^= vmx.CR0PE | vmx.CR0PG
	}

	if cr0&fixed0 != fixed0 || cr0&^c.msrs[vmx.MSRVMXCR0Fixed1] != 0 {
		return fmt.Errorf("guest CR0 %#x", cr0)
	}

	if cr0&vmx.CR0PG != 0 && cr0&vmx.CR0PE == 0 {
		return fmt.Errorf("guest CR0 paging without protection")
	}

	if !c.fixed(cr4, vmx.MSRVMXCR4Fixed0, vmx.MSRVMXCR4Fixed1) {
		return fmt.Errorf("guest CR4 %#x", cr4)
	}

	if v.get(vmx.GuestRFLAGS)&0x2 == 0 {
		return fmt.Errorf("guest RFLAGS bit 1 clear")
	}

	if v.get(vmx.VMCSLinkPointer) != ^uint64(0) {
		return fmt.Errorf("VMCS link pointer %#x", v.get(vmx.VMCSLinkPointer))
	}

	if s := v.get(vmx.GuestActivityState); s > 1 {
		return fmt.Errorf("activity state %d", s)
	}

	return nil
}
