package vmcs

import "github.com/bobuhiro11/govmx/vmx"

// Access rights for real-mode segments under unrestricted guest.
const (
	arCode     = 0x9b // present, code, readable, accessed
	arData     = 0x93 // present, data, writable, accessed
	arTSS      = 0x8b // present, busy TSS
	arUnusable = 1 << 16

	realLimit = 0xffff
)

// Segment is a guest segment register.
type Segment struct {
	Selector     uint16
	Base         uint64
	Limit        uint32
	AccessRights uint32
}

// RealSegment returns the real-mode segment for a selector: base is the
// selector shifted left by four.
func RealSegment(sel uint16, ar uint32) Segment {
	return Segment{Selector: sel, Base: uint64(sel) << 4, Limit: realLimit, AccessRights: ar}
}

// GuestSnapshot is the initial architectural state of the guest. It is
// copied into the VMCS and the register file by Configure.
type GuestSnapshot struct {
	Regs vmx.Regs

	CR0, CR3, CR4 uint64

	RIP    uint64
	RSP    uint64
	RFLAGS uint64

	ES, CS, SS, DS, FS, GS, TR, LDTR Segment

	GDTRBase  uint64
	GDTRLimit uint32
	IDTRBase  uint64
	IDTRLimit uint32
}

// Reference load address of the guest: the boot-sector address, also used
// as the initial stack top.
const ReferenceEntry = 0x7c00

// RealModeSnapshot is a real-mode guest with all selectors zero, entering at
// entry with the stack just below it.
func RealModeSnapshot(entry uint64) GuestSnapshot {
	data := RealSegment(0, arData)

	return GuestSnapshot{
		CR0:       vmx.CR0NE,
		RIP:       entry,
		RSP:       entry,
		RFLAGS:    0x2,
		CS:        RealSegment(0, arCode),
		ES:        data,
		SS:        data,
		DS:        data,
		FS:        data,
		GS:        data,
		TR:        Segment{Limit: realLimit, AccessRights: arTSS},
		LDTR:      Segment{AccessRights: arUnusable},
		GDTRLimit: realLimit,
		IDTRLimit: 0x3ff,
	}
}

type segmentFields struct {
	s                     Segment
	sel, base, limit, acc vmx.Field
}

func (g *GuestSnapshot) segments() []segmentFields {
	return []segmentFields{
		{g.ES, vmx.GuestESSelector, vmx.GuestESBase, vmx.GuestESLimit, vmx.GuestESAccessRights},
		{g.CS, vmx.GuestCSSelector, vmx.GuestCSBase, vmx.GuestCSLimit, vmx.GuestCSAccessRights},
		{g.SS, vmx.GuestSSSelector, vmx.GuestSSBase, vmx.GuestSSLimit, vmx.GuestSSAccessRights},
		{g.DS, vmx.GuestDSSelector, vmx.GuestDSBase, vmx.GuestDSLimit, vmx.GuestDSAccessRights},
		{g.FS, vmx.GuestFSSelector, vmx.GuestFSBase, vmx.GuestFSLimit, vmx.GuestFSAccessRights},
		{g.GS, vmx.GuestGSSelector, vmx.GuestGSBase, vmx.GuestGSLimit, vmx.GuestGSAccessRights},
		{g.TR, vmx.GuestTRSelector, vmx.GuestTRBase, vmx.GuestTRLimit, vmx.GuestTRAccessRights},
		{g.LDTR, vmx.GuestLDTRSelector, vmx.GuestLDTRBase, vmx.GuestLDTRLimit, vmx.GuestLDTRAccessRights},
	}
}
