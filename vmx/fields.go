package vmx

import "fmt"

// Field is a VMCS field encoding as consumed by VMREAD and VMWRITE.
// The values are those of the Intel SDM Vol. 3 Appendix B and must not change.
type Field uint32

// 16-bit guest-state fields.
const (
	GuestESSelector   Field = 0x00000800
	GuestCSSelector   Field = 0x00000802
	GuestSSSelector   Field = 0x00000804
	GuestDSSelector   Field = 0x00000806
	GuestFSSelector   Field = 0x00000808
	GuestGSSelector   Field = 0x0000080A
	GuestLDTRSelector Field = 0x0000080C
	GuestTRSelector   Field = 0x0000080E
)

// 16-bit host-state fields.
const (
	HostESSelector Field = 0x00000C00
	HostCSSelector Field = 0x00000C02
	HostSSSelector Field = 0x00000C04
	HostDSSelector Field = 0x00000C06
	HostFSSelector Field = 0x00000C08
	HostGSSelector Field = 0x00000C0A
	HostTRSelector Field = 0x00000C0C
)

// 64-bit control and guest-state fields.
const (
	IOBitmapA            Field = 0x00002000
	IOBitmapB            Field = 0x00002002
	MSRBitmap            Field = 0x00002004
	EPTPointer           Field = 0x0000201A
	GuestPhysicalAddress Field = 0x00002400
	VMCSLinkPointer      Field = 0x00002800
	GuestIA32DebugCtl    Field = 0x00002802
)

// 32-bit control fields.
const (
	PinBasedControls      Field = 0x00004000
	ProcBasedControls     Field = 0x00004002
	ExceptionBitmap       Field = 0x00004004
	PageFaultErrorMask    Field = 0x00004006
	PageFaultErrorMatch   Field = 0x00004008
	CR3TargetCount        Field = 0x0000400A
	ExitControls          Field = 0x0000400C
	ExitMSRStoreCount     Field = 0x0000400E
	ExitMSRLoadCount      Field = 0x00004010
	EntryControls         Field = 0x00004012
	EntryMSRLoadCount     Field = 0x00004014
	EntryInterruptionInfo Field = 0x00004016
	SecondaryProcControls Field = 0x0000401E
)

// 32-bit read-only data fields.
const (
	InstructionErrorField Field = 0x00004400
	ExitReasonField       Field = 0x00004402
	ExitInterruptionInfo  Field = 0x00004404
	ExitInterruptionError Field = 0x00004406
	IDTVectoringInfo      Field = 0x00004408
	IDTVectoringError     Field = 0x0000440A
	ExitInstructionLength Field = 0x0000440C
	ExitInstructionInfo   Field = 0x0000440E
)

// 32-bit guest-state fields.
const (
	GuestESLimit          Field = 0x00004800
	GuestCSLimit          Field = 0x00004802
	GuestSSLimit          Field = 0x00004804
	GuestDSLimit          Field = 0x00004806
	GuestFSLimit          Field = 0x00004808
	GuestGSLimit          Field = 0x0000480A
	GuestLDTRLimit        Field = 0x0000480C
	GuestTRLimit          Field = 0x0000480E
	GuestGDTRLimit        Field = 0x00004810
	GuestIDTRLimit        Field = 0x00004812
	GuestESAccessRights   Field = 0x00004814
	GuestCSAccessRights   Field = 0x00004816
	GuestSSAccessRights   Field = 0x00004818
	GuestDSAccessRights   Field = 0x0000481A
	GuestFSAccessRights   Field = 0x0000481C
	GuestGSAccessRights   Field = 0x0000481E
	GuestLDTRAccessRights Field = 0x00004820
	GuestTRAccessRights   Field = 0x00004822
	GuestInterruptibility Field = 0x00004824
	GuestActivityState    Field = 0x00004826
	GuestSysenterCS       Field = 0x0000482A
)

// 32-bit host-state fields.
const (
	HostSysenterCS Field = 0x00004C00
)

// Natural-width control fields.
const (
	CR0GuestHostMask Field = 0x00006000
	CR4GuestHostMask Field = 0x00006002
	CR0ReadShadow    Field = 0x00006004
	CR4ReadShadow    Field = 0x00006006
)

// Natural-width read-only data fields.
const (
	ExitQualification  Field = 0x00006400
	IORCX              Field = 0x00006402
	IORSI              Field = 0x00006404
	IORDI              Field = 0x00006406
	IORIP              Field = 0x00006408
	GuestLinearAddress Field = 0x0000640A
)

// Natural-width guest-state fields.
const (
	GuestCR0         Field = 0x00006800
	GuestCR3         Field = 0x00006802
	GuestCR4         Field = 0x00006804
	GuestESBase      Field = 0x00006806
	GuestCSBase      Field = 0x00006808
	GuestSSBase      Field = 0x0000680A
	GuestDSBase      Field = 0x0000680C
	GuestFSBase      Field = 0x0000680E
	GuestGSBase      Field = 0x00006810
	GuestLDTRBase    Field = 0x00006812
	GuestTRBase      Field = 0x00006814
	GuestGDTRBase    Field = 0x00006816
	GuestIDTRBase    Field = 0x00006818
	GuestDR7         Field = 0x0000681A
	GuestRSP         Field = 0x0000681C
	GuestRIP         Field = 0x0000681E
	GuestRFLAGS      Field = 0x00006820
	GuestSysenterESP Field = 0x00006824
	GuestSysenterEIP Field = 0x00006826
)

// Natural-width host-state fields.
const (
	HostCR0         Field = 0x00006C00
	HostCR3         Field = 0x00006C02
	HostCR4         Field = 0x00006C04
	HostFSBase      Field = 0x00006C06
	HostGSBase      Field = 0x00006C08
	HostTRBase      Field = 0x00006C0A
	HostGDTRBase    Field = 0x00006C0C
	HostIDTRBase    Field = 0x00006C0E
	HostSysenterESP Field = 0x00006C10
	HostSysenterEIP Field = 0x00006C12
	HostRSP         Field = 0x00006C14
	HostRIP         Field = 0x00006C16
)

//nolint:gochecknoglobals
var fieldNames = map[Field]string{
	GuestESSelector: "GuestESSelector", GuestCSSelector: "GuestCSSelector",
	GuestSSSelector: "GuestSSSelector", GuestDSSelector: "GuestDSSelector",
	GuestFSSelector: "GuestFSSelector", GuestGSSelector: "GuestGSSelector",
	GuestLDTRSelector: "GuestLDTRSelector", GuestTRSelector: "GuestTRSelector",
	HostESSelector: "HostESSelector", HostCSSelector: "HostCSSelector",
	HostSSSelector: "HostSSSelector", HostDSSelector: "HostDSSelector",
	HostFSSelector: "HostFSSelector", HostGSSelector: "HostGSSelector",
	HostTRSelector: "HostTRSelector",
	IOBitmapA: "IOBitmapA", IOBitmapB: "IOBitmapB", MSRBitmap: "MSRBitmap",
	EPTPointer: "EPTPointer", GuestPhysicalAddress: "GuestPhysicalAddress",
	VMCSLinkPointer: "VMCSLinkPointer", GuestIA32DebugCtl: "GuestIA32DebugCtl",
	PinBasedControls: "PinBasedControls", ProcBasedControls: "ProcBasedControls",
	ExceptionBitmap: "ExceptionBitmap", PageFaultErrorMask: "PageFaultErrorMask",
	PageFaultErrorMatch: "PageFaultErrorMatch", CR3TargetCount: "CR3TargetCount",
	ExitControls: "ExitControls", ExitMSRStoreCount: "ExitMSRStoreCount",
	ExitMSRLoadCount: "ExitMSRLoadCount", EntryControls: "EntryControls",
	EntryMSRLoadCount: "EntryMSRLoadCount", EntryInterruptionInfo: "EntryInterruptionInfo",
	SecondaryProcControls: "SecondaryProcControls",
	InstructionErrorField: "InstructionError", ExitReasonField: "ExitReason",
	ExitInterruptionInfo: "ExitInterruptionInfo", ExitInterruptionError: "ExitInterruptionError",
	IDTVectoringInfo: "IDTVectoringInfo", IDTVectoringError: "IDTVectoringError",
	ExitInstructionLength: "ExitInstructionLength", ExitInstructionInfo: "ExitInstructionInfo",
	GuestESLimit: "GuestESLimit", GuestCSLimit: "GuestCSLimit", GuestSSLimit: "GuestSSLimit",
	GuestDSLimit: "GuestDSLimit", GuestFSLimit: "GuestFSLimit", GuestGSLimit: "GuestGSLimit",
	GuestLDTRLimit: "GuestLDTRLimit", GuestTRLimit: "GuestTRLimit",
	GuestGDTRLimit: "GuestGDTRLimit", GuestIDTRLimit: "GuestIDTRLimit",
	GuestESAccessRights: "GuestESAccessRights", GuestCSAccessRights: "GuestCSAccessRights",
	GuestSSAccessRights: "GuestSSAccessRights", GuestDSAccessRights: "GuestDSAccessRights",
	GuestFSAccessRights: "GuestFSAccessRights", GuestGSAccessRights: "GuestGSAccessRights",
	GuestLDTRAccessRights: "GuestLDTRAccessRights", GuestTRAccessRights: "GuestTRAccessRights",
	GuestInterruptibility: "GuestInterruptibility", GuestActivityState: "GuestActivityState",
	GuestSysenterCS: "GuestSysenterCS", HostSysenterCS: "HostSysenterCS",
	CR0GuestHostMask: "CR0GuestHostMask", CR4GuestHostMask: "CR4GuestHostMask",
	CR0ReadShadow: "CR0ReadShadow", CR4ReadShadow: "CR4ReadShadow",
	ExitQualification: "ExitQualification", IORCX: "IORCX", IORSI: "IORSI",
	IORDI: "IORDI", IORIP: "IORIP", GuestLinearAddress: "GuestLinearAddress",
	GuestCR0: "GuestCR0", GuestCR3: "GuestCR3", GuestCR4: "GuestCR4",
	GuestESBase: "GuestESBase", GuestCSBase: "GuestCSBase", GuestSSBase: "GuestSSBase",
	GuestDSBase: "GuestDSBase", GuestFSBase: "GuestFSBase", GuestGSBase: "GuestGSBase",
	GuestLDTRBase: "GuestLDTRBase", GuestTRBase: "GuestTRBase",
	GuestGDTRBase: "GuestGDTRBase", GuestIDTRBase: "GuestIDTRBase", GuestDR7: "GuestDR7",
	GuestRSP: "GuestRSP", GuestRIP: "GuestRIP", GuestRFLAGS: "GuestRFLAGS",
	GuestSysenterESP: "GuestSysenterESP", GuestSysenterEIP: "GuestSysenterEIP",
	HostCR0: "HostCR0", HostCR3: "HostCR3", HostCR4: "HostCR4",
	HostFSBase: "HostFSBase", HostGSBase: "HostGSBase", HostTRBase: "HostTRBase",
	HostGDTRBase: "HostGDTRBase", HostIDTRBase: "HostIDTRBase",
	HostSysenterESP: "HostSysenterESP", HostSysenterEIP: "HostSysenterEIP",
	HostRSP: "HostRSP", HostRIP: "HostRIP",
}

func (f Field) String() string {
	if s, ok := fieldNames[f]; ok {
		return s
	}

	return fmt.Sprintf("Field(%#x)", uint32(f))
}

// Width is the architectural width class of the field, encoded in bits 14:13.
type Width uint8

const (
	Width16 Width = iota
	Width64
	Width32
	WidthNatural
)

// Width decodes the width class from the encoding.
func (f Field) Width() Width {
	return Width((f >> 13) & 0x3)
}

// ReadOnly reports whether the field belongs to the VM-exit information area.
func (f Field) ReadOnly() bool {
	return (f>>10)&0x3 == 1
}

// Mask truncates a value to the width of the field.
func (f Field) Mask(v uint64) uint64 {
	switch f.Width() {
	case Width16:
		return v & 0xffff
	case Width32:
		return v & 0xffffffff
	case Width64, WidthNatural:
		return v
	}

	return v
}

// Known reports whether the encoding is one the core recognizes.
func (f Field) Known() bool {
	_, ok := fieldNames[f]

	return ok
}
