package vmx

// Model-specific registers consulted by the core.
const (
	MSRFeatureControl = 0x0000003A
	MSRSysenterCS     = 0x00000174
	MSRSysenterESP    = 0x00000175
	MSRSysenterEIP    = 0x00000176
	MSRVMXBasic       = 0x00000480
	MSRVMXPinBased    = 0x00000481
	MSRVMXProcBased   = 0x00000482
	MSRVMXExit        = 0x00000483
	MSRVMXEntry       = 0x00000484
	MSRVMXMisc        = 0x00000485
	MSRVMXCR0Fixed0   = 0x00000486
	MSRVMXCR0Fixed1   = 0x00000487
	MSRVMXCR4Fixed0   = 0x00000488
	MSRVMXCR4Fixed1   = 0x00000489
	MSRVMXProcBased2  = 0x0000048B
	MSRVMXEPTVPIDCap  = 0x0000048C
	MSREFER           = 0xC0000080
	MSRFSBase         = 0xC0000100
	MSRGSBase         = 0xC0000101
)

// IA32_FEATURE_CONTROL bits.
const (
	FeatureControlLocked        = 1 << 0
	FeatureControlVMXInsideSMX  = 1 << 1
	FeatureControlVMXOutsideSMX = 1 << 2
)

// CPUID.1:ECX bit advertising VMX.
const CPUIDFeatureVMX = 1 << 5

// Control register bits.
const (
	CR0PE   = 1 << 0
	CR0NE   = 1 << 5
	CR0PG   = 1 << 31
	CR4VMXE = 1 << 13
)

// RevisionMask selects the VMCS revision identifier in IA32_VMX_BASIC.
const RevisionMask = 0x7FFFFFFF

// Primary processor-based VM-execution controls.
const (
	ProcHLTExiting          = 1 << 7
	ProcUnconditionalIOExit = 1 << 24
	ProcUseIOBitmaps        = 1 << 25
	ProcUseMSRBitmaps       = 1 << 28
	ProcActivateSecondary   = 1 << 31
)

// Secondary processor-based VM-execution controls.
const (
	Proc2EnableEPT         = 1 << 1
	Proc2UnrestrictedGuest = 1 << 7
)

// VM-exit and VM-entry controls.
const (
	ExitHostAddressSpaceSize = 1 << 9
	EntryIA32eModeGuest      = 1 << 9
)

// AdjustControls applies the allowed-0 (low half) and allowed-1 (high half)
// settings of a capability MSR to a desired control value.
func AdjustControls(want uint32, capability uint64) uint32 {
	allowed0 := uint32(capability)
	allowed1 := uint32(capability >> 32)

	return (want | allowed0) & allowed1
}
