package vmx

import "fmt"

// ExitReason is the basic exit reason, bits 15:0 of the exit reason field.
type ExitReason uint16

const (
	ExitExceptionOrNMI    ExitReason = 0
	ExitExternalInterrupt ExitReason = 1
	ExitTripleFault       ExitReason = 2
	ExitINIT              ExitReason = 3
	ExitInterruptWindow   ExitReason = 7
	ExitTaskSwitch        ExitReason = 9
	ExitCPUID             ExitReason = 10
	ExitHLT               ExitReason = 12
	ExitVMCALL            ExitReason = 18
	ExitCRAccess          ExitReason = 28
	ExitIOInstruction     ExitReason = 30
	ExitRDMSR             ExitReason = 31
	ExitWRMSR             ExitReason = 32
	ExitInvalidGuestState ExitReason = 33
	ExitMSRLoading        ExitReason = 34
	ExitMachineCheckEntry ExitReason = 41
	ExitEPTViolation      ExitReason = 48
	ExitEPTMisconfig      ExitReason = 49
	ExitPreemptionTimer   ExitReason = 52
)

// ExitEntryFailure is bit 31 of the exit reason field.
const ExitEntryFailure = 1 << 31

//nolint:gochecknoglobals
var exitNames = map[ExitReason]string{
	ExitExceptionOrNMI:    "EXCEPTION_NMI",
	ExitExternalInterrupt: "EXTERNAL_INTERRUPT",
	ExitTripleFault:       "TRIPLE_FAULT",
	ExitINIT:              "INIT",
	ExitInterruptWindow:   "INTERRUPT_WINDOW",
	ExitTaskSwitch:        "TASK_SWITCH",
	ExitCPUID:             "CPUID",
	ExitHLT:               "HLT",
	ExitVMCALL:            "VMCALL",
	ExitCRAccess:          "CR_ACCESS",
	ExitIOInstruction:     "IO_INSTRUCTION",
	ExitRDMSR:             "RDMSR",
	ExitWRMSR:             "WRMSR",
	ExitInvalidGuestState: "INVALID_GUEST_STATE",
	ExitMSRLoading:        "MSR_LOADING",
	ExitMachineCheckEntry: "MACHINE_CHECK",
	ExitEPTViolation:      "EPT_VIOLATION",
	ExitEPTMisconfig:      "EPT_MISCONFIG",
	ExitPreemptionTimer:   "PREEMPTION_TIMER",
}

func (r ExitReason) String() string {
	if s, ok := exitNames[r]; ok {
		return s
	}

	return fmt.Sprintf("EXIT_%d", uint16(r))
}

// Terminal reports whether resuming after this exit can never make progress.
func (r ExitReason) Terminal() bool {
	switch r {
	case ExitTripleFault, ExitInvalidGuestState, ExitMSRLoading,
		ExitMachineCheckEntry, ExitEPTViolation, ExitEPTMisconfig:
		return true
	}

	return false
}

// Exception vectors the dispatcher recognizes by name.
const (
	VectorDivideError       = 0
	VectorInvalidOpcode     = 6
	VectorGeneralProtection = 13
)

// VectorName returns the mnemonic of an exception vector.
func VectorName(v uint8) string {
	switch v {
	case VectorDivideError:
		return "#DE"
	case VectorInvalidOpcode:
		return "#UD"
	case VectorGeneralProtection:
		return "#GP"
	}

	return fmt.Sprintf("vector %d", v)
}

// Interruption information layout, shared by the exit and entry fields.
const (
	InterruptionValid       = 1 << 31
	InterruptionErrorCode   = 1 << 11
	InterruptionTypeShift   = 8
	InterruptionHWException = 3
	InterruptionVectorMask  = 0xff
)

// I/O exit qualification layout.
const (
	IOQualSizeMask  = 0x7
	IOQualIn        = 1 << 3
	IOQualString    = 1 << 4
	IOQualRep       = 1 << 5
	IOQualImmediate = 1 << 6
	IOQualPortShift = 16
)
