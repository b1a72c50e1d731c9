package vmx

import (
	"errors"
	"fmt"
)

var (
	// ErrCapabilityAbsent means the processor cannot run VMX; callers fall
	// back to running without virtualization.
	ErrCapabilityAbsent = errors.New("vmx capability absent")

	// ErrSetupFailure is a misaligned or malformed control structure or table.
	ErrSetupFailure = errors.New("vmx setup failure")

	// ErrLaunchFailure is a failed VMLAUNCH or VMRESUME.
	ErrLaunchFailure = errors.New("vmx launch failure")

	// ErrUnknownExitReason is an exit the dispatcher has no handler for.
	ErrUnknownExitReason = errors.New("unknown vm exit reason")

	// ErrFailInvalid is VMfailInvalid: there is no current VMCS.
	ErrFailInvalid = errors.New("VMfailInvalid")
)

// InstructionError is VMfailValid: a VMX instruction failed and left its
// reason in the VM-instruction error field.
type InstructionError struct {
	Op     string
	Number uint32
}

//nolint:gochecknoglobals
var instructionErrors = map[uint32]string{
	1:  "VMCALL executed in VMX root operation",
	2:  "VMCLEAR with invalid physical address",
	3:  "VMCLEAR with VMXON pointer",
	4:  "VMLAUNCH with non-clear VMCS",
	5:  "VMRESUME with non-launched VMCS",
	6:  "VMRESUME after VMXOFF",
	7:  "VM entry with invalid control field(s)",
	8:  "VM entry with invalid host-state field(s)",
	9:  "VMPTRLD with invalid physical address",
	10: "VMPTRLD with VMXON pointer",
	11: "VMPTRLD with incorrect VMCS revision identifier",
	12: "VMREAD/VMWRITE from/to unsupported VMCS component",
	13: "VMWRITE to read-only VMCS component",
	15: "VMXON executed in VMX root operation",
	16: "VM entry with invalid executive-VMCS pointer",
	17: "VM entry with non-launched executive VMCS",
	18: "VM entry with executive-VMCS pointer not VMXON pointer",
	26: "VM entry with events blocked by MOV SS",
	28: "invalid operand to INVEPT/INVVPID",
}

// VM-instruction error numbers produced by the core's own checks.
const (
	ErrNumVMClearInvalidAddr   = 2
	ErrNumLaunchNonClear       = 4
	ErrNumResumeNonLaunched    = 5
	ErrNumInvalidControls      = 7
	ErrNumInvalidHostState     = 8
	ErrNumVMPtrLoadInvalidAddr = 9
	ErrNumVMPtrLoadRevision    = 11
	ErrNumUnsupportedComponent = 12
	ErrNumWriteReadOnly        = 13
	ErrNumVMXOnInRoot          = 15
)

func (e *InstructionError) Error() string {
	msg, ok := instructionErrors[e.Number]
	if !ok {
		msg = "unknown error"
	}

	return fmt.Sprintf("%s: VMfailValid(%d): %s", e.Op, e.Number, msg)
}
