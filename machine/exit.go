package machine

import (
	"fmt"

	"github.com/bobuhiro11/govmx/vmx"
)

// ExitEvent is one VM exit, read from the VMCS exit-information fields and
// decoded per reason.
type ExitEvent struct {
	Reason       vmx.ExitReason
	EntryFailure bool

	Qualification     uint64
	InstructionLength uint64

	// I/O instruction exits.
	Port     uint16
	Size     uint8
	In       bool
	StringOp bool
	Rep      bool

	// RDMSR and WRMSR exits: ECX at the time of the exit.
	MSR uint32

	// Exception exits.
	Vector      uint8
	VectorValid bool
}

func (e ExitEvent) String() string {
	switch e.Reason {
	case vmx.ExitIOInstruction:
		dir := "out"
		if e.In {
			dir = "in"
		}

		return fmt.Sprintf("%v %s port %#x size %d", e.Reason, dir, e.Port, e.Size)
	case vmx.ExitRDMSR, vmx.ExitWRMSR:
		return fmt.Sprintf("%v msr %#x", e.Reason, e.MSR)
	case vmx.ExitExceptionOrNMI:
		return fmt.Sprintf("%v %s", e.Reason, vmx.VectorName(e.Vector))
	}

	if e.EntryFailure {
		return fmt.Sprintf("%v (entry failure)", e.Reason)
	}

	return e.Reason.String()
}

// DecodeExit reads the exit-information fields of the current VMCS. regs
// supplies ECX for MSR exits.
func DecodeExit(r vmx.FieldAccessor, regs vmx.Regs) (ExitEvent, error) {
	raw, err := r.ReadField(vmx.ExitReasonField)
	if err != nil {
		return ExitEvent{}, fmt.Errorf("read exit reason: %w", err)
	}

	e := ExitEvent{
		Reason:       vmx.ExitReason(raw & 0xffff),
		EntryFailure: raw&vmx.ExitEntryFailure != 0,
	}

	if e.Qualification, err = r.ReadField(vmx.ExitQualification); err != nil {
		return e, fmt.Errorf("read exit qualification: %w", err)
	}

	if e.InstructionLength, err = r.ReadField(vmx.ExitInstructionLength); err != nil {
		return e, fmt.Errorf("read exit instruction length: %w", err)
	}

	switch e.Reason {
	case vmx.ExitIOInstruction:
		q := e.Qualification
		e.Size = uint8(q&vmx.IOQualSizeMask) + 1
		e.In = q&vmx.IOQualIn != 0
		e.StringOp = q&vmx.IOQualString != 0
		e.Rep = q&vmx.IOQualRep != 0
		e.Port = uint16(q >> vmx.IOQualPortShift)
	case vmx.ExitRDMSR, vmx.ExitWRMSR:
		e.MSR = uint32(regs.RCX)
	case vmx.ExitExceptionOrNMI:
		info, err := r.ReadField(vmx.ExitInterruptionInfo)
		if err != nil {
			return e, fmt.Errorf("read exit interruption info: %w", err)
		}

		e.Vector = uint8(info & vmx.InterruptionVectorMask)
		e.VectorValid = info&vmx.InterruptionValid != 0
	}

	return e, nil
}
