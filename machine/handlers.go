package machine

import (
	"fmt"

	"github.com/bobuhiro11/govmx/cpuid"
	"github.com/bobuhiro11/govmx/vmx"
)

// GuestFault is a guest exception the dispatcher does not reflect back into
// the guest. Re-entering would fault on the same instruction again.
type GuestFault struct {
	Vector uint8
	RIP    uint64
}

func (f *GuestFault) Error() string {
	return fmt.Sprintf("guest %s at rip %#x", vmx.VectorName(f.Vector), f.RIP)
}

// Name is the exception mnemonic, e.g. "#UD".
func (f *GuestFault) Name() string {
	return vmx.VectorName(f.Vector)
}

// dispatch handles one exit. A nil error means the guest is resumed.
func (m *Machine) dispatch(ev ExitEvent, regs *vmx.Regs) error {
	switch ev.Reason {
	case vmx.ExitCPUID:
		r := cpuid.Emulate(uint32(regs.RAX))
		regs.RAX, regs.RBX = uint64(r.EAX), uint64(r.EBX)
		regs.RCX, regs.RDX = uint64(r.ECX), uint64(r.EDX)

		return m.advance(ev)
	case vmx.ExitHLT:
		return m.advance(ev)
	case vmx.ExitIOInstruction:
		if err := m.portIO(ev, regs); err != nil {
			return err
		}

		return m.advance(ev)
	case vmx.ExitRDMSR:
		v, err := m.cpu.ReadMSR(ev.MSR)
		if err != nil {
			m.log.Printf("vmx: rdmsr %#x: %v, returning 0", ev.MSR, err)
		}

		regs.RAX, regs.RDX = v&0xffffffff, v>>32

		return m.advance(ev)
	case vmx.ExitWRMSR:
		v := regs.RDX<<32 | regs.RAX&0xffffffff
		if err := m.cpu.WriteMSR(ev.MSR, v); err != nil {
			m.log.Printf("vmx: wrmsr %#x <- %#x: %v, ignored", ev.MSR, v, err)
		}

		return m.advance(ev)
	case vmx.ExitExternalInterrupt:
		return nil
	case vmx.ExitExceptionOrNMI:
		rip, err := m.manager.ReadField(vmx.GuestRIP)
		if err != nil {
			return err
		}

		return &GuestFault{Vector: ev.Vector, RIP: rip}
	}

	m.stats.unknown.Add(1)
	m.log.Printf("vmx: %v: %v, resuming", ev, vmx.ErrUnknownExitReason)

	return nil
}

// advance moves the guest past the instruction that exited.
func (m *Machine) advance(ev ExitEvent) error {
	rip, err := m.manager.ReadField(vmx.GuestRIP)
	if err != nil {
		return err
	}

	return m.manager.WriteField(vmx.GuestRIP, rip+ev.InstructionLength)
}

func (m *Machine) portIO(ev ExitEvent, regs *vmx.Regs) error {
	if ev.StringOp {
		m.log.Printf("vmx: %v: string I/O not emulated, skipped", ev)

		return nil
	}

	if !ev.In {
		return m.bus.Out(ev.Port, ev.Size, uint32(regs.RAX))
	}

	v, err := m.bus.In(ev.Port, ev.Size)
	if err != nil {
		return err
	}

	mask := uint64(1)<<(8*uint(ev.Size)) - 1
	regs.RAX = regs.RAX&^mask | uint64(v)&mask

	return nil
}
