package machine

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/govmx/vmx"
)

// Launch executes VMLAUNCH on the configured control structure. It returns
// once the guest has exited for the first time.
func (m *Machine) Launch() error {
	if m.structure == nil {
		return fmt.Errorf("%w: %w", vmx.ErrLaunchFailure, errNotConfigured)
	}

	m.state = Running

	if err := m.cpu.EnterGuest(); err != nil {
		return m.launchFailed("vmlaunch", err)
	}

	if err := m.entered("vmlaunch"); err != nil {
		return err
	}

	m.structure.SetLaunched()
	m.stats.launches.Add(1)
	m.state = Trapped

	return nil
}

// Resume executes VMRESUME after an exit has been handled.
func (m *Machine) Resume() error {
	if m.structure == nil {
		return fmt.Errorf("%w: %w", vmx.ErrLaunchFailure, errNotConfigured)
	}

	m.state = Resuming

	if err := m.cpu.ResumeGuest(); err != nil {
		return m.launchFailed("vmresume", err)
	}

	if err := m.entered("vmresume"); err != nil {
		return err
	}

	m.stats.resumes.Add(1)
	m.state = Trapped

	return nil
}

// entered checks for a VM entry that failed after the instruction itself
// succeeded, which the processor reports as an exit with bit 31 set.
func (m *Machine) entered(op string) error {
	raw, err := m.manager.ReadField(vmx.ExitReasonField)
	if err != nil {
		return m.launchFailed(op, err)
	}

	if raw&vmx.ExitEntryFailure == 0 {
		return nil
	}

	return m.launchFailed(op, fmt.Errorf("%w: %v", errEntryFailed, vmx.ExitReason(raw&0xffff)))
}

func (m *Machine) launchFailed(op string, err error) error {
	m.state = Halted
	m.active.Store(false)

	var ie *vmx.InstructionError
	if errors.As(err, &ie) {
		m.log.Printf("vmx: %s failed: VM-instruction error %d", op, ie.Number)
	}

	return fmt.Errorf("%w: %w", vmx.ErrLaunchFailure, err)
}

// RunOnce handles the pending exit and, unless the exit ends the guest,
// resumes it until the next one. It reports whether the guest is still
// running.
func (m *Machine) RunOnce() (bool, error) {
	switch m.state {
	case Halted:
		return false, nil
	case Trapped:
	default:
		return false, fmt.Errorf("%v: %w", m.state, errNotTrapped)
	}

	regs := m.cpu.GuestRegs()

	ev, err := DecodeExit(m.manager, regs)
	if err != nil {
		return m.halt(err)
	}

	m.exits++
	m.stats.count(ev.Reason)

	if m.cfg.Trace {
		m.trace(ev)
	}

	if ev.EntryFailure || ev.Reason.Terminal() {
		return m.halt(fmt.Errorf("%v: %w", ev, ErrGuestTerminated))
	}

	if err := m.dispatch(ev, &regs); err != nil {
		return m.halt(err)
	}

	m.cpu.SetGuestRegs(regs)

	if err := m.Resume(); err != nil {
		return false, err
	}

	return true, nil
}

func (m *Machine) halt(err error) (bool, error) {
	m.state = Halted
	m.active.Store(false)
	m.log.Printf("vmx: guest halted: %v", err)

	return false, err
}

// RunInfiniteLoop runs the exit dispatcher until the guest halts or
// MaxExits exits have been handled.
func (m *Machine) RunInfiniteLoop() error {
	for {
		if m.cfg.MaxExits > 0 && m.exits >= m.cfg.MaxExits {
			m.log.Printf("vmx: stopping after %d exits", m.exits)

			return nil
		}

		running, err := m.RunOnce()
		if err != nil {
			return err
		}

		if !running {
			return nil
		}
	}
}
