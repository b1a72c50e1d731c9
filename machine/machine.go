// Package machine is the virtualization context: it brings a processor into
// VMX operation, launches one guest and runs the exit dispatcher.
package machine

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"

	"github.com/bobuhiro11/govmx/iobitmap"
	"github.com/bobuhiro11/govmx/iodev"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/serial"
	"github.com/bobuhiro11/govmx/vmcs"
	"github.com/bobuhiro11/govmx/vmx"
)

var (
	// ErrGuestTerminated is an exit after which the guest cannot continue.
	ErrGuestTerminated = errors.New("guest terminated")

	errNotTrapped    = errors.New("no pending exit")
	errNoArena       = errors.New("no control-structure arena")
	errNotConfigured = errors.New("control structure not configured")
	errEntryFailed   = errors.New("vm entry failed")
)

// State is where the dispatcher is in its cycle.
type State int

const (
	Stopped State = iota // not yet launched
	Running
	Trapped
	Resuming
	Halted
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Running:
		return "Running"
	case Trapped:
		return "Trapped"
	case Resuming:
		return "Resuming"
	case Halted:
		return "Halted"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Config describes the guest and how the dispatcher treats it.
type Config struct {
	// Arena holds the VMXON region, the VMCS, the EPT and the I/O bitmaps.
	Arena *memory.Arena

	Guest vmcs.GuestSnapshot
	Host  vmcs.Host

	// AllowPorts are passed through without an exit. Nil means the
	// VGA index/data ports.
	AllowPorts []uint16

	// MaxExits stops RunInfiniteLoop after this many exits; 0 is unbounded.
	MaxExits int

	// Trace logs every exit with the guest instruction at RIP. Memory must
	// be set to disassemble.
	Trace  bool
	Memory Memory

	// Console receives bytes the guest writes to COM1. Nil discards them.
	Console io.Writer

	Logger *log.Logger
}

type Machine struct {
	cpu vmx.CPU
	cfg Config
	log *log.Logger

	capability vmx.Capability
	manager    *vmcs.Manager
	structure  *vmcs.Structure
	bus        *iodev.Bus

	state  State
	active atomic.Bool
	exits  int
	stats  Stats
}

// New prepares a context for cpu. Nothing privileged happens until
// InitVirtualization.
func New(cpu vmx.CPU, cfg Config) (*Machine, error) {
	m := &Machine{cpu: cpu, cfg: cfg, log: cfg.Logger, bus: iodev.NewBus()}

	if m.log == nil {
		m.log = log.Default()
	}

	if m.cfg.AllowPorts == nil {
		m.cfg.AllowPorts = iobitmap.ReferenceAllowList
	}

	for _, d := range []struct {
		dev      iodev.Device
		readable bool
	}{
		{serial.New(cfg.Console), true},
		{&iodev.PassthroughDevice{Port: iodev.PaletteWriteIndex, Psize: 1, Host: cpu}, false},
		{&iodev.PassthroughDevice{Port: iodev.PaletteData, Psize: 1, Host: cpu}, true},
	} {
		register := m.bus.RegisterOut
		if d.readable {
			register = m.bus.Register
		}

		if err := register(d.dev); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Bus is the port table the I/O handler dispatches to.
func (m *Machine) Bus() *iodev.Bus {
	return m.bus
}

// Active reports whether a guest is running under virtualization.
func (m *Machine) Active() bool {
	return m.active.Load()
}

func (m *Machine) State() State {
	return m.state
}

// Capability is what detection found.
func (m *Machine) Capability() vmx.Capability {
	return m.capability
}

// Structure is the configured VMCS, or nil before setup.
func (m *Machine) Structure() *vmcs.Structure {
	return m.structure
}

// Stats returns the exit counters.
func (m *Machine) Stats() *Stats {
	return &m.stats
}

// InitVirtualization detects and enables VMX, builds and configures the
// control structure and launches the guest, which runs until its first
// exit. It returns false with a nil error when the processor cannot
// virtualize; the caller carries on without a guest.
func (m *Machine) InitVirtualization() (bool, error) {
	c := vmx.Detect(m.cpu)
	if !c.Supported {
		m.capability = c
		m.log.Printf("vmx: %s", c.Reason)

		return false, nil
	}

	c, err := vmx.Query(m.cpu, c)
	m.capability = c

	if errors.Is(err, vmx.ErrCapabilityAbsent) {
		m.log.Printf("vmx: %s", c.Reason)

		return false, nil
	}

	if err != nil {
		return false, err
	}

	m.log.Printf("vmx: supported, VMCS revision %#x", c.Revision)

	if err := m.setup(); err != nil {
		m.state = Halted

		return false, err
	}

	if err := m.Launch(); err != nil {
		return false, err
	}

	m.active.Store(true)

	return true, nil
}

func (m *Machine) setup() error {
	if m.cfg.Arena == nil {
		return fmt.Errorf("%w: %w", vmx.ErrSetupFailure, errNoArena)
	}

	if err := vmx.Enable(m.cpu); err != nil {
		return fmt.Errorf("%w: enable: %w", vmx.ErrSetupFailure, err)
	}

	m.manager = vmcs.NewManager(m.cpu, m.cfg.Arena, m.capability)
	m.manager.AllowPorts = m.cfg.AllowPorts

	if err := m.manager.EnterRoot(); err != nil {
		return err
	}

	s, err := m.manager.Allocate()
	if err != nil {
		return err
	}

	if err := m.manager.Load(s); err != nil {
		return err
	}

	if err := m.manager.Configure(s, m.cfg.Guest, m.cfg.Host); err != nil {
		return err
	}

	m.structure = s
	m.log.Printf("vmx: VMCS %#x, EPTP %#x, I/O bitmaps %#x %#x",
		s.Region.Phys, s.EPTPointer, s.IOBitmapA, s.IOBitmapB)

	return nil
}
