// Package vmm runs a guest image on the simulated processor: Init builds
// the processor and its virtualization context, Setup loads the image and
// Boot launches it and serves exits until the guest stops.
package vmm

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"

	"github.com/bobuhiro11/govmx/machine"
	"github.com/bobuhiro11/govmx/sim"
	"github.com/bobuhiro11/govmx/vmcs"
	"github.com/bobuhiro11/govmx/vmx"
)

var errNotInitialized = errors.New("vmm: Init has not run")

// ErrNoVMX means the processor cannot run guests.
var ErrNoVMX = errors.New("vmm: virtualization unavailable")

// DemoGuest prints "hello" on COM1, then halts forever.
var DemoGuest = []byte{
	0xba, 0xf8, 0x03, // mov dx, 0x3f8
	0xb0, 'h', 0xee, // mov al, 'h'; out dx, al
	0xb0, 'e', 0xee,
	0xb0, 'l', 0xee,
	0xb0, 'l', 0xee,
	0xb0, 'o', 0xee,
	0xb0, '\n', 0xee,
	0xf4,       // hlt
	0xeb, 0xfd, // jmp $-3
}

type Config struct {
	// Image is a flat real-mode binary. Empty runs DemoGuest.
	Image string

	// Entry is the guest-physical load address and first RIP.
	Entry uint64

	RAMSize   int
	ArenaSize int
	MaxExits  int
	Trace     bool

	Console io.Writer
	Logger  *log.Logger
}

type VMM struct {
	*machine.Machine
	Config

	cpu *sim.CPU
}

func New(c Config) *VMM {
	if c.Entry == 0 {
		c.Entry = vmcs.ReferenceEntry
	}

	if c.Console == nil {
		c.Console = os.Stdout
	}

	if c.Logger == nil {
		c.Logger = log.Default()
	}

	return &VMM{Config: c}
}

// Init instantiates a simulated processor and a machine on it.
func (v *VMM) Init() error {
	v.cpu = sim.New(sim.Config{
		VMX:       true,
		RAMSize:   v.RAMSize,
		ArenaSize: v.ArenaSize,
	})

	m, err := machine.New(v.cpu, machine.Config{
		Arena:    v.cpu.Arena(),
		Guest:    vmcs.RealModeSnapshot(v.Entry),
		Host:     vmcs.Host{Entry: 0x401000, Stack: 0x800000},
		MaxExits: v.MaxExits,
		Trace:    v.Trace,
		Memory:   v.cpu,
		Console:  v.Console,
		Logger:   v.Logger,
	})
	if err != nil {
		return err
	}

	v.Machine = m

	return nil
}

// Setup copies the guest image into RAM at the entry point.
func (v *VMM) Setup() error {
	if v.Machine == nil {
		return errNotInitialized
	}

	image := DemoGuest

	if v.Image != "" {
		b, err := os.ReadFile(v.Image)
		if err != nil {
			return err
		}

		image = b
	}

	return v.cpu.LoadGuest(v.Entry, image)
}

// Boot enters VMX operation, launches the guest and runs it until it stops
// or MaxExits is reached. A guest that stops on its own is not an error.
func (v *VMM) Boot() error {
	if v.Machine == nil {
		return errNotInitialized
	}

	ok, err := v.InitVirtualization()
	if err != nil {
		return err
	}

	if !ok {
		return ErrNoVMX
	}

	err = v.RunInfiniteLoop()

	v.printStats()

	var fault *machine.GuestFault
	if errors.As(err, &fault) {
		fmt.Printf("guest fault: %v\n", fault)

		return nil
	}

	if errors.Is(err, machine.ErrGuestTerminated) {
		return nil
	}

	return err
}

func (v *VMM) printStats() {
	s := v.Stats()
	counts := s.Snapshot()

	reasons := make([]vmx.ExitReason, 0, len(counts))
	for r := range counts {
		reasons = append(reasons, r)
	}

	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })

	fmt.Printf("%d exits, %d launches, %d resumes\n", s.Total(), s.Launches(), s.Resumes())

	for _, r := range reasons {
		fmt.Printf("  %-20v %d\n", r, counts[r])
	}
}
