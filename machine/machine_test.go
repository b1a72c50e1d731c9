package machine_test

import (
	"bytes"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/bobuhiro11/govmx/ept"
	"github.com/bobuhiro11/govmx/machine"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/sim"
	"github.com/bobuhiro11/govmx/vmcs"
	"github.com/bobuhiro11/govmx/vmx"
	"golang.org/x/arch/x86/x86asm"
)

const entry = vmcs.ReferenceEntry

var (
	hlt    = []byte{0xf4}
	ud2    = []byte{0x0f, 0x0b}
	cpuidI = []byte{0x0f, 0xa2}
)

func code(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

// newMachine returns a context for a simulated processor with code at the
// guest entry point. The caller adjusts cfg before calling.
func newMachine(t *testing.T, c *sim.CPU, guest []byte, cfg machine.Config) *machine.Machine {
	t.Helper()

	if err := c.LoadGuest(entry, guest); err != nil {
		t.Fatal(err)
	}

	if cfg.Arena == nil {
		cfg.Arena = c.Arena()
	}

	if cfg.Guest == (vmcs.GuestSnapshot{}) {
		cfg.Guest = vmcs.RealModeSnapshot(entry)
	}

	if cfg.Host == (vmcs.Host{}) {
		cfg.Host = vmcs.Host{Entry: 0x401000, Stack: 0x800000}
	}

	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	m, err := machine.New(c, cfg)
	if err != nil {
		t.Fatal(err)
	}

	return m
}

// running returns a launched context, stopped at its first exit.
func running(t *testing.T, guest []byte, cfg machine.Config) (*machine.Machine, *sim.CPU) {
	t.Helper()

	c := sim.New(sim.Config{VMX: true})
	m := newMachine(t, c, guest, cfg)

	ok, err := m.InitVirtualization()
	if err != nil || !ok {
		t.Fatalf("InitVirtualization() = %v, %v, want true, nil", ok, err)
	}

	return m, c
}

func step(t *testing.T, m *machine.Machine) {
	t.Helper()

	ok, err := m.RunOnce()
	if err != nil || !ok {
		t.Fatalf("RunOnce() = %v, %v, want true, nil", ok, err)
	}
}

func rip(t *testing.T, c *sim.CPU) uint64 {
	t.Helper()

	v, err := c.ReadField(vmx.GuestRIP)
	if err != nil {
		t.Fatal(err)
	}

	return v
}

func TestCapabilityAbsent(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name   string
		cfg    sim.Config
		reason string
	}{
		{"no vmx", sim.Config{}, "not supported"},
		{"firmware", sim.Config{VMX: true, FeatureControl: vmx.FeatureControlLocked}, "disabled by firmware"},
	} {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			c := sim.New(test.cfg)
			m := newMachine(t, c, hlt, machine.Config{})

			ok, err := m.InitVirtualization()
			if ok || err != nil {
				t.Fatalf("InitVirtualization() = %v, %v, want false, nil", ok, err)
			}

			if n := c.Arena().Used(); n != 0 {
				t.Errorf("%d bytes of control structures allocated", n)
			}

			if c.InRoot() || m.Active() {
				t.Error("VMX operation entered")
			}

			if r := m.Capability().Reason; !strings.Contains(r, test.reason) {
				t.Errorf("reason %q, want %q", r, test.reason)
			}
		})
	}
}

func TestInitVirtualization(t *testing.T) {
	t.Parallel()

	m, c := running(t, hlt, machine.Config{})

	if !m.Active() || m.State() != machine.Trapped {
		t.Fatalf("active %v state %v", m.Active(), m.State())
	}

	s := m.Structure()
	if s == nil || !s.Launched() {
		t.Fatal("structure not launched")
	}

	if s.EPTPointer == 0 || !memory.Aligned(ept.Root(s.EPTPointer)) {
		t.Errorf("EPTP %#x", s.EPTPointer)
	}

	for _, a := range []uint64{s.IOBitmapA, s.IOBitmapB} {
		if a == 0 || !memory.Aligned(a) {
			t.Errorf("I/O bitmap at %#x", a)
		}
	}

	if c.Launches() != 1 || m.Stats().Launches() != 1 {
		t.Errorf("launches %d/%d, want 1", c.Launches(), m.Stats().Launches())
	}

	if got := rip(t, c); got != entry {
		t.Errorf("rip %#x, want %#x", got, entry)
	}
}

func TestCPUID(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		code []byte
		want vmx.Regs
	}{
		{
			name: "leaf 0",
			code: code(cpuidI, hlt),
			want: vmx.Regs{RAX: 1, RBX: 0x756E6547, RCX: 0x6C65746E, RDX: 0x49656E69},
		},
		{
			name: "leaf 1",
			code: code([]byte{0xb8, 0x01, 0x00}, cpuidI, hlt), // mov ax, 1
			want: vmx.Regs{RAX: 0x1067A, RDX: 1},
		},
		{
			name: "other leaf",
			code: code([]byte{0xb8, 0x07, 0x00}, cpuidI, hlt), // mov ax, 7
			want: vmx.Regs{},
		},
	} {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			m, c := running(t, test.code, machine.Config{})
			step(t, m)

			r := c.GuestRegs()
			got := vmx.Regs{RAX: r.RAX, RBX: r.RBX, RCX: r.RCX, RDX: r.RDX}

			if got != test.want {
				t.Errorf("regs %+v, want %+v", got, test.want)
			}

			if want := entry + uint64(len(test.code)) - 1; rip(t, c) != want {
				t.Errorf("rip %#x, want %#x at hlt", rip(t, c), want)
			}

			if n := m.Stats().Exits(vmx.ExitCPUID); n != 1 {
				t.Errorf("%d CPUID exits, want 1", n)
			}
		})
	}
}

func TestHLTAdvances(t *testing.T) {
	t.Parallel()

	m, c := running(t, code(hlt, hlt), machine.Config{})
	step(t, m)

	if got := rip(t, c); got != entry+1 {
		t.Errorf("rip %#x, want %#x", got, entry+1)
	}

	if c.Resumes() != 1 || m.Stats().Resumes() != 1 {
		t.Errorf("resumes %d/%d, want 1", c.Resumes(), m.Stats().Resumes())
	}
}

func TestPortIO(t *testing.T) {
	t.Parallel()

	var console bytes.Buffer

	m, c := running(t, code(
		[]byte{0xba, 0xf8, 0x03}, // mov dx, 0x3f8
		[]byte{0xb0, 0x41},       // mov al, 'A'
		[]byte{0xee},             // out dx, al
		[]byte{0xba, 0xfd, 0x03}, // mov dx, 0x3fd
		[]byte{0xec},             // in al, dx
		hlt,
		[]byte{0xb8, 0x34, 0x12}, // mov ax, 0x1234
		[]byte{0xe4, 0x80},       // in al, 0x80
		hlt,
	), machine.Config{Console: &console})

	step(t, m) // out 0x3f8

	if console.String() != "A" {
		t.Errorf("console %q, want %q", console.String(), "A")
	}

	step(t, m) // in 0x3fd, stops at hlt

	if got := c.GuestRegs().RAX & 0xff; got != 0x60 {
		t.Errorf("line status %#x, want 0x60", got)
	}

	step(t, m) // hlt
	step(t, m) // in 0x80, stops at hlt

	if got := c.GuestRegs().RAX; got != 0x12ff {
		t.Errorf("rax %#x after unclaimed read, want 0x12ff", got)
	}

	if n := m.Stats().Exits(vmx.ExitIOInstruction); n != 3 {
		t.Errorf("%d I/O exits, want 3", n)
	}

	if accesses := c.PortLog(); len(accesses) != 0 {
		t.Errorf("host ports touched: %+v", accesses)
	}
}

type fields map[vmx.Field]uint64

func (f fields) ReadField(field vmx.Field) (uint64, error) { return f[field], nil }

func (f fields) WriteField(field vmx.Field, v uint64) error {
	f[field] = v

	return nil
}

func TestDecodeExit(t *testing.T) {
	t.Parallel()

	ev, err := machine.DecodeExit(fields{
		vmx.ExitReasonField:       uint64(vmx.ExitIOInstruction),
		vmx.ExitQualification:     0x3f8<<vmx.IOQualPortShift | vmx.IOQualRep | vmx.IOQualString | vmx.IOQualIn | 1,
		vmx.ExitInstructionLength: 2,
	}, vmx.Regs{})
	if err != nil {
		t.Fatal(err)
	}

	want := machine.ExitEvent{
		Reason:            vmx.ExitIOInstruction,
		Qualification:     ev.Qualification,
		InstructionLength: 2,
		Port:              0x3f8,
		Size:              2,
		In:                true,
		StringOp:          true,
		Rep:               true,
	}
	if ev != want {
		t.Errorf("DecodeExit() = %+v, want %+v", ev, want)
	}

	if !strings.Contains(ev.String(), "in port 0x3f8 size 2") {
		t.Errorf("String() = %q", ev.String())
	}
}

func TestStringIOSkipped(t *testing.T) {
	t.Parallel()

	var console bytes.Buffer

	m, c := running(t, code(
		[]byte{0xba, 0xf8, 0x03}, // mov dx, 0x3f8
		[]byte{0x6e},             // outsb
		hlt,
	), machine.Config{Console: &console})

	step(t, m) // outsb, stops at hlt

	if console.Len() != 0 {
		t.Errorf("console %q, want nothing", console.String())
	}

	if got := rip(t, c); got != entry+4 {
		t.Errorf("rip %#x, want %#x", got, entry+4)
	}
}

func TestPalettePassthrough(t *testing.T) {
	t.Parallel()

	m, c := running(t, code(hlt, hlt, hlt), machine.Config{})

	// 0x3c8 traps. Scripted exits let the register file be set between
	// the accesses.
	c.QueueExit(sim.Exit{
		Reason:            uint32(vmx.ExitIOInstruction),
		Qualification:     uint64(0x3c8) << vmx.IOQualPortShift,
		InstructionLength: 1,
	})
	c.QueueExit(sim.Exit{
		Reason:            uint32(vmx.ExitIOInstruction),
		Qualification:     uint64(0x3c8)<<vmx.IOQualPortShift | vmx.IOQualIn,
		InstructionLength: 1,
	})

	step(t, m) // hlt, then the scripted out

	c.SetGuestRegs(vmx.Regs{RAX: 0x107})
	step(t, m) // out 0x3c8, then the scripted in

	want := sim.PortAccess{Port: 0x3c8, Size: 1, Value: 0x07, Out: true}
	if accesses := c.PortLog(); len(accesses) != 1 || accesses[0] != want {
		t.Fatalf("host port log %+v, want [%+v]", accesses, want)
	}

	step(t, m) // in 0x3c8 is write-only

	if got := c.GuestRegs().RAX; got != 0x1ff {
		t.Errorf("rax %#x, want 0x1ff", got)
	}
}

// recorder is a device on an allow-listed port, reached only through
// scripted exits.
type recorder struct {
	port    uint64
	written []byte
	value   byte
}

func (r *recorder) Read(_ uint64, data []byte) error {
	data[0] = r.value

	return nil
}

func (r *recorder) Write(_ uint64, data []byte) error {
	r.written = append(r.written, data...)

	return nil
}

func (r *recorder) IOPort() uint64 { return r.port }
func (r *recorder) Size() uint64   { return 1 }

func TestAllowListedPortDispatch(t *testing.T) {
	t.Parallel()

	m, c := running(t, code(hlt, hlt, hlt), machine.Config{})

	dev := &recorder{port: 0x3c0, value: 0x5a}
	if err := m.Bus().Register(dev); err != nil {
		t.Fatal(err)
	}

	c.QueueExit(sim.Exit{
		Reason:            uint32(vmx.ExitIOInstruction),
		Qualification:     uint64(0x3c0) << vmx.IOQualPortShift,
		InstructionLength: 1,
	})
	c.QueueExit(sim.Exit{
		Reason:            uint32(vmx.ExitIOInstruction),
		Qualification:     uint64(0x3c0)<<vmx.IOQualPortShift | vmx.IOQualIn,
		InstructionLength: 1,
	})

	step(t, m) // hlt, then the scripted out

	c.SetGuestRegs(vmx.Regs{RAX: 0x1234})
	step(t, m) // out 0x3c0, then the scripted in

	if len(dev.written) != 1 || dev.written[0] != 0x34 {
		t.Errorf("device got %#x, want [0x34]", dev.written)
	}

	c.SetGuestRegs(vmx.Regs{RAX: 0xabcd})
	step(t, m) // in 0x3c0

	if got := c.GuestRegs().RAX; got != 0xab5a {
		t.Errorf("rax %#x, want 0xab5a", got)
	}

	if accesses := c.PortLog(); len(accesses) != 0 {
		t.Errorf("host ports touched: %+v", accesses)
	}
}

func TestMSR(t *testing.T) {
	t.Parallel()

	m, c := running(t, code(
		[]byte{0xb9, 0x74, 0x01}, // mov cx, IA32_SYSENTER_CS
		[]byte{0x0f, 0x32},       // rdmsr
		hlt,
		[]byte{0xb9, 0x75, 0x01}, // mov cx, IA32_SYSENTER_ESP
		[]byte{0xb8, 0x78, 0x56}, // mov ax, 0x5678
		[]byte{0xba, 0x34, 0x12}, // mov dx, 0x1234
		[]byte{0x0f, 0x30},       // wrmsr
		hlt,
	), machine.Config{})

	step(t, m) // rdmsr, stops at hlt

	if r := c.GuestRegs(); r.RAX != 0x10 || r.RDX != 0 {
		t.Errorf("rdmsr edx:eax = %#x:%#x, want 0:0x10", r.RDX, r.RAX)
	}

	step(t, m) // hlt
	step(t, m) // wrmsr, stops at hlt

	if v, _ := c.ReadMSR(vmx.MSRSysenterESP); v != 0x1234_0000_5678 {
		t.Errorf("IA32_SYSENTER_ESP %#x, want 0x123400005678", v)
	}

	if got := rip(t, c); got != entry+17 {
		t.Errorf("rip %#x, want %#x", got, entry+17)
	}
}

func TestGuestFaultHalts(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name   string
		code   []byte
		vector uint8
		mnem   string
	}{
		{"invalid opcode", code(ud2, hlt), vmx.VectorInvalidOpcode, "#UD"},
		{"divide", code([]byte{0x31, 0xc0, 0xf6, 0xf0}, hlt), vmx.VectorDivideError, "#DE"},
	} {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			m, _ := running(t, test.code, machine.Config{})

			ok, err := m.RunOnce()
			if ok {
				t.Fatal("guest resumed after a fault")
			}

			var f *machine.GuestFault
			if !errors.As(err, &f) {
				t.Fatalf("err %v, want GuestFault", err)
			}

			if f.Vector != test.vector || f.Name() != test.mnem {
				t.Errorf("fault %v %s, want %d %s", f.Vector, f.Name(), test.vector, test.mnem)
			}

			if m.State() != machine.Halted || m.Active() {
				t.Errorf("state %v active %v", m.State(), m.Active())
			}

			if ok, err := m.RunOnce(); ok || err != nil {
				t.Errorf("RunOnce after halt = %v, %v", ok, err)
			}
		})
	}
}

func TestUnknownExitResumes(t *testing.T) {
	t.Parallel()

	c := sim.New(sim.Config{VMX: true})
	c.QueueExit(sim.Exit{Reason: uint32(vmx.ExitVMCALL), InstructionLength: 3})

	m := newMachine(t, c, hlt, machine.Config{})
	if ok, err := m.InitVirtualization(); !ok || err != nil {
		t.Fatal(ok, err)
	}

	step(t, m)

	if m.Stats().Unknown() != 1 || m.Stats().Exits(vmx.ExitVMCALL) != 1 {
		t.Errorf("unknown %d, vmcall %d", m.Stats().Unknown(), m.Stats().Exits(vmx.ExitVMCALL))
	}

	// The guest ran from where it was; nothing was skipped.
	if got := rip(t, c); got != entry {
		t.Errorf("rip %#x, want %#x", got, entry)
	}
}

func TestTerminalExitHalts(t *testing.T) {
	t.Parallel()

	for _, r := range []vmx.ExitReason{vmx.ExitTripleFault, vmx.ExitEPTViolation, vmx.ExitEPTMisconfig} {
		r := r

		t.Run(r.String(), func(t *testing.T) {
			t.Parallel()

			m, c := running(t, hlt, machine.Config{})
			c.QueueExit(sim.Exit{Reason: uint32(r)})

			step(t, m)

			ok, err := m.RunOnce()
			if ok || !errors.Is(err, machine.ErrGuestTerminated) {
				t.Fatalf("RunOnce() = %v, %v, want ErrGuestTerminated", ok, err)
			}

			if m.State() != machine.Halted {
				t.Errorf("state %v", m.State())
			}
		})
	}
}

func TestRunInfiniteLoop(t *testing.T) {
	t.Parallel()

	t.Run("max exits", func(t *testing.T) {
		t.Parallel()

		// hlt; jmp $-1
		m, c := running(t, code(hlt, []byte{0xeb, 0xfd}), machine.Config{MaxExits: 5})

		if err := m.RunInfiniteLoop(); err != nil {
			t.Fatal(err)
		}

		if n := m.Stats().Exits(vmx.ExitHLT); n != 5 {
			t.Errorf("%d HLT exits, want 5", n)
		}

		if c.Resumes() != 5 || m.State() != machine.Trapped {
			t.Errorf("resumes %d state %v", c.Resumes(), m.State())
		}
	})

	t.Run("halted", func(t *testing.T) {
		t.Parallel()

		m, _ := running(t, code(hlt, cpuidI, ud2), machine.Config{})

		var f *machine.GuestFault
		if err := m.RunInfiniteLoop(); !errors.As(err, &f) {
			t.Fatalf("err %v, want GuestFault", err)
		}

		if f.RIP != entry+3 {
			t.Errorf("fault at %#x, want %#x", f.RIP, entry+3)
		}

		if got := m.Stats().Total(); got != 3 {
			t.Errorf("%d exits, want 3", got)
		}
	})
}

func TestLaunchFailure(t *testing.T) {
	t.Parallel()

	c := sim.New(sim.Config{VMX: true})
	m := newMachine(t, c, hlt, machine.Config{Host: vmcs.Host{Stack: 0x800000}})

	ok, err := m.InitVirtualization()
	if ok || !errors.Is(err, vmx.ErrLaunchFailure) {
		t.Fatalf("InitVirtualization() = %v, %v, want ErrLaunchFailure", ok, err)
	}

	var ie *vmx.InstructionError
	if !errors.As(err, &ie) || ie.Number != vmx.ErrNumInvalidHostState {
		t.Errorf("err %v, want VM-instruction error %d", err, vmx.ErrNumInvalidHostState)
	}

	if m.State() != machine.Halted || m.Active() {
		t.Errorf("state %v active %v", m.State(), m.Active())
	}
}

func TestInvalidGuestState(t *testing.T) {
	t.Parallel()

	c := sim.New(sim.Config{VMX: true})
	g := vmcs.RealModeSnapshot(entry)
	g.CR0 |= vmx.CR0PG // paging without protection

	m := newMachine(t, c, hlt, machine.Config{Guest: g})

	if ok, err := m.InitVirtualization(); ok || !errors.Is(err, vmx.ErrLaunchFailure) {
		t.Fatalf("InitVirtualization() = %v, %v, want ErrLaunchFailure", ok, err)
	}
}

func TestSetupFailure(t *testing.T) {
	t.Parallel()

	t.Run("no EPT", func(t *testing.T) {
		t.Parallel()

		c := sim.New(sim.Config{VMX: true})
		c.SetMSR(vmx.MSRVMXProcBased2, 0)

		m := newMachine(t, c, hlt, machine.Config{})

		if ok, err := m.InitVirtualization(); ok || !errors.Is(err, vmx.ErrSetupFailure) {
			t.Fatalf("InitVirtualization() = %v, %v, want ErrSetupFailure", ok, err)
		}

		if c.Launches() != 0 {
			t.Error("launched without a configured structure")
		}
	})

	t.Run("arena exhausted", func(t *testing.T) {
		t.Parallel()

		c := sim.New(sim.Config{VMX: true})

		// Room for the VMXON region and the VMCS, not for the EPT.
		region, err := c.Arena().Bytes(sim.ArenaBase, 2*memory.PageSize)
		if err != nil {
			t.Fatal(err)
		}

		small, err := memory.FromRegion(region, sim.ArenaBase)
		if err != nil {
			t.Fatal(err)
		}

		m := newMachine(t, c, hlt, machine.Config{Arena: small})

		if ok, err := m.InitVirtualization(); ok || !errors.Is(err, vmx.ErrSetupFailure) {
			t.Fatalf("InitVirtualization() = %v, %v, want ErrSetupFailure", ok, err)
		}
	})
}

func TestRunOnceBeforeLaunch(t *testing.T) {
	t.Parallel()

	m := newMachine(t, sim.New(sim.Config{VMX: true}), hlt, machine.Config{})

	if ok, err := m.RunOnce(); ok || err == nil {
		t.Errorf("RunOnce() = %v, %v, want an error", ok, err)
	}

	if err := m.Launch(); !errors.Is(err, vmx.ErrLaunchFailure) {
		t.Errorf("Launch() = %v, want ErrLaunchFailure", err)
	}
}

func TestTrace(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	c := sim.New(sim.Config{VMX: true})
	m := newMachine(t, c, code(cpuidI, hlt), machine.Config{
		Trace:  true,
		Memory: c,
		Logger: log.New(&out, "", 0),
	})

	if ok, err := m.InitVirtualization(); !ok || err != nil {
		t.Fatal(ok, err)
	}

	inst, pc, asm, err := m.Inst()
	if err != nil {
		t.Fatal(err)
	}

	if inst.Op != x86asm.CPUID || pc != entry || asm != "cpuid" {
		t.Errorf("Inst() = %v, %#x, %q", inst.Op, pc, asm)
	}

	if got := machine.Asm(inst, pc); got != `"cpuid"` {
		t.Errorf("Asm() = %s", got)
	}

	step(t, m)

	if !strings.Contains(out.String(), `CPUID at 0x7c00 "cpuid"`) {
		t.Errorf("trace output %q", out.String())
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	for s, want := range map[machine.State]string{
		machine.Stopped:  "Stopped",
		machine.Running:  "Running",
		machine.Trapped:  "Trapped",
		machine.Resuming: "Resuming",
		machine.Halted:   "Halted",
		machine.State(9): "State(9)",
	} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
