package sim_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/govmx/sim"
	"github.com/bobuhiro11/govmx/vmcs"
	"github.com/bobuhiro11/govmx/vmx"
)

const entry = vmcs.ReferenceEntry

// launchable returns a processor with a configured, loaded VMCS and code
// placed at the guest entry point.
func launchable(t *testing.T, cfg sim.Config, code []byte) *sim.CPU {
	t.Helper()

	cfg.VMX = true
	c := sim.New(cfg)

	if err := vmx.Enable(c); err != nil {
		t.Fatal(err)
	}

	capability, err := vmx.Query(c, vmx.Detect(c))
	if err != nil {
		t.Fatal(err)
	}

	m := vmcs.NewManager(c, c.Arena(), capability)
	if err := m.EnterRoot(); err != nil {
		t.Fatal(err)
	}

	s, err := m.Allocate()
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Load(s); err != nil {
		t.Fatal(err)
	}

	if err := m.Configure(s, vmcs.RealModeSnapshot(entry), vmcs.Host{Entry: 0x401000, Stack: 0x800000}); err != nil {
		t.Fatal(err)
	}

	if err := c.LoadGuest(entry, code); err != nil {
		t.Fatal(err)
	}

	return c
}

func field(t *testing.T, c *sim.CPU, f vmx.Field) uint64 {
	t.Helper()

	v, err := c.ReadField(f)
	if err != nil {
		t.Fatal(err)
	}

	return v
}

func TestGuestExits(t *testing.T) {
	t.Parallel()

	valid := uint64(vmx.InterruptionValid | vmx.InterruptionHWException<<vmx.InterruptionTypeShift)

	for _, test := range []struct {
		name   string
		code   []byte
		reason vmx.ExitReason
		qual   uint64
		length uint64
		rip    uint64
		intr   uint64
	}{
		{
			name:   "cpuid",
			code:   []byte{0x0f, 0xa2},
			reason: vmx.ExitCPUID,
			length: 2,
			rip:    entry,
		},
		{
			name:   "hlt after nops",
			code:   []byte{0x90, 0x90, 0xf4},
			reason: vmx.ExitHLT,
			length: 1,
			rip:    entry + 2,
		},
		{
			name:   "out dx, al to com1",
			code:   []byte{0xba, 0xf8, 0x03, 0xb0, 0x41, 0xee},
			reason: vmx.ExitIOInstruction,
			qual:   0x3f8 << vmx.IOQualPortShift,
			length: 1,
			rip:    entry + 5,
		},
		{
			name:   "in al, imm8",
			code:   []byte{0xe4, 0x60},
			reason: vmx.ExitIOInstruction,
			qual:   0x60<<vmx.IOQualPortShift | vmx.IOQualIn | vmx.IOQualImmediate,
			length: 2,
			rip:    entry,
		},
		{
			name:   "in ax, dx",
			code:   []byte{0xba, 0xfd, 0x03, 0xed},
			reason: vmx.ExitIOInstruction,
			qual:   0x3fd<<vmx.IOQualPortShift | vmx.IOQualIn | 1,
			length: 1,
			rip:    entry + 3,
		},
		{
			name:   "rdmsr",
			code:   []byte{0x66, 0xb9, 0x3a, 0x00, 0x00, 0x00, 0x0f, 0x32},
			reason: vmx.ExitRDMSR,
			length: 2,
			rip:    entry + 6,
		},
		{
			name:   "wrmsr",
			code:   []byte{0x0f, 0x30},
			reason: vmx.ExitWRMSR,
			length: 2,
			rip:    entry,
		},
		{
			name:   "ud2",
			code:   []byte{0x0f, 0x0b},
			reason: vmx.ExitExceptionOrNMI,
			rip:    entry,
			intr:   valid | vmx.VectorInvalidOpcode,
		},
		{
			name:   "divide by zero",
			code:   []byte{0x31, 0xc9, 0xf6, 0xf1},
			reason: vmx.ExitExceptionOrNMI,
			rip:    entry + 2,
			intr:   valid | vmx.VectorDivideError,
		},
	} {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			c := launchable(t, sim.Config{}, test.code)

			if err := c.EnterGuest(); err != nil {
				t.Fatal(err)
			}

			if got := vmx.ExitReason(field(t, c, vmx.ExitReasonField)); got != test.reason {
				t.Fatalf("exit reason = %v, want %v", got, test.reason)
			}

			if got := field(t, c, vmx.ExitQualification); got != test.qual {
				t.Errorf("qualification = %#x, want %#x", got, test.qual)
			}

			if got := field(t, c, vmx.ExitInstructionLength); test.length != 0 && got != test.length {
				t.Errorf("instruction length = %d, want %d", got, test.length)
			}

			if got := field(t, c, vmx.GuestRIP); got != test.rip {
				t.Errorf("rip = %#x, want %#x", got, test.rip)
			}

			if got := field(t, c, vmx.ExitInterruptionInfo); got != test.intr {
				t.Errorf("interruption info = %#x, want %#x", got, test.intr)
			}
		})
	}
}

func TestAllowedPortReachesHost(t *testing.T) {
	t.Parallel()

	// mov dx, 0x3c4; mov al, 1; out dx, al; hlt
	c := launchable(t, sim.Config{}, []byte{0xba, 0xc4, 0x03, 0xb0, 0x01, 0xee, 0xf4})

	if err := c.EnterGuest(); err != nil {
		t.Fatal(err)
	}

	if got := vmx.ExitReason(field(t, c, vmx.ExitReasonField)); got != vmx.ExitHLT {
		t.Fatalf("exit reason = %v", got)
	}

	log := c.PortLog()
	if len(log) != 1 {
		t.Fatalf("port log = %+v", log)
	}

	if want := (sim.PortAccess{Port: 0x3c4, Size: 1, Value: 1, Out: true}); log[0] != want {
		t.Fatalf("port access = %+v, want %+v", log[0], want)
	}
}

func TestRegisterFileSurvivesExit(t *testing.T) {
	t.Parallel()

	// mov ax, 0x1234; mov bl, 0x56; mov bh, 0x78; cpuid
	c := launchable(t, sim.Config{}, []byte{0xb8, 0x34, 0x12, 0xb3, 0x56, 0xb7, 0x78, 0x0f, 0xa2})

	if err := c.EnterGuest(); err != nil {
		t.Fatal(err)
	}

	r := c.GuestRegs()
	if r.RAX != 0x1234 || r.RBX != 0x7856 {
		t.Fatalf("rax = %#x, rbx = %#x", r.RAX, r.RBX)
	}

	if r.RSP != entry {
		t.Fatalf("rsp = %#x", r.RSP)
	}
}

func TestUnbitmappedExceptionIsTripleFault(t *testing.T) {
	t.Parallel()

	c := launchable(t, sim.Config{}, []byte{0x0f, 0x0b})

	if err := c.WriteField(vmx.ExceptionBitmap, 0); err != nil {
		t.Fatal(err)
	}

	if err := c.EnterGuest(); err != nil {
		t.Fatal(err)
	}

	if got := vmx.ExitReason(field(t, c, vmx.ExitReasonField)); got != vmx.ExitTripleFault {
		t.Fatalf("exit reason = %v", got)
	}
}

func TestStepLimit(t *testing.T) {
	t.Parallel()

	c := launchable(t, sim.Config{StepLimit: 10}, []byte{0xeb, 0xfe})

	if err := c.EnterGuest(); err != nil {
		t.Fatal(err)
	}

	if got := vmx.ExitReason(field(t, c, vmx.ExitReasonField)); got != vmx.ExitExternalInterrupt {
		t.Fatalf("exit reason = %v", got)
	}

	if c.Steps() != 10 {
		t.Fatalf("steps = %d", c.Steps())
	}
}

func TestLaunchAndResumeState(t *testing.T) {
	t.Parallel()

	c := launchable(t, sim.Config{}, []byte{0xf4, 0xf4})

	var ie *vmx.InstructionError

	if err := c.ResumeGuest(); !errors.As(err, &ie) || ie.Number != vmx.ErrNumResumeNonLaunched {
		t.Fatalf("resume before launch: %v", err)
	}

	if err := c.EnterGuest(); err != nil {
		t.Fatal(err)
	}

	if err := c.EnterGuest(); !errors.As(err, &ie) || ie.Number != vmx.ErrNumLaunchNonClear {
		t.Fatalf("second launch: %v", err)
	}

	if err := c.WriteField(vmx.GuestRIP, entry+1); err != nil {
		t.Fatal(err)
	}

	if err := c.ResumeGuest(); err != nil {
		t.Fatal(err)
	}

	if c.Launches() != 1 || c.Resumes() != 1 {
		t.Fatalf("launches = %d, resumes = %d", c.Launches(), c.Resumes())
	}
}

func TestEntryChecks(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name  string
		field vmx.Field
		value uint64
		want  uint32
	}{
		{"malformed EPT pointer", vmx.EPTPointer, 0x1000 | 0x36, vmx.ErrNumInvalidControls},
		{"misaligned I/O bitmap", vmx.IOBitmapA, sim.ArenaBase + 0x10, vmx.ErrNumInvalidControls},
		{"forbidden control", vmx.PinBasedControls, 0, vmx.ErrNumInvalidControls},
		{"missing host RIP", vmx.HostRIP, 0, vmx.ErrNumInvalidHostState},
	} {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			c := launchable(t, sim.Config{}, []byte{0xf4})

			if err := c.WriteField(test.field, test.value); err != nil {
				t.Fatal(err)
			}

			var ie *vmx.InstructionError

			if err := c.EnterGuest(); !errors.As(err, &ie) || ie.Number != test.want {
				t.Fatalf("EnterGuest() = %v, want VM-instruction error %d", err, test.want)
			}

			if got := field(t, c, vmx.InstructionErrorField); got != uint64(test.want) {
				t.Fatalf("instruction error field = %d", got)
			}
		})
	}
}

func TestInvalidGuestStateExits(t *testing.T) {
	t.Parallel()

	c := launchable(t, sim.Config{}, []byte{0xf4})

	if err := c.WriteField(vmx.VMCSLinkPointer, 0); err != nil {
		t.Fatal(err)
	}

	if err := c.EnterGuest(); err != nil {
		t.Fatal(err)
	}

	want := uint64(vmx.ExitInvalidGuestState) | vmx.ExitEntryFailure
	if got := field(t, c, vmx.ExitReasonField); got != want {
		t.Fatalf("exit reason = %#x, want %#x", got, want)
	}
}

func TestQueuedExit(t *testing.T) {
	t.Parallel()

	c := launchable(t, sim.Config{}, []byte{0xf4})
	c.QueueExit(sim.Exit{Reason: 55, InstructionLength: 3})

	if err := c.EnterGuest(); err != nil {
		t.Fatal(err)
	}

	if got := field(t, c, vmx.ExitReasonField); got != 55 {
		t.Fatalf("exit reason = %d", got)
	}

	if c.Steps() != 0 {
		t.Fatal("guest ran before a queued exit")
	}
}

func TestVMXInstructionChecks(t *testing.T) {
	t.Parallel()

	c := sim.New(sim.Config{VMX: true})

	page, err := c.Arena().Alloc()
	if err != nil {
		t.Fatal(err)
	}

	if err := c.VMXOn(page.Phys); err == nil {
		t.Fatal("VMXON succeeded with CR4.VMXE clear")
	}

	if err := vmx.Enable(c); err != nil {
		t.Fatal(err)
	}

	if err := c.VMXOn(page.Phys); !errors.Is(err, vmx.ErrFailInvalid) {
		t.Fatalf("VMXON with a bad revision: %v", err)
	}

	page.Buf[0] = sim.DefaultRevision

	if err := c.VMXOn(page.Phys); err != nil {
		t.Fatal(err)
	}

	region, err := c.Arena().Alloc()
	if err != nil {
		t.Fatal(err)
	}

	if err := c.VMPtrLoad(region.Phys); !errors.Is(err, vmx.ErrFailInvalid) {
		t.Fatalf("VMPTRLD with a bad revision: %v", err)
	}

	region.Buf[0] = sim.DefaultRevision

	if err := c.VMPtrLoad(region.Phys + 8); !errors.Is(err, vmx.ErrFailInvalid) {
		t.Fatalf("VMPTRLD of a misaligned region: %v", err)
	}

	if err := c.VMPtrLoad(region.Phys); err != nil {
		t.Fatal(err)
	}

	var ie *vmx.InstructionError

	if err := c.WriteField(vmx.ExitReasonField, 1); !errors.As(err, &ie) || ie.Number != vmx.ErrNumWriteReadOnly {
		t.Fatalf("write to a read-only field: %v", err)
	}

	if _, err := c.ReadField(vmx.Field(0x7fff)); !errors.As(err, &ie) || ie.Number != vmx.ErrNumUnsupportedComponent {
		t.Fatalf("read of an unknown field: %v", err)
	}

	if err := c.WriteField(vmx.GuestCSSelector, 0x12345); err != nil {
		t.Fatal(err)
	}

	if v, _ := c.ReadField(vmx.GuestCSSelector); v != 0x2345 {
		t.Fatalf("16-bit field holds %#x", v)
	}
}

func TestCPUIDAdvertisesVMX(t *testing.T) {
	t.Parallel()

	for _, supported := range []bool{false, true} {
		_, _, ecx, _ := sim.New(sim.Config{VMX: supported}).CPUID(1, 0)
		if got := ecx&vmx.CPUIDFeatureVMX != 0; got != supported {
			t.Errorf("VMX = %v, want %v", got, supported)
		}
	}
}
