// Package sim is a software VMX processor. It keeps VMCS state the way a
// processor caches it, applies the VM-entry checks, and runs a small
// real-mode or 32-bit guest by decoding its instructions, producing the same
// exits a VT-x processor would. It lets the core run end to end on hosts
// without VMX or without ring 0.
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/vmx"
)

var (
	errGP          = errors.New("general protection fault")
	errUD          = errors.New("invalid opcode")
	errUnknownMSR  = errors.New("unknown msr")
	errOutOfMemory = errors.New("physical address not backed")
)

const (
	// DefaultRAMSize is guest-visible RAM starting at physical address 0.
	DefaultRAMSize = 2 << 20

	// DefaultArenaSize is the region control structures are carved from.
	DefaultArenaSize = 64 * memory.PageSize

	// ArenaBase is the physical address of the control-structure arena,
	// outside what the EPT maps for the guest.
	ArenaBase = 0x1000_0000

	// DefaultStepLimit bounds the guest instructions run per entry before
	// the simulated timer interrupt forces an exit.
	DefaultStepLimit = 100000

	DefaultRevision = 0x12
)

// Config describes the simulated processor.
type Config struct {
	// VMX is reported in CPUID.1:ECX.
	VMX bool

	// FeatureControl is the initial IA32_FEATURE_CONTROL value.
	FeatureControl uint64

	Revision  uint32
	RAMSize   int
	ArenaSize int
	StepLimit int
}

// PortAccess is one port access that reached the host.
type PortAccess struct {
	Port  uint16
	Size  uint8
	Value uint32
	Out   bool
}

// Exit is a scripted VM exit delivered by the next entry.
type Exit struct {
	Reason            uint32
	Qualification     uint64
	InstructionLength uint64
	InterruptionInfo  uint64
}

// CPU implements vmx.CPU in software.
type CPU struct {
	cfg Config

	ram   *memory.Arena
	arena *memory.Arena

	msrs    map[uint32]uint64
	cr0     uint64
	cr4     uint64
	ports   map[uint16]uint32
	portLog []PortAccess

	root    bool
	vmxon   uint64
	vmcs    map[uint64]*vmcsState
	current *vmcsState

	regs  vmx.Regs
	queue []Exit

	launches int
	resumes  int
	steps    int
}

// New returns a processor in VMX-disabled state with zeroed RAM.
func New(cfg Config) *CPU {
	if cfg.RAMSize == 0 {
		cfg.RAMSize = DefaultRAMSize
	}

	if cfg.ArenaSize == 0 {
		cfg.ArenaSize = DefaultArenaSize
	}

	if cfg.StepLimit == 0 {
		cfg.StepLimit = DefaultStepLimit
	}

	if cfg.Revision == 0 {
		cfg.Revision = DefaultRevision
	}

	ram, err := memory.FromRegion(make([]byte, cfg.RAMSize), 0)
	if err != nil {
		panic(fmt.Sprintf("sim: ram size %#x: %v", cfg.RAMSize, err))
	}

	arena, err := memory.FromRegion(make([]byte, cfg.ArenaSize), ArenaBase)
	if err != nil {
		panic(fmt.Sprintf("sim: arena size %#x: %v", cfg.ArenaSize, err))
	}

	return &CPU{
		cfg:   cfg,
		ram:   ram,
		arena: arena,
		msrs:  defaultMSRs(cfg),
		cr0:   0x80050033,
		cr4:   0x003006f0,
		ports: map[uint16]uint32{},
		vmcs:  map[uint64]*vmcsState{},
	}
}

func defaultMSRs(cfg Config) map[uint32]uint64 {
	// Revision, 4 KiB regions, write-back, INS/OUTS exit information.
	basic := uint64(cfg.Revision&vmx.RevisionMask) | memory.PageSize<<32 | 6<<50 | 1<<54

	return map[uint32]uint64{
		vmx.MSRFeatureControl: cfg.FeatureControl,
		vmx.MSRSysenterCS:     0x10,
		vmx.MSRSysenterESP:    0,
		vmx.MSRSysenterEIP:    0,
		vmx.MSRVMXBasic:       basic,
		vmx.MSRVMXPinBased:    0x0000007f_00000016,
		vmx.MSRVMXProcBased:   0xfff9fffe_0401e172,
		vmx.MSRVMXExit:        0x003fffff_00036dff,
		vmx.MSRVMXEntry:       0x0000ffff_000011ff,
		vmx.MSRVMXMisc:        0,
		vmx.MSRVMXCR0Fixed0:   0x80000021,
		vmx.MSRVMXCR0Fixed1:   0xffffffff,
		vmx.MSRVMXCR4Fixed0:   0x00002000,
		vmx.MSRVMXCR4Fixed1:   0x003767ff,
		vmx.MSRVMXProcBased2:  0x000000ff_00000000,
		vmx.MSRVMXEPTVPIDCap:  0x00000f01_06114141,
		vmx.MSREFER:           0xd01,
		vmx.MSRFSBase:         0,
		vmx.MSRGSBase:         0,
	}
}

// Arena is the region control structures are allocated from.
func (c *CPU) Arena() *memory.Arena {
	return c.arena
}

// RAM is guest-visible memory at physical address 0.
func (c *CPU) RAM() []byte {
	b, _ := c.ram.Bytes(0, c.ram.Size())

	return b
}

// LoadGuest copies code into RAM at a guest-physical address.
func (c *CPU) LoadGuest(gpa uint64, code []byte) error {
	b, err := c.ram.Bytes(gpa, len(code))
	if err != nil {
		return fmt.Errorf("load guest at %#x: %w", gpa, err)
	}

	copy(b, code)

	return nil
}

// Bytes returns n bytes of host-physical memory.
func (c *CPU) Bytes(phys uint64, n int) ([]byte, error) {
	for _, a := range []*memory.Arena{c.ram, c.arena} {
		if a.Contains(phys, n) {
			return a.Bytes(phys, n)
		}
	}

	return nil, fmt.Errorf("%#x+%#x: %w", phys, n, errOutOfMemory)
}

// Uint64 reads a little-endian word of host-physical memory.
func (c *CPU) Uint64(phys uint64) (uint64, error) {
	b, err := c.Bytes(phys, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

// CPUID returns the identification of a recent Intel core.
func (c *CPU) CPUID(leaf, _ uint32) (uint32, uint32, uint32, uint32) {
	switch leaf {
	case 0:
		return 0xd, 0x756e6547, 0x6c65746e, 0x49656e69
	case 1:
		ecx := uint32(0x76fa3203)
		if c.cfg.VMX {
			ecx |= vmx.CPUIDFeatureVMX
		}

		return 0x000906ea, 0x00100800, ecx, 0xbfebfbff
	}

	return 0, 0, 0, 0
}

// SetMSR changes an MSR without the write checks, e.g. to model a
// capability the processor lacks.
func (c *CPU) SetMSR(index uint32, v uint64) {
	c.msrs[index] = v
}

func (c *CPU) ReadMSR(index uint32) (uint64, error) {
	v, ok := c.msrs[index]
	if !ok {
		return 0, fmt.Errorf("rdmsr %#x: %w", index, errUnknownMSR)
	}

	return v, nil
}

func (c *CPU) WriteMSR(index uint32, v uint64) error {
	old, ok := c.msrs[index]
	if !ok {
		return fmt.Errorf("wrmsr %#x: %w", index, errUnknownMSR)
	}

	switch {
	case index >= vmx.MSRVMXBasic && index <= vmx.MSRVMXEPTVPIDCap:
		return fmt.Errorf("wrmsr %#x: read-only: %w", index, errGP)
	case index == vmx.MSRFeatureControl && old&vmx.FeatureControlLocked != 0:
		return fmt.Errorf("wrmsr %#x: locked: %w", index, errGP)
	}

	c.msrs[index] = v

	return nil
}

func (c *CPU) ReadCR0() uint64 { return c.cr0 }

func (c *CPU) WriteCR0(v uint64) { c.cr0 = v }

func (c *CPU) ReadCR4() uint64 { return c.cr4 }

// WriteCR4 ignores an attempt to clear CR4.VMXE in VMX operation, which
// faults on hardware.
func (c *CPU) WriteCR4(v uint64) {
	if c.root && v&vmx.CR4VMXE == 0 {
		return
	}

	c.cr4 = v
}

// HostState is a 64-bit kernel context.
func (c *CPU) HostState() vmx.HostState {
	return vmx.HostState{
		CR0:         c.cr0,
		CR3:         0x1000,
		CR4:         c.cr4,
		CS:          0x10,
		SS:          0x18,
		TR:          0x40,
		TRBase:      0xfffffe0000003000,
		GDTRBase:    0xfffffe0000001000,
		IDTRBase:    0xfffffe0000000000,
		SysenterCS:  uint32(c.msrs[vmx.MSRSysenterCS]),
		SysenterESP: c.msrs[vmx.MSRSysenterESP],
		SysenterEIP: c.msrs[vmx.MSRSysenterEIP],
	}
}

// SetPort sets the value the host returns for reads of port.
func (c *CPU) SetPort(port uint16, v uint32) {
	c.ports[port] = v
}

// InPort reads a host port. Unset ports float high.
func (c *CPU) InPort(port uint16, size uint8) uint32 {
	v, ok := c.ports[port]
	if !ok {
		v = 0xffffffff
	}

	v &= sizeMask(size)
	c.portLog = append(c.portLog, PortAccess{Port: port, Size: size, Value: v})

	return v
}

// OutPort writes a host port.
func (c *CPU) OutPort(port uint16, size uint8, v uint32) {
	v &= sizeMask(size)
	c.ports[port] = v
	c.portLog = append(c.portLog, PortAccess{Port: port, Size: size, Value: v, Out: true})
}

// PortLog returns every access that reached the host ports.
func (c *CPU) PortLog() []PortAccess {
	return append([]PortAccess(nil), c.portLog...)
}

func (c *CPU) GuestRegs() vmx.Regs { return c.regs }

func (c *CPU) SetGuestRegs(r vmx.Regs) { c.regs = r }

// QueueExit schedules an exit that the next VMLAUNCH or VMRESUME delivers
// without running the guest.
func (c *CPU) QueueExit(e Exit) {
	c.queue = append(c.queue, e)
}

// Launches counts successful VMLAUNCH instructions.
func (c *CPU) Launches() int { return c.launches }

// Resumes counts successful VMRESUME instructions.
func (c *CPU) Resumes() int { return c.resumes }

// Steps counts guest instructions executed.
func (c *CPU) Steps() int { return c.steps }

// InRoot reports whether VMXON has succeeded.
func (c *CPU) InRoot() bool { return c.root }

func sizeMask(size uint8) uint32 {
	switch size {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	}

	return 0xffffffff
}
