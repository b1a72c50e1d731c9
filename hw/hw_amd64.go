//go:build amd64

package hw

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/bobuhiro11/govmx/cpuid"
	"github.com/bobuhiro11/govmx/vmx"
)

// Implemented in hw_amd64.s.
func rdmsr(index uint32) uint64
func wrmsr(index uint32, value uint64)
func readCR0() uint64
func writeCR0(v uint64)
func readCR3() uint64
func readCR4() uint64
func writeCR4(v uint64)
func selectors(s *[7]uint16)
func sgdt(p *[10]byte)
func sidt(p *[10]byte)
func inb(port uint16) uint8
func inw(port uint16) uint16
func inl(port uint16) uint32
func outb(port uint16, v uint8)
func outw(port uint16, v uint16)
func outl(port uint16, v uint32)
func vmxon(phys uint64) uint8
func vmclear(phys uint64) uint8
func vmptrld(phys uint64) uint8
func vmread(field uint64) (uint64, uint8)
func vmwrite(field, value uint64) uint8
func enter(regs *vmx.Regs, launch bool) uint8
func vmexit()

// CPU is the processor the program runs on. Every method except CPUID
// executes privileged instructions and faults outside ring 0. VMX state is
// per logical processor, so the caller stays on one OS thread.
type CPU struct {
	regs vmx.Regs
}

func New() (*CPU, error) {
	return &CPU{}, nil
}

func (c *CPU) CPUID(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuid.CPUIDIndexed(leaf, subleaf)
}

// ReadMSR executes RDMSR. An unimplemented index raises #GP, which a kernel
// without a fixup table cannot turn into an error.
func (c *CPU) ReadMSR(index uint32) (uint64, error) {
	return rdmsr(index), nil
}

func (c *CPU) WriteMSR(index uint32, v uint64) error {
	wrmsr(index, v)

	return nil
}

func (c *CPU) ReadCR0() uint64   { return readCR0() }
func (c *CPU) WriteCR0(v uint64) { writeCR0(v) }
func (c *CPU) ReadCR4() uint64   { return readCR4() }
func (c *CPU) WriteCR4(v uint64) { writeCR4(v) }

func (c *CPU) InPort(port uint16, size uint8) uint32 {
	switch size {
	case 1:
		return uint32(inb(port))
	case 2:
		return uint32(inw(port))
	}

	return inl(port)
}

func (c *CPU) OutPort(port uint16, size uint8, v uint32) {
	switch size {
	case 1:
		outb(port, uint8(v))
	case 2:
		outw(port, uint16(v))
	default:
		outl(port, v)
	}
}

// HostState reads the state the processor returns to on VM exit.
func (c *CPU) HostState() vmx.HostState {
	var (
		sel        [7]uint16
		gdtr, idtr [10]byte
	)

	selectors(&sel)
	sgdt(&gdtr)
	sidt(&idtr)

	gdt := binary.LittleEndian.Uint64(gdtr[2:])

	return vmx.HostState{
		CR0:         readCR0(),
		CR3:         readCR3(),
		CR4:         readCR4(),
		ES:          sel[0],
		CS:          sel[1],
		SS:          sel[2],
		DS:          sel[3],
		FS:          sel[4],
		GS:          sel[5],
		TR:          sel[6],
		FSBase:      rdmsr(vmx.MSRFSBase),
		GSBase:      rdmsr(vmx.MSRGSBase),
		TRBase:      tssBase(gdt, sel[6]),
		GDTRBase:    gdt,
		IDTRBase:    binary.LittleEndian.Uint64(idtr[2:]),
		SysenterCS:  uint32(rdmsr(vmx.MSRSysenterCS)),
		SysenterESP: rdmsr(vmx.MSRSysenterESP),
		SysenterEIP: rdmsr(vmx.MSRSysenterEIP),
	}
}

// tssBase reads the base of the 16-byte TSS descriptor tr selects. The GDT
// is addressed directly, which holds under the kernel's identity map.
func tssBase(gdt uint64, tr uint16) uint64 {
	if tr == 0 {
		return 0
	}

	d := (*[16]byte)(unsafe.Pointer(uintptr(gdt + uint64(tr&^7)))) //nolint:govet

	return DescriptorBase(d[:])
}

// status converts the flags a VMX instruction left into an error.
func (c *CPU) status(op string, s uint8) error {
	switch s {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%s: %w", op, vmx.ErrFailInvalid)
	}

	num, _ := vmread(uint64(vmx.InstructionErrorField))

	return &vmx.InstructionError{Op: op, Number: uint32(num)}
}

func (c *CPU) VMXOn(phys uint64) error { return c.status("vmxon", vmxon(phys)) }

func (c *CPU) VMClear(phys uint64) error { return c.status("vmclear", vmclear(phys)) }

func (c *CPU) VMPtrLoad(phys uint64) error { return c.status("vmptrld", vmptrld(phys)) }

func (c *CPU) ReadField(f vmx.Field) (uint64, error) {
	v, s := vmread(uint64(f))

	return v, c.status("vmread", s)
}

func (c *CPU) WriteField(f vmx.Field, v uint64) error {
	return c.status("vmwrite", vmwrite(uint64(f), v))
}

// GuestRegs returns the register file saved at the last exit. RSP comes
// from the VMCS.
func (c *CPU) GuestRegs() vmx.Regs {
	r := c.regs
	r.RSP, _ = c.ReadField(vmx.GuestRSP)

	return r
}

func (c *CPU) SetGuestRegs(r vmx.Regs) {
	c.regs = r
	_ = c.WriteField(vmx.GuestRSP, r.RSP)
}

// EnterGuest executes VMLAUNCH. The entry stub owns HostRSP and HostRIP and
// rewrites them on every entry.
func (c *CPU) EnterGuest() error {
	return c.status("vmlaunch", enter(&c.regs, true))
}

func (c *CPU) ResumeGuest() error {
	return c.status("vmresume", enter(&c.regs, false))
}
