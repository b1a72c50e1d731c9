package vmx

// Regs is the guest general-purpose register file. VMX does not keep these
// in the VMCS; the exit stub saves them and the entry stub restores them.
type Regs struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RSP uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// HostState is the processor state restored on every VM exit.
type HostState struct {
	CR0, CR3, CR4 uint64

	CS, SS, DS, ES, FS, GS, TR uint16

	FSBase, GSBase, TRBase uint64
	GDTRBase, IDTRBase     uint64

	SysenterCS  uint32
	SysenterESP uint64
	SysenterEIP uint64
}

// FieldAccessor reads and writes fields of the current VMCS.
type FieldAccessor interface {
	ReadField(f Field) (uint64, error)
	WriteField(f Field, v uint64) error
}

// PortIO performs real port I/O on the host.
type PortIO interface {
	InPort(port uint16, size uint8) uint32
	OutPort(port uint16, size uint8, value uint32)
}

// CPU is every privileged operation the core needs. A hardware
// implementation lives in package hw and a software one in package sim.
type CPU interface {
	FieldAccessor
	PortIO

	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
	ReadMSR(index uint32) (uint64, error)
	WriteMSR(index uint32, value uint64) error
	ReadCR0() uint64
	WriteCR0(v uint64)
	ReadCR4() uint64
	WriteCR4(v uint64)
	HostState() HostState

	VMXOn(phys uint64) error
	VMClear(phys uint64) error
	VMPtrLoad(phys uint64) error

	GuestRegs() Regs
	SetGuestRegs(r Regs)

	// EnterGuest executes VMLAUNCH and returns at the next VM exit.
	EnterGuest() error
	// ResumeGuest executes VMRESUME and returns at the next VM exit.
	ResumeGuest() error
}
