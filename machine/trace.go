package machine

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/govmx/ept"
	"github.com/bobuhiro11/govmx/vmx"
	"golang.org/x/arch/x86/x86asm"
)

// ErrNoMemory means the context was given no way to read guest memory.
var ErrNoMemory = errors.New("guest memory not readable")

// maxInstLen is the longest x86 instruction.
const maxInstLen = 15

// Memory reads host-physical memory backing the guest.
type Memory interface {
	ept.PhysReader
	Bytes(phys uint64, n int) ([]byte, error)
}

// Inst decodes the guest instruction at CS:RIP, translating through the
// EPT. It returns the instruction, its linear address and GNU syntax.
func (m *Machine) Inst() (*x86asm.Inst, uint64, string, error) {
	if m.cfg.Memory == nil || m.structure == nil {
		return nil, 0, "", ErrNoMemory
	}

	var f [4]uint64

	for i, field := range []vmx.Field{vmx.GuestRIP, vmx.GuestCSBase, vmx.GuestCR0, vmx.GuestCSAccessRights} {
		v, err := m.manager.ReadField(field)
		if err != nil {
			return nil, 0, "", fmt.Errorf("Inst:%v:%w", field, err)
		}

		f[i] = v
	}

	rip, csBase, cr0, csAR := f[0], f[1], f[2], f[3]
	pc := csBase + rip

	mode := 16
	if cr0&vmx.CR0PE != 0 && csAR&(1<<14) != 0 {
		mode = 32
	}

	// Fetch up to the end of the page, which is as far as one translation
	// reaches.
	n := maxInstLen
	if left := int(0x1000 - pc&0xfff); left < n {
		n = left
	}

	mp, err := ept.Translate(m.cfg.Memory, m.structure.EPTPointer, pc)
	if err != nil {
		return nil, pc, "", fmt.Errorf("translating PC %#x:%w", pc, err)
	}

	insn, err := m.cfg.Memory.Bytes(mp.HPA, n)
	if err != nil {
		return nil, pc, "", fmt.Errorf("reading PC at %#x:%w", pc, err)
	}

	d, err := x86asm.Decode(insn, mode)
	if err != nil {
		return nil, pc, "", fmt.Errorf("decoding %#02x:%w", insn, err)
	}

	return &d, pc, x86asm.GNUSyntax(d, rip, nil), nil
}

// Asm formats d, decoded at pc, quoted for a log line.
func Asm(d *x86asm.Inst, pc uint64) string {
	return fmt.Sprintf("%q", x86asm.GNUSyntax(*d, pc, nil))
}

func (m *Machine) trace(ev ExitEvent) {
	d, pc, _, err := m.Inst()
	if err != nil {
		m.log.Printf("exit %d: %v at %#x (%v)", m.exits, ev, pc, err)

		return
	}

	m.log.Printf("exit %d: %v at %#x %s", m.exits, ev, pc, Asm(d, pc))
}
