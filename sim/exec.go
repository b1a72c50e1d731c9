package sim

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/govmx/ept"
	"github.com/bobuhiro11/govmx/iobitmap"
	"github.com/bobuhiro11/govmx/vmx"
	"golang.org/x/arch/x86/x86asm"
)

// RFLAGS bits the interpreter maintains.
const (
	flagCF = 1 << 0
	flagZF = 1 << 6
	flagSF = 1 << 7
	flagIF = 1 << 9
)

const maxInstLen = 15

// EPT violation qualification bits.
const (
	eptRead  = 1 << 0
	eptWrite = 1 << 1
	eptFetch = 1 << 2
)

// Segment register indices into guest.sel and guest.base.
const (
	segES = iota
	segCS
	segSS
	segDS
	segFS
	segGS
)

//nolint:gochecknoglobals
var segRegs = map[x86asm.Reg]int{
	x86asm.ES: segES, x86asm.CS: segCS, x86asm.SS: segSS,
	x86asm.DS: segDS, x86asm.FS: segFS, x86asm.GS: segGS,
}

// guest is the architectural state the interpreter works on between an
// entry and the next exit. General-purpose registers live in CPU.regs.
type guest struct {
	v *vmcsState

	rip    uint64
	rflags uint64
	cr0    uint64
	mode   int

	sel  [6]uint16
	base [6]uint64
}

// exitInfo is what a VM exit records in the exit-information fields.
type exitInfo struct {
	reason uint32
	qual   uint64
	length uint64
	intr   uint64
	gpa    uint64
}

// fault is an exception raised by a guest instruction.
type fault struct {
	vector uint8
}

func (f *fault) Error() string {
	return fmt.Sprintf("guest exception %s", vmx.VectorName(f.vector))
}

// eptFault is a guest-physical access the EPT does not permit.
type eptFault struct {
	gpa    uint64
	access uint64
}

func (f *eptFault) Error() string {
	return fmt.Sprintf("ept violation at %#x", f.gpa)
}

//nolint:gochecknoglobals
var segFields = [6][2]vmx.Field{
	{vmx.GuestESSelector, vmx.GuestESBase},
	{vmx.GuestCSSelector, vmx.GuestCSBase},
	{vmx.GuestSSSelector, vmx.GuestSSBase},
	{vmx.GuestDSSelector, vmx.GuestDSBase},
	{vmx.GuestFSSelector, vmx.GuestFSBase},
	{vmx.GuestGSSelector, vmx.GuestGSBase},
}

func (c *CPU) load(v *vmcsState) *guest {
	g := &guest{
		v:      v,
		rip:    v.get(vmx.GuestRIP),
		rflags: v.get(vmx.GuestRFLAGS),
		cr0:    v.get(vmx.GuestCR0),
		mode:   16,
	}

	for i, f := range segFields {
		g.sel[i] = uint16(v.get(f[0]))
		g.base[i] = v.get(f[1])
	}

	// D/B bit of the code segment selects 32-bit default operand size.
	if g.cr0&vmx.CR0PE != 0 && v.get(vmx.GuestCSAccessRights)&(1<<14) != 0 {
		g.mode = 32
	}

	c.regs.RSP = v.get(vmx.GuestRSP)

	return g
}

func (c *CPU) store(g *guest) {
	v := g.v
	v.set(vmx.GuestRIP, g.rip)
	v.set(vmx.GuestRFLAGS, g.rflags)
	v.set(vmx.GuestRSP, c.regs.RSP)

	for i, f := range segFields {
		v.set(f[0], uint64(g.sel[i]))
		v.set(f[1], g.base[i])
	}
}

func (c *CPU) deliver(g *guest, e exitInfo) {
	c.store(g)

	v := g.v
	v.set(vmx.ExitReasonField, uint64(e.reason))
	v.set(vmx.ExitQualification, e.qual)
	v.set(vmx.ExitInstructionLength, e.length)
	v.set(vmx.ExitInterruptionInfo, e.intr)
	v.set(vmx.ExitInterruptionError, 0)
	v.set(vmx.GuestPhysicalAddress, e.gpa)
}

// run executes the guest until something causes a VM exit.
func (c *CPU) run(v *vmcsState) {
	g := c.load(v)

	if len(c.queue) > 0 {
		e := c.queue[0]
		c.queue = c.queue[1:]
		c.deliver(g, exitInfo{
			reason: e.Reason,
			qual:   e.Qualification,
			length: e.InstructionLength,
			intr:   e.InterruptionInfo,
		})

		return
	}

	for steps := 0; ; steps++ {
		if steps >= c.cfg.StepLimit {
			c.deliver(g, exitInfo{reason: uint32(vmx.ExitExternalInterrupt)})

			return
		}

		c.steps++

		e, exited, err := c.step(g)
		if err != nil {
			c.raise(g, err)

			return
		}

		if exited {
			c.deliver(g, e)

			return
		}
	}
}

// raise turns an instruction fault into the exit it causes: an exception
// exit if the vector is in the exception bitmap, an EPT violation, or a
// triple fault since the interpreter does not deliver events to the guest.
func (c *CPU) raise(g *guest, err error) {
	var (
		f  *fault
		ef *eptFault
	)

	switch {
	case errors.As(err, &ef):
		c.deliver(g, exitInfo{reason: uint32(vmx.ExitEPTViolation), qual: ef.access, gpa: ef.gpa})
	case errors.As(err, &f):
		if g.v.get(vmx.ExceptionBitmap)&(1<<f.vector) == 0 {
			c.deliver(g, exitInfo{reason: uint32(vmx.ExitTripleFault)})

			return
		}

		intr := uint64(vmx.InterruptionValid) |
			vmx.InterruptionHWException<<vmx.InterruptionTypeShift | uint64(f.vector)
		if f.vector == vmx.VectorGeneralProtection {
			intr |= vmx.InterruptionErrorCode
		}

		c.deliver(g, exitInfo{reason: uint32(vmx.ExitExceptionOrNMI), intr: intr})
	default:
		c.deliver(g, exitInfo{reason: uint32(vmx.ExitTripleFault)})
	}
}

// translate maps a guest-physical address to host-physical memory.
func (c *CPU) translate(g *guest, gpa uint64, access uint64) (uint64, error) {
	proc := g.v.get(vmx.ProcBasedControls)
	if proc&vmx.ProcActivateSecondary == 0 ||
		g.v.get(vmx.SecondaryProcControls)&vmx.Proc2EnableEPT == 0 {
		return gpa, nil
	}

	m, err := ept.Translate(c, g.v.get(vmx.EPTPointer), gpa)
	if err != nil {
		return 0, &eptFault{gpa: gpa, access: access}
	}

	need := uint64(ept.Read)

	switch access {
	case eptWrite:
		need = ept.Write
	case eptFetch:
		need = ept.Execute
	}

	if m.Perms&need == 0 {
		return 0, &eptFault{gpa: gpa, access: access}
	}

	return m.HPA, nil
}

// linear is the guest-physical address of seg:off. Guest paging is not
// modeled, so linear and guest-physical addresses coincide.
func (g *guest) linear(seg int, off uint64) uint64 {
	if g.mode == 16 {
		off &= 0xffff
	}

	return (g.base[seg] + off) & 0xffffffff
}

func (c *CPU) readGuest(g *guest, addr uint64, n int, access uint64) ([]byte, error) {
	out := make([]byte, n)

	for i := range out {
		hpa, err := c.translate(g, addr+uint64(i), access)
		if err != nil {
			return nil, err
		}

		b, err := c.Bytes(hpa, 1)
		if err != nil {
			return nil, &eptFault{gpa: addr + uint64(i), access: access}
		}

		out[i] = b[0]
	}

	return out, nil
}

func (c *CPU) writeGuest(g *guest, addr uint64, data []byte) error {
	for i, x := range data {
		hpa, err := c.translate(g, addr+uint64(i), eptWrite)
		if err != nil {
			return err
		}

		b, err := c.Bytes(hpa, 1)
		if err != nil {
			return &eptFault{gpa: addr + uint64(i), access: eptWrite}
		}

		b[0] = x
	}

	return nil
}

func (c *CPU) fetch(g *guest) (x86asm.Inst, error) {
	var code []byte

	for i := 0; i < maxInstLen; i++ {
		b, err := c.readGuest(g, g.linear(segCS, g.rip+uint64(i)), 1, eptFetch)
		if err != nil {
			if i == 0 {
				return x86asm.Inst{}, err
			}

			break
		}

		code = append(code, b[0])
	}

	inst, err := x86asm.Decode(code, g.mode)
	if err != nil {
		return x86asm.Inst{}, &fault{vector: vmx.VectorInvalidOpcode}
	}

	return inst, nil
}

// step executes one instruction. It reports the exit the instruction caused,
// if any; RIP is left at the instruction for exits and advanced otherwise.
func (c *CPU) step(g *guest) (exitInfo, bool, error) {
	inst, err := c.fetch(g)
	if err != nil {
		return exitInfo{}, false, err
	}

	length := uint64(inst.Len)
	ex := exitInfo{length: length}
	next := g.rip + length

	switch inst.Op {
	case x86asm.NOP:
	case x86asm.CLI:
		g.rflags &^= flagIF
	case x86asm.STI:
		g.rflags |= flagIF
	case x86asm.CPUID:
		ex.reason = uint32(vmx.ExitCPUID)

		return ex, true, nil
	case x86asm.HLT:
		if g.v.get(vmx.ProcBasedControls)&vmx.ProcHLTExiting != 0 {
			ex.reason = uint32(vmx.ExitHLT)

			return ex, true, nil
		}

		// Without HLT exiting the processor sleeps until the timer fires.
		g.rip = next

		return exitInfo{reason: uint32(vmx.ExitExternalInterrupt)}, true, nil
	case x86asm.IN, x86asm.OUT, x86asm.INSB, x86asm.INSW, x86asm.INSD,
		x86asm.OUTSB, x86asm.OUTSW, x86asm.OUTSD:
		return c.io(g, inst, ex)
	case x86asm.RDMSR, x86asm.WRMSR:
		return c.msr(g, inst, ex)
	case x86asm.MOV:
		if err := c.mov(g, inst); err != nil {
			return ex, false, err
		}
	case x86asm.ADD, x86asm.SUB, x86asm.CMP, x86asm.XOR, x86asm.AND, x86asm.OR:
		if err := c.alu(g, inst); err != nil {
			return ex, false, err
		}
	case x86asm.INC, x86asm.DEC:
		if err := c.incdec(g, inst); err != nil {
			return ex, false, err
		}
	case x86asm.DIV:
		if err := c.div(g, inst); err != nil {
			return ex, false, err
		}
	case x86asm.JMP, x86asm.JE, x86asm.JNE:
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return ex, false, &fault{vector: vmx.VectorInvalidOpcode}
		}

		taken := inst.Op == x86asm.JMP ||
			inst.Op == x86asm.JE && g.rflags&flagZF != 0 ||
			inst.Op == x86asm.JNE && g.rflags&flagZF == 0
		if taken {
			next += uint64(int64(rel))
		}
	default:
		return ex, false, &fault{vector: vmx.VectorInvalidOpcode}
	}

	g.rip = next
	if g.mode == 16 {
		g.rip &= 0xffff
	}

	return ex, false, nil
}

func (c *CPU) io(g *guest, inst x86asm.Inst, ex exitInfo) (exitInfo, bool, error) {
	var (
		port  uint16
		size  uint8
		in    bool
		str   bool
		imm   bool
		data  x86asm.Reg
		other x86asm.Arg
	)

	switch inst.Op {
	case x86asm.IN:
		in, other = true, inst.Args[1]
		data, _ = inst.Args[0].(x86asm.Reg)
	case x86asm.OUT:
		other = inst.Args[0]
		data, _ = inst.Args[1].(x86asm.Reg)
	case x86asm.INSB, x86asm.INSW, x86asm.INSD:
		in, str = true, true
	default:
		str = true
	}

	if str {
		size = uint8(inst.MemBytes)
		port = uint16(c.regs.RDX)
	} else {
		_, w := reg(data)
		if w == 0 || w == 8 {
			return ex, false, &fault{vector: vmx.VectorInvalidOpcode}
		}

		size = w

		switch a := other.(type) {
		case x86asm.Imm:
			port, imm = uint16(a), true
		default:
			port = uint16(c.regs.RDX)
		}
	}

	if c.ioTraps(g, port, size) {
		ex.reason = uint32(vmx.ExitIOInstruction)
		ex.qual = uint64(size-1) | uint64(port)<<vmx.IOQualPortShift
		if in {
			ex.qual |= vmx.IOQualIn
		}

		if str {
			ex.qual |= vmx.IOQualString

			for _, p := range inst.Prefix {
				if p == 0 {
					break
				}

				if p&0xff == x86asm.PrefixREP {
					ex.qual |= vmx.IOQualRep
				}
			}
		}

		if imm {
			ex.qual |= vmx.IOQualImmediate
		}

		return ex, true, nil
	}

	if str {
		// Only trapped string I/O is supported.
		return ex, false, &fault{vector: vmx.VectorInvalidOpcode}
	}

	if in {
		c.setReg(data, uint64(c.InPort(port, size)))
	} else {
		c.OutPort(port, size, uint32(c.getReg(data)))
	}

	g.rip += ex.length

	return ex, false, nil
}

func (c *CPU) ioTraps(g *guest, port uint16, size uint8) bool {
	proc := g.v.get(vmx.ProcBasedControls)
	if proc&vmx.ProcUseIOBitmaps != 0 {
		t, err := iobitmap.Lookup(c, g.v.get(vmx.IOBitmapA), g.v.get(vmx.IOBitmapB), port, size)

		return t || err != nil
	}

	return proc&vmx.ProcUnconditionalIOExit != 0
}

// msrTraps consults the MSR bitmap: read-low, read-high, write-low and
// write-high quarters of one page.
func (c *CPU) msrTraps(g *guest, index uint32, write bool) bool {
	if g.v.get(vmx.ProcBasedControls)&vmx.ProcUseMSRBitmaps == 0 {
		return true
	}

	var off uint64

	switch {
	case index <= 0x1fff:
	case index >= 0xc0000000 && index <= 0xc0001fff:
		off = 0x400
		index -= 0xc0000000
	default:
		return true
	}

	if write {
		off += 0x800
	}

	b, err := c.Bytes(g.v.get(vmx.MSRBitmap)+off+uint64(index>>3), 1)
	if err != nil {
		return true
	}

	return b[0]&(1<<(index&7)) != 0
}

func (c *CPU) msr(g *guest, inst x86asm.Inst, ex exitInfo) (exitInfo, bool, error) {
	index := uint32(c.regs.RCX)
	write := inst.Op == x86asm.WRMSR

	if c.msrTraps(g, index, write) {
		ex.reason = uint32(vmx.ExitRDMSR)
		if write {
			ex.reason = uint32(vmx.ExitWRMSR)
		}

		return ex, true, nil
	}

	if write {
		v := c.regs.RDX<<32 | c.regs.RAX&0xffffffff
		if err := c.WriteMSR(index, v); err != nil {
			return ex, false, &fault{vector: vmx.VectorGeneralProtection}
		}
	} else {
		v, err := c.ReadMSR(index)
		if err != nil {
			return ex, false, &fault{vector: vmx.VectorGeneralProtection}
		}

		c.regs.RAX, c.regs.RDX = v&0xffffffff, v>>32
	}

	g.rip += ex.length

	return ex, false, nil
}

// gpr maps an encoding index to its register.
func (c *CPU) gpr(i int) *uint64 {
	r := &c.regs

	return [16]*uint64{
		&r.RAX, &r.RCX, &r.RDX, &r.RBX, &r.RSP, &r.RBP, &r.RSI, &r.RDI,
		&r.R8, &r.R9, &r.R10, &r.R11, &r.R12, &r.R13, &r.R14, &r.R15,
	}[i]
}

// reg decodes a register operand into its encoding index, with the legacy
// high-byte registers reported as index+16, and its width in bytes.
func reg(r x86asm.Reg) (int, uint8) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return int(r - x86asm.AL), 1
	case r >= x86asm.AH && r <= x86asm.BH:
		return int(r-x86asm.AH) + 16, 1
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return int(r-x86asm.SPB) + 4, 1
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r - x86asm.AX), 2
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 4
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 8
	}

	return 0, 0
}

func widthMask(w uint8) uint64 {
	if w == 8 {
		return ^uint64(0)
	}

	return 1<<(8*uint(w)) - 1
}

func (c *CPU) getReg(r x86asm.Reg) uint64 {
	i, w := reg(r)

	shift := uint(0)
	if i >= 16 {
		i, shift = i-16, 8
	}

	return (*c.gpr(i) >> shift) & widthMask(w)
}

func (c *CPU) setReg(r x86asm.Reg, v uint64) {
	i, w := reg(r)

	shift := uint(0)
	if i >= 16 {
		i, shift = i-16, 8
	}

	p := c.gpr(i)
	m := widthMask(w) << shift
	*p = *p&^m | (v<<shift)&m
}

func (g *guest) effective(c *CPU, m x86asm.Mem, addrSize int) (int, uint64) {
	seg := segDS
	if m.Base == x86asm.BP || m.Base == x86asm.SP || m.Base == x86asm.EBP || m.Base == x86asm.ESP {
		seg = segSS
	}

	if s, ok := segRegs[m.Segment]; ok {
		seg = s
	}

	off := uint64(m.Disp)
	if m.Base != 0 {
		off += c.getReg(m.Base)
	}

	if m.Index != 0 {
		off += uint64(m.Scale) * c.getReg(m.Index)
	}

	if addrSize == 16 {
		off &= 0xffff
	}

	return seg, off & 0xffffffff
}

// operand reads an argument of the given width.
func (c *CPU) operand(g *guest, inst x86asm.Inst, a x86asm.Arg, w uint8) (uint64, error) {
	switch a := a.(type) {
	case x86asm.Reg:
		if s, ok := segRegs[a]; ok {
			return uint64(g.sel[s]), nil
		}

		if _, rw := reg(a); rw == 0 {
			return 0, &fault{vector: vmx.VectorInvalidOpcode}
		}

		return c.getReg(a), nil
	case x86asm.Imm:
		return uint64(a) & widthMask(w), nil
	case x86asm.Mem:
		seg, off := g.effective(c, a, inst.AddrSize)

		b, err := c.readGuest(g, g.linear(seg, off), int(w), eptRead)
		if err != nil {
			return 0, err
		}

		var buf [8]byte
		copy(buf[:], b)

		return binary.LittleEndian.Uint64(buf[:]), nil
	}

	return 0, &fault{vector: vmx.VectorInvalidOpcode}
}

// setOperand writes the destination argument.
func (c *CPU) setOperand(g *guest, inst x86asm.Inst, a x86asm.Arg, w uint8, v uint64) error {
	switch a := a.(type) {
	case x86asm.Reg:
		if s, ok := segRegs[a]; ok {
			if s == segCS || g.cr0&vmx.CR0PE != 0 {
				return &fault{vector: vmx.VectorGeneralProtection}
			}

			g.sel[s], g.base[s] = uint16(v), (v&0xffff)<<4

			return nil
		}

		if _, rw := reg(a); rw == 0 {
			return &fault{vector: vmx.VectorInvalidOpcode}
		}

		c.setReg(a, v)

		return nil
	case x86asm.Mem:
		seg, off := g.effective(c, a, inst.AddrSize)

		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)

		return c.writeGuest(g, g.linear(seg, off), buf[:w])
	}

	return &fault{vector: vmx.VectorInvalidOpcode}
}

// width is the operand size of an instruction: the destination register's
// width, else the memory operand size.
func width(inst x86asm.Inst) uint8 {
	if r, ok := inst.Args[0].(x86asm.Reg); ok {
		if _, ok := segRegs[r]; ok {
			return 2
		}

		if _, w := reg(r); w != 0 {
			return w
		}
	}

	if inst.MemBytes != 0 {
		return uint8(inst.MemBytes)
	}

	return uint8(inst.DataSize / 8)
}

func (c *CPU) mov(g *guest, inst x86asm.Inst) error {
	w := width(inst)

	v, err := c.operand(g, inst, inst.Args[1], w)
	if err != nil {
		return err
	}

	return c.setOperand(g, inst, inst.Args[0], w, v)
}

func (g *guest) setFlags(result uint64, w uint8, carry bool) {
	m := widthMask(w)
	g.rflags &^= flagCF | flagZF | flagSF

	if result&m == 0 {
		g.rflags |= flagZF
	}

	if result&(1<<(8*uint(w)-1)) != 0 {
		g.rflags |= flagSF
	}

	if carry {
		g.rflags |= flagCF
	}
}

func (c *CPU) alu(g *guest, inst x86asm.Inst) error {
	w := width(inst)
	m := widthMask(w)

	a, err := c.operand(g, inst, inst.Args[0], w)
	if err != nil {
		return err
	}

	b, err := c.operand(g, inst, inst.Args[1], w)
	if err != nil {
		return err
	}

	b &= m

	var (
		r     uint64
		carry bool
	)

	switch inst.Op {
	case x86asm.ADD:
		r = (a + b) & m
		carry = r < a
	case x86asm.SUB, x86asm.CMP:
		r = (a - b) & m
		carry = b > a
	case x86asm.XOR:
		r = a ^ b
	case x86asm.AND:
		r = a & b
	case x86asm.OR:
		r = a | b
	}

	g.setFlags(r, w, carry)

	if inst.Op == x86asm.CMP {
		return nil
	}

	return c.setOperand(g, inst, inst.Args[0], w, r)
}

func (c *CPU) incdec(g *guest, inst x86asm.Inst) error {
	w := width(inst)

	a, err := c.operand(g, inst, inst.Args[0], w)
	if err != nil {
		return err
	}

	r := a + 1
	if inst.Op == x86asm.DEC {
		r = a - 1
	}

	r &= widthMask(w)
	cf := g.rflags & flagCF // INC and DEC preserve CF
	g.setFlags(r, w, false)
	g.rflags |= cf

	return c.setOperand(g, inst, inst.Args[0], w, r)
}

func (c *CPU) div(g *guest, inst x86asm.Inst) error {
	w := width(inst)

	d, err := c.operand(g, inst, inst.Args[0], w)
	if err != nil {
		return err
	}

	if d == 0 {
		return &fault{vector: vmx.VectorDivideError}
	}

	m := widthMask(w)
	bits := 8 * uint(w)

	var dividend uint64

	switch w {
	case 1:
		dividend = c.regs.RAX & 0xffff
	case 2, 4:
		dividend = (c.regs.RDX&m)<<bits | c.regs.RAX&m
	default:
		return &fault{vector: vmx.VectorInvalidOpcode}
	}

	q, r := dividend/d, dividend%d
	if q > m {
		return &fault{vector: vmx.VectorDivideError}
	}

	switch w {
	case 1:
		c.setReg(x86asm.AL, q)
		c.setReg(x86asm.AH, r)
	case 2:
		c.setReg(x86asm.AX, q)
		c.setReg(x86asm.DX, r)
	case 4:
		c.setReg(x86asm.EAX, q)
		c.setReg(x86asm.EDX, r)
	}

	return nil
}
