// Completion: 90% - Encoder covers what the interpreter runs, no SIMD vector forms

// Package asm encodes A64 instructions into a byte buffer. It produces the
// guest code used by tests and by the CLI demo.
package asm

import (
	"encoding/binary"
	"fmt"
)

// General purpose register names
var gpRegs = map[string]uint32{
	"xzr": 31, "sp": 31, "fp": 29, "lr": 30,
	"wzr": 31,
}

// FP and SIMD register names
var fpRegs = map[string]uint32{}

func init() {
	for i := uint32(0); i < 31; i++ {
		gpRegs[fmt.Sprintf("x%d", i)] = i
		gpRegs[fmt.Sprintf("w%d", i)] = i
	}
	for i := uint32(0); i < 32; i++ {
		fpRegs[fmt.Sprintf("v%d", i)] = i
		fpRegs[fmt.Sprintf("d%d", i)] = i
		fpRegs[fmt.Sprintf("s%d", i)] = i
		fpRegs[fmt.Sprintf("q%d", i)] = i
	}
}

var condCodes = map[string]uint32{
	"eq": 0x0, "ne": 0x1, "cs": 0x2, "hs": 0x2, "cc": 0x3, "lo": 0x3,
	"mi": 0x4, "pl": 0x5, "vs": 0x6, "vc": 0x7, "hi": 0x8, "ls": 0x9,
	"ge": 0xa, "lt": 0xb, "gt": 0xc, "le": 0xd, "al": 0xe,
}

// Builder accumulates encoded instructions. The first error sticks and
// every later call becomes a no-op, so a sequence can be checked once.
type Builder struct {
	buf []byte
	err error
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{}
}

// Bytes returns the encoded code.
func (b *Builder) Bytes() []byte { return b.buf }

// Len is the current offset in bytes.
func (b *Builder) Len() int32 { return int32(len(b.buf)) }

// Err returns the first encoding error.
func (b *Builder) Err() error { return b.err }

// Word emits a raw instruction or data word.
func (b *Builder) Word(w uint32) *Builder {
	if b.err == nil {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], w)
		b.buf = append(b.buf, tmp[:]...)
	}
	return b
}

// Quad emits a 64-bit literal.
func (b *Builder) Quad(v uint64) *Builder {
	return b.Word(uint32(v)).Word(uint32(v >> 32))
}

func (b *Builder) fail(format string, args ...any) *Builder {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
	return b
}

func (b *Builder) gp(names ...string) ([]uint32, bool) {
	out := make([]uint32, len(names))
	for i, n := range names {
		r, ok := gpRegs[n]
		if !ok {
			b.fail("invalid ARM64 register: %s", n)
			return nil, false
		}
		out[i] = r
	}
	return out, true
}

func (b *Builder) fp(names ...string) ([]uint32, bool) {
	out := make([]uint32, len(names))
	for i, n := range names {
		r, ok := fpRegs[n]
		if !ok {
			b.fail("invalid ARM64 FP register: %s", n)
			return nil, false
		}
		out[i] = r
	}
	return out, true
}

// sf returns the size bit for a register name: w registers are 32-bit.
func sf(name string) uint32 {
	if name != "" && name[0] == 'w' {
		return 0
	}
	return 1 << 31
}

// ftype returns the scalar type bits for an FP register name.
func ftype(name string) uint32 {
	if name != "" && name[0] == 's' {
		return 0
	}
	return 1 << 22
}

// rrr emits a three register form: base | Rm<<16 | Rn<<5 | Rd.
func (b *Builder) rrr(base uint32, dest, op1, op2 string) *Builder {
	r, ok := b.gp(dest, op1, op2)
	if !ok {
		return b
	}
	return b.Word(base | sf(dest) | r[2]<<16 | r[1]<<5 | r[0])
}

func (b *Builder) frrr(base uint32, dest, op1, op2 string) *Builder {
	r, ok := b.fp(dest, op1, op2)
	if !ok {
		return b
	}
	return b.Word(base | ftype(dest) | r[2]<<16 | r[1]<<5 | r[0])
}

func (b *Builder) frr(base uint32, dest, src string) *Builder {
	r, ok := b.fp(dest, src)
	if !ok {
		return b
	}
	return b.Word(base | ftype(dest) | r[1]<<5 | r[0])
}

// Arithmetic

// AddImm emits ADD Rd, Rn, #imm.
func (b *Builder) AddImm(dest, src string, imm uint32) *Builder {
	return b.addSubImm(0x11000000, dest, src, imm)
}

// SubImm emits SUB Rd, Rn, #imm.
func (b *Builder) SubImm(dest, src string, imm uint32) *Builder {
	return b.addSubImm(0x51000000, dest, src, imm)
}

// CmpImm emits CMP Rn, #imm.
func (b *Builder) CmpImm(reg string, imm uint32) *Builder {
	zr := "xzr"
	if sf(reg) == 0 {
		zr = "wzr"
	}
	return b.addSubImm(0x71000000, zr, reg, imm)
}

func (b *Builder) addSubImm(base uint32, dest, src string, imm uint32) *Builder {
	r, ok := b.gp(dest, src)
	if !ok {
		return b
	}
	switch {
	case imm <= 0xfff:
	case imm&0xfff == 0 && imm>>12 <= 0xfff:
		base |= 1 << 22
		imm >>= 12
	default:
		return b.fail("immediate value out of range: %d", imm)
	}
	return b.Word(base | sf(dest) | imm<<10 | r[1]<<5 | r[0])
}

func (b *Builder) AddReg(dest, op1, op2 string) *Builder { return b.rrr(0x0b000000, dest, op1, op2) }
func (b *Builder) SubReg(dest, op1, op2 string) *Builder { return b.rrr(0x4b000000, dest, op1, op2) }
func (b *Builder) AndReg(dest, op1, op2 string) *Builder { return b.rrr(0x0a000000, dest, op1, op2) }
func (b *Builder) OrrReg(dest, op1, op2 string) *Builder { return b.rrr(0x2a000000, dest, op1, op2) }
func (b *Builder) EorReg(dest, op1, op2 string) *Builder { return b.rrr(0x4a000000, dest, op1, op2) }
func (b *Builder) UDiv(dest, op1, op2 string) *Builder   { return b.rrr(0x1ac00800, dest, op1, op2) }
func (b *Builder) SDiv(dest, op1, op2 string) *Builder   { return b.rrr(0x1ac00c00, dest, op1, op2) }
func (b *Builder) Lsl(dest, op1, op2 string) *Builder    { return b.rrr(0x1ac02000, dest, op1, op2) }
func (b *Builder) Lsr(dest, op1, op2 string) *Builder    { return b.rrr(0x1ac02400, dest, op1, op2) }
func (b *Builder) Asr(dest, op1, op2 string) *Builder    { return b.rrr(0x1ac02800, dest, op1, op2) }

// Mul emits MADD Rd, Rn, Rm, ZR.
func (b *Builder) Mul(dest, op1, op2 string) *Builder {
	return b.rrr(0x1b007c00, dest, op1, op2)
}

// CmpReg emits CMP Rn, Rm.
func (b *Builder) CmpReg(op1, op2 string) *Builder {
	zr := "xzr"
	if sf(op1) == 0 {
		zr = "wzr"
	}
	return b.rrr(0x6b000000, zr, op1, op2)
}

// Mov emits MOV Rd, Rm. Moves to or from sp use ADD #0.
func (b *Builder) Mov(dest, src string) *Builder {
	if dest == "sp" || src == "sp" {
		return b.AddImm(dest, src, 0)
	}
	zr := "xzr"
	if sf(dest) == 0 {
		zr = "wzr"
	}
	return b.OrrReg(dest, zr, src)
}

// MovImm loads a 64-bit constant with MOVZ and up to three MOVKs.
func (b *Builder) MovImm(dest string, imm uint64) *Builder {
	r, ok := b.gp(dest)
	if !ok {
		return b
	}
	b.Word(0xd2800000 | uint32(imm&0xffff)<<5 | r[0])
	for hw := uint32(1); hw < 4; hw++ {
		chunk := uint32(imm >> (16 * hw) & 0xffff)
		if chunk != 0 {
			b.Word(0xf2800000 | hw<<21 | chunk<<5 | r[0])
		}
	}
	return b
}

// Csel emits CSEL Rd, Rn, Rm, cond.
func (b *Builder) Csel(dest, op1, op2, cond string) *Builder {
	c, ok := condCodes[cond]
	if !ok {
		return b.fail("invalid condition code: %s", cond)
	}
	return b.rrr(0x1a800000|c<<12, dest, op1, op2)
}

// Cset emits CSET Rd, cond (CSINC Rd, ZR, ZR, invert(cond)).
func (b *Builder) Cset(dest, cond string) *Builder {
	c, ok := condCodes[cond]
	if !ok {
		return b.fail("invalid condition code: %s", cond)
	}
	zr := "xzr"
	if sf(dest) == 0 {
		zr = "wzr"
	}
	return b.rrr(0x1a800400|(c^1)<<12, dest, zr, zr)
}

// Branches. Offsets are in bytes, relative to the branch itself.

func checkBranch(offset int32, bits uint) (uint32, error) {
	if offset%4 != 0 {
		return 0, fmt.Errorf("branch offset must be word-aligned: %d", offset)
	}
	imm := offset >> 2
	if imm < -(1<<(bits-1)) || imm >= 1<<(bits-1) {
		return 0, fmt.Errorf("branch offset out of range: %d", offset)
	}
	return uint32(imm) & (1<<bits - 1), nil
}

// B emits an unconditional branch.
func (b *Builder) B(offset int32) *Builder {
	imm, err := checkBranch(offset, 26)
	if err != nil {
		return b.fail("%v", err)
	}
	return b.Word(0x14000000 | imm)
}

// BL emits a branch with link.
func (b *Builder) BL(offset int32) *Builder {
	imm, err := checkBranch(offset, 26)
	if err != nil {
		return b.fail("%v", err)
	}
	return b.Word(0x94000000 | imm)
}

// BCond emits B.cond.
func (b *Builder) BCond(cond string, offset int32) *Builder {
	c, ok := condCodes[cond]
	if !ok {
		return b.fail("invalid condition code: %s", cond)
	}
	imm, err := checkBranch(offset, 19)
	if err != nil {
		return b.fail("%v", err)
	}
	return b.Word(0x54000000 | imm<<5 | c)
}

// Cbz emits CBZ Rt, label.
func (b *Builder) Cbz(reg string, offset int32) *Builder {
	return b.cb(0x34000000, reg, offset)
}

// Cbnz emits CBNZ Rt, label.
func (b *Builder) Cbnz(reg string, offset int32) *Builder {
	return b.cb(0x35000000, reg, offset)
}

func (b *Builder) cb(base uint32, reg string, offset int32) *Builder {
	r, ok := b.gp(reg)
	if !ok {
		return b
	}
	imm, err := checkBranch(offset, 19)
	if err != nil {
		return b.fail("%v", err)
	}
	return b.Word(base | sf(reg) | imm<<5 | r[0])
}

func (b *Builder) branchReg(base uint32, reg string) *Builder {
	r, ok := b.gp(reg)
	if !ok {
		return b
	}
	return b.Word(base | r[0]<<5)
}

func (b *Builder) Br(reg string) *Builder  { return b.branchReg(0xd61f0000, reg) }
func (b *Builder) Blr(reg string) *Builder { return b.branchReg(0xd63f0000, reg) }

// Ret emits RET, returning through lr unless a register is named.
func (b *Builder) Ret(reg ...string) *Builder {
	if len(reg) == 0 {
		return b.branchReg(0xd65f0000, "lr")
	}
	return b.branchReg(0xd65f0000, reg[0])
}

func (b *Builder) Nop() *Builder { return b.Word(0xd503201f) }

// Loads and stores

// memSize returns the size field and access width for a register name.
func memSize(name string) (size uint32, width int32, vec bool) {
	switch name[0] {
	case 'w':
		return 2, 4, false
	case 's':
		return 2, 4, true
	case 'd':
		return 3, 8, true
	case 'q':
		return 0, 16, true
	default:
		return 3, 8, false
	}
}

func (b *Builder) transferReg(name string) (uint32, bool) {
	_, _, vec := memSize(name)
	var r []uint32
	var ok bool
	if vec {
		r, ok = b.fp(name)
	} else {
		r, ok = b.gp(name)
	}
	if !ok {
		return 0, false
	}
	return r[0], true
}

// ldst emits LDR/STR with an unsigned scaled offset, falling back to the
// unscaled LDUR/STUR form for negative or unaligned offsets.
func (b *Builder) ldst(load bool, reg, base string, offset int32) *Builder {
	rt, ok := b.transferReg(reg)
	if !ok {
		return b
	}
	rn, ok := b.gp(base)
	if !ok {
		return b
	}
	size, width, vec := memSize(reg)
	opc := uint32(0)
	if load {
		opc = 1
	}
	if width == 16 {
		opc |= 2
	}
	word := size<<30 | opc<<22 | rn[0]<<5 | rt
	if vec {
		word |= 1 << 26
	}
	if offset >= 0 && offset%width == 0 && offset/width < 1<<12 {
		return b.Word(0x39000000 | word | uint32(offset/width)<<10)
	}
	if offset < -256 || offset > 255 {
		return b.fail("load/store offset out of range: %d", offset)
	}
	return b.Word(0x38000000 | word | (uint32(offset)&0x1ff)<<12)
}

// Ldr emits LDR reg, [base, #offset]. The register name picks the width.
func (b *Builder) Ldr(reg, base string, offset int32) *Builder {
	return b.ldst(true, reg, base, offset)
}

// Str emits STR reg, [base, #offset].
func (b *Builder) Str(reg, base string, offset int32) *Builder {
	return b.ldst(false, reg, base, offset)
}

// Strb emits STRB Wt, [base, #offset].
func (b *Builder) Strb(src, base string, offset int32) *Builder {
	r, ok := b.gp(src, base)
	if !ok {
		return b
	}
	if offset < 0 || offset >= 4096 {
		return b.fail("STRB offset out of range: %d", offset)
	}
	return b.Word(0x39000000 | uint32(offset)<<10 | r[1]<<5 | r[0])
}

// Ldrb emits LDRB Wt, [base, #offset].
func (b *Builder) Ldrb(dest, base string, offset int32) *Builder {
	r, ok := b.gp(dest, base)
	if !ok {
		return b
	}
	if offset < 0 || offset >= 4096 {
		return b.fail("LDRB offset out of range: %d", offset)
	}
	return b.Word(0x39400000 | uint32(offset)<<10 | r[1]<<5 | r[0])
}

// LdrLiteral emits LDR Xt, label.
func (b *Builder) LdrLiteral(dest string, offset int32) *Builder {
	r, ok := b.gp(dest)
	if !ok {
		return b
	}
	imm, err := checkBranch(offset, 19)
	if err != nil {
		return b.fail("LDR literal: %v", err)
	}
	return b.Word(0x58000000 | imm<<5 | r[0])
}

// Pair addressing modes
type PairMode uint32

const (
	Offset    PairMode = 2 << 23
	PreIndex  PairMode = 3 << 23
	PostIndex PairMode = 1 << 23
)

func (b *Builder) pair(load bool, mode PairMode, r1, r2, base string, offset int32) *Builder {
	_, width, vec := memSize(r1)
	var regs []uint32
	var ok bool
	if vec {
		regs, ok = b.fp(r1, r2)
	} else {
		regs, ok = b.gp(r1, r2)
	}
	if !ok {
		return b
	}
	rn, ok := b.gp(base)
	if !ok {
		return b
	}
	if offset%width != 0 {
		return b.fail("pair offset not %d-byte aligned: %d", width, offset)
	}
	imm7 := offset / width
	if imm7 < -64 || imm7 >= 64 {
		return b.fail("pair offset out of range: %d", offset)
	}
	var opc uint32
	switch {
	case vec && width == 4:
		opc = 0
	case vec && width == 8:
		opc = 1
	case vec:
		opc = 2
	case width == 4:
		opc = 0
	default:
		opc = 2
	}
	word := 0x28000000 | opc<<30 | uint32(mode) | (uint32(imm7)&0x7f)<<15 | regs[1]<<10 | rn[0]<<5 | regs[0]
	if vec {
		word |= 1 << 26
	}
	if load {
		word |= 1 << 22
	}
	return b.Word(word)
}

// Stp emits STP r1, r2, [base, #offset] in the given addressing mode.
func (b *Builder) Stp(mode PairMode, r1, r2, base string, offset int32) *Builder {
	return b.pair(false, mode, r1, r2, base, offset)
}

// Ldp emits LDP r1, r2, [base, #offset] in the given addressing mode.
func (b *Builder) Ldp(mode PairMode, r1, r2, base string, offset int32) *Builder {
	return b.pair(true, mode, r1, r2, base, offset)
}

// Prologue emits the usual frame setup: stp fp, lr, [sp, #-frame]!; mov fp, sp.
func (b *Builder) Prologue(frame int32) *Builder {
	return b.Stp(PreIndex, "fp", "lr", "sp", -frame).AddImm("fp", "sp", 0)
}

// Epilogue undoes Prologue and returns.
func (b *Builder) Epilogue(frame int32) *Builder {
	return b.Ldp(PostIndex, "fp", "lr", "sp", frame).Ret()
}

// Scalar floating point. s registers select single precision, d double.

func (b *Builder) Fadd(dest, op1, op2 string) *Builder { return b.frrr(0x1e202800, dest, op1, op2) }
func (b *Builder) Fsub(dest, op1, op2 string) *Builder { return b.frrr(0x1e203800, dest, op1, op2) }
func (b *Builder) Fmul(dest, op1, op2 string) *Builder { return b.frrr(0x1e200800, dest, op1, op2) }
func (b *Builder) Fdiv(dest, op1, op2 string) *Builder { return b.frrr(0x1e201800, dest, op1, op2) }
func (b *Builder) Fsqrt(dest, src string) *Builder     { return b.frr(0x1e21c000, dest, src) }
func (b *Builder) Fabs(dest, src string) *Builder      { return b.frr(0x1e20c000, dest, src) }
func (b *Builder) Fneg(dest, src string) *Builder      { return b.frr(0x1e214000, dest, src) }
func (b *Builder) Fmov(dest, src string) *Builder      { return b.frr(0x1e204000, dest, src) }

// Fmadd emits FMADD Dd, Dn, Dm, Da (d = n*m + a).
func (b *Builder) Fmadd(dest, op1, op2, acc string) *Builder {
	r, ok := b.fp(dest, op1, op2, acc)
	if !ok {
		return b
	}
	return b.Word(0x1f000000 | ftype(dest) | r[2]<<16 | r[3]<<10 | r[1]<<5 | r[0])
}

// Fcmp emits FCMP Dn, Dm.
func (b *Builder) Fcmp(op1, op2 string) *Builder {
	r, ok := b.fp(op1, op2)
	if !ok {
		return b
	}
	return b.Word(0x1e202000 | ftype(op1) | r[1]<<16 | r[0]<<5)
}

// Fcvt converts between s and d registers.
func (b *Builder) Fcvt(dest, src string) *Builder {
	r, ok := b.fp(dest, src)
	if !ok {
		return b
	}
	opc := uint32(1) << 15 // to double
	if dest[0] == 's' {
		opc = 0
	}
	return b.Word(0x1e224000 | ftype(src) | opc | r[1]<<5 | r[0])
}

// Scvtf converts a signed integer register to floating point.
func (b *Builder) Scvtf(dest, src string) *Builder {
	return b.fpInt(0x1e220000, dest, src, true)
}

// Ucvtf converts an unsigned integer register to floating point.
func (b *Builder) Ucvtf(dest, src string) *Builder {
	return b.fpInt(0x1e230000, dest, src, true)
}

// Fcvtzs converts floating point to a signed integer, rounding to zero.
func (b *Builder) Fcvtzs(dest, src string) *Builder {
	return b.fpInt(0x1e380000, dest, src, false)
}

// FmovToGP moves raw bits from an FP register to a general register.
func (b *Builder) FmovToGP(dest, src string) *Builder {
	return b.fpInt(0x1e260000, dest, src, false)
}

// FmovFromGP moves raw bits from a general register to an FP register.
func (b *Builder) FmovFromGP(dest, src string) *Builder {
	return b.fpInt(0x1e270000, dest, src, true)
}

func (b *Builder) fpInt(base uint32, dest, src string, toFP bool) *Builder {
	fpName, gpName := dest, src
	if !toFP {
		fpName, gpName = src, dest
	}
	f, ok := b.fp(fpName)
	if !ok {
		return b
	}
	g, ok := b.gp(gpName)
	if !ok {
		return b
	}
	word := base | sf(gpName) | ftype(fpName)
	if toFP {
		return b.Word(word | g[0]<<5 | f[0])
	}
	return b.Word(word | f[0]<<5 | g[0])
}
