// Completion: 95% - Integer and branch subset complete, no SIMD vector ops
package cpu

import (
	"math/bits"
)

// execute runs one instruction. It advances the PC unless the instruction
// branched, and reports a halt for faults and unsupported encodings.
func (c *Interpreter) execute(insn uint32) (Halt, bool) {
	switch {
	// Data processing, immediate
	case insn&0x1F800000 == 0x11000000:
		c.addSubImm(insn)
	case insn&0x1F800000 == 0x12000000:
		if !c.logicalImm(insn) {
			return c.undefined(insn)
		}
	case insn&0x1F800000 == 0x12800000:
		if !c.moveWide(insn) {
			return c.undefined(insn)
		}
	case insn&0x1F800000 == 0x13000000:
		if !c.bitfield(insn) {
			return c.undefined(insn)
		}
	case insn&0x1F000000 == 0x10000000:
		c.adr(insn)

	// Branches
	case insn&0x7C000000 == 0x14000000:
		return c.branchImm(insn)
	case insn&0xFF000010 == 0x54000000:
		return c.branchCond(insn)
	case insn&0x7E000000 == 0x34000000:
		return c.compareBranch(insn)
	case insn&0x7E000000 == 0x36000000:
		return c.testBranch(insn)
	case insn&0xFFFFFC1F == 0xD61F0000, insn&0xFFFFFC1F == 0xD63F0000, insn&0xFFFFFC1F == 0xD65F0000:
		return c.branchReg(insn)
	case insn&0xFFFFF01F == 0xD503201F:
		// hints: NOP, BTI, PACIASP and friends
	case insn&0xFFFFF0FF == 0xD503309F, insn&0xFFFFF0FF == 0xD50330BF, insn&0xFFFFF0FF == 0xD50330DF:
		// DSB, DMB, ISB: single core, nothing to order

	// Data processing, register
	case insn&0x1F000000 == 0x0A000000:
		c.logicalReg(insn)
	case insn&0x1F200000 == 0x0B000000:
		if !c.addSubShifted(insn) {
			return c.undefined(insn)
		}
	case insn&0x1F200000 == 0x0B200000:
		c.addSubExtended(insn)
	case insn&0x1FE00000 == 0x1A800000:
		if !c.condSelect(insn) {
			return c.undefined(insn)
		}
	case insn&0x1FE00010 == 0x1A400000:
		c.condCompare(insn)
	case insn&0x5FE00000 == 0x5AC00000:
		if !c.dataProc1(insn) {
			return c.undefined(insn)
		}
	case insn&0x5FE00000 == 0x1AC00000:
		if !c.dataProc2(insn) {
			return c.undefined(insn)
		}
	case insn&0x1F000000 == 0x1B000000:
		if !c.dataProc3(insn) {
			return c.undefined(insn)
		}

	// Loads and stores
	case insn&0x3A000000 == 0x28000000:
		return c.loadStorePair(insn)
	case insn&0x3B000000 == 0x39000000:
		return c.loadStoreUnsigned(insn)
	case insn&0x3B200000 == 0x38000000:
		return c.loadStoreImm9(insn)
	case insn&0x3B200C00 == 0x38200800:
		return c.loadStoreRegOffset(insn)
	case insn&0x3B000000 == 0x18000000:
		return c.loadLiteral(insn)

	// Scalar floating point and the few SIMD moves compilers emit for it
	case insn&0x5F000000 == 0x1E000000, insn&0xFF000000 == 0x1F000000,
		insn&0xBFE0FC00 == 0x0EA01C00, insn&0x9FF8FC00 == 0x2F00E400:
		if !c.floatingPoint(insn) {
			return c.undefined(insn)
		}

	default:
		return c.undefined(insn)
	}
	c.regs.pc += 4
	return Halt{}, false
}

func ones(n uint) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return 1<<n - 1
}

func signExtend(v uint64, width uint) uint64 {
	shift := 64 - width
	return uint64(int64(v<<shift) >> shift)
}

func truncate(v uint64, is64 bool) uint64 {
	if is64 {
		return v
	}
	return v & 0xffffffff
}

// addWithCarry computes x+y+carry and the resulting NZCV flags.
func addWithCarry(x, y, carry uint64, is64 bool) (uint64, uint64) {
	var res, n, z, cf, v uint64
	if is64 {
		sum, c1 := bits.Add64(x, y, carry)
		res = sum
		cf = c1
		v = ((x ^ res) & (y ^ res)) >> 63
		n = res >> 63
	} else {
		x32, y32 := x&0xffffffff, y&0xffffffff
		full := x32 + y32 + carry
		res = full & 0xffffffff
		cf = full >> 32
		v = ((x32 ^ res) & (y32 ^ res) >> 31) & 1
		n = res >> 31
	}
	if res == 0 {
		z = 1
	}
	return res, n<<31 | z<<30 | cf<<29 | v<<28
}

func (c *Interpreter) addSub(x, y uint64, sub, setFlags, is64 bool) uint64 {
	carry := uint64(0)
	if sub {
		y = ^y
		if !is64 {
			y &= 0xffffffff
		}
		carry = 1
	}
	res, flags := addWithCarry(x, y, carry, is64)
	if setFlags {
		c.regs.nzcv = flags
	}
	return res
}

func (c *Interpreter) addSubImm(insn uint32) {
	is64 := insn>>31 == 1
	sub := insn>>30&1 == 1
	setFlags := insn>>29&1 == 1
	imm := uint64(insn >> 10 & 0xfff)
	if insn>>22&1 == 1 {
		imm <<= 12
	}
	rn, rd := insn>>5&31, insn&31
	res := c.addSub(truncate(c.xsp(rn), is64), imm, sub, setFlags, is64)
	if setFlags {
		c.setx(rd, res)
	} else {
		c.setxsp(rd, res)
	}
}

func shiftValue(v uint64, kind, amount uint32, is64 bool) uint64 {
	size := uint32(32)
	if is64 {
		size = 64
	}
	amount %= size
	v = truncate(v, is64)
	switch kind {
	case 0:
		v <<= amount
	case 1:
		v >>= amount
	case 2:
		if is64 {
			v = uint64(int64(v) >> amount)
		} else {
			v = uint64(uint32(int32(uint32(v)) >> amount))
		}
	case 3:
		if is64 {
			v = bits.RotateLeft64(v, -int(amount))
		} else {
			v = uint64(bits.RotateLeft32(uint32(v), -int(amount)))
		}
	}
	return truncate(v, is64)
}

func (c *Interpreter) addSubShifted(insn uint32) bool {
	is64 := insn>>31 == 1
	shift := insn >> 22 & 3
	if shift == 3 {
		return false
	}
	rm, rn, rd := insn>>16&31, insn>>5&31, insn&31
	op2 := shiftValue(c.xr(rm), shift, insn>>10&63, is64)
	res := c.addSub(truncate(c.xr(rn), is64), op2, insn>>30&1 == 1, insn>>29&1 == 1, is64)
	c.setx(rd, res)
	return true
}

func extendValue(v uint64, option, shift uint32) uint64 {
	switch option {
	case 0:
		v &= 0xff
	case 1:
		v &= 0xffff
	case 2:
		v &= 0xffffffff
	case 4:
		v = signExtend(v&0xff, 8)
	case 5:
		v = signExtend(v&0xffff, 16)
	case 6:
		v = signExtend(v&0xffffffff, 32)
	}
	return v << shift
}

func (c *Interpreter) addSubExtended(insn uint32) {
	is64 := insn>>31 == 1
	setFlags := insn>>29&1 == 1
	rm, rn, rd := insn>>16&31, insn>>5&31, insn&31
	op2 := truncate(extendValue(c.xr(rm), insn>>13&7, insn>>10&7), is64)
	res := c.addSub(truncate(c.xsp(rn), is64), op2, insn>>30&1 == 1, setFlags, is64)
	if setFlags {
		c.setx(rd, res)
	} else {
		c.setxsp(rd, res)
	}
}

// decodeLogicalImm expands the N:immr:imms bitmask immediate.
func decodeLogicalImm(n, immr, imms uint32, is64 bool) (uint64, bool) {
	combined := n<<6 | (^imms & 0x3f)
	if combined == 0 {
		return 0, false
	}
	length := uint(bits.Len32(combined)) - 1
	if length < 1 || (!is64 && n == 1) {
		return 0, false
	}
	esize := uint(1) << length
	levels := uint32(esize - 1)
	s, r := imms&levels, immr&levels
	if s == levels {
		return 0, false
	}
	elem := ones(uint(s) + 1)
	if r != 0 {
		elem = (elem>>r | elem<<(esize-uint(r))) & ones(esize)
	}
	datasize := uint(32)
	if is64 {
		datasize = 64
	}
	var out uint64
	for i := uint(0); i < datasize; i += esize {
		out |= elem << i
	}
	return truncate(out, is64), true
}

func (c *Interpreter) logic(opc uint32, a, b uint64, is64 bool) uint64 {
	var res uint64
	switch opc {
	case 0, 3:
		res = a & b
	case 1:
		res = a | b
	case 2:
		res = a ^ b
	}
	res = truncate(res, is64)
	if opc == 3 {
		var n, z uint64
		if is64 {
			n = res >> 63
		} else {
			n = res >> 31
		}
		if res == 0 {
			z = 1
		}
		c.regs.nzcv = n<<31 | z<<30
	}
	return res
}

func (c *Interpreter) logicalImm(insn uint32) bool {
	is64 := insn>>31 == 1
	opc := insn >> 29 & 3
	imm, ok := decodeLogicalImm(insn>>22&1, insn>>16&63, insn>>10&63, is64)
	if !ok {
		return false
	}
	rn, rd := insn>>5&31, insn&31
	res := c.logic(opc, truncate(c.xr(rn), is64), imm, is64)
	if opc == 3 {
		c.setx(rd, res)
	} else {
		c.setxsp(rd, res)
	}
	return true
}

func (c *Interpreter) logicalReg(insn uint32) {
	is64 := insn>>31 == 1
	opc := insn >> 29 & 3
	rm, rn, rd := insn>>16&31, insn>>5&31, insn&31
	op2 := shiftValue(c.xr(rm), insn>>22&3, insn>>10&63, is64)
	if insn>>21&1 == 1 {
		op2 = truncate(^op2, is64)
	}
	c.setx(rd, c.logic(opc, truncate(c.xr(rn), is64), op2, is64))
}

func (c *Interpreter) moveWide(insn uint32) bool {
	is64 := insn>>31 == 1
	opc := insn >> 29 & 3
	hw := insn >> 21 & 3
	if !is64 && hw > 1 {
		return false
	}
	shift := hw * 16
	imm := uint64(insn>>5&0xffff) << shift
	rd := insn & 31
	switch opc {
	case 0: // MOVN
		c.setx(rd, truncate(^imm, is64))
	case 2: // MOVZ
		c.setx(rd, imm)
	case 3: // MOVK
		old := c.xr(rd) &^ (uint64(0xffff) << shift)
		c.setx(rd, truncate(old|imm, is64))
	default:
		return false
	}
	return true
}

func (c *Interpreter) bitfield(insn uint32) bool {
	is64 := insn>>31 == 1
	opc := insn >> 29 & 3
	if is64 != (insn>>22&1 == 1) || opc == 3 {
		return false
	}
	datasize := uint32(32)
	if is64 {
		datasize = 64
	}
	immr, imms := insn>>16&63, insn>>10&63
	rn, rd := insn>>5&31, insn&31
	src := truncate(c.xr(rn), is64)

	var width, pos uint32
	var field uint64
	if imms >= immr {
		width = imms - immr + 1
		pos = 0
		field = src >> immr & ones(uint(width))
	} else {
		width = imms + 1
		pos = datasize - immr
		field = src & ones(uint(width))
	}

	var res uint64
	switch opc {
	case 0: // SBFM
		res = signExtend(field, uint(width)) << pos
	case 1: // BFM
		mask := ones(uint(width)) << pos
		res = c.xr(rd)&^mask | field<<pos
	case 2: // UBFM
		res = field << pos
	}
	c.setx(rd, truncate(res, is64))
	return true
}

func (c *Interpreter) adr(insn uint32) {
	imm := uint64(insn>>29&3) | uint64(insn>>5&0x7ffff)<<2
	off := signExtend(imm, 21)
	rd := insn & 31
	if insn>>31 == 1 {
		c.setx(rd, (c.regs.pc&^0xfff)+off<<12)
		return
	}
	c.setx(rd, c.regs.pc+off)
}

func (c *Interpreter) condHolds(cond uint32) bool {
	f := c.regs.nzcv >> 28
	n, z, cf, v := f>>3&1 == 1, f>>2&1 == 1, f>>1&1 == 1, f&1 == 1
	var r bool
	switch cond >> 1 {
	case 0:
		r = z
	case 1:
		r = cf
	case 2:
		r = n
	case 3:
		r = v
	case 4:
		r = cf && !z
	case 5:
		r = n == v
	case 6:
		r = n == v && !z
	case 7:
		r = true
	}
	if cond&1 == 1 && cond != 0xf {
		r = !r
	}
	return r
}

func (c *Interpreter) branchTo(target uint64) (Halt, bool) {
	c.regs.pc = target
	return Halt{}, false
}

func (c *Interpreter) branchImm(insn uint32) (Halt, bool) {
	off := signExtend(uint64(insn&0x3ffffff)<<2, 28)
	if insn>>31 == 1 {
		c.regs.x[LR] = c.regs.pc + 4
	}
	return c.branchTo(c.regs.pc + off)
}

func (c *Interpreter) branchCond(insn uint32) (Halt, bool) {
	if c.condHolds(insn & 0xf) {
		return c.branchTo(c.regs.pc + signExtend(uint64(insn>>5&0x7ffff)<<2, 21))
	}
	return c.branchTo(c.regs.pc + 4)
}

func (c *Interpreter) compareBranch(insn uint32) (Halt, bool) {
	v := truncate(c.xr(insn&31), insn>>31 == 1)
	nonZero := insn>>24&1 == 1
	if (v != 0) == nonZero {
		return c.branchTo(c.regs.pc + signExtend(uint64(insn>>5&0x7ffff)<<2, 21))
	}
	return c.branchTo(c.regs.pc + 4)
}

func (c *Interpreter) testBranch(insn uint32) (Halt, bool) {
	bit := insn>>31<<5 | insn>>19&31
	set := c.xr(insn&31)>>bit&1 == 1
	if set == (insn>>24&1 == 1) {
		return c.branchTo(c.regs.pc + signExtend(uint64(insn>>5&0x3fff)<<2, 16))
	}
	return c.branchTo(c.regs.pc + 4)
}

func (c *Interpreter) branchReg(insn uint32) (Halt, bool) {
	target := c.xr(insn >> 5 & 31)
	if insn&0xFFFFFC1F == 0xD63F0000 {
		c.regs.x[LR] = c.regs.pc + 4
	}
	return c.branchTo(target)
}

func (c *Interpreter) condSelect(insn uint32) bool {
	if insn>>29&1 == 1 || insn>>11&1 == 1 {
		return false
	}
	is64 := insn>>31 == 1
	rm, rn, rd := insn>>16&31, insn>>5&31, insn&31
	if c.condHolds(insn >> 12 & 0xf) {
		c.setx(rd, truncate(c.xr(rn), is64))
		return true
	}
	v := c.xr(rm)
	switch insn>>30&1<<1 | insn>>10&1 {
	case 1: // CSINC
		v++
	case 2: // CSINV
		v = ^v
	case 3: // CSNEG
		v = -v
	}
	c.setx(rd, truncate(v, is64))
	return true
}

func (c *Interpreter) condCompare(insn uint32) {
	if !c.condHolds(insn >> 12 & 0xf) {
		c.regs.nzcv = uint64(insn&0xf) << 28
		return
	}
	is64 := insn>>31 == 1
	var op2 uint64
	if insn>>11&1 == 1 {
		op2 = uint64(insn >> 16 & 31)
	} else {
		op2 = truncate(c.xr(insn>>16&31), is64)
	}
	sub := insn>>30&1 == 1
	c.addSub(truncate(c.xr(insn>>5&31), is64), op2, sub, true, is64)
}

func (c *Interpreter) dataProc1(insn uint32) bool {
	is64 := insn>>31 == 1
	rn, rd := insn>>5&31, insn&31
	v := truncate(c.xr(rn), is64)
	var res uint64
	switch insn >> 10 & 63 {
	case 0: // RBIT
		if is64 {
			res = bits.Reverse64(v)
		} else {
			res = uint64(bits.Reverse32(uint32(v)))
		}
	case 1: // REV16
		res = (v&0x00ff00ff00ff00ff)<<8 | (v>>8)&0x00ff00ff00ff00ff
	case 2: // REV32, or REV on W registers
		if is64 {
			res = uint64(bits.ReverseBytes32(uint32(v))) | uint64(bits.ReverseBytes32(uint32(v>>32)))<<32
		} else {
			res = uint64(bits.ReverseBytes32(uint32(v)))
		}
	case 3:
		if !is64 {
			return false
		}
		res = bits.ReverseBytes64(v)
	case 4: // CLZ
		if is64 {
			res = uint64(bits.LeadingZeros64(v))
		} else {
			res = uint64(bits.LeadingZeros32(uint32(v)))
		}
	default:
		return false
	}
	c.setx(rd, truncate(res, is64))
	return true
}

func (c *Interpreter) dataProc2(insn uint32) bool {
	if insn>>29&1 == 1 {
		return false
	}
	is64 := insn>>31 == 1
	rm, rn, rd := insn>>16&31, insn>>5&31, insn&31
	a, b := truncate(c.xr(rn), is64), truncate(c.xr(rm), is64)
	var res uint64
	switch insn >> 10 & 63 {
	case 2: // UDIV
		if b != 0 {
			res = a / b
		}
	case 3: // SDIV
		if b != 0 {
			if is64 {
				if int64(a) == -1<<63 && int64(b) == -1 {
					res = a
				} else {
					res = uint64(int64(a) / int64(b))
				}
			} else {
				x, y := int32(uint32(a)), int32(uint32(b))
				if x == -1<<31 && y == -1 {
					res = uint64(uint32(x))
				} else {
					res = uint64(uint32(x / y))
				}
			}
		}
	case 8, 9, 10, 11: // LSLV LSRV ASRV RORV
		res = shiftValue(a, insn>>10&3, uint32(b), is64)
	default:
		return false
	}
	c.setx(rd, truncate(res, is64))
	return true
}

func (c *Interpreter) dataProc3(insn uint32) bool {
	is64 := insn>>31 == 1
	op31 := insn >> 21 & 7
	o0 := insn >> 15 & 1
	rm, ra, rn, rd := insn>>16&31, insn>>10&31, insn>>5&31, insn&31
	a, n, m := c.xr(ra), c.xr(rn), c.xr(rm)
	var res uint64
	switch {
	case op31 == 0:
		prod := n * m
		if o0 == 1 {
			res = a - prod
		} else {
			res = a + prod
		}
		res = truncate(res, is64)
	case op31 == 1 && is64: // SMADDL/SMSUBL
		prod := uint64(int64(int32(uint32(n))) * int64(int32(uint32(m))))
		if o0 == 1 {
			res = a - prod
		} else {
			res = a + prod
		}
	case op31 == 5 && is64: // UMADDL/UMSUBL
		prod := (n & 0xffffffff) * (m & 0xffffffff)
		if o0 == 1 {
			res = a - prod
		} else {
			res = a + prod
		}
	case op31 == 2 && is64: // SMULH
		hi, _ := bits.Mul64(n, m)
		if int64(n) < 0 {
			hi -= m
		}
		if int64(m) < 0 {
			hi -= n
		}
		res = hi
	case op31 == 6 && is64: // UMULH
		res, _ = bits.Mul64(n, m)
	default:
		return false
	}
	c.setx(rd, res)
	return true
}
