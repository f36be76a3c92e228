package cpu

import (
	"encoding/binary"
	"math"
)

// FP operand types in bits 23:22 of scalar encodings.
const (
	ftSingle = 0
	ftDouble = 1
)

func (c *Interpreter) getF(n uint32, ft uint32) float64 {
	if ft == ftSingle {
		return float64(c.regs.v[n].Float32())
	}
	return c.regs.v[n].Float64()
}

// setF writes a scalar result, clearing the rest of the vector register.
func (c *Interpreter) setF(n uint32, val float64, ft uint32) {
	var v Vec
	if ft == ftSingle {
		binary.LittleEndian.PutUint32(v[:4], math.Float32bits(float32(val)))
	} else {
		binary.LittleEndian.PutUint64(v[:8], math.Float64bits(val))
	}
	c.regs.v[n] = v
}

func (c *Interpreter) setVecBits(n uint32, lo uint64) {
	c.regs.v[n] = VecOf(lo)
}

func fpFlags(a, b float64) uint64 {
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		return 0x3 << 28
	case a == b:
		return 0x6 << 28
	case a < b:
		return 0x8 << 28
	default:
		return 0x2 << 28
	}
}

func (c *Interpreter) floatingPoint(insn uint32) bool {
	switch {
	case insn&0xFF000000 == 0x1F000000:
		return c.fpMulAdd(insn)
	case insn&0xBFE0FC00 == 0x0EA01C00:
		// ORR Vd, Vn, Vm (MOV between vector registers)
		vn, vm := c.regs.v[insn>>5&31], c.regs.v[insn>>16&31]
		var out Vec
		width := 8
		if insn>>30&1 == 1 {
			width = 16
		}
		for i := 0; i < width; i++ {
			out[i] = vn[i] | vm[i]
		}
		c.regs.v[insn&31] = out
		return true
	case insn&0x9FF8FC00 == 0x2F00E400:
		// MOVI Dd/Vd.2D: every immediate bit becomes a byte
		imm8 := insn>>16&7<<5 | insn>>5&31
		var lo uint64
		for i := 0; i < 8; i++ {
			if imm8>>i&1 == 1 {
				lo |= 0xff << (8 * i)
			}
		}
		v := VecOf(lo)
		if insn>>30&1 == 1 {
			binary.LittleEndian.PutUint64(v[8:], lo)
		}
		c.regs.v[insn&31] = v
		return true
	}

	ft := insn >> 22 & 3
	m := insn &^ (3 << 22)
	switch {
	case m&0x7F20FC00 == 0x1E200000:
		return c.fpConvertInt(insn, ft)
	}
	if ft != ftSingle && ft != ftDouble {
		return false
	}
	rn, rd, rm := insn>>5&31, insn&31, insn>>16&31
	switch {
	case m&0xFF20FC07 == 0x1E202000:
		a := c.getF(rn, ft)
		b := 0.0
		if insn>>3&1 == 0 {
			b = c.getF(rm, ft)
		}
		c.regs.nzcv = fpFlags(a, b)
	case m&0xFF200C00 == 0x1E200800:
		return c.fpDataProc2(insn, ft)
	case m&0xFF207C00 == 0x1E204000:
		return c.fpDataProc1(insn, ft)
	case m&0xFF201FE0 == 0x1E201000:
		c.setF(rd, expandFPImm(insn>>13&0xff), ft)
	case m&0xFF200C00 == 0x1E200C00:
		// FCSEL
		if c.condHolds(insn >> 12 & 0xf) {
			c.setF(rd, c.getF(rn, ft), ft)
		} else {
			c.setF(rd, c.getF(rm, ft), ft)
		}
	case m&0xFF200C00 == 0x1E200400:
		// FCCMP
		if c.condHolds(insn >> 12 & 0xf) {
			c.regs.nzcv = fpFlags(c.getF(rn, ft), c.getF(rm, ft))
		} else {
			c.regs.nzcv = uint64(insn&0xf) << 28
		}
	default:
		return false
	}
	return true
}

// expandFPImm decodes the 8-bit FMOV immediate.
func expandFPImm(imm8 uint32) float64 {
	sign := 1.0
	if imm8&0x80 != 0 {
		sign = -1
	}
	exp := int(imm8>>4&3) + 1
	if imm8>>6&1 == 1 {
		exp -= 4
	}
	return sign * math.Ldexp(1+float64(imm8&0xf)/16, exp)
}

func (c *Interpreter) fpMulAdd(insn uint32) bool {
	ft := insn >> 22 & 3
	if ft != ftSingle && ft != ftDouble {
		return false
	}
	rm, ra, rn, rd := insn>>16&31, insn>>10&31, insn>>5&31, insn&31
	a, n, m := c.getF(ra, ft), c.getF(rn, ft), c.getF(rm, ft)
	var res float64
	switch insn>>21&1<<1 | insn>>15&1 {
	case 0: // FMADD
		res = math.FMA(n, m, a)
	case 1: // FMSUB
		res = math.FMA(-n, m, a)
	case 2: // FNMADD
		res = math.FMA(-n, m, -a)
	case 3: // FNMSUB
		res = math.FMA(n, m, -a)
	}
	c.setF(rd, res, ft)
	return true
}

func (c *Interpreter) fpDataProc2(insn uint32, ft uint32) bool {
	rm, rn, rd := insn>>16&31, insn>>5&31, insn&31
	a, b := c.getF(rn, ft), c.getF(rm, ft)
	var res float64
	switch insn >> 12 & 0xf {
	case 0:
		res = a * b
	case 1:
		res = a / b
	case 2:
		res = a + b
	case 3:
		res = a - b
	case 4:
		if math.IsNaN(a) || math.IsNaN(b) {
			res = math.NaN()
		} else {
			res = math.Max(a, b)
		}
	case 5:
		if math.IsNaN(a) || math.IsNaN(b) {
			res = math.NaN()
		} else {
			res = math.Min(a, b)
		}
	case 6:
		res = numberOf(a, b, math.Max)
	case 7:
		res = numberOf(a, b, math.Min)
	case 8:
		res = -(a * b)
	default:
		return false
	}
	c.setF(rd, res, ft)
	return true
}

// numberOf implements the NM variants: a single NaN operand loses.
func numberOf(a, b float64, pick func(x, y float64) float64) float64 {
	switch {
	case math.IsNaN(a) && !math.IsNaN(b):
		return b
	case math.IsNaN(b) && !math.IsNaN(a):
		return a
	}
	return pick(a, b)
}

func (c *Interpreter) fpDataProc1(insn uint32, ft uint32) bool {
	rn, rd := insn>>5&31, insn&31
	a := c.getF(rn, ft)
	switch insn >> 15 & 63 {
	case 0: // FMOV
		if ft == ftSingle {
			c.setVecBits(rd, c.regs.v[rn].Uint64()&0xffffffff)
		} else {
			c.setVecBits(rd, c.regs.v[rn].Uint64())
		}
	case 1:
		c.setF(rd, math.Abs(a), ft)
	case 2:
		c.setF(rd, -a, ft)
	case 3:
		c.setF(rd, math.Sqrt(a), ft)
	case 4: // FCVT to single
		c.setF(rd, a, ftSingle)
	case 5: // FCVT to double
		c.setF(rd, a, ftDouble)
	case 8, 14, 15: // FRINTN, FRINTX, FRINTI
		c.setF(rd, math.RoundToEven(a), ft)
	case 9:
		c.setF(rd, math.Ceil(a), ft)
	case 10:
		c.setF(rd, math.Floor(a), ft)
	case 11:
		c.setF(rd, math.Trunc(a), ft)
	case 12:
		c.setF(rd, math.Round(a), ft)
	default:
		return false
	}
	return true
}

// round applies an FCVT* rounding mode: 0 nearest even, 1 towards +inf,
// 2 towards -inf, 3 towards zero, 4 nearest with ties away.
func round(v float64, mode int) float64 {
	switch mode {
	case 0:
		return math.RoundToEven(v)
	case 1:
		return math.Ceil(v)
	case 2:
		return math.Floor(v)
	case 4:
		return math.Round(v)
	default:
		return math.Trunc(v)
	}
}

func toSigned(v float64, is64 bool) uint64 {
	if math.IsNaN(v) {
		return 0
	}
	if is64 {
		switch {
		case v >= math.MaxInt64:
			return math.MaxInt64
		case v <= math.MinInt64:
			return 1 << 63
		}
		return uint64(int64(v))
	}
	switch {
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return uint64(uint32(1 << 31))
	}
	return uint64(uint32(int32(v)))
}

func toUnsigned(v float64, is64 bool) uint64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if is64 {
		if v >= math.MaxUint64 {
			return math.MaxUint64
		}
		return uint64(v)
	}
	if v >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint64(uint32(v))
}

func (c *Interpreter) fpConvertInt(insn uint32, ft uint32) bool {
	is64 := insn>>31 == 1
	rmode := int(insn >> 19 & 3)
	opcode := insn >> 16 & 7
	rn, rd := insn>>5&31, insn&31

	switch {
	case rmode == 0 && opcode == 6: // FMOV general <- FP
		switch {
		case ft == ftSingle && !is64:
			c.setx(rd, c.regs.v[rn].Uint64()&0xffffffff)
		case ft == ftDouble && is64:
			c.setx(rd, c.regs.v[rn].Uint64())
		default:
			return false
		}
		return true
	case rmode == 0 && opcode == 7: // FMOV FP <- general
		switch {
		case ft == ftSingle && !is64:
			c.setVecBits(rd, c.xr(rn)&0xffffffff)
		case ft == ftDouble && is64:
			c.setVecBits(rd, c.xr(rn))
		default:
			return false
		}
		return true
	}
	if ft != ftSingle && ft != ftDouble {
		return false
	}

	switch {
	case rmode == 0 && opcode == 2: // SCVTF
		v := int64(c.xr(rn))
		if !is64 {
			v = int64(int32(uint32(v)))
		}
		if ft == ftSingle {
			c.setF(rd, float64(float32(v)), ft)
		} else {
			c.setF(rd, float64(v), ft)
		}
	case rmode == 0 && opcode == 3: // UCVTF
		v := truncate(c.xr(rn), is64)
		if ft == ftSingle {
			c.setF(rd, float64(float32(v)), ft)
		} else {
			c.setF(rd, float64(v), ft)
		}
	case opcode == 0 || opcode == 1: // FCVT{N,P,M,Z}{S,U}
		r := round(c.getF(rn, ft), rmode)
		if opcode == 0 {
			c.setx(rd, toSigned(r, is64))
		} else {
			c.setx(rd, toUnsigned(r, is64))
		}
	case rmode == 0 && (opcode == 4 || opcode == 5): // FCVTA{S,U}
		r := round(c.getF(rn, ft), 4)
		if opcode == 4 {
			c.setx(rd, toSigned(r, is64))
		} else {
			c.setx(rd, toUnsigned(r, is64))
		}
	default:
		return false
	}
	return true
}
