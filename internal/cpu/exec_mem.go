package cpu

import "encoding/binary"

// extension of a loaded integer
const (
	extZero = iota
	extSign32
	extSign64
)

// transfer moves size bytes between a register and guest memory.
func (c *Interpreter) transfer(rt uint32, vec bool, addr uint64, size int, load bool, ext int) *memFault {
	if load {
		b, f := c.load(addr, size)
		if f != nil {
			return f
		}
		if vec {
			var v Vec
			copy(v[:], b)
			c.regs.v[rt] = v
			return nil
		}
		var val uint64
		switch size {
		case 1:
			val = uint64(b[0])
		case 2:
			val = uint64(binary.LittleEndian.Uint16(b))
		case 4:
			val = uint64(binary.LittleEndian.Uint32(b))
		default:
			val = binary.LittleEndian.Uint64(b)
		}
		switch ext {
		case extSign32:
			val = signExtend(val, uint(size*8)) & 0xffffffff
		case extSign64:
			val = signExtend(val, uint(size*8))
		}
		c.setx(rt, val)
		return nil
	}

	b, f := c.store(addr, size)
	if f != nil {
		return f
	}
	if vec {
		v := c.regs.v[rt]
		copy(b, v[:size])
		return nil
	}
	val := c.xr(rt)
	switch size {
	case 1:
		b[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(val))
	default:
		binary.LittleEndian.PutUint64(b, val)
	}
	return nil
}

// singleForm decodes size, direction and extension shared by the
// single-register load/store classes. ok is false for prefetches.
func singleForm(insn uint32) (size int, vec, load bool, ext int, ok bool) {
	sz := insn >> 30 & 3
	opc := insn >> 22 & 3
	vec = insn>>26&1 == 1
	if vec {
		size = 1 << sz
		if opc&2 != 0 {
			if sz != 0 {
				return 0, false, false, 0, false
			}
			size = 16
		}
		return size, true, opc&1 == 1, extZero, true
	}
	size = 1 << sz
	switch opc {
	case 0:
		return size, false, false, extZero, true
	case 1:
		return size, false, true, extZero, true
	case 2:
		if sz == 3 { // PRFM
			return 0, false, false, 0, false
		}
		return size, false, true, extSign64, true
	default:
		if sz >= 2 {
			return 0, false, false, 0, false
		}
		return size, false, true, extSign32, true
	}
}

func (c *Interpreter) memHalt(f *memFault) (Halt, bool) {
	if f != nil {
		return c.faultHalt(f), true
	}
	c.regs.pc += 4
	return Halt{}, false
}

func (c *Interpreter) loadStoreUnsigned(insn uint32) (Halt, bool) {
	size, vec, load, ext, ok := singleForm(insn)
	if !ok {
		if insn>>26&1 == 0 && insn>>22&3 == 2 {
			c.regs.pc += 4
			return Halt{}, false
		}
		return c.undefined(insn)
	}
	addr := c.xsp(insn>>5&31) + uint64(insn>>10&0xfff)*uint64(size)
	return c.memHalt(c.transfer(insn&31, vec, addr, size, load, ext))
}

func (c *Interpreter) loadStoreImm9(insn uint32) (Halt, bool) {
	size, vec, load, ext, ok := singleForm(insn)
	if !ok {
		if insn>>26&1 == 0 && insn>>22&3 == 2 && insn>>10&3 == 0 { // PRFUM
			c.regs.pc += 4
			return Halt{}, false
		}
		return c.undefined(insn)
	}
	rn := insn >> 5 & 31
	off := signExtend(uint64(insn>>12&0x1ff), 9)
	base := c.xsp(rn)
	addr := base + off
	mode := insn >> 10 & 3
	if mode == 1 { // post-index
		addr = base
	}
	if f := c.transfer(insn&31, vec, addr, size, load, ext); f != nil {
		return c.faultHalt(f), true
	}
	if mode == 1 || mode == 3 {
		c.setxsp(rn, base+off)
	}
	c.regs.pc += 4
	return Halt{}, false
}

func (c *Interpreter) loadStoreRegOffset(insn uint32) (Halt, bool) {
	size, vec, load, ext, ok := singleForm(insn)
	if !ok {
		if insn>>26&1 == 0 && insn>>22&3 == 2 {
			c.regs.pc += 4
			return Halt{}, false
		}
		return c.undefined(insn)
	}
	var shift uint32
	if insn>>12&1 == 1 {
		for s := size; s > 1; s >>= 1 {
			shift++
		}
	}
	off := extendValue(c.xr(insn>>16&31), insn>>13&7, shift)
	addr := c.xsp(insn>>5&31) + off
	return c.memHalt(c.transfer(insn&31, vec, addr, size, load, ext))
}

func (c *Interpreter) loadLiteral(insn uint32) (Halt, bool) {
	opc := insn >> 30 & 3
	vec := insn>>26&1 == 1
	addr := c.regs.pc + signExtend(uint64(insn>>5&0x7ffff)<<2, 21)
	var size, ext int
	switch {
	case vec && opc < 3:
		size = 4 << opc
	case !vec && opc == 0:
		size = 4
	case !vec && opc == 1:
		size = 8
	case !vec && opc == 2:
		size, ext = 4, extSign64
	case !vec && opc == 3: // PRFM literal
		c.regs.pc += 4
		return Halt{}, false
	default:
		return c.undefined(insn)
	}
	return c.memHalt(c.transfer(insn&31, vec, addr, size, true, ext))
}

func (c *Interpreter) loadStorePair(insn uint32) (Halt, bool) {
	opc := insn >> 30 & 3
	vec := insn>>26&1 == 1
	load := insn>>22&1 == 1
	var size, ext int
	switch {
	case vec && opc < 3:
		size = 4 << opc
	case !vec && opc == 0:
		size = 4
	case !vec && opc == 1 && load:
		size, ext = 4, extSign64
	case !vec && opc == 2:
		size = 8
	default:
		return c.undefined(insn)
	}
	rt, rt2, rn := insn&31, insn>>10&31, insn>>5&31
	off := signExtend(uint64(insn>>15&0x7f), 7) * uint64(size)
	base := c.xsp(rn)
	addr := base + off
	mode := insn >> 23 & 3
	if mode == 1 { // post-index
		addr = base
	}
	if f := c.transfer(rt, vec, addr, size, load, ext); f != nil {
		return c.faultHalt(f), true
	}
	if f := c.transfer(rt2, vec, addr+uint64(size), size, load, ext); f != nil {
		return c.faultHalt(f), true
	}
	if mode == 1 || mode == 3 {
		c.setxsp(rn, base+off)
	}
	c.regs.pc += 4
	return Halt{}, false
}
