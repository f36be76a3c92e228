package aapcs

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/xyproto/a64bridge/internal/cpu"
	"github.com/xyproto/a64bridge/internal/typeenc"
)

// ErrNeedsByteCopy is returned when a return value has the "needs byte copy"
// class, which the bridge does not implement.
var ErrNeedsByteCopy = errors.New("aggregate return needs an explicit byte copy, unsupported")

// Machine is the part of the emulator the marshaling code touches.
type Machine interface {
	RegRead(r cpu.Reg) uint64
	RegWrite(r cpu.Reg, v uint64)
	VecRead(n int) cpu.Vec
	VecWrite(n int, v cpu.Vec)
	MemRead(addr uint64, p []byte) error
	MemWrite(addr uint64, p []byte) error
}

// HostFrame holds host-owned copies of the arguments of one guest to host
// call, laid out the way a native call expects them: Args[i] points at the
// value of argument i, and Ret at storage for the return value.
type HostFrame struct {
	Args []unsafe.Pointer
	Ret  unsafe.Pointer

	slots  [][]byte
	ret    []byte
	result uint64 // x8 at the call, for RetInMemory
}

// Slot returns the bytes of argument i.
func (f *HostFrame) Slot(i int) []byte { return f.slots[i] }

// RetSlot returns the return buffer. It is at least 16 bytes long so
// native code may widen small integer returns.
func (f *HostFrame) RetSlot() []byte { return f.ret }

// NewHostFrame allocates a frame with zeroed slots of the given sizes.
func NewHostFrame(sizes []uint64, retSize uint64) *HostFrame {
	f := &HostFrame{
		Args:  make([]unsafe.Pointer, len(sizes)),
		slots: make([][]byte, len(sizes)),
	}
	for i, sz := range sizes {
		f.slots[i] = make([]byte, max(sz, 8))
		f.Args[i] = unsafe.Pointer(&f.slots[i][0])
	}
	if retSize > 0 {
		f.ret = make([]byte, max(retSize, 16))
		f.Ret = unsafe.Pointer(&f.ret[0])
	}
	return f
}

func retSize(d *Descriptor) uint64 {
	if d.Return.Class == RetVoid {
		return 0
	}
	return d.Return.Type.Size
}

// Lift copies the arguments of a guest call described by d out of the
// emulated registers and stack into host-owned slots. Indirect aggregates
// are copied out of guest memory, so the host always sees a copy at a
// different address.
func Lift(m Machine, d *Descriptor) (*HostFrame, error) {
	sizes := make([]uint64, len(d.Args))
	for i, loc := range d.Args {
		sizes[i] = loc.Type.Size
	}
	f := NewHostFrame(sizes, retSize(d))
	sp := m.RegRead(cpu.SP)

	for i, loc := range d.Args {
		buf := f.slots[i]
		size := loc.Type.Size
		switch {
		case loc.Indirect:
			var ptr uint64
			if loc.Kind == InGPR {
				ptr = m.RegRead(cpu.X(loc.Reg))
			} else {
				var b [8]byte
				if err := m.MemRead(sp+loc.Offset, b[:]); err != nil {
					return nil, errors.Wrapf(err, "argument %d: reading indirect pointer", i)
				}
				ptr = binary.LittleEndian.Uint64(b[:])
			}
			if err := m.MemRead(ptr, buf[:size]); err != nil {
				return nil, errors.Wrapf(err, "argument %d: copying %d byte aggregate", i, size)
			}
		case loc.Kind == InGPR:
			var regs [16]byte
			for k := 0; k < loc.Count; k++ {
				binary.LittleEndian.PutUint64(regs[8*k:], m.RegRead(cpu.X(loc.Reg+k)))
			}
			copy(buf, regs[:min(size, 16)])
			if loc.Type.IsInteger() || loc.Type.Kind == typeenc.Pointer {
				binary.LittleEndian.PutUint64(buf[:8], extend(m.RegRead(cpu.X(loc.Reg)), loc.Type))
			}
		case loc.Kind == InVPR:
			elem := loc.HFA.ElemSize()
			for k := 0; k < loc.HFA.Count; k++ {
				v := m.VecRead(loc.Reg + k)
				copy(buf[uint64(k)*elem:], v[:elem])
			}
		default:
			if err := m.MemRead(sp+loc.Offset, buf[:size]); err != nil {
				return nil, errors.Wrapf(err, "argument %d: reading stack slot", i)
			}
		}
	}

	if d.Return.Class == RetInMemory {
		f.result = m.RegRead(AAPCS64.IndirectResultReg())
	}
	return f, nil
}

// StoreReturn moves the host return value in f into the guest return
// registers, or into the guest's result buffer for RetInMemory.
func StoreReturn(m Machine, d *Descriptor, f *HostFrame) error {
	r := d.Return
	switch r.Class {
	case RetVoid:
	case RetInt64:
		v := binary.LittleEndian.Uint64(f.ret[:8])
		if r.Type.IsInteger() {
			v = extend(v, r.Type)
		}
		m.RegWrite(AAPCS64.IntegerReturnReg(), v)
	case RetInt128:
		m.RegWrite(AAPCS64.IntegerReturnReg(), binary.LittleEndian.Uint64(f.ret[0:8]))
		m.RegWrite(cpu.X(1), binary.LittleEndian.Uint64(f.ret[8:16]))
	case RetHFA:
		elem := r.HFA.ElemSize()
		for k := 0; k < r.HFA.Count; k++ {
			var v cpu.Vec
			copy(v[:elem], f.ret[uint64(k)*elem:])
			m.VecWrite(k, v)
		}
	case RetInMemory:
		if err := m.MemWrite(f.result, f.ret[:r.Type.Size]); err != nil {
			return errors.Wrapf(err, "storing %d byte result through x8", r.Type.Size)
		}
	case RetNeedsCopy:
		return ErrNeedsByteCopy
	}
	return nil
}

// extend sign or zero extends the low t.Size bytes of v to 64 bits.
func extend(v uint64, t *typeenc.Type) uint64 {
	if t.Size >= 8 || !t.IsInteger() {
		return v
	}
	bits := t.Size * 8
	if t.Kind == typeenc.SInt {
		shift := 64 - bits
		return uint64(int64(v<<shift) >> shift)
	}
	return v & (1<<bits - 1)
}
