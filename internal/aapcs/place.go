package aapcs

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/xyproto/a64bridge/internal/cpu"
	"github.com/xyproto/a64bridge/internal/engine"
	"github.com/xyproto/a64bridge/internal/typeenc"
)

// Placement records what Place changed on the guest stack, so the call can
// be unwound exactly.
type Placement struct {
	// SavedSP is the guest SP before Place.
	SavedSP uint64
	// CallSP is the SP the guest function is entered with.
	CallSP uint64
	// ResultAddr is the guest buffer for a RetInMemory return.
	ResultAddr uint64
}

func hostBytes(p unsafe.Pointer, n uint64) []byte {
	return unsafe.Slice((*byte)(p), n)
}

// Place puts host argument values into guest registers and the guest stack
// for a call described by d. args[i] points at the value of argument i, as
// a native caller or an FFI closure provides them.
//
// Below the current SP it carves a scratch area for copies of indirect
// arguments and the in-memory result, and below that the outgoing argument
// area; SP is left pointing at the latter.
func Place(m Machine, d *Descriptor, args []unsafe.Pointer) (*Placement, error) {
	if len(args) != len(d.Args) {
		return nil, errors.Errorf("got %d arguments for a signature with %d", len(args), len(d.Args))
	}
	p := &Placement{SavedSP: m.RegRead(cpu.SP)}

	scratch := d.IndirectBytes
	if d.Return.Class == RetInMemory {
		scratch += engine.AlignUp(d.Return.Type.Size, 16)
	}
	scratchBase := engine.AlignDown(p.SavedSP, StackAlignment) - engine.AlignUp(scratch, StackAlignment)
	p.CallSP = scratchBase - d.StackBytes

	next := scratchBase
	for i, loc := range d.Args {
		t := loc.Type
		val := hostBytes(args[i], t.Size)
		switch {
		case loc.Indirect:
			if err := m.MemWrite(next, val); err != nil {
				return nil, errors.Wrapf(err, "argument %d: copying aggregate to the guest stack", i)
			}
			if err := putPointer(m, loc, p.CallSP, next); err != nil {
				return nil, errors.Wrapf(err, "argument %d", i)
			}
			next += engine.AlignUp(t.Size, 16)
		case loc.Kind == InGPR:
			if t.IsInteger() || t.Kind == typeenc.Pointer {
				m.RegWrite(cpu.X(loc.Reg), extend(leUint64(val), t))
				break
			}
			var regs [16]byte
			copy(regs[:], val)
			for k := 0; k < loc.Count; k++ {
				m.RegWrite(cpu.X(loc.Reg+k), binary.LittleEndian.Uint64(regs[8*k:]))
			}
		case loc.Kind == InVPR:
			elem := loc.HFA.ElemSize()
			for k := 0; k < loc.HFA.Count; k++ {
				var v cpu.Vec
				copy(v[:elem], val[uint64(k)*elem:])
				m.VecWrite(loc.Reg+k, v)
			}
		default:
			slot := val
			if t.IsInteger() {
				var b [8]byte
				binary.LittleEndian.PutUint64(b[:], extend(leUint64(val), t))
				slot = b[:]
			}
			if err := m.MemWrite(p.CallSP+loc.Offset, slot); err != nil {
				return nil, errors.Wrapf(err, "argument %d: writing stack slot", i)
			}
		}
	}

	if d.Return.Class == RetInMemory {
		p.ResultAddr = next
		m.RegWrite(AAPCS64.IndirectResultReg(), next)
	}
	m.RegWrite(cpu.SP, p.CallSP)
	return p, nil
}

func putPointer(m Machine, loc ArgLocation, sp, ptr uint64) error {
	if loc.Kind == InGPR {
		m.RegWrite(cpu.X(loc.Reg), ptr)
		return nil
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], ptr)
	return m.MemWrite(sp+loc.Offset, b[:])
}

// leUint64 reads up to 8 little-endian bytes.
func leUint64(b []byte) uint64 {
	var tmp [8]byte
	copy(tmp[:], b)
	return binary.LittleEndian.Uint64(tmp[:])
}

// LoadReturn harvests the return value of a finished guest call into ret,
// which must hold at least max(size, 8) bytes; integer results are widened
// to 8 bytes like a native FFI return. SP is restored to its value before
// Place in every case.
func LoadReturn(m Machine, d *Descriptor, p *Placement, ret unsafe.Pointer) error {
	defer m.RegWrite(cpu.SP, p.SavedSP)

	r := d.Return
	switch r.Class {
	case RetVoid:
		return nil
	case RetNeedsCopy:
		return ErrNeedsByteCopy
	}
	if ret == nil {
		return errors.New("no storage for the return value")
	}
	switch r.Class {
	case RetInt64:
		v := m.RegRead(AAPCS64.IntegerReturnReg())
		if r.Type.IsInteger() {
			v = extend(v, r.Type)
		}
		binary.LittleEndian.PutUint64(hostBytes(ret, 8), v)
	case RetInt128:
		out := hostBytes(ret, 16)
		binary.LittleEndian.PutUint64(out[0:], m.RegRead(AAPCS64.IntegerReturnReg()))
		binary.LittleEndian.PutUint64(out[8:], m.RegRead(cpu.X(1)))
	case RetHFA:
		elem := r.HFA.ElemSize()
		out := hostBytes(ret, r.Type.Size)
		for k := 0; k < r.HFA.Count; k++ {
			v := m.VecRead(k)
			copy(out[uint64(k)*elem:], v[:elem])
		}
	case RetInMemory:
		if err := m.MemRead(p.ResultAddr, hostBytes(ret, r.Type.Size)); err != nil {
			return errors.Wrap(err, "reading in-memory result")
		}
	}
	return nil
}
