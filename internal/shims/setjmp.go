package shims

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/xyproto/a64bridge/internal/aapcs"
	"github.com/xyproto/a64bridge/internal/callsite"
	"github.com/xyproto/a64bridge/internal/cpu"
)

// Guest jmp_buf layout, in 8 byte slots: x19..x28, fp, lr, sp, d8..d15.
const (
	slotFP    = 10
	slotLR    = 11
	slotSP    = 12
	slotD8    = 13
	jmpSlots  = 21
	JmpBufLen = jmpSlots * 8
)

// Setjmp saves the callee-saved guest state into the jmp_buf in x0 and
// returns 0. The saved lr is the return address of the setjmp call, so a
// later Longjmp returns from it a second time.
func Setjmp(ctx *callsite.ShimContext) (uint64, error) {
	m := ctx.Machine
	buf := m.RegRead(cpu.X0)
	if buf == 0 {
		return 0, errors.New("setjmp with a null jmp_buf")
	}
	var b [JmpBufLen]byte
	put := func(slot int, v uint64) { binary.LittleEndian.PutUint64(b[slot*8:], v) }
	for i, r := range aapcs.AAPCS64.CalleeSavedGPRs() {
		put(i, m.RegRead(r))
	}
	put(slotFP, m.RegRead(cpu.FP))
	put(slotLR, ctx.Return)
	put(slotSP, m.RegRead(cpu.SP))
	for i, v := range aapcs.AAPCS64.CalleeSavedVPRs() {
		put(slotD8+i, m.VecRead(v).Uint64())
	}
	if err := m.MemWrite(buf, b[:]); err != nil {
		return 0, errors.Wrapf(err, "writing jmp_buf at 0x%x", buf)
	}
	setResult(m, 0)
	return 0, nil
}

// Longjmp restores the state saved in the jmp_buf in x0 and resumes at its
// setjmp call site with x0 set to the value in x1, or 1 if that is 0.
func Longjmp(ctx *callsite.ShimContext) (uint64, error) {
	m := ctx.Machine
	buf := m.RegRead(cpu.X0)
	val := uint64(uint32(m.RegRead(cpu.X1)))
	if buf == 0 {
		return 0, errors.New("longjmp with a null jmp_buf")
	}
	var b [JmpBufLen]byte
	if err := m.MemRead(buf, b[:]); err != nil {
		return 0, errors.Wrapf(err, "reading jmp_buf at 0x%x", buf)
	}
	get := func(slot int) uint64 { return binary.LittleEndian.Uint64(b[slot*8:]) }
	lr := get(slotLR)
	if lr == 0 {
		return 0, errors.Errorf("longjmp to a jmp_buf at 0x%x that setjmp never filled", buf)
	}
	for i, r := range aapcs.AAPCS64.CalleeSavedGPRs() {
		m.RegWrite(r, get(i))
	}
	m.RegWrite(cpu.FP, get(slotFP))
	m.RegWrite(cpu.LR, lr)
	m.RegWrite(cpu.SP, get(slotSP))
	for i, v := range aapcs.AAPCS64.CalleeSavedVPRs() {
		m.VecWrite(v, cpu.VecOf(get(slotD8+i)))
	}
	if val == 0 {
		val = 1
	}
	setResult(m, val)
	return lr, nil
}
