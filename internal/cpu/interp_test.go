package cpu

import (
	"math"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/xyproto/a64bridge/internal/cpu/asm"
)

const sentinel = 0xdead0000

// hostPages maps anonymous host memory that stays put for the test.
func hostPages(t *testing.T, size int) ([]byte, uint64) {
	t.Helper()
	size = (size + unix.Getpagesize() - 1) &^ (unix.Getpagesize() - 1)
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(b) })
	return b, uint64(uintptr(unsafe.Pointer(&b[0])))
}

type harness struct {
	*Interpreter
	code      uint64
	stackTop  uint64
	stackBase uint64
}

func newHarness(t *testing.T, b *asm.Builder, opts ...Option) *harness {
	t.Helper()
	require.NoError(t, b.Err())
	code, codeAddr := hostPages(t, len(b.Bytes()))
	copy(code, b.Bytes())
	stack, stackAddr := hostPages(t, 64<<10)

	c := NewInterpreter(opts...)
	require.NoError(t, c.MemMap(codeAddr, uint64(len(code)), ProtRX))
	require.NoError(t, c.MemMap(stackAddr, uint64(len(stack)), ProtRW))
	top := stackAddr + uint64(len(stack))
	c.RegWrite(SP, top)
	c.RegWrite(LR, sentinel)
	return &harness{Interpreter: c, code: codeAddr, stackTop: top, stackBase: stackAddr}
}

func (h *harness) call(args ...uint64) Halt {
	for i, a := range args {
		h.RegWrite(X(i), a)
	}
	return h.Start(h.code, sentinel)
}

func TestAddReturns(t *testing.T) {
	h := newHarness(t, asm.New().AddReg("w0", "w0", "w1").Ret())
	halt := h.call(3, 4)
	assert.Equal(t, HaltUntil, halt.Reason)
	assert.Equal(t, uint64(7), h.RegRead(X0))
	assert.Equal(t, h.stackTop, h.RegRead(SP))
}

func TestWRegisterResultIsZeroExtended(t *testing.T) {
	h := newHarness(t, asm.New().SubImm("w0", "w0", 1).Ret())
	h.call(0)
	assert.Equal(t, uint64(0xffffffff), h.RegRead(X0))
}

func TestLoop(t *testing.T) {
	b := asm.New().
		Mov("x1", "x0").
		MovImm("x0", 0).
		AddReg("x0", "x0", "x1").
		SubImm("x1", "x1", 1).
		Cbnz("x1", -8).
		Ret()
	h := newHarness(t, b)
	require.Equal(t, HaltUntil, h.call(10).Reason)
	assert.Equal(t, uint64(55), h.RegRead(X0))
}

func TestNestedCallUsesStack(t *testing.T) {
	// main at 0, square at 28
	b := asm.New().
		Prologue(16).
		MovImm("x0", 5).
		BL(16).
		AddImm("x0", "x0", 1).
		Epilogue(16).
		Mul("x0", "x0", "x0").
		Ret()
	h := newHarness(t, b)
	require.Equal(t, HaltUntil, h.call().Reason)
	assert.Equal(t, uint64(26), h.RegRead(X0))
	assert.Equal(t, h.stackTop, h.RegRead(SP))
	assert.Equal(t, uint64(sentinel), h.RegRead(LR))
}

func TestConditionalSet(t *testing.T) {
	h := newHarness(t, asm.New().CmpReg("x0", "x1").Cset("w0", "lt").Ret())
	h.call(uint64(math.MaxUint64), 1) // -1 < 1
	assert.Equal(t, uint64(1), h.RegRead(X0))
	h.RegWrite(LR, sentinel)
	h.call(2, 1)
	assert.Equal(t, uint64(0), h.RegRead(X0))
}

func TestDivision(t *testing.T) {
	h := newHarness(t, asm.New().SDiv("x0", "x0", "x1").Ret())
	h.call(uint64(math.MaxUint64-5), 3) // -6 / 3
	assert.Equal(t, int64(-2), int64(h.RegRead(X0)))

	h = newHarness(t, asm.New().UDiv("x0", "x0", "x1").Ret())
	h.call(7, 0)
	assert.Equal(t, uint64(0), h.RegRead(X0), "division by zero yields zero")
}

func TestLoadsAndStores(t *testing.T) {
	b := asm.New().
		SubImm("sp", "sp", 32).
		Stp(asm.Offset, "x0", "x1", "sp", 0).
		Strb("w2", "sp", 16).
		Ldr("x3", "sp", 8).
		Ldrb("w4", "sp", 16).
		Ldp(asm.Offset, "x5", "x6", "sp", 0).
		AddReg("x0", "x3", "x4").
		AddReg("x0", "x0", "x5").
		AddImm("sp", "sp", 32).
		Ret()
	h := newHarness(t, b)
	require.Equal(t, HaltUntil, h.call(100, 20, 0x103).Reason)
	assert.Equal(t, uint64(20+3+100), h.RegRead(X0))
	assert.Equal(t, uint64(20), h.RegRead(X(6)))
	assert.Equal(t, h.stackTop, h.RegRead(SP))
}

func TestFloatingPoint(t *testing.T) {
	b := asm.New().
		Fadd("d0", "d0", "d1").
		Fsqrt("d0", "d0").
		Fcvtzs("x0", "d0").
		Scvtf("d2", "x0").
		Fmul("d2", "d2", "d1").
		Ret()
	h := newHarness(t, b)
	h.VecWrite(0, VecOf(math.Float64bits(1.5)))
	h.VecWrite(1, VecOf(math.Float64bits(2.5)))
	require.Equal(t, HaltUntil, h.call().Reason)
	assert.Equal(t, uint64(2), h.RegRead(X0))
	assert.Equal(t, 2.0, h.VecRead(0).Float64())
	assert.Equal(t, 5.0, h.VecRead(2).Float64())
}

func TestSinglePrecision(t *testing.T) {
	b := asm.New().
		Fmul("s0", "s0", "s1").
		Fcvt("d1", "s0").
		Fcmp("d1", "d1").
		Cset("w0", "eq").
		Ret()
	h := newHarness(t, b)
	h.VecWrite(0, VecOf(uint64(math.Float32bits(1.25))))
	h.VecWrite(1, VecOf(uint64(math.Float32bits(2))))
	require.Equal(t, HaltUntil, h.call().Reason)
	assert.Equal(t, float32(2.5), h.VecRead(0).Float32())
	assert.Equal(t, 2.5, h.VecRead(1).Float64())
	assert.Equal(t, uint64(1), h.RegRead(X0))
}

func TestFetchFromDataHalts(t *testing.T) {
	_, data := hostPages(t, 16)
	h := newHarness(t, asm.New().Blr("x16").Ret())
	require.NoError(t, h.MemMap(data, uint64(unix.Getpagesize()), ProtRW))
	h.RegWrite(X(16), data)

	halt := h.call()
	assert.Equal(t, HaltFetchProt, halt.Reason)
	assert.True(t, halt.IsFetchFault())
	assert.Equal(t, data, halt.PC)
	assert.Equal(t, h.code+4, h.RegRead(LR), "BLR links before the fault")
}

func TestFetchUnmapped(t *testing.T) {
	h := newHarness(t, asm.New().Br("x16"))
	h.RegWrite(X(16), 0x1000)
	halt := h.call()
	assert.Equal(t, HaltFetchUnmapped, halt.Reason)
	assert.Equal(t, uint64(0x1000), halt.PC)
}

func TestReadFault(t *testing.T) {
	h := newHarness(t, asm.New().Ldr("x0", "x1", 0).Ret())
	halt := h.call(0, 0x10)
	assert.Equal(t, HaltReadFault, halt.Reason)
	assert.Equal(t, uint64(0x10), halt.Addr)
	assert.Equal(t, h.code, halt.PC)
}

func TestWriteToReadOnly(t *testing.T) {
	h := newHarness(t, asm.New().Str("x0", "x1", 0).Ret())
	halt := h.call(1, h.code)
	assert.Equal(t, HaltWriteFault, halt.Reason)
	assert.Equal(t, h.code, halt.Addr)
}

func TestUndefinedInstruction(t *testing.T) {
	h := newHarness(t, asm.New().Word(0))
	halt := h.call()
	assert.Equal(t, HaltUndefined, halt.Reason)
	assert.Equal(t, uint32(0), halt.Insn)
	assert.Contains(t, halt.String(), "undefined instruction")
}

func TestMaxSteps(t *testing.T) {
	h := newHarness(t, asm.New().B(0), WithMaxSteps(100))
	halt := h.call()
	assert.Equal(t, HaltStopped, halt.Reason)
	assert.Equal(t, uint64(100), h.Steps())
}

func TestUnmappedHandlerMapsOnDemand(t *testing.T) {
	page, addr := hostPages(t, 8)
	page[0] = 42
	var c *Interpreter
	var misses int
	c = NewInterpreter(WithUnmappedHandler(func(a uint64, _ int, acc Access) bool {
		misses++
		if acc == AccessRead && a >= addr && a < addr+uint64(len(page)) {
			return c.MemMap(addr, uint64(len(page)), ProtRead) == nil
		}
		return false
	}))
	buf := make([]byte, 1)
	require.NoError(t, c.MemRead(addr, buf))
	assert.Equal(t, byte(42), buf[0])
	require.NoError(t, c.MemRead(addr, buf))
	assert.Equal(t, 1, misses)

	err := c.MemWrite(addr, buf)
	var me *MemError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, AccessWrite, me.Access)
}

func TestMemoryProtectSplitsRegions(t *testing.T) {
	_, addr := hostPages(t, 3*unix.Getpagesize())
	ps := uint64(unix.Getpagesize())
	c := NewInterpreter()
	require.NoError(t, c.MemMap(addr, 3*ps, ProtRW))
	require.NoError(t, c.MemProtect(addr+ps, ps, ProtNone))

	p, ok := c.Mapped(addr)
	require.True(t, ok)
	assert.Equal(t, ProtRW, p)
	p, ok = c.Mapped(addr + ps)
	require.True(t, ok)
	assert.Equal(t, ProtNone, p)
	p, _ = c.Mapped(addr + 2*ps)
	assert.Equal(t, ProtRW, p)

	require.NoError(t, c.MemUnmap(addr+ps, ps))
	_, ok = c.Mapped(addr + ps)
	assert.False(t, ok)
	assert.Error(t, c.MemMap(addr, ps, ProtRW), "overlap")
}

func TestAccessSpansAdjacentRegions(t *testing.T) {
	page := uint64(unix.Getpagesize())
	mem, addr := hostPages(t, int(2*page))
	c := NewInterpreter()
	require.NoError(t, c.MemMap(addr, page, ProtRW))
	require.NoError(t, c.MemMap(addr+page, page, ProtRW))

	straddle := addr + page - 4
	require.NoError(t, c.MemWrite(straddle, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, mem[page-4:page+4])
	got := make([]byte, 8)
	require.NoError(t, c.MemRead(straddle, got))
	assert.Equal(t, mem[page-4:page+4], got)

	h := newHarness(t, asm.New().Ldr("x0", "x0", 0).Ret())
	require.NoError(t, h.MemMap(addr, page, ProtRW))
	require.NoError(t, h.MemMap(addr+page, page, ProtRW))
	halt := h.call(straddle)
	assert.Equal(t, HaltUntil, halt.Reason)
	assert.Equal(t, uint64(0x0807060504030201), h.RegRead(X0))

	require.NoError(t, c.MemProtect(addr+page, page, ProtRead))
	assert.Error(t, c.MemWrite(straddle, got))
	assert.NoError(t, c.MemRead(straddle, got))
}

func TestAccessMapsEachMissingPart(t *testing.T) {
	page := uint64(unix.Getpagesize())
	_, addr := hostPages(t, int(3*page))
	var misses []uint64
	var c *Interpreter
	c = NewInterpreter(WithUnmappedHandler(func(a uint64, _ int, _ Access) bool {
		misses = append(misses, a)
		p := a &^ (page - 1)
		return c.MemMap(p, page, ProtRW) == nil
	}))
	require.NoError(t, c.MemMap(addr+page, page, ProtRW))

	buf := make([]byte, page+16)
	require.NoError(t, c.MemRead(addr+page-8, buf))
	assert.Equal(t, []uint64{addr + page - 8, addr + 2*page}, misses)

	// A handler that claims success without mapping does not loop.
	stuck := NewInterpreter(WithUnmappedHandler(func(uint64, int, Access) bool { return true }))
	assert.Error(t, stuck.MemRead(addr, buf[:8]))
}

func TestDecodeLogicalImm(t *testing.T) {
	tests := []struct {
		n, immr, imms uint32
		is64          bool
		want          uint64
	}{
		{1, 0, 0, true, 1},
		{1, 0, 7, true, 0xff},
		{0, 0, 15, false, 0xffff},
		{0, 0, 0x3c, true, 0x5555555555555555},
		{1, 1, 0, true, 1 << 63},
		{0, 0, 0x30, false, 0x01010101},
	}
	for _, tt := range tests {
		got, ok := decodeLogicalImm(tt.n, tt.immr, tt.imms, tt.is64)
		require.True(t, ok)
		assert.Equalf(t, tt.want, got, "N=%d immr=%d imms=%d", tt.n, tt.immr, tt.imms)
	}
	_, ok := decodeLogicalImm(1, 0, 0x3f, true)
	assert.False(t, ok, "all ones is reserved")
}

func TestAddWithCarryFlags(t *testing.T) {
	_, flags := addWithCarry(0, ^uint64(1), 1, true) // 0 - 1
	assert.Equal(t, uint64(0x8)<<28, flags, "N set, borrow clears C")

	_, flags = addWithCarry(5, ^uint64(5), 1, true) // 5 - 5
	assert.Equal(t, uint64(0x6)<<28, flags, "Z and C")

	_, flags = addWithCarry(0x7fffffff, 1, 0, false)
	assert.Equal(t, uint64(0x9)<<28, flags, "N and V")
}

func TestExpandFPImm(t *testing.T) {
	assert.Equal(t, 1.0, expandFPImm(0x70))
	assert.Equal(t, 2.0, expandFPImm(0x00))
	assert.Equal(t, -0.5, expandFPImm(0xe0))
	assert.Equal(t, 0.125, expandFPImm(0x40))
}

func TestDisassemble(t *testing.T) {
	assert.Contains(t, Disassemble(0xd65f03c0), "ret")
}
