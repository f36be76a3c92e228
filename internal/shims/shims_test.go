package shims

import (
	"encoding/binary"
	"io"
	"testing"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/xyproto/a64bridge/internal/aapcs"
	"github.com/xyproto/a64bridge/internal/callsite"
	"github.com/xyproto/a64bridge/internal/cpu"
	"github.com/xyproto/a64bridge/internal/typeenc"
)

type queued struct {
	fn       uint64
	encoding string
	args     []uint64
}

type hostCall struct {
	fn    uint64
	sig   *callsite.Signature
	frame *aapcs.HostFrame
}

type fakeEnv struct {
	m        aapcs.Machine
	guest    map[uint64]bool
	exported map[uint64]string
	atexit   []queued
	calls    []hostCall
}

func newFakeEnv(m aapcs.Machine) *fakeEnv {
	return &fakeEnv{m: m, guest: map[uint64]bool{}, exported: map[uint64]string{}}
}

func (e *fakeEnv) Log() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func (e *fakeEnv) RegisterCallSite(uint64, string, string) error { return nil }

func (e *fakeEnv) IsGuestCode(addr uint64) bool { return e.guest[addr] }

func (e *fakeEnv) ExportGuest(addr uint64, encoding, _ string) (uint64, error) {
	e.exported[addr] = encoding
	return addr | 0xe000_0000_0000, nil
}

func (e *fakeEnv) CallHost(fn uint64, sig *callsite.Signature) error {
	frame, err := aapcs.Lift(e.m, sig.Guest)
	if err != nil {
		return err
	}
	e.calls = append(e.calls, hostCall{fn, sig, frame})
	return nil
}

func (e *fakeEnv) AtExit(fn uint64, encoding string, args []uint64) error {
	e.atexit = append(e.atexit, queued{fn, encoding, args})
	return nil
}

// page maps one page of host memory into a fresh interpreter.
func page(t *testing.T) (*cpu.Interpreter, []byte, uint64) {
	t.Helper()
	b, err := unix.Mmap(-1, 0, 4096, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(b) })
	addr := uint64(uintptr(unsafe.Pointer(&b[0])))
	m := cpu.NewInterpreter()
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.MemMap(addr, 4096, cpu.ProtRW))
	return m, b, addr
}

func TestScanFormat(t *testing.T) {
	tests := []struct {
		format, want string
	}{
		{"plain text\n", ""},
		{"%d %s\n", "i*"},
		{"%ld %llu %5.2f %Lf %p %%", "qQdD^v"},
		{"%*.*s|%-08x", "ii*I"},
		{"%zx %hhd %c %jd %tu", "QiiqQ"},
		{"%e %G %a", "ddd"},
		{"%m and %n", "^v"},
	}
	for _, tt := range tests {
		got, err := ScanFormat(tt.format)
		require.NoError(t, err, tt.format)
		assert.Equal(t, tt.want, got, tt.format)
	}

	for _, bad := range []string{"100%", "%1$d", "%y", "%l"} {
		_, err := ScanFormat(bad)
		var fe *FormatError
		assert.ErrorAs(t, err, &fe, bad)
	}
}

func TestReadCString(t *testing.T) {
	m, mem, addr := page(t)
	copy(mem[4090:], "hello\x00")
	s, err := ReadCString(m, addr+4090)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	_, err = ReadCString(m, 0)
	assert.Error(t, err)

	// Runs off the end of the mapping.
	for i := range mem[4000:] {
		mem[4000+i] = 'x'
	}
	_, err = ReadCString(m, addr+4000)
	assert.Error(t, err)
}

func TestSetjmpLongjmp(t *testing.T) {
	m, _, buf := page(t)
	for i := 0; i < 10; i++ {
		m.RegWrite(cpu.X19+cpu.Reg(i), uint64(0x1900+i))
	}
	m.RegWrite(cpu.FP, 0xf00)
	m.RegWrite(cpu.SP, 0x5000)
	for i := 8; i < 16; i++ {
		m.VecWrite(i, cpu.VecOf(uint64(0xd00+i)))
	}
	m.RegWrite(cpu.X0, buf)
	ctx := &callsite.ShimContext{Return: 0x4444, Machine: m, Env: newFakeEnv(m)}

	resume, err := Setjmp(ctx)
	require.NoError(t, err)
	assert.Zero(t, resume)
	assert.Zero(t, m.RegRead(cpu.X0))

	for _, val := range []uint64{0, 5} {
		for i := 0; i < 10; i++ {
			m.RegWrite(cpu.X19+cpu.Reg(i), 0)
		}
		m.RegWrite(cpu.FP, 0)
		m.RegWrite(cpu.SP, 0x100)
		m.VecWrite(9, cpu.Vec{})
		m.RegWrite(cpu.X0, buf)
		m.RegWrite(cpu.X1, val)

		resume, err = Longjmp(&callsite.ShimContext{Return: 0x9999, Machine: m, Env: ctx.Env})
		require.NoError(t, err)
		assert.Equal(t, uint64(0x4444), resume)
		assert.Equal(t, uint64(0x4444), m.RegRead(cpu.LR))
		assert.Equal(t, max(val, 1), m.RegRead(cpu.X0))
		assert.Equal(t, uint64(0x1900), m.RegRead(cpu.X19))
		assert.Equal(t, uint64(0x1909), m.RegRead(cpu.X(28)))
		assert.Equal(t, uint64(0xf00), m.RegRead(cpu.FP))
		assert.Equal(t, uint64(0x5000), m.RegRead(cpu.SP))
		assert.Equal(t, uint64(0xd09), m.VecRead(9).Uint64())
	}
}

func TestLongjmpRejectsBadBuffers(t *testing.T) {
	m, _, buf := page(t)
	env := newFakeEnv(m)

	m.RegWrite(cpu.X0, 0)
	_, err := Longjmp(&callsite.ShimContext{Machine: m, Env: env})
	assert.Error(t, err)

	m.RegWrite(cpu.X0, buf+1024)
	_, err = Longjmp(&callsite.ShimContext{Machine: m, Env: env})
	assert.ErrorContains(t, err, "never filled")

	m.RegWrite(cpu.X0, 0)
	_, err = Setjmp(&callsite.ShimContext{Machine: m, Env: env})
	assert.Error(t, err)
}

func TestAtexitQueues(t *testing.T) {
	m, _, _ := page(t)
	env := newFakeEnv(m)
	ctx := &callsite.ShimContext{Machine: m, Env: env}

	m.RegWrite(cpu.X0, 0x1000)
	_, err := Atexit(ctx)
	require.NoError(t, err)

	m.RegWrite(cpu.X0, 0x2000)
	m.RegWrite(cpu.X1, 0xabc)
	m.RegWrite(cpu.X(2), 0xd50)
	_, err = CxaAtexit(ctx)
	require.NoError(t, err)

	assert.Equal(t, []queued{
		{0x1000, "v", nil},
		{0x2000, "v^v", []uint64{0xabc}},
	}, env.atexit)
	assert.Zero(t, m.RegRead(cpu.X0))
}

func TestPrintfBuildsVariadicCall(t *testing.T) {
	m, mem, addr := page(t)
	copy(mem, "x=%d y=%s z=%.2f\n\x00")
	sp := addr + 2048
	binary.LittleEndian.PutUint64(mem[2048:], 42)
	binary.LittleEndian.PutUint64(mem[2056:], addr+100)
	binary.LittleEndian.PutUint64(mem[2064:], 0x4004000000000000) // 2.5
	m.RegWrite(cpu.SP, sp)
	m.RegWrite(cpu.X0, addr)

	env := newFakeEnv(m)
	h := callsite.NewHandlers()
	Install(h)
	shim, ok := h.Shim("printf")
	require.True(t, ok)
	_, err := shim(&callsite.ShimContext{Addr: 0x7777, Machine: m, Env: env})
	require.NoError(t, err)

	require.Len(t, env.calls, 1)
	call := env.calls[0]
	assert.Equal(t, uint64(0x7777), call.fn)
	sig := call.sig.Host
	assert.True(t, sig.Variadic)
	assert.Equal(t, 1, sig.FixedArgs)
	require.Len(t, sig.Args, 4)
	assert.Equal(t, int32(42), *(*int32)(call.frame.Args[1]))
	assert.Equal(t, addr+100, *(*uint64)(call.frame.Args[2]))
	assert.Equal(t, 2.5, *(*float64)(call.frame.Args[3]))
}

func TestSnprintfFormatArgument(t *testing.T) {
	m, mem, addr := page(t)
	copy(mem[512:], "%d\x00")
	m.RegWrite(cpu.SP, addr+2048)
	m.RegWrite(cpu.X0, addr)
	m.RegWrite(cpu.X1, 64)
	m.RegWrite(cpu.X(2), addr+512)
	env := newFakeEnv(m)

	_, err := Printf("snprintf", printfFamily["snprintf"])(&callsite.ShimContext{Addr: 1, Machine: m, Env: env})
	require.NoError(t, err)
	require.Len(t, env.calls, 1)
	assert.Equal(t, 3, env.calls[0].sig.Host.FixedArgs)
	assert.Equal(t, uint64(64), *(*uint64)(env.calls[0].frame.Args[1]))

	copy(mem[512:], "%q\x00")
	_, err = Printf("snprintf", printfFamily["snprintf"])(&callsite.ShimContext{Addr: 1, Machine: m, Env: env})
	var fe *FormatError
	assert.ErrorAs(t, err, &fe)
}

func TestCallbackHookExportsGuestPointers(t *testing.T) {
	m, _, _ := page(t)
	env := newFakeEnv(m)
	env.guest[0x4000] = true

	h := callsite.NewHandlers()
	Install(h)
	hooks, ok := h.Hooks("qsort")
	require.True(t, ok)

	sig, err := typeenc.Compile("v^vQQ^?")
	require.NoError(t, err)
	base, n, size, cmp := uint64(0x100), uint64(3), uint64(8), uint64(0x4000)
	args := []unsafe.Pointer{unsafe.Pointer(&base), unsafe.Pointer(&n), unsafe.Pointer(&size), unsafe.Pointer(&cmp)}
	require.NoError(t, hooks.ToHost(&callsite.HookContext{Sig: sig, Args: args, Env: env}))
	assert.Equal(t, uint64(0xe000_0000_4000), cmp)
	assert.Equal(t, "i^v^v", env.exported[0x4000])

	// Host function pointers are left alone.
	cmp = 0x9000
	require.NoError(t, hooks.ToHost(&callsite.HookContext{Sig: sig, Args: args, Env: env}))
	assert.Equal(t, uint64(0x9000), cmp)

	// Missing slot.
	hooks, _ = h.Hooks("bsearch")
	assert.Error(t, hooks.ToHost(&callsite.HookContext{Sig: sig, Args: args, Env: env}))
}

func TestInstallRegistersEverything(t *testing.T) {
	h := callsite.NewHandlers()
	Install(h)
	for _, name := range []string{"setjmp", "_setjmp", "sigsetjmp", "longjmp", "_longjmp", "siglongjmp", "atexit", "__cxa_atexit", "printf", "fprintf", "sprintf", "snprintf"} {
		_, ok := h.Shim(name)
		assert.True(t, ok, name)
	}
	for _, cb := range Callbacks {
		_, ok := h.Hooks(cb.Name)
		assert.True(t, ok, cb.Name)
	}
	e, err := callsite.Compile("%pthread_create:i^v^v^?^v", "pthread_create", h)
	require.NoError(t, err)
	assert.IsType(t, &callsite.Wrapper{}, e)
}
