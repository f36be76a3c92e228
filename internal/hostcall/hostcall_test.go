package hostcall

import (
	"testing"
	"unsafe"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xyproto/a64bridge/internal/typeenc"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func descriptor(t *testing.T, enc string) *Descriptor {
	t.Helper()
	sig, err := typeenc.Compile(enc)
	require.NoError(t, err)
	return NewDescriptor(sig)
}

func TestRegistryAddressesAreDistinctStubs(t *testing.T) {
	r := newRegistry(t)
	a, err := r.Register("a", func(*Call) error { return nil })
	require.NoError(t, err)
	b, err := r.Register("b", func(*Call) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(StubSize), b-a)
	assert.True(t, r.Contains(a))

	name, ok := r.Name(b)
	require.True(t, ok)
	assert.Equal(t, "b", name)
	_, ok = r.Name(a + 4)
	assert.False(t, ok, "only stub starts are functions")

	_, err = r.Register("a", func(*Call) error { return nil })
	assert.Error(t, err)
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestRegistryInvoke(t *testing.T) {
	r := newRegistry(t)
	addr := r.MustRegister("scale", func(c *Call) error {
		c.SetFloat(float64(c.Int(0)) * c.Float(1))
		return nil
	})
	d := descriptor(t, "d c f")
	n := int8(-3)
	x := float32(1.5)
	var ret [16]byte
	err := r.Invoke(addr, d, []unsafe.Pointer{unsafe.Pointer(&n), unsafe.Pointer(&x)}, unsafe.Pointer(&ret))
	require.NoError(t, err)
	assert.Equal(t, -4.5, *(*float64)(unsafe.Pointer(&ret)))
}

func TestCallWidensIntegerResults(t *testing.T) {
	r := newRegistry(t)
	addr := r.MustRegister("neg", func(c *Call) error {
		c.SetInt(-c.Int(0))
		return nil
	})
	d := descriptor(t, "i I")
	in := uint32(0xffffffff)
	var ret [16]byte
	require.NoError(t, r.Invoke(addr, d, []unsafe.Pointer{unsafe.Pointer(&in)}, unsafe.Pointer(&ret)))
	assert.Equal(t, int64(-0xffffffff), *(*int64)(unsafe.Pointer(&ret)))
}

func TestRegistryErrors(t *testing.T) {
	r := newRegistry(t)
	boom := errors.New("boom")
	addr := r.MustRegister("fails", func(*Call) error { return boom })
	d := descriptor(t, "v")

	err := r.Invoke(addr, d, nil, nil)
	assert.Equal(t, boom, errors.Cause(err))
	assert.Contains(t, err.Error(), "fails")

	assert.Equal(t, ErrNoHostImplementation, r.Invoke(addr+StubSize, d, nil, nil))
	assert.Equal(t, ErrNoHostImplementation, r.Invoke(0x1000, d, nil, nil))
	assert.Error(t, r.Invoke(addr, descriptor(t, "v i"), nil, nil), "argument count mismatch")
}

func TestChainFallsThrough(t *testing.T) {
	first, second := newRegistry(t), newRegistry(t)
	var hit string
	addr := second.MustRegister("late", func(*Call) error {
		hit = "second"
		return nil
	})
	chain := Chain{first, second}
	require.NoError(t, chain.Invoke(addr, descriptor(t, "v"), nil, nil))
	assert.Equal(t, "second", hit)

	err := chain.Invoke(0x2000, descriptor(t, "v"), nil, nil)
	assert.Equal(t, ErrNoHostImplementation, errors.Cause(err))
}

func TestRegistryClosure(t *testing.T) {
	r := newRegistry(t)
	d := descriptor(t, "q q q")
	fp, err := Chain{r}.NewClosure("add", d, func(args []unsafe.Pointer, ret unsafe.Pointer) {
		*(*int64)(ret) = *(*int64)(args[0]) + *(*int64)(args[1])
	})
	require.NoError(t, err)
	name, _ := r.Name(fp)
	assert.Contains(t, name, "closure.add")

	a, b := int64(40), int64(2)
	var ret [16]byte
	require.NoError(t, r.Invoke(fp, d, []unsafe.Pointer{unsafe.Pointer(&a), unsafe.Pointer(&b)}, unsafe.Pointer(&ret)))
	assert.Equal(t, int64(42), *(*int64)(unsafe.Pointer(&ret)))
}

func TestConcurrentClosuresGetDistinctNames(t *testing.T) {
	r := newRegistry(t)
	d := descriptor(t, "v")
	addrs := make([]uint64, 32)
	var g errgroup.Group
	for i := range addrs {
		g.Go(func() error {
			fp, err := r.NewClosure("cb", d, func([]unsafe.Pointer, unsafe.Pointer) {})
			addrs[i] = fp
			return err
		})
	}
	require.NoError(t, g.Wait())

	names := mapset.NewThreadUnsafeSet[string]()
	for _, fp := range addrs {
		name, ok := r.Name(fp)
		require.True(t, ok)
		names.Add(name)
	}
	assert.Equal(t, len(addrs), names.Cardinality())
	assert.Equal(t, len(addrs), mapset.NewThreadUnsafeSet(addrs...).Cardinality())
}

func TestDescriptorString(t *testing.T) {
	sig, err := typeenc.CompileVariadic("i * i d", 1)
	require.NoError(t, err)
	d := NewDescriptor(sig)
	assert.Equal(t, "i(^v, ... i, d)", d.String())
	assert.Equal(t, []uint64{8, 4, 8}, d.ArgSizes())
	assert.Equal(t, uint64(4), d.RetSize())
}
