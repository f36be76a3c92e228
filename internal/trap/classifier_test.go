package trap

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/xyproto/a64bridge/internal/callsite"
	"github.com/xyproto/a64bridge/internal/fatal"
	"github.com/xyproto/a64bridge/internal/loader"
	"github.com/xyproto/a64bridge/internal/metrics"
	"github.com/xyproto/a64bridge/internal/typeenc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClasses struct {
	calls   atomic.Int32
	methods map[string][]loader.Method
	err     error
}

func (f *fakeClasses) MethodsOf(class string) ([]loader.Method, error) {
	f.calls.Add(1)
	return f.methods[class], f.err
}

type fakeEntryPoints struct {
	calls atomic.Int32
	load  func() error
}

func (f *fakeEntryPoints) LoadEntryPoints() error {
	f.calls.Add(1)
	return f.load()
}

type fixture struct {
	c       *Classifier
	symbols *loader.SymbolTable
	table   *loader.SignatureTable
	reg     *prometheus.Registry
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		symbols: loader.NewSymbolTable(),
		table:   loader.NewSignatureTable(),
		reg:     prometheus.NewPedanticRegistry(),
	}
	m, err := metrics.New(f.reg)
	require.NoError(t, err)
	opts := Options{
		Cache:      callsite.NewCache(),
		Handlers:   callsite.NewHandlers(),
		Symbols:    f.symbols,
		Signatures: f.table,
		Metrics:    m,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.c, err = New(opts)
	require.NoError(t, err)
	return f
}

func (f *fixture) lookups(t *testing.T, result string) float64 {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "a64bridge_callsite_lookups_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "result" && l.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestNeedsCacheAndHandlers(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestResolveFromTable(t *testing.T) {
	f := newFixture(t, nil)
	f.symbols.Add(loader.Symbol{Module: "/lib/libc.so.6", Name: "strlen", Addr: 0x1000})
	f.table.Set("libc", "strlen", "Q*")

	e, err := f.c.Resolve(0x1000)
	require.NoError(t, err)
	sig, ok := e.(*callsite.Signature)
	require.True(t, ok)
	assert.Equal(t, "strlen", sig.Name)

	again, err := f.c.Resolve(0x1000)
	require.NoError(t, err)
	assert.Same(t, e, again)
	assert.Equal(t, 1.0, f.lookups(t, metrics.ResultResolved))
	assert.Equal(t, 1.0, f.lookups(t, metrics.ResultHit))
}

func TestResolveNeedsExactSymbol(t *testing.T) {
	f := newFixture(t, nil)
	f.symbols.Add(loader.Symbol{Module: "libc", Name: "strlen", Addr: 0x1000})
	f.table.Set("libc", "strlen", "Q*")

	_, err := f.c.Resolve(0x1004)
	var u *UnresolvedError
	require.ErrorAs(t, err, &u)
	assert.Equal(t, uint64(0x1004), u.Addr)
	assert.Empty(t, u.Symbol)
	assert.Equal(t, "libc", u.Module)
	assert.Equal(t, fatal.KindUnresolved, u.FatalKind())
	assert.Equal(t, 1.0, f.lookups(t, metrics.ResultMiss))
}

func TestUnresolvedNamesSymbol(t *testing.T) {
	f := newFixture(t, nil)
	f.symbols.Add(loader.Symbol{Module: "libm", Name: "mystery", Addr: 0x2000})
	_, err := f.c.Resolve(0x2000)
	var u *UnresolvedError
	require.ErrorAs(t, err, &u)
	assert.Equal(t, "mystery", u.Symbol)
	assert.Contains(t, err.Error(), "libm`mystery")
}

func TestMalformedTableEncoding(t *testing.T) {
	f := newFixture(t, nil)
	f.symbols.Add(loader.Symbol{Module: "libc", Name: "broken", Addr: 0x1000})
	f.table.Set("libc", "broken", "{Unclosed=i")
	_, err := f.c.Resolve(0x1000)
	var syntax *typeenc.SyntaxError
	assert.ErrorAs(t, err, &syntax)
	_, ok := f.c.Cache().Lookup(0x1000)
	assert.False(t, ok)
}

func TestAliasByName(t *testing.T) {
	f := newFixture(t, nil)
	first, err := f.c.Register(0x1000, "v@:", "-[Widget draw]")
	require.NoError(t, err)

	f.symbols.Add(loader.Symbol{Module: "app", Name: "-[Widget draw]", Addr: 0x5000})
	f.symbols.Add(loader.Symbol{Module: "app", Name: "-[Widget(Fancy) draw]", Addr: 0x6000})

	for _, addr := range []uint64{0x5000, 0x6000} {
		e, err := f.c.Resolve(addr)
		require.NoError(t, err)
		assert.Same(t, first, e)
	}
	assert.Equal(t, 2.0, f.lookups(t, metrics.ResultAlias))
}

func TestLoadMethodsAreVoid(t *testing.T) {
	f := newFixture(t, nil)
	f.symbols.Add(loader.Symbol{Module: "app", Name: "+[Widget load]", Addr: 0x3000})
	e, err := f.c.Resolve(0x3000)
	require.NoError(t, err)
	sig, ok := callsite.SignatureOf(e)
	require.True(t, ok)
	assert.Equal(t, "v", sig.Host.Sig.String())
	assert.Equal(t, 1.0, f.lookups(t, metrics.ResultFallback))
}

func TestClassBulkRegistration(t *testing.T) {
	classes := &fakeClasses{methods: map[string][]loader.Method{
		"Widget": {
			{Name: "-[Widget draw]", Addr: 0x4000, Encoding: "v@:"},
			{Name: "-[Widget size]", Addr: 0x4100, Encoding: "{Size=dd}@:"},
		},
	}}
	f := newFixture(t, func(o *Options) { o.Classes = classes })
	f.symbols.Add(
		loader.Symbol{Module: "app", Name: "-[Widget draw]", Addr: 0x4000},
		loader.Symbol{Module: "app", Name: "-[Widget size]", Addr: 0x4100},
		loader.Symbol{Module: "app", Name: "-[Widget(Extra) size]", Addr: 0x4200},
		loader.Symbol{Module: "app", Name: "-[Widget unknown]", Addr: 0x4300},
	)

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			_, err := f.c.Resolve(0x4000)
			return err
		})
	}
	require.NoError(t, g.Wait())

	size, err := f.c.Resolve(0x4100)
	require.NoError(t, err)
	extra, err := f.c.Resolve(0x4200)
	require.NoError(t, err)
	assert.Same(t, size, extra)

	_, err = f.c.Resolve(0x4300)
	var u *UnresolvedError
	assert.ErrorAs(t, err, &u)

	assert.Equal(t, int32(1), classes.calls.Load())
	assert.Equal(t, []string{"Widget"}, f.c.Classes())
}

func TestRegisterClassSkipsSource(t *testing.T) {
	classes := &fakeClasses{err: errors.New("should not be asked")}
	f := newFixture(t, func(o *Options) { o.Classes = classes })
	err := f.c.RegisterClass("Gadget", []loader.Method{
		{Name: "-[Gadget run]", Addr: 0x7000, Encoding: "v@:"},
		{Name: "-[Gadget bad]", Addr: 0x7100, Encoding: "{"},
	})
	assert.Error(t, err)
	f.symbols.Add(loader.Symbol{Module: "app", Name: "-[Gadget run]", Addr: 0x7000})

	_, err = f.c.Resolve(0x7000)
	require.NoError(t, err)
	assert.Zero(t, classes.calls.Load())
}

func TestEntryPointsHookRunsOnce(t *testing.T) {
	var c *Classifier
	hook := &fakeEntryPoints{}
	hook.load = func() error {
		_, err := c.Register(0x9000, "ii???", "main")
		return err
	}
	f := newFixture(t, func(o *Options) { o.EntryPoints = hook })
	c = f.c

	e, err := c.Resolve(0x9000)
	require.NoError(t, err)
	assert.Equal(t, "main", e.DisplayName())

	_, err = c.Resolve(0x9100)
	assert.Error(t, err)
	assert.Equal(t, int32(1), hook.calls.Load())
}

func TestConcurrentMissesCompileOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.symbols.Add(loader.Symbol{Module: "libc", Name: "puts", Addr: 0x1000})
	f.table.Set("libc", "puts", "i*")

	entries := make([]callsite.Entry, 32)
	var g errgroup.Group
	for i := range entries {
		g.Go(func() error {
			e, err := f.c.Resolve(0x1000)
			entries[i] = e
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, e := range entries[1:] {
		assert.Same(t, entries[0], e)
	}
	assert.Equal(t, 1, f.c.Cache().Len())
}

func TestRegisterKeepsFirstEntry(t *testing.T) {
	f := newFixture(t, nil)
	first, err := f.c.Register(0x1000, "i", "a")
	require.NoError(t, err)
	second, err := f.c.Register(0x1000, "v", "b")
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = f.c.Register(0x2000, "$nosuch", "c")
	var unknown *callsite.UnknownHandlerError
	assert.ErrorAs(t, err, &unknown)
}
