package loader

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyproto/a64bridge/internal/cpu"
	"github.com/xyproto/a64bridge/internal/loader/elftest"
)

func TestSymbolTableNearest(t *testing.T) {
	st := NewSymbolTable()
	st.Add(
		Symbol{Module: "libdemo", Name: "add", Addr: 0x1000, Size: 0x20},
		Symbol{Module: "libdemo", Name: "mul", Addr: 0x1040},
		Symbol{Module: "libdemo", Name: "-[Widget draw]", Addr: 0x2000, Size: 8},
	)
	require.Equal(t, 3, st.Len())

	s, ok := st.LookupSymbol(0x1000)
	require.True(t, ok)
	assert.True(t, s.Exact)
	assert.Equal(t, "add", s.Name)

	s, ok = st.LookupSymbol(0x1010)
	require.True(t, ok)
	assert.False(t, s.Exact)
	assert.Equal(t, uint64(0x10), s.Offset)
	assert.Equal(t, "libdemo`add+0x10", s.String())

	_, ok = st.LookupSymbol(0x1030)
	assert.False(t, ok, "past the end of a sized symbol")

	s, ok = st.LookupSymbol(0x1f00)
	require.True(t, ok, "unsized symbols extend to the next one")
	assert.Equal(t, "mul", s.Name)

	_, ok = st.LookupSymbol(0xfff)
	assert.False(t, ok)

	s, ok = st.ByName("-[Widget draw]")
	require.True(t, ok)
	assert.Equal(t, uint64(0x2000), s.Addr)
}

func TestRegionSet(t *testing.T) {
	rs := NewRegionSet()
	require.NoError(t, rs.Add(Region{Start: 0x10000, End: 0x20000, Module: "app", Exec: true}))
	require.NoError(t, rs.Add(Region{Start: 0x20000, End: 0x30000, Module: "app.data"}))
	assert.Error(t, rs.Add(Region{Start: 0x1f000, End: 0x21000, Module: "overlap"}))
	assert.Error(t, rs.Add(Region{Start: 0x5000, End: 0x5000}))

	assert.True(t, rs.IsGuestExecutable(0x10000))
	assert.True(t, rs.IsGuestExecutable(0x1fffc))
	assert.False(t, rs.IsGuestExecutable(0x20000), "data is not executable")
	assert.False(t, rs.IsGuestExecutable(0x30000))
	assert.False(t, rs.IsGuestExecutable(0x100))

	s, ok := rs.LookupSymbol(0x10010)
	require.True(t, ok)
	assert.Equal(t, "app+0x10", s.String())

	rs.Remove(0x10000)
	assert.False(t, rs.IsGuestExecutable(0x10000))
	assert.Len(t, rs.Regions(), 1)
}

func TestSymbolizersPreferExact(t *testing.T) {
	rs := NewRegionSet()
	require.NoError(t, rs.Add(Region{Start: 0x1000, End: 0x2000, Module: "app", Exec: true}))
	st := NewSymbolTable()
	st.Add(Symbol{Module: "app", Name: "main", Addr: 0x1100})

	s, ok := Symbolizers{rs, nil, st}.LookupSymbol(0x1100)
	require.True(t, ok)
	assert.Equal(t, "main", s.Name)

	s, ok = Symbolizers{rs, st}.LookupSymbol(0x1104)
	require.True(t, ok)
	assert.Equal(t, "main", s.Name, "a named symbol beats a bare module")

	s, ok = Symbolizers{rs, st}.LookupSymbol(0x1004)
	require.True(t, ok)
	assert.Equal(t, "app+0x4", s.String())
}

func TestParseMethodName(t *testing.T) {
	m, ok := ParseMethodName("-[Widget(Fancy) drawInRect:]")
	require.True(t, ok)
	assert.Equal(t, MethodName{Instance: true, Class: "Widget", Category: "Fancy", Selector: "drawInRect:"}, m)
	assert.Equal(t, "-[Widget(Fancy) drawInRect:]", m.String())

	m, ok = ParseMethodName("+[Widget load]")
	require.True(t, ok)
	assert.False(t, m.Instance)

	for _, bad := range []string{"printf", "-[Widget]", "[Widget draw]", "-Widget draw]"} {
		_, ok := ParseMethodName(bad)
		assert.False(t, ok, bad)
	}

	s, changed := StripQualifier("+[Widget(Extras) shared]")
	assert.True(t, changed)
	assert.Equal(t, "+[Widget shared]", s)
	s, changed = StripQualifier("f(x)")
	assert.False(t, changed)
	assert.Equal(t, "f(x)", s)
}

const table = `
[libc]
strlen = "Q*"
printf = "$printf"

[libdemo]
"-[Widget draw]" = "v@:"
"+[Widget load]" = "v@:"

[default]
abort = "v"
`

func TestSignatureTable(t *testing.T) {
	st, err := ParseSignatureTable(table)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Len())
	assert.Equal(t, []string{"default", "libc", "libdemo"}, st.Modules())

	enc, ok := st.TypeEncodingFor("/lib/x86_64-linux-gnu/libc.so.6", "strlen")
	require.True(t, ok)
	assert.Equal(t, "Q*", enc)

	enc, ok = st.TypeEncodingFor("libdemo", "-[Widget(Fancy) draw]")
	require.True(t, ok, "category stripped")
	assert.Equal(t, "v@:", enc)

	enc, ok = st.TypeEncodingFor("anything", "abort")
	require.True(t, ok)
	assert.Equal(t, "v", enc)

	_, ok = st.TypeEncodingFor("libc", "missing")
	assert.False(t, ok)

	other := NewSignatureTable()
	other.Set("libm", "cos", "dd")
	st.Merge(other)
	enc, ok = st.TypeEncodingFor("libm.so.6", "cos")
	require.True(t, ok)
	assert.Equal(t, "dd", enc)
}

func TestLoadSignatureTableRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.toml")
	require.NoError(t, os.WriteFile(good, []byte(table), 0o644))
	st, err := LoadSignatureTable(good)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Len())

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[libc]\nstrlen = 3\n"), 0o644))
	_, err = LoadSignatureTable(bad)
	assert.Error(t, err)

	_, err = LoadSignatureTable(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestModuleName(t *testing.T) {
	assert.Equal(t, "libc", ModuleName("/lib/x86_64-linux-gnu/libc.so.6"))
	assert.Equal(t, "libfoo", ModuleName("libfoo.dylib"))
	assert.Equal(t, "app", ModuleName("/usr/bin/app"))
}

func TestClassMethods(t *testing.T) {
	st := NewSymbolTable()
	st.Add(
		Symbol{Module: "libdemo", Name: "-[Widget draw]", Addr: 0x100},
		Symbol{Module: "libdemo", Name: "+[Widget load]", Addr: 0x200},
		Symbol{Module: "libdemo", Name: "-[Widget secret]", Addr: 0x300},
		Symbol{Module: "libdemo", Name: "-[Gadget draw]", Addr: 0x400},
	)
	sigs, err := ParseSignatureTable(table)
	require.NoError(t, err)

	methods, err := SymbolClassMethods{Symbols: st, Signatures: sigs}.MethodsOf("Widget")
	require.NoError(t, err)
	assert.Equal(t, []Method{
		{Name: "-[Widget draw]", Addr: 0x100, Encoding: "v@:"},
		{Name: "+[Widget load]", Addr: 0x200, Encoding: "v@:"},
	}, methods)

	_, err = SymbolClassMethods{}.MethodsOf("Widget")
	assert.Error(t, err)
}

func TestELFSymbols(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libdemo.so")
	require.NoError(t, elftest.Write(path, "add", "mul", "strlen"))

	syms, err := ELFSymbols(path, 0x7000_0000)
	require.NoError(t, err)
	require.Len(t, syms, 3, "dynamic and static entries are merged")
	byName := map[string]Symbol{}
	for _, s := range syms {
		byName[s.Name] = s
	}
	assert.Equal(t, Symbol{Module: "libdemo.so", Name: "mul", Addr: 0x7000_0000 + elftest.Addr(1), Size: elftest.FuncSize}, byName["mul"])
	assert.Equal(t, 0x7000_0000+elftest.Addr(2), byName["strlen"].Addr)

	names, err := ELFFunctionNames(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"add", "mul", "strlen"}, names)

	st := NewSymbolTable()
	st.Add(syms...)
	s, ok := st.LookupSymbol(0x7000_0000 + elftest.Addr(2) + 4)
	require.True(t, ok)
	assert.Equal(t, "libdemo.so`strlen+0x4", s.String())

	_, err = ELFSymbols(filepath.Join(t.TempDir(), "nope"), 0)
	assert.Error(t, err)
	_, err = ELFFunctionNames(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestHostMapsFindsHeapAndStack(t *testing.T) {
	hm := NewHostMaps()
	var local [64]byte
	addr := uint64(uintptr(unsafe.Pointer(&local[0])))
	m, ok := hm.Find(addr)
	require.True(t, ok)
	assert.True(t, m.Read)
	assert.True(t, m.Write)

	s, ok := hm.LookupSymbol(addr)
	require.True(t, ok)
	assert.NotEmpty(t, s.Module)

	_, ok = hm.Find(0x10)
	assert.False(t, ok)
}

func TestFlatImage(t *testing.T) {
	code := []byte{0xc0, 0x03, 0x5f, 0xd6} // ret
	img, err := LoadFlat("ret.bin", code)
	require.NoError(t, err)
	t.Cleanup(func() { _ = img.Close() })
	assert.Zero(t, img.Base%4096)

	rs := NewRegionSet()
	eng := cpu.NewInterpreter()
	require.NoError(t, img.Map(eng, rs))
	assert.True(t, rs.IsGuestExecutable(img.Base))

	prot, ok := eng.Mapped(img.Base)
	require.True(t, ok)
	assert.Equal(t, cpu.ProtRX, prot)

	got := make([]byte, 4)
	require.NoError(t, eng.MemRead(img.Base, got))
	assert.Equal(t, code, got)

	_, err = LoadFlat("empty", nil)
	assert.Error(t, err)
}
