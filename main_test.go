package main

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyproto/a64bridge/internal/cpu/asm"
	"github.com/xyproto/a64bridge/internal/loader/elftest"
	"github.com/xyproto/a64bridge/internal/typeenc"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errw bytes.Buffer
	var exits []int
	root := newRootCommand(&out, &errw, func(code int) { exits = append(exits, code) })
	root.SetArgs(append(args, "--no-color"))
	err := root.Execute()
	require.Empty(t, exits, "guest aborted: %s", errw.String())
	return out.String(), err
}

func TestSigCommand(t *testing.T) {
	out, err := execute(t, "sig", "d{CGPoint=dd}i")
	require.NoError(t, err)
	assert.Contains(t, out, "canonical: d{CGPoint=dd}i")
	assert.Contains(t, out, "hfa 1 x double")
	assert.Contains(t, out, "v0-v1")
	assert.Contains(t, out, "struct CGPoint size=16 align=8")
	assert.Contains(t, out, "+8    d")

	out, err = execute(t, "sig", "$printf", "%qsort:v^vQQ^?")
	require.NoError(t, err)
	assert.Contains(t, out, "shim printf")
	assert.Contains(t, out, "hooks qsort around")

	out, err = execute(t, "sig", "--fixed", "1", "i*iq")
	require.NoError(t, err)
	assert.Contains(t, out, "arg 1...:")
	assert.NotContains(t, out, "arg 0...:")
}

func TestSigRejectsBadEncodings(t *testing.T) {
	_, err := execute(t, "sig", "{broken")
	var se *typeenc.SyntaxError
	assert.ErrorAs(t, err, &se)

	_, err = execute(t, "sig", "$nosuchshim")
	assert.Error(t, err)
}

func writeGuest(t *testing.T, b *asm.Builder) string {
	t.Helper()
	require.NoError(t, b.Err())
	path := filepath.Join(t.TempDir(), "guest.bin")
	require.NoError(t, os.WriteFile(path, b.Bytes(), 0o644))
	return path
}

func TestRunCallsBuiltinHostFunction(t *testing.T) {
	// Tail calls its second argument with the first plus one.
	path := writeGuest(t, asm.New().AddImm("x0", "x0", 1).Br("x1"))

	out, err := execute(t, "run", path, "--stack-size", "256KiB", "--sig", "iq^v", "--arg", "64", "--arg", "@putchar")
	require.NoError(t, err)
	assert.Contains(t, out, "Aresult: 65\n")
	assert.Contains(t, out, "a64bridge_traps_total")
	assert.Contains(t, out, "a64bridge_guest_stack_high_water_bytes")
}

func TestRunWithoutMetrics(t *testing.T) {
	path := writeGuest(t, asm.New().AddReg("x0", "x0", "x1").Ret())

	out, err := execute(t, "run", path, "--stack-size", "256KiB", "--sig", "qqq", "-a", "-2", "-a", "0x2c", "--metrics=false")
	require.NoError(t, err)
	assert.Equal(t, "result: 42\n", out)
}

func TestRunRejectsBadArguments(t *testing.T) {
	path := writeGuest(t, asm.New().Ret())

	_, err := execute(t, "run", path, "--sig", "qq")
	assert.ErrorContains(t, err, "takes 1 arguments, got 0")

	_, err = execute(t, "run", path, "--sig", "v^v", "--arg", "@nosuch")
	assert.ErrorContains(t, err, "no built-in host function")

	_, err = execute(t, "run", path, "--entry", "0x100000")
	assert.ErrorContains(t, err, "outside")

	_, err = execute(t, "run", filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)
}

func TestEncodeArgs(t *testing.T) {
	sig, err := typeenc.Compile("vcIfd^v")
	require.NoError(t, err)
	args, err := encodeArgs(sig, []string{"-5", "0x10", "1.5", "-0.25", "@puts"}, map[string]uint64{"puts": 0xabc0})
	require.NoError(t, err)
	require.Len(t, args, 5)
	assert.Equal(t, int8(-5), *(*int8)(args[0]))
	assert.Equal(t, uint32(16), *(*uint32)(args[1]))
	assert.Equal(t, float32(1.5), *(*float32)(args[2]))
	assert.Equal(t, -0.25, *(*float64)(args[3]))
	assert.Equal(t, uint64(0xabc0), *(*uint64)(args[4]))

	_, err = encodeArgs(sig, []string{"300", "1", "1", "1", "0"}, nil)
	assert.Error(t, err, "out of range for a char")

	sig, err = typeenc.Compile("v{P=ii}")
	require.NoError(t, err)
	_, err = encodeArgs(sig, []string{"1"}, nil)
	assert.ErrorContains(t, err, "cannot be given on the command line")
}

func TestFormatValue(t *testing.T) {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b, uint32(0xfffffffe))
	assert.Equal(t, "-2", formatValue(typeenc.Int32Type, b))
	assert.Equal(t, "4294967294", formatValue(typeenc.Uint32Type, b))

	binary.LittleEndian.PutUint64(b, math.Float64bits(2.5))
	assert.Equal(t, "2.5", formatValue(typeenc.DoubleType, b))
	assert.Equal(t, "void", formatValue(typeenc.VoidType, b))

	binary.LittleEndian.PutUint64(b, 0x1000)
	assert.Equal(t, "0x1000", formatValue(typeenc.PointerType, b))
}

func TestSymbolsCommand(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "libdemo.so")
	require.NoError(t, elftest.Write(lib, "add", "strlen"))
	other := filepath.Join(dir, "libother.so")
	require.NoError(t, elftest.Write(other, "puts"))

	table := filepath.Join(dir, "sigs.toml")
	require.NoError(t, os.WriteFile(table, []byte("[libdemo]\nadd = \"iii\"\n\n[default]\nputs = \"i*\"\n"), 0o644))

	out, err := execute(t, "symbols", lib, other, "--signatures", table)
	require.NoError(t, err)
	assert.Contains(t, out, lib+" (2 functions)")
	assert.Contains(t, out, other+" (1 functions)")
	assert.Regexp(t, `0x00001000 +16 add +iii\n`, out)
	assert.Regexp(t, `0x00001010 +16 strlen +\n`, out)
	assert.Regexp(t, `puts +i\*\n`, out)

	out, err = execute(t, "symbols", "--dynamic", lib, "--signatures", table)
	require.NoError(t, err)
	assert.Regexp(t, `(?m)^  add +iii$`, out)
	assert.NotContains(t, out, "0x00001000")

	_, err = execute(t, "symbols", table)
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, versionString)
	assert.Contains(t, out, "guest: aarch64-linux")
	assert.Contains(t, out, "native host calls:")
}
