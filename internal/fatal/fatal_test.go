package fatal

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() *Report {
	return &Report{
		Kind:      KindUnresolved,
		Message:   "no signature for call target",
		Addr:      0x7f001234,
		Module:    "libdemo.so",
		Symbol:    "libdemo.so`frobnicate+0x4",
		Registers: []Register{{"x0", 1}, {"x1", 2}, {"sp", 0x1000}, {"pc", 0x7f001234}, {"lr", 0x4000}},
		History:   []string{"guest->host add sp=0x1000"},
		StackUsed: 2048,
		Err:       errors.New("symbol has no table entry"),
	}
}

func TestErrorString(t *testing.T) {
	r := sampleReport()
	assert.Equal(t,
		"unresolved call site: no signature for call target at 0x7f001234 (libdemo.so`frobnicate+0x4): symbol has no table entry",
		r.Error())

	r = &Report{Kind: KindFault, Message: "read fault", Module: "[anon]"}
	assert.Equal(t, "guest fault: read fault in [anon]", r.Error())
}

func TestFormatWithoutColor(t *testing.T) {
	out := sampleReport().Format(false)
	assert.NotContains(t, out, "\x1b[")
	assert.Contains(t, out, "fatal: unresolved call site: no signature for call target\n")
	assert.Contains(t, out, "  --> 0x7f001234 in libdemo.so (libdemo.so`frobnicate+0x4)\n")
	assert.Contains(t, out, "cause: symbol has no table entry")
	assert.Contains(t, out, "stack: 2KiB in use")
	assert.Contains(t, out, "  x0=0000000000000001")
	assert.Contains(t, out, "  lr=0000000000004000\n")
	assert.Contains(t, out, "guest->host add sp=0x1000")
}

func TestFormatWithColor(t *testing.T) {
	out := sampleReport().Format(true)
	assert.Contains(t, out, "\x1b[")
}

func TestDefaultHandlerExits(t *testing.T) {
	log, hook := test.NewNullLogger()
	var buf bytes.Buffer
	code := -1
	h := DefaultHandler(log, &buf, false, func(c int) { code = c })
	h(sampleReport())

	assert.Equal(t, ExitCode, code)
	assert.Contains(t, buf.String(), "unresolved call site")
	assert.NotContains(t, buf.String(), "\x1b[", "a buffer is not a terminal")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "unresolved call site", entry.Data["kind"])
	assert.Equal(t, "libdemo.so", entry.Data["module"])
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("boom")
	assert.ErrorIs(t, &Report{Err: inner}, inner)
	var r *Report
	assert.ErrorAs(t, errors.Wrap(&Report{Kind: KindStack}, "session"), &r)
	assert.Equal(t, KindStack, r.Kind)
}

func TestKindNames(t *testing.T) {
	for k := KindSignature; k <= KindInternal; k++ {
		assert.NotEqual(t, "unknown", k.String())
	}
	assert.Equal(t, "unknown", Kind(99).String())
}
