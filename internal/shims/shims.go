// Completion: 100% - Built-in shims and callback hooks complete

// Package shims holds the call handlers that cannot be marshaled
// generically: calls that capture or replace guest register state, calls
// whose argument list is only known from a format string, and host calls
// that receive guest function pointers.
package shims

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/xyproto/a64bridge/internal/aapcs"
	"github.com/xyproto/a64bridge/internal/callsite"
	"github.com/xyproto/a64bridge/internal/cpu"
)

// maxCString bounds reads of guest C strings.
const maxCString = 64 << 10

// Install registers every built-in shim and hook pair on h.
func Install(h *callsite.Handlers) {
	for _, name := range []string{"setjmp", "_setjmp", "sigsetjmp"} {
		h.RegisterShim(name, Setjmp)
	}
	for _, name := range []string{"longjmp", "_longjmp", "siglongjmp"} {
		h.RegisterShim(name, Longjmp)
	}
	h.RegisterShim("atexit", Atexit)
	h.RegisterShim("__cxa_atexit", CxaAtexit)
	for name, fixed := range printfFamily {
		h.RegisterShim(name, Printf(name, fixed))
	}
	for _, cb := range Callbacks {
		h.RegisterHooks(cb.Name, cb.Hooks())
	}
}

// ReadCString reads the NUL terminated guest string at addr.
func ReadCString(m aapcs.Machine, addr uint64) (string, error) {
	if addr == 0 {
		return "", errors.New("null string pointer")
	}
	var out []byte
	var chunk [64]byte
	for len(out) < maxCString {
		// Stay inside the current page so a string ending just before an
		// unmapped page still reads.
		n := uint64(len(chunk))
		if rest := 4096 - (addr+uint64(len(out)))%4096; rest < n {
			n = rest
		}
		if err := m.MemRead(addr+uint64(len(out)), chunk[:n]); err != nil {
			return "", errors.Wrapf(err, "reading string at 0x%x", addr)
		}
		if i := bytes.IndexByte(chunk[:n], 0); i >= 0 {
			return string(append(out, chunk[:i]...)), nil
		}
		out = append(out, chunk[:n]...)
	}
	return "", errors.Errorf("string at 0x%x is longer than %d bytes", addr, maxCString)
}

func setResult(m aapcs.Machine, v uint64) { m.RegWrite(cpu.X0, v) }
