package shims

import (
	"github.com/pkg/errors"

	"github.com/xyproto/a64bridge/internal/callsite"
)

// Callback describes a host function that takes a guest function pointer
// in one argument slot.
type Callback struct {
	// Name is the hook pair name, used as "%Name:ENC".
	Name string
	// Arg is the slot holding the function pointer.
	Arg int
	// Encoding is the signature the host will call the pointer with.
	Encoding string
}

// Callbacks are the callback taking functions hooked by default.
var Callbacks = []Callback{
	{Name: "qsort", Arg: 3, Encoding: "i^v^v"},
	{Name: "bsearch", Arg: 4, Encoding: "i^v^v"},
	{Name: "pthread_create", Arg: 2, Encoding: "^v^v"},
	{Name: "dispatch_once_f", Arg: 2, Encoding: "v^v"},
	{Name: "dispatch_async_f", Arg: 2, Encoding: "v^v"},
	{Name: "atexit_cb", Arg: 0, Encoding: "v"},
}

// Hooks returns the hook pair: before the host call, a guest function
// pointer in the slot is registered and replaced by a host callable entry
// point that runs it. Host function pointers pass through untouched.
func (cb Callback) Hooks() callsite.Hooks {
	return callsite.Hooks{ToHost: func(ctx *callsite.HookContext) error {
		if cb.Arg >= len(ctx.Args) {
			return errors.Errorf("%s: callback slot %d but only %d arguments", cb.Name, cb.Arg, len(ctx.Args))
		}
		slot := (*uint64)(ctx.Args[cb.Arg])
		fn := *slot
		if fn == 0 || !ctx.Env.IsGuestCode(fn) {
			return nil
		}
		host, err := ctx.Env.ExportGuest(fn, cb.Encoding, cb.Name+" callback")
		if err != nil {
			return errors.Wrapf(err, "%s: exporting guest callback 0x%x", cb.Name, fn)
		}
		ctx.Env.Log().WithField("guest", fn).WithField("host", host).Debug(cb.Name + " callback exported")
		*slot = host
		return nil
	}}
}
