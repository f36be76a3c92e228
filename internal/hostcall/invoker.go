package hostcall

import (
	"unsafe"

	"github.com/pkg/errors"
)

// ErrNoHostImplementation is returned by an Invoker that has nothing to call
// at an address.
var ErrNoHostImplementation = errors.New("no host implementation at address")

// Invoker calls the host function at fn. args[i] points at the value of
// argument i and ret at storage for the result of at least
// max(RetSize, 16) bytes; integer results narrower than 8 bytes may be
// widened into it.
type Invoker interface {
	Invoke(fn uint64, d *Descriptor, args []unsafe.Pointer, ret unsafe.Pointer) error
}

// ClosureFunc implements a host callable function pointer.
type ClosureFunc func(args []unsafe.Pointer, ret unsafe.Pointer)

// ClosureMaker produces host function pointers that run a ClosureFunc when
// called with the convention described by d.
type ClosureMaker interface {
	NewClosure(name string, d *Descriptor, fn ClosureFunc) (uint64, error)
}

// Chain tries each Invoker in order, moving on when one reports
// ErrNoHostImplementation.
type Chain []Invoker

// Invoke implements Invoker.
func (c Chain) Invoke(fn uint64, d *Descriptor, args []unsafe.Pointer, ret unsafe.Pointer) error {
	for _, inv := range c {
		err := inv.Invoke(fn, d, args, ret)
		if errors.Cause(err) == ErrNoHostImplementation {
			continue
		}
		return err
	}
	return errors.Wrapf(ErrNoHostImplementation, "0x%x", fn)
}

// NewClosure uses the first ClosureMaker in the chain.
func (c Chain) NewClosure(name string, d *Descriptor, fn ClosureFunc) (uint64, error) {
	for _, inv := range c {
		if m, ok := inv.(ClosureMaker); ok {
			return m.NewClosure(name, d, fn)
		}
	}
	return 0, errors.New("no invoker in the chain can create closures")
}
