// Completion: 100% - Call-site entries complete

// Package callsite holds the process wide map from a code address to how a
// call to that address crosses between guest and host: a compiled
// signature, a shim that handles the call itself, or a signature wrapped in
// representation-converting hooks.
package callsite

import (
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/xyproto/a64bridge/internal/aapcs"
	"github.com/xyproto/a64bridge/internal/hostcall"
	"github.com/xyproto/a64bridge/internal/typeenc"
)

// Entry is a resolved call site: one of *Signature, *Shim or *Wrapper.
type Entry interface {
	DisplayName() string
	isEntry()
}

// Signature is a call marshaled generically by its compiled descriptors.
type Signature struct {
	Name  string
	Host  *hostcall.Descriptor
	Guest *aapcs.Descriptor
}

// NewSignature compiles both descriptors of sig.
func NewSignature(name string, sig *typeenc.Signature) *Signature {
	return &Signature{
		Name:  name,
		Host:  hostcall.NewDescriptor(sig),
		Guest: aapcs.NewDescriptor(sig),
	}
}

func (s *Signature) DisplayName() string { return s.Name }
func (*Signature) isEntry()              {}

func (s *Signature) String() string {
	return fmt.Sprintf("%s %s", s.Name, s.Host.Sig)
}

// Shim is a call handled entirely by Go code.
type Shim struct {
	Name    string
	Handler string
	Fn      ShimFunc
}

func (s *Shim) DisplayName() string { return s.Name }
func (*Shim) isEntry()              {}

func (s *Shim) String() string { return fmt.Sprintf("%s $%s", s.Name, s.Handler) }

// Wrapper is a Signature whose argument and result slots pass through hooks.
type Wrapper struct {
	Inner    *Signature
	HookName string
	Hooks    Hooks
}

func (w *Wrapper) DisplayName() string { return w.Inner.Name }
func (*Wrapper) isEntry()              {}

func (w *Wrapper) String() string {
	return fmt.Sprintf("%s %%%s:%s", w.Inner.Name, w.HookName, w.Inner.Host.Sig)
}

// SignatureOf returns the descriptors used to marshal e, if any.
func SignatureOf(e Entry) (*Signature, bool) {
	switch e := e.(type) {
	case *Signature:
		return e, true
	case *Wrapper:
		return e.Inner, true
	}
	return nil, false
}

// Env is what shims and hooks may do to the running bridge.
type Env interface {
	Log() logrus.FieldLogger
	// RegisterCallSite compiles and publishes encoding at addr.
	RegisterCallSite(addr uint64, encoding, name string) error
	// IsGuestCode reports whether addr is guest executable memory.
	IsGuestCode(addr uint64) bool
	// ExportGuest registers encoding at a guest function and returns a host
	// function pointer that runs it.
	ExportGuest(addr uint64, encoding, name string) (uint64, error)
	// CallHost performs a guest to host call of fn with sig against the
	// current guest registers and stack, as if the guest called fn.
	CallHost(fn uint64, sig *Signature) error
	// AtExit registers encoding at the guest function fn and queues a call
	// of it with the pointer sized args for when the bridge closes.
	AtExit(fn uint64, encoding string, args []uint64) error
}

// ShimContext is the raw guest state handed to a shim.
type ShimContext struct {
	// Addr is the host address the guest called.
	Addr uint64
	// Return is the guest return address (LR at the call).
	Return  uint64
	Machine aapcs.Machine
	Env     Env
}

// ShimFunc handles a call. It returns the guest address to resume at, or 0
// to return to ctx.Return as usual.
type ShimFunc func(ctx *ShimContext) (resume uint64, err error)

// HookContext is the slot view of one call handed to a hook. Hooks change
// slot contents in place; they never add, drop or reorder arguments.
type HookContext struct {
	Sig  *typeenc.Signature
	Args []unsafe.Pointer
	Ret  unsafe.Pointer
	Env  Env
}

// HookFunc transforms the slots of a call.
type HookFunc func(ctx *HookContext) error

// Hooks converts representations that differ between the two sides. ToHost
// runs on data crossing into host code, ToGuest on data crossing into guest
// code.
type Hooks struct {
	ToHost  HookFunc
	ToGuest HookFunc
}
