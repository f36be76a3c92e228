// Completion: 100% - Host call descriptors complete

// Package hostcall invokes host functions with the host's native calling
// convention. A Descriptor carries only portable type information; how a call
// is actually made is up to an Invoker: Go functions registered at stub
// addresses, or libffi when built with the libffi tag.
package hostcall

import (
	"strings"

	"github.com/xyproto/a64bridge/internal/typeenc"
)

// Descriptor is the host side of a compiled signature: return type plus
// ordered argument types, with nothing guest specific.
type Descriptor struct {
	Sig       *typeenc.Signature
	Return    *typeenc.Type
	Args      []*typeenc.Type
	FixedArgs int
	Variadic  bool
}

// NewDescriptor builds the host descriptor of sig.
func NewDescriptor(sig *typeenc.Signature) *Descriptor {
	return &Descriptor{
		Sig:       sig,
		Return:    sig.Return,
		Args:      sig.Args,
		FixedArgs: sig.FixedArgs,
		Variadic:  sig.Variadic,
	}
}

// RetSize is the byte size of the return value, 0 for void.
func (d *Descriptor) RetSize() uint64 {
	if d.Return == nil || d.Return.Kind == typeenc.Void {
		return 0
	}
	return d.Return.Size
}

// ArgSizes lists the byte size of every argument.
func (d *Descriptor) ArgSizes() []uint64 {
	sizes := make([]uint64, len(d.Args))
	for i, t := range d.Args {
		sizes[i] = t.Size
	}
	return sizes
}

func (d *Descriptor) String() string {
	var sb strings.Builder
	sb.WriteString(d.Return.String())
	sb.WriteByte('(')
	for i, a := range d.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		if d.Variadic && i == d.FixedArgs {
			sb.WriteString("... ")
		}
		sb.WriteString(a.String())
	}
	if d.Variadic && d.FixedArgs == len(d.Args) {
		if len(d.Args) > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("...")
	}
	sb.WriteByte(')')
	return sb.String()
}
