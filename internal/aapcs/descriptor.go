package aapcs

import (
	"fmt"
	"strings"

	"github.com/xyproto/a64bridge/internal/engine"
	"github.com/xyproto/a64bridge/internal/typeenc"
)

// LocKind says where an argument lives.
type LocKind int

const (
	InGPR LocKind = iota
	InVPR
	OnStack
)

func (k LocKind) String() string {
	switch k {
	case InGPR:
		return "gpr"
	case InVPR:
		return "vpr"
	default:
		return "stack"
	}
}

// ArgLocation is the precomputed placement of one argument.
type ArgLocation struct {
	Kind LocKind
	// Reg is the first register and Count the number of consecutive
	// registers, for InGPR and InVPR.
	Reg   int
	Count int
	// Offset is relative to SP at the call, for OnStack. Size is the number
	// of bytes occupying the slot.
	Offset uint64
	Size   uint64
	// Indirect arguments are replaced by a pointer to a copy; the location
	// describes where that pointer goes.
	Indirect bool
	HFA      HFA // element shape for InVPR
	Type     *typeenc.Type
}

func (l ArgLocation) String() string {
	var s string
	switch l.Kind {
	case InGPR:
		s = AAPCS64.IntegerArgReg(l.Reg)
		if l.Count > 1 {
			s += "-" + AAPCS64.IntegerArgReg(l.Reg+l.Count-1)
		}
	case InVPR:
		s = AAPCS64.FloatArgReg(l.Reg)
		if l.Count > 1 {
			s += "-" + AAPCS64.FloatArgReg(l.Reg+l.Count-1)
		}
	default:
		s = fmt.Sprintf("[sp+%d]", l.Offset)
	}
	if l.Indirect {
		s = "&" + s
	}
	return s
}

// ArgState is the allocation cursor of the call standard: next general
// register, next vector register, next stacked argument address.
type ArgState struct {
	NGRN int
	NSRN int
	NSAA uint64
	// AllocatingVariadic is set once the first variadic argument was reached.
	AllocatingVariadic bool
}

// BeginVariadic force-advances both register cursors to the end of their
// banks so every following argument goes to the stack.
func (s *ArgState) BeginVariadic() {
	s.NGRN = NumGPR
	s.NSRN = NumVPR
	s.AllocatingVariadic = true
}

func (s *ArgState) stack(size, align uint64) ArgLocation {
	if align < SlotSize {
		align = SlotSize
	}
	s.NSAA = engine.AlignUp(s.NSAA, align)
	loc := ArgLocation{Kind: OnStack, Offset: s.NSAA, Size: size}
	s.NSAA += engine.AlignUp(size, SlotSize)
	return loc
}

// Allocate assigns the next argument of type t.
func (s *ArgState) Allocate(t *typeenc.Type) ArgLocation {
	if h, ok := classifyVFP(t); ok {
		if s.NSRN+h.Count <= NumVPR {
			loc := ArgLocation{Kind: InVPR, Reg: s.NSRN, Count: h.Count, HFA: h, Size: t.Size, Type: t}
			s.NSRN += h.Count
			return loc
		}
		s.NSRN = NumVPR
		loc := s.stack(t.Size, t.Align)
		loc.HFA = h
		loc.Type = t
		return loc
	}

	if t.IsAggregate() && t.Size > 16 {
		var loc ArgLocation
		if s.NGRN < NumGPR {
			loc = ArgLocation{Kind: InGPR, Reg: s.NGRN, Count: 1, Size: 8}
			s.NGRN++
		} else {
			loc = s.stack(8, 8)
		}
		loc.Indirect = true
		loc.Type = t
		return loc
	}

	if t.IsAggregate() {
		n := int(engine.AlignUp(t.Size, 8) / 8)
		if n == 0 {
			n = 1
		}
		if t.Align == 16 && s.NGRN%2 == 1 {
			s.NGRN++
		}
		if s.NGRN+n <= NumGPR {
			loc := ArgLocation{Kind: InGPR, Reg: s.NGRN, Count: n, Size: t.Size, Type: t}
			s.NGRN += n
			return loc
		}
		s.NGRN = NumGPR
		loc := s.stack(t.Size, t.Align)
		loc.Type = t
		return loc
	}

	// integer or pointer
	if s.NGRN < NumGPR {
		loc := ArgLocation{Kind: InGPR, Reg: s.NGRN, Count: 1, Size: t.Size, Type: t}
		s.NGRN++
		return loc
	}
	s.NGRN = NumGPR
	loc := s.stack(t.Size, t.Align)
	loc.Type = t
	return loc
}

// Descriptor is the guest side of a compiled signature.
type Descriptor struct {
	Sig    *typeenc.Signature
	Return ReturnInfo
	Args   []ArgLocation
	// StackBytes is the outgoing argument area, a multiple of 16.
	StackBytes uint64
	FixedArgs  int
	Variadic   bool
	// IndirectBytes is the scratch needed for copies of indirect arguments
	// when calling into the guest.
	IndirectBytes uint64
}

// NewDescriptor classifies every argument and the return of sig.
func NewDescriptor(sig *typeenc.Signature) *Descriptor {
	d := &Descriptor{
		Sig:       sig,
		Return:    ClassifyReturn(sig.Return),
		Args:      make([]ArgLocation, 0, len(sig.Args)),
		FixedArgs: sig.FixedArgs,
		Variadic:  sig.Variadic,
	}
	var st ArgState
	for i, t := range sig.Args {
		if sig.Variadic && i == sig.FixedArgs {
			st.BeginVariadic()
		}
		loc := st.Allocate(t)
		if loc.Indirect {
			d.IndirectBytes += engine.AlignUp(t.Size, 16)
		}
		d.Args = append(d.Args, loc)
	}
	d.StackBytes = engine.AlignUp(st.NSAA, AAPCS64.StackAlignment())
	return d
}

// String renders the argument locations, for diagnostics and the CLI.
func (d *Descriptor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ret=%s", d.Return.Class)
	if d.Return.Class == RetHFA {
		fmt.Fprintf(&sb, "(%s)", d.Return.HFA)
	}
	for i, a := range d.Args {
		fmt.Fprintf(&sb, " a%d=%s", i, a)
	}
	fmt.Fprintf(&sb, " stack=%d", d.StackBytes)
	if d.Variadic {
		fmt.Fprintf(&sb, " fixed=%d", d.FixedArgs)
	}
	return sb.String()
}
