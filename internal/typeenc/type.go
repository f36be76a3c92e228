// Completion: 100% - Type descriptors complete
package typeenc

import (
	"fmt"
	"strings"
)

// Kind is the tag of a Type
type Kind uint8

const (
	Void Kind = iota
	SInt
	UInt
	Float  // IEEE single
	Double // IEEE double
	Quad   // 128-bit long double
	Pointer
	Struct
	Array
	Union
)

func (k Kind) String() string {
	switch k {
	case Void:
		return "void"
	case SInt:
		return "sint"
	case UInt:
		return "uint"
	case Float:
		return "float"
	case Double:
		return "double"
	case Quad:
		return "quad"
	case Pointer:
		return "pointer"
	case Struct:
		return "struct"
	case Array:
		return "array"
	case Union:
		return "union"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Type is a portable type descriptor. Types are immutable once built and may
// be shared between call sites.
type Type struct {
	Kind  Kind
	Size  uint64
	Align uint64

	// Name is the struct or union tag, if any.
	Name string
	// Fields holds struct members in order, or all union members.
	Fields []*Type
	// Offsets holds the byte offset of each struct member.
	Offsets []uint64

	Elem *Type  // array element
	Len  uint64 // array length

	// Bits is the declared width of a merged bitfield run, 0 otherwise.
	Bits uint
}

// Shared scalar descriptors.
var (
	VoidType    = &Type{Kind: Void}
	Int8Type    = &Type{Kind: SInt, Size: 1, Align: 1}
	Int16Type   = &Type{Kind: SInt, Size: 2, Align: 2}
	Int32Type   = &Type{Kind: SInt, Size: 4, Align: 4}
	Int64Type   = &Type{Kind: SInt, Size: 8, Align: 8}
	Uint8Type   = &Type{Kind: UInt, Size: 1, Align: 1}
	Uint16Type  = &Type{Kind: UInt, Size: 2, Align: 2}
	Uint32Type  = &Type{Kind: UInt, Size: 4, Align: 4}
	Uint64Type  = &Type{Kind: UInt, Size: 8, Align: 8}
	FloatType   = &Type{Kind: Float, Size: 4, Align: 4}
	DoubleType  = &Type{Kind: Double, Size: 8, Align: 8}
	QuadType    = &Type{Kind: Quad, Size: 16, Align: 16}
	PointerType = &Type{Kind: Pointer, Size: 8, Align: 8}
)

// IsInteger reports whether t is a signed or unsigned integer.
func (t *Type) IsInteger() bool {
	return t.Kind == SInt || t.Kind == UInt
}

// IsFloat reports whether t is a floating point scalar.
func (t *Type) IsFloat() bool {
	return t.Kind == Float || t.Kind == Double || t.Kind == Quad
}

// IsScalar reports whether t is a non-void leaf.
func (t *Type) IsScalar() bool {
	return t.IsInteger() || t.IsFloat() || t.Kind == Pointer
}

// IsAggregate reports whether t is a struct, array or union.
func (t *Type) IsAggregate() bool {
	return t.Kind == Struct || t.Kind == Array || t.Kind == Union
}

// Largest returns the union member with the largest size. The first member
// wins on ties. For non-unions it returns t itself.
func (t *Type) Largest() *Type {
	if t.Kind != Union {
		return t
	}
	var best *Type
	for _, m := range t.Fields {
		if best == nil || m.Size > best.Size {
			best = m
		}
	}
	return best
}

// Leaves calls fn for every scalar leaf of t in memory order, flattening
// nested structs and arrays. Unions contribute the leaves of their largest
// member. Iteration stops early if fn returns false.
func (t *Type) Leaves(fn func(leaf *Type) bool) bool {
	switch t.Kind {
	case Struct:
		for _, f := range t.Fields {
			if !f.Leaves(fn) {
				return false
			}
		}
		return true
	case Array:
		for i := uint64(0); i < t.Len; i++ {
			if !t.Elem.Leaves(fn) {
				return false
			}
		}
		return true
	case Union:
		if l := t.Largest(); l != nil {
			return l.Leaves(fn)
		}
		return true
	case Void:
		return true
	default:
		return fn(t)
	}
}

// String renders t back into canonical type-encoding form.
func (t *Type) String() string {
	var sb strings.Builder
	t.encode(&sb)
	return sb.String()
}

func (t *Type) encode(sb *strings.Builder) {
	switch t.Kind {
	case Void:
		sb.WriteByte('v')
	case SInt, UInt:
		codes := "csiq"
		if t.Kind == UInt {
			codes = "CSIQ"
		}
		switch t.Size {
		case 1:
			sb.WriteByte(codes[0])
		case 2:
			sb.WriteByte(codes[1])
		case 4:
			sb.WriteByte(codes[2])
		default:
			sb.WriteByte(codes[3])
		}
	case Float:
		sb.WriteByte('f')
	case Double:
		sb.WriteByte('d')
	case Quad:
		sb.WriteByte('D')
	case Pointer:
		sb.WriteString("^v")
	case Array:
		fmt.Fprintf(sb, "[%d", t.Len)
		t.Elem.encode(sb)
		sb.WriteByte(']')
	case Struct, Union:
		open, close := byte('{'), byte('}')
		if t.Kind == Union {
			open, close = '(', ')'
		}
		sb.WriteByte(open)
		name := t.Name
		if name == "" {
			name = "?"
		}
		sb.WriteString(name)
		sb.WriteByte('=')
		for _, f := range t.Fields {
			f.encode(sb)
		}
		sb.WriteByte(close)
	}
}

// Signature is the compiled form of one callable's type encoding.
type Signature struct {
	Encoding string
	Return   *Type
	Args     []*Type
	// Variadic calls place every argument from FixedArgs on as a variadic
	// argument. FixedArgs equals len(Args) for non-variadic calls.
	Variadic  bool
	FixedArgs int
}

// String renders the signature in canonical encoding form.
func (s *Signature) String() string {
	var sb strings.Builder
	s.Return.encode(&sb)
	for i, a := range s.Args {
		if s.Variadic && i == s.FixedArgs {
			sb.WriteString("...")
		}
		a.encode(&sb)
	}
	if s.Variadic && s.FixedArgs == len(s.Args) {
		sb.WriteString("...")
	}
	return sb.String()
}
