package aapcs

import (
	"fmt"

	"github.com/xyproto/a64bridge/internal/typeenc"
)

// HFA describes a homogeneous floating point aggregate: Count consecutive
// members of one floating point Kind. Scalar floats classify as an HFA of
// one element.
type HFA struct {
	Kind  typeenc.Kind
	Count int
}

// ElemSize is the byte size of one member.
func (h HFA) ElemSize() uint64 {
	switch h.Kind {
	case typeenc.Float:
		return 4
	case typeenc.Double:
		return 8
	case typeenc.Quad:
		return 16
	}
	return 0
}

func (h HFA) String() string {
	return fmt.Sprintf("%d x %s", h.Count, h.Kind)
}

// ClassifyHFA reports whether aggregate t is vector register eligible: total
// size in [4,64], every scalar leaf of the same floating point kind, and at
// most four leaves.
func ClassifyHFA(t *typeenc.Type) (HFA, bool) {
	if t == nil || !t.IsAggregate() || t.Size < 4 || t.Size > 64 {
		return HFA{}, false
	}
	var h HFA
	ok := t.Leaves(func(leaf *typeenc.Type) bool {
		if !leaf.IsFloat() {
			return false
		}
		if h.Count == 0 {
			h.Kind = leaf.Kind
		} else if leaf.Kind != h.Kind {
			return false
		}
		h.Count++
		return h.Count <= 4
	})
	if !ok || h.Count == 0 {
		return HFA{}, false
	}
	// Padding or a union with mixed members would leave a size mismatch.
	if uint64(h.Count)*h.ElemSize() != t.Size {
		return HFA{}, false
	}
	return h, true
}

// classifyVFP returns the vector register shape of t, if it has one.
func classifyVFP(t *typeenc.Type) (HFA, bool) {
	if t.IsFloat() {
		return HFA{Kind: t.Kind, Count: 1}, true
	}
	return ClassifyHFA(t)
}

// ReturnClass is how a value travels back to the caller.
type ReturnClass int

const (
	RetVoid     ReturnClass = iota
	RetInt64                // x0
	RetInt128               // x0, x1
	RetHFA                  // v0..v3
	RetInMemory             // caller buffer addressed by x8
	// RetNeedsCopy marks odd sized aggregates that would need a byte-exact
	// partial register copy. Reaching one at call time is fatal.
	RetNeedsCopy
)

func (c ReturnClass) String() string {
	switch c {
	case RetVoid:
		return "void"
	case RetInt64:
		return "int64"
	case RetInt128:
		return "int128"
	case RetHFA:
		return "hfa"
	case RetInMemory:
		return "indirect"
	case RetNeedsCopy:
		return "needs-byte-copy"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ReturnInfo is the classified return of a signature.
type ReturnInfo struct {
	Class ReturnClass
	Type  *typeenc.Type
	HFA   HFA // valid for RetHFA
}

// ClassifyReturn classifies a return type.
func ClassifyReturn(t *typeenc.Type) ReturnInfo {
	info := ReturnInfo{Type: t}
	switch {
	case t == nil || t.Kind == typeenc.Void:
		info.Class = RetVoid
	case t.IsInteger() || t.Kind == typeenc.Pointer:
		info.Class = RetInt64
	default:
		if h, ok := classifyVFP(t); ok {
			info.Class = RetHFA
			info.HFA = h
			break
		}
		switch {
		case t.Size > 16:
			info.Class = RetInMemory
		case t.Size == 16:
			info.Class = RetInt128
		case t.Size == 8:
			info.Class = RetInt64
		default:
			info.Class = RetNeedsCopy
		}
	}
	return info
}
