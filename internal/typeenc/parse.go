// Completion: 100% - Encoding parser complete
package typeenc

import (
	"fmt"

	"github.com/xyproto/a64bridge/internal/engine"
)

// SyntaxError reports a malformed or unsupported type encoding.
type SyntaxError struct {
	Encoding string
	Offset   int
	Msg      string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("type encoding %q: %s at offset %d", e.Encoding, e.Msg, e.Offset)
}

// VariadicMarker separates fixed from variadic arguments in an encoding.
const VariadicMarker = "..."

// Compile parses an encoding made of one return type followed by zero or
// more argument types.
func Compile(encoding string) (*Signature, error) {
	p := &parser{src: encoding}
	sig := &Signature{Encoding: encoding, FixedArgs: -1}

	p.skipNoise()
	if p.eof() {
		return nil, p.errorf("empty encoding")
	}
	ret, err := p.parseType(ctxReturn)
	if err != nil {
		return nil, err
	}
	sig.Return = ret

	for {
		p.skipNoise()
		if p.eof() {
			break
		}
		if p.hasPrefix(VariadicMarker) {
			if sig.Variadic {
				return nil, p.errorf("duplicate variadic marker")
			}
			p.pos += len(VariadicMarker)
			sig.Variadic = true
			sig.FixedArgs = len(sig.Args)
			continue
		}
		arg, err := p.parseType(ctxArgument)
		if err != nil {
			return nil, err
		}
		sig.Args = append(sig.Args, arg)
	}
	if !sig.Variadic {
		sig.FixedArgs = len(sig.Args)
	}
	return sig, nil
}

// CompileVariadic compiles encoding and marks every argument after the first
// fixed ones as variadic.
func CompileVariadic(encoding string, fixed int) (*Signature, error) {
	sig, err := Compile(encoding)
	if err != nil {
		return nil, err
	}
	if sig.Variadic {
		return nil, &SyntaxError{Encoding: encoding, Msg: "encoding already carries a variadic marker"}
	}
	if fixed < 0 || fixed > len(sig.Args) {
		return nil, &SyntaxError{Encoding: encoding, Msg: fmt.Sprintf("fixed argument count %d out of range", fixed)}
	}
	sig.Variadic = true
	sig.FixedArgs = fixed
	return sig, nil
}

// ParseType parses exactly one value type.
func ParseType(encoding string) (*Type, error) {
	p := &parser{src: encoding}
	p.skipNoise()
	t, err := p.parseType(ctxArgument)
	if err != nil {
		return nil, err
	}
	p.skipNoise()
	if !p.eof() {
		return nil, p.errorf("trailing characters")
	}
	return t, nil
}

type parseCtx int

const (
	ctxReturn parseCtx = iota
	ctxArgument
	ctxMember
	ctxPointee
)

type parser struct {
	src string
	pos int
	// pointee > 0 while parsing behind a pointer, where layouts are never
	// needed and opaque or empty aggregates are legal.
	pointee int
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) hasPrefix(s string) bool {
	return len(p.src)-p.pos >= len(s) && p.src[p.pos:p.pos+len(s)] == s
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Encoding: p.src, Offset: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// skipNoise skips whitespace, type qualifiers and frame offsets.
func (p *parser) skipNoise() {
	for !p.eof() {
		switch c := p.peek(); c {
		case ' ', '\t', '\n', 'r', 'n', 'N', 'o', 'O', 'R', 'V':
			p.pos++
		case '-', '+':
			if p.pos+1 < len(p.src) && isDigit(p.src[p.pos+1]) {
				p.pos++
				continue
			}
			return
		default:
			if isDigit(c) {
				p.pos++
				continue
			}
			return
		}
	}
}

func (p *parser) number() (uint64, bool) {
	start := p.pos
	var n uint64
	for !p.eof() && isDigit(p.peek()) {
		n = n*10 + uint64(p.peek()-'0')
		p.pos++
	}
	return n, p.pos > start
}

func (p *parser) parseType(ctx parseCtx) (*Type, error) {
	p.skipQualifiers()
	if p.eof() {
		return nil, p.errorf("unexpected end of encoding")
	}
	start := p.pos
	c := p.peek()
	p.pos++
	switch c {
	case 'c':
		return Int8Type, nil
	case 's':
		return Int16Type, nil
	case 'i', 'l':
		return Int32Type, nil
	case 'q':
		return Int64Type, nil
	case 'C', 'B':
		return Uint8Type, nil
	case 'S':
		return Uint16Type, nil
	case 'I', 'L':
		return Uint32Type, nil
	case 'Q':
		return Uint64Type, nil
	case 'f':
		return FloatType, nil
	case 'd':
		return DoubleType, nil
	case 'D':
		return QuadType, nil
	case 'v':
		if ctx == ctxArgument || ctx == ctxMember {
			p.pos = start
			return nil, p.errorf("void is not a value type")
		}
		return VoidType, nil
	case '*', ':', '#', '?':
		return PointerType, nil
	case '@':
		switch p.peek() {
		case '?':
			p.pos++
		case '"':
			if err := p.skipQuoted(); err != nil {
				return nil, err
			}
		}
		return PointerType, nil
	case '^':
		p.pointee++
		_, err := p.parseType(ctxPointee)
		p.pointee--
		if err != nil {
			return nil, err
		}
		return PointerType, nil
	case '[':
		n, ok := p.number()
		if !ok {
			return nil, p.errorf("array without length")
		}
		elem, err := p.parseType(ctxMember)
		if err != nil {
			return nil, err
		}
		if p.peek() != ']' {
			return nil, p.errorf("expected ']'")
		}
		p.pos++
		return &Type{Kind: Array, Len: n, Elem: elem, Size: elem.Size * n, Align: elem.Align}, nil
	case '{':
		return p.parseAggregate(Struct, '}', ctx)
	case '(':
		return p.parseAggregate(Union, ')', ctx)
	case 'b':
		p.pos = start
		return nil, p.errorf("bitfield outside of an aggregate")
	default:
		p.pos = start
		return nil, p.errorf("unrecognized type token %q", c)
	}
}

// skipQualifiers skips qualifiers and whitespace but not offsets, which
// would otherwise swallow array lengths and bitfield widths.
func (p *parser) skipQualifiers() {
	for !p.eof() {
		switch p.peek() {
		case ' ', '\t', '\n', 'r', 'n', 'N', 'o', 'O', 'R', 'V':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) skipQuoted() error {
	p.pos++ // opening quote
	for !p.eof() {
		if p.peek() == '"' {
			p.pos++
			return nil
		}
		p.pos++
	}
	return p.errorf("unterminated quoted name")
}

func (p *parser) parseAggregate(kind Kind, close byte, ctx parseCtx) (*Type, error) {
	nameStart := p.pos
	for !p.eof() && p.peek() != '=' && p.peek() != close {
		p.pos++
	}
	if p.eof() {
		return nil, p.errorf("unterminated %s", kind)
	}
	t := &Type{Kind: kind, Name: p.src[nameStart:p.pos]}
	if t.Name == "?" {
		t.Name = ""
	}
	if p.peek() == close {
		// Opaque {Name}: layout unknown, only usable behind a pointer.
		p.pos++
		if ctx != ctxPointee && p.pointee == 0 {
			return nil, p.errorf("opaque %s %q used by value", kind, t.Name)
		}
		return t, nil
	}
	p.pos++ // '='

	var bits uint
	flush := func() error {
		if bits == 0 {
			return nil
		}
		var bf *Type
		switch {
		case bits <= 8:
			bf = Uint8Type
		case bits <= 16:
			bf = Uint16Type
		case bits <= 32:
			bf = Uint32Type
		case bits <= 64:
			bf = Uint64Type
		default:
			return p.errorf("bitfield run of %d bits exceeds 64", bits)
		}
		t.Fields = append(t.Fields, &Type{Kind: UInt, Size: bf.Size, Align: bf.Align, Bits: bits})
		bits = 0
		return nil
	}

	for {
		p.skipNoise()
		if p.eof() {
			return nil, p.errorf("unterminated %s %q", kind, t.Name)
		}
		c := p.peek()
		if c == close {
			p.pos++
			break
		}
		if c == '"' {
			if err := p.skipQuoted(); err != nil {
				return nil, err
			}
			continue
		}
		if c == 'b' {
			p.pos++
			w, ok := p.number()
			if !ok || w == 0 {
				return nil, p.errorf("bitfield without width")
			}
			bits += uint(w)
			if bits > 64 {
				return nil, p.errorf("bitfield run of %d bits exceeds 64", bits)
			}
			continue
		}
		if err := flush(); err != nil {
			return nil, err
		}
		m, err := p.parseType(ctxMember)
		if err != nil {
			return nil, err
		}
		t.Fields = append(t.Fields, m)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if kind == Union {
		if len(t.Fields) == 0 {
			return nil, p.errorf("union %q has no members", t.Name)
		}
		layoutUnion(t)
	} else {
		if len(t.Fields) == 0 && ctx != ctxPointee && p.pointee == 0 {
			return nil, p.errorf("empty struct %q used by value", t.Name)
		}
		layoutStruct(t)
	}
	return t, nil
}

// layoutStruct assigns member offsets and computes size and alignment with
// tail padding included.
func layoutStruct(t *Type) {
	var off, align uint64 = 0, 1
	t.Offsets = make([]uint64, len(t.Fields))
	for i, f := range t.Fields {
		a := max(f.Align, 1)
		off = engine.AlignUp(off, a)
		t.Offsets[i] = off
		off += f.Size
		align = max(align, a)
	}
	t.Align = align
	t.Size = engine.AlignUp(off, align)
}

// layoutUnion sizes the union as its largest member, padded to the strictest
// member alignment.
func layoutUnion(t *Type) {
	var align uint64 = 1
	for _, f := range t.Fields {
		align = max(align, f.Align)
	}
	t.Align = align
	t.Size = engine.AlignUp(t.Largest().Size, align)
}
