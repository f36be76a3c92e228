package loader

import (
	"strings"

	"github.com/pkg/errors"
)

// MethodName is a parsed dynamic method symbol such as
// "-[Class(Category) selector:]".
type MethodName struct {
	Instance bool // '-' rather than '+'
	Class    string
	Category string
	Selector string
}

// ParseMethodName splits a dynamic method symbol.
func ParseMethodName(name string) (MethodName, bool) {
	if len(name) < 4 || (name[0] != '-' && name[0] != '+') || name[1] != '[' || name[len(name)-1] != ']' {
		return MethodName{}, false
	}
	body := name[2 : len(name)-1]
	recv, sel, ok := strings.Cut(body, " ")
	if !ok || recv == "" || sel == "" {
		return MethodName{}, false
	}
	m := MethodName{Instance: name[0] == '-', Class: recv, Selector: sel}
	if open := strings.IndexByte(recv, '('); open >= 0 && strings.HasSuffix(recv, ")") {
		m.Class = recv[:open]
		m.Category = recv[open+1 : len(recv)-1]
	}
	return m, true
}

// String renders the method name, category included.
func (m MethodName) String() string {
	var sb strings.Builder
	if m.Instance {
		sb.WriteByte('-')
	} else {
		sb.WriteByte('+')
	}
	sb.WriteByte('[')
	sb.WriteString(m.Class)
	if m.Category != "" {
		sb.WriteByte('(')
		sb.WriteString(m.Category)
		sb.WriteByte(')')
	}
	sb.WriteByte(' ')
	sb.WriteString(m.Selector)
	sb.WriteByte(']')
	return sb.String()
}

// StripQualifier removes the category of a dynamic method name, so methods
// added by categories share the entry of the plain class method. Other
// names are returned unchanged.
func StripQualifier(name string) (string, bool) {
	m, ok := ParseMethodName(name)
	if !ok || m.Category == "" {
		return name, false
	}
	m.Category = ""
	return m.String(), true
}

// SymbolClassMethods implements ClassMethods over a symbol table: the methods
// of a class are the symbols named after it, and their encodings come from a
// signature source under the symbol's module.
type SymbolClassMethods struct {
	Symbols    *SymbolTable
	Signatures SignatureSource
}

// MethodsOf implements ClassMethods. Methods without a known encoding are
// skipped.
func (s SymbolClassMethods) MethodsOf(class string) ([]Method, error) {
	if s.Symbols == nil || s.Signatures == nil {
		return nil, errors.New("class methods need a symbol table and a signature source")
	}
	var out []Method
	s.Symbols.Walk(func(sym Symbol) bool {
		m, ok := ParseMethodName(sym.Name)
		if !ok || m.Class != class {
			return true
		}
		enc, ok := s.Signatures.TypeEncodingFor(sym.Module, sym.Name)
		if !ok {
			return true
		}
		out = append(out, Method{Name: sym.Name, Addr: sym.Addr, Encoding: enc})
		return true
	})
	return out, nil
}
