// Completion: 100% - Loader collaborator interfaces complete

// Package loader defines what the bridge needs from whoever loads guest
// images and resolves their symbols, plus reference implementations: an
// address region set, a symbol table, ELF and /proc/self/maps symbolizers,
// a TOML signature table and a flat binary mapper.
package loader

import "fmt"

// Symbol is the result of a reverse address lookup.
type Symbol struct {
	Module string
	Name   string
	Addr   uint64
	Size   uint64
	// Offset is the distance from Addr to the address that was looked up;
	// Exact is set when it is 0.
	Offset uint64
	Exact  bool
}

func (s Symbol) String() string {
	if s.Name == "" {
		return fmt.Sprintf("%s+0x%x", s.Module, s.Offset)
	}
	if s.Offset == 0 {
		return fmt.Sprintf("%s`%s", s.Module, s.Name)
	}
	return fmt.Sprintf("%s`%s+0x%x", s.Module, s.Name, s.Offset)
}

// Regions tells guest code from host code.
type Regions interface {
	IsGuestExecutable(addr uint64) bool
}

// Symbolizer resolves an address to the nearest known symbol at or below it.
type Symbolizer interface {
	LookupSymbol(addr uint64) (Symbol, bool)
}

// SignatureSource supplies type encodings keyed by module and symbol.
type SignatureSource interface {
	TypeEncodingFor(module, symbol string) (string, bool)
}

// Method is one dynamically dispatched method of a runtime class.
type Method struct {
	Name     string
	Addr     uint64
	Encoding string
}

// ClassMethods lists the methods of a runtime class, for bulk registration
// of methods reached without type information.
type ClassMethods interface {
	MethodsOf(class string) ([]Method, error)
}

// EntryPoints is a one-time hook that registers known lifecycle entry
// points the first time an address cannot be resolved otherwise.
type EntryPoints interface {
	LoadEntryPoints() error
}

// Symbolizers tries each Symbolizer in order.
type Symbolizers []Symbolizer

// LookupSymbol implements Symbolizer, preferring exact hits and otherwise
// the closest symbol below addr.
func (ss Symbolizers) LookupSymbol(addr uint64) (Symbol, bool) {
	var best Symbol
	found := false
	for _, s := range ss {
		if s == nil {
			continue
		}
		sym, ok := s.LookupSymbol(addr)
		if !ok {
			continue
		}
		if sym.Exact {
			return sym, true
		}
		if !found || (sym.Name != "" && (best.Name == "" || sym.Offset < best.Offset)) {
			best, found = sym, true
		}
	}
	return best, found
}
