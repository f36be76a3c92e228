package loader

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
)

func key(addr uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], addr)
	return k[:]
}

// floor returns the value with the largest key <= addr.
func floor[T any](t *iradix.Tree[T], addr uint64) (uint64, T, bool) {
	it := t.Root().ReverseIterator()
	it.SeekReverseLowerBound(key(addr))
	k, v, ok := it.Previous()
	if !ok {
		var zero T
		return 0, zero, false
	}
	return binary.BigEndian.Uint64(k), v, true
}

// SymbolTable is an address ordered symbol index. Reads are lock free.
type SymbolTable struct {
	mu   sync.Mutex
	tree atomic.Pointer[iradix.Tree[Symbol]]
}

// NewSymbolTable returns an empty table.
func NewSymbolTable() *SymbolTable {
	t := &SymbolTable{}
	t.tree.Store(iradix.New[Symbol]())
	return t
}

// Add inserts symbols. A later symbol at the same address replaces the
// earlier one.
func (t *SymbolTable) Add(syms ...Symbol) {
	t.mu.Lock()
	defer t.mu.Unlock()
	txn := t.tree.Load().Txn()
	for _, s := range syms {
		txn.Insert(key(s.Addr), s)
	}
	t.tree.Store(txn.Commit())
}

// Len is the number of symbols.
func (t *SymbolTable) Len() int { return t.tree.Load().Len() }

// LookupSymbol implements Symbolizer. A sized symbol only covers
// [Addr, Addr+Size); unsized symbols extend to the next one.
func (t *SymbolTable) LookupSymbol(addr uint64) (Symbol, bool) {
	start, s, ok := floor(t.tree.Load(), addr)
	if !ok {
		return Symbol{}, false
	}
	if s.Size > 0 && addr >= start+s.Size {
		return Symbol{}, false
	}
	s.Offset = addr - start
	s.Exact = s.Offset == 0
	return s, true
}

// ByName returns the first symbol with the given name.
func (t *SymbolTable) ByName(name string) (Symbol, bool) {
	var found Symbol
	ok := false
	t.tree.Load().Root().Walk(func(_ []byte, s Symbol) bool {
		if s.Name == name {
			found, ok = s, true
		}
		return ok
	})
	return found, ok
}

// Walk visits symbols in address order until fn returns false.
func (t *SymbolTable) Walk(fn func(Symbol) bool) {
	t.tree.Load().Root().Walk(func(_ []byte, s Symbol) bool {
		return !fn(s)
	})
}
