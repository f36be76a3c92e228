package loader

import (
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
	"github.com/pkg/errors"
)

// Region is one mapped range of a guest image.
type Region struct {
	Start, End uint64
	Module     string
	Exec       bool
}

// Contains reports whether addr lies in [Start, End).
func (r Region) Contains(addr uint64) bool { return addr >= r.Start && addr < r.End }

// RegionSet records the guest image ranges the loader mapped. It implements
// Regions and, for diagnostics, Symbolizer at module granularity.
type RegionSet struct {
	mu   sync.Mutex
	tree atomic.Pointer[iradix.Tree[Region]]
}

// NewRegionSet returns an empty set.
func NewRegionSet() *RegionSet {
	s := &RegionSet{}
	s.tree.Store(iradix.New[Region]())
	return s
}

// Add records a region. Overlapping regions are rejected.
func (s *RegionSet) Add(r Region) error {
	if r.End <= r.Start {
		return errors.Errorf("empty region 0x%x-0x%x", r.Start, r.End)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tree := s.tree.Load()
	if _, prev, ok := floor(tree, r.End-1); ok && prev.End > r.Start {
		return errors.Errorf("region %s 0x%x-0x%x overlaps %s 0x%x-0x%x", r.Module, r.Start, r.End, prev.Module, prev.Start, prev.End)
	}
	tree, _, _ = tree.Insert(key(r.Start), r)
	s.tree.Store(tree)
	return nil
}

// Remove forgets the region starting at start.
func (s *RegionSet) Remove(start uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree, _, _ := s.tree.Load().Delete(key(start))
	s.tree.Store(tree)
}

// Find returns the region containing addr.
func (s *RegionSet) Find(addr uint64) (Region, bool) {
	_, r, ok := floor(s.tree.Load(), addr)
	if !ok || !r.Contains(addr) {
		return Region{}, false
	}
	return r, true
}

// IsGuestExecutable implements Regions.
func (s *RegionSet) IsGuestExecutable(addr uint64) bool {
	r, ok := s.Find(addr)
	return ok && r.Exec
}

// LookupSymbol implements Symbolizer with module names only.
func (s *RegionSet) LookupSymbol(addr uint64) (Symbol, bool) {
	r, ok := s.Find(addr)
	if !ok {
		return Symbol{}, false
	}
	return Symbol{Module: r.Module, Addr: r.Start, Offset: addr - r.Start}, true
}

// Regions lists all regions in address order.
func (s *RegionSet) Regions() []Region {
	var out []Region
	s.tree.Load().Root().Walk(func(_ []byte, r Region) bool {
		out = append(out, r)
		return false
	})
	return out
}
