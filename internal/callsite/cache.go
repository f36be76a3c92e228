package callsite

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix/v2"

	"github.com/xyproto/a64bridge/internal/loader"
)

// Cache maps code addresses to entries. Entries are write-once: the first
// Publish for an address wins and is never replaced. Lookups read an
// immutable tree snapshot and never take the lock; the lock only
// serializes writers for the duration of the tree update.
type Cache struct {
	mu    sync.Mutex
	addrs atomic.Pointer[iradix.Tree[Entry]]
	names atomic.Pointer[iradix.Tree[uint64]]
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	c := &Cache{}
	c.addrs.Store(iradix.New[Entry]())
	c.names.Store(iradix.New[uint64]())
	return c
}

func addrKey(addr uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], addr)
	return k[:]
}

// Lookup returns the entry published at addr.
func (c *Cache) Lookup(addr uint64) (Entry, bool) {
	return c.addrs.Load().Get(addrKey(addr))
}

// Publish stores e at addr unless an entry is already there. It returns the
// entry now visible at addr and whether it was e.
func (c *Cache) Publish(addr uint64, e Entry) (Entry, bool) {
	key := addrKey(addr)
	if old, ok := c.addrs.Load().Get(key); ok {
		return old, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tree := c.addrs.Load()
	if old, ok := tree.Get(key); ok {
		return old, false
	}
	tree, _, _ = tree.Insert(key, e)
	c.addrs.Store(tree)

	if name := e.DisplayName(); name != "" {
		names := c.names.Load()
		if _, ok := names.Get([]byte(name)); !ok {
			names, _, _ = names.Insert([]byte(name), addr)
			c.names.Store(names)
		}
	}
	return e, true
}

// LookupName returns an entry published under display name, trying the
// name with its category qualifier stripped when the exact name is unknown.
func (c *Cache) LookupName(name string) (Entry, uint64, bool) {
	names := c.names.Load()
	addr, ok := names.Get([]byte(name))
	if !ok {
		stripped, changed := loader.StripQualifier(name)
		if !changed {
			return nil, 0, false
		}
		if addr, ok = names.Get([]byte(stripped)); !ok {
			return nil, 0, false
		}
	}
	e, ok := c.Lookup(addr)
	return e, addr, ok
}

// Len is the number of published addresses.
func (c *Cache) Len() int {
	return c.addrs.Load().Len()
}

// Walk visits entries in address order until fn returns false.
func (c *Cache) Walk(fn func(addr uint64, e Entry) bool) {
	c.addrs.Load().Root().Walk(func(k []byte, e Entry) bool {
		return !fn(binary.BigEndian.Uint64(k), e)
	})
}
