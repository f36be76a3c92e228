package loader

import (
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// Mapping is one line of /proc/self/maps.
type Mapping struct {
	Start, End        uint64
	Read, Write, Exec bool
	Path              string
}

// HostMaps reads the host process memory map. It answers "which module
// encloses this address" for diagnostics and "what is mapped here" for
// on-demand guest mappings of host memory.
type HostMaps struct {
	mu       sync.Mutex
	mappings []Mapping
}

// NewHostMaps returns a reader; the map is read lazily.
func NewHostMaps() *HostMaps { return &HostMaps{} }

// Refresh rereads /proc/self/maps.
func (h *HostMaps) Refresh() error {
	p, err := procfs.Self()
	if err != nil {
		return errors.Wrap(err, "opening /proc/self")
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return errors.Wrap(err, "reading /proc/self/maps")
	}
	out := make([]Mapping, 0, len(maps))
	for _, m := range maps {
		mp := Mapping{Start: uint64(m.StartAddr), End: uint64(m.EndAddr), Path: m.Pathname}
		if m.Perms != nil {
			mp.Read, mp.Write, mp.Exec = m.Perms.Read, m.Perms.Write, m.Perms.Execute
		}
		out = append(out, mp)
	}
	h.mu.Lock()
	h.mappings = out
	h.mu.Unlock()
	return nil
}

func (h *HostMaps) find(addr uint64) (Mapping, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.mappings {
		if addr >= m.Start && addr < m.End {
			return m, true
		}
	}
	return Mapping{}, false
}

// Find returns the host mapping containing addr, rereading the map once
// on a miss since the host maps memory all the time.
func (h *HostMaps) Find(addr uint64) (Mapping, bool) {
	if m, ok := h.find(addr); ok {
		return m, true
	}
	if err := h.Refresh(); err != nil {
		return Mapping{}, false
	}
	return h.find(addr)
}

// LookupSymbol implements Symbolizer at module granularity: the enclosing
// mapping's file name, or its pseudo name such as [heap].
func (h *HostMaps) LookupSymbol(addr uint64) (Symbol, bool) {
	m, ok := h.Find(addr)
	if !ok {
		return Symbol{}, false
	}
	module := m.Path
	if module == "" {
		module = "[anon]"
	} else if module[0] == '/' {
		module = filepath.Base(module)
	}
	return Symbol{Module: module, Addr: m.Start, Offset: addr - m.Start}, true
}
