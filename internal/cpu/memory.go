// Completion: 100% - Identity mapped memory complete
package cpu

import (
	"sort"
	"unsafe"

	"github.com/pkg/errors"
)

// region is one mapped range [base, end).
type region struct {
	base, end uint64
	prot      Prot
}

func (r *region) contains(addr, size uint64) bool {
	return addr >= r.base && addr+size <= r.end && addr+size >= addr
}

// memory tracks which host ranges the guest may touch and how. Bytes are
// never copied: an access at guest address A reads host address A.
type memory struct {
	regions []*region // sorted by base, non-overlapping
	last    *region
	onMiss  UnmappedFunc
}

func (m *memory) find(addr, size uint64) *region {
	if m.last != nil && m.last.contains(addr, size) {
		return m.last
	}
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].end > addr })
	if i < len(m.regions) && m.regions[i].contains(addr, size) {
		m.last = m.regions[i]
		return m.last
	}
	return nil
}

func (m *memory) mapRange(addr, size uint64, prot Prot) error {
	if size == 0 {
		return errors.New("cannot map an empty range")
	}
	if addr+size < addr {
		return errors.Errorf("range 0x%x+0x%x wraps", addr, size)
	}
	end := addr + size
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].end > addr })
	if i < len(m.regions) && m.regions[i].base < end {
		r := m.regions[i]
		return errors.Errorf("range 0x%x-0x%x overlaps mapping 0x%x-0x%x", addr, end, r.base, r.end)
	}
	r := &region{base: addr, end: end, prot: prot}
	m.regions = append(m.regions, nil)
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = r
	return nil
}

// split cuts mappings so that addr and addr+size fall on region boundaries,
// and returns the indices of the regions fully inside the range.
func (m *memory) split(addr, size uint64) []int {
	end := addr + size
	var out []int
	for i := 0; i < len(m.regions); i++ {
		r := m.regions[i]
		if r.end <= addr || r.base >= end {
			continue
		}
		if r.base < addr {
			head := &region{base: r.base, end: addr, prot: r.prot}
			r.base = addr
			m.regions = append(m.regions, nil)
			copy(m.regions[i+1:], m.regions[i:])
			m.regions[i] = head
			continue
		}
		if r.end > end {
			tail := &region{base: end, end: r.end, prot: r.prot}
			r.end = end
			m.regions = append(m.regions, nil)
			copy(m.regions[i+2:], m.regions[i+1:])
			m.regions[i+1] = tail
		}
		out = append(out, i)
	}
	m.last = nil
	return out
}

func (m *memory) protect(addr, size uint64, prot Prot) error {
	idx := m.split(addr, size)
	if len(idx) == 0 {
		return errors.Errorf("no mapping in 0x%x-0x%x", addr, addr+size)
	}
	for _, i := range idx {
		m.regions[i].prot = prot
	}
	return nil
}

func (m *memory) unmap(addr, size uint64) error {
	idx := m.split(addr, size)
	if len(idx) == 0 {
		return errors.Errorf("no mapping in 0x%x-0x%x", addr, addr+size)
	}
	kept := m.regions[:0]
	drop := make(map[int]bool, len(idx))
	for _, i := range idx {
		drop[i] = true
	}
	for i, r := range m.regions {
		if !drop[i] {
			kept = append(kept, r)
		}
	}
	m.regions = kept
	m.last = nil
	return nil
}

// span checks that consecutive regions cover [addr, addr+size) and all
// allow need. When they do not, gap is the first uncovered address, or
// missing is false if a covering region denies the access.
func (m *memory) span(addr, size uint64, need Prot) (ok bool, gap uint64, missing bool) {
	end := addr + size
	if end < addr {
		return false, 0, false
	}
	if r := m.find(addr, size); r != nil {
		return r.prot&need != 0, 0, false
	}
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].end > addr })
	cur := addr
	for ; cur < end; i++ {
		if i == len(m.regions) || m.regions[i].base > cur {
			return false, cur, true
		}
		r := m.regions[i]
		if r.prot&need == 0 {
			return false, 0, false
		}
		cur = r.end
	}
	return true, 0, false
}

// access returns a host view of [addr, addr+size) if the guest may perform
// acc on all of it. The range may span several adjacent mappings; each
// uncovered part is offered to onMiss in turn.
func (m *memory) access(addr uint64, size int, acc Access) ([]byte, bool) {
	need := ProtRead
	switch acc {
	case AccessWrite:
		need = ProtWrite
	case AccessFetch:
		need = ProtExec
	}
	end := addr + uint64(size)
	prev := ^uint64(0)
	for {
		ok, gap, missing := m.span(addr, uint64(size), need)
		if ok {
			return hostBytes(addr, size), true
		}
		// A gap seen twice means onMiss could not cover it.
		if !missing || m.onMiss == nil || gap == prev {
			return nil, false
		}
		if !m.onMiss(gap, int(end-gap), acc) {
			return nil, false
		}
		prev = gap
	}
}

// hostBytes views host memory at addr. Callers must have checked that the
// range is mapped.
func hostBytes(addr uint64, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
}
