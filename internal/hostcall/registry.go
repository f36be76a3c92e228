package hostcall

import (
	"encoding/binary"
	"math"
	"sort"
	"strconv"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/xyproto/a64bridge/internal/engine"
	"github.com/xyproto/a64bridge/internal/typeenc"
)

// StubSize is the distance between two registry addresses.
const StubSize = 16

// Call is the argument view handed to a Go host function.
type Call struct {
	Desc *Descriptor
	Args []unsafe.Pointer
	Ret  unsafe.Pointer
}

// Func is a host function implemented in Go.
type Func func(c *Call) error

func (c *Call) bytes(i int) []byte {
	return unsafe.Slice((*byte)(c.Args[i]), c.Desc.Args[i].Size)
}

// Int returns argument i as a signed integer, extended per its type.
func (c *Call) Int(i int) int64 {
	b := c.bytes(i)
	switch c.Desc.Args[i].Size {
	case 1:
		if c.Desc.Args[i].Kind == typeenc.UInt {
			return int64(b[0])
		}
		return int64(int8(b[0]))
	case 2:
		if c.Desc.Args[i].Kind == typeenc.UInt {
			return int64(binary.LittleEndian.Uint16(b))
		}
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		if c.Desc.Args[i].Kind == typeenc.UInt {
			return int64(binary.LittleEndian.Uint32(b))
		}
		return int64(int32(binary.LittleEndian.Uint32(b)))
	default:
		return int64(binary.LittleEndian.Uint64(b))
	}
}

// Uint returns argument i as an unsigned integer.
func (c *Call) Uint(i int) uint64 { return uint64(c.Int(i)) }

// Pointer returns argument i as an address.
func (c *Call) Pointer(i int) uint64 {
	return binary.LittleEndian.Uint64(c.bytes(i))
}

// Float returns a float or double argument.
func (c *Call) Float(i int) float64 {
	b := c.bytes(i)
	if c.Desc.Args[i].Kind == typeenc.Float {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

// Bytes returns the raw bytes of argument i, for aggregates.
func (c *Call) Bytes(i int) []byte { return c.bytes(i) }

func (c *Call) retBytes() []byte {
	return unsafe.Slice((*byte)(c.Ret), max(c.Desc.RetSize(), 8))
}

// SetInt stores an integer or pointer result, widened to 8 bytes.
func (c *Call) SetInt(v int64) {
	binary.LittleEndian.PutUint64(c.retBytes(), uint64(v))
}

// SetUint stores an unsigned or pointer result.
func (c *Call) SetUint(v uint64) {
	binary.LittleEndian.PutUint64(c.retBytes(), v)
}

// SetFloat stores a float or double result.
func (c *Call) SetFloat(v float64) {
	if c.Desc.Return.Kind == typeenc.Float {
		binary.LittleEndian.PutUint32(c.retBytes(), math.Float32bits(float32(v)))
		return
	}
	binary.LittleEndian.PutUint64(c.retBytes(), math.Float64bits(v))
}

// SetBytes stores an aggregate result.
func (c *Call) SetBytes(b []byte) {
	copy(c.retBytes(), b)
}

type goFunc struct {
	name string
	fn   Func
}

// Registry hands out host addresses for Go functions. The addresses lie in
// a reserved PROT_NONE page range, so they can never be mistaken for guest
// code or executed by accident.
type Registry struct {
	mu     sync.RWMutex
	mem    []byte
	base   uint64
	funcs  []goFunc
	byName map[string]uint64
}

// NewRegistry reserves room for slots functions.
func NewRegistry(slots int) (*Registry, error) {
	size := engine.AlignUp(uint64(slots)*StubSize, engine.PageSize())
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "reserving host stub pages")
	}
	return &Registry{
		mem:    mem,
		base:   uint64(uintptr(unsafe.Pointer(&mem[0]))),
		funcs:  make([]goFunc, 0, slots),
		byName: make(map[string]uint64),
	}, nil
}

// Register assigns the next stub address to fn.
func (r *Registry) Register(name string, fn Func) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(name, fn)
}

func (r *Registry) registerLocked(name string, fn Func) (uint64, error) {
	if addr, ok := r.byName[name]; ok {
		return addr, errors.Errorf("host function %q already registered at 0x%x", name, addr)
	}
	if uint64(len(r.funcs)+1)*StubSize > uint64(len(r.mem)) {
		return 0, errors.Errorf("host stub area full (%d functions)", len(r.funcs))
	}
	addr := r.base + uint64(len(r.funcs))*StubSize
	r.funcs = append(r.funcs, goFunc{name: name, fn: fn})
	r.byName[name] = addr
	return addr, nil
}

// MustRegister is Register for setup code that cannot continue otherwise.
func (r *Registry) MustRegister(name string, fn Func) uint64 {
	addr, err := r.Register(name, fn)
	if err != nil {
		panic(err)
	}
	return addr
}

// NewClosure registers fn as an anonymous function.
func (r *Registry) NewClosure(name string, _ *Descriptor, fn ClosureFunc) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// The slot index keeps names unique while the lock is held.
	name = "closure." + name + "." + strconv.Itoa(len(r.funcs))
	return r.registerLocked(name, func(c *Call) error {
		fn(c.Args, c.Ret)
		return nil
	})
}

func (r *Registry) lookup(addr uint64) (goFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if addr < r.base || addr >= r.base+uint64(len(r.mem)) || (addr-r.base)%StubSize != 0 {
		return goFunc{}, false
	}
	i := int((addr - r.base) / StubSize)
	if i >= len(r.funcs) {
		return goFunc{}, false
	}
	return r.funcs[i], true
}

// Contains reports whether addr lies in the reserved stub range.
func (r *Registry) Contains(addr uint64) bool {
	return addr >= r.base && addr < r.base+uint64(len(r.mem))
}

// Name returns the name registered at addr.
func (r *Registry) Name(addr uint64) (string, bool) {
	f, ok := r.lookup(addr)
	return f.name, ok
}

// Address returns the stub address of a registered name.
func (r *Registry) Address(name string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.byName[name]
	return addr, ok
}

// Names lists registered names in address order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return r.byName[names[i]] < r.byName[names[j]] })
	return names
}

// Range reports the reserved address range.
func (r *Registry) Range() (start, end uint64) {
	return r.base, r.base + uint64(len(r.mem))
}

// Invoke implements Invoker.
func (r *Registry) Invoke(fn uint64, d *Descriptor, args []unsafe.Pointer, ret unsafe.Pointer) error {
	f, ok := r.lookup(fn)
	if !ok {
		return ErrNoHostImplementation
	}
	if len(args) != len(d.Args) {
		return errors.Errorf("%s: got %d arguments, want %d", f.name, len(args), len(d.Args))
	}
	if d.RetSize() > 0 && ret == nil {
		return errors.Errorf("%s: no return storage", f.name)
	}
	return errors.Wrap(f.fn(&Call{Desc: d, Args: args, Ret: ret}), f.name)
}

// Close releases the reserved pages. Addresses handed out become invalid.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}
