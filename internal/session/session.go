// Completion: 100% - Emulation sessions complete

// Package session runs guest code. A Session owns one emulated CPU and one
// guest stack and belongs to exactly one OS thread; its dispatch loop turns
// every attempt of guest code to execute host code into a marshaled host
// call, and lets host code call back into guest code on the same stack.
package session

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/xyproto/a64bridge/internal/callsite"
	"github.com/xyproto/a64bridge/internal/cpu"
	"github.com/xyproto/a64bridge/internal/engine"
	"github.com/xyproto/a64bridge/internal/fatal"
	"github.com/xyproto/a64bridge/internal/hostcall"
	"github.com/xyproto/a64bridge/internal/loader"
	"github.com/xyproto/a64bridge/internal/metrics"
)

const (
	// DefaultStackSize is used when neither the configuration nor the
	// thread stack limit give a size.
	DefaultStackSize = 8 << 20
	// MaxStackSize caps a size derived from the thread stack limit.
	MaxStackSize = 256 << 20
)

// Resolver turns a code address into a call-site entry.
type Resolver interface {
	Resolve(addr uint64) (callsite.Entry, error)
}

// Host is the bridge side of the environment shims and hooks see.
type Host interface {
	RegisterCallSite(addr uint64, encoding, name string) error
	ExportGuest(addr uint64, encoding, name string) (uint64, error)
	AtExit(fn uint64, encoding string, args []uint64) error
}

// Shared holds what every session of one bridge uses. Only Resolver and
// Invoker are required.
type Shared struct {
	Log      logrus.FieldLogger
	Resolver Resolver
	Invoker  hostcall.Invoker
	Host     Host
	Regions  *loader.RegionSet
	HostMaps *loader.HostMaps
	Symbols  loader.Symbolizer
	Metrics  *metrics.Metrics
	Abort    fatal.Handler

	StackSize uint64
	PageZero  uint64
	PrintRegs bool
	Trace     bool
	MaxSteps  uint64

	// NewEngine builds the CPU for a session. The default is the built-in
	// interpreter.
	NewEngine func(onMiss cpu.UnmappedFunc) cpu.Engine
}

func (sh *Shared) log() logrus.FieldLogger {
	if sh.Log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		sh.Log = l
	}
	return sh.Log
}

func (sh *Shared) newEngine(onMiss cpu.UnmappedFunc) cpu.Engine {
	if sh.NewEngine != nil {
		return sh.NewEngine(onMiss)
	}
	opts := []cpu.Option{cpu.WithUnmappedHandler(onMiss)}
	if sh.Trace {
		opts = append(opts, cpu.WithTrace(sh.log().WithField("component", "trace")))
	}
	if sh.MaxSteps > 0 {
		opts = append(opts, cpu.WithMaxSteps(sh.MaxSteps))
	}
	return cpu.NewInterpreter(opts...)
}

// ThreadStackSize derives a guest stack size from the thread stack limit.
func ThreadStackSize() uint64 {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_STACK, &rl); err != nil || rl.Cur == 0 || rl.Cur == ^uint64(0) {
		return DefaultStackSize
	}
	return min(rl.Cur, MaxStackSize)
}

// Session is one emulated CPU bound to one OS thread.
type Session struct {
	tid int
	sh  *Shared
	eng cpu.Engine
	log logrus.FieldLogger

	stack    []byte
	stackLo  uint64
	stackHi  uint64
	sentinel uint64

	monitor *StackMonitor
	env     *sessionEnv
	// deferred holds an error raised by a host-to-guest call made from a
	// closure, which cannot return it; the crossing that is running when
	// the closure returns picks it up.
	deferred error
}

// New creates a session for the calling thread: it maps the guest stack
// with a guard page and makes every registered guest image executable.
func New(sh *Shared) (*Session, error) {
	if sh.Resolver == nil || sh.Invoker == nil {
		return nil, errors.New("a session needs a resolver and a host invoker")
	}
	size := sh.StackSize
	if size == 0 {
		size = ThreadStackSize()
	}
	page := engine.PageSize()
	size = engine.AlignUp(size, page)

	mem, err := unix.Mmap(-1, 0, int(size+page), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "mapping the guest stack")
	}
	if err := unix.Mprotect(mem[:page], unix.PROT_NONE); err != nil {
		_ = unix.Munmap(mem)
		return nil, errors.Wrap(err, "protecting the guest stack guard page")
	}
	base := uint64(uintptr(unsafe.Pointer(&mem[0])))

	s := &Session{
		tid:      unix.Gettid(),
		sh:       sh,
		stack:    mem,
		sentinel: base,
		stackLo:  base + page,
		stackHi:  base + page + size,
	}
	s.log = sh.log().WithField("tid", s.tid)
	s.env = &sessionEnv{s: s}
	s.monitor = NewStackMonitor(s.stackHi, sh.Metrics, s.log)
	s.eng = sh.newEngine(s.onUnmapped)

	if err := s.eng.MemMap(s.stackLo, size, cpu.ProtRW); err != nil {
		_ = s.Close()
		return nil, errors.Wrap(err, "mapping the guest stack into the emulator")
	}
	if sh.Regions != nil {
		for _, r := range sh.Regions.Regions() {
			if err := s.mapRegion(r); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
	}
	s.eng.RegWrite(cpu.SP, s.stackHi)
	s.eng.RegWrite(cpu.LR, s.sentinel)
	s.log.WithFields(logrus.Fields{
		"stack":    engine.AlignUp(size, page),
		"sentinel": s.sentinel,
	}).Debug("session created")
	return s, nil
}

func (s *Session) mapRegion(r loader.Region) error {
	prot := cpu.ProtRead
	if r.Exec {
		prot |= cpu.ProtExec
	}
	if err := s.eng.MemMap(r.Start, r.End-r.Start, prot); err != nil {
		return errors.Wrapf(err, "mapping %s into the emulator", r.Module)
	}
	return nil
}

// onUnmapped maps memory on demand. Guest images registered after the
// session was created are mapped on first touch. Guest and host share an
// address space, so a guest pointer to host memory is valid once the
// emulator knows the range; host memory is never made executable, which is
// what turns a jump into host code into a trap.
func (s *Session) onUnmapped(addr uint64, size int, access cpu.Access) bool {
	if s.sh.Regions != nil {
		if r, ok := s.sh.Regions.Find(addr); ok {
			return s.mapRegion(r) == nil
		}
	}
	if access == cpu.AccessFetch || addr < s.sh.PageZero || s.sh.HostMaps == nil {
		return false
	}
	m, ok := s.sh.HostMaps.Find(addr)
	if !ok || !m.Read {
		return false
	}
	prot := cpu.ProtRead
	if m.Write {
		prot |= cpu.ProtWrite
	}
	if err := s.eng.MemMap(m.Start, m.End-m.Start, prot); err == nil {
		s.log.WithFields(logrus.Fields{"start": m.Start, "end": m.End, "path": m.Path}).Debug("mapped host memory")
		return true
	}
	// Part of the host mapping is already known to the emulator, map only
	// the pages around the access.
	page := engine.PageSize()
	start := max(engine.AlignDown(addr, page), m.Start)
	end := min(engine.AlignUp(addr+uint64(size), page), m.End)
	for p := start; p < end; {
		if _, mapped := s.eng.Mapped(p); mapped {
			p += page
			continue
		}
		q := p
		for q < end {
			if _, mapped := s.eng.Mapped(q); mapped {
				break
			}
			q += page
		}
		if err := s.eng.MemMap(p, q-p, prot); err != nil {
			s.log.WithError(err).Warn("mapping host pages")
			return false
		}
		p = q
	}
	return true
}

// Tid is the OS thread the session belongs to.
func (s *Session) Tid() int { return s.tid }

// Engine exposes the emulated CPU.
func (s *Session) Engine() cpu.Engine { return s.eng }

// Monitor exposes the stack monitor.
func (s *Session) Monitor() *StackMonitor { return s.monitor }

// Sentinel is the return address that ends a top-level guest call.
func (s *Session) Sentinel() uint64 { return s.sentinel }

// StackRange is the usable guest stack [lo, hi).
func (s *Session) StackRange() (lo, hi uint64) { return s.stackLo, s.stackHi }

// Depth is the number of guest/host crossings in progress.
func (s *Session) Depth() int { return s.monitor.Depth() }

// Defer records err for the running crossing, keeping the first one.
func (s *Session) Defer(err error) {
	if s.deferred == nil {
		s.deferred = err
	}
}

func (s *Session) takeDeferred() error {
	err := s.deferred
	s.deferred = nil
	return err
}

// Close releases the emulator and the guest stack.
func (s *Session) Close() error {
	var err error
	if s.eng != nil {
		err = s.eng.Close()
		s.eng = nil
	}
	if s.stack != nil {
		if uerr := unix.Munmap(s.stack); uerr != nil && err == nil {
			err = uerr
		}
		s.stack = nil
	}
	return err
}
