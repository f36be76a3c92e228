// Completion: 100% - Public bridge API complete

// Package bridge runs ARM64 guest code on a host of any architecture and
// lets guest and host call each other as if they shared an ABI.
//
// A Bridge owns the call-site cache, the trap classifier and one emulation
// session per OS thread. Guest code calls host functions by jumping to
// them; the jump faults in the emulator, the target is classified and the
// call is marshaled from the AAPCS64 guest state to a host call. Host code
// calls guest functions with InvokeGuestFunction, or through host function
// pointers made by ExportGuest.
package bridge

import (
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/xyproto/a64bridge/internal/callsite"
	"github.com/xyproto/a64bridge/internal/config"
	"github.com/xyproto/a64bridge/internal/cpu"
	"github.com/xyproto/a64bridge/internal/fatal"
	"github.com/xyproto/a64bridge/internal/hostcall"
	"github.com/xyproto/a64bridge/internal/loader"
	"github.com/xyproto/a64bridge/internal/metrics"
	"github.com/xyproto/a64bridge/internal/session"
	"github.com/xyproto/a64bridge/internal/shims"
	"github.com/xyproto/a64bridge/internal/trap"
)

// DefaultHostSlots is how many Go host functions and closures a bridge can
// hand out addresses for.
const DefaultHostSlots = 4096

// Options configure a Bridge. Every field is optional.
type Options struct {
	// Config holds the user settings; config.Default() when nil.
	Config *config.Config
	Log    logrus.FieldLogger

	// Regions marks guest executable memory. Images added later are
	// picked up by running sessions on first touch.
	Regions     *loader.RegionSet
	Symbols     loader.Symbolizer
	Signatures  loader.SignatureSource
	Classes     loader.ClassMethods
	EntryPoints loader.EntryPoints

	// Invoker calls native host functions. Go functions registered with
	// RegisterHost are always reachable; when Invoker is nil the libffi
	// invoker is used if the binary was built with it.
	Invoker hostcall.Invoker

	// Abort receives fatal reports. The default logs, prints the report
	// to stderr and exits with status 134.
	Abort fatal.Handler

	// Registerer receives the bridge metrics; a private registry when nil.
	Registerer prometheus.Registerer

	// MaxSteps bounds each guest run on the built-in interpreter.
	MaxSteps uint64
	// NewEngine replaces the built-in interpreter.
	NewEngine func(onMiss cpu.UnmappedFunc) cpu.Engine
}

type exitCall struct {
	fn    uint64
	entry callsite.Entry
	args  []uint64
}

// Bridge is safe for concurrent use by many threads.
type Bridge struct {
	cfg        *config.Config
	log        logrus.FieldLogger
	cache      *callsite.Cache
	handlers   *callsite.Handlers
	classifier *trap.Classifier
	goFuncs    *hostcall.Registry
	invoker    hostcall.Chain
	closures   hostcall.ClosureMaker
	regions    *loader.RegionSet
	sessions   *session.Registry
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer

	mu       sync.Mutex
	exits    []exitCall
	exported map[uint64]uint64
	closed   bool
}

// New creates a bridge.
func New(opts Options) (*Bridge, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stack, _ := cfg.StackBytes()
	pageZero, _ := cfg.PageZeroBytes()

	log := opts.Log
	if log == nil {
		l := logrus.New()
		if cfg.Verbose {
			l.SetLevel(logrus.DebugLevel)
		}
		log = l
	}

	reg := opts.Registerer
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	m, err := metrics.New(reg)
	if err != nil {
		return nil, errors.Wrap(err, "registering metrics")
	}

	signatures := opts.Signatures
	if signatures == nil && cfg.Signatures != "" {
		table, err := loader.LoadSignatureTable(cfg.Signatures)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"path": cfg.Signatures, "entries": table.Len()}).Debug("loaded signature table")
		signatures = table
	}

	regions := opts.Regions
	if regions == nil {
		regions = loader.NewRegionSet()
	}
	hostMaps := loader.NewHostMaps()
	symbols := opts.Symbols
	if symbols == nil {
		symbols = loader.Symbolizers{regions, hostMaps}
	}

	goFuncs, err := hostcall.NewRegistry(DefaultHostSlots)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		cfg:      cfg,
		log:      log,
		cache:    callsite.NewCache(),
		handlers: callsite.NewHandlers(),
		goFuncs:  goFuncs,
		invoker:  hostcall.Chain{goFuncs},
		closures: goFuncs,
		regions:  regions,
		metrics:  m,
		gatherer: gatherer,
		exported: make(map[uint64]uint64),
	}
	native := opts.Invoker
	if native == nil {
		if inv, ok := hostcall.Native(log); ok {
			native = inv
		}
	}
	if native != nil {
		b.invoker = append(b.invoker, native)
		// Native code can only call native closures.
		if cm, ok := native.(hostcall.ClosureMaker); ok {
			b.closures = cm
		}
	}
	shims.Install(b.handlers)

	b.classifier, err = trap.New(trap.Options{
		Cache:       b.cache,
		Handlers:    b.handlers,
		Symbols:     symbols,
		Signatures:  signatures,
		Classes:     opts.Classes,
		EntryPoints: opts.EntryPoints,
		Metrics:     m,
		Log:         log,
	})
	if err != nil {
		_ = goFuncs.Close()
		return nil, err
	}

	abort := opts.Abort
	if abort == nil {
		abort = fatal.DefaultHandler(log, os.Stderr, cfg.NoColor, nil)
	}
	b.sessions = session.NewRegistry(&session.Shared{
		Log:       log,
		Resolver:  b.classifier,
		Invoker:   b.invoker,
		Host:      b,
		Regions:   regions,
		HostMaps:  hostMaps,
		Symbols:   symbols,
		Metrics:   m,
		Abort:     abort,
		StackSize: stack,
		PageZero:  pageZero,
		PrintRegs: cfg.PrintRegs,
		Trace:     cfg.Trace,
		MaxSteps:  opts.MaxSteps,
		NewEngine: opts.NewEngine,
	})
	return b, nil
}

// Handlers is where custom shims and hook pairs are registered, before any
// encoding naming them is.
func (b *Bridge) Handlers() *callsite.Handlers { return b.handlers }

// Cache exposes the call-site cache.
func (b *Bridge) Cache() *callsite.Cache { return b.cache }

// Regions exposes the guest executable regions.
func (b *Bridge) Regions() *loader.RegionSet { return b.regions }

// Gatherer exposes the bridge metrics, or nil when the registerer given in
// Options cannot gather.
func (b *Bridge) Gatherer() prometheus.Gatherer { return b.gatherer }

// RegisterHost gives the Go function fn a host address guest code can
// call. Calls still need a call site registered at that address.
func (b *Bridge) RegisterHost(name string, fn hostcall.Func) (uint64, error) {
	return b.goFuncs.Register(name, fn)
}

// RegisterCallSite compiles encoding (a type encoding, "$shim" or
// "%hooks:ENC") and publishes it at addr. Registering an address twice
// keeps the first entry.
func (b *Bridge) RegisterCallSite(addr uint64, encoding, name string) error {
	_, err := b.classifier.Register(addr, encoding, name)
	return err
}

// RegisterClass bulk registers the methods of one runtime class.
func (b *Bridge) RegisterClass(name string, methods []loader.Method) error {
	return b.classifier.RegisterClass(name, methods)
}

// WithSession runs fn on the calling thread's session, creating it when the
// thread has none. The session lives until Close.
func (b *Bridge) WithSession(fn func(*session.Session) error) error {
	return b.sessions.With(fn)
}

// RunGuestEntryPoint runs the guest code at addr on the calling thread
// until it returns.
func (b *Bridge) RunGuestEntryPoint(addr uint64) error {
	return b.WithSession(func(s *session.Session) error {
		return s.Run(addr)
	})
}

// InvokeGuestFunction calls the guest function at addr as if it were
// native: args[i] points at argument i and ret receives the result, at
// least 16 bytes or the size of the result type.
func (b *Bridge) InvokeGuestFunction(addr uint64, args []unsafe.Pointer, ret unsafe.Pointer) error {
	return b.WithSession(func(s *session.Session) error {
		return s.Invoke(addr, args, ret)
	})
}

// ExportGuest registers encoding at the guest function addr and returns a
// host function pointer that runs it on the calling thread's session. One
// pointer is made per guest function.
func (b *Bridge) ExportGuest(addr uint64, encoding, name string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if host, ok := b.exported[addr]; ok {
		return host, nil
	}
	entry, err := b.classifier.Register(addr, encoding, name)
	if err != nil {
		return 0, err
	}
	sig, ok := callsite.SignatureOf(entry)
	if !ok {
		return 0, errors.Errorf("%s at 0x%x is a shim and cannot be exported", entry.DisplayName(), addr)
	}
	host, err := b.closures.NewClosure(name, sig.Host, func(args []unsafe.Pointer, ret unsafe.Pointer) {
		err := b.WithSession(func(s *session.Session) error {
			if err := s.CallEntry(addr, entry, args, ret); err != nil {
				// A closure cannot fail; the guest call that led here does.
				s.Defer(err)
			}
			return nil
		})
		if err != nil {
			b.log.WithError(err).WithField("guest", addr).Error("guest callback could not run")
		}
	})
	if err != nil {
		return 0, errors.Wrapf(err, "exporting %s", name)
	}
	b.exported[addr] = host
	b.log.WithFields(logrus.Fields{"guest": addr, "host": host, "name": name}).Debug("exported guest function")
	return host, nil
}

// AtExit queues a call of the guest function fn with pointer sized args,
// run by Close in reverse order of queueing.
func (b *Bridge) AtExit(fn uint64, encoding string, args []uint64) error {
	entry, err := b.classifier.Register(fn, encoding, "atexit handler")
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bridge is closed")
	}
	b.exits = append(b.exits, exitCall{fn: fn, entry: entry, args: append([]uint64(nil), args...)})
	return nil
}

// Close runs the queued exit handlers on the calling thread, destroys the
// thread sessions and releases the host function addresses. The bridge cannot be used afterwards.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	exits := b.exits
	b.exits = nil
	b.mu.Unlock()

	var first error
	if len(exits) > 0 {
		first = b.WithSession(func(s *session.Session) error {
			var first error
			for i := len(exits) - 1; i >= 0; i-- {
				x := exits[i]
				args := make([]unsafe.Pointer, len(x.args))
				for j := range x.args {
					args[j] = unsafe.Pointer(&x.args[j])
				}
				var ret [16]byte
				if err := s.CallEntry(x.fn, x.entry, args, unsafe.Pointer(&ret[0])); err != nil && first == nil {
					first = err
				}
			}
			return first
		})
	}
	if err := b.sessions.Close(); err != nil && first == nil {
		first = err
	}
	if err := b.goFuncs.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
