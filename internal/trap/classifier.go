// Completion: 100% - Trap classifier complete, all fallbacks wired

// Package trap resolves the target of a boundary crossing to a call-site
// entry. It tries, in order: the cache, the signature of the exact symbol
// at the address, an entry already published under the same name, the
// dynamic method fallbacks and finally the one-time entry point hook.
package trap

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/moby/locker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/xyproto/a64bridge/internal/callsite"
	"github.com/xyproto/a64bridge/internal/fatal"
	"github.com/xyproto/a64bridge/internal/loader"
	"github.com/xyproto/a64bridge/internal/metrics"
)

// loadSelector marks class initializers, which are always void.
const loadSelector = " load]"

// UnresolvedError means no resolution path knows the calling convention
// of the code at Addr.
type UnresolvedError struct {
	Addr   uint64
	Module string
	Symbol string
}

func (e *UnresolvedError) Error() string {
	switch {
	case e.Symbol != "":
		return fmt.Sprintf("no signature for %s`%s at 0x%x", e.Module, e.Symbol, e.Addr)
	case e.Module != "":
		return fmt.Sprintf("no signature for code in %s at 0x%x", e.Module, e.Addr)
	}
	return fmt.Sprintf("no signature for unknown code at 0x%x", e.Addr)
}

// FatalKind places the error among the fatal conditions.
func (e *UnresolvedError) FatalKind() fatal.Kind { return fatal.KindUnresolved }

// Options are the collaborators of a Classifier. Cache and Handlers are
// required, everything else narrows what can be resolved.
type Options struct {
	Cache       *callsite.Cache
	Handlers    *callsite.Handlers
	Symbols     loader.Symbolizer
	Signatures  loader.SignatureSource
	Classes     loader.ClassMethods
	EntryPoints loader.EntryPoints
	Metrics     *metrics.Metrics
	Log         logrus.FieldLogger
}

// Classifier implements session.Resolver.
type Classifier struct {
	opts Options
	log  logrus.FieldLogger

	inflight   singleflight.Group
	classLocks *locker.Locker
	classes    mapset.Set[string]

	entryOnce sync.Once
	entryErr  error
}

// New returns a classifier over opts.
func New(opts Options) (*Classifier, error) {
	if opts.Cache == nil || opts.Handlers == nil {
		return nil, errors.New("a classifier needs a call-site cache and handlers")
	}
	log := opts.Log
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return &Classifier{
		opts:       opts,
		log:        log.WithField("component", "trap"),
		classLocks: locker.New(),
		classes:    mapset.NewSet[string](),
	}, nil
}

// Cache returns the cache entries are published to.
func (c *Classifier) Cache() *callsite.Cache { return c.opts.Cache }

// Register compiles encoding and publishes it at addr. If addr already has
// an entry that one is returned and encoding is only checked for syntax.
func (c *Classifier) Register(addr uint64, encoding, name string) (callsite.Entry, error) {
	e, err := callsite.Compile(encoding, name, c.opts.Handlers)
	if err != nil {
		return nil, errors.Wrapf(err, "registering %s at 0x%x", displayName(name, addr), addr)
	}
	c.opts.Metrics.Compile()
	visible, fresh := c.opts.Cache.Publish(addr, e)
	if !fresh {
		c.log.WithFields(logrus.Fields{"addr": hexAddr(addr), "name": name}).Debug("call site already registered, keeping the first entry")
	}
	return visible, nil
}

// RegisterClass registers methods as the complete method list of class;
// later misses inside class no longer ask the class methods source.
func (c *Classifier) RegisterClass(class string, methods []loader.Method) error {
	c.classLocks.Lock(class)
	defer c.classLocks.Unlock(class)
	err := c.registerMethods(class, methods)
	c.classes.Add(class)
	return err
}

// Classes lists the classes registered so far.
func (c *Classifier) Classes() []string {
	return c.classes.ToSlice()
}

func (c *Classifier) registerMethods(class string, methods []loader.Method) error {
	var first error
	for _, m := range methods {
		if _, err := c.Register(m.Addr, m.Encoding, m.Name); err != nil {
			c.log.WithError(err).WithField("class", class).Warn("skipping method")
			if first == nil {
				first = err
			}
		}
	}
	c.log.WithFields(logrus.Fields{"class": class, "methods": len(methods)}).Debug("registered class")
	return first
}

// Resolve returns the entry for the code at addr. Concurrent misses for
// one address resolve once.
func (c *Classifier) Resolve(addr uint64) (callsite.Entry, error) {
	if e, ok := c.opts.Cache.Lookup(addr); ok {
		c.opts.Metrics.Lookup(metrics.ResultHit)
		return e, nil
	}
	v, err, _ := c.inflight.Do(strconv.FormatUint(addr, 16), func() (any, error) {
		return c.resolve(addr)
	})
	if err != nil {
		return nil, err
	}
	return v.(callsite.Entry), nil
}

func (c *Classifier) resolve(addr uint64) (callsite.Entry, error) {
	if e, ok := c.opts.Cache.Lookup(addr); ok {
		c.opts.Metrics.Lookup(metrics.ResultHit)
		return e, nil
	}

	var sym loader.Symbol
	var exact bool
	if c.opts.Symbols != nil {
		var ok bool
		sym, ok = c.opts.Symbols.LookupSymbol(addr)
		exact = ok && sym.Exact && sym.Name != ""
	}

	if exact {
		if e, err, ok := c.fromTable(addr, sym); ok {
			return e, err
		}
		if e, ok := c.fromAlias(addr, sym.Name); ok {
			return e, nil
		}
		if e, err, ok := c.fromMethod(addr, sym.Name); ok {
			return e, err
		}
	}

	if e, ok := c.fromEntryPoints(addr); ok {
		return e, nil
	}

	c.opts.Metrics.Lookup(metrics.ResultMiss)
	uerr := &UnresolvedError{Addr: addr, Module: sym.Module}
	if exact {
		uerr.Symbol = sym.Name
	}
	return nil, uerr
}

func (c *Classifier) fromTable(addr uint64, sym loader.Symbol) (callsite.Entry, error, bool) {
	if c.opts.Signatures == nil {
		return nil, nil, false
	}
	enc, ok := c.opts.Signatures.TypeEncodingFor(sym.Module, sym.Name)
	if !ok {
		return nil, nil, false
	}
	e, err := c.Register(addr, enc, sym.Name)
	if err != nil {
		return nil, err, true
	}
	c.opts.Metrics.Lookup(metrics.ResultResolved)
	return e, nil, true
}

// fromAlias shares the entry of another address published under the same
// name, or the same dynamic method name without its category.
func (c *Classifier) fromAlias(addr uint64, name string) (callsite.Entry, bool) {
	e, from, ok := c.opts.Cache.LookupName(name)
	if !ok {
		return nil, false
	}
	visible, _ := c.opts.Cache.Publish(addr, e)
	c.log.WithFields(logrus.Fields{"name": name, "addr": hexAddr(addr), "from": hexAddr(from)}).Debug("aliased call site")
	c.opts.Metrics.Lookup(metrics.ResultAlias)
	return visible, true
}

func (c *Classifier) fromMethod(addr uint64, name string) (callsite.Entry, error, bool) {
	m, ok := loader.ParseMethodName(name)
	if !ok {
		return nil, nil, false
	}
	if strings.HasSuffix(name, loadSelector) {
		e, err := c.Register(addr, "v", name)
		if err != nil {
			return nil, err, true
		}
		c.opts.Metrics.Lookup(metrics.ResultFallback)
		return e, nil, true
	}
	if c.opts.Classes == nil {
		return nil, nil, false
	}
	if err := c.loadClass(m.Class); err != nil {
		c.log.WithError(err).WithField("class", m.Class).Warn("bulk registration failed")
	}
	if e, ok := c.opts.Cache.Lookup(addr); ok {
		c.opts.Metrics.Lookup(metrics.ResultFallback)
		return e, nil, true
	}
	// Category methods resolve to the plain method once the class is in.
	if e, ok := c.fromAlias(addr, name); ok {
		return e, nil, true
	}
	return nil, nil, false
}

// loadClass asks the class methods source for class, once per class.
func (c *Classifier) loadClass(class string) error {
	if c.classes.Contains(class) {
		return nil
	}
	c.classLocks.Lock(class)
	defer c.classLocks.Unlock(class)
	if c.classes.Contains(class) {
		return nil
	}
	methods, err := c.opts.Classes.MethodsOf(class)
	c.classes.Add(class)
	if err != nil {
		return errors.Wrapf(err, "listing methods of %s", class)
	}
	return c.registerMethods(class, methods)
}

func (c *Classifier) fromEntryPoints(addr uint64) (callsite.Entry, bool) {
	if c.opts.EntryPoints == nil {
		return nil, false
	}
	c.entryOnce.Do(func() {
		c.entryErr = c.opts.EntryPoints.LoadEntryPoints()
		if c.entryErr != nil {
			c.log.WithError(c.entryErr).Warn("loading entry points")
		}
	})
	e, ok := c.opts.Cache.Lookup(addr)
	if ok {
		c.opts.Metrics.Lookup(metrics.ResultFallback)
	}
	return e, ok
}

func hexAddr(addr uint64) string { return "0x" + strconv.FormatUint(addr, 16) }

func displayName(name string, addr uint64) string {
	if name != "" {
		return name
	}
	return hexAddr(addr)
}
