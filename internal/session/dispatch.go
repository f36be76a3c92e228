package session

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xyproto/a64bridge/internal/aapcs"
	"github.com/xyproto/a64bridge/internal/callsite"
	"github.com/xyproto/a64bridge/internal/cpu"
	"github.com/xyproto/a64bridge/internal/fatal"
	"github.com/xyproto/a64bridge/internal/metrics"
)

// Crossing labels used by the stack monitor.
const (
	dirToHost  = "guest->host"
	dirToGuest = "host->guest"
)

// execute runs guest code from pc until it returns to the sentinel. Every
// fetch fault is a call into host code: it is performed and execution
// resumes at the guest return address, or wherever a shim says. Any other
// halt is fatal.
func (s *Session) execute(pc uint64) error {
	for {
		h := s.eng.Start(pc, s.sentinel)
		switch {
		case h.Reason == cpu.HaltUntil:
			return nil
		case h.IsFetchFault():
			resume, err := s.crossToHost(h.PC)
			if err != nil {
				return err
			}
			pc = resume
		default:
			return s.fault(h)
		}
	}
}

// Run starts a top-level guest execution at entry on this session and
// returns when it returns.
func (s *Session) Run(entry uint64) error {
	if s.monitor.Depth() == 0 {
		s.eng.RegWrite(cpu.SP, s.stackHi)
	}
	sp := s.eng.RegRead(cpu.SP)
	s.eng.RegWrite(cpu.LR, s.sentinel)
	cp := s.monitor.Enter(dirToGuest, s.describe(entry), sp)
	if err := s.execute(entry); err != nil {
		return err
	}
	if err := s.monitor.Leave(dirToGuest, s.describe(entry), cp, s.eng.RegRead(cpu.SP)); err != nil {
		return s.fail(&fatal.Report{Kind: fatal.KindStack, Message: "guest entry point returned with a moved stack", Addr: entry, Err: err})
	}
	return nil
}

func (s *Session) describe(addr uint64) string {
	if s.sh.Symbols != nil {
		if sym, ok := s.sh.Symbols.LookupSymbol(addr); ok {
			return sym.String()
		}
	}
	return "0x" + hex(addr)
}

// crossToHost handles guest code calling the host address addr. It returns
// the guest address to continue at.
func (s *Session) crossToHost(addr uint64) (uint64, error) {
	s.sh.Metrics.Trap(metrics.GuestToHost)
	if s.sh.PrintRegs {
		s.dumpRegs(addr)
	}
	if addr < s.sh.PageZero {
		return 0, s.fail(&fatal.Report{Kind: fatal.KindNullDereference, Message: "guest called a null function pointer", Addr: addr})
	}
	ret := s.eng.RegRead(cpu.LR)

	entry, err := s.sh.Resolver.Resolve(addr)
	if err != nil {
		return 0, s.fail(&fatal.Report{Kind: kindOf(err, fatal.KindUnresolved), Message: "cannot resolve call target", Addr: addr, Err: err})
	}

	switch e := entry.(type) {
	case *callsite.Shim:
		return s.runShim(addr, ret, e)
	case *callsite.Signature:
		if err := s.callHost(addr, e, nil); err != nil {
			return 0, err
		}
	case *callsite.Wrapper:
		if err := s.callHost(addr, e.Inner, &e.Hooks); err != nil {
			return 0, err
		}
	default:
		return 0, s.fail(&fatal.Report{Kind: fatal.KindInternal, Message: "call-site entry of unknown kind", Addr: addr})
	}
	return ret, nil
}

func (s *Session) runShim(addr, ret uint64, e *callsite.Shim) (uint64, error) {
	s.sh.Metrics.Shim(e.Handler)
	s.monitor.Enter(dirToHost, "$"+e.Handler, s.eng.RegRead(cpu.SP))
	resume, err := e.Fn(&callsite.ShimContext{Addr: addr, Return: ret, Machine: s.eng, Env: s.env})
	// Shims may move the stack on purpose (longjmp), so only depth is kept.
	s.monitor.depth--
	if err == nil {
		err = s.takeDeferred()
	}
	if err != nil {
		if r, ok := asReport(err); ok {
			return 0, r
		}
		return 0, s.fail(&fatal.Report{Kind: kindOf(err, fatal.KindInternal), Message: "shim " + e.Handler + " failed", Addr: addr, Err: err})
	}
	if resume == 0 {
		resume = ret
	}
	return resume, nil
}

// callHost performs a generically marshaled guest to host call of fn with
// the current guest registers and stack as the caller's state.
func (s *Session) callHost(fn uint64, sig *callsite.Signature, hooks *callsite.Hooks) error {
	d := sig.Guest
	if d.Return.Class == aapcs.RetNeedsCopy {
		return s.fail(&fatal.Report{Kind: fatal.KindNeedsByteCopy, Message: "cannot return " + sig.Name + " result", Addr: fn, Err: aapcs.ErrNeedsByteCopy})
	}
	sp := s.eng.RegRead(cpu.SP)
	cp := s.monitor.Enter(dirToHost, sig.Name, sp)

	frame, err := aapcs.Lift(s.eng, d)
	if err != nil {
		return s.fail(&fatal.Report{Kind: fatal.KindFault, Message: "reading arguments of " + sig.Name, Addr: fn, Err: err})
	}
	hc := &callsite.HookContext{Sig: d.Sig, Args: frame.Args, Ret: frame.Ret, Env: s.env}
	if hooks != nil && hooks.ToHost != nil {
		if err := hooks.ToHost(hc); err != nil {
			return s.fail(&fatal.Report{Kind: fatal.KindInternal, Message: "hook for " + sig.Name + " failed", Addr: fn, Err: err})
		}
	}
	if err := s.sh.Invoker.Invoke(fn, sig.Host, frame.Args, frame.Ret); err != nil {
		if r, ok := asReport(err); ok {
			return r
		}
		return s.fail(&fatal.Report{Kind: kindOf(err, fatal.KindInternal), Message: "host call " + sig.Name + " failed", Addr: fn, Err: err})
	}
	if err := s.takeDeferred(); err != nil {
		if r, ok := asReport(err); ok {
			return r
		}
		return s.fail(&fatal.Report{Kind: kindOf(err, fatal.KindInternal), Message: "callback during " + sig.Name + " failed", Addr: fn, Err: err})
	}
	if hooks != nil && hooks.ToGuest != nil {
		if err := hooks.ToGuest(hc); err != nil {
			return s.fail(&fatal.Report{Kind: fatal.KindInternal, Message: "hook for " + sig.Name + " failed", Addr: fn, Err: err})
		}
	}
	if err := aapcs.StoreReturn(s.eng, d, frame); err != nil {
		return s.fail(&fatal.Report{Kind: kindOf(err, fatal.KindFault), Message: "storing result of " + sig.Name, Addr: fn, Err: err})
	}
	if err := s.monitor.Leave(dirToHost, sig.Name, cp, s.eng.RegRead(cpu.SP)); err != nil {
		return s.fail(&fatal.Report{Kind: fatal.KindStack, Message: "host call " + sig.Name + " moved the guest stack", Addr: fn, Err: err})
	}
	return nil
}

// CallGuest runs the guest function at addr with host arguments, as if a
// native caller called it: args[i] points at argument i and ret receives
// the result (at least max(size, 8) bytes). It nests inside any crossing in
// progress and leaves the guest SP exactly where it found it.
func (s *Session) CallGuest(addr uint64, d *aapcs.Descriptor, args []unsafe.Pointer, ret unsafe.Pointer) error {
	return s.callGuest(addr, d, nil, args, ret)
}

// CallEntry is CallGuest for a resolved entry, running wrapper hooks.
func (s *Session) CallEntry(addr uint64, e callsite.Entry, args []unsafe.Pointer, ret unsafe.Pointer) error {
	switch e := e.(type) {
	case *callsite.Signature:
		return s.callGuest(addr, e.Guest, nil, args, ret)
	case *callsite.Wrapper:
		return s.callGuest(addr, e.Inner.Guest, &e.Hooks, args, ret)
	}
	return errors.Errorf("%s at 0x%x is a shim and cannot be called from the host", e.DisplayName(), addr)
}

// Invoke resolves addr and calls it as CallEntry does. An address without
// an entry is fatal.
func (s *Session) Invoke(addr uint64, args []unsafe.Pointer, ret unsafe.Pointer) error {
	entry, err := s.sh.Resolver.Resolve(addr)
	if err != nil {
		return s.fail(&fatal.Report{Kind: kindOf(err, fatal.KindUnresolved), Message: "cannot resolve guest function", Addr: addr, Err: err})
	}
	return s.CallEntry(addr, entry, args, ret)
}

func (s *Session) callGuest(addr uint64, d *aapcs.Descriptor, hooks *callsite.Hooks, args []unsafe.Pointer, ret unsafe.Pointer) error {
	s.sh.Metrics.Trap(metrics.HostToGuest)
	if d.Return.Class == aapcs.RetNeedsCopy {
		return s.fail(&fatal.Report{Kind: fatal.KindNeedsByteCopy, Message: "cannot return guest result", Addr: addr, Err: aapcs.ErrNeedsByteCopy})
	}
	if s.monitor.Depth() == 0 {
		s.eng.RegWrite(cpu.SP, s.stackHi)
	}
	hc := &callsite.HookContext{Sig: d.Sig, Args: args, Ret: ret, Env: s.env}
	if hooks != nil && hooks.ToGuest != nil {
		if err := hooks.ToGuest(hc); err != nil {
			return s.fail(&fatal.Report{Kind: fatal.KindInternal, Message: "hook failed before guest call", Addr: addr, Err: err})
		}
	}

	lr := s.eng.RegRead(cpu.LR)
	p, err := aapcs.Place(s.eng, d, args)
	if err != nil {
		return s.fail(&fatal.Report{Kind: fatal.KindFault, Message: "placing guest arguments", Addr: addr, Err: err})
	}
	name := s.describe(addr)
	cp := s.monitor.Enter(dirToGuest, name, p.CallSP)
	s.eng.RegWrite(cpu.LR, s.sentinel)
	if s.sh.PrintRegs {
		s.dumpRegs(addr)
	}

	if err := s.execute(addr); err != nil {
		return err
	}
	if err := s.monitor.Leave(dirToGuest, name, cp, s.eng.RegRead(cpu.SP)); err != nil {
		return s.fail(&fatal.Report{Kind: fatal.KindStack, Message: "guest function returned with a moved stack", Addr: addr, Err: err})
	}
	if err := aapcs.LoadReturn(s.eng, d, p, ret); err != nil {
		return s.fail(&fatal.Report{Kind: kindOf(err, fatal.KindFault), Message: "reading guest result", Addr: addr, Err: err})
	}
	s.eng.RegWrite(cpu.LR, lr)

	if hooks != nil && hooks.ToHost != nil {
		if err := hooks.ToHost(hc); err != nil {
			return s.fail(&fatal.Report{Kind: fatal.KindInternal, Message: "hook failed after guest call", Addr: addr, Err: err})
		}
	}
	return nil
}

func (s *Session) dumpRegs(addr uint64) {
	fields := logrus.Fields{"target": "0x" + hex(addr)}
	for _, r := range s.registers() {
		fields[r.Name] = "0x" + hex(r.Value)
	}
	for i := 0; i < 8; i++ {
		v := s.eng.VecRead(i)
		fields["v"+itoa(i)] = "0x" + hex(v.Uint64())
	}
	s.log.WithFields(fields).Debug("trap registers")
}

// sessionEnv is the callsite.Env of one session.
type sessionEnv struct {
	s *Session
}

var errNoHost = errors.New("no bridge attached to this session")

func (e *sessionEnv) Log() logrus.FieldLogger { return e.s.log }

func (e *sessionEnv) RegisterCallSite(addr uint64, encoding, name string) error {
	if e.s.sh.Host == nil {
		return errNoHost
	}
	return e.s.sh.Host.RegisterCallSite(addr, encoding, name)
}

func (e *sessionEnv) IsGuestCode(addr uint64) bool {
	return e.s.sh.Regions != nil && e.s.sh.Regions.IsGuestExecutable(addr)
}

func (e *sessionEnv) ExportGuest(addr uint64, encoding, name string) (uint64, error) {
	if e.s.sh.Host == nil {
		return 0, errNoHost
	}
	return e.s.sh.Host.ExportGuest(addr, encoding, name)
}

func (e *sessionEnv) CallHost(fn uint64, sig *callsite.Signature) error {
	return e.s.callHost(fn, sig, nil)
}

func (e *sessionEnv) AtExit(fn uint64, encoding string, args []uint64) error {
	if e.s.sh.Host == nil {
		return errNoHost
	}
	return e.s.sh.Host.AtExit(fn, encoding, args)
}
