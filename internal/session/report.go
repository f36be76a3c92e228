package session

import (
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/xyproto/a64bridge/internal/aapcs"
	"github.com/xyproto/a64bridge/internal/callsite"
	"github.com/xyproto/a64bridge/internal/cpu"
	"github.com/xyproto/a64bridge/internal/fatal"
	"github.com/xyproto/a64bridge/internal/typeenc"
)

func hex(v uint64) string { return strconv.FormatUint(v, 16) }
func itoa(i int) string   { return strconv.Itoa(i) }

// FatalKinder is implemented by errors that know which fatal condition they
// are.
type FatalKinder interface {
	FatalKind() fatal.Kind
}

func kindOf(err error, def fatal.Kind) fatal.Kind {
	var k FatalKinder
	if errors.As(err, &k) {
		return k.FatalKind()
	}
	var syntax *typeenc.SyntaxError
	if errors.As(err, &syntax) {
		return fatal.KindSignature
	}
	var unknown *callsite.UnknownHandlerError
	if errors.As(err, &unknown) {
		return fatal.KindSignature
	}
	if errors.Is(err, aapcs.ErrNeedsByteCopy) {
		return fatal.KindNeedsByteCopy
	}
	return def
}

// asReport finds a report that was already handed to the abort handler
// further down the call chain.
func asReport(err error) (*fatal.Report, bool) {
	var r *fatal.Report
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

func (s *Session) registers() []fatal.Register {
	regs := make([]fatal.Register, 0, 34)
	for i := 0; i < 29; i++ {
		r := cpu.X(i)
		regs = append(regs, fatal.Register{Name: r.String(), Value: s.eng.RegRead(r)})
	}
	for _, r := range []cpu.Reg{cpu.FP, cpu.LR, cpu.SP, cpu.PC, cpu.NZCV} {
		regs = append(regs, fatal.Register{Name: r.String(), Value: s.eng.RegRead(r)})
	}
	return regs
}

func (s *Session) symbolize(r *fatal.Report) {
	if r.Module != "" || r.Symbol != "" {
		return
	}
	if s.sh.Symbols != nil {
		if sym, ok := s.sh.Symbols.LookupSymbol(r.Addr); ok {
			r.Module = sym.Module
			if sym.Name != "" {
				r.Symbol = sym.String()
			}
			return
		}
	}
	if s.sh.HostMaps != nil {
		if sym, ok := s.sh.HostMaps.LookupSymbol(r.Addr); ok {
			r.Module = sym.Module
		}
	}
}

// fail completes r with the session context and hands it to the abort
// handler. It returns r for handlers that return.
func (s *Session) fail(r *fatal.Report) error {
	s.symbolize(r)
	if s.eng != nil {
		r.Registers = s.registers()
		r.StackUsed = s.monitor.Used(s.eng.RegRead(cpu.SP))
	}
	r.History = s.monitor.History()
	s.sh.Metrics.Fatal()
	abort := s.sh.Abort
	if abort == nil {
		abort = fatal.DefaultHandler(s.sh.log(), os.Stderr, false, nil)
	}
	abort(r)
	return r
}

// fault reports a halt that is not a call into host code.
func (s *Session) fault(h cpu.Halt) error {
	r := &fatal.Report{Kind: fatal.KindFault, Message: h.Reason.String(), Addr: h.PC}
	switch h.Reason {
	case cpu.HaltReadFault, cpu.HaltWriteFault:
		r.Addr = h.Addr
		r.Message += " by the instruction at " + s.describe(h.PC)
		switch {
		case h.Addr < s.sh.PageZero:
			r.Kind = fatal.KindNullDereference
		case h.Addr >= s.sentinel && h.Addr < s.stackLo:
			r.Kind = fatal.KindStack
			r.Message = "guest stack overflow: " + r.Message
		}
	case cpu.HaltUndefined:
		r.Insn = cpu.Disassemble(h.Insn)
	case cpu.HaltStopped:
		r.Message = "guest execution stopped"
	}
	return s.fail(r)
}
