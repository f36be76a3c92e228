// Completion: 100% - Interpreter core complete
package cpu

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// regFile is the architectural state of one guest core.
type regFile struct {
	x    [31]uint64
	sp   uint64
	pc   uint64
	nzcv uint64 // flags in bits 31..28
	v    [32]Vec
}

// Interpreter is a pure-Go ARM64 Engine. It executes the integer, branch,
// load/store and scalar floating point subset compilers emit for ordinary
// functions; anything else halts with HaltUndefined.
type Interpreter struct {
	regs    regFile
	mem     memory
	stop    atomic.Bool
	trace   logrus.FieldLogger
	steps   uint64
	maxStep uint64
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithUnmappedHandler installs the callback consulted on accesses that miss
// every mapping.
func WithUnmappedHandler(fn UnmappedFunc) Option {
	return func(c *Interpreter) {
		c.mem.onMiss = fn
	}
}

// WithTrace logs every executed instruction, disassembled, at debug level.
func WithTrace(log logrus.FieldLogger) Option {
	return func(c *Interpreter) {
		c.trace = log
	}
}

// WithMaxSteps stops a Start after n instructions. 0 means no limit.
func WithMaxSteps(n uint64) Option {
	return func(c *Interpreter) {
		c.maxStep = n
	}
}

// NewInterpreter creates an interpreter with no memory mapped.
func NewInterpreter(opts ...Option) *Interpreter {
	c := &Interpreter{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Engine = (*Interpreter)(nil)

func (c *Interpreter) MemMap(addr, size uint64, prot Prot) error {
	return c.mem.mapRange(addr, size, prot)
}

func (c *Interpreter) MemProtect(addr, size uint64, prot Prot) error {
	return c.mem.protect(addr, size, prot)
}

func (c *Interpreter) MemUnmap(addr, size uint64) error {
	return c.mem.unmap(addr, size)
}

func (c *Interpreter) Mapped(addr uint64) (Prot, bool) {
	r := c.mem.find(addr, 1)
	if r == nil {
		return ProtNone, false
	}
	return r.prot, true
}

func (c *Interpreter) MemRead(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	b, ok := c.mem.access(addr, len(p), AccessRead)
	if !ok {
		return &MemError{Addr: addr, Size: len(p), Access: AccessRead}
	}
	copy(p, b)
	return nil
}

func (c *Interpreter) MemWrite(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	b, ok := c.mem.access(addr, len(p), AccessWrite)
	if !ok {
		return &MemError{Addr: addr, Size: len(p), Access: AccessWrite}
	}
	copy(b, p)
	return nil
}

func (c *Interpreter) RegRead(r Reg) uint64 {
	switch {
	case r >= 0 && r < 31:
		return c.regs.x[r]
	case r == SP:
		return c.regs.sp
	case r == PC:
		return c.regs.pc
	case r == NZCV:
		return c.regs.nzcv
	}
	return 0
}

func (c *Interpreter) RegWrite(r Reg, v uint64) {
	switch {
	case r >= 0 && r < 31:
		c.regs.x[r] = v
	case r == SP:
		c.regs.sp = v
	case r == PC:
		c.regs.pc = v
	case r == NZCV:
		c.regs.nzcv = v & 0xf0000000
	}
}

func (c *Interpreter) VecRead(n int) Vec {
	return c.regs.v[n&31]
}

func (c *Interpreter) VecWrite(n int, v Vec) {
	c.regs.v[n&31] = v
}

func (c *Interpreter) Stop() {
	c.stop.Store(true)
}

func (c *Interpreter) Close() error {
	c.mem.regions = nil
	c.mem.last = nil
	return nil
}

// Steps returns the number of instructions executed so far.
func (c *Interpreter) Steps() uint64 { return c.steps }

// Start runs guest code from begin until the PC reaches until.
func (c *Interpreter) Start(begin, until uint64) Halt {
	c.regs.pc = begin
	c.stop.Store(false)
	var budget uint64
	for {
		pc := c.regs.pc
		if pc == until {
			return Halt{Reason: HaltUntil, PC: pc}
		}
		if c.stop.Load() {
			return Halt{Reason: HaltStopped, PC: pc}
		}
		if c.maxStep != 0 {
			if budget == c.maxStep {
				return Halt{Reason: HaltStopped, PC: pc}
			}
			budget++
		}
		insn, h, ok := c.fetch(pc)
		if !ok {
			return h
		}
		if c.trace != nil {
			c.traceInsn(pc, insn)
		}
		c.steps++
		if h, halted := c.execute(insn); halted {
			return h
		}
	}
}

func (c *Interpreter) fetch(pc uint64) (uint32, Halt, bool) {
	r := c.mem.find(pc, 4)
	if r == nil && c.mem.onMiss != nil && c.mem.onMiss(pc, 4, AccessFetch) {
		r = c.mem.find(pc, 4)
	}
	if r == nil {
		return 0, Halt{Reason: HaltFetchUnmapped, PC: pc}, false
	}
	if r.prot&ProtExec == 0 {
		return 0, Halt{Reason: HaltFetchProt, PC: pc}, false
	}
	if pc&3 != 0 {
		return 0, Halt{Reason: HaltUndefined, PC: pc}, false
	}
	return binary.LittleEndian.Uint32(hostBytes(pc, 4)), Halt{}, true
}

// Register helpers. Register number 31 is the zero register unless the
// encoding says it is SP.

func (c *Interpreter) xr(n uint32) uint64 {
	if n == 31 {
		return 0
	}
	return c.regs.x[n]
}

func (c *Interpreter) xsp(n uint32) uint64 {
	if n == 31 {
		return c.regs.sp
	}
	return c.regs.x[n]
}

func (c *Interpreter) setx(n uint32, v uint64) {
	if n != 31 {
		c.regs.x[n] = v
	}
}

func (c *Interpreter) setxsp(n uint32, v uint64) {
	if n == 31 {
		c.regs.sp = v
		return
	}
	c.regs.x[n] = v
}

// load and store go through the permission checks; a failing access turns
// into a halt at the current instruction.

type memFault struct {
	addr  uint64
	write bool
}

func (c *Interpreter) load(addr uint64, size int) ([]byte, *memFault) {
	b, ok := c.mem.access(addr, size, AccessRead)
	if !ok {
		return nil, &memFault{addr: addr}
	}
	return b, nil
}

func (c *Interpreter) store(addr uint64, size int) ([]byte, *memFault) {
	b, ok := c.mem.access(addr, size, AccessWrite)
	if !ok {
		return nil, &memFault{addr: addr, write: true}
	}
	return b, nil
}

func (c *Interpreter) faultHalt(f *memFault) Halt {
	if f.write {
		return Halt{Reason: HaltWriteFault, PC: c.regs.pc, Addr: f.addr}
	}
	return Halt{Reason: HaltReadFault, PC: c.regs.pc, Addr: f.addr}
}

func (c *Interpreter) undefined(insn uint32) (Halt, bool) {
	return Halt{Reason: HaltUndefined, PC: c.regs.pc, Insn: insn}, true
}
