// Completion: 100% - Emulator interface complete

// Package cpu defines the guest CPU engine the bridge drives and ships a
// built-in ARM64 interpreter implementing it.
package cpu

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Reg names a guest general purpose or special register.
type Reg int

// X0..X30 are Reg(0)..Reg(30).
const (
	X0  Reg = 0
	X1  Reg = 1
	X8  Reg = 8 // indirect result location
	X19 Reg = 19
	FP  Reg = 29
	LR  Reg = 30
	SP  Reg = 31
	PC  Reg = 32
	// NZCV holds the condition flags in bits 31..28, as in the MRS view.
	NZCV Reg = 33
)

// X returns general purpose register n.
func X(n int) Reg { return Reg(n) }

func (r Reg) String() string {
	switch {
	case r == FP:
		return "fp"
	case r == LR:
		return "lr"
	case r == SP:
		return "sp"
	case r == PC:
		return "pc"
	case r == NZCV:
		return "nzcv"
	case r >= 0 && r < 29:
		return fmt.Sprintf("x%d", int(r))
	default:
		return fmt.Sprintf("reg(%d)", int(r))
	}
}

// Vec is one 128-bit SIMD&FP register in little-endian byte order.
type Vec [16]byte

// VecOf returns a vector register holding lo in its low 64 bits.
func VecOf(lo uint64) Vec {
	var v Vec
	binary.LittleEndian.PutUint64(v[:8], lo)
	return v
}

// Uint64 returns the low 64 bits of v.
func (v Vec) Uint64() uint64 { return binary.LittleEndian.Uint64(v[:8]) }

// Float64 returns the low double of v.
func (v Vec) Float64() float64 { return math.Float64frombits(v.Uint64()) }

// Float32 returns the low single of v.
func (v Vec) Float32() float32 { return math.Float32frombits(binary.LittleEndian.Uint32(v[:4])) }

// Prot is a set of guest memory permissions.
type Prot uint8

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1
	ProtWrite Prot = 2
	ProtExec  Prot = 4
	ProtRW         = ProtRead | ProtWrite
	ProtRX         = ProtRead | ProtExec
	ProtAll        = ProtRead | ProtWrite | ProtExec
)

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Access is the kind of memory access that missed every mapping.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessFetch
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return "fetch"
	}
}

// HaltReason tells why Start returned.
type HaltReason int

const (
	// HaltUntil: execution reached the until address.
	HaltUntil HaltReason = iota
	// HaltFetchProt: the PC points into mapped memory without exec permission.
	HaltFetchProt
	// HaltFetchUnmapped: the PC points into unmapped memory.
	HaltFetchUnmapped
	HaltReadFault
	HaltWriteFault
	// HaltUndefined: the instruction is not implemented or not valid.
	HaltUndefined
	// HaltStopped: Stop was called.
	HaltStopped
)

func (r HaltReason) String() string {
	switch r {
	case HaltUntil:
		return "reached return sentinel"
	case HaltFetchProt:
		return "fetch from protected memory"
	case HaltFetchUnmapped:
		return "fetch from unmapped memory"
	case HaltReadFault:
		return "invalid read"
	case HaltWriteFault:
		return "invalid write"
	case HaltUndefined:
		return "undefined instruction"
	case HaltStopped:
		return "stopped"
	default:
		return fmt.Sprintf("halt(%d)", int(r))
	}
}

// Halt describes where and why emulation stopped.
type Halt struct {
	Reason HaltReason
	// PC is the address of the instruction that could not run, or the
	// until address.
	PC uint64
	// Addr is the faulting data address for read and write faults.
	Addr uint64
	// Insn is the raw instruction word for HaltUndefined.
	Insn uint32
}

// IsFetchFault reports whether the halt was an attempt to execute outside
// guest executable memory.
func (h Halt) IsFetchFault() bool {
	return h.Reason == HaltFetchProt || h.Reason == HaltFetchUnmapped
}

func (h Halt) String() string {
	switch h.Reason {
	case HaltReadFault, HaltWriteFault:
		return fmt.Sprintf("%s at 0x%x (pc=0x%x)", h.Reason, h.Addr, h.PC)
	case HaltUndefined:
		return fmt.Sprintf("%s 0x%08x at 0x%x", h.Reason, h.Insn, h.PC)
	default:
		return fmt.Sprintf("%s at 0x%x", h.Reason, h.PC)
	}
}

// UnmappedFunc is consulted when an access misses every mapping. It may map
// the range (through the engine) and return true to retry the access.
type UnmappedFunc func(addr uint64, size int, access Access) bool

// Engine is a guest ARM64 CPU with identity-mapped memory: a guest address
// is the host address of the same byte.
type Engine interface {
	MemMap(addr, size uint64, prot Prot) error
	MemProtect(addr, size uint64, prot Prot) error
	MemUnmap(addr, size uint64) error
	MemRead(addr uint64, p []byte) error
	MemWrite(addr uint64, p []byte) error
	// Mapped reports the permissions of the mapping containing addr.
	Mapped(addr uint64) (Prot, bool)

	RegRead(r Reg) uint64
	RegWrite(r Reg, v uint64)
	VecRead(n int) Vec
	VecWrite(n int, v Vec)

	// Start runs from begin until the PC equals until or a halt occurs.
	Start(begin, until uint64) Halt
	// Stop asks a running Start to return with HaltStopped.
	Stop()
	Close() error
}

// MemError is returned by MemRead and MemWrite for unmapped or protected
// ranges.
type MemError struct {
	Addr   uint64
	Size   int
	Access Access
}

func (e *MemError) Error() string {
	return fmt.Sprintf("guest memory %s of %d bytes at 0x%x not permitted", e.Access, e.Size, e.Addr)
}
