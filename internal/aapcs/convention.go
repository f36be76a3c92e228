// Completion: 100% - AAPCS64 register roles complete

// Package aapcs implements the ARM64 procedure call standard as seen by the
// bridge: argument and return classification, homogeneous float aggregate
// detection, stack sizing, and moving values between host slots and the
// emulated register file and stack.
package aapcs

import (
	"fmt"

	"github.com/xyproto/a64bridge/internal/cpu"
)

// Register bank sizes for argument passing.
const (
	NumGPR = 8 // x0-x7
	NumVPR = 8 // v0-v7

	// StackAlignment is the required SP alignment at a public interface.
	StackAlignment = 16
	// SlotSize is the minimum stack slot for one argument.
	SlotSize = 8
)

// Convention names the registers playing a role in the call standard, for
// diagnostics and for code that saves and restores guest context.
type Convention struct{}

// AAPCS64 is the guest calling convention.
var AAPCS64 Convention

// IntegerArgReg returns the general register for integer argument index, or
// "" once the bank is exhausted.
func (Convention) IntegerArgReg(index int) string {
	if index < NumGPR {
		return fmt.Sprintf("x%d", index)
	}
	return ""
}

// FloatArgReg returns the vector register for float argument index, or "".
func (Convention) FloatArgReg(index int) string {
	if index < NumVPR {
		return fmt.Sprintf("v%d", index)
	}
	return ""
}

// IntegerReturnReg holds integer and pointer results, and the low half of
// 16 byte ones.
func (Convention) IntegerReturnReg() cpu.Reg { return cpu.X0 }

// IndirectResultReg carries the address of a result returned in memory.
func (Convention) IndirectResultReg() cpu.Reg { return cpu.X8 }

// CalleeSavedGPRs are x19-x28, preserved across calls together with fp, lr
// and sp.
func (Convention) CalleeSavedGPRs() []cpu.Reg {
	regs := make([]cpu.Reg, 0, 10)
	for r := cpu.X19; r <= cpu.X(28); r++ {
		regs = append(regs, r)
	}
	return regs
}

// CalleeSavedVPRs are the vector registers whose low 64 bits (d8-d15) are
// preserved across calls.
func (Convention) CalleeSavedVPRs() []int {
	return []int{8, 9, 10, 11, 12, 13, 14, 15}
}

// StackAlignment is the SP alignment required at every call.
func (Convention) StackAlignment() uint64 { return StackAlignment }
