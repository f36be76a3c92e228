package cpu

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/arm64/arm64asm"
)

// Disassemble renders one instruction word in GNU syntax.
func Disassemble(insn uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], insn)
	inst, err := arm64asm.Decode(b[:])
	if err != nil {
		return fmt.Sprintf(".inst 0x%08x", insn)
	}
	return arm64asm.GNUSyntax(inst)
}

func (c *Interpreter) traceInsn(pc uint64, insn uint32) {
	c.trace.WithFields(logrus.Fields{
		"pc":   fmt.Sprintf("0x%x", pc),
		"sp":   fmt.Sprintf("0x%x", c.regs.sp),
		"insn": fmt.Sprintf("%08x", insn),
	}).Debug(Disassemble(insn))
}
