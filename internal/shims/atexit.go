package shims

import (
	"github.com/xyproto/a64bridge/internal/callsite"
	"github.com/xyproto/a64bridge/internal/cpu"
)

// Atexit queues the guest function in x0 for bridge shutdown. Returns 0.
func Atexit(ctx *callsite.ShimContext) (uint64, error) {
	fn := ctx.Machine.RegRead(cpu.X0)
	if err := ctx.Env.AtExit(fn, "v", nil); err != nil {
		return 0, err
	}
	setResult(ctx.Machine, 0)
	return 0, nil
}

// CxaAtexit queues the guest destructor in x0 with its argument in x1. The
// DSO handle in x2 is not tracked, the queue runs once at bridge shutdown.
func CxaAtexit(ctx *callsite.ShimContext) (uint64, error) {
	m := ctx.Machine
	fn, arg := m.RegRead(cpu.X0), m.RegRead(cpu.X1)
	if err := ctx.Env.AtExit(fn, "v^v", []uint64{arg}); err != nil {
		return 0, err
	}
	setResult(m, 0)
	return 0, nil
}
