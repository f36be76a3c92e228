// Completion: 100% - Stack monitor complete

package session

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/xyproto/a64bridge/internal/metrics"
)

// historySize is how many recent crossings a monitor remembers.
const historySize = 16

// StackImbalanceError reports a call that returned with a different guest
// stack pointer than it was entered with.
type StackImbalanceError struct {
	Label     string
	Want, Got uint64
}

func (e *StackImbalanceError) Error() string {
	return fmt.Sprintf("stack imbalance at %s: expected sp 0x%x, got 0x%x (%+d bytes)", e.Label, e.Want, e.Got, int64(e.Got-e.Want))
}

// StackMonitor tracks the guest stack pointer across boundary crossings so
// a call that leaks or eats stack is caught where it happens.
type StackMonitor struct {
	top     uint64 // initial SP
	low     uint64 // lowest SP seen
	depth   int
	history []string // ring, next is the oldest slot once full
	next    int
	full    bool
	metrics *metrics.Metrics
	log     logrus.FieldLogger
}

// NewStackMonitor watches a stack whose initial SP is top.
func NewStackMonitor(top uint64, m *metrics.Metrics, log logrus.FieldLogger) *StackMonitor {
	return &StackMonitor{
		top:     top,
		low:     top,
		history: make([]string, historySize),
		metrics: m,
		log:     log,
	}
}

func (sm *StackMonitor) record(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	sm.history[sm.next] = line
	sm.next = (sm.next + 1) % len(sm.history)
	if sm.next == 0 {
		sm.full = true
	}
	if sm.log != nil {
		sm.log.Debug("STACK: " + line)
	}
}

func (sm *StackMonitor) observe(sp uint64) {
	if sp < sm.low && sp <= sm.top {
		sm.low = sp
		sm.metrics.StackUse(sm.top - sp)
	}
}

// Enter records a crossing at sp and returns it as the checkpoint Leave
// validates against.
func (sm *StackMonitor) Enter(dir, name string, sp uint64) uint64 {
	sm.depth++
	sm.observe(sp)
	sm.record("%s %s sp=0x%x depth=%d", dir, name, sp, sm.depth)
	return sp
}

// Leave records the end of a crossing and checks that sp is back at the
// checkpoint.
func (sm *StackMonitor) Leave(dir, name string, checkpoint, sp uint64) error {
	sm.depth--
	sm.observe(sp)
	sm.record("%s %s returned sp=0x%x depth=%d", dir, name, sp, sm.depth)
	if sp != checkpoint {
		return &StackImbalanceError{Label: dir + " " + name, Want: checkpoint, Got: sp}
	}
	return nil
}

// Depth is the number of crossings in progress.
func (sm *StackMonitor) Depth() int { return sm.depth }

// Used is how much stack is in use at sp.
func (sm *StackMonitor) Used(sp uint64) uint64 {
	if sp > sm.top {
		return 0
	}
	return sm.top - sp
}

// HighWater is the deepest stack use seen at a crossing.
func (sm *StackMonitor) HighWater() uint64 { return sm.top - sm.low }

// History returns the remembered crossings, oldest first.
func (sm *StackMonitor) History() []string {
	if !sm.full {
		return append([]string(nil), sm.history[:sm.next]...)
	}
	out := make([]string, 0, len(sm.history))
	out = append(out, sm.history[sm.next:]...)
	return append(out, sm.history[:sm.next]...)
}

// Reset forgets depth and history, keeping the high-water mark.
func (sm *StackMonitor) Reset() {
	sm.depth = 0
	sm.next = 0
	sm.full = false
}
