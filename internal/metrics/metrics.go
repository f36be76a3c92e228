// Completion: 100% - Bridge metrics complete

// Package metrics holds the prometheus collectors of one bridge. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "a64bridge"

// Crossing directions.
const (
	GuestToHost = "guest_to_host"
	HostToGuest = "host_to_guest"
)

// Lookup results.
const (
	ResultHit      = "hit"
	ResultResolved = "resolved"
	ResultAlias    = "alias"
	ResultFallback = "fallback"
	ResultMiss     = "miss"
)

type Metrics struct {
	traps     *prometheus.CounterVec
	lookups   *prometheus.CounterVec
	compiles  prometheus.Counter
	shims     *prometheus.CounterVec
	highWater prometheus.Gauge
	fatal     prometheus.Counter

	mu   sync.Mutex
	peak uint64
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		traps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traps_total",
			Help:      "Boundary crossings handled, by direction.",
		}, []string{"direction"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callsite_lookups_total",
			Help:      "Call-site resolutions, by how the entry was found.",
		}, []string{"result"}),
		compiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callsite_compiles_total",
			Help:      "Type encodings compiled into call-site entries.",
		}),
		shims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shim_calls_total",
			Help:      "Shim invocations, by shim.",
		}, []string{"shim"}),
		highWater: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "guest_stack_high_water_bytes",
			Help:      "Deepest guest stack use seen by any session.",
		}),
		fatal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fatal_total",
			Help:      "Fatal conditions reported.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.traps, m.lookups, m.compiles, m.shims, m.highWater, m.fatal} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) Trap(direction string) {
	if m == nil {
		return
	}
	m.traps.WithLabelValues(direction).Inc()
}

func (m *Metrics) Lookup(result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(result).Inc()
}

func (m *Metrics) Compile() {
	if m == nil {
		return
	}
	m.compiles.Inc()
}

func (m *Metrics) Shim(name string) {
	if m == nil {
		return
	}
	m.shims.WithLabelValues(name).Inc()
}

// StackUse raises the high-water gauge when used exceeds it.
func (m *Metrics) StackUse(used uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if used > m.peak {
		m.peak = used
		m.highWater.Set(float64(used))
	}
}

func (m *Metrics) Fatal() {
	if m == nil {
		return
	}
	m.fatal.Inc()
}
