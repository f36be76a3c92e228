package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Trap(GuestToHost)
	m.Trap(GuestToHost)
	m.Trap(HostToGuest)
	m.Lookup(ResultHit)
	m.Compile()
	m.Shim("setjmp")
	m.Fatal()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.traps.WithLabelValues(GuestToHost)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.traps.WithLabelValues(HostToGuest)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues(ResultHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compiles))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.shims.WithLabelValues("setjmp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fatal))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "a64bridge_traps_total")
	assert.Contains(t, names, "a64bridge_fatal_total")
}

func TestStackHighWaterOnlyRises(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	m.StackUse(512)
	m.StackUse(4096)
	m.StackUse(1024)
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.highWater))
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilMetricsIsInert(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Trap(GuestToHost)
		m.Lookup(ResultMiss)
		m.Compile()
		m.Shim("printf")
		m.StackUse(1)
		m.Fatal()
	})
}
