package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRelayRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	pending := 3.0
	m := NewRelay(reg, func() float64 { return pending })

	m.CommandsForwarded.Inc()
	m.CommandsRejected.WithLabelValues("not_attached").Inc()
	m.Responses.WithLabelValues(OutcomeResult).Add(2)
	m.ClientsDropped.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsForwarded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsRejected.WithLabelValues("not_attached")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Responses.WithLabelValues(OutcomeResult)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PendingRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientsDropped))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["tabrelay_commands_forwarded_total"])
	assert.True(t, names["tabrelay_commands_pending"])
	assert.True(t, names["tabrelay_clients_dropped_total"])
}

func TestSetAttachState(t *testing.T) {
	m := NewRelay(prometheus.NewRegistry(), func() float64 { return 0 })
	all := []string{"disconnected", "attaching", "attached", "detached"}

	m.SetAttachState("attaching", all)
	m.SetAttachState("attached", all)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttachState.WithLabelValues("attached")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.AttachState.WithLabelValues("attaching")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.AttachState.WithLabelValues("disconnected")))
}

func TestDoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRelay(reg, func() float64 { return 0 })
	assert.Panics(t, func() { NewRelay(reg, func() float64 { return 0 }) })
}
