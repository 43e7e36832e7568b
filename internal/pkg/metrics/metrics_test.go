package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	require.NotNil(t, m)
	assert.NotNil(t, m.HTTPRequestsTotal)
	assert.NotNil(t, m.HTTPRequestDuration)
	assert.NotNil(t, m.HoldRequestsTotal)
	assert.NotNil(t, m.ReservationTransitionsTotal)
	assert.NotNil(t, m.HoldSweepDuration)
	assert.NotNil(t, m.DistributedLockDuration)
	assert.NotNil(t, m.NotificationsTotal)
}

func TestHoldRequestsTotal(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.HoldRequestsTotal.WithLabelValues("success").Inc()
	m.HoldRequestsTotal.WithLabelValues("success").Inc()
	m.HoldRequestsTotal.WithLabelValues("slot_taken").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.HoldRequestsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HoldRequestsTotal.WithLabelValues("slot_taken")))
}

func TestReservationTransitionsTotal(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.ReservationTransitionsTotal.WithLabelValues("confirmed").Inc()
	m.ReservationTransitionsTotal.WithLabelValues("expired").Inc()
	m.ReservationTransitionsTotal.WithLabelValues("cancelled").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "reservation_transitions_total" {
			found = true
			assert.Equal(t, 3, len(f.GetMetric()))
		}
	}
	assert.True(t, found, "reservation_transitions_total metric not found")
}

func TestHTTPRequestsTotal(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/holds", "201").Inc()
	m.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/holds", "409").Inc()
	m.HTTPRequestDuration.WithLabelValues("POST", "/api/v1/holds").Observe(0.02)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["http_requests_total"])
	assert.True(t, names["http_request_duration_seconds"])
}

func TestSweepAndLockMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.HoldSweepDuration.Observe(0.004)
	m.DistributedLockDuration.WithLabelValues("acquire", "success").Observe(0.001)
	m.NotificationsTotal.WithLabelValues("confirmed", "delivered").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["hold_sweep_duration_seconds"])
	assert.True(t, names["distributed_lock_duration_seconds"])
	assert.True(t, names["notifications_total"])
}

func TestInit_CreatesDefaultMetrics(t *testing.T) {
	oldMetrics := defaultMetrics
	defer func() { defaultMetrics = oldMetrics }()

	// Init はデフォルトレジストリに登録するため、テストでは直接セットする
	m := NewWithRegistry(prometheus.NewRegistry())
	defaultMetrics = m

	assert.Equal(t, m, Get())
}
