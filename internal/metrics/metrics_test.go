package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Resolutions.WithLabelValues("confirmed").Inc()
	m.Resolutions.WithLabelValues("confirmed").Inc()
	m.DeliveryFailed.WithLabelValues("enqueue").Inc()
	m.ResolveDuration.Observe(0.01)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Resolutions.WithLabelValues("confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryFailed.WithLabelValues("enqueue")))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	assert.Panics(t, func() { New(reg) })
}
