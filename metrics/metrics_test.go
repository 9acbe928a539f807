package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.CommandSent("Page.navigate")
	m.CommandSent("Page.navigate")
	m.CommandSent("Runtime.evaluate")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PendingCommands))

	m.CommandResolved("Page.navigate", "")
	m.CommandResolved("Runtime.evaluate", "protocol")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PendingCommands))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CommandsSent.WithLabelValues("Page.navigate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandFailures.WithLabelValues("Runtime.evaluate", "protocol")))

	m.Launched(1.5, false)
	m.Launched(0, true)
	m.Reaped()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BrowserLaunches))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LaunchFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BrowserReaps))
}

func TestMetricsDoubleRegister(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.CommandSent("x")
		m.CommandResolved("x", "transport")
		m.Launched(1, false)
		m.Reaped()
	})
}
