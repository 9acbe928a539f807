// Package metrics instruments the command multiplexer and the browser
// lifecycle with Prometheus collectors.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chromium_session"

// Metrics are the collectors updated by the session layer. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	CommandsSent    *prometheus.CounterVec
	CommandFailures *prometheus.CounterVec
	PendingCommands prometheus.Gauge
	BrowserLaunches prometheus.Counter
	LaunchFailures  prometheus.Counter
	BrowserReaps    prometheus.Counter
	LaunchDuration  prometheus.Histogram
}

// New creates the collectors and registers them with registry.
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_sent_total",
			Help:      "CDP commands written to the browser connection.",
		}, []string{"method"}),
		CommandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_failures_total",
			Help:      "CDP commands resolved with a failure.",
		}, []string{"method", "kind"}),
		PendingCommands: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_commands",
			Help:      "CDP commands waiting for a response.",
		}),
		BrowserLaunches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browser_launches_total",
			Help:      "Browser processes launched by sessions.",
		}),
		LaunchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browser_launch_failures_total",
			Help:      "Browser launches that failed before a connection was established.",
		}),
		BrowserReaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browser_idle_reaps_total",
			Help:      "Browser processes terminated for inactivity.",
		}),
		LaunchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "browser_launch_duration_seconds",
			Help:      "Time from spawning the browser to a connected multiplexer.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}

	for _, c := range []prometheus.Collector{
		m.CommandsSent, m.CommandFailures, m.PendingCommands,
		m.BrowserLaunches, m.LaunchFailures, m.BrowserReaps, m.LaunchDuration,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}

	return m, nil
}

// CommandSent records a command written to the wire.
func (m *Metrics) CommandSent(method string) {
	if m == nil {
		return
	}
	m.CommandsSent.WithLabelValues(method).Inc()
	m.PendingCommands.Inc()
}

// CommandResolved records the resolution of a previously sent command.
// An empty kind means success.
func (m *Metrics) CommandResolved(method, kind string) {
	if m == nil {
		return
	}
	m.PendingCommands.Dec()
	if kind != "" {
		m.CommandFailures.WithLabelValues(method, kind).Inc()
	}
}

// Launched records a browser launch attempt and how long it took.
func (m *Metrics) Launched(seconds float64, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.LaunchFailures.Inc()
		return
	}
	m.BrowserLaunches.Inc()
	m.LaunchDuration.Observe(seconds)
}

// Reaped records an idle browser being torn down.
func (m *Metrics) Reaped() {
	if m == nil {
		return
	}
	m.BrowserReaps.Inc()
}
