// Package metrics exposes Prometheus collectors for orchestration runs and
// tool invocations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "toolstream"

// Metrics implements llm.RunObserver and records tool outcomes. Each
// instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry

	runsInFlight prometheus.Gauge
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	iterations   prometheus.Counter
	toolCalls    prometheus.Counter
	toolInvokes  *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	sseStreams   prometheus.Counter
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Runs currently streaming.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by outcome (ok, partial, exhausted, error).",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of runs.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Completed model iterations across all runs.",
		}),
		toolCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iteration_tool_calls_total",
			Help:      "Tool calls requested by the model.",
		}),
		toolInvokes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by tool and outcome (ok, invalid, error).",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		sseStreams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sse_streams_total",
			Help:      "SSE streams opened.",
		}),
	}
	m.registry.MustRegister(
		m.runsInFlight, m.runs, m.runDuration, m.iterations, m.toolCalls,
		m.toolInvokes, m.toolDuration, m.sseStreams,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) RunStarted() {
	m.runsInFlight.Inc()
}

func (m *Metrics) IterationCompleted(toolCalls int) {
	m.iterations.Inc()
	m.toolCalls.Add(float64(toolCalls))
}

func (m *Metrics) RunFinished(outcome string, elapsed time.Duration) {
	m.runsInFlight.Dec()
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ToolDone matches llm.InvokerOptions.OnToolDone.
func (m *Metrics) ToolDone(tool, outcome string, elapsed time.Duration) {
	m.toolInvokes.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// StreamOpened counts SSE connections.
func (m *Metrics) StreamOpened() {
	m.sseStreams.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
