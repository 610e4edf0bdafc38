// Package metrics exposes Prometheus collectors for run execution.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dohr-michael/agentrunner/internal/models"
)

const namespace = "agentrunner"

// Metrics holds the engine collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runsFinished  *prometheus.CounterVec
	runsActive    prometheus.Gauge
	stepAttempts  *prometheus.CounterVec
	loopGuard     *prometheus.CounterVec
	replans       *prometheus.CounterVec
	modelCalls    *prometheus.CounterVec
	modelDuration *prometheus.HistogramVec
	runsDeleted   prometheus.Counter
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Runs that reached a final or parked status.",
		}, []string{"status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "active",
			Help:      "Runs currently executing.",
		}),
		stepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "steps",
			Name:      "attempts_total",
			Help:      "Step attempts by outcome.",
		}, []string{"outcome"}),
		loopGuard: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop_guard",
			Name:      "trips_total",
			Help:      "Loop guard interventions by mode.",
		}, []string{"mode"}),
		replans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plan",
			Name:      "replans_total",
			Help:      "Plan rebuilds by trigger.",
		}, []string{"trigger"}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "calls_total",
			Help:      "Model completions by purpose and outcome.",
		}, []string{"purpose", "outcome"}),
		modelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "call_duration_seconds",
			Help:      "Model completion latency by purpose.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"purpose"}),
		runsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "deleted_total",
			Help:      "Runs removed together with their artifacts.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsFinished, m.runsActive, m.stepAttempts, m.loopGuard,
		m.replans, m.modelCalls, m.modelDuration, m.runsDeleted,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RunStarted marks a run as executing.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

// RunFinished records the status a run left execution with.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runsFinished.WithLabelValues(status).Inc()
}

// StepAttempt records one step attempt: "completed", "retry", "failed" or "skipped".
func (m *Metrics) StepAttempt(outcome string) {
	if m == nil {
		return
	}
	m.stepAttempts.WithLabelValues(outcome).Inc()
}

// LoopGuardTrip records a backoff or a forced deviation.
func (m *Metrics) LoopGuardTrip(mode string) {
	if m == nil {
		return
	}
	m.loopGuard.WithLabelValues(mode).Inc()
}

// Replan records a plan rebuild: "periodic", "resume" or "recovery".
func (m *Metrics) Replan(trigger string) {
	if m == nil {
		return
	}
	m.replans.WithLabelValues(trigger).Inc()
}

// RunsDeleted counts removed runs.
func (m *Metrics) RunsDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.runsDeleted.Add(float64(n))
}

// ObserveModelCall records one completion.
func (m *Metrics) ObserveModelCall(purpose string, err error, d time.Duration) {
	if m == nil {
		return
	}
	if purpose == "" {
		purpose = "unspecified"
	}
	m.modelCalls.WithLabelValues(purpose, outcome(err)).Inc()
	m.modelDuration.WithLabelValues(purpose).Observe(d.Seconds())
}

func outcome(err error) string {
	var unavailable *models.ErrModelUnavailable
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &unavailable):
		return "unavailable"
	default:
		return "error"
	}
}

type instrumentedGateway struct {
	next    models.Gateway
	metrics *Metrics
	now     func() time.Time
}

// InstrumentGateway wraps gw so every completion is counted by purpose.
func InstrumentGateway(gw models.Gateway, m *Metrics) models.Gateway {
	if m == nil || gw == nil {
		return gw
	}
	return &instrumentedGateway{next: gw, metrics: m, now: time.Now}
}

func (g *instrumentedGateway) Complete(ctx context.Context, req models.Request) (string, error) {
	start := g.now()
	text, err := g.next.Complete(ctx, req)
	g.metrics.ObserveModelCall(req.Purpose, err, g.now().Sub(start))
	return text, err
}
