// Package metrics holds the Prometheus collectors of the rule engine. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/botevents/internal/logger"
)

const namespace = "botevents"

type Metrics struct {
	EventsFired     *prometheus.CounterVec
	RulesEvaluated  *prometheus.CounterVec
	RulesDispatched *prometheus.CounterVec
	Operations      *prometheus.CounterVec
	FilterErrors    prometheus.Counter
	CheckerErrors   *prometheus.CounterVec
	FadeOuts        *prometheus.CounterVec
	SweepDuration   prometheus.Histogram
	UnresolvedUsers prometheus.Counter
	OverlayClients  prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the collectors and registers them, along with the logger's
// counters, on a private registry.
func New() *Metrics {
	m := &Metrics{
		EventsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "fired_total",
				Help:      "Events received by the engine",
			},
			[]string{"event"},
		),
		RulesEvaluated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rules",
				Name:      "evaluated_total",
				Help:      "Rules evaluated, by outcome (dispatched, filtered, gated, failed)",
			},
			[]string{"event", "outcome"},
		),
		RulesDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rules",
				Name:      "dispatched_total",
				Help:      "Rules whose operations were dispatched",
			},
			[]string{"event"},
		),
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "operations",
				Name:      "total",
				Help:      "Operations run, by result (ok, error, panic, skipped)",
			},
			[]string{"operation", "result"},
		),
		FilterErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "filter",
				Name:      "errors_total",
				Help:      "Filter expressions that failed to compile or evaluate",
			},
		),
		CheckerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "checker",
				Name:      "errors_total",
				Help:      "Checker failures, usually trigger state persistence",
			},
			[]string{"event"},
		),
		FadeOuts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweeper",
				Name:      "fadeouts_total",
				Help:      "Frequency counters decayed by the sweeper",
			},
			[]string{"event"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sweeper",
				Name:      "duration_seconds",
				Help:      "Duration of one fade-out sweep",
				Buckets:   prometheus.DefBuckets,
			},
		),
		UnresolvedUsers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "identity",
				Name:      "unresolved_total",
				Help:      "Usernames the platform could not resolve",
			},
		),
		OverlayClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "overlay",
				Name:      "clients",
				Help:      "Connected overlay browser sources",
			},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.EventsFired,
		m.RulesEvaluated,
		m.RulesDispatched,
		m.Operations,
		m.FilterErrors,
		m.CheckerErrors,
		m.FadeOuts,
		m.SweepDuration,
		m.UnresolvedUsers,
		m.OverlayClients,
		collectors.NewGoCollector(),
		logCounter("errors_total", "Errors logged, before sampling", &logger.TotalErrors),
		logCounter("warnings_total", "Warnings logged, before sampling", &logger.TotalWarnings),
		logCounter("http_5xx_total", "HTTP 5xx responses", &logger.Total5xxErrors),
		logCounter("http_4xx_total", "HTTP 4xx responses", &logger.Total4xxErrors),
		logCounter("http_slow_total", "Slow HTTP requests", &logger.SlowRequests),
	)
	return m
}

type loadable interface{ Load() int64 }

func logCounter(name, help string, v loadable) prometheus.Collector {
	return prometheus.NewCounterFunc(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "log", Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) EventFired(event string) {
	if m != nil {
		m.EventsFired.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) RuleEvaluated(event, outcome string) {
	if m == nil {
		return
	}
	m.RulesEvaluated.WithLabelValues(event, outcome).Inc()
	if outcome == "dispatched" {
		m.RulesDispatched.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) OperationRun(operation, result string) {
	if m != nil {
		m.Operations.WithLabelValues(operation, result).Inc()
	}
}

func (m *Metrics) FilterError() {
	if m != nil {
		m.FilterErrors.Inc()
	}
}

func (m *Metrics) CheckerError(event string) {
	if m != nil {
		m.CheckerErrors.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) FadeOut(event string) {
	if m != nil {
		m.FadeOuts.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) SweepObserved(seconds float64) {
	if m != nil {
		m.SweepDuration.Observe(seconds)
	}
}

func (m *Metrics) UnresolvedUser() {
	if m != nil {
		m.UnresolvedUsers.Inc()
	}
}

func (m *Metrics) OverlayClientsConnected(n int) {
	if m != nil {
		m.OverlayClients.Set(float64(n))
	}
}
