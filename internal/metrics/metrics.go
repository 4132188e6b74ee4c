// Package metrics exports Prometheus counters for vectorization outcomes
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of collectors one registry holds. A nil *Metrics
// records nothing.
type Metrics struct {
	// LoopsTotal counts compiled loops by outcome
	LoopsTotal *prometheus.CounterVec
	// PacksTotal counts packs in emitted vector loops
	PacksTotal prometheus.Counter
	// RejectionsTotal counts declined loops by the stage that declined them
	RejectionsTotal *prometheus.CounterVec
	// VectorOpsTotal counts emitted vector nodes by kind
	VectorOpsTotal *prometheus.CounterVec
	// GuardsTotal counts runtime checks by event: built or folded
	GuardsTotal *prometheus.CounterVec
	// CompileSeconds observes the time spent per loop
	CompileSeconds prometheus.Histogram
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LoopsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "superword_loops_total",
				Help: "Total number of loops handled, by outcome",
			},
			[]string{"outcome"},
		),
		PacksTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "superword_packs_total",
				Help: "Total number of packs emitted as vector operations",
			},
		),
		RejectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "superword_rejections_total",
				Help: "Total number of loops left scalar, by deciding stage",
			},
			[]string{"stage"},
		),
		VectorOpsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "superword_vector_ops_total",
				Help: "Total number of vector nodes emitted, by kind",
			},
			[]string{"kind"},
		),
		GuardsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "superword_guards_total",
				Help: "Total number of runtime alias checks, by event",
			},
			[]string{"event"},
		),
		CompileSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "superword_compile_seconds",
				Help:    "Time spent vectorizing one loop",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
		),
	}
}

// Loop records the outcome of one loop
func (m *Metrics) Loop(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.LoopsTotal.WithLabelValues(outcome).Inc()
	m.CompileSeconds.Observe(d.Seconds())
}

// Rejected records which stage declined a loop
func (m *Metrics) Rejected(stage string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(stage).Inc()
}

// Emitted records the packs and vector nodes of an emitted loop
func (m *Metrics) Emitted(packs int, kinds map[string]int) {
	if m == nil {
		return
	}
	m.PacksTotal.Add(float64(packs))
	for kind, n := range kinds {
		m.VectorOpsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// Guard records a guard event
func (m *Metrics) Guard(event string) {
	if m == nil {
		return
	}
	m.GuardsTotal.WithLabelValues(event).Inc()
}
