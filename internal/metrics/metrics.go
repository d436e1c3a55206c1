// Package metrics exposes pipeline measurements as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/relay/internal/instruction"
)

const namespace = "relay"

// Metrics implements pipeline.Metrics.
type Metrics struct {
	submitted  *prometheus.CounterVec
	settled    *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	waiting    prometheus.Gauge
	active     prometheus.Gauge
	pending    prometheus.Gauge
}

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer to expose them process-wide, or a fresh
// prometheus.NewRegistry() for isolation.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "instructions",
				Name:      "submitted_total",
				Help:      "Instructions accepted by Dispatch.",
			},
			[]string{"type"},
		),
		settled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "instructions",
				Name:      "settled_total",
				Help:      "Instructions that reached a terminal state.",
			},
			[]string{"type", "outcome", "code"},
		),
		duplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "confirmations",
				Name:      "duplicates_total",
				Help:      "Confirmations ignored because their source already confirmed or the instruction had settled.",
			},
			[]string{"source"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "instructions",
				Name:      "settle_duration_seconds",
				Help:      "Time from submission to terminal state.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type", "outcome"},
		),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "waiting",
			Help:      "Instructions queued for admission.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "active",
			Help:      "Instructions holding a concurrency slot.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "pending",
			Help:      "Transactions awaiting confirmation.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.submitted, m.settled, m.duplicates, m.latency, m.waiting, m.active, m.pending)
	}
	return m
}

// Submitted counts an accepted instruction.
func (m *Metrics) Submitted(typ string) {
	m.submitted.WithLabelValues(typ).Inc()
}

// Settled counts a terminal instruction and observes its latency.
func (m *Metrics) Settled(typ, outcome string, code instruction.ErrorCode, latency time.Duration) {
	m.settled.WithLabelValues(typ, outcome, string(code)).Inc()
	m.latency.WithLabelValues(typ, outcome).Observe(latency.Seconds())
}

// Duplicate counts an ignored confirmation.
func (m *Metrics) Duplicate(src instruction.Source) {
	m.duplicates.WithLabelValues(string(src)).Inc()
}

// Observe sets the queue gauges.
func (m *Metrics) Observe(waiting, active, pending int) {
	m.waiting.Set(float64(waiting))
	m.active.Set(float64(active))
	m.pending.Set(float64(pending))
}

// Counts is a plain-value summary, used for reports.
type Counts struct {
	Submitted  float64
	Committed  float64
	Discarded  float64
	Failed     float64
	Duplicates float64
}

// Summary gathers Counts from reg, which must be the registry passed to New.
func Summary(reg prometheus.Gatherer) (Counts, error) {
	families, err := reg.Gather()
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			v := metric.GetCounter().GetValue()
			switch mf.GetName() {
			case namespace + "_instructions_submitted_total":
				c.Submitted += v
			case namespace + "_confirmations_duplicates_total":
				c.Duplicates += v
			case namespace + "_instructions_settled_total":
				switch label(metric.GetLabel(), "outcome") {
				case string(instruction.OutcomeCommitted):
					c.Committed += v
				case string(instruction.OutcomeDiscarded):
					c.Discarded += v
				default:
					c.Failed += v
				}
			}
		}
	}
	return c, nil
}
