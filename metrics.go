/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package uniqkit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus labels.
const (
	MetricsLabelPhase   = "phase"
	MetricsLabelOutcome = "outcome"
)

// Protocol phases reported in the phase label.
const (
	MetricsPhaseProbe   = "probe"
	MetricsPhaseVerify  = "verify"
	MetricsPhaseCommit  = "commit"
	MetricsPhaseRelease = "release"
)

// Attempt outcomes reported in the outcome label.
const (
	MetricsOutcomeCommitted    = "committed"
	MetricsOutcomeNotUnique    = "not_unique"
	MetricsOutcomeStorageError = "storage_error"
)

// DefaultPhaseDurationBuckets is default buckets into which observations of protocol phases are counted.
var DefaultPhaseDurationBuckets = []float64{0.001, 0.01, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// MetricsCollectorOpts represents an options for MetricsCollector.
type MetricsCollectorOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// PhaseDurationBuckets is a list of buckets into which observations of protocol phases are counted.
	PhaseDurationBuckets []float64

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// MetricsCollector represents collector of the uniqueness protocol metrics.
type MetricsCollector struct {
	PhaseDurations *prometheus.HistogramVec
	Attempts       *prometheus.CounterVec
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithOpts(MetricsCollectorOpts{})
}

// NewMetricsCollectorWithOpts is a more configurable version of creating MetricsCollector.
func NewMetricsCollectorWithOpts(opts MetricsCollectorOpts) *MetricsCollector {
	phaseDurationBuckets := opts.PhaseDurationBuckets
	if phaseDurationBuckets == nil {
		phaseDurationBuckets = DefaultPhaseDurationBuckets
	}
	phaseDurations := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "uniqueness_phase_duration_seconds",
			Help:        "A histogram of the uniqueness protocol phase durations.",
			Buckets:     phaseDurationBuckets,
			ConstLabels: opts.ConstLabels,
		},
		[]string{MetricsLabelPhase},
	)
	attempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "uniqueness_attempts_total",
			Help:        "A counter of finished uniqueness attempts partitioned by outcome.",
			ConstLabels: opts.ConstLabels,
		},
		[]string{MetricsLabelOutcome},
	)

	return &MetricsCollector{
		PhaseDurations: phaseDurations,
		Attempts:       attempts,
	}
}

// ObservePhaseDuration observes the duration of a single protocol phase.
func (c *MetricsCollector) ObservePhaseDuration(phase string, d time.Duration) {
	c.PhaseDurations.With(prometheus.Labels{MetricsLabelPhase: phase}).Observe(d.Seconds())
}

// CountAttempt increments the attempts counter for the given outcome.
func (c *MetricsCollector) CountAttempt(outcome string) {
	c.Attempts.With(prometheus.Labels{MetricsLabelOutcome: outcome}).Inc()
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (c *MetricsCollector) MustRegister() {
	prometheus.MustRegister(c.PhaseDurations, c.Attempts)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (c *MetricsCollector) Unregister() {
	prometheus.Unregister(c.PhaseDurations)
	prometheus.Unregister(c.Attempts)
}
