package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "recoverctl"

// Metrics collects run metrics on a private registry. A nil *Metrics is a
// valid no-op collector.
type Metrics struct {
	phaseDuration    *prometheus.HistogramVec
	phaseResults     *prometheus.CounterVec
	cleanupDeletions *prometheus.CounterVec
	applyAttempts    *prometheus.CounterVec
	readinessWait    *prometheus.HistogramVec
	artifactOutcomes *prometheus.CounterVec
	secretOutcomes   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	waitBuckets := []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400}

	m := &Metrics{
		registry: registry,
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of phase execution in seconds",
				Buckets:   waitBuckets,
			},
			[]string{"mode", "phase"},
		),
		phaseResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_results_total",
				Help:      "Phase outcomes by final status",
			},
			[]string{"mode", "phase", "status"},
		),
		cleanupDeletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_deletions_total",
				Help:      "Resources deleted by cleanup",
			},
			[]string{"kind", "result"},
		),
		applyAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "apply_attempts_total",
				Help:      "Declarative engine apply attempts",
			},
			[]string{"stage", "result"},
		),
		readinessWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "readiness_wait_seconds",
				Help:      "Time spent waiting on readiness gates",
				Buckets:   waitBuckets,
			},
			[]string{"condition", "status"},
		),
		artifactOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_outcomes_total",
				Help:      "Artifact availability outcomes",
			},
			[]string{"kind", "outcome"},
		),
		secretOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "secret_outcomes_total",
				Help:      "Secret synchronization outcomes",
			},
			[]string{"source", "outcome"},
		),
	}

	registry.MustRegister(
		m.phaseDuration,
		m.phaseResults,
		m.cleanupDeletions,
		m.applyAttempts,
		m.readinessWait,
		m.artifactOutcomes,
		m.secretOutcomes,
	)
	return m
}

// RecordPhase records a finished phase.
func (m *Metrics) RecordPhase(mode, phase, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseResults.WithLabelValues(mode, phase, status).Inc()
	m.phaseDuration.WithLabelValues(mode, phase).Observe(d.Seconds())
}

// RecordDeletion counts one cleanup deletion.
func (m *Metrics) RecordDeletion(kind, result string) {
	if m == nil {
		return
	}
	m.cleanupDeletions.WithLabelValues(kind, result).Inc()
}

// RecordApply counts one engine apply attempt.
func (m *Metrics) RecordApply(stage, result string) {
	if m == nil {
		return
	}
	m.applyAttempts.WithLabelValues(stage, result).Inc()
}

// RecordReadiness records how long a gate waited.
func (m *Metrics) RecordReadiness(condition, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.readinessWait.WithLabelValues(condition, status).Observe(d.Seconds())
}

// RecordArtifact counts one artifact outcome.
func (m *Metrics) RecordArtifact(kind, outcome string) {
	if m == nil {
		return
	}
	m.artifactOutcomes.WithLabelValues(kind, outcome).Inc()
}

// RecordSecret counts one secret outcome.
func (m *Metrics) RecordSecret(source, outcome string) {
	if m == nil {
		return
	}
	m.secretOutcomes.WithLabelValues(source, outcome).Inc()
}

// Registry exposes the private registry for tests and exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}
