// Package metrics defines the prometheus collectors for the sieman pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieman_events_ingested_total",
			Help: "Total number of events ingested",
		},
		[]string{"source"},
	)

	LinesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieman_lines_skipped_total",
			Help: "Total number of malformed lines skipped",
		},
		[]string{"source", "reason"},
	)

	SourceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieman_source_failures_total",
			Help: "Total number of sources marked failed after exhausting retries",
		},
		[]string{"source"},
	)

	AlertsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieman_alerts_generated_total",
			Help: "Total number of alerts generated",
		},
		[]string{"rule", "severity"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieman_alerts_suppressed_total",
			Help: "Total number of alerts held down by suppression policy",
		},
		[]string{"rule"},
	)

	EmitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieman_emit_failures_total",
			Help: "Total number of alert emission failures",
		},
		[]string{"channel"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sieman_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one event against the rule set",
			Buckets: prometheus.DefBuckets,
		},
	)

	WindowStateKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sieman_window_state_keys",
			Help: "Current number of live (rule, group_key) window state entries",
		},
	)

	WindowStateEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sieman_window_state_evictions_total",
			Help: "Total number of window state entries evicted at the key cap",
		},
	)
)
