// Package observability exposes the Prometheus metrics for the photo
// processing pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsByStatus counts terminal session outcomes.
	SessionsByStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantcount_sessions_total",
		Help: "Processing sessions by terminal status.",
	}, []string{"status"})

	// DetectionsProduced counts detections that passed the bounds check.
	DetectionsProduced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantcount_detections_total",
		Help: "Detections produced in full-image absolute coordinates.",
	})

	// CoordinateViolations counts detections discarded because their
	// transformed box fell outside the image. This is the defect-class
	// counter; any nonzero rate is a regression.
	CoordinateViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantcount_coordinate_violations_total",
		Help: "Detections discarded for transforming outside image bounds.",
	})

	// EstimatedUnits counts units added by residual-area estimation.
	EstimatedUnits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantcount_estimated_units_total",
		Help: "Units added by residual-area estimation.",
	})

	// SubJobFailures counts segment sub-jobs that exhausted retries.
	SubJobFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantcount_subjob_failures_total",
		Help: "Segment sub-jobs that exhausted their retries.",
	})

	// ModelLoads counts inference model loads by kind.
	ModelLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantcount_model_loads_total",
		Help: "Inference model loads by model kind.",
	}, []string{"kind"})

	// StageDuration observes wall-clock duration per pipeline stage.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plantcount_stage_duration_seconds",
		Help:    "Pipeline stage wall-clock duration.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})
)
