package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdfctl",
		Subsystem: "queue",
		Name:      "jobs_queued_total",
		Help:      "Jobs submitted to the fit queue",
	}, []string{"kind"})

	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdfctl",
		Subsystem: "queue",
		Name:      "jobs_finished_total",
		Help:      "Jobs that left the fit queue, by final status",
	}, []string{"kind", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pdfctl",
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Wall time of processed jobs",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"kind"})

	refinementSteps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pdfctl",
		Subsystem: "fit",
		Name:      "refinement_steps_total",
		Help:      "Refinement steps completed by all fits",
	})
)
