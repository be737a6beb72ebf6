package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ans",
		Subsystem: "registry",
		Name:      "registrations_total",
		Help:      "Registration attempts by terminal outcome.",
	}, []string{"outcome"})

	threatScoreObserved = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ans",
		Subsystem: "threat",
		Name:      "score",
		Help:      "Distribution of threat scores assigned to registration attempts.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})

	certificatesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ans",
		Subsystem: "identity",
		Name:      "certificates_issued_total",
		Help:      "Certificates issued, including rotations.",
	})

	certificateRotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ans",
		Subsystem: "identity",
		Name:      "certificate_rotations_total",
		Help:      "Completed certificate rotations.",
	})

	enrichmentFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ans",
		Subsystem: "threat",
		Name:      "enrichment_failures_total",
		Help:      "External classifier calls that failed or timed out.",
	})
)
