package service

import "github.com/prometheus/client_golang/prometheus"

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "generations_total",
			Help:      "Completed generations by done reason",
		},
		[]string{"reason"},
	)

	tokensGeneratedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "tokens_generated_total",
			Help:      "Total output tokens across all generations",
		},
	)

	generationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "generation_duration_seconds",
			Help:      "Wall-clock duration of generations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	cacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Idle instances evicted for ceiling or pressure reasons",
		},
	)

	instancesResident = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "cache",
			Name:      "instances_resident",
			Help:      "Resident instances by tier",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		generationsTotal, tokensGeneratedTotal, generationDuration,
		cacheEvictionsTotal, instancesResident,
	)
}

// observeGeneration records the final chunk of one stream.
func observeGeneration(reason string, outputTokens int, durationMS int64) {
	generationsTotal.WithLabelValues(reason).Inc()
	tokensGeneratedTotal.Add(float64(outputTokens))
	generationDuration.Observe(float64(durationMS) / 1000)
}

// updateResidency publishes the current cache tier sizes.
func updateResidency(live, idle int) {
	instancesResident.WithLabelValues("live").Set(float64(live))
	instancesResident.WithLabelValues("idle").Set(float64(idle))
}
