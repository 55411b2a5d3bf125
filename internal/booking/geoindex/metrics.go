package geoindex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	nearbyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "booking_nearby_query_seconds",
		Help:    "Time spent answering nearby pending booking queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	nearbyCandidates = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "booking_nearby_candidates",
		Help:    "Number of candidates returned by the geo index per query.",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100, 500},
	}, []string{"backend"})
)

func observe(backend string, seconds float64, candidates int) {
	nearbyDuration.WithLabelValues(backend).Observe(seconds)
	nearbyCandidates.WithLabelValues(backend).Observe(float64(candidates))
}
