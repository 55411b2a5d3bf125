package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acceptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "booking_accept_seconds",
		Help:    "Time spent handling accept attempts.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	acceptAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_accept_attempts_total",
		Help: "Total accept attempts grouped by outcome.",
	}, []string{"result"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_transitions_total",
		Help: "Committed booking status changes grouped by target status.",
	}, []string{"status"})
)
