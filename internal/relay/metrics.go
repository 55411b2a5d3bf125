package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roomsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_rooms",
		Help: "Booking rooms with at least one local subscriber.",
	})

	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Open websocket connections.",
	})

	publishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_published_total",
		Help: "Location updates handed to local rooms.",
	})

	deliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_delivered_total",
		Help: "Location updates enqueued for a subscriber.",
	})

	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_dropped_total",
		Help: "Location updates dropped because a subscriber buffer was full.",
	})

	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rejected_total",
		Help: "Join or publish requests refused, grouped by operation.",
	}, []string{"op"})
)
