package location

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "location_ingest_reports_total",
	Help: "Driver location reports received over gRPC, grouped by outcome.",
}, []string{"result"})
