// Package pricing estimates trip fares from the distance between two points.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/ridebooking/internal/booking/domain"
	"github.com/example/ridebooking/internal/booking/geoindex"
)

var (
	estimatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricing_estimates_total",
		Help: "Fare estimates grouped by whether surge applied.",
	}, []string{"surge"})
	distanceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pricing_distance_errors_total",
		Help: "Distance source failures.",
	})
)

// Route is the distance source's answer. A zero Duration is derived from the
// configured average speed.
type Route struct {
	Meters   float64
	Duration time.Duration
}

// DistanceSource measures the trip between two points.
type DistanceSource interface {
	Route(ctx context.Context, from, to domain.GeoPoint) (Route, error)
}

// HaversineSource measures the great-circle distance.
type HaversineSource struct{}

func (HaversineSource) Route(_ context.Context, from, to domain.GeoPoint) (Route, error) {
	return Route{Meters: geoindex.Distance(from, to)}, nil
}

// DemandSignal reports whether demand currently warrants surge pricing.
type DemandSignal interface {
	HighDemand(ctx context.Context) bool
}

// NoDemand never reports high demand.
type NoDemand struct{}

func (NoDemand) HighDemand(context.Context) bool { return false }

// RandomDemand reports high demand for a random share of requests, standing in
// for a real demand feed.
type RandomDemand struct {
	Threshold float64
	Float64   func() float64
}

func (r RandomDemand) HighDemand(context.Context) bool {
	next := r.Float64
	if next == nil {
		next = rand.Float64
	}
	return next() > r.Threshold
}

// HourRange is an inclusive range of local hours.
type HourRange struct {
	From int
	To   int
}

func (h HourRange) contains(hour int) bool {
	return hour >= h.From && hour <= h.To
}

// Config holds the fare table.
type Config struct {
	BaseFare        float64
	PerKm           map[domain.VehicleType]float64
	DefaultPerKm    float64
	SurgeMultiplier float64
	PeakHours       []HourRange
	AverageSpeedKmh float64
	Location        *time.Location
}

// DefaultConfig returns the standard fare table.
func DefaultConfig() Config {
	return Config{
		BaseFare: 50,
		PerKm: map[domain.VehicleType]float64{
			domain.VehicleBike:  5,
			domain.VehicleCar:   10,
			domain.VehicleTruck: 20,
		},
		DefaultPerKm:    10,
		SurgeMultiplier: 1.5,
		PeakHours:       []HourRange{{From: 7, To: 9}, {From: 17, To: 19}},
		AverageSpeedKmh: 35,
		Location:        time.Local,
	}
}

// Calculator implements domain.PricingGateway.
type Calculator struct {
	source DistanceSource
	demand DemandSignal
	clock  domain.Clock
	cfg    Config
}

// NewCalculator wires the calculator. Nil collaborators fall back to
// haversine distance, no demand surge and the system clock.
func NewCalculator(source DistanceSource, demand DemandSignal, clock domain.Clock, cfg Config) *Calculator {
	defaults := DefaultConfig()
	if cfg.BaseFare <= 0 {
		cfg.BaseFare = defaults.BaseFare
	}
	if cfg.PerKm == nil {
		cfg.PerKm = defaults.PerKm
	}
	if cfg.DefaultPerKm <= 0 {
		cfg.DefaultPerKm = defaults.DefaultPerKm
	}
	if cfg.SurgeMultiplier <= 0 {
		cfg.SurgeMultiplier = defaults.SurgeMultiplier
	}
	if cfg.PeakHours == nil {
		cfg.PeakHours = defaults.PeakHours
	}
	if cfg.AverageSpeedKmh <= 0 {
		cfg.AverageSpeedKmh = defaults.AverageSpeedKmh
	}
	if cfg.Location == nil {
		cfg.Location = defaults.Location
	}
	if source == nil {
		source = HaversineSource{}
	}
	if demand == nil {
		demand = NoDemand{}
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Calculator{source: source, demand: demand, clock: clock, cfg: cfg}
}

// Estimate returns the fare for the trip. Distance is reported in kilometers.
func (c *Calculator) Estimate(ctx context.Context, pickup, dropoff domain.GeoPoint, vehicle domain.VehicleType) (domain.Estimate, error) {
	route, err := c.source.Route(ctx, pickup, dropoff)
	if err != nil {
		distanceErrors.Inc()
		return domain.Estimate{}, fmt.Errorf("calculate distance: %w", err)
	}
	if route.Meters < 0 || math.IsNaN(route.Meters) {
		distanceErrors.Inc()
		return domain.Estimate{}, errors.New("calculate distance: invalid distance")
	}
	km := route.Meters / 1000
	rate, ok := c.cfg.PerKm[vehicle]
	if !ok {
		rate = c.cfg.DefaultPerKm
	}

	surge := c.surge(ctx)
	estimatesTotal.WithLabelValues(fmt.Sprint(surge > 1)).Inc()

	duration := route.Duration
	if duration <= 0 {
		metersPerSecond := c.cfg.AverageSpeedKmh * 1000 / 3600
		duration = time.Duration(route.Meters/metersPerSecond) * time.Second
	}
	return domain.Estimate{
		EstimatedPrice:  math.Round((c.cfg.BaseFare + km*rate) * surge),
		Distance:        km,
		SurgeMultiplier: surge,
		DurationSeconds: duration.Seconds(),
	}, nil
}

func (c *Calculator) surge(ctx context.Context) float64 {
	hour := c.clock.Now().In(c.cfg.Location).Hour()
	for _, peak := range c.cfg.PeakHours {
		if peak.contains(hour) {
			return c.cfg.SurgeMultiplier
		}
	}
	if c.demand.HighDemand(ctx) {
		return c.cfg.SurgeMultiplier
	}
	return 1
}
