package pricing

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ridebooking/internal/booking/domain"
)

// GoogleMapsSource measures road distance with the Distance Matrix API.
type GoogleMapsSource struct {
	client *maps.Client
	mode   maps.Mode
}

// NewGoogleMapsSource builds a source authenticated with apiKey.
func NewGoogleMapsSource(apiKey string, opts ...maps.ClientOption) (*GoogleMapsSource, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Maps client: %w", err)
	}
	return &GoogleMapsSource{client: client, mode: maps.TravelModeDriving}, nil
}

// Route asks for a single origin/destination element.
func (g *GoogleMapsSource) Route(ctx context.Context, from, to domain.GeoPoint) (Route, error) {
	req := &maps.DistanceMatrixRequest{
		Origins:      []string{fmt.Sprintf("%f,%f", from.Lat, from.Lng)},
		Destinations: []string{fmt.Sprintf("%f,%f", to.Lat, to.Lng)},
		Mode:         g.mode,
		Units:        maps.UnitsMetric,
	}
	resp, err := g.client.DistanceMatrix(ctx, req)
	if err != nil {
		return Route{}, fmt.Errorf("distance matrix request failed: %w", err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return Route{}, errors.New("distance matrix returned no elements")
	}
	element := resp.Rows[0].Elements[0]
	if element.Status != "OK" {
		return Route{}, fmt.Errorf("distance matrix element status %s", element.Status)
	}
	return Route{Meters: float64(element.Distance.Meters), Duration: element.Duration}, nil
}
