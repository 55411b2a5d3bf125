package geoindex_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/ridebooking/internal/booking/domain"
	"github.com/example/ridebooking/internal/booking/geoindex"
)

var bangalore = domain.GeoPoint{Lng: 77.5946, Lat: 12.9716}

func bookingAt(p domain.GeoPoint) domain.Booking {
	return domain.Booking{ID: uuid.New(), Pickup: p, Status: domain.StatusPending}
}

func newIndexes(t *testing.T) map[string]domain.GeoIndex {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]domain.GeoIndex{
		"memory": geoindex.NewMemoryIndex(),
		"redis":  geoindex.NewRedisIndex(client, ""),
	}
}

func TestNearbyOrdersByDistanceAndRespectsRadius(t *testing.T) {
	for name, idx := range newIndexes(t) {
		idx := idx
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			near := bookingAt(domain.GeoPoint{Lng: 77.5950, Lat: 12.9720})
			mid := bookingAt(domain.GeoPoint{Lng: 77.6100, Lat: 12.9800})
			far := bookingAt(domain.GeoPoint{Lng: 77.9000, Lat: 13.2000})
			for _, b := range []domain.Booking{far, mid, near} {
				require.NoError(t, idx.Add(ctx, b))
			}

			ids, err := idx.Nearby(ctx, bangalore, 10000, 0)
			require.NoError(t, err)
			require.Equal(t, []uuid.UUID{near.ID, mid.ID}, ids)

			ids, err = idx.Nearby(ctx, bangalore, 10000, 1)
			require.NoError(t, err)
			require.Equal(t, []uuid.UUID{near.ID}, ids)

			ids, err = idx.Nearby(ctx, bangalore, 100000, 0)
			require.NoError(t, err)
			require.Equal(t, []uuid.UUID{near.ID, mid.ID, far.ID}, ids)
		})
	}
}

func TestRemoveDropsBooking(t *testing.T) {
	for name, idx := range newIndexes(t) {
		idx := idx
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := bookingAt(domain.GeoPoint{Lng: 77.5950, Lat: 12.9720})
			require.NoError(t, idx.Add(ctx, b))
			require.NoError(t, idx.Remove(ctx, b.ID))
			require.NoError(t, idx.Remove(ctx, uuid.New()))

			ids, err := idx.Nearby(ctx, bangalore, 10000, 0)
			require.NoError(t, err)
			require.Empty(t, ids)
		})
	}
}

func TestMemoryIndexAcrossCellBoundary(t *testing.T) {
	ctx := context.Background()
	idx := geoindex.NewMemoryIndex()
	// The points straddle the prime meridian so they fall in different top-level cells.
	west := bookingAt(domain.GeoPoint{Lng: -0.001, Lat: 51.4779})
	east := bookingAt(domain.GeoPoint{Lng: 0.002, Lat: 51.4779})
	require.NoError(t, idx.Add(ctx, west))
	require.NoError(t, idx.Add(ctx, east))

	ids, err := idx.Nearby(ctx, domain.GeoPoint{Lng: 0, Lat: 51.4779}, 500, 0)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{west.ID, east.ID}, ids)
}

func TestMemoryIndexReAddMovesPoint(t *testing.T) {
	ctx := context.Background()
	idx := geoindex.NewMemoryIndex()
	b := bookingAt(domain.GeoPoint{Lng: 2.3522, Lat: 48.8566})
	require.NoError(t, idx.Add(ctx, b))
	b.Pickup = bangalore
	require.NoError(t, idx.Add(ctx, b))

	ids, err := idx.Nearby(ctx, domain.GeoPoint{Lng: 2.3522, Lat: 48.8566}, 1000, 0)
	require.NoError(t, err)
	require.Empty(t, ids)
	ids, err = idx.Nearby(ctx, bangalore, 1000, 0)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{b.ID}, ids)
}

func TestDistance(t *testing.T) {
	// One degree of latitude is roughly 111.2 km.
	d := geoindex.Distance(domain.GeoPoint{Lng: 0, Lat: 0}, domain.GeoPoint{Lng: 0, Lat: 1})
	require.InDelta(t, 111195, d, 50)
	require.Zero(t, geoindex.Distance(bangalore, bangalore))
}
