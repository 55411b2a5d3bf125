package geoindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ridebooking/internal/booking/domain"
)

const defaultRedisKey = "bookings:pending:geo"

var errInvalidGeoResult = errors.New("invalid geo search result")

// RedisIndex keeps pending pickup points in a Redis GEO sorted set so every
// service instance shares one index.
type RedisIndex struct {
	client redis.Cmdable
	key    string
}

// NewRedisIndex constructs a Redis-backed geo index.
func NewRedisIndex(client redis.Cmdable, key string) *RedisIndex {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisIndex{client: client, key: key}
}

// Add stores the booking's pickup point.
func (r *RedisIndex) Add(ctx context.Context, booking domain.Booking) error {
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      booking.ID.String(),
		Longitude: booking.Pickup.Lng,
		Latitude:  booking.Pickup.Lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis geoadd: %w", err)
	}
	return nil
}

// Remove deletes the booking from the set.
func (r *RedisIndex) Remove(ctx context.Context, id uuid.UUID) error {
	if err := r.client.ZRem(ctx, r.key, id.String()).Err(); err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	return nil
}

// Nearby returns up to limit booking ids sorted by distance to point.
func (r *RedisIndex) Nearby(ctx context.Context, point domain.GeoPoint, radiusMeters float64, limit int) ([]uuid.UUID, error) {
	start := time.Now()
	query := &redis.GeoRadiusQuery{
		Radius:   radiusMeters,
		Unit:     "m",
		WithDist: true,
		Sort:     "ASC",
	}
	if limit > 0 {
		query.Count = limit
	}
	results, err := r.client.GeoRadius(ctx, r.key, point.Lng, point.Lat, query).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(results))
	for _, res := range results {
		id, err := uuid.Parse(res.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errInvalidGeoResult, res.Name)
		}
		ids = append(ids, id)
	}
	observe("redis", time.Since(start).Seconds(), len(ids))
	return ids, nil
}
