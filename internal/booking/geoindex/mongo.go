package geoindex

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/ridebooking/internal/booking/domain"
)

// MongoIndex queries the 2dsphere index on the bookings collection directly.
// The booking documents are the index, so Add and Remove have nothing to do.
type MongoIndex struct {
	collection *mongo.Collection
}

// NewMongoIndex wraps the bookings collection.
func NewMongoIndex(collection *mongo.Collection) *MongoIndex {
	return &MongoIndex{collection: collection}
}

func (m *MongoIndex) Add(context.Context, domain.Booking) error { return nil }

func (m *MongoIndex) Remove(context.Context, uuid.UUID) error { return nil }

// Nearby runs a $near query over pending pickups; results come back nearest first.
func (m *MongoIndex) Nearby(ctx context.Context, point domain.GeoPoint, radiusMeters float64, limit int) ([]uuid.UUID, error) {
	start := time.Now()
	filter := bson.M{
		"status": string(domain.StatusPending),
		"pickup_location": bson.M{
			"$near": bson.M{
				"$geometry": bson.M{
					"type":        "Point",
					"coordinates": []float64{point.Lng, point.Lat},
				},
				"$maxDistance": radiusMeters,
			},
		},
	}
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo near query: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode near results: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		id, err := uuid.Parse(row.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errInvalidGeoResult, row.ID)
		}
		ids = append(ids, id)
	}
	observe("mongo", time.Since(start).Seconds(), len(ids))
	return ids, nil
}
