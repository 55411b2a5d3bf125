package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/ridebooking/internal/booking/domain"
)

// CollectionName is the MongoDB collection that holds bookings.
const CollectionName = "bookings"

type geoJSONPoint struct {
	Type        string    `bson:"type"`
	Coordinates []float64 `bson:"coordinates"`
}

func toGeoJSON(p domain.GeoPoint) geoJSONPoint {
	return geoJSONPoint{Type: "Point", Coordinates: []float64{p.Lng, p.Lat}}
}

func (g geoJSONPoint) point() domain.GeoPoint {
	if len(g.Coordinates) < 2 {
		return domain.GeoPoint{}
	}
	return domain.GeoPoint{Lng: g.Coordinates[0], Lat: g.Coordinates[1]}
}

type bookingDocument struct {
	ID          string       `bson:"_id"`
	CustomerID  string       `bson:"customer"`
	DriverID    *string      `bson:"driver,omitempty"`
	VehicleType string       `bson:"vehicle_type"`
	Pickup      geoJSONPoint `bson:"pickup_location"`
	Dropoff     geoJSONPoint `bson:"dropoff_location"`
	Price       float64      `bson:"price"`
	Status      string       `bson:"status"`
	CreatedAt   time.Time    `bson:"created_at"`
	UpdatedAt   time.Time    `bson:"updated_at"`
	AcceptedAt  *time.Time   `bson:"accepted_at,omitempty"`
	StartedAt   *time.Time   `bson:"started_at,omitempty"`
	CompletedAt *time.Time   `bson:"completed_at,omitempty"`
	CancelledAt *time.Time   `bson:"cancelled_at,omitempty"`
	Version     int64        `bson:"version"`
}

func newBookingDocument(b domain.Booking) bookingDocument {
	doc := bookingDocument{
		ID:          b.ID.String(),
		CustomerID:  b.CustomerID.String(),
		VehicleType: string(b.VehicleType),
		Pickup:      toGeoJSON(b.Pickup),
		Dropoff:     toGeoJSON(b.Dropoff),
		Price:       b.Price,
		Status:      string(b.Status),
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
		AcceptedAt:  b.AcceptedAt,
		StartedAt:   b.StartedAt,
		CompletedAt: b.CompletedAt,
		CancelledAt: b.CancelledAt,
		Version:     b.Version,
	}
	if b.DriverID != nil {
		driver := b.DriverID.String()
		doc.DriverID = &driver
	}
	return doc
}

func (d bookingDocument) booking() (domain.Booking, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("decode booking id %q: %w", d.ID, err)
	}
	customer, err := uuid.Parse(d.CustomerID)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("decode customer id %q: %w", d.CustomerID, err)
	}
	b := domain.Booking{
		ID:          id,
		CustomerID:  customer,
		VehicleType: domain.VehicleType(d.VehicleType),
		Pickup:      d.Pickup.point(),
		Dropoff:     d.Dropoff.point(),
		Price:       d.Price,
		Status:      domain.Status(d.Status),
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		AcceptedAt:  d.AcceptedAt,
		StartedAt:   d.StartedAt,
		CompletedAt: d.CompletedAt,
		CancelledAt: d.CancelledAt,
		Version:     d.Version,
	}
	if d.DriverID != nil {
		driver, err := uuid.Parse(*d.DriverID)
		if err != nil {
			return domain.Booking{}, fmt.Errorf("decode driver id %q: %w", *d.DriverID, err)
		}
		b.DriverID = &driver
	}
	return b, nil
}

// MongoConfig carries per-operation timeouts.
type MongoConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// MongoRepository persists bookings in MongoDB. The accept race and driver
// transitions are single FindOneAndUpdate calls whose filter carries the
// expected state.
type MongoRepository struct {
	collection *mongo.Collection
	cfg        MongoConfig
}

// NewMongoRepository constructs the repository over db.
func NewMongoRepository(db *mongo.Database, cfg MongoConfig) *MongoRepository {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &MongoRepository{collection: db.Collection(CollectionName), cfg: cfg}
}

// Collection exposes the underlying collection for the geo index.
func (r *MongoRepository) Collection() *mongo.Collection {
	return r.collection
}

// EnsureIndexes creates the geo and lookup indexes the queries rely on.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pickup_location", Value: "2dsphere"}}},
		{Keys: bson.D{{Key: "dropoff_location", Value: "2dsphere"}}},
		{Keys: bson.D{{Key: "customer", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "driver", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create booking indexes: %w", err)
	}
	return nil
}

func (r *MongoRepository) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// Create inserts a new booking.
func (r *MongoRepository) Create(ctx context.Context, booking domain.Booking) (domain.Booking, error) {
	ctx, cancel := r.withTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()
	booking.Version = 1
	if _, err := r.collection.InsertOne(ctx, newBookingDocument(booking)); err != nil {
		return domain.Booking{}, fmt.Errorf("insert booking: %w", err)
	}
	return booking, nil
}

// Get retrieves a booking by id.
func (r *MongoRepository) Get(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	ctx, cancel := r.withTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()
	var doc bookingDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	if err != nil {
		return domain.Booking{}, fmt.Errorf("find booking: %w", err)
	}
	return doc.booking()
}

// GetMany returns the bookings that exist among ids.
func (r *MongoRepository) GetMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.Booking, error) {
	out := make(map[uuid.UUID]domain.Booking, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, cancel := r.withTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	bookings, err := r.find(ctx, bson.M{"_id": bson.M{"$in": keys}}, options.Find())
	if err != nil {
		return nil, err
	}
	for _, b := range bookings {
		out[b.ID] = b
	}
	return out, nil
}

// Accept claims the booking for driverID only if it is still pending.
func (r *MongoRepository) Accept(ctx context.Context, id, driverID uuid.UUID, at time.Time) (domain.Booking, error) {
	ctx, cancel := r.withTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()
	filter := bson.M{"_id": id.String(), "status": string(domain.StatusPending)}
	update := bson.M{
		"$set": bson.M{
			"driver":      driverID.String(),
			"status":      string(domain.StatusAccepted),
			"accepted_at": at,
			"updated_at":  at,
		},
		"$inc": bson.M{"version": 1},
	}
	booking, err := r.findOneAndUpdate(ctx, filter, update)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return domain.Booking{}, getErr
		}
		return domain.Booking{}, domain.ErrNotAvailable
	}
	return booking, err
}

// ApplyTransition moves the booking from t.From to t.To when t.DriverID holds it.
func (r *MongoRepository) ApplyTransition(ctx context.Context, t domain.Transition) (domain.Booking, error) {
	ctx, cancel := r.withTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()
	set := bson.M{"status": string(t.To), "updated_at": t.At}
	switch t.To {
	case domain.StatusInProgress:
		set["started_at"] = t.At
	case domain.StatusCompleted:
		set["completed_at"] = t.At
	case domain.StatusCancelled:
		set["cancelled_at"] = t.At
	}
	filter := bson.M{
		"_id":    t.BookingID.String(),
		"driver": t.DriverID.String(),
		"status": string(t.From),
	}
	booking, err := r.findOneAndUpdate(ctx, filter, bson.M{"$set": set, "$inc": bson.M{"version": 1}})
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return booking, err
	}
	current, getErr := r.Get(ctx, t.BookingID)
	if getErr != nil {
		return domain.Booking{}, getErr
	}
	if !current.AssignedTo(t.DriverID) {
		return domain.Booking{}, domain.ErrDriverMismatch
	}
	return domain.Booking{}, domain.ErrStaleTransition
}

func (r *MongoRepository) findOneAndUpdate(ctx context.Context, filter, update bson.M) (domain.Booking, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc bookingDocument
	if err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Booking{}, err
		}
		return domain.Booking{}, fmt.Errorf("update booking: %w", err)
	}
	return doc.booking()
}

// ListByCustomer returns the customer's bookings in the given statuses, newest first.
func (r *MongoRepository) ListByCustomer(ctx context.Context, customerID uuid.UUID, statuses []domain.Status) ([]domain.Booking, error) {
	return r.listBy(ctx, "customer", customerID, statuses)
}

// ListByDriver returns the driver's bookings in the given statuses, newest first.
func (r *MongoRepository) ListByDriver(ctx context.Context, driverID uuid.UUID, statuses []domain.Status) ([]domain.Booking, error) {
	return r.listBy(ctx, "driver", driverID, statuses)
}

func (r *MongoRepository) listBy(ctx context.Context, field string, id uuid.UUID, statuses []domain.Status) ([]domain.Booking, error) {
	ctx, cancel := r.withTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	filter := bson.M{field: id.String(), "status": bson.M{"$in": values}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	return r.find(ctx, filter, opts)
}

func (r *MongoRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]domain.Booking, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find bookings: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []bookingDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode bookings: %w", err)
	}
	out := make([]domain.Booking, 0, len(docs))
	for _, doc := range docs {
		b, err := doc.booking()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
