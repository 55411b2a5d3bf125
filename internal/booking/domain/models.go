package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

// ParseStatus validates a status received from a client.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusPending, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ActiveForCustomer lists the statuses a customer sees as active.
var ActiveForCustomer = []Status{StatusPending, StatusAccepted, StatusInProgress}

// ActiveForDriver lists the statuses a driver sees as active.
var ActiveForDriver = []Status{StatusAccepted, StatusInProgress}

type VehicleType string

const (
	VehicleBike  VehicleType = "bike"
	VehicleCar   VehicleType = "car"
	VehicleTruck VehicleType = "truck"
)

func (v VehicleType) Valid() bool {
	switch v {
	case VehicleBike, VehicleCar, VehicleTruck:
		return true
	}
	return false
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
)

func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleDriver
}

// Actor is the authenticated caller of a lifecycle operation.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

// GeoPoint is a WGS84 coordinate. On the wire it is a [longitude, latitude]
// pair, matching GeoJSON point coordinates.
type GeoPoint struct {
	Lng float64
	Lat float64
}

func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func (p GeoPoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.Lng, p.Lat})
}

func (p *GeoPoint) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("coordinates must be [longitude, latitude]: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("coordinates must be [longitude, latitude], got %d values", len(pair))
	}
	p.Lng, p.Lat = pair[0], pair[1]
	return nil
}

type Booking struct {
	ID          uuid.UUID   `json:"id"`
	CustomerID  uuid.UUID   `json:"customer"`
	DriverID    *uuid.UUID  `json:"driver,omitempty"`
	VehicleType VehicleType `json:"vehicleType"`
	Pickup      GeoPoint    `json:"pickupLocation"`
	Dropoff     GeoPoint    `json:"dropoffLocation"`
	Price       float64     `json:"price"`
	Status      Status      `json:"status"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
	Version     int64      `json:"-"`
}

// AssignedTo reports whether driverID holds the booking.
func (b Booking) AssignedTo(driverID uuid.UUID) bool {
	return b.DriverID != nil && *b.DriverID == driverID
}

// Stamp applies the timestamp that belongs to entering status to b.
func (b *Booking) Stamp(status Status, at time.Time) {
	b.Status = status
	b.UpdatedAt = at
	switch status {
	case StatusAccepted:
		b.AcceptedAt = &at
	case StatusInProgress:
		b.StartedAt = &at
	case StatusCompleted:
		b.CompletedAt = &at
	case StatusCancelled:
		b.CancelledAt = &at
	}
}

// Transition is a conditional status change applied by the store only when the
// booking still has status From and is held by DriverID.
type Transition struct {
	BookingID uuid.UUID
	DriverID  uuid.UUID
	From      Status
	To        Status
	At        time.Time
}

// Estimate is the pricing collaborator's answer for one trip.
type Estimate struct {
	EstimatedPrice  float64 `json:"estimatedPrice"`
	Distance        float64 `json:"distance"`
	SurgeMultiplier float64 `json:"surgeMultiplier"`
	DurationSeconds float64 `json:"durationSeconds"`
}

type EventType string

const (
	EventBookingCreated   EventType = "BookingCreated"
	EventBookingAccepted  EventType = "BookingAccepted"
	EventBookingStarted   EventType = "BookingStarted"
	EventBookingCompleted EventType = "BookingCompleted"
	EventBookingCancelled EventType = "BookingCancelled"
)

type Event struct {
	ID        uuid.UUID      `json:"id"`
	BookingID uuid.UUID      `json:"booking_id"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Repository is the booking store. Accept and ApplyTransition must be atomic
// conditional updates: a booking whose state no longer matches the condition is
// left untouched.
type Repository interface {
	Create(ctx context.Context, booking Booking) (Booking, error)
	Get(ctx context.Context, id uuid.UUID) (Booking, error)
	GetMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Booking, error)
	Accept(ctx context.Context, id, driverID uuid.UUID, at time.Time) (Booking, error)
	ApplyTransition(ctx context.Context, t Transition) (Booking, error)
	ListByCustomer(ctx context.Context, customerID uuid.UUID, statuses []Status) ([]Booking, error)
	ListByDriver(ctx context.Context, driverID uuid.UUID, statuses []Status) ([]Booking, error)
}

// GeoIndex answers radius queries over booking pickup points. Results are
// nearest first; limit <= 0 means no limit.
type GeoIndex interface {
	Add(ctx context.Context, booking Booking) error
	Remove(ctx context.Context, id uuid.UUID) error
	Nearby(ctx context.Context, point GeoPoint, radiusMeters float64, limit int) ([]uuid.UUID, error)
}

type PricingGateway interface {
	Estimate(ctx context.Context, pickup, dropoff GeoPoint, vehicle VehicleType) (Estimate, error)
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

// DriverLock serialises accept attempts made by one driver.
type DriverLock interface {
	TryLock(ctx context.Context, driverID, bookingID uuid.UUID, ttl time.Duration) (bool, error)
	// Unlock releases the lock only while bookingID still holds it.
	Unlock(ctx context.Context, driverID, bookingID uuid.UUID) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
