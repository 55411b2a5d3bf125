// Package relay fans driver positions out to everyone watching a booking.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ridebooking/internal/booking/domain"
)

// DefaultPublishInterval is the cadence drivers are expected to report at
// while a booking is in progress.
const DefaultPublishInterval = 10 * time.Second

const defaultSubscriberBuffer = 16

// ErrInvalidLocation is returned for coordinates outside WGS84 bounds.
var ErrInvalidLocation = fmt.Errorf("%w: location coordinates out of range", domain.ErrValidation)

// Location is one driver position report.
type Location struct {
	Point      domain.GeoPoint `json:"coordinates"`
	Heading    float64         `json:"heading,omitempty"`
	Speed      float64         `json:"speed,omitempty"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// Update is what a subscriber receives.
type Update struct {
	BookingID uuid.UUID
	Location  Location
}

// Subscriber is one receiving end, usually a websocket connection.
type Subscriber struct {
	Actor domain.Actor
	ch    chan Update
}

// NewSubscriber creates a subscriber with the given buffer size.
func NewSubscriber(actor domain.Actor, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Subscriber{Actor: actor, ch: make(chan Update, buffer)}
}

// Updates returns the delivery channel.
func (s *Subscriber) Updates() <-chan Update { return s.ch }

// Backplane carries publishes between relay instances.
type Backplane interface {
	Publish(ctx context.Context, bookingID uuid.UUID, loc Location) error
	Subscribe(deliver func(bookingID uuid.UUID, loc Location)) error
	Close() error
}

type room struct {
	mu      sync.Mutex
	members map[*Subscriber]struct{}
}

// Hub is the process-wide room registry. Every room serialises its own
// membership changes and fan-out, so a subscriber sees a room's updates in
// publish order.
type Hub struct {
	mu         sync.Mutex
	rooms      map[uuid.UUID]*room
	membership map[*Subscriber]map[uuid.UUID]struct{}

	backplane Backplane
	logger    *zap.Logger
}

// NewHub constructs an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:      make(map[uuid.UUID]*room),
		membership: make(map[*Subscriber]map[uuid.UUID]struct{}),
		logger:     logger,
	}
}

// UseBackplane routes publishes through bp and starts delivering what it
// receives to local rooms.
func (h *Hub) UseBackplane(bp Backplane) error {
	if err := bp.Subscribe(h.Deliver); err != nil {
		return fmt.Errorf("subscribe backplane: %w", err)
	}
	h.mu.Lock()
	h.backplane = bp
	h.mu.Unlock()
	return nil
}

// Join adds sub to the booking's room. Joining twice is a no-op.
func (h *Hub) Join(bookingID uuid.UUID, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[bookingID]
	if !ok {
		rm = &room{members: make(map[*Subscriber]struct{})}
		h.rooms[bookingID] = rm
		roomsGauge.Inc()
	}
	rm.mu.Lock()
	rm.members[sub] = struct{}{}
	rm.mu.Unlock()

	joined, ok := h.membership[sub]
	if !ok {
		joined = make(map[uuid.UUID]struct{})
		h.membership[sub] = joined
	}
	joined[bookingID] = struct{}{}
}

// Leave removes sub from the booking's room.
func (h *Hub) Leave(bookingID uuid.UUID, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(bookingID, sub)
}

// LeaveAll removes sub from every room it joined.
func (h *Hub) LeaveAll(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for bookingID := range h.membership[sub] {
		h.leaveLocked(bookingID, sub)
	}
	delete(h.membership, sub)
}

func (h *Hub) leaveLocked(bookingID uuid.UUID, sub *Subscriber) {
	if joined, ok := h.membership[sub]; ok {
		delete(joined, bookingID)
		if len(joined) == 0 {
			delete(h.membership, sub)
		}
	}
	rm, ok := h.rooms[bookingID]
	if !ok {
		return
	}
	rm.mu.Lock()
	delete(rm.members, sub)
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if empty {
		delete(h.rooms, bookingID)
		roomsGauge.Dec()
	}
}

// Members returns the number of subscribers in the booking's room.
func (h *Hub) Members(bookingID uuid.UUID) int {
	h.mu.Lock()
	rm, ok := h.rooms[bookingID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Publish sends loc to the booking's room, through the backplane when one is
// configured.
func (h *Hub) Publish(ctx context.Context, bookingID uuid.UUID, loc Location) error {
	if !loc.Point.Valid() {
		return ErrInvalidLocation
	}
	h.mu.Lock()
	bp := h.backplane
	h.mu.Unlock()
	if bp != nil {
		if err := bp.Publish(ctx, bookingID, loc); err != nil {
			return fmt.Errorf("backplane publish: %w", err)
		}
		return nil
	}
	h.Deliver(bookingID, loc)
	return nil
}

// Deliver fans loc out to local subscribers. A subscriber whose buffer is
// full misses this update.
func (h *Hub) Deliver(bookingID uuid.UUID, loc Location) {
	h.mu.Lock()
	rm, ok := h.rooms[bookingID]
	h.mu.Unlock()
	publishedTotal.Inc()
	if !ok {
		return
	}
	update := Update{BookingID: bookingID, Location: loc}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	for sub := range rm.members {
		select {
		case sub.ch <- update:
			deliveredTotal.Inc()
		default:
			droppedTotal.Inc()
			h.logger.Debug("subscriber buffer full, dropping update",
				zap.String("booking_id", bookingID.String()),
				zap.String("actor_id", sub.Actor.ID.String()))
		}
	}
}

// Close releases the backplane.
func (h *Hub) Close() error {
	h.mu.Lock()
	bp := h.backplane
	h.backplane = nil
	h.mu.Unlock()
	if bp == nil {
		return nil
	}
	return bp.Close()
}
