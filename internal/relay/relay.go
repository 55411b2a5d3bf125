package relay

import (
	"context"

	"github.com/google/uuid"

	"github.com/example/ridebooking/internal/booking/domain"
)

// Authorizer decides who may watch and who may drive a booking.
type Authorizer interface {
	CanObserve(ctx context.Context, actor domain.Actor, bookingID uuid.UUID) error
	CanPublish(ctx context.Context, actor domain.Actor, bookingID uuid.UUID) error
}

// Relay checks permissions before touching the hub. Both the websocket
// transport and the gRPC ingest go through it.
type Relay struct {
	hub   *Hub
	authz Authorizer
}

// New wraps hub with authz.
func New(hub *Hub, authz Authorizer) *Relay {
	return &Relay{hub: hub, authz: authz}
}

// Hub returns the underlying hub.
func (r *Relay) Hub() *Hub { return r.hub }

// Join subscribes sub to the booking if its actor may observe it.
func (r *Relay) Join(ctx context.Context, bookingID uuid.UUID, sub *Subscriber) error {
	if err := r.authz.CanObserve(ctx, sub.Actor, bookingID); err != nil {
		rejectedTotal.WithLabelValues("join").Inc()
		return err
	}
	r.hub.Join(bookingID, sub)
	return nil
}

// Leave unsubscribes sub from the booking.
func (r *Relay) Leave(bookingID uuid.UUID, sub *Subscriber) {
	r.hub.Leave(bookingID, sub)
}

// Publish relays loc for the booking if actor is its driver.
func (r *Relay) Publish(ctx context.Context, actor domain.Actor, bookingID uuid.UUID, loc Location) error {
	if !loc.Point.Valid() {
		rejectedTotal.WithLabelValues("publish").Inc()
		return ErrInvalidLocation
	}
	if err := r.authz.CanPublish(ctx, actor, bookingID); err != nil {
		rejectedTotal.WithLabelValues("publish").Inc()
		return err
	}
	return r.hub.Publish(ctx, bookingID, loc)
}
