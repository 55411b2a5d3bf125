package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridebooking/internal/booking/domain"
)

// Config holds lifecycle tunables.
type Config struct {
	NearbyRadiusMeters    float64
	NearbyLimit           int
	MaxNearbyRadiusMeters float64
	DriverLockTTL         time.Duration
}

// Service coordinates booking operations between handlers and repositories.
type Service struct {
	repo       domain.Repository
	geo        domain.GeoIndex
	pricing    domain.PricingGateway
	events     domain.EventPublisher
	clock      domain.Clock
	idempotent domain.IdempotencyRepository
	locks      domain.DriverLock
	logger     *zap.Logger
	tracer     trace.Tracer
	cfg        Config
}

// Option customises a Service.
type Option func(*Service)

func WithEvents(events domain.EventPublisher) Option {
	return func(s *Service) { s.events = events }
}

func WithClock(clock domain.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

func WithIdempotency(idem domain.IdempotencyRepository) Option {
	return func(s *Service) { s.idempotent = idem }
}

// WithDriverLock serialises accept attempts made by the same driver.
func WithDriverLock(locks domain.DriverLock) Option {
	return func(s *Service) { s.locks = locks }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// New constructs a Service with the required collaborators.
func New(repo domain.Repository, geo domain.GeoIndex, pricing domain.PricingGateway, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		geo:     geo,
		pricing: pricing,
		events:  nopPublisher{},
		clock:   domain.SystemClock{},
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("booking.service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.NearbyRadiusMeters <= 0 {
		s.cfg.NearbyRadiusMeters = 10000
	}
	if s.cfg.NearbyLimit <= 0 {
		s.cfg.NearbyLimit = 10
	}
	if s.cfg.MaxNearbyRadiusMeters <= 0 {
		s.cfg.MaxNearbyRadiusMeters = 100000
	}
	if s.cfg.DriverLockTTL <= 0 {
		s.cfg.DriverLockTTL = 10 * time.Second
	}
	return s
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.Event) error { return nil }

// CreateRequest contains the payload for creating a booking.
type CreateRequest struct {
	VehicleType domain.VehicleType
	Pickup      domain.GeoPoint
	Dropoff     domain.GeoPoint
	Price       float64
}

// Create stores a new pending booking for a customer. A non-empty key replays
// the first response recorded for the same customer and key.
func (s *Service) Create(ctx context.Context, actor domain.Actor, key string, req CreateRequest) (domain.Booking, error) {
	ctx, span := s.tracer.Start(ctx, "booking.create")
	defer span.End()

	if actor.Role != domain.RoleCustomer {
		return domain.Booking{}, domain.ErrCustomerOnly
	}
	if err := validateTrip(req.Pickup, req.Dropoff, req.VehicleType); err != nil {
		return domain.Booking{}, err
	}
	if req.Price <= 0 || math.IsInf(req.Price, 0) || math.IsNaN(req.Price) {
		return domain.Booking{}, fmt.Errorf("%w: price must be a positive number", domain.ErrValidation)
	}

	scopedKey := ""
	if key != "" && s.idempotent != nil {
		scopedKey = actor.ID.String() + ":" + key
		if cached, ok, err := s.idempotent.GetResponse(ctx, scopedKey); err == nil && ok {
			var replay domain.Booking
			if err := json.Unmarshal(cached, &replay); err == nil {
				return replay, nil
			}
		} else if err != nil {
			s.logger.Warn("idempotency lookup failed", zap.Error(err))
		}
	}

	now := s.clock.Now()
	booking := domain.Booking{
		ID:          uuid.New(),
		CustomerID:  actor.ID,
		VehicleType: req.VehicleType,
		Pickup:      req.Pickup,
		Dropoff:     req.Dropoff,
		Price:       req.Price,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	span.SetAttributes(attribute.String("booking.id", booking.ID.String()))

	// Index first: a stray index entry is skipped at query time, a stored
	// booking missing from the index is not. Queries never evict ids the store
	// has not seen, so a poll racing this create keeps the entry.
	if err := s.geo.Add(ctx, booking); err != nil {
		return domain.Booking{}, fmt.Errorf("index booking: %w", err)
	}
	created, err := s.repo.Create(ctx, booking)
	if err != nil {
		if rmErr := s.geo.Remove(ctx, booking.ID); rmErr != nil {
			s.logger.Warn("remove orphaned index entry", zap.Error(rmErr), zap.String("booking_id", booking.ID.String()))
		}
		return domain.Booking{}, fmt.Errorf("create booking: %w", err)
	}
	transitionsTotal.WithLabelValues(string(domain.StatusPending)).Inc()

	s.publish(ctx, created, domain.EventBookingCreated, map[string]any{
		"customer_id":  created.CustomerID.String(),
		"vehicle_type": string(created.VehicleType),
		"price":        created.Price,
	})

	if scopedKey != "" {
		if payload, err := json.Marshal(created); err == nil {
			if err := s.idempotent.PutResponse(ctx, scopedKey, payload); err != nil {
				s.logger.Warn("idempotency store failed", zap.Error(err))
			}
		}
	}
	return created, nil
}

// EstimateRequest contains the trip to price.
type EstimateRequest struct {
	VehicleType domain.VehicleType
	Pickup      domain.GeoPoint
	Dropoff     domain.GeoPoint
}

// EstimatePrice asks the pricing gateway once and returns its answer unchanged.
func (s *Service) EstimatePrice(ctx context.Context, actor domain.Actor, req EstimateRequest) (domain.Estimate, error) {
	if !actor.Role.Valid() {
		return domain.Estimate{}, fmt.Errorf("%w: unknown role", domain.ErrForbidden)
	}
	if err := validateTrip(req.Pickup, req.Dropoff, req.VehicleType); err != nil {
		return domain.Estimate{}, err
	}
	estimate, err := s.pricing.Estimate(ctx, req.Pickup, req.Dropoff, req.VehicleType)
	if err != nil {
		return domain.Estimate{}, fmt.Errorf("%w: %w", domain.ErrUpstream, err)
	}
	return estimate, nil
}

// Accept claims a pending booking for the calling driver. Only one of any
// number of concurrent callers succeeds; the rest get ErrNotAvailable.
func (s *Service) Accept(ctx context.Context, actor domain.Actor, id uuid.UUID) (domain.Booking, error) {
	ctx, span := s.tracer.Start(ctx, "booking.accept", trace.WithAttributes(attribute.String("booking.id", id.String())))
	defer span.End()
	start := time.Now()

	if actor.Role != domain.RoleDriver {
		return domain.Booking{}, domain.ErrDriverOnly
	}
	booking, result, err := s.accept(ctx, actor, id)
	acceptAttempts.WithLabelValues(result).Inc()
	acceptDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return domain.Booking{}, err
	}

	if err := s.geo.Remove(ctx, booking.ID); err != nil {
		s.logger.Warn("remove accepted booking from index", zap.Error(err), zap.String("booking_id", booking.ID.String()))
	}
	transitionsTotal.WithLabelValues(string(domain.StatusAccepted)).Inc()
	s.publish(ctx, booking, domain.EventBookingAccepted, map[string]any{"driver_id": actor.ID.String()})
	return booking, nil
}

func (s *Service) accept(ctx context.Context, actor domain.Actor, id uuid.UUID) (domain.Booking, string, error) {
	if s.locks != nil {
		locked, err := s.locks.TryLock(ctx, actor.ID, id, s.cfg.DriverLockTTL)
		if err != nil {
			return domain.Booking{}, "error", fmt.Errorf("lock driver: %w", err)
		}
		if !locked {
			return domain.Booking{}, "busy", domain.ErrDriverBusy
		}
		defer func() {
			if err := s.locks.Unlock(context.WithoutCancel(ctx), actor.ID, id); err != nil {
				s.logger.Warn("unlock driver", zap.Error(err), zap.String("driver_id", actor.ID.String()))
			}
		}()
	}

	active, err := s.repo.ListByDriver(ctx, actor.ID, domain.ActiveForDriver)
	if err != nil {
		return domain.Booking{}, "error", fmt.Errorf("list driver bookings: %w", err)
	}
	if len(active) > 0 {
		return domain.Booking{}, "busy", domain.ErrDriverBusy
	}

	booking, err := s.repo.Accept(ctx, id, actor.ID, s.clock.Now())
	switch {
	case err == nil:
		return booking, "won", nil
	case errors.Is(err, domain.ErrNotAvailable):
		return domain.Booking{}, "lost", err
	case errors.Is(err, domain.ErrNotFound):
		return domain.Booking{}, "not_found", err
	default:
		return domain.Booking{}, "error", fmt.Errorf("accept booking: %w", err)
	}
}

// UpdateStatus moves a booking along the lifecycle on behalf of its driver.
func (s *Service) UpdateStatus(ctx context.Context, actor domain.Actor, id uuid.UUID, rawStatus string) (domain.Booking, error) {
	ctx, span := s.tracer.Start(ctx, "booking.update_status", trace.WithAttributes(
		attribute.String("booking.id", id.String()),
		attribute.String("booking.status", rawStatus),
	))
	defer span.End()

	if actor.Role != domain.RoleDriver {
		return domain.Booking{}, domain.ErrDriverOnly
	}
	next, err := domain.ParseStatus(rawStatus)
	if err != nil {
		return domain.Booking{}, err
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}

	if current.Status == domain.StatusPending {
		switch {
		case next == domain.StatusAccepted:
			return s.Accept(ctx, actor, id)
		case current.Status.CanTransitionTo(next):
			// Pending bookings have no driver yet, so no driver may move them.
			return domain.Booking{}, domain.ErrDriverMismatch
		default:
			return domain.Booking{}, domain.ErrInvalidTransition
		}
	}
	if !current.AssignedTo(actor.ID) {
		return domain.Booking{}, domain.ErrDriverMismatch
	}
	if !current.Status.CanTransitionTo(next) {
		return domain.Booking{}, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, current.Status, next)
	}

	updated, err := s.repo.ApplyTransition(ctx, domain.Transition{
		BookingID: id,
		DriverID:  actor.ID,
		From:      current.Status,
		To:        next,
		At:        s.clock.Now(),
	})
	if err != nil {
		span.RecordError(err)
		return domain.Booking{}, err
	}
	transitionsTotal.WithLabelValues(string(next)).Inc()

	s.publish(ctx, updated, eventFor(next), map[string]any{
		"driver_id": actor.ID.String(),
		"from":      string(current.Status),
		"to":        string(next),
	})
	return updated, nil
}

func eventFor(status domain.Status) domain.EventType {
	switch status {
	case domain.StatusAccepted:
		return domain.EventBookingAccepted
	case domain.StatusInProgress:
		return domain.EventBookingStarted
	case domain.StatusCompleted:
		return domain.EventBookingCompleted
	default:
		return domain.EventBookingCancelled
	}
}

// GetActive lists the caller's ongoing bookings, newest first.
func (s *Service) GetActive(ctx context.Context, actor domain.Actor) ([]domain.Booking, error) {
	switch actor.Role {
	case domain.RoleCustomer:
		return s.repo.ListByCustomer(ctx, actor.ID, domain.ActiveForCustomer)
	case domain.RoleDriver:
		return s.repo.ListByDriver(ctx, actor.ID, domain.ActiveForDriver)
	default:
		return nil, fmt.Errorf("%w: unknown role", domain.ErrForbidden)
	}
}

// GetPast lists the caller's completed bookings, most recently completed first.
func (s *Service) GetPast(ctx context.Context, actor domain.Actor) ([]domain.Booking, error) {
	completed := []domain.Status{domain.StatusCompleted}
	var (
		bookings []domain.Booking
		err      error
	)
	switch actor.Role {
	case domain.RoleCustomer:
		bookings, err = s.repo.ListByCustomer(ctx, actor.ID, completed)
	case domain.RoleDriver:
		bookings, err = s.repo.ListByDriver(ctx, actor.ID, completed)
	default:
		return nil, fmt.Errorf("%w: unknown role", domain.ErrForbidden)
	}
	if err != nil {
		return nil, err
	}
	sort.SliceStable(bookings, func(i, j int) bool {
		return completedAt(bookings[i]).After(completedAt(bookings[j]))
	})
	return bookings, nil
}

func completedAt(b domain.Booking) time.Time {
	if b.CompletedAt == nil {
		return b.UpdatedAt
	}
	return *b.CompletedAt
}

// GetCurrent returns the driver's accepted or in-progress booking.
func (s *Service) GetCurrent(ctx context.Context, actor domain.Actor) (domain.Booking, error) {
	if actor.Role != domain.RoleDriver {
		return domain.Booking{}, domain.ErrDriverOnly
	}
	active, err := s.repo.ListByDriver(ctx, actor.ID, domain.ActiveForDriver)
	if err != nil {
		return domain.Booking{}, err
	}
	if len(active) == 0 {
		return domain.Booking{}, domain.ErrNoCurrentBooking
	}
	return active[0], nil
}

// GetBooking returns one booking to its customer, its driver, or any driver
// while it is still pending.
func (s *Service) GetBooking(ctx context.Context, actor domain.Actor, id uuid.UUID) (domain.Booking, error) {
	booking, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	switch {
	case actor.Role == domain.RoleCustomer && booking.CustomerID == actor.ID:
	case actor.Role == domain.RoleDriver && (booking.AssignedTo(actor.ID) || booking.Status == domain.StatusPending):
	default:
		return domain.Booking{}, domain.ErrNotParticipant
	}
	return booking, nil
}

// NearbyQuery describes a proximity search. Zero radius or limit use the
// configured defaults.
type NearbyQuery struct {
	Point        domain.GeoPoint
	RadiusMeters float64
	Limit        int
}

// FindNearbyPending returns pending bookings whose pickup lies within the
// radius, nearest first.
func (s *Service) FindNearbyPending(ctx context.Context, actor domain.Actor, q NearbyQuery) ([]domain.Booking, error) {
	if actor.Role != domain.RoleDriver {
		return nil, domain.ErrDriverOnly
	}
	if !q.Point.Valid() {
		return nil, fmt.Errorf("%w: invalid coordinates", domain.ErrValidation)
	}
	if q.RadiusMeters < 0 || q.RadiusMeters > s.cfg.MaxNearbyRadiusMeters || math.IsNaN(q.RadiusMeters) {
		return nil, fmt.Errorf("%w: radius must be between 0 and %.0f meters", domain.ErrValidation, s.cfg.MaxNearbyRadiusMeters)
	}
	if q.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", domain.ErrValidation)
	}
	if q.RadiusMeters == 0 {
		q.RadiusMeters = s.cfg.NearbyRadiusMeters
	}
	if q.Limit == 0 {
		q.Limit = s.cfg.NearbyLimit
	}

	// The index may still hold bookings that were claimed since they were
	// indexed, so ask for every candidate and filter against the store.
	ids, err := s.geo.Nearby(ctx, q.Point, q.RadiusMeters, 0)
	if err != nil {
		return nil, fmt.Errorf("nearby query: %w", err)
	}
	found, err := s.repo.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load nearby bookings: %w", err)
	}

	out := make([]domain.Booking, 0, q.Limit)
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		booking, ok := found[id]
		if !ok {
			// Indexed but not stored yet: a create is mid-flight.
			continue
		}
		if booking.Status != domain.StatusPending {
			s.evict(ctx, id)
			continue
		}
		if len(out) < q.Limit {
			out = append(out, booking)
		}
	}
	return out, nil
}

func (s *Service) evict(ctx context.Context, id uuid.UUID) {
	if err := s.geo.Remove(ctx, id); err != nil {
		s.logger.Debug("evict stale index entry", zap.Error(err), zap.String("booking_id", id.String()))
	}
}

// CanObserve reports whether actor may subscribe to the booking's location room.
func (s *Service) CanObserve(ctx context.Context, actor domain.Actor, bookingID uuid.UUID) error {
	booking, err := s.repo.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if actor.Role == domain.RoleCustomer && booking.CustomerID == actor.ID {
		return nil
	}
	if actor.Role == domain.RoleDriver && booking.AssignedTo(actor.ID) {
		return nil
	}
	return domain.ErrNotParticipant
}

// CanPublish reports whether actor may publish positions for the booking.
func (s *Service) CanPublish(ctx context.Context, actor domain.Actor, bookingID uuid.UUID) error {
	if actor.Role != domain.RoleDriver {
		return domain.ErrDriverOnly
	}
	booking, err := s.repo.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if !booking.AssignedTo(actor.ID) {
		return domain.ErrDriverMismatch
	}
	if booking.Status != domain.StatusAccepted && booking.Status != domain.StatusInProgress {
		return domain.ErrNotTracking
	}
	return nil
}

func (s *Service) publish(ctx context.Context, booking domain.Booking, eventType domain.EventType, payload map[string]any) {
	event := domain.Event{
		ID:        uuid.New(),
		BookingID: booking.ID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: s.clock.Now(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("publish booking event", zap.Error(err), zap.String("type", string(eventType)), zap.String("booking_id", booking.ID.String()))
	}
}

func validateTrip(pickup, dropoff domain.GeoPoint, vehicle domain.VehicleType) error {
	if !vehicle.Valid() {
		return fmt.Errorf("%w: vehicleType must be one of bike, car, truck", domain.ErrValidation)
	}
	if !pickup.Valid() || !dropoff.Valid() {
		return fmt.Errorf("%w: pickup and dropoff must be [longitude, latitude]", domain.ErrValidation)
	}
	return nil
}
