package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridebooking/internal/booking/domain"
)

// MemoryRepository provides an in-memory implementation suitable for tests and local demos.
// Every conditional update runs under the write lock, which makes the check and
// the write a single step.
type MemoryRepository struct {
	mu       sync.RWMutex
	bookings map[uuid.UUID]domain.Booking
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{bookings: make(map[uuid.UUID]domain.Booking)}
}

// Create stores the booking and returns it.
func (m *MemoryRepository) Create(_ context.Context, booking domain.Booking) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking.Version = 1
	m.bookings[booking.ID] = booking
	return booking, nil
}

// Get retrieves a booking.
func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	booking, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	return booking, nil
}

// GetMany returns the bookings that exist among ids.
func (m *MemoryRepository) GetMany(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uuid.UUID]domain.Booking, len(ids))
	for _, id := range ids {
		if booking, ok := m.bookings[id]; ok {
			out[id] = booking
		}
	}
	return out, nil
}

// Accept claims a pending booking for driverID.
func (m *MemoryRepository) Accept(_ context.Context, id, driverID uuid.UUID, at time.Time) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	if booking.Status != domain.StatusPending {
		return domain.Booking{}, domain.ErrNotAvailable
	}
	driver := driverID
	booking.DriverID = &driver
	booking.Stamp(domain.StatusAccepted, at)
	booking.Version++
	m.bookings[id] = booking
	return booking, nil
}

// ApplyTransition moves a booking held by t.DriverID from t.From to t.To.
func (m *MemoryRepository) ApplyTransition(_ context.Context, t domain.Transition) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking, ok := m.bookings[t.BookingID]
	if !ok {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	if !booking.AssignedTo(t.DriverID) {
		return domain.Booking{}, domain.ErrDriverMismatch
	}
	if booking.Status != t.From {
		return domain.Booking{}, domain.ErrStaleTransition
	}
	booking.Stamp(t.To, t.At)
	booking.Version++
	m.bookings[t.BookingID] = booking
	return booking, nil
}

// ListByCustomer returns the customer's bookings in the given statuses, newest first.
func (m *MemoryRepository) ListByCustomer(_ context.Context, customerID uuid.UUID, statuses []domain.Status) ([]domain.Booking, error) {
	return m.list(func(b domain.Booking) bool { return b.CustomerID == customerID }, statuses), nil
}

// ListByDriver returns the driver's bookings in the given statuses, newest first.
func (m *MemoryRepository) ListByDriver(_ context.Context, driverID uuid.UUID, statuses []domain.Status) ([]domain.Booking, error) {
	return m.list(func(b domain.Booking) bool { return b.AssignedTo(driverID) }, statuses), nil
}

func (m *MemoryRepository) list(owned func(domain.Booking) bool, statuses []domain.Status) []domain.Booking {
	wanted := make(map[domain.Status]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Booking, 0)
	for _, booking := range m.bookings {
		if _, ok := wanted[booking.Status]; !ok || !owned(booking) {
			continue
		}
		out = append(out, booking)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
