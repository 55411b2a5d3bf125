package geoindex

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmcloughlin/geohash"

	"github.com/example/ridebooking/internal/booking/domain"
)

const maxPrecision = 6

// Approximate geohash cell size in meters at the equator, indexed by precision.
var (
	cellWidth  = [maxPrecision + 1]float64{0, 5009400, 1252300, 156500, 39100, 4900, 1200}
	cellHeight = [maxPrecision + 1]float64{0, 4992600, 624100, 156000, 19500, 4900, 609.4}
)

type entry struct {
	point domain.GeoPoint
	hash  string
}

// MemoryIndex buckets pickup points by geohash prefix. A query scans the 3x3
// neighbourhood of cells at the finest precision whose cells are at least as
// large as the radius, then filters by exact distance.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]entry
	buckets [maxPrecision + 1]map[string]map[uuid.UUID]struct{}
}

// NewMemoryIndex constructs an empty index.
func NewMemoryIndex() *MemoryIndex {
	idx := &MemoryIndex{entries: make(map[uuid.UUID]entry)}
	for p := 1; p <= maxPrecision; p++ {
		idx.buckets[p] = make(map[string]map[uuid.UUID]struct{})
	}
	return idx
}

// Add indexes the booking's pickup point, replacing any previous position.
func (m *MemoryIndex) Add(_ context.Context, booking domain.Booking) error {
	hash := geohash.EncodeWithPrecision(booking.Pickup.Lat, booking.Pickup.Lng, maxPrecision)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(booking.ID)
	m.entries[booking.ID] = entry{point: booking.Pickup, hash: hash}
	for p := 1; p <= maxPrecision; p++ {
		cell := hash[:p]
		bucket, ok := m.buckets[p][cell]
		if !ok {
			bucket = make(map[uuid.UUID]struct{})
			m.buckets[p][cell] = bucket
		}
		bucket[booking.ID] = struct{}{}
	}
	return nil
}

// Remove drops id from the index. Unknown ids are ignored.
func (m *MemoryIndex) Remove(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
	return nil
}

func (m *MemoryIndex) removeLocked(id uuid.UUID) {
	e, ok := m.entries[id]
	if !ok {
		return
	}
	delete(m.entries, id)
	for p := 1; p <= maxPrecision; p++ {
		cell := e.hash[:p]
		bucket := m.buckets[p][cell]
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(m.buckets[p], cell)
		}
	}
}

type candidate struct {
	id       uuid.UUID
	distance float64
}

// Nearby returns ids within radiusMeters of point, nearest first.
func (m *MemoryIndex) Nearby(_ context.Context, point domain.GeoPoint, radiusMeters float64, limit int) ([]uuid.UUID, error) {
	start := time.Now()
	m.mu.RLock()
	var found []candidate
	consider := func(id uuid.UUID) {
		e := m.entries[id]
		if d := Distance(point, e.point); d <= radiusMeters {
			found = append(found, candidate{id: id, distance: d})
		}
	}
	precision := precisionFor(point.Lat, radiusMeters)
	if precision == 0 {
		for id := range m.entries {
			consider(id)
		}
	} else {
		center := geohash.EncodeWithPrecision(point.Lat, point.Lng, uint(precision))
		seen := make(map[string]struct{}, 9)
		for _, cell := range append([]string{center}, geohash.Neighbors(center)...) {
			if _, dup := seen[cell]; dup {
				continue
			}
			seen[cell] = struct{}{}
			for id := range m.buckets[precision][cell] {
				consider(id)
			}
		}
	}
	m.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool {
		if found[i].distance == found[j].distance {
			return found[i].id.String() < found[j].id.String()
		}
		return found[i].distance < found[j].distance
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	ids := make([]uuid.UUID, len(found))
	for i, c := range found {
		ids[i] = c.id
	}
	observe("memory", time.Since(start).Seconds(), len(ids))
	return ids, nil
}

// precisionFor picks the finest geohash precision whose cells are no smaller
// than radius at the given latitude. Zero means the radius is too large for a
// neighbourhood scan.
func precisionFor(lat, radius float64) int {
	shrink := math.Cos(lat * math.Pi / 180)
	for p := maxPrecision; p >= 1; p-- {
		if math.Min(cellWidth[p]*shrink, cellHeight[p]) >= radius {
			return p
		}
	}
	return 0
}
