package outbox

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/ridebooking/internal/booking/domain"
)

type memoryStore struct {
	mu        sync.Mutex
	records   []Record
	published map[int64]bool
	commits   int
	rollbacks int
}

func newMemoryStore(records ...Record) *memoryStore {
	return &memoryStore{records: records, published: make(map[int64]bool)}
}

func (s *memoryStore) Claim(_ context.Context, limit int) (Batch, error) {
	s.mu.Lock()
	var pending []Record
	for _, rec := range s.records {
		if !s.published[rec.ID] && len(pending) < limit {
			pending = append(pending, rec)
		}
	}
	return &memoryBatch{store: s, records: pending}, nil
}

func (s *memoryStore) isPublished(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published[id]
}

// memoryBatch holds the store lock until Commit or Rollback, like a row lock.
type memoryBatch struct {
	store   *memoryStore
	records []Record
	marked  []int64
}

func (b *memoryBatch) Records() []Record { return b.records }

func (b *memoryBatch) MarkPublished(_ context.Context, ids []int64) error {
	b.marked = append(b.marked, ids...)
	return nil
}

func (b *memoryBatch) Commit() error {
	for _, id := range b.marked {
		b.store.published[id] = true
	}
	b.store.commits++
	b.store.mu.Unlock()
	return nil
}

func (b *memoryBatch) Rollback() error {
	b.store.rollbacks++
	b.store.mu.Unlock()
	return nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (r *recordingPublisher) PublishMsg(msg *nats.Msg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type flakyPublisher struct {
	base    natsPublisher
	failFor int32
	calls   int32
}

func (f *flakyPublisher) PublishMsg(msg *nats.Msg) error {
	atomic.AddInt32(&f.calls, 1)
	if atomic.LoadInt32(&f.failFor) > 0 {
		atomic.AddInt32(&f.failFor, -1)
		return errors.New("simulated nats outage")
	}
	return f.base.PublishMsg(msg)
}

func TestWorkerPublishesOutboxEntries(t *testing.T) {
	store := newMemoryStore(
		Record{ID: 1, Topic: DefaultTopic, EventType: "BookingCreated", Payload: []byte(`{"id":1}`), CreatedAt: time.Now()},
		Record{ID: 2, Topic: DefaultTopic, EventType: "BookingAccepted", Payload: []byte(`{"id":2}`), CreatedAt: time.Now()},
	)
	pub := &recordingPublisher{}
	worker := NewWorker(store, pub, zap.NewNop(), WorkerConfig{BatchSize: 10})

	n, err := worker.drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, pub.count())
	require.Equal(t, []byte(`{"id":1}`), pub.msgs[0].Data)
	require.Equal(t, "BookingAccepted", pub.msgs[1].Header.Get("x-event-type"))
	require.True(t, store.isPublished(1))
	require.True(t, store.isPublished(2))

	n, err = worker.drain(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 2, pub.count())
}

func TestWorkerRetriesOnFailure(t *testing.T) {
	store := newMemoryStore(Record{ID: 7, Topic: DefaultTopic, Payload: []byte(`{"retry":true}`), CreatedAt: time.Now()})
	pub := &recordingPublisher{}
	flaky := &flakyPublisher{base: pub, failFor: 2}
	worker := NewWorker(store, flaky, nil, WorkerConfig{RetryMax: 5, Backoff: time.Millisecond})

	_, err := worker.drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&flaky.calls))
	require.Equal(t, 1, pub.count())
	require.True(t, store.isPublished(7))
}

func TestWorkerRollsBackWhenRetriesExhausted(t *testing.T) {
	store := newMemoryStore(
		Record{ID: 1, Topic: DefaultTopic, Payload: []byte(`{}`), CreatedAt: time.Now()},
		Record{ID: 2, Topic: "", Payload: []byte(`{}`), CreatedAt: time.Now()},
	)
	worker := NewWorker(store, &recordingPublisher{}, nil, WorkerConfig{})
	_, err := worker.drain(context.Background())
	require.Error(t, err)
	require.False(t, store.isPublished(1))
	require.Equal(t, 1, store.rollbacks)

	flaky := &flakyPublisher{base: &recordingPublisher{}, failFor: 10}
	store = newMemoryStore(Record{ID: 3, Topic: DefaultTopic, Payload: []byte(`{}`), CreatedAt: time.Now()})
	worker = NewWorker(store, flaky, nil, WorkerConfig{RetryMax: 2, Backoff: time.Millisecond})
	_, err = worker.drain(context.Background())
	require.Error(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&flaky.calls))
	require.False(t, store.isPublished(3))
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	store := newMemoryStore(Record{ID: 1, Topic: DefaultTopic, Payload: []byte(`{}`), CreatedAt: time.Now()})
	pub := &recordingPublisher{}
	worker := NewWorker(store, pub, nil, WorkerConfig{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()
	require.Eventually(t, func() bool { return store.isPublished(1) }, time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	require.Error(t, NewWorker(nil, pub, nil, WorkerConfig{}).Run(context.Background()))
}

func TestSQLStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLStore(db, "")
	require.NoError(t, store.EnsureSchema(ctx))
	_, err = db.ExecContext(ctx, `TRUNCATE booking_outbox`)
	require.NoError(t, err)

	event := domain.Event{ID: uuid.New(), BookingID: uuid.New(), Type: domain.EventBookingCreated, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.Publish(ctx, event))

	pub := &recordingPublisher{}
	worker := NewWorker(store, pub, nil, WorkerConfig{})
	_, err = worker.drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pub.count())
	require.Equal(t, DefaultTopic, pub.msgs[0].Subject)
	require.Equal(t, string(domain.EventBookingCreated), pub.msgs[0].Header.Get("x-event-type"))

	var pending int
	require.NoError(t, db.GetContext(ctx, &pending, `SELECT count(*) FROM booking_outbox WHERE NOT published`))
	require.Zero(t, pending)
}
