package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/example/ridebooking/internal/booking/domain"
)

// DefaultTopic is the subject booking events are published on.
const DefaultTopic = "booking.events"

// Record is one row of the outbox table.
type Record struct {
	ID        int64     `db:"id"`
	Topic     string    `db:"topic"`
	EventType string    `db:"event_type"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

// Batch is a claimed set of records. Records stay locked until Commit or
// Rollback.
type Batch interface {
	Records() []Record
	MarkPublished(ctx context.Context, ids []int64) error
	Commit() error
	Rollback() error
}

// Store hands out unpublished records.
type Store interface {
	Claim(ctx context.Context, limit int) (Batch, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS booking_outbox (
	id         BIGSERIAL PRIMARY KEY,
	topic      TEXT        NOT NULL,
	event_type TEXT        NOT NULL,
	payload    JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	published  BOOLEAN     NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS booking_outbox_pending_idx ON booking_outbox (id) WHERE NOT published;`

const (
	insertQuery = `INSERT INTO booking_outbox (topic, event_type, payload, created_at) VALUES ($1, $2, $3, $4)`
	claimQuery  = `SELECT id, topic, event_type, payload, created_at FROM booking_outbox
    WHERE published = false ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`
	markQuery = `UPDATE booking_outbox SET published = true WHERE id IN (?)`
)

// SQLStore keeps the outbox in Postgres. It also implements
// domain.EventPublisher so the booking service can write events into it.
type SQLStore struct {
	db    *sqlx.DB
	topic string
}

// NewSQLStore wraps a pgx-backed sqlx handle.
func NewSQLStore(db *sqlx.DB, topic string) *SQLStore {
	if topic == "" {
		topic = DefaultTopic
	}
	return &SQLStore{db: db, topic: topic}
}

// EnsureSchema creates the outbox table when missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create outbox schema: %w", err)
	}
	return nil
}

// Publish appends the event to the outbox.
func (s *SQLStore) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, insertQuery, s.topic, string(event.Type), payload, event.CreatedAt); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// Claim locks up to limit unpublished records. Concurrent workers skip each
// other's rows.
func (s *SQLStore) Claim(ctx context.Context, limit int) (Batch, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	var records []Record
	if err := tx.SelectContext(ctx, &records, claimQuery, limit); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("select outbox: %w", err)
	}
	return &sqlBatch{tx: tx, records: records}, nil
}

type sqlBatch struct {
	tx      *sqlx.Tx
	records []Record
}

func (b *sqlBatch) Records() []Record { return b.records }

func (b *sqlBatch) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(markQuery, ids)
	if err != nil {
		return fmt.Errorf("build mark query: %w", err)
	}
	if _, err := b.tx.ExecContext(ctx, b.tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (b *sqlBatch) Commit() error   { return b.tx.Commit() }
func (b *sqlBatch) Rollback() error { return b.tx.Rollback() }
