package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const subjectPrefix = "booking.location."

// NATSBackplane shares location updates between instances over NATS subjects
// booking.location.<bookingID>.
type NATSBackplane struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	logger *zap.Logger
}

// NewNATSBackplane wraps an open connection.
func NewNATSBackplane(conn *nats.Conn, logger *zap.Logger) *NATSBackplane {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSBackplane{conn: conn, logger: logger}
}

func subjectFor(bookingID uuid.UUID) string {
	return subjectPrefix + bookingID.String()
}

func bookingFromSubject(subject string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(subject, subjectPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("unexpected subject %q", subject)
	}
	return uuid.Parse(raw)
}

// Publish sends loc on the booking's subject.
func (b *NATSBackplane) Publish(_ context.Context, bookingID uuid.UUID, loc Location) error {
	payload, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("marshal location: %w", err)
	}
	return b.conn.Publish(subjectFor(bookingID), payload)
}

// Subscribe listens on every booking subject and hands decoded updates to
// deliver. NATS runs the callback sequentially, which keeps per-room order.
func (b *NATSBackplane) Subscribe(deliver func(uuid.UUID, Location)) error {
	sub, err := b.conn.Subscribe(subjectPrefix+"*", func(msg *nats.Msg) {
		bookingID, err := bookingFromSubject(msg.Subject)
		if err != nil {
			b.logger.Warn("ignoring location message", zap.Error(err))
			return
		}
		var loc Location
		if err := json.Unmarshal(msg.Data, &loc); err != nil {
			b.logger.Warn("invalid location payload", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		deliver(bookingID, loc)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	b.sub = sub
	return nil
}

// Close drops the subscription. The connection belongs to the caller.
func (b *NATSBackplane) Close() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}
