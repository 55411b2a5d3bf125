// Package outbox holds the event sinks the booking service can publish to
// directly.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/ridebooking/internal/booking/domain"
)

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher sends every booking event to one NATS subject, bypassing the
// Postgres outbox.
type Publisher struct {
	conn    msgPublisher
	subject string
}

// NewPublisher returns a Publisher that drops events when conn is nil.
func NewPublisher(conn *nats.Conn, subject string) *Publisher {
	if conn == nil {
		return &Publisher{subject: subject}
	}
	return &Publisher{conn: conn, subject: subject}
}

func (p *Publisher) Publish(ctx context.Context, event domain.Event) error {
	if p == nil || p.conn == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.Type, err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set("x-event-type", string(event.Type))
	msg.Header.Set("x-booking-id", event.BookingID.String())
	if id := traceID(ctx); id != "" {
		msg.Header.Set("x-trace-id", id)
	}
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", event.Type, err)
	}
	return nil
}

func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
