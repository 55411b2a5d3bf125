// Package outbox drains persisted booking events to NATS.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	dispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_outbox_dispatched_total",
		Help: "Outbox records handed to NATS, by result.",
	}, []string{"result"})
	dispatchLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "booking_outbox_lag_seconds",
		Help:    "Time between an event being stored and it reaching NATS.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})
)

var errMissingTopic = errors.New("outbox record has no topic")

// WorkerConfig tunes the drain loop.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
	Backoff      time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
	return c
}

// delay grows quadratically with the attempt number.
func (c WorkerConfig) delay(attempt int) time.Duration {
	return time.Duration(attempt*attempt) * c.Backoff
}

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker moves claimed records to NATS. Records are marked published per
// batch, and only when the whole batch went out.
type Worker struct {
	store  Store
	nc     natsPublisher
	cfg    WorkerConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewWorker builds a worker over store and the NATS connection.
func NewWorker(store Store, nc natsPublisher, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:  store,
		nc:     nc,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("outbox"),
		tracer: otel.Tracer("ridebooking/outbox"),
	}
}

// Run drains until ctx is done. A full batch is followed immediately by
// another claim; otherwise the worker sleeps for PollInterval.
func (w *Worker) Run(ctx context.Context) error {
	if w.store == nil || w.nc == nil {
		return errors.New("outbox worker needs a store and a NATS connection")
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		n, err := w.drain(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("drain failed", zap.Error(err))
		}
		wait := w.cfg.PollInterval
		if err == nil && n == w.cfg.BatchSize {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// drain claims one batch and returns how many records it published.
func (w *Worker) drain(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "outbox.drain")
	defer span.End()

	batch, err := w.store.Claim(ctx, w.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	records := batch.Records()
	span.SetAttributes(attribute.Int("outbox.claimed", len(records)))
	if len(records) == 0 {
		return 0, batch.Commit()
	}

	sent := make([]int64, 0, len(records))
	for _, rec := range records {
		if err := w.deliver(ctx, rec); err != nil {
			span.SetStatus(codes.Error, err.Error())
			_ = batch.Rollback()
			return 0, err
		}
		sent = append(sent, rec.ID)
		dispatchLag.Observe(time.Since(rec.CreatedAt).Seconds())
	}
	if err := batch.MarkPublished(ctx, sent); err != nil {
		_ = batch.Rollback()
		return 0, err
	}
	if err := batch.Commit(); err != nil {
		return 0, err
	}
	return len(sent), nil
}

func (w *Worker) deliver(ctx context.Context, rec Record) error {
	msg, err := w.message(ctx, rec)
	if err != nil {
		dispatchedTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("outbox %d: %w", rec.ID, err)
	}
	for attempt := 1; ; attempt++ {
		err = w.nc.PublishMsg(msg)
		if err == nil {
			dispatchedTotal.WithLabelValues("ok").Inc()
			return nil
		}
		log := w.logger.With(zap.Int64("outbox_id", rec.ID), zap.Int("attempt", attempt))
		if attempt >= w.cfg.RetryMax {
			dispatchedTotal.WithLabelValues("failed").Inc()
			log.Error("giving up on record", zap.Error(err))
			return fmt.Errorf("outbox %d after %d attempts: %w", rec.ID, attempt, err)
		}
		log.Warn("publish failed, retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.delay(attempt)):
		}
	}
}

func (w *Worker) message(ctx context.Context, rec Record) (*nats.Msg, error) {
	if rec.Topic == "" {
		return nil, errMissingTopic
	}
	msg := nats.NewMsg(rec.Topic)
	msg.Data = rec.Payload
	msg.Header.Set("x-event-type", rec.EventType)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-%s", sc.TraceID(), sc.SpanID(), sc.TraceFlags()))
	}
	return msg, nil
}
