// Package location ingests driver positions over a gRPC client stream and
// hands them to the relay.
package location

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/example/ridebooking/internal/auth"
	"github.com/example/ridebooking/internal/booking/domain"
	"github.com/example/ridebooking/internal/relay"
)

// Publisher is the part of the relay the ingest needs.
type Publisher interface {
	Publish(ctx context.Context, actor domain.Actor, bookingID uuid.UUID, loc relay.Location) error
}

// Server implements the LocationServer interface.
type Server struct {
	secret    string
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewServer constructs a server that verifies tokens signed with secret.
func NewServer(secret string, publisher Publisher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{secret: secret, publisher: publisher, logger: logger, now: time.Now}
}

// StreamLocation relays every report the caller is allowed to publish.
// Permission errors are counted in the ack; transport errors end the stream.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	ctx := stream.Context()
	actor, err := s.authenticate(ctx)
	if err != nil {
		return err
	}
	logger := s.logger.With(zap.String("driver_id", actor.ID.String()))

	ack := &Ack{}
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(ack)
		}
		if err != nil {
			return err
		}
		if err := s.relay(ctx, actor, msg); err != nil {
			ack.Rejected++
			ingestTotal.WithLabelValues("rejected").Inc()
			logger.Debug("location report rejected", zap.String("booking_id", msg.BookingId), zap.Error(err))
			if !errors.Is(err, domain.ErrValidation) && !errors.Is(err, domain.ErrForbidden) && !errors.Is(err, domain.ErrNotFound) {
				return status.Error(codes.Unavailable, err.Error())
			}
			continue
		}
		ack.Accepted++
		ingestTotal.WithLabelValues("accepted").Inc()
	}
}

func (s *Server) relay(ctx context.Context, actor domain.Actor, msg *LocationReport) error {
	bookingID, err := uuid.Parse(msg.BookingId)
	if err != nil {
		return domain.ErrBookingNotFound
	}
	recorded := s.now().UTC()
	if msg.Ts > 0 {
		recorded = time.UnixMilli(msg.Ts).UTC()
	}
	return s.publisher.Publish(ctx, actor, bookingID, relay.Location{
		Point:      domain.GeoPoint{Lng: msg.Lng, Lat: msg.Lat},
		Heading:    msg.Heading,
		Speed:      msg.Speed,
		RecordedAt: recorded,
	})
}

func (s *Server) authenticate(ctx context.Context) (domain.Actor, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var raw string
	if values := md.Get("authorization"); len(values) > 0 {
		raw = values[0]
	}
	token := auth.TokenFromHeader(raw)
	if token == "" {
		return domain.Actor{}, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return domain.Actor{}, status.Error(codes.Unauthenticated, "invalid token")
	}
	actor, err := claims.Actor()
	if err != nil {
		return domain.Actor{}, status.Error(codes.Unauthenticated, "invalid token")
	}
	if actor.Role != domain.RoleDriver {
		return domain.Actor{}, status.Error(codes.PermissionDenied, domain.ErrDriverOnly.Error())
	}
	return actor, nil
}
