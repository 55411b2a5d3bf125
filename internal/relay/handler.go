package relay

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/ridebooking/internal/auth"
)

// Handler upgrades authenticated requests to relay websockets.
type Handler struct {
	relay    *Relay
	upgrader websocket.Upgrader
	buffer   int
	logger   *zap.Logger
}

// NewHandler builds the websocket endpoint. checkOrigin may be nil to accept
// any origin; callers authenticate with a bearer token either way.
func NewHandler(relay *Relay, checkOrigin func(*http.Request) bool, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		relay: relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		buffer: defaultSubscriberBuffer,
		logger: logger,
	}
}

// ServeHTTP expects auth.Middleware to have run. It blocks until the
// connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	connectionsGauge.Inc()
	defer connectionsGauge.Dec()

	logger := h.logger.With(zap.String("actor_id", actor.ID.String()), zap.String("role", string(actor.Role)))
	c := newClient(h.relay, conn, NewSubscriber(actor, h.buffer), logger)
	go c.writePump()
	c.readPump(r.Context())
}
