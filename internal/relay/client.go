package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event names on the websocket channel.
const (
	EventJoin            = "join-booking-room"
	EventLeave           = "leave-booking-room"
	EventUpdateLocation  = "update-driver-location"
	EventLocationUpdated = "driver-location-updated"
	EventError           = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	controlBuffer  = 8
	requestTimeout = 5 * time.Second
)

// Envelope frames every websocket message.
type Envelope struct {
	Event     string          `json:"event"`
	BookingID *uuid.UUID      `json:"bookingId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// LocationReport is the payload of update-driver-location.
type LocationReport struct {
	BookingID uuid.UUID `json:"bookingId"`
	Location  Location  `json:"location"`
}

type errorPayload struct {
	Message string `json:"message"`
}

var errUnknownEvent = errors.New("unknown event")

type client struct {
	relay  *Relay
	conn   *websocket.Conn
	sub    *Subscriber
	out    chan []byte
	done   chan struct{}
	logger *zap.Logger
}

func newClient(relay *Relay, conn *websocket.Conn, sub *Subscriber, logger *zap.Logger) *client {
	return &client{
		relay:  relay,
		conn:   conn,
		sub:    sub,
		out:    make(chan []byte, controlBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.relay.Hub().LeaveAll(c.sub)
		close(c.done)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("websocket closed", zap.Error(err))
			}
			return
		}
		if err := c.handle(ctx, raw); err != nil {
			c.sendError(err)
		}
	}
}

func (c *client) handle(ctx context.Context, raw []byte) error {
	var msg Envelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errors.New("malformed message")
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch msg.Event {
	case EventJoin:
		bookingID, err := decodeBookingID(msg.Data)
		if err != nil {
			return err
		}
		return c.relay.Join(ctx, bookingID, c.sub)
	case EventLeave:
		bookingID, err := decodeBookingID(msg.Data)
		if err != nil {
			return err
		}
		c.relay.Leave(bookingID, c.sub)
		return nil
	case EventUpdateLocation:
		var report LocationReport
		if err := json.Unmarshal(msg.Data, &report); err != nil {
			return errors.New("location update must be {bookingId, location}")
		}
		if report.Location.RecordedAt.IsZero() {
			report.Location.RecordedAt = time.Now().UTC()
		}
		return c.relay.Publish(ctx, c.sub.Actor, report.BookingID, report.Location)
	default:
		return errUnknownEvent
	}
}

func decodeBookingID(data json.RawMessage) (uuid.UUID, error) {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return uuid.Nil, errors.New("booking id must be a string")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("invalid booking id")
	}
	return id, nil
}

func (c *client) sendError(err error) {
	data, _ := json.Marshal(errorPayload{Message: err.Error()})
	frame, _ := json.Marshal(Envelope{Event: EventError, Data: data})
	select {
	case c.out <- frame:
	case <-c.done:
	default:
		c.logger.Debug("dropping error frame", zap.Error(err))
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case update := <-c.sub.Updates():
			data, err := json.Marshal(update.Location)
			if err != nil {
				continue
			}
			bookingID := update.BookingID
			frame, err := json.Marshal(Envelope{Event: EventLocationUpdated, BookingID: &bookingID, Data: data})
			if err != nil {
				continue
			}
			if !c.write(frame) {
				return
			}
		case frame := <-c.out:
			if !c.write(frame) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *client) write(frame []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Debug("websocket write failed", zap.Error(err))
		return false
	}
	return true
}
