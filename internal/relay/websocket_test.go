package relay_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/example/ridebooking/internal/auth"
	"github.com/example/ridebooking/internal/booking/domain"
	"github.com/example/ridebooking/internal/booking/geoindex"
	"github.com/example/ridebooking/internal/booking/repository"
	"github.com/example/ridebooking/internal/booking/service"
	"github.com/example/ridebooking/internal/relay"
)

const secret = "relay-secret"

type noPricing struct{}

func (noPricing) Estimate(context.Context, domain.GeoPoint, domain.GeoPoint, domain.VehicleType) (domain.Estimate, error) {
	return domain.Estimate{}, nil
}

type env struct {
	t   *testing.T
	srv *httptest.Server
	svc *service.Service
	hub *relay.Hub
}

func newEnv(t *testing.T) *env {
	t.Helper()
	svc := service.New(repository.NewMemoryRepository(), geoindex.NewMemoryIndex(), noPricing{})
	hub := relay.NewHub(nil)
	r := chi.NewRouter()
	r.With(auth.Middleware(secret)).Handle("/ws", relay.NewHandler(relay.New(hub, svc), nil, nil))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &env{t: t, srv: srv, svc: svc, hub: hub}
}

func (e *env) actor(role domain.Role) domain.Actor {
	return domain.Actor{ID: uuid.New(), Role: role}
}

func (e *env) dial(actor domain.Actor) *websocket.Conn {
	e.t.Helper()
	token, err := auth.NewIssuer(secret, time.Hour).Issue(auth.User{ID: actor.ID, Role: actor.Role})
	require.NoError(e.t, err)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(relay.Envelope{Event: event, Data: raw}))
}

func receive(t *testing.T, conn *websocket.Conn) relay.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg relay.Envelope
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func errorMessage(t *testing.T, msg relay.Envelope) string {
	t.Helper()
	require.Equal(t, relay.EventError, msg.Event)
	var body struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	return body.Message
}

func (e *env) acceptedBooking(customer, driver domain.Actor) domain.Booking {
	e.t.Helper()
	ctx := context.Background()
	booking, err := e.svc.Create(ctx, customer, "", service.CreateRequest{
		VehicleType: domain.VehicleCar,
		Pickup:      domain.GeoPoint{Lng: 77.59, Lat: 12.97},
		Dropoff:     domain.GeoPoint{Lng: 77.64, Lat: 13.00},
		Price:       150,
	})
	require.NoError(e.t, err)
	booking, err = e.svc.Accept(ctx, driver, booking.ID)
	require.NoError(e.t, err)
	return booking
}

func TestCustomerReceivesDriverLocation(t *testing.T) {
	e := newEnv(t)
	customer, driver := e.actor(domain.RoleCustomer), e.actor(domain.RoleDriver)
	booking := e.acceptedBooking(customer, driver)
	_, err := e.svc.UpdateStatus(context.Background(), driver, booking.ID, string(domain.StatusInProgress))
	require.NoError(t, err)

	watcher := e.dial(customer)
	send(t, watcher, relay.EventJoin, booking.ID.String())
	require.Eventually(t, func() bool { return e.hub.Members(booking.ID) == 1 }, 2*time.Second, 10*time.Millisecond)

	car := e.dial(driver)
	for i := 0; i < 3; i++ {
		send(t, car, relay.EventUpdateLocation, map[string]any{
			"bookingId": booking.ID,
			"location":  map[string]any{"coordinates": []float64{77.59 + float64(i)/100, 12.97}},
		})
	}
	for i := 0; i < 3; i++ {
		msg := receive(t, watcher)
		require.Equal(t, relay.EventLocationUpdated, msg.Event)
		require.NotNil(t, msg.BookingID)
		require.Equal(t, booking.ID, *msg.BookingID)
		var got relay.Location
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		require.InDelta(t, 77.59+float64(i)/100, got.Point.Lng, 1e-9)
		require.False(t, got.RecordedAt.IsZero())
	}

	send(t, watcher, relay.EventLeave, booking.ID.String())
	require.Eventually(t, func() bool { return e.hub.Members(booking.ID) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestJoinRequiresParticipant(t *testing.T) {
	e := newEnv(t)
	customer, driver := e.actor(domain.RoleCustomer), e.actor(domain.RoleDriver)
	booking := e.acceptedBooking(customer, driver)

	stranger := e.dial(e.actor(domain.RoleCustomer))
	send(t, stranger, relay.EventJoin, booking.ID.String())
	require.Contains(t, errorMessage(t, receive(t, stranger)), "not a participant")
	require.Equal(t, 0, e.hub.Members(booking.ID))

	send(t, stranger, relay.EventJoin, uuid.NewString())
	require.Contains(t, errorMessage(t, receive(t, stranger)), "not found")

	send(t, stranger, relay.EventJoin, 42)
	require.Contains(t, errorMessage(t, receive(t, stranger)), "booking id")

	send(t, stranger, "dance", nil)
	require.Contains(t, errorMessage(t, receive(t, stranger)), "unknown event")
}

func TestPublishRequiresAssignedDriverWhileDriving(t *testing.T) {
	e := newEnv(t)
	customer, driver := e.actor(domain.RoleCustomer), e.actor(domain.RoleDriver)
	booking := e.acceptedBooking(customer, driver)
	update := map[string]any{
		"bookingId": booking.ID,
		"location":  map[string]any{"coordinates": []float64{77.6, 12.98}},
	}

	other := e.dial(e.actor(domain.RoleDriver))
	send(t, other, relay.EventUpdateLocation, update)
	require.Contains(t, errorMessage(t, receive(t, other)), "driver not assigned")

	cust := e.dial(customer)
	send(t, cust, relay.EventUpdateLocation, update)
	require.Contains(t, errorMessage(t, receive(t, cust)), "only driver")

	ctx := context.Background()
	_, err := e.svc.UpdateStatus(ctx, driver, booking.ID, string(domain.StatusInProgress))
	require.NoError(t, err)
	_, err = e.svc.UpdateStatus(ctx, driver, booking.ID, string(domain.StatusCompleted))
	require.NoError(t, err)

	car := e.dial(driver)
	send(t, car, relay.EventUpdateLocation, update)
	require.Contains(t, errorMessage(t, receive(t, car)), "not being driven")

	send(t, car, relay.EventUpdateLocation, map[string]any{
		"bookingId": booking.ID,
		"location":  map[string]any{"coordinates": []float64{190, 12.98}},
	})
	require.Contains(t, errorMessage(t, receive(t, car)), "out of range")
}

func TestHandshakeRequiresToken(t *testing.T) {
	e := newEnv(t)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 401, resp.StatusCode)
}
