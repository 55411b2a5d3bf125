package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/ridebooking/internal/auth"
	"github.com/example/ridebooking/internal/booking/domain"
	"github.com/example/ridebooking/internal/booking/geoindex"
	"github.com/example/ridebooking/internal/booking/handler"
	"github.com/example/ridebooking/internal/booking/repository"
	"github.com/example/ridebooking/internal/booking/service"
	"github.com/example/ridebooking/internal/http/validation"
)

const secret = "handler-secret"

type stubPricing struct{ err error }

func (s stubPricing) Estimate(context.Context, domain.GeoPoint, domain.GeoPoint, domain.VehicleType) (domain.Estimate, error) {
	return domain.Estimate{EstimatedPrice: 114, Distance: 6.36, SurgeMultiplier: 1, DurationSeconds: 654}, s.err
}

type client struct {
	t     *testing.T
	srv   *httptest.Server
	token string
	actor domain.Actor
}

func newServer(t *testing.T, pricing domain.PricingGateway) *httptest.Server {
	t.Helper()
	svc := service.New(repository.NewMemoryRepository(), geoindex.NewMemoryIndex(), pricing,
		service.WithIdempotency(repository.NewMemoryIdempotencyRepo(time.Hour)))
	h := handler.NewHTTP(svc, validation.New(), nil)
	r := chi.NewRouter()
	r.Route("/api/bookings", func(r chi.Router) {
		r.Use(auth.Middleware(secret))
		r.Mount("/", h.Router())
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, srv *httptest.Server, role domain.Role) *client {
	t.Helper()
	issuer := auth.NewIssuer(secret, time.Hour)
	actor := domain.Actor{ID: uuid.New(), Role: role}
	token, err := issuer.Issue(auth.User{ID: actor.ID, Role: role, Name: "test"})
	require.NoError(t, err)
	return &client{t: t, srv: srv, token: token, actor: actor}
}

func (c *client) do(method, path string, body any, out any) int {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, reader)
	require.NoError(c.t, err)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

var createBody = map[string]any{
	"vehicleType":     "car",
	"pickupLocation":  []float64{77.59, 12.97},
	"dropoffLocation": []float64{77.64, 13.00},
	"price":           150,
}

func TestBookingEndpointsLifecycle(t *testing.T) {
	srv := newServer(t, stubPricing{})
	cust := newClient(t, srv, domain.RoleCustomer)
	drv := newClient(t, srv, domain.RoleDriver)
	other := newClient(t, srv, domain.RoleDriver)

	var booking domain.Booking
	require.Equal(t, http.StatusCreated, cust.do(http.MethodPost, "/api/bookings", createBody, &booking))
	require.Equal(t, domain.StatusPending, booking.Status)
	require.Equal(t, cust.actor.ID, booking.CustomerID)
	require.Equal(t, domain.GeoPoint{Lng: 77.59, Lat: 12.97}, booking.Pickup)

	require.Equal(t, http.StatusForbidden, drv.do(http.MethodPost, "/api/bookings", createBody, nil))

	var nearby []domain.Booking
	require.Equal(t, http.StatusOK, drv.do(http.MethodGet, "/api/bookings/nearby?latitude=12.97&longitude=77.59", nil, &nearby))
	require.Len(t, nearby, 1)
	require.Equal(t, booking.ID, nearby[0].ID)

	base := "/api/bookings/" + booking.ID.String()
	require.Equal(t, http.StatusForbidden, cust.do(http.MethodPut, base+"/accept", nil, nil))

	var accepted domain.Booking
	require.Equal(t, http.StatusOK, drv.do(http.MethodPut, base+"/accept", nil, &accepted))
	require.Equal(t, domain.StatusAccepted, accepted.Status)
	require.True(t, accepted.AssignedTo(drv.actor.ID))

	var errBody map[string]string
	require.Equal(t, http.StatusBadRequest, other.do(http.MethodPut, base+"/accept", nil, &errBody))
	require.Contains(t, errBody["error"], "no longer available")

	require.Equal(t, http.StatusForbidden, other.do(http.MethodPut, base+"/status", map[string]string{"status": "in_progress"}, nil))
	require.Equal(t, http.StatusBadRequest, drv.do(http.MethodPut, base+"/status", map[string]string{"status": "completed"}, nil))
	require.Equal(t, http.StatusBadRequest, drv.do(http.MethodPut, base+"/status", map[string]string{"status": "flying"}, nil))

	var current domain.Booking
	require.Equal(t, http.StatusOK, drv.do(http.MethodGet, "/api/bookings/current", nil, &current))
	require.Equal(t, booking.ID, current.ID)

	require.Equal(t, http.StatusOK, drv.do(http.MethodPut, base+"/status", map[string]string{"status": "in_progress"}, nil))
	var done domain.Booking
	require.Equal(t, http.StatusOK, drv.do(http.MethodPut, base+"/status", map[string]string{"status": "completed"}, &done))
	require.Equal(t, domain.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	var past, active []domain.Booking
	require.Equal(t, http.StatusOK, cust.do(http.MethodGet, "/api/bookings/past", nil, &past))
	require.Len(t, past, 1)
	require.Equal(t, http.StatusOK, cust.do(http.MethodGet, "/api/bookings/active", nil, &active))
	require.Empty(t, active)

	require.Equal(t, http.StatusNotFound, drv.do(http.MethodGet, "/api/bookings/current", nil, nil))
	require.Equal(t, http.StatusOK, cust.do(http.MethodGet, base, nil, nil))
	require.Equal(t, http.StatusForbidden, other.do(http.MethodGet, base, nil, nil))
}

func TestBookingEndpointErrors(t *testing.T) {
	srv := newServer(t, stubPricing{})
	cust := newClient(t, srv, domain.RoleCustomer)
	drv := newClient(t, srv, domain.RoleDriver)

	missing := map[string]any{"vehicleType": "car", "pickupLocation": []float64{77.59, 12.97}}
	require.Equal(t, http.StatusBadRequest, cust.do(http.MethodPost, "/api/bookings", missing, nil))

	bad := map[string]any{"vehicleType": "car", "pickupLocation": []float64{77.59}, "dropoffLocation": []float64{77.6, 13}, "price": 10}
	require.Equal(t, http.StatusBadRequest, cust.do(http.MethodPost, "/api/bookings", bad, nil))

	require.Equal(t, http.StatusNotFound, drv.do(http.MethodPut, "/api/bookings/"+uuid.NewString()+"/accept", nil, nil))
	require.Equal(t, http.StatusNotFound, drv.do(http.MethodPut, "/api/bookings/not-a-uuid/accept", nil, nil))
	require.Equal(t, http.StatusBadRequest, drv.do(http.MethodGet, "/api/bookings/nearby", nil, nil))
	require.Equal(t, http.StatusForbidden, cust.do(http.MethodGet, "/api/bookings/nearby?lat=12.97&lng=77.59", nil, nil))

	resp, err := http.Get(srv.URL + "/api/bookings/active")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEstimatePriceEndpoint(t *testing.T) {
	srv := newServer(t, stubPricing{})
	cust := newClient(t, srv, domain.RoleCustomer)
	body := map[string]any{
		"vehicleType":     "car",
		"pickupLocation":  []float64{77.59, 12.97},
		"dropoffLocation": []float64{77.64, 13.00},
	}
	var estimate domain.Estimate
	require.Equal(t, http.StatusOK, cust.do(http.MethodPost, "/api/bookings/price", body, &estimate))
	require.Equal(t, 114.0, estimate.EstimatedPrice)
	require.Equal(t, 1.0, estimate.SurgeMultiplier)

	failing := newServer(t, stubPricing{err: errors.New("boom")})
	cust = newClient(t, failing, domain.RoleCustomer)
	require.Equal(t, http.StatusInternalServerError, cust.do(http.MethodPost, "/api/bookings/price", body, nil))
}

func TestCreateReplaysIdempotencyKey(t *testing.T) {
	srv := newServer(t, stubPricing{})
	cust := newClient(t, srv, domain.RoleCustomer)

	send := func() domain.Booking {
		raw, err := json.Marshal(createBody)
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/bookings", bytes.NewReader(raw))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+cust.token)
		req.Header.Set("Idempotency-Key", "abc")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var b domain.Booking
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&b))
		return b
	}
	require.Equal(t, send().ID, send().ID)
}
