package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ridebooking/internal/auth"
	"github.com/example/ridebooking/internal/booking/domain"
	"github.com/example/ridebooking/internal/booking/service"
	"github.com/example/ridebooking/internal/http/validation"
)

// HTTP exposes booking endpoints.
type HTTP struct {
	svc      *service.Service
	validate *validation.Validator
	logger   *zap.Logger
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service, validate *validation.Validator, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, validate: validate, logger: logger}
}

// Router builds the chi router. Every route expects auth.Middleware to have
// run already.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/", h.create)
	r.Post("/price", h.estimatePrice)
	r.Get("/active", h.active)
	r.Get("/past", h.past)
	r.Get("/current", h.current)
	r.Get("/nearby", h.nearby)
	r.Get("/{id}", h.get)
	r.Put("/{id}/accept", h.accept)
	r.Put("/{id}/status", h.updateStatus)
	return r
}

type createBookingRequest struct {
	VehicleType string           `json:"vehicleType" validate:"required,oneof=bike car truck"`
	Pickup      *domain.GeoPoint `json:"pickupLocation" validate:"required"`
	Dropoff     *domain.GeoPoint `json:"dropoffLocation" validate:"required"`
	Price       float64          `json:"price" validate:"required,gt=0"`
}

type estimateRequest struct {
	VehicleType string           `json:"vehicleType" validate:"required,oneof=bike car truck"`
	Pickup      *domain.GeoPoint `json:"pickupLocation" validate:"required"`
	Dropoff     *domain.GeoPoint `json:"dropoffLocation" validate:"required"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (h *HTTP) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	// Role is checked before the body so customers-only is reported as 403
	// even for malformed payloads.
	if actor.Role != domain.RoleCustomer {
		h.fail(w, domain.ErrCustomerOnly)
		return
	}
	var payload createBookingRequest
	if !h.decode(w, r, &payload) {
		return
	}
	booking, err := h.svc.Create(r.Context(), actor, r.Header.Get("Idempotency-Key"), service.CreateRequest{
		VehicleType: domain.VehicleType(payload.VehicleType),
		Pickup:      *payload.Pickup,
		Dropoff:     *payload.Dropoff,
		Price:       payload.Price,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (h *HTTP) estimatePrice(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var payload estimateRequest
	if !h.decode(w, r, &payload) {
		return
	}
	estimate, err := h.svc.EstimatePrice(r.Context(), actor, service.EstimateRequest{
		VehicleType: domain.VehicleType(payload.VehicleType),
		Pickup:      *payload.Pickup,
		Dropoff:     *payload.Dropoff,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, estimate)
}

func (h *HTTP) accept(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	booking, err := h.svc.Accept(r.Context(), actor, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *HTTP) updateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	var payload statusRequest
	if !h.decode(w, r, &payload) {
		return
	}
	booking, err := h.svc.UpdateStatus(r.Context(), actor, id, payload.Status)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	booking, err := h.svc.GetBooking(r.Context(), actor, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *HTTP) active(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	bookings, err := h.svc.GetActive(r.Context(), actor)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bookings)
}

func (h *HTTP) past(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	bookings, err := h.svc.GetPast(r.Context(), actor)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bookings)
}

func (h *HTTP) current(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	booking, err := h.svc.GetCurrent(r.Context(), actor)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *HTTP) nearby(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	lat, latErr := parseFloat(q, "latitude", "lat")
	lng, lngErr := parseFloat(q, "longitude", "lng")
	if latErr != nil || lngErr != nil {
		writeError(w, http.StatusBadRequest, "latitude and longitude are required")
		return
	}
	query := service.NearbyQuery{Point: domain.GeoPoint{Lng: lng, Lat: lat}}
	if raw := q.Get("radius"); raw != "" {
		radius, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "radius must be a number of meters")
			return
		}
		query.RadiusMeters = radius
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		query.Limit = limit
	}
	bookings, err := h.svc.FindNearbyPending(r.Context(), actor, query)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bookings)
}

func (h *HTTP) actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing token")
	}
	return actor, ok
}

func (h *HTTP) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// fail maps the error kind to a status code.
func (h *HTTP) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("booking request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func bookingID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "booking not found")
		return uuid.Nil, false
	}
	return id, true
}

func parseFloat(q map[string][]string, keys ...string) (float64, error) {
	for _, key := range keys {
		if values := q[key]; len(values) > 0 && values[0] != "" {
			return strconv.ParseFloat(values[0], 64)
		}
	}
	return 0, strconv.ErrSyntax
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
