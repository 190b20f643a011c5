// internal/engine/handler.go
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"reserva/internal/booking"
	"reserva/internal/executor"
	"reserva/internal/hold"
	"reserva/internal/ledger"
	"reserva/internal/resource"
)

// Handler exposes the administrative and booking surface over HTTP.
type Handler struct {
	service Service
	limiter *rate.Limiter
}

// NewHandler wraps the service. Booking creation is rate limited to shed
// bursts before they hit the ledger.
func NewHandler(service Service) *Handler {
	return &Handler{
		service: service,
		limiter: rate.NewLimiter(rate.Limit(100), 200),
	}
}

// Routes mounts all endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/resources", h.handleCreateResource)
	r.Patch("/resources/{id}/capacity", h.handleUpdateCapacity)
	r.Get("/resources/{id}/availability", h.handleAvailability)

	r.Post("/bookings", h.handleCreateBooking)
	r.Get("/bookings/{id}", h.handleGetBooking)
	r.Post("/bookings/{id}/confirm", h.handleConfirmBooking)
	r.Post("/bookings/{id}/modify", h.handleModifyBooking)
	r.Post("/bookings/{id}/cancel", h.handleCancelBooking)
	r.Post("/bookings/{id}/complete", h.handleCompleteBooking)
	r.Post("/bookings/{id}/refund", h.handleRefundBooking)
	return r
}

func (h *Handler) handleCreateResource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string               `json:"name"`
		Capacity    int                  `json:"capacity"`
		Granularity resource.Granularity `json:"granularity"`
		OverbookPct int                  `json:"overbook_pct"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.service.CreateResource(req.Name, req.Capacity, req.Granularity, req.OverbookPct)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleUpdateCapacity(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid resource id", http.StatusBadRequest)
		return
	}
	var req struct {
		Capacity int `json:"capacity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.service.UpdateResourceCapacity(r.Context(), id, req.Capacity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid resource id", http.StatusBadRequest)
		return
	}
	timeUnit := r.URL.Query().Get("time_unit")
	if timeUnit == "" {
		http.Error(w, "time_unit is required", http.StatusBadRequest)
		return
	}
	available, err := h.service.Availability(r.Context(), id, timeUnit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"available": available, "time_unit": timeUnit})
}

func (h *Handler) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	var req struct {
		ResourceID uuid.UUID `json:"resource_id"`
		TimeUnit   string    `json:"time_unit"`
		Quantity   int       `json:"quantity"`
		TTLSeconds int       `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.service.CreateBooking(r.Context(), req.ResourceID, req.TimeUnit, req.Quantity, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid booking id", http.StatusBadRequest)
		return
	}
	b, err := h.service.GetBooking(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleConfirmBooking(w http.ResponseWriter, r *http.Request) {
	h.executeByID(w, r, h.service.ConfirmBooking)
}

func (h *Handler) handleCompleteBooking(w http.ResponseWriter, r *http.Request) {
	h.executeByID(w, r, h.service.CompleteBooking)
}

func (h *Handler) handleRefundBooking(w http.ResponseWriter, r *http.Request) {
	h.executeByID(w, r, h.service.RefundBooking)
}

func (h *Handler) handleModifyBooking(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid booking id", http.StatusBadRequest)
		return
	}
	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.service.ModifyBooking(r.Context(), id, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid booking id", http.StatusBadRequest)
		return
	}
	var req struct {
		// "user" aborts or cancels; "admin" force-cancels.
		By   string `json:"by"`
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b, err := h.service.GetBooking(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	event := booking.EventUserCancel
	if req.By == "admin" {
		event = booking.EventAdminCancel
	} else if b.State == booking.StatePending {
		event = booking.EventUserAbort
	}

	res, err := h.service.CancelBooking(r.Context(), id, event, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) executeByID(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uuid.UUID) (executor.Result, error)) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid booking id", http.StatusBadRequest)
		return
	}
	res, err := op(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses so callers can tell
// no-capacity from expired-hold from payment-declined.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrInsufficientCapacity):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, hold.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, booking.ErrInvalidTransition):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, executor.ErrCollaboratorFailure):
		status = http.StatusBadGateway
	case errors.Is(err, booking.ErrNotFound),
		errors.Is(err, resource.ErrNotFound),
		errors.Is(err, hold.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, resource.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}
