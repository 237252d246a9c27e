package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/inspection-dispatch/internal/apperr"
	"github.com/example/inspection-dispatch/internal/models"
	"github.com/example/inspection-dispatch/internal/observability"
)

type coordBody struct {
	Lat float64 `json:"lat" validate:"required,latitude"`
	Lng float64 `json:"lng" validate:"required,longitude"`
}

type createAppointmentRequest struct {
	VehicleID   string    `json:"car_id" validate:"required"`
	ServiceType string    `json:"service_type" validate:"required"`
	Pickup      coordBody `json:"pickup_location" validate:"required"`
	ScheduledAt time.Time `json:"scheduled_date" validate:"required"`
	AmountCents int64     `json:"amount_cents" validate:"gte=0"`
	Notes       string    `json:"notes"`
}

func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("malformed request body: %v", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "request validation failed")
	}
	return nil
}

func (s *Server) handleCreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req createAppointmentRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	now := time.Now()
	a := &models.Appointment{
		ID:          uuid.NewString(),
		Number:      newAppointmentNumber(now),
		ClientID:    userIDFromContext(r.Context()),
		VehicleID:   req.VehicleID,
		ServiceType: req.ServiceType,
		Pickup:      models.Coord{Lat: req.Pickup.Lat, Lng: req.Pickup.Lng},
		ScheduledAt: req.ScheduledAt,
		Status:      models.StatusPending,
		AmountCents: req.AmountCents,
		Currency:    s.cfg.Currency,
		Notes:       req.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
		History: []models.StatusChange{
			{Status: models.StatusPending, At: now, Actor: models.ActorClient, Reason: "appointment requested"},
		},
	}
	if err := s.Store.Create(r.Context(), a); err != nil {
		s.writeError(w, r, err)
		return
	}
	// matching runs async; the client polls or listens for events
	s.Matcher.Enqueue(a.ID)
	s.writeJSON(w, http.StatusCreated, a)
}

// newAppointmentNumber builds the human-readable immutable number,
// e.g. INS-20260301-4f2a9c.
func newAppointmentNumber(t time.Time) string {
	return fmt.Sprintf("INS-%s-%s", t.Format("20060102"), newID()[:6])
}

func (s *Server) handleGetAppointment(w http.ResponseWriter, r *http.Request) {
	a, err := s.Store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	driverID := userIDFromContext(r.Context())
	if err := s.Coord.Accept(r.Context(), id, driverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.Store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	driverID := userIDFromContext(r.Context())
	if err := s.Coord.Reject(r.Context(), id, driverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Machine.Start(r.Context(), id, userIDFromContext(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.Store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Machine.Complete(r.Context(), id, userIDFromContext(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.Store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req cancelRequest
	// body is optional for cancel
	_ = json.NewDecoder(r.Body).Decode(&req)

	actor := models.Actor(roleFromContext(r.Context()))
	if err := s.Coord.Cancel(r.Context(), id, actor, req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.Store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Machine.Requeue(r.Context(), id, models.ActorAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Matcher.Enqueue(id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

type driverStatusRequest struct {
	IsOnline    bool `json:"isOnline"`
	IsAvailable bool `json:"isAvailable"`
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var req driverStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Validation("malformed request body: %v", err))
		return
	}
	driverID := userIDFromContext(r.Context())
	// the gauge counts transitions, not requests: a repeated
	// isOnline=true must not double-count the driver
	prev, err := s.Registry.Get(r.Context(), driverID)
	wasOnline := err == nil && prev.Online
	if err := s.Registry.SetStatus(r.Context(), driverID, req.IsOnline, req.IsAvailable); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.IsOnline != wasOnline {
		if req.IsOnline {
			observability.DriversOnline.Inc()
		} else {
			observability.DriversOnline.Dec()
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"isOnline": req.IsOnline, "isAvailable": req.IsAvailable})
}

// handleDriverLocation ingests one heartbeat: publish to Kafka when
// configured (the consumer feeds Redis), apply to the local registry,
// and fan the event out to watchers. The registry write is the only
// synchronization point; everything else is fire-and-forget.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		s.writeError(w, r, apperr.Validation("malformed request body: %v", err))
		return
	}
	if u.DriverID == "" {
		s.writeError(w, r, apperr.Validation("driver_id is required"))
		return
	}
	if u.At.IsZero() {
		u.At = time.Now()
	}
	s.applyLocation(r.Context(), u)
	w.WriteHeader(http.StatusNoContent)
}

type createIntentRequest struct {
	AppointmentID string `json:"appointmentId" validate:"required"`
	AmountCents   int64  `json:"amount" validate:"required,gt=0"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	intent, err := s.Payments.CreateIntent(r.Context(), req.AppointmentID, req.AmountCents)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"paymentIntentId": intent.ID,
		"status":          intent.Status,
		"amount":          intent.AmountCents,
		"currency":        intent.Currency,
	})
}

type confirmIntentRequest struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"required"`
}

func (s *Server) handleConfirmIntent(w http.ResponseWriter, r *http.Request) {
	var req confirmIntentRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	intent, err := s.Payments.Confirm(r.Context(), req.PaymentIntentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"paymentIntentId": intent.ID,
		"status":          intent.Status,
	})
}
