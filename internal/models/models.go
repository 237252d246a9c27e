package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Status is the appointment lifecycle status. Pending is the initial
// state; Completed and Cancelled are absorbing. Unmatched marks a
// pending appointment whose dispatch retries are exhausted; it is a
// reported condition and an admin can re-queue it.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusUnmatched  Status = "unmatched"
)

// Actor identifies who caused a status transition.
type Actor string

const (
	ActorClient Actor = "client"
	ActorDriver Actor = "driver"
	ActorAdmin  Actor = "admin"
	ActorSystem Actor = "system"
)

// StatusChange is one entry of an appointment's append-only history.
type StatusChange struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Actor  Actor     `json:"actor"`
	Reason string    `json:"reason,omitempty"`
}

type Appointment struct {
	ID            string         `json:"id"`
	Number        string         `json:"number"`
	ClientID      string         `json:"client_id"`
	VehicleID     string         `json:"vehicle_id"`
	ServiceType   string         `json:"service_type"`
	Pickup        Coord          `json:"pickup"`
	ScheduledAt   time.Time      `json:"scheduled_at"`
	DriverID      string         `json:"driver_id,omitempty"`
	Status        Status         `json:"status"`
	AmountCents   int64          `json:"amount_cents"`
	Currency      string         `json:"currency"`
	PaymentIntent string         `json:"payment_intent_id,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	History       []StatusChange `json:"history"`
}

// Clone returns a deep copy so callers can hand appointments across
// goroutines without sharing the history slice.
func (a *Appointment) Clone() *Appointment {
	cp := *a
	cp.History = make([]StatusChange, len(a.History))
	copy(cp.History, a.History)
	return &cp
}

// DriverPresence is the registry record for one driver. Online means
// the driver app has a live session; Available means the driver can
// take a new appointment (online but mid-appointment drivers are
// unavailable).
type DriverPresence struct {
	DriverID  string    `json:"driver_id"`
	Online    bool      `json:"online"`
	Available bool      `json:"available"`
	Loc       Coord     `json:"loc"`
	UpdatedAt time.Time `json:"updated_at"`
	Rating    float64   `json:"rating"` // 0..5
}

// Candidate is a presence record annotated with the distance from a
// search origin, as returned by FindAvailableNear.
type Candidate struct {
	DriverPresence
	DistanceKm float64 `json:"distance_km"`
}

// LocationUpdate is the wire shape published on the driver-locations
// topic and received over the driver WebSocket channel.
type LocationUpdate struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	At       time.Time `json:"at"`
}

// OfferOutcome is the resolution of an acceptance offer.
type OfferOutcome string

const (
	OfferPending  OfferOutcome = "pending"
	OfferAccepted OfferOutcome = "accepted"
	OfferRejected OfferOutcome = "rejected"
	OfferExpired  OfferOutcome = "expired"
)

// AcceptanceOffer is the ephemeral record of one appointment being
// proposed to one driver. It lives only for the offer window and is
// owned exclusively by the acceptance coordinator.
type AcceptanceOffer struct {
	ID            string       `json:"id"`
	AppointmentID string       `json:"appointment_id"`
	DriverID      string       `json:"driver_id"`
	ExpiresAt     time.Time    `json:"expires_at"`
	Outcome       OfferOutcome `json:"outcome"`
}

// IntentStatus is the payment intent lifecycle:
// created -> confirmed -> succeeded | failed.
type IntentStatus string

const (
	IntentCreated   IntentStatus = "created"
	IntentConfirmed IntentStatus = "confirmed"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
)

type PaymentIntent struct {
	ID            string       `json:"id"`
	AppointmentID string       `json:"appointment_id"`
	AmountCents   int64        `json:"amount_cents"`
	Currency      string       `json:"currency"`
	Status        IntentStatus `json:"status"`
	GatewayRef    string       `json:"gateway_ref,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
