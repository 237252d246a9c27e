package dispatch

import (
	"errors"
	"time"

	"github.com/example/inspection-dispatch/internal/models"
)

// OfferNotice is the payload pushed to a driver when an appointment
// is offered to them.
type OfferNotice struct {
	OfferID       string       `json:"offer_id"`
	AppointmentID string       `json:"appointment_id"`
	Number        string       `json:"number"`
	ServiceType   string       `json:"service_type"`
	Pickup        models.Coord `json:"pickup"`
	ScheduledAt   time.Time    `json:"scheduled_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
}

// Notifier is the outbound contract to the external event delivery
// layer. Delivery mechanics are not this engine's concern; an error
// means the driver is unreachable right now.
type Notifier interface {
	OfferToDriver(driverID string, n OfferNotice) error
}

// CompositeNotifier tries the WebSocket session first and falls back
// to the HTTP push endpoint when the driver has no live socket.
type CompositeNotifier struct {
	WS   *WSRegistry
	Push *PushNotifier
}

func (c *CompositeNotifier) OfferToDriver(driverID string, n OfferNotice) error {
	if c.WS != nil {
		err := c.WS.OfferToDriver(driverID, n)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) {
			return err
		}
	}
	if c.Push != nil {
		return c.Push.OfferToDriver(driverID, n)
	}
	return ErrNoSession
}
