// Package payments drives the payment-intent lifecycle tied to a
// confirmed appointment: created -> confirmed -> succeeded | failed.
package payments

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/inspection-dispatch/internal/apperr"
	"github.com/example/inspection-dispatch/internal/lifecycle"
	"github.com/example/inspection-dispatch/internal/models"
	"github.com/example/inspection-dispatch/internal/observability"
)

// Gateway abstracts the payment provider. CreateIntent must be
// idempotent on the provided key; Capture finalizes a created intent.
type Gateway interface {
	CreateIntent(ctx context.Context, amountCents int64, currency, idempotencyKey string) (string, error)
	Capture(ctx context.Context, gatewayRef string) error
	Cancel(ctx context.Context, gatewayRef string) error
}

type Coordinator struct {
	machine  *lifecycle.Machine
	gateway  Gateway
	currency string
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	byAppt map[string]*models.PaymentIntent
	byID   map[string]*models.PaymentIntent
}

func NewCoordinator(machine *lifecycle.Machine, gateway Gateway, currency string, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		machine:  machine,
		gateway:  gateway,
		currency: currency,
		logger:   logger,
		now:      time.Now,
		byAppt:   make(map[string]*models.PaymentIntent),
		byID:     make(map[string]*models.PaymentIntent),
	}
}

// CreateIntent is idempotent per appointment: a second call — even a
// concurrent one — returns the existing non-failed intent instead of
// creating a duplicate. The idempotency key handed to the gateway is
// the appointment id, so retries cannot double-charge either.
func (c *Coordinator) CreateIntent(ctx context.Context, appointmentID string, amountCents int64) (*models.PaymentIntent, error) {
	if amountCents <= 0 {
		return nil, apperr.Validation("amount must be positive")
	}

	// The whole create path holds the lock so two simultaneous calls
	// agree on one intent.
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byAppt[appointmentID]; ok && existing.Status != models.IntentFailed {
		cp := *existing
		return &cp, nil
	}

	// Status check, gateway call and ref write run under the
	// appointment's transition lock: a racing cancellation either
	// lands first and the check fails, or waits until the intent is
	// recorded.
	var intent *models.PaymentIntent
	err := c.machine.WithLock(appointmentID, func() error {
		a, err := c.machine.Get(ctx, appointmentID)
		if err != nil {
			return err
		}
		if a.Status == models.StatusCancelled {
			return apperr.Conflict("appointment %s is cancelled", appointmentID)
		}

		ref, err := c.gateway.CreateIntent(ctx, amountCents, c.currency, appointmentID)
		if err != nil {
			return apperr.Payment(err, "payment intent creation failed")
		}
		intent = &models.PaymentIntent{
			ID:            uuid.NewString(),
			AppointmentID: appointmentID,
			AmountCents:   amountCents,
			Currency:      c.currency,
			Status:        models.IntentCreated,
			GatewayRef:    ref,
			CreatedAt:     c.now(),
			UpdatedAt:     c.now(),
		}
		c.byAppt[appointmentID] = intent
		c.byID[intent.ID] = intent
		observability.IntentsCreated.Inc()

		if err := c.machine.SetPaymentRefLocked(ctx, appointmentID, intent.ID); err != nil {
			c.logger.Error("payment ref write failed", "appointment_id", appointmentID, "error", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	cp := *intent
	return &cp, nil
}

// Confirm captures the intent. Only valid while the appointment is
// confirmed or in_progress; confirming against a cancelled
// appointment is a conflict and leaves the intent untouched. A
// gateway failure marks the intent failed and surfaces a payment
// error for the client to retry — it never cancels the appointment.
func (c *Coordinator) Confirm(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	c.mu.Lock()
	intent, ok := c.byID[intentID]
	if !ok {
		c.mu.Unlock()
		return nil, apperr.NotFound("payment intent %s not found", intentID)
	}
	if intent.Status == models.IntentSucceeded {
		cp := *intent
		c.mu.Unlock()
		return &cp, nil
	}
	if intent.Status == models.IntentFailed {
		c.mu.Unlock()
		return nil, apperr.Conflict("payment intent %s already failed", intentID)
	}
	appointmentID := intent.AppointmentID
	gatewayRef := intent.GatewayRef
	c.mu.Unlock()

	a, err := c.machine.Get(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if a.Status != models.StatusConfirmed && a.Status != models.StatusInProgress {
		return nil, apperr.Conflict("cannot confirm payment for appointment %s in status %s", appointmentID, a.Status)
	}

	if err := c.gateway.Capture(ctx, gatewayRef); err != nil {
		c.setStatus(intentID, models.IntentFailed)
		observability.PaymentFailures.Inc()
		return nil, apperr.Payment(err, "payment capture failed")
	}
	out := c.setStatus(intentID, models.IntentSucceeded)
	observability.IntentsConfirmed.Inc()
	c.logger.Info("payment intent succeeded", "intent_id", intentID, "appointment_id", appointmentID)
	return out, nil
}

// Get returns a copy of the intent.
func (c *Coordinator) Get(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	intent, ok := c.byID[intentID]
	if !ok {
		return nil, apperr.NotFound("payment intent %s not found", intentID)
	}
	cp := *intent
	return &cp, nil
}

func (c *Coordinator) setStatus(intentID string, st models.IntentStatus) *models.PaymentIntent {
	c.mu.Lock()
	defer c.mu.Unlock()
	intent, ok := c.byID[intentID]
	if !ok {
		return nil
	}
	intent.Status = st
	intent.UpdatedAt = c.now()
	cp := *intent
	return &cp
}
