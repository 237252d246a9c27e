// Package lifecycle owns the appointment status state machine. All
// transitions for one appointment are serialized through a keyed
// lock; different appointments proceed fully in parallel.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/inspection-dispatch/internal/apperr"
	"github.com/example/inspection-dispatch/internal/models"
	"github.com/example/inspection-dispatch/internal/presence"
	"github.com/example/inspection-dispatch/internal/storage"
)

// transitions is the authoritative rule table. Completed and
// cancelled are absorbing; unmatched may only go back to pending
// (admin re-queue) or cancelled.
var transitions = map[models.Status][]models.Status{
	models.StatusPending:    {models.StatusConfirmed, models.StatusUnmatched, models.StatusCancelled},
	models.StatusConfirmed:  {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted, models.StatusCancelled},
	models.StatusUnmatched:  {models.StatusPending, models.StatusCancelled},
	models.StatusCompleted:  {},
	models.StatusCancelled:  {},
}

func allowed(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Machine struct {
	store    storage.AppointmentStore
	registry presence.Registry
	locks    keyedMutex
	logger   *slog.Logger
	now      func() time.Time
}

func NewMachine(store storage.AppointmentStore, registry presence.Registry, logger *slog.Logger) *Machine {
	return &Machine{store: store, registry: registry, logger: logger, now: time.Now}
}

// WithLock runs fn while holding the appointment's transition lock.
// The acceptance coordinator uses it to make "confirm appointment" and
// "mark driver unavailable" one atomic unit.
func (m *Machine) WithLock(appointmentID string, fn func() error) error {
	unlock := m.locks.lock(appointmentID)
	defer unlock()
	return fn()
}

// Confirm assigns the accepting driver and moves pending->confirmed,
// flipping the driver's availability off in the same critical
// section. Callers already inside WithLock use ConfirmLocked.
func (m *Machine) Confirm(ctx context.Context, appointmentID, driverID string) error {
	return m.WithLock(appointmentID, func() error {
		return m.ConfirmLocked(ctx, appointmentID, driverID)
	})
}

func (m *Machine) ConfirmLocked(ctx context.Context, appointmentID, driverID string) error {
	a, err := m.store.Get(ctx, appointmentID)
	if err != nil {
		return err
	}
	if !allowed(a.Status, models.StatusConfirmed) {
		return apperr.Conflict("cannot confirm appointment %s in status %s", appointmentID, a.Status)
	}
	if a.DriverID != "" && a.DriverID != driverID {
		return apperr.Conflict("appointment %s already assigned to driver %s", appointmentID, a.DriverID)
	}
	a.DriverID = driverID
	if err := m.apply(ctx, a, models.StatusConfirmed, models.ActorDriver, "offer accepted"); err != nil {
		return err
	}
	// same atomic unit as the confirm transition
	if err := m.registry.SetAvailability(ctx, driverID, false); err != nil {
		m.logger.Error("driver availability flip failed after confirm",
			"appointment_id", appointmentID, "driver_id", driverID, "error", err)
		return err
	}
	return nil
}

// Start moves confirmed->in_progress on the assigned driver's arrival
// signal.
func (m *Machine) Start(ctx context.Context, appointmentID, driverID string) error {
	return m.WithLock(appointmentID, func() error {
		a, err := m.store.Get(ctx, appointmentID)
		if err != nil {
			return err
		}
		if a.DriverID != driverID {
			return apperr.Conflict("driver %s is not assigned to appointment %s", driverID, appointmentID)
		}
		if !allowed(a.Status, models.StatusInProgress) {
			return apperr.Conflict("cannot start appointment %s in status %s", appointmentID, a.Status)
		}
		return m.apply(ctx, a, models.StatusInProgress, models.ActorDriver, "driver arrived")
	})
}

// Complete moves in_progress->completed and releases the driver back
// to available.
func (m *Machine) Complete(ctx context.Context, appointmentID, driverID string) error {
	return m.WithLock(appointmentID, func() error {
		a, err := m.store.Get(ctx, appointmentID)
		if err != nil {
			return err
		}
		if a.DriverID != driverID {
			return apperr.Conflict("driver %s is not assigned to appointment %s", driverID, appointmentID)
		}
		if !allowed(a.Status, models.StatusCompleted) {
			return apperr.Conflict("cannot complete appointment %s in status %s", appointmentID, a.Status)
		}
		if err := m.apply(ctx, a, models.StatusCompleted, models.ActorDriver, "inspection completed"); err != nil {
			return err
		}
		return m.releaseDriver(ctx, a.DriverID)
	})
}

// Cancel is reachable from any non-terminal state and records the
// cancelling actor and reason. Releasing the assigned driver happens
// inside the same critical section, so there is no window where a
// driver stays busy for a cancelled appointment.
func (m *Machine) Cancel(ctx context.Context, appointmentID string, actor models.Actor, reason string) error {
	return m.WithLock(appointmentID, func() error {
		return m.CancelLocked(ctx, appointmentID, actor, reason)
	})
}

func (m *Machine) CancelLocked(ctx context.Context, appointmentID string, actor models.Actor, reason string) error {
	a, err := m.store.Get(ctx, appointmentID)
	if err != nil {
		return err
	}
	if !allowed(a.Status, models.StatusCancelled) {
		return apperr.Conflict("cannot cancel appointment %s in status %s", appointmentID, a.Status)
	}
	hadDriver := a.DriverID
	if err := m.apply(ctx, a, models.StatusCancelled, actor, reason); err != nil {
		return err
	}
	if hadDriver != "" {
		return m.releaseDriver(ctx, hadDriver)
	}
	return nil
}

// MarkUnmatched surfaces a pending appointment whose dispatch retries
// are exhausted. Reported condition, not a failure.
func (m *Machine) MarkUnmatched(ctx context.Context, appointmentID string) error {
	return m.WithLock(appointmentID, func() error {
		a, err := m.store.Get(ctx, appointmentID)
		if err != nil {
			return err
		}
		if !allowed(a.Status, models.StatusUnmatched) {
			return apperr.Conflict("cannot mark appointment %s unmatched in status %s", appointmentID, a.Status)
		}
		return m.apply(ctx, a, models.StatusUnmatched, models.ActorSystem, "no driver available")
	})
}

// Requeue puts an unmatched appointment back into pending for a fresh
// round of dispatch attempts.
func (m *Machine) Requeue(ctx context.Context, appointmentID string, actor models.Actor) error {
	return m.WithLock(appointmentID, func() error {
		a, err := m.store.Get(ctx, appointmentID)
		if err != nil {
			return err
		}
		if a.Status != models.StatusUnmatched {
			return apperr.Conflict("cannot requeue appointment %s in status %s", appointmentID, a.Status)
		}
		return m.apply(ctx, a, models.StatusPending, actor, "requeued for dispatch")
	})
}

// SetPaymentRef records the payment intent id on the appointment
// document without a status transition.
func (m *Machine) SetPaymentRef(ctx context.Context, appointmentID, intentID string) error {
	return m.WithLock(appointmentID, func() error {
		return m.SetPaymentRefLocked(ctx, appointmentID, intentID)
	})
}

// SetPaymentRefLocked is SetPaymentRef for callers already inside
// WithLock for this appointment.
func (m *Machine) SetPaymentRefLocked(ctx context.Context, appointmentID, intentID string) error {
	a, err := m.store.Get(ctx, appointmentID)
	if err != nil {
		return err
	}
	a.PaymentIntent = intentID
	return m.store.Update(ctx, a)
}

// Get reads through to the store; exposed so callers outside the
// package do not need a second store handle.
func (m *Machine) Get(ctx context.Context, appointmentID string) (*models.Appointment, error) {
	return m.store.Get(ctx, appointmentID)
}

func (m *Machine) apply(ctx context.Context, a *models.Appointment, to models.Status, actor models.Actor, reason string) error {
	from := a.Status
	a.Status = to
	a.UpdatedAt = m.now()
	if err := m.store.Update(ctx, a); err != nil {
		return err
	}
	if err := m.store.AppendHistory(ctx, a.ID, models.StatusChange{
		Status: to,
		At:     a.UpdatedAt,
		Actor:  actor,
		Reason: reason,
	}); err != nil {
		return err
	}
	m.logger.Info("appointment transition",
		"appointment_id", a.ID, "from", from, "to", to, "actor", actor, "reason", reason)
	return nil
}

func (m *Machine) releaseDriver(ctx context.Context, driverID string) error {
	if err := m.registry.SetAvailability(ctx, driverID, true); err != nil {
		// a driver who never had a presence record has nothing to release
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return nil
		}
		return err
	}
	return nil
}
