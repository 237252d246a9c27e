package dispatch

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

// Coordinator owns acceptance offers: at most one live offer per
// appointment, resolved by an explicit driver decision, the window
// timer, or a cancellation interrupt, whichever comes first.
type Coordinator struct {
	machine  *lifecycle.Machine
	notifier Notifier
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	offers map[string]*liveOffer
}

type decision struct {
	accepted bool
	driverID string
	reply    chan error
}

type liveOffer struct {
	offer     models.AcceptanceOffer
	decisions chan decision
	interrupt chan struct{}
	done      chan struct{}
	once      sync.Once
}

func (lo *liveOffer) cancel() { lo.once.Do(func() { close(lo.interrupt) }) }

func NewCoordinator(machine *lifecycle.Machine, notifier Notifier, window time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		machine:  machine,
		notifier: notifier,
		window:   window,
		logger:   logger,
		now:      time.Now,
		offers:   make(map[string]*liveOffer),
	}
}

// Offer proposes the appointment to one driver and blocks until the
// offer resolves. On acceptance the confirm transition and the
// driver's availability flip happen as one unit inside the machine's
// appointment lock before the driver's Accept call returns.
func (c *Coordinator) Offer(ctx context.Context, appt *models.Appointment, driverID string) (models.OfferOutcome, error) {
	lo := &liveOffer{
		offer: models.AcceptanceOffer{
			ID:            uuid.NewString(),
			AppointmentID: appt.ID,
			DriverID:      driverID,
			ExpiresAt:     c.now().Add(c.window),
			Outcome:       models.OfferPending,
		},
		decisions: make(chan decision),
		interrupt: make(chan struct{}),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	if _, exists := c.offers[appt.ID]; exists {
		c.mu.Unlock()
		return models.OfferPending, apperr.Conflict("appointment %s already has a live offer", appt.ID)
	}
	c.offers[appt.ID] = lo
	c.mu.Unlock()

	outcome, err := c.run(ctx, appt, lo)

	c.mu.Lock()
	delete(c.offers, appt.ID)
	c.mu.Unlock()
	close(lo.done)

	observability.OffersByOutcome.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

func (c *Coordinator) run(ctx context.Context, appt *models.Appointment, lo *liveOffer) (models.OfferOutcome, error) {
	// The offer is already registered, so any cancellation from here
	// on interrupts it; the locked check keeps a driver from being
	// notified after a cancel transition has landed.
	if err := c.machine.WithLock(appt.ID, func() error {
		cur, err := c.machine.Get(ctx, appt.ID)
		if err != nil {
			return err
		}
		if cur.Status != models.StatusPending {
			return apperr.Conflict("appointment %s is not pending (status %s)", appt.ID, cur.Status)
		}
		return nil
	}); err != nil {
		return models.OfferExpired, err
	}

	notice := OfferNotice{
		OfferID:       lo.offer.ID,
		AppointmentID: appt.ID,
		Number:        appt.Number,
		ServiceType:   appt.ServiceType,
		Pickup:        appt.Pickup,
		ScheduledAt:   appt.ScheduledAt,
		ExpiresAt:     lo.offer.ExpiresAt,
	}
	if err := c.notifier.OfferToDriver(lo.offer.DriverID, notice); err != nil {
		// unreachable driver resolves like a timeout: recovered by
		// re-dispatch, not escalated
		c.logger.Info("offer delivery failed, expiring",
			"appointment_id", appt.ID, "driver_id", lo.offer.DriverID, "error", err)
		return models.OfferExpired, nil
	}

	timer := time.NewTimer(time.Until(lo.offer.ExpiresAt))
	defer timer.Stop()

	for {
		select {
		case d := <-lo.decisions:
			if d.driverID != lo.offer.DriverID {
				d.reply <- apperr.Conflict("offer for appointment %s belongs to another driver", appt.ID)
				continue
			}
			if !d.accepted {
				d.reply <- nil
				return models.OfferRejected, nil
			}
			err := c.machine.Confirm(ctx, appt.ID, d.driverID)
			d.reply <- err
			if err != nil {
				// appointment moved underneath the offer (e.g.
				// cancelled); resolve as expired so the matcher does
				// not retry this driver pointlessly
				return models.OfferExpired, err
			}
			return models.OfferAccepted, nil
		case <-timer.C:
			c.logger.Info("offer window elapsed",
				"appointment_id", appt.ID, "driver_id", lo.offer.DriverID)
			return models.OfferExpired, nil
		case <-lo.interrupt:
			return models.OfferExpired, nil
		case <-ctx.Done():
			return models.OfferExpired, ctx.Err()
		}
	}
}

// Accept resolves the live offer for the appointment as accepted by
// driverID. It returns once the confirm transition has been applied,
// so a 200 response means the appointment is confirmed.
func (c *Coordinator) Accept(ctx context.Context, appointmentID, driverID string) error {
	return c.resolve(ctx, appointmentID, decision{accepted: true, driverID: driverID, reply: make(chan error, 1)})
}

// Reject resolves the live offer as rejected; the matcher re-runs
// immediately with this driver excluded.
func (c *Coordinator) Reject(ctx context.Context, appointmentID, driverID string) error {
	return c.resolve(ctx, appointmentID, decision{accepted: false, driverID: driverID, reply: make(chan error, 1)})
}

func (c *Coordinator) resolve(ctx context.Context, appointmentID string, d decision) error {
	c.mu.Lock()
	lo, ok := c.offers[appointmentID]
	c.mu.Unlock()
	if !ok {
		return apperr.Conflict("no live offer for appointment %s", appointmentID)
	}
	select {
	case lo.decisions <- d:
		select {
		case err := <-d.reply:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-lo.done:
		return apperr.Conflict("offer for appointment %s already resolved", appointmentID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt expires the live offer for the appointment, if any, and
// waits until the offer goroutine has let go.
func (c *Coordinator) Interrupt(appointmentID string) {
	c.mu.Lock()
	lo, ok := c.offers[appointmentID]
	c.mu.Unlock()
	if !ok {
		return
	}
	lo.cancel()
	<-lo.done
}

// Cancel applies the cancel transition first, then interrupts any
// pending offer. Once the transition has landed no new offer can be
// created for the appointment, so a driver is never left holding a
// live offer for a cancelled appointment.
func (c *Coordinator) Cancel(ctx context.Context, appointmentID string, actor models.Actor, reason string) error {
	if err := c.machine.Cancel(ctx, appointmentID, actor, reason); err != nil {
		return err
	}
	c.Interrupt(appointmentID)
	return nil
}
