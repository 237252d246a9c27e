package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/inspection-dispatch/internal/apperr"
	"github.com/example/inspection-dispatch/internal/lifecycle"
	"github.com/example/inspection-dispatch/internal/models"
	"github.com/example/inspection-dispatch/internal/observability"
	"github.com/example/inspection-dispatch/internal/presence"
	"github.com/example/inspection-dispatch/internal/storage"
)

// MatcherConfig carries the dispatch tuning knobs; none of the values
// are contract, all come from config.
type MatcherConfig struct {
	RadiiKm        []float64
	RetryInterval  time.Duration
	MaxAttempts    int
	CandidateLimit int
	Workers        int
}

// Matcher selects a candidate driver for a pending appointment and
// drives offers through the acceptance coordinator until one is
// accepted or the candidate space is exhausted.
type Matcher struct {
	store    storage.AppointmentStore
	registry presence.Registry
	coord    *Coordinator
	machine  *lifecycle.Machine
	cfg      MatcherConfig
	logger   *slog.Logger

	mu       sync.Mutex
	excluded map[string]map[string]bool // appointment id -> rejected drivers
	attempts map[string]int

	jobs chan string
}

func NewMatcher(store storage.AppointmentStore, registry presence.Registry, coord *Coordinator, machine *lifecycle.Machine, cfg MatcherConfig, logger *slog.Logger) *Matcher {
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 8
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Matcher{
		store:    store,
		registry: registry,
		coord:    coord,
		machine:  machine,
		cfg:      cfg,
		logger:   logger,
		excluded: make(map[string]map[string]bool),
		attempts: make(map[string]int),
		jobs:     make(chan string, 64),
	}
}

// Dispatch runs one matching round for the appointment: expand the
// radius schedule until a candidate appears, offer, and on
// reject/expire immediately retry with that driver excluded. It
// returns the accepted driver id, or NoDriver once every reachable
// candidate has been tried or none existed.
func (m *Matcher) Dispatch(ctx context.Context, appointmentID string) (string, error) {
	for {
		// Re-read status every round: a cancellation between offers
		// must stop the round, not feed the next driver.
		a, err := m.store.Get(ctx, appointmentID)
		if err != nil {
			return "", err
		}
		if a.Status != models.StatusPending {
			m.clearState(appointmentID)
			return "", apperr.Conflict("appointment %s is not pending (status %s)", appointmentID, a.Status)
		}

		observability.DispatchAttempts.Inc()
		cand, err := m.findCandidate(ctx, a.Pickup, m.exclusions(appointmentID))
		if err != nil {
			return "", err
		}
		if cand == nil {
			return "", apperr.NoDriver("no driver available for appointment %s", appointmentID)
		}

		outcome, err := m.coord.Offer(ctx, a, cand.DriverID)
		switch outcome {
		case models.OfferAccepted:
			m.clearState(appointmentID)
			observability.MatchesTotal.Inc()
			return cand.DriverID, nil
		case models.OfferRejected, models.OfferExpired:
			if err != nil {
				// offer died because the appointment moved underneath
				// it (cancelled or context gone); stop retrying
				return "", err
			}
			m.exclude(appointmentID, cand.DriverID)
			continue
		default:
			return "", err
		}
	}
}

func (m *Matcher) findCandidate(ctx context.Context, pickup models.Coord, exclude map[string]bool) (*models.Candidate, error) {
	for _, radius := range m.cfg.RadiiKm {
		cands, err := m.registry.FindAvailableNear(ctx, pickup.Lat, pickup.Lng, radius, m.cfg.CandidateLimit, exclude)
		if err != nil {
			return nil, err
		}
		if len(cands) > 0 {
			return &cands[0], nil
		}
	}
	return nil, nil
}

// Enqueue schedules an async matching round; used right after
// appointment creation so the client call does not wait on the offer
// window.
func (m *Matcher) Enqueue(appointmentID string) {
	select {
	case m.jobs <- appointmentID:
	default:
		// queue full; the retry ticker will pick the appointment up
		m.logger.Warn("dispatch queue full", "appointment_id", appointmentID)
	}
}

// Run operates the worker pool and the retry ticker until ctx ends.
// Pending appointments are re-queued every RetryInterval; after
// MaxAttempts rounds without a match they surface as unmatched.
func (m *Matcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < m.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case id := <-m.jobs:
					m.attempt(ctx, id)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	ticker := time.NewTicker(m.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.requeuePending(ctx)
		case <-ctx.Done():
			wg.Wait()
			return
		}
	}
}

func (m *Matcher) requeuePending(ctx context.Context) {
	pending, err := m.store.ListByStatus(ctx, models.StatusPending)
	if err != nil {
		m.logger.Error("pending scan failed", "error", err)
		return
	}
	for _, a := range pending {
		m.Enqueue(a.ID)
	}
}

func (m *Matcher) attempt(ctx context.Context, appointmentID string) {
	driverID, err := m.Dispatch(ctx, appointmentID)
	if err == nil {
		m.logger.Info("appointment matched", "appointment_id", appointmentID, "driver_id", driverID)
		return
	}
	if !apperr.IsCode(err, apperr.CodeNoDriver) {
		m.logger.Info("dispatch round ended", "appointment_id", appointmentID, "error", err)
		return
	}

	m.mu.Lock()
	m.attempts[appointmentID]++
	n := m.attempts[appointmentID]
	m.mu.Unlock()

	if n < m.cfg.MaxAttempts {
		m.logger.Info("no driver available, will retry",
			"appointment_id", appointmentID, "attempt", n, "max_attempts", m.cfg.MaxAttempts)
		return
	}
	if err := m.machine.MarkUnmatched(ctx, appointmentID); err != nil {
		m.logger.Error("unmatched transition failed", "appointment_id", appointmentID, "error", err)
		return
	}
	observability.UnmatchedTotal.Inc()
	m.clearState(appointmentID)
	m.logger.Warn("appointment surfaced as unmatched",
		"appointment_id", appointmentID, "attempts", n)
}

func (m *Matcher) exclusions(appointmentID string) map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.excluded[appointmentID]
	out := make(map[string]bool, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func (m *Matcher) exclude(appointmentID, driverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.excluded[appointmentID] == nil {
		m.excluded[appointmentID] = make(map[string]bool)
	}
	m.excluded[appointmentID][driverID] = true
}

func (m *Matcher) clearState(appointmentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.excluded, appointmentID)
	delete(m.attempts, appointmentID)
}
