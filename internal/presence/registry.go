// Package presence tracks which drivers are online, whether they can
// take a new appointment, and their last known coordinates.
package presence

import (
	"context"
	"time"

	"github.com/example/inspection-dispatch/internal/models"
)

// Registry is the minimal surface required by the matcher, the
// acceptance coordinator and the HTTP handlers. All operations are
// safe for concurrent callers on different driver ids.
type Registry interface {
	// SetStatus records a driver's online/available flags. It creates
	// the record if the driver has never reported before.
	SetStatus(ctx context.Context, driverID string, online, available bool) error

	// SetAvailability flips only the available flag, leaving the
	// online flag and location untouched. Used when an offer is
	// accepted and when an appointment completes or is cancelled.
	SetAvailability(ctx context.Context, driverID string, available bool) error

	// UpdateLocation applies a location sample. Last writer wins by
	// sample timestamp: an update older than the stored one is
	// silently discarded.
	UpdateLocation(ctx context.Context, driverID string, lat, lng float64, at time.Time) error

	// Get returns the stored record for one driver.
	Get(ctx context.Context, driverID string) (models.DriverPresence, error)

	// FindAvailableNear returns up to limit candidates within
	// radiusKm of the origin, skipping unavailable, offline, stale
	// and explicitly excluded drivers. Order: ascending distance,
	// then descending rating, then most recent location sample.
	FindAvailableNear(ctx context.Context, lat, lng, radiusKm float64, limit int, exclude map[string]bool) ([]models.Candidate, error)
}
