package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/inspection-dispatch/internal/apperr"
	"github.com/example/inspection-dispatch/internal/geo"
	"github.com/example/inspection-dispatch/internal/models"
)

// Index is the in-memory registry used for local runs and tests.
// Naive scan; the Redis implementation carries production load.
type Index struct {
	mu        sync.RWMutex
	drivers   map[string]models.DriverPresence
	freshness time.Duration
	now       func() time.Time
}

func NewIndex(freshness time.Duration) *Index {
	return &Index{
		drivers:   make(map[string]models.DriverPresence),
		freshness: freshness,
		now:       time.Now,
	}
}

// SetStatus records the online/available flags. UpdatedAt belongs to
// location samples only, so status writes never touch it; a driver
// with no sample yet reads as stale and stays invisible to search.
func (x *Index) SetStatus(ctx context.Context, driverID string, online, available bool) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	d := x.drivers[driverID]
	d.DriverID = driverID
	d.Online = online
	d.Available = available
	x.drivers[driverID] = d
	return nil
}

func (x *Index) SetAvailability(ctx context.Context, driverID string, available bool) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	d, ok := x.drivers[driverID]
	if !ok {
		return apperr.NotFound("driver %s has no presence record", driverID)
	}
	d.Available = available
	x.drivers[driverID] = d
	return nil
}

func (x *Index) UpdateLocation(ctx context.Context, driverID string, lat, lng float64, at time.Time) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	d := x.drivers[driverID]
	if at.Before(d.UpdatedAt) {
		// late sample, keep the newer coordinates
		return nil
	}
	d.DriverID = driverID
	d.Loc = models.Coord{Lat: lat, Lng: lng}
	d.UpdatedAt = at
	x.drivers[driverID] = d
	return nil
}

// SetRating stores a driver's rolling rating. Ratings come from the
// account system; the registry only carries them for candidate
// ordering.
func (x *Index) SetRating(ctx context.Context, driverID string, rating float64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	d := x.drivers[driverID]
	d.DriverID = driverID
	d.Rating = rating
	x.drivers[driverID] = d
	return nil
}

func (x *Index) Get(ctx context.Context, driverID string) (models.DriverPresence, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	d, ok := x.drivers[driverID]
	if !ok {
		return models.DriverPresence{}, apperr.NotFound("driver %s has no presence record", driverID)
	}
	return d, nil
}

func (x *Index) FindAvailableNear(ctx context.Context, lat, lng, radiusKm float64, limit int, exclude map[string]bool) ([]models.Candidate, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	cutoff := x.now().Add(-x.freshness)
	cands := make([]models.Candidate, 0, limit)
	for id, d := range x.drivers {
		if !d.Online || !d.Available || exclude[id] {
			continue
		}
		if d.UpdatedAt.Before(cutoff) {
			// stale presence counts as offline, not as an error
			continue
		}
		dist := geo.HaversineKm(lat, lng, d.Loc.Lat, d.Loc.Lng)
		if dist > radiusKm {
			continue
		}
		cands = append(cands, models.Candidate{DriverPresence: d, DistanceKm: dist})
	}

	sortCandidates(cands)
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	return cands, nil
}

// sortCandidates orders by distance asc, rating desc, then freshest
// location sample.
func sortCandidates(cands []models.Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].DistanceKm != cands[j].DistanceKm {
			return cands[i].DistanceKm < cands[j].DistanceKm
		}
		if cands[i].Rating != cands[j].Rating {
			return cands[i].Rating > cands[j].Rating
		}
		return cands[i].UpdatedAt.After(cands[j].UpdatedAt)
	})
}
