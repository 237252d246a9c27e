package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/inspection-dispatch/internal/apperr"
	"github.com/example/inspection-dispatch/internal/models"
)

// RedisRegistry implements Registry on Redis GEO commands plus a
// metadata hash per driver. Coordinates live in a single GEO key;
// online/available/rating/updated live in driver:meta:<id>.
type RedisRegistry struct {
	client    *redis.Client
	geoKey    string
	freshness time.Duration
	now       func() time.Time
}

func NewRedisRegistry(addr, password, geoKey string, freshness time.Duration) *RedisRegistry {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisRegistry{client: c, geoKey: geoKey, freshness: freshness, now: time.Now}
}

// NewRedisRegistryFromClient wires an existing client; the consumer
// process shares its connection this way.
func NewRedisRegistryFromClient(c *redis.Client, geoKey string, freshness time.Duration) *RedisRegistry {
	return &RedisRegistry{client: c, geoKey: geoKey, freshness: freshness, now: time.Now}
}

func metaKey(id string) string { return "driver:meta:" + id }

func (r *RedisRegistry) SetStatus(ctx context.Context, driverID string, online, available bool) error {
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"online":    strconv.FormatBool(online),
		"available": strconv.FormatBool(available),
	}).Err()
}

func (r *RedisRegistry) SetAvailability(ctx context.Context, driverID string, available bool) error {
	n, err := r.client.Exists(ctx, metaKey(driverID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("driver %s has no presence record", driverID)
	}
	return r.client.HSet(ctx, metaKey(driverID), "available", strconv.FormatBool(available)).Err()
}

func (r *RedisRegistry) UpdateLocation(ctx context.Context, driverID string, lat, lng float64, at time.Time) error {
	// Last writer wins by sample timestamp. The read-then-write pair
	// is not atomic across processes, but a lost race only re-applies
	// a sample a heartbeat newer; the next heartbeat corrects it.
	if prev, err := r.client.HGet(ctx, metaKey(driverID), "updated").Result(); err == nil {
		if ts, perr := time.Parse(time.RFC3339Nano, prev); perr == nil && at.Before(ts) {
			return nil
		}
	}
	if err := r.client.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Longitude: lng, Latitude: lat, Name: driverID}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(driverID), "updated", at.Format(time.RFC3339Nano)).Err()
}

func (r *RedisRegistry) SetRating(ctx context.Context, driverID string, rating float64) error {
	return r.client.HSet(ctx, metaKey(driverID), "rating", strconv.FormatFloat(rating, 'f', -1, 64)).Err()
}

func (r *RedisRegistry) Get(ctx context.Context, driverID string) (models.DriverPresence, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverPresence{}, err
	}
	if len(m) == 0 {
		return models.DriverPresence{}, apperr.NotFound("driver %s has no presence record", driverID)
	}
	d := presenceFromMeta(driverID, m)
	if pos, err := r.client.GeoPos(ctx, r.geoKey, driverID).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		d.Loc = models.Coord{Lat: pos[0].Latitude, Lng: pos[0].Longitude}
	}
	return d, nil
}

func (r *RedisRegistry) FindAvailableNear(ctx context.Context, lat, lng, radiusKm float64, limit int, exclude map[string]bool) ([]models.Candidate, error) {
	res, err := r.client.GeoRadius(ctx, r.geoKey, lng, lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}

	cutoff := r.now().Add(-r.freshness)
	cands := make([]models.Candidate, 0, limit)
	for _, g := range res {
		if exclude[g.Name] {
			continue
		}
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil || len(m) == 0 {
			continue
		}
		d := presenceFromMeta(g.Name, m)
		if !d.Online || !d.Available || d.UpdatedAt.Before(cutoff) {
			continue
		}
		d.Loc = models.Coord{Lat: g.Latitude, Lng: g.Longitude}
		cands = append(cands, models.Candidate{DriverPresence: d, DistanceKm: g.Dist})
	}

	// GEORADIUS already sorts by distance; re-sort to apply the
	// rating and freshness tie-breakers.
	sortCandidates(cands)
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	return cands, nil
}

func presenceFromMeta(driverID string, m map[string]string) models.DriverPresence {
	d := models.DriverPresence{DriverID: driverID}
	d.Online = m["online"] == "true"
	d.Available = m["available"] == "true"
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	if v, ok := m["updated"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.UpdatedAt = ts
		}
	}
	return d
}
