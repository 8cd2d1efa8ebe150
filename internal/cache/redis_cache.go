package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-availability/internal/models"
)

const defaultGeoKey = "drivers_geo"

// RedisCache implements AvailabilityCache on Redis: one hash per driver with
// a TTL of the freshness window, a GEO set for radius scans, one member set
// per region, and a short-lived JSON snapshot per region that gets dropped on
// any write touching the region.
type RedisCache struct {
	client *redis.Client
	geoKey string
	window time.Duration
}

func NewRedisCache(addr, password string, window time.Duration) *RedisCache {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisCache{client: c, geoKey: defaultGeoKey, window: window}
}

func NewRedisCacheWithClient(client *redis.Client, window time.Duration) *RedisCache {
	return &RedisCache{client: client, geoKey: defaultGeoKey, window: window}
}

func entryKey(id string) string      { return "driver:avail:" + id }
func regionKey(region string) string { return "avail:region:" + region + ":drivers" }
func indexKey() string               { return "avail:drivers" }

func (r *RedisCache) Upsert(ctx context.Context, e *models.AvailabilityEntry) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, entryKey(e.DriverID), map[string]interface{}{
		"region":      e.RegionID,
		"status":      string(e.Status),
		"available":   strconv.FormatBool(e.Available),
		"lat":         strconv.FormatFloat(e.Loc.Lat, 'f', -1, 64),
		"lon":         strconv.FormatFloat(e.Loc.Lon, 'f', -1, 64),
		"recorded_at": e.RecordedAt.UTC().Format(time.RFC3339Nano),
		"rating":      strconv.FormatFloat(e.Rating, 'f', -1, 64),
		"trips":       strconv.Itoa(e.TripCount),
		"services":    strings.Join(e.ServiceTypes, ","),
	})
	pipe.Expire(ctx, entryKey(e.DriverID), r.window)
	if e.Available {
		pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
			Name: e.DriverID, Longitude: e.Loc.Lon, Latitude: e.Loc.Lat,
		})
		pipe.SAdd(ctx, regionKey(e.RegionID), e.DriverID)
		pipe.SAdd(ctx, indexKey(), e.DriverID)
	} else {
		pipe.ZRem(ctx, r.geoKey, e.DriverID)
		pipe.SRem(ctx, regionKey(e.RegionID), e.DriverID)
		pipe.SRem(ctx, indexKey(), e.DriverID)
	}
	// membership may have changed; drop only this region's aggregate
	pipe.Del(ctx, snapshotKey(e.RegionID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisCache) Get(ctx context.Context, driverID string) (*models.AvailabilityEntry, error) {
	m, err := r.client.HGetAll(ctx, entryKey(driverID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return decodeEntry(driverID, m), nil
}

func (r *RedisCache) Candidates(ctx context.Context, q CandidateQuery) ([]models.AvailabilityEntry, error) {
	var ids []string
	var err error
	switch {
	case q.Center != nil && q.RadiusKm > 0:
		var locs []string
		locs, err = r.client.GeoSearch(ctx, r.geoKey, &redis.GeoSearchQuery{
			Longitude: q.Center.Lon, Latitude: q.Center.Lat,
			Radius: q.RadiusKm, RadiusUnit: "km", Sort: "ASC",
		}).Result()
		ids = locs
	case q.RegionID != "":
		ids, err = r.client.SMembers(ctx, regionKey(q.RegionID)).Result()
	default:
		ids, err = r.client.SMembers(ctx, indexKey()).Result()
	}
	if err != nil {
		return nil, err
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, entryKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	out := make([]models.AvailabilityEntry, 0, len(ids))
	for i, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil || len(m) == 0 {
			// geo/region membership outlived the hash TTL; treat as absent
			continue
		}
		e := decodeEntry(ids[i], m)
		if q.RegionID != "" && e.RegionID != q.RegionID {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

// ApplyTransition folds a committed transition event into the cache without
// touching the profile fields (rating, trips, services) that only the engine
// writes. Used by the consumer binary on the event stream.
func (r *RedisCache) ApplyTransition(ctx context.Context, e models.TransitionEvent) error {
	available := e.To == models.StatusActive
	fields := map[string]interface{}{
		"region":    e.RegionID,
		"status":    string(e.To),
		"available": strconv.FormatBool(available),
	}
	if e.Loc != nil {
		fields["lat"] = strconv.FormatFloat(e.Loc.Lat, 'f', -1, 64)
		fields["lon"] = strconv.FormatFloat(e.Loc.Lon, 'f', -1, 64)
		fields["recorded_at"] = e.At.UTC().Format(time.RFC3339Nano)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, entryKey(e.DriverID), fields)
	pipe.Expire(ctx, entryKey(e.DriverID), r.window)
	if available && e.Loc != nil {
		pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
			Name: e.DriverID, Longitude: e.Loc.Lon, Latitude: e.Loc.Lat,
		})
	}
	if available {
		pipe.SAdd(ctx, regionKey(e.RegionID), e.DriverID)
		pipe.SAdd(ctx, indexKey(), e.DriverID)
	} else {
		pipe.ZRem(ctx, r.geoKey, e.DriverID)
		pipe.SRem(ctx, regionKey(e.RegionID), e.DriverID)
		pipe.SRem(ctx, indexKey(), e.DriverID)
	}
	pipe.Del(ctx, snapshotKey(e.RegionID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisCache) InvalidateRegion(ctx context.Context, regionID string) error {
	return r.client.Del(ctx, snapshotKey(regionID)).Err()
}

func snapshotKey(region string) string { return "avail:region:" + region + ":snapshot" }

func decodeEntry(driverID string, m map[string]string) *models.AvailabilityEntry {
	e := &models.AvailabilityEntry{DriverID: driverID}
	e.RegionID = m["region"]
	e.Status = models.Status(m["status"])
	e.Available = m["available"] == "true"
	e.Loc.Lat, _ = strconv.ParseFloat(m["lat"], 64)
	e.Loc.Lon, _ = strconv.ParseFloat(m["lon"], 64)
	if t, err := time.Parse(time.RFC3339Nano, m["recorded_at"]); err == nil {
		e.RecordedAt = t
	}
	e.Rating, _ = strconv.ParseFloat(m["rating"], 64)
	e.TripCount, _ = strconv.Atoi(m["trips"])
	if m["services"] != "" {
		e.ServiceTypes = strings.Split(m["services"], ",")
	}
	return e
}
