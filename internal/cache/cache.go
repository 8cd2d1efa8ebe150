// Package cache holds the derived location/availability view read on the hot
// dispatch path. Entries are rebuilt from the record store on every committed
// transition and expire after the freshness window, so a driver can never
// appear available past bounded staleness even if synchronization fails.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/example/driver-availability/internal/geo"
	"github.com/example/driver-availability/internal/models"
)

// CandidateQuery narrows the candidate scan. A nil Center means no radius
// filter; an empty RegionID means all regions.
type CandidateQuery struct {
	RegionID string
	Center   *models.Coord
	RadiusKm float64
}

type AvailabilityCache interface {
	// Upsert replaces the driver's entry and invalidates the region-scoped
	// aggregate for the driver's region only.
	Upsert(ctx context.Context, e *models.AvailabilityEntry) error
	// Get returns the entry, or nil when absent or expired.
	Get(ctx context.Context, driverID string) (*models.AvailabilityEntry, error)
	// Candidates returns entries matching the query scope. Freshness and
	// availability are re-checked by the matcher; this is just the scan.
	Candidates(ctx context.Context, q CandidateQuery) ([]models.AvailabilityEntry, error)
	// InvalidateRegion drops the aggregate snapshot for one region. Never a
	// wildcard: unrelated regions keep their caches.
	InvalidateRegion(ctx context.Context, regionID string) error
}

// MemoryCache backs tests and redis-less local runs.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]models.AvailabilityEntry
	window  time.Duration
	now     func() time.Time
}

func NewMemoryCache(window time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]models.AvailabilityEntry),
		window:  window,
		now:     time.Now,
	}
}

func (c *MemoryCache) Upsert(ctx context.Context, e *models.AvailabilityEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.DriverID] = *e
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, driverID string) (*models.AvailabilityEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[driverID]
	if !ok || c.expired(e) {
		return nil, nil
	}
	cp := e
	return &cp, nil
}

func (c *MemoryCache) Candidates(ctx context.Context, q CandidateQuery) ([]models.AvailabilityEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.AvailabilityEntry
	for _, e := range c.entries {
		if c.expired(e) {
			continue
		}
		if q.RegionID != "" && e.RegionID != q.RegionID {
			continue
		}
		if q.Center != nil && q.RadiusKm > 0 {
			if geo.HaversineKm(q.Center.Lat, q.Center.Lon, e.Loc.Lat, e.Loc.Lon) > q.RadiusKm {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *MemoryCache) InvalidateRegion(ctx context.Context, regionID string) error {
	// the memory cache keeps no aggregate snapshots
	return nil
}

func (c *MemoryCache) expired(e models.AvailabilityEntry) bool {
	return c.window > 0 && c.now().Sub(e.RecordedAt) > c.window
}
