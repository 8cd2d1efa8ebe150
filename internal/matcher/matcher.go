package matcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/example/driver-availability/internal/booking"
	"github.com/example/driver-availability/internal/cache"
	"github.com/example/driver-availability/internal/geo"
	"github.com/example/driver-availability/internal/models"
	"github.com/example/driver-availability/internal/observability"
	"github.com/example/driver-availability/internal/storage"
)

// Service answers "which drivers are available now, optionally near a point,
// optionally serving a service type", ranked best-first. It reads the derived
// cache but re-validates freshness and the active-booking guard at query
// time, since a booking could have started after the last status write.
type Service struct {
	Cache           cache.AvailabilityCache
	Guard           booking.Guard
	Store           storage.DriverStore
	FreshnessWindow time.Duration
	QueryTimeout    time.Duration
	Logger          *slog.Logger

	now func() time.Time
}

type Filter struct {
	RegionID    string
	ServiceType string
	Center      *models.Coord
	RadiusKm    float64
	Limit       int
}

type Candidate struct {
	DriverID     string       `json:"driver_id"`
	Score        float64      `json:"score"`
	DistanceKm   *float64     `json:"distance_km,omitempty"`
	Loc          models.Coord `json:"loc"`
	RecordedAt   time.Time    `json:"recorded_at"`
	Rating       float64      `json:"rating"`
	TripCount    int          `json:"trip_count"`
	ServiceTypes []string     `json:"service_types"`
}

type Result struct {
	Drivers []Candidate `json:"drivers"`
	// OpenRequests is a coarse demand signal: open dispatch requests within
	// the query radius. Context only; it feeds nothing back into the index.
	OpenRequests int `json:"open_requests"`
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// QueryAvailableDrivers runs under its own short deadline. On timeout it
// returns whatever passed the filters so far rather than blocking dispatch.
func (s *Service) QueryAvailableDrivers(ctx context.Context, f Filter) (*Result, error) {
	timeout := s.QueryTimeout
	if timeout <= 0 {
		timeout = 800 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := s.clock()
	defer func() {
		observability.MatcherQueries.Inc()
		observability.MatcherLatency.Observe(s.clock().Sub(start).Seconds())
	}()

	entries, err := s.Cache.Candidates(ctx, cache.CandidateQuery{
		RegionID: f.RegionID,
		Center:   f.Center,
		RadiusKm: f.RadiusKm,
	})
	if err != nil {
		if ctx.Err() != nil {
			return &Result{}, nil
		}
		return nil, err
	}

	window := s.FreshnessWindow
	if window <= 0 {
		window = 3 * time.Minute
	}
	now := s.clock()

	cands := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		if ctx.Err() != nil {
			break // deadline hit: serve the partial set
		}
		if e.Status != models.StatusActive || !e.Available {
			continue
		}
		age := now.Sub(e.RecordedAt)
		if e.RecordedAt.IsZero() || age > window {
			continue
		}
		if f.ServiceType != "" && !contains(e.ServiceTypes, f.ServiceType) {
			continue
		}
		var distKm *float64
		if f.Center != nil {
			d := geo.HaversineKm(f.Center.Lat, f.Center.Lon, e.Loc.Lat, e.Loc.Lon)
			if f.RadiusKm > 0 && d > f.RadiusKm {
				continue
			}
			distKm = &d
		}
		if s.Guard != nil {
			if busy, err := s.Guard.HasActive(ctx, e.DriverID); err != nil || busy {
				continue
			}
		}
		cands = append(cands, Candidate{
			DriverID:     e.DriverID,
			Score:        score(e, distKm, f.RadiusKm, age, window),
			DistanceKm:   distKm,
			Loc:          e.Loc,
			RecordedAt:   e.RecordedAt,
			Rating:       e.Rating,
			TripCount:    e.TripCount,
			ServiceTypes: e.ServiceTypes,
		})
	}

	sortCandidates(cands)
	if f.Limit > 0 && len(cands) > f.Limit {
		cands = cands[:f.Limit]
	}

	res := &Result{Drivers: cands}
	if f.Center != nil && f.RadiusKm > 0 && s.Store != nil {
		if n, err := s.Store.OpenRequestCount(ctx, *f.Center, f.RadiusKm); err == nil {
			res.OpenRequests = n
		}
	}
	return res, nil
}

// score combines rating, proximity, freshness, and experience into a 0..100
// dispatch heuristic. It is deterministic and monotonic in each factor.
func score(e models.AvailabilityEntry, distKm *float64, radiusKm float64, age, window time.Duration) float64 {
	s := e.Rating * 20 // 0..100 base

	if distKm != nil && radiusKm > 0 {
		if p := 15 * (1 - *distKm/radiusKm); p > 0 {
			s += p
		}
	}
	if window > 0 {
		if fr := 10 * (1 - age.Seconds()/window.Seconds()); fr > 0 {
			s += fr
		}
	}
	if e.TripCount >= 100 {
		s += 10
	}
	if e.TripCount >= 500 {
		s += 5
	}

	if s > 100 {
		s = 100
	}
	if s < 0 {
		s = 0
	}
	return s
}

// sortCandidates orders by score desc, then ascending distance, then
// most-recent sample, then driver ID so repeated queries against an
// unchanged index return the same ordering.
func sortCandidates(cands []Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ad, bd := distOrMax(a.DistanceKm), distOrMax(b.DistanceKm)
		if ad != bd {
			return ad < bd
		}
		if !a.RecordedAt.Equal(b.RecordedAt) {
			return a.RecordedAt.After(b.RecordedAt)
		}
		return a.DriverID < b.DriverID
	})
}

func distOrMax(d *float64) float64 {
	if d == nil {
		return 1 << 30
	}
	return *d
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
