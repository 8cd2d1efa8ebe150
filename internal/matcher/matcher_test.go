package matcher

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/driver-availability/internal/booking"
	"github.com/example/driver-availability/internal/cache"
	"github.com/example/driver-availability/internal/models"
	"github.com/example/driver-availability/internal/storage"
)

func newTestService(t *testing.T) (*Service, *cache.MemoryCache, *booking.MemoryGuard, *storage.MemoryStore) {
	t.Helper()
	guard := booking.NewMemoryGuard()
	store := storage.NewMemoryStore(guard)
	// no cache-level expiry: the matcher does the freshness check itself
	avail := cache.NewMemoryCache(0)
	s := &Service{
		Cache:           avail,
		Guard:           guard,
		Store:           store,
		FreshnessWindow: 3 * time.Minute,
		QueryTimeout:    800 * time.Millisecond,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return s, avail, guard, store
}

func seedEntry(t *testing.T, c *cache.MemoryCache, e models.AvailabilityEntry) {
	t.Helper()
	if e.Status == "" {
		e.Status = models.StatusActive
		e.Available = true
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	if err := c.Upsert(context.Background(), &e); err != nil {
		t.Fatalf("seed %s: %v", e.DriverID, err)
	}
}

func driverIDs(r *Result) []string {
	ids := make([]string, len(r.Drivers))
	for i, c := range r.Drivers {
		ids[i] = c.DriverID
	}
	return ids
}

func TestScoreRatingMonotonic(t *testing.T) {
	base := models.AvailabilityEntry{TripCount: 50}
	prev := -1.0
	for _, rating := range []float64{1, 2, 3, 4, 4.9, 5} {
		e := base
		e.Rating = rating
		got := score(e, nil, 0, 3*time.Minute, 3*time.Minute)
		if got <= prev {
			t.Fatalf("score not monotonic in rating: rating=%v score=%v prev=%v", rating, got, prev)
		}
		prev = got
	}
}

func TestScoreBounds(t *testing.T) {
	d := 0.0
	top := models.AvailabilityEntry{Rating: 5, TripCount: 1000}
	if got := score(top, &d, 10, 0, 3*time.Minute); got != 100 {
		t.Fatalf("max score should clamp to 100, got %v", got)
	}
	if got := score(models.AvailabilityEntry{}, nil, 0, 10*time.Minute, 3*time.Minute); got != 0 {
		t.Fatalf("floor should clamp to 0, got %v", got)
	}
}

func TestQueryExcludesStaleAndOutOfRadius(t *testing.T) {
	s, avail, _, _ := newTestService(t)
	center := models.Coord{Lat: 52.52, Lon: 13.405}

	seedEntry(t, avail, models.AvailabilityEntry{
		DriverID: "fresh-near", RegionID: "r1", Rating: 4,
		Loc: models.Coord{Lat: 52.521, Lon: 13.406},
	})
	seedEntry(t, avail, models.AvailabilityEntry{
		DriverID: "stale-near", RegionID: "r1", Rating: 5,
		Loc:        models.Coord{Lat: 52.521, Lon: 13.406},
		RecordedAt: time.Now().Add(-4 * time.Minute),
	})
	// Hamburg is ~255km out
	seedEntry(t, avail, models.AvailabilityEntry{
		DriverID: "fresh-far", RegionID: "r1", Rating: 5,
		Loc: models.Coord{Lat: 53.5511, Lon: 9.9937},
	})

	res, err := s.QueryAvailableDrivers(context.Background(), Filter{
		Center: &center, RadiusKm: 5,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got := driverIDs(res); len(got) != 1 || got[0] != "fresh-near" {
		t.Fatalf("expected only fresh-near, got %v", got)
	}
	if res.Drivers[0].DistanceKm == nil || *res.Drivers[0].DistanceKm > 5 {
		t.Fatalf("candidate missing in-radius distance: %+v", res.Drivers[0])
	}
}

func TestQueryExcludesUnavailableStatuses(t *testing.T) {
	s, avail, _, _ := newTestService(t)

	seedEntry(t, avail, models.AvailabilityEntry{DriverID: "ok", RegionID: "r1", Rating: 3})
	seedEntry(t, avail, models.AvailabilityEntry{
		DriverID: "busy", RegionID: "r1", Rating: 5,
		Status: models.StatusBusy, Available: false, RecordedAt: time.Now(),
	})
	seedEntry(t, avail, models.AvailabilityEntry{
		DriverID: "on-break", RegionID: "r1", Rating: 5,
		Status: models.StatusBreak, Available: false, RecordedAt: time.Now(),
	})

	res, err := s.QueryAvailableDrivers(context.Background(), Filter{RegionID: "r1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got := driverIDs(res); len(got) != 1 || got[0] != "ok" {
		t.Fatalf("expected only the active driver, got %v", got)
	}
}

// A booking that started after the last cache write must still exclude the
// driver: the guard is re-checked at query time.
func TestQueryRechecksBookingGuard(t *testing.T) {
	s, avail, guard, _ := newTestService(t)
	seedEntry(t, avail, models.AvailabilityEntry{DriverID: "d1", RegionID: "r1", Rating: 4})
	seedEntry(t, avail, models.AvailabilityEntry{DriverID: "d2", RegionID: "r1", Rating: 4})

	guard.Begin("d2")

	res, err := s.QueryAvailableDrivers(context.Background(), Filter{RegionID: "r1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got := driverIDs(res); len(got) != 1 || got[0] != "d1" {
		t.Fatalf("expected d2 filtered by guard, got %v", got)
	}
}

func TestQueryServiceTypeFilter(t *testing.T) {
	s, avail, _, _ := newTestService(t)
	seedEntry(t, avail, models.AvailabilityEntry{
		DriverID: "van", RegionID: "r1", Rating: 4, ServiceTypes: []string{"standard", "xl"},
	})
	seedEntry(t, avail, models.AvailabilityEntry{
		DriverID: "sedan", RegionID: "r1", Rating: 5, ServiceTypes: []string{"standard"},
	})

	res, err := s.QueryAvailableDrivers(context.Background(), Filter{RegionID: "r1", ServiceType: "xl"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got := driverIDs(res); len(got) != 1 || got[0] != "van" {
		t.Fatalf("expected only the xl driver, got %v", got)
	}
}

func TestQueryOrderingDeterministic(t *testing.T) {
	s, avail, _, _ := newTestService(t)
	center := models.Coord{Lat: 52.52, Lon: 13.405}
	at := time.Now()

	// same rating and trips; nearer driver must rank first via the proximity
	// bonus, and repeated queries must agree
	seedEntry(t, avail, models.AvailabilityEntry{
		DriverID: "near", RegionID: "r1", Rating: 3,
		Loc: models.Coord{Lat: 52.521, Lon: 13.406}, RecordedAt: at,
	})
	seedEntry(t, avail, models.AvailabilityEntry{
		DriverID: "farther", RegionID: "r1", Rating: 3,
		Loc: models.Coord{Lat: 52.55, Lon: 13.44}, RecordedAt: at,
	})
	seedEntry(t, avail, models.AvailabilityEntry{
		DriverID: "star", RegionID: "r1", Rating: 4,
		Loc: models.Coord{Lat: 52.55, Lon: 13.44}, RecordedAt: at,
	})

	first, err := s.QueryAvailableDrivers(context.Background(), Filter{Center: &center, RadiusKm: 10})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	want := []string{"star", "near", "farther"}
	got := driverIDs(first)
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ordering mismatch: want %v got %v", want, got)
		}
	}

	second, err := s.QueryAvailableDrivers(context.Background(), Filter{Center: &center, RadiusKm: 10})
	if err != nil {
		t.Fatalf("repeat query: %v", err)
	}
	again := driverIDs(second)
	for i := range got {
		if got[i] != again[i] {
			t.Fatalf("same index, different ordering: %v vs %v", got, again)
		}
	}
}

func TestSortTiebreaks(t *testing.T) {
	at := time.Now()
	d1, d2 := 2.0, 2.0
	cands := []Candidate{
		{DriverID: "b", Score: 80, DistanceKm: &d2, RecordedAt: at},
		{DriverID: "a", Score: 80, DistanceKm: &d1, RecordedAt: at},
	}
	sortCandidates(cands)
	if cands[0].DriverID != "a" {
		t.Fatalf("equal score/distance/time must break on driver ID: %v", cands[0].DriverID)
	}
}

func TestQueryLimit(t *testing.T) {
	s, avail, _, _ := newTestService(t)
	for _, id := range []string{"d1", "d2", "d3", "d4"} {
		seedEntry(t, avail, models.AvailabilityEntry{DriverID: id, RegionID: "r1", Rating: 4})
	}
	res, err := s.QueryAvailableDrivers(context.Background(), Filter{RegionID: "r1", Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Drivers) != 2 {
		t.Fatalf("limit not applied: %d", len(res.Drivers))
	}
}

func TestQueryDemandSignal(t *testing.T) {
	s, avail, _, store := newTestService(t)
	center := models.Coord{Lat: 52.52, Lon: 13.405}
	seedEntry(t, avail, models.AvailabilityEntry{
		DriverID: "d1", RegionID: "r1", Rating: 4,
		Loc: models.Coord{Lat: 52.521, Lon: 13.406},
	})
	store.AddOpenRequest(models.Coord{Lat: 52.522, Lon: 13.41})   // inside
	store.AddOpenRequest(models.Coord{Lat: 53.5511, Lon: 9.9937}) // Hamburg, outside

	res, err := s.QueryAvailableDrivers(context.Background(), Filter{Center: &center, RadiusKm: 5})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.OpenRequests != 1 {
		t.Fatalf("expected 1 open request in radius, got %d", res.OpenRequests)
	}

	// no radius scope, no demand signal
	res, err = s.QueryAvailableDrivers(context.Background(), Filter{RegionID: "r1"})
	if err != nil {
		t.Fatalf("region query: %v", err)
	}
	if res.OpenRequests != 0 {
		t.Fatalf("demand signal must be radius-scoped, got %d", res.OpenRequests)
	}
}
