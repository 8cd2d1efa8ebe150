package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/driver-availability/internal/booking"
	"github.com/example/driver-availability/internal/cache"
	"github.com/example/driver-availability/internal/models"
	"github.com/example/driver-availability/internal/notify"
	"github.com/example/driver-availability/internal/observability"
	"github.com/example/driver-availability/internal/storage"
)

// Config carries the engine tunables. Zero values fall back to defaults.
type Config struct {
	FreshnessWindow   time.Duration // default 3m
	TransitionTimeout time.Duration // default 3s
}

func (c Config) withDefaults() Config {
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = 3 * time.Minute
	}
	if c.TransitionTimeout <= 0 {
		c.TransitionTimeout = 3 * time.Second
	}
	return c
}

// Engine validates and applies driver status transitions. The status write,
// location upsert, and audit append happen inside one store transaction
// scoped to the driver; cache synchronization and event publishing run after
// commit and never fail the operation.
type Engine struct {
	store  storage.DriverStore
	cache  cache.AvailabilityCache
	pub    notify.Publisher
	guard  booking.Guard
	table  Table
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

func NewEngine(store storage.DriverStore, c cache.AvailabilityCache, pub notify.Publisher, guard booking.Guard, table Table, logger *slog.Logger, cfg Config) *Engine {
	if table == nil {
		table = DefaultTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		cache:  c,
		pub:    pub,
		guard:  guard,
		table:  table,
		logger: logger,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

// LocationUpdate is an optional location accompanying a transition request.
type LocationUpdate struct {
	Loc       models.Coord
	Heading   *float64
	SpeedKmh  *float64
	AccuracyM *float64
}

type TransitionRequest struct {
	DriverID string
	Target   models.Status
	Actor    models.Actor
	Reason   string
	Location *LocationUpdate
}

type TransitionResult struct {
	DriverID string
	Previous models.Status
	New      models.Status
	Location *models.LocationSample

	driver *models.Driver // snapshot read under the row lock
}

// RequestTransition applies one guarded status change. All validation
// failures are pre-commit and side-effect free.
func (e *Engine) RequestTransition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TransitionTimeout)
	defer cancel()

	start := e.now()
	var res *TransitionResult
	err := e.store.Transition(ctx, req.DriverID, func(tx storage.TransitionTx) error {
		r, err := e.apply(ctx, tx, req)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	observability.TransitionLatency.Observe(e.now().Sub(start).Seconds())
	if err != nil {
		err = classify(err)
		observability.TransitionsRejected.WithLabelValues(reasonLabel(err)).Inc()
		return nil, err
	}

	observability.TransitionsTotal.WithLabelValues(string(res.Previous), string(res.New)).Inc()
	e.afterCommit(res, req)
	return res, nil
}

// apply runs inside the driver-scoped transaction: the row is locked, so a
// concurrent transition for the same driver has already committed or will
// wait; guards therefore evaluate against a consistent view.
func (e *Engine) apply(ctx context.Context, tx storage.TransitionTx, req TransitionRequest) (*TransitionResult, error) {
	d := tx.Driver()
	if d == nil || !d.Active {
		return nil, ErrDriverNotFound
	}
	from := d.Status
	target := req.Target

	if !target.Valid() {
		return nil, rejected(ErrInvalidTransition, from, target, "unknown status")
	}
	if target == from {
		// rejected rather than a silent no-op so callers detect stale state
		return nil, rejected(ErrInvalidTransition, from, target, "self transition")
	}
	if !e.table.Allows(from, target) {
		return nil, rejected(ErrInvalidTransition, from, target, "")
	}

	caps := CapabilitiesFor(req.Actor.Role)
	if c, gated := requiredCapability(from, target); gated && !caps.Has(c) {
		return nil, rejected(ErrInsufficientPermission, from, target, string(c))
	}

	override := caps.Has(CapGuardOverride)
	if !override && (steppingAway(target) || target == models.StatusBusy) {
		hasBooking, err := tx.HasActiveBooking(ctx)
		if err != nil {
			return nil, err
		}
		if steppingAway(target) && hasBooking {
			return nil, rejected(ErrGuardViolation, from, target, "active booking")
		}
		if target == models.StatusBusy && !hasBooking {
			return nil, rejected(ErrGuardViolation, from, target, "no active booking")
		}
	}

	available := target == models.StatusActive
	if err := tx.SetStatus(ctx, target, available); err != nil {
		return nil, err
	}

	var sample *models.LocationSample
	if req.Location != nil {
		now := e.now()
		sample = &models.LocationSample{
			DriverID:    d.ID,
			Loc:         req.Location.Loc,
			Heading:     req.Location.Heading,
			SpeedKmh:    req.Location.SpeedKmh,
			AccuracyM:   req.Location.AccuracyM,
			RecordedAt:  now,
			ExpiresAt:   now.Add(e.cfg.FreshnessWindow),
			IsAvailable: available,
			Status:      target,
		}
		if err := tx.UpsertLocation(ctx, sample); err != nil {
			return nil, err
		}
	}

	rec := &models.StatusTransitionRecord{
		ID:        uuid.NewString(),
		DriverID:  d.ID,
		From:      from,
		To:        target,
		ActorID:   req.Actor.ID,
		ActorRole: req.Actor.Role,
		Reason:    req.Reason,
		RegionID:  d.RegionID,
		CreatedAt: e.now(),
	}
	if err := tx.AppendAudit(ctx, rec); err != nil {
		return nil, err
	}

	return &TransitionResult{
		DriverID: d.ID,
		Previous: from,
		New:      target,
		Location: sample,
		driver:   d,
	}, nil
}

// afterCommit performs the fire-and-forget follow-ups. Failures are logged
// and counted but never surface: the authoritative state change already
// happened, a cache miss self-heals on the next freshness check, and a
// missed notification is recoverable via the audit trail.
func (e *Engine) afterCommit(res *TransitionResult, req TransitionRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d := res.driver
	available := res.New == models.StatusActive

	sample := res.Location
	if sample == nil {
		if s, err := e.store.LatestLocation(ctx, d.ID); err == nil {
			sample = s
		}
	}
	entry := &models.AvailabilityEntry{
		DriverID:     d.ID,
		RegionID:     d.RegionID,
		Status:       res.New,
		Available:    available,
		Rating:       d.Rating,
		TripCount:    d.TripCount,
		ServiceTypes: d.ServiceTypes,
	}
	if sample != nil {
		entry.Loc = sample.Loc
		entry.RecordedAt = sample.RecordedAt
	}
	if e.cache != nil {
		if err := e.cache.Upsert(ctx, entry); err != nil {
			observability.CacheSyncFailures.Inc()
			e.logger.Error("cache sync failed", "driver_id", d.ID, "error", err)
		}
		if err := e.cache.InvalidateRegion(ctx, d.RegionID); err != nil {
			observability.CacheSyncFailures.Inc()
			e.logger.Error("region invalidation failed", "region_id", d.RegionID, "error", err)
		}
	}

	switch {
	case res.Previous != models.StatusActive && res.New == models.StatusActive:
		observability.DriversAvailable.Inc()
	case res.Previous == models.StatusActive && res.New != models.StatusActive:
		observability.DriversAvailable.Dec()
	}

	if e.pub != nil {
		ev := models.TransitionEvent{
			DriverID:  d.ID,
			RegionID:  d.RegionID,
			From:      res.Previous,
			To:        res.New,
			ActorID:   req.Actor.ID,
			ActorRole: req.Actor.Role,
			Reason:    req.Reason,
			Critical:  models.CriticalTransition(res.Previous, res.New),
			At:        e.now(),
		}
		if sample != nil {
			loc := sample.Loc
			ev.Loc = &loc
		}
		if err := e.pub.PublishTransition(ev); err != nil {
			observability.PublishFailures.Inc()
			e.logger.Error("transition publish failed", "driver_id", d.ID, "error", err)
		}
	}
}

// CurrentStatus is the read-side view of one driver.
type CurrentStatus struct {
	DriverID      string                 `json:"driver_id"`
	Status        models.Status          `json:"status"`
	IsAvailable   bool                   `json:"is_available"`
	Location      *models.LocationSample `json:"location,omitempty"`
	ActiveBooking bool                   `json:"active_booking"`
}

// GetCurrentStatus reads cache-first and falls back to the record store,
// repopulating the cache on a miss.
func (e *Engine) GetCurrentStatus(ctx context.Context, driverID string) (*CurrentStatus, error) {
	if e.cache != nil {
		if entry, err := e.cache.Get(ctx, driverID); err == nil && entry != nil {
			return e.statusFromEntry(ctx, entry)
		}
	}

	d, err := e.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, classify(err)
	}
	if !d.Active {
		return nil, ErrDriverNotFound
	}
	sample, err := e.store.LatestLocation(ctx, driverID)
	if err != nil {
		return nil, classify(err)
	}
	if sample != nil && sample.Expired(e.now()) {
		sample = nil
	}

	cs := &CurrentStatus{
		DriverID:    d.ID,
		Status:      d.Status,
		IsAvailable: d.Status == models.StatusActive,
		Location:    sample,
	}
	if e.guard != nil {
		if has, err := e.guard.HasActive(ctx, driverID); err == nil {
			cs.ActiveBooking = has
		}
	}

	if e.cache != nil {
		entry := &models.AvailabilityEntry{
			DriverID:     d.ID,
			RegionID:     d.RegionID,
			Status:       d.Status,
			Available:    cs.IsAvailable,
			Rating:       d.Rating,
			TripCount:    d.TripCount,
			ServiceTypes: d.ServiceTypes,
		}
		if sample != nil {
			entry.Loc = sample.Loc
			entry.RecordedAt = sample.RecordedAt
		}
		if err := e.cache.Upsert(ctx, entry); err != nil {
			observability.CacheSyncFailures.Inc()
		}
	}
	return cs, nil
}

func (e *Engine) statusFromEntry(ctx context.Context, entry *models.AvailabilityEntry) (*CurrentStatus, error) {
	cs := &CurrentStatus{
		DriverID:    entry.DriverID,
		Status:      entry.Status,
		IsAvailable: entry.Available,
	}
	if !entry.RecordedAt.IsZero() {
		cs.Location = &models.LocationSample{
			DriverID:    entry.DriverID,
			Loc:         entry.Loc,
			RecordedAt:  entry.RecordedAt,
			ExpiresAt:   entry.RecordedAt.Add(e.cfg.FreshnessWindow),
			IsAvailable: entry.Available,
			Status:      entry.Status,
		}
	}
	if e.guard != nil {
		if has, err := e.guard.HasActive(ctx, entry.DriverID); err == nil {
			cs.ActiveBooking = has
		}
	}
	return cs, nil
}

// GetStatusHistory pages through the audit trail, newest first.
func (e *Engine) GetStatusHistory(ctx context.Context, driverID string, limit, offset int) ([]models.StatusTransitionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	recs, err := e.store.StatusHistory(ctx, driverID, limit, offset)
	if err != nil {
		return nil, classify(err)
	}
	return recs, nil
}

// classify maps store-level failures onto the error taxonomy. Validation
// sentinels pass through; anything else on the write path is transient.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrGuardViolation),
		errors.Is(err, ErrInsufficientPermission),
		errors.Is(err, ErrDriverNotFound):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return ErrDriverNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errors.Join(ErrTransientStore, err)
	default:
		return errors.Join(ErrTransientStore, err)
	}
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrDriverNotFound):
		return "driver_not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrGuardViolation):
		return "guard_violation"
	case errors.Is(err, ErrInsufficientPermission):
		return "insufficient_permission"
	default:
		return "transient"
	}
}
