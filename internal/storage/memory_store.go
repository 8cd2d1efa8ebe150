package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/driver-availability/internal/booking"
	"github.com/example/driver-availability/internal/geo"
	"github.com/example/driver-availability/internal/models"
)

// MemoryStore keeps everything in process. Used in tests and when no PG_DSN
// is configured. Per-driver mutexes mirror the row-level locking of the
// Postgres store: transitions for the same driver serialize, different
// drivers do not block each other.
type MemoryStore struct {
	mu        sync.RWMutex
	drivers   map[string]*models.Driver
	locations map[string]*models.LocationSample
	audit     map[string][]models.StatusTransitionRecord
	requests  []models.Coord
	rowLocks  map[string]*sync.Mutex
	guard     booking.Guard
}

func NewMemoryStore(guard booking.Guard) *MemoryStore {
	return &MemoryStore{
		drivers:   make(map[string]*models.Driver),
		locations: make(map[string]*models.LocationSample),
		audit:     make(map[string][]models.StatusTransitionRecord),
		rowLocks:  make(map[string]*sync.Mutex),
		guard:     guard,
	}
}

// PutDriver seeds or replaces a driver record.
func (m *MemoryStore) PutDriver(d *models.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.drivers[d.ID] = &cp
}

// AddOpenRequest seeds an open dispatch request for the demand signal.
func (m *MemoryStore) AddOpenRequest(c models.Coord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, c)
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) LatestLocation(ctx context.Context, driverID string) (*models.LocationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.locations[driverID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) StatusHistory(ctx context.Context, driverID string, limit, offset int) ([]models.StatusTransitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.audit[driverID]
	out := make([]models.StatusTransitionRecord, len(recs))
	copy(out, recs)
	// newest first
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) OpenRequestCount(ctx context.Context, center models.Coord, radiusKm float64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.requests {
		if geo.HaversineKm(center.Lat, center.Lon, c.Lat, c.Lon) <= radiusKm {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Transition(ctx context.Context, driverID string, fn TransitionFunc) error {
	lock := m.rowLock(driverID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	d, ok := m.drivers[driverID]
	var snapshot *models.Driver
	if ok {
		cp := *d
		snapshot = &cp
	}
	m.mu.RUnlock()

	tx := &memoryTx{store: m, driverID: driverID, driver: snapshot}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) rowLock(driverID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rowLocks[driverID]
	if !ok {
		l = &sync.Mutex{}
		m.rowLocks[driverID] = l
	}
	return l
}

// memoryTx buffers writes and applies them only if the callback succeeds,
// matching the rollback semantics of the SQL store.
type memoryTx struct {
	store    *MemoryStore
	driverID string
	driver   *models.Driver

	newStatus    *models.Status
	newAvailable bool
	newLocation  *models.LocationSample
	newAudit     []models.StatusTransitionRecord
}

func (t *memoryTx) Driver() *models.Driver { return t.driver }

func (t *memoryTx) HasActiveBooking(ctx context.Context) (bool, error) {
	if t.store.guard == nil {
		return false, nil
	}
	return t.store.guard.HasActive(ctx, t.driverID)
}

func (t *memoryTx) SetStatus(ctx context.Context, to models.Status, available bool) error {
	t.newStatus = &to
	t.newAvailable = available
	return nil
}

func (t *memoryTx) UpsertLocation(ctx context.Context, s *models.LocationSample) error {
	cp := *s
	t.newLocation = &cp
	return nil
}

func (t *memoryTx) AppendAudit(ctx context.Context, rec *models.StatusTransitionRecord) error {
	t.newAudit = append(t.newAudit, *rec)
	return nil
}

func (t *memoryTx) commit() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if d, ok := t.store.drivers[t.driverID]; ok && t.newStatus != nil {
		d.Status = *t.newStatus
		d.UpdatedAt = time.Now()
	}
	if t.newLocation != nil {
		t.store.locations[t.driverID] = t.newLocation
	} else if cur, ok := t.store.locations[t.driverID]; ok && t.newStatus != nil {
		cur.IsAvailable = t.newAvailable
		cur.Status = *t.newStatus
	}
	t.store.audit[t.driverID] = append(t.store.audit[t.driverID], t.newAudit...)
}
