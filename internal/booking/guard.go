// Package booking exposes a read-only guard view onto the external booking
// collaborator. This subsystem never mutates booking state; it only asks
// whether a driver currently has a booking in a non-terminal state.
package booking

import (
	"context"
	"database/sql"
	"sync"
)

// NonTerminalStatuses are the booking states that count as "active" for
// guard purposes.
var NonTerminalStatuses = []string{"assigned", "accepted", "en_route", "arrived", "in_progress"}

type Guard interface {
	HasActive(ctx context.Context, driverID string) (bool, error)
}

// PostgresGuard reads the bookings table over the shared pool.
type PostgresGuard struct {
	db *sql.DB
}

func NewPostgresGuard(db *sql.DB) *PostgresGuard { return &PostgresGuard{db: db} }

func (g *PostgresGuard) HasActive(ctx context.Context, driverID string) (bool, error) {
	return hasActive(ctx, g.db, driverID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// hasActive is shared with the transition transaction so the guard read can
// run on the transaction's connection.
func hasActive(ctx context.Context, q querier, driverID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM bookings
			WHERE driver_id = $1
			  AND status IN ('assigned','accepted','en_route','arrived','in_progress')
		)`, driverID,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// TxGuard wraps an open transaction so the engine's guard read shares its
// snapshot and locks.
func TxGuard(ctx context.Context, tx *sql.Tx, driverID string) (bool, error) {
	return hasActive(ctx, tx, driverID)
}

// MemoryGuard is an in-memory guard for tests and local runs.
type MemoryGuard struct {
	mu     sync.RWMutex
	active map[string]int
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{active: make(map[string]int)}
}

func (g *MemoryGuard) HasActive(ctx context.Context, driverID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active[driverID] > 0, nil
}

// Begin records a booking entering a non-terminal state.
func (g *MemoryGuard) Begin(driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active[driverID]++
}

// Finish records a booking reaching a terminal state.
func (g *MemoryGuard) Finish(driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[driverID] > 0 {
		g.active[driverID]--
	}
}
