package storage

import (
	"context"
	"errors"

	"github.com/example/driver-availability/internal/models"
)

// ErrNotFound is returned when a driver row does not exist.
var ErrNotFound = errors.New("not found")

// TransitionTx is the view the engine gets inside a single-driver
// transaction. The driver row is locked for the lifetime of the callback, so
// concurrent transitions for the same driver serialize and each observes the
// previous commit before evaluating its guards.
type TransitionTx interface {
	// Driver returns the locked row as read at transaction start.
	Driver() *models.Driver
	// HasActiveBooking reads the booking guard inside this transaction,
	// closing the check-then-act window against concurrent booking writes.
	HasActiveBooking(ctx context.Context) (bool, error)
	SetStatus(ctx context.Context, to models.Status, available bool) error
	UpsertLocation(ctx context.Context, s *models.LocationSample) error
	AppendAudit(ctx context.Context, rec *models.StatusTransitionRecord) error
}

type TransitionFunc func(tx TransitionTx) error

// DriverStore defines persistence operations for drivers, their location
// samples, and the append-only audit trail.
type DriverStore interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	LatestLocation(ctx context.Context, driverID string) (*models.LocationSample, error)
	StatusHistory(ctx context.Context, driverID string, limit, offset int) ([]models.StatusTransitionRecord, error)
	// OpenRequestCount counts open dispatch requests within radiusKm of
	// center; a read-only demand signal for matcher responses.
	OpenRequestCount(ctx context.Context, center models.Coord, radiusKm float64) (int, error)
	// Transition runs fn inside one atomic unit scoped to driverID. If fn
	// returns an error the transaction rolls back with no side effects.
	Transition(ctx context.Context, driverID string, fn TransitionFunc) error
}
