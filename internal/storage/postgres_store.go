package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/driver-availability/internal/booking"
	"github.com/example/driver-availability/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying pool for collaborators sharing the connection
// (booking guard, migrations).
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, region_id, status, rating, trip_count, service_types, active, updated_at
		FROM drivers WHERE id = $1`, id)
	return scanDriver(row)
}

func (p *PostgresStore) LatestLocation(ctx context.Context, driverID string) (*models.LocationSample, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT driver_id, lat, lon, heading, speed_kmh, accuracy_m,
		       recorded_at, expires_at, is_available, status
		FROM driver_locations WHERE driver_id = $1`, driverID)

	var s models.LocationSample
	var heading, speed, accuracy sql.NullFloat64
	err := row.Scan(&s.DriverID, &s.Loc.Lat, &s.Loc.Lon, &heading, &speed, &accuracy,
		&s.RecordedAt, &s.ExpiresAt, &s.IsAvailable, &s.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if heading.Valid {
		s.Heading = &heading.Float64
	}
	if speed.Valid {
		s.SpeedKmh = &speed.Float64
	}
	if accuracy.Valid {
		s.AccuracyM = &accuracy.Float64
	}
	return &s, nil
}

func (p *PostgresStore) StatusHistory(ctx context.Context, driverID string, limit, offset int) ([]models.StatusTransitionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, driver_id, from_status, to_status, actor_id, actor_role, reason, region_id, created_at
		FROM status_transitions
		WHERE driver_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, driverID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StatusTransitionRecord
	for rows.Next() {
		var r models.StatusTransitionRecord
		var reason sql.NullString
		if err := rows.Scan(&r.ID, &r.DriverID, &r.From, &r.To, &r.ActorID, &r.ActorRole,
			&reason, &r.RegionID, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Reason = reason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) OpenRequestCount(ctx context.Context, center models.Coord, radiusKm float64) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dispatch_requests
		WHERE status = 'open'
		  AND 2 * 6371 * asin(sqrt(
		        pow(sin(radians(($1 - lat) / 2)), 2) +
		        cos(radians($1)) * cos(radians(lat)) *
		        pow(sin(radians(($2 - lon) / 2)), 2)
		      )) <= $3`,
		center.Lat, center.Lon, radiusKm,
	).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Transition runs fn with the driver row locked (SELECT ... FOR UPDATE), so
// two concurrent calls for the same driver serialize and the second observes
// the first's committed state before its own guard evaluation.
func (p *PostgresStore) Transition(ctx context.Context, driverID string, fn TransitionFunc) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, region_id, status, rating, trip_count, service_types, active, updated_at
		FROM drivers WHERE id = $1 FOR UPDATE`, driverID)
	d, err := scanDriver(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	ptx := &postgresTx{tx: tx, driverID: driverID, driver: d}
	if err := fn(ptx); err != nil {
		return err
	}
	return tx.Commit()
}

type postgresTx struct {
	tx       *sql.Tx
	driverID string
	driver   *models.Driver
}

func (t *postgresTx) Driver() *models.Driver { return t.driver }

func (t *postgresTx) HasActiveBooking(ctx context.Context) (bool, error) {
	return booking.TxGuard(ctx, t.tx, t.driverID)
}

func (t *postgresTx) SetStatus(ctx context.Context, to models.Status, available bool) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE drivers SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(to), t.driverID)
	if err != nil {
		return err
	}
	// keep the persisted sample's availability in step with the status when
	// no fresh location accompanies the transition
	_, err = t.tx.ExecContext(ctx, `
		UPDATE driver_locations SET is_available = $1, status = $2 WHERE driver_id = $3`,
		available, string(to), t.driverID)
	return err
}

func (t *postgresTx) UpsertLocation(ctx context.Context, s *models.LocationSample) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO driver_locations (
			driver_id, lat, lon, heading, speed_kmh, accuracy_m,
			recorded_at, expires_at, is_available, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (driver_id) DO UPDATE SET
			lat = EXCLUDED.lat, lon = EXCLUDED.lon,
			heading = EXCLUDED.heading, speed_kmh = EXCLUDED.speed_kmh,
			accuracy_m = EXCLUDED.accuracy_m,
			recorded_at = EXCLUDED.recorded_at, expires_at = EXCLUDED.expires_at,
			is_available = EXCLUDED.is_available, status = EXCLUDED.status`,
		s.DriverID, s.Loc.Lat, s.Loc.Lon, s.Heading, s.SpeedKmh, s.AccuracyM,
		s.RecordedAt, s.ExpiresAt, s.IsAvailable, string(s.Status))
	return err
}

func (t *postgresTx) AppendAudit(ctx context.Context, rec *models.StatusTransitionRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO status_transitions (
			id, driver_id, from_status, to_status, actor_id, actor_role, reason, region_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ID, rec.DriverID, string(rec.From), string(rec.To),
		rec.ActorID, string(rec.ActorRole), nullable(rec.Reason), rec.RegionID, rec.CreatedAt)
	return err
}

func scanDriver(row *sql.Row) (*models.Driver, error) {
	var d models.Driver
	err := row.Scan(&d.ID, &d.RegionID, &d.Status, &d.Rating, &d.TripCount,
		pq.Array(&d.ServiceTypes), &d.Active, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
