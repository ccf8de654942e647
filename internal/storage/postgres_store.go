package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/airport-pooling/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const rideColumns = `id, user_id, pickup_lat, pickup_lon, drop_lat, drop_lon, luggage_count, seat_count, detour_tolerance, status, pool_id, fare, created_at, updated_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests(`+rideColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.UserID, r.Pickup.Lat, r.Pickup.Lon, r.Drop.Lat, r.Drop.Lon, r.LuggageCount, r.SeatCount, r.DetourTolerance,
		string(r.Status), nullString(r.PoolID), r.Fare, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ride %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.RideRequest, error) {
	var (
		r      models.RideRequest
		status string
		poolID sql.NullString
		fare   sql.NullInt64
	)
	err := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM ride_requests WHERE id = $1`, id).Scan(
		&r.ID, &r.UserID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Drop.Lat, &r.Drop.Lon, &r.LuggageCount, &r.SeatCount,
		&r.DetourTolerance, &status, &poolID, &fare, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ride %s: %w", id, err)
	}
	r.Status = models.RideStatus(status)
	r.PoolID = poolID.String
	if fare.Valid {
		f := fare.Int64
		r.Fare = &f
	}
	return &r, nil
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.RideRequest) error {
	r.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx, `UPDATE ride_requests SET status=$1, pool_id=$2, fare=$3, updated_at=$4 WHERE id=$5`,
		string(r.Status), nullString(r.PoolID), r.Fare, r.UpdatedAt, r.ID)
	if err != nil {
		return fmt.Errorf("update ride %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ride %s: %w", r.ID, models.ErrNotFound)
	}
	return nil
}

const poolColumns = `id, passengers, max_seats, max_luggage, current_seats, current_luggage, status, total_distance, version, created_at, updated_at`

func (p *PostgresStore) CreatePool(ctx context.Context, pool *models.RidePool) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_pools(`+poolColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		pool.ID, pq.Array(pool.Passengers), pool.MaxSeats, pool.MaxLuggage, pool.CurrentSeats, pool.CurrentLuggage,
		string(pool.Status), pool.TotalDistance, pool.Version, pool.CreatedAt, pool.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert pool %s: %w", pool.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetPool(ctx context.Context, id string) (*models.RidePool, error) {
	pool, err := scanPool(p.db.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM ride_pools WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}
	return pool, nil
}

func (p *PostgresStore) ListOpenPools(ctx context.Context) ([]*models.RidePool, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+poolColumns+` FROM ride_pools WHERE status = $1 ORDER BY created_at, id`, string(models.PoolStatusOpen))
	if err != nil {
		return nil, fmt.Errorf("list open pools: %w", err)
	}
	defer rows.Close()
	var out []*models.RidePool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		out = append(out, pool)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindPoolByPassenger(ctx context.Context, rideID string) (*models.RidePool, error) {
	pool, err := scanPool(p.db.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM ride_pools WHERE $1 = ANY(passengers) LIMIT 1`, rideID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pool for ride %s: %w", rideID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find pool for ride %s: %w", rideID, err)
	}
	return pool, nil
}

// UpdatePool is a compare-and-set on version; zero affected rows means the
// pool is gone or another writer got there first.
func (p *PostgresStore) UpdatePool(ctx context.Context, pool *models.RidePool, expectedVersion int64) error {
	now := time.Now().UTC()
	res, err := p.db.ExecContext(ctx, `UPDATE ride_pools
		SET passengers=$1, current_seats=$2, current_luggage=$3, status=$4, total_distance=$5, version=version+1, updated_at=$6
		WHERE id=$7 AND version=$8`,
		pq.Array(pool.Passengers), pool.CurrentSeats, pool.CurrentLuggage, string(pool.Status), pool.TotalDistance, now,
		pool.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update pool %s: %w", pool.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.missOrConflict(ctx, pool.ID)
	}
	pool.Version = expectedVersion + 1
	pool.UpdatedAt = now
	return nil
}

func (p *PostgresStore) DeletePool(ctx context.Context, id string, expectedVersion int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM ride_pools WHERE id=$1 AND version=$2`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete pool %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.missOrConflict(ctx, id)
	}
	return nil
}

func (p *PostgresStore) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM ride_pools WHERE id=$1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check pool %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("pool %s: %w", id, models.ErrNotFound)
	}
	return fmt.Errorf("pool %s: %w", id, models.ErrVersionConflict)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (*models.RidePool, error) {
	var (
		pool       models.RidePool
		passengers pq.StringArray
		status     string
	)
	if err := row.Scan(&pool.ID, &passengers, &pool.MaxSeats, &pool.MaxLuggage, &pool.CurrentSeats, &pool.CurrentLuggage,
		&status, &pool.TotalDistance, &pool.Version, &pool.CreatedAt, &pool.UpdatedAt); err != nil {
		return nil, err
	}
	pool.Passengers = []string(passengers)
	pool.Status = models.PoolStatus(status)
	return &pool, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ApplyMigration runs a schema script. Scripts must be idempotent.
func (p *PostgresStore) ApplyMigration(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}
