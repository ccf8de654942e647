package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/observability"
	"github.com/example/airport-pooling/internal/storage"
)

// Registry applies pool transitions against a PoolStore. Every write is
// conditional on the version that was read, so two rides racing for the
// same pool cannot both commit against the same capacity snapshot.
type Registry struct {
	Store      storage.PoolStore
	MaxSeats   int
	MaxLuggage int
	// MaxRetries bounds reload-and-retry loops in Leave.
	MaxRetries int
	Logger     *slog.Logger
}

func NewRegistry(store storage.PoolStore, logger *slog.Logger) *Registry {
	return &Registry{
		Store:      store,
		MaxSeats:   DefaultMaxSeats,
		MaxLuggage: DefaultMaxLuggage,
		MaxRetries: 5,
		Logger:     logger,
	}
}

// Open creates and persists a new pool seeded with ride.
func (r *Registry) Open(ctx context.Context, ride *models.RideRequest) (*models.RidePool, error) {
	p, err := New(uuid.NewString(), ride, r.MaxSeats, r.MaxLuggage)
	if err != nil {
		return nil, err
	}
	if err := r.Store.CreatePool(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Join adds ride to p and writes it if p is still at the version it was
// read at. On success p reflects the stored pool; on failure p is untouched.
func (r *Registry) Join(ctx context.Context, p *models.RidePool, ride *models.RideRequest) error {
	next := p.Clone()
	if err := Add(next, ride); err != nil {
		return err
	}
	if err := Validate(next); err != nil {
		return err
	}
	if err := r.Store.UpdatePool(ctx, next, p.Version); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			observability.PoolConflicts.Inc()
		}
		return err
	}
	*p = *next
	return nil
}

// LeaveResult describes what Leave did to the pool.
type LeaveResult struct {
	PoolID  string
	Pool    *models.RidePool // nil when deleted
	Removed bool
	Deleted bool
	Clamps  Clamps
}

// Leave removes ride from pool poolID, deleting the pool once it has no
// passengers and reopening it otherwise. Version conflicts reload and retry.
// Counter clamps are logged as invariant violations and do not fail.
func (r *Registry) Leave(ctx context.Context, poolID string, ride *models.RideRequest) (LeaveResult, error) {
	res := LeaveResult{PoolID: poolID}
	for attempt := 0; attempt < r.MaxRetries; attempt++ {
		p, err := r.Store.GetPool(ctx, poolID)
		if err != nil {
			return res, err
		}
		expected := p.Version
		removed, clamps := Remove(p, ride)
		if !removed {
			res.Pool = p
			return res, nil
		}
		if Empty(p) {
			err = r.Store.DeletePool(ctx, p.ID, expected)
		} else {
			err = r.Store.UpdatePool(ctx, p, expected)
		}
		if errors.Is(err, models.ErrVersionConflict) {
			observability.PoolConflicts.Inc()
			continue
		}
		if err != nil {
			return res, err
		}
		res.Removed, res.Clamps = true, clamps
		if Empty(p) {
			res.Deleted = true
		} else {
			res.Pool = p
		}
		if clamps.Any() {
			r.reportClamps(p, ride, clamps)
		}
		return res, nil
	}
	return res, fmt.Errorf("leave pool %s after %d attempts: %w", poolID, r.MaxRetries, models.ErrVersionConflict)
}

func (r *Registry) reportClamps(p *models.RidePool, ride *models.RideRequest, c Clamps) {
	if c.Seats {
		observability.InvariantViolations.WithLabelValues("pool_seats_negative").Inc()
	}
	if c.Luggage {
		observability.InvariantViolations.WithLabelValues("pool_luggage_negative").Inc()
	}
	r.Logger.Warn("pool counter clamped at zero",
		"invariant_violation", true,
		"pool_id", p.ID,
		"ride_id", ride.ID,
		"seats_clamped", c.Seats,
		"luggage_clamped", c.Luggage,
	)
}
