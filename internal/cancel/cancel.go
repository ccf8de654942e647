// Package cancel reverses what pooling and demand tracking did for a ride.
package cancel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/airport-pooling/internal/demand"
	"github.com/example/airport-pooling/internal/lock"
	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/notify"
	"github.com/example/airport-pooling/internal/observability"
	"github.com/example/airport-pooling/internal/pool"
	"github.com/example/airport-pooling/internal/storage"
)

const DefaultLeaseTTL = 3 * time.Second

type Result struct {
	RideID      string `json:"ride_id"`
	PoolID      string `json:"pool_id,omitempty"`
	PoolDeleted bool   `json:"pool_deleted"`
}

type Compensator struct {
	Rides    storage.RideStore
	Pools    *pool.Registry
	Demand   demand.Counter
	Locks    lock.Coordinator
	LeaseTTL time.Duration
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Cancel cancels rideID under the same ride lock matching uses. It fails
// with models.ErrNotFound for an unknown ride and models.ErrConflict for a
// ride that is already cancelled; neither mutates anything.
//
// The ride leaves its pool before it is marked CANCELLED, so a failure in
// between leaves a PENDING or MATCHED ride that a retry can finish.
func (c *Compensator) Cancel(ctx context.Context, rideID string) (Result, error) {
	res := Result{RideID: rideID}
	err := lock.With(ctx, c.Locks, lock.RideKey(rideID), c.LeaseTTL, func(ctx context.Context) error {
		ride, err := c.Rides.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		if ride.Status == models.RideStatusCancelled {
			return fmt.Errorf("ride %s already cancelled: %w", rideID, models.ErrConflict)
		}
		res.PoolID = ride.PoolID

		if ride.PoolID != "" {
			left, err := c.Pools.Leave(ctx, ride.PoolID, ride)
			switch {
			case errors.Is(err, models.ErrNotFound):
				observability.InvariantViolations.WithLabelValues("pool_missing").Inc()
				c.Logger.Warn("ride points at missing pool", "invariant_violation", true, "ride_id", rideID, "pool_id", ride.PoolID)
				res.PoolID = ""
			case err != nil:
				return fmt.Errorf("leave pool %s: %w", ride.PoolID, err)
			default:
				res.PoolDeleted = left.Deleted
			}
		}

		ride.Status = models.RideStatusCancelled
		ride.UpdatedAt = time.Now().UTC()
		if err := c.Rides.UpdateRide(ctx, ride); err != nil {
			return fmt.Errorf("save cancelled ride %s: %w", rideID, err)
		}

		v, clamped, err := c.Demand.Decr(ctx)
		switch {
		case err != nil:
			c.Logger.Warn("demand decrement failed", "ride_id", rideID, "error", err)
		case clamped:
			observability.InvariantViolations.WithLabelValues("demand_negative").Inc()
			c.Logger.Warn("demand counter already at zero", "invariant_violation", true, "ride_id", rideID)
		default:
			observability.DemandGauge.Set(float64(v))
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	observability.Cancellations.Inc()
	c.Logger.Info("ride cancelled", "ride_id", rideID, "pool_id", res.PoolID, "pool_deleted", res.PoolDeleted)
	_ = c.Notifier.Notify(ctx, notify.Cancelled(rideID, res.PoolID))
	return res, nil
}
