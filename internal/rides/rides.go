// Package rides connects ride intake to asynchronous processing: Intake
// records a request and queues its job, Processor runs that job.
package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/airport-pooling/internal/demand"
	"github.com/example/airport-pooling/internal/jobs"
	"github.com/example/airport-pooling/internal/lock"
	"github.com/example/airport-pooling/internal/matcher"
	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/notify"
	"github.com/example/airport-pooling/internal/pricing"
	"github.com/example/airport-pooling/internal/storage"
)

type Submitter interface {
	Submit(ctx context.Context, rideID string) (*jobs.Job, bool, error)
}

type Intake struct {
	Rides  storage.RideStore
	Demand demand.Counter
	Jobs   Submitter
	Logger *slog.Logger
}

// Submit validates in, stores it as a PENDING ride, counts it towards demand
// and queues its processing job. enqueued is false if the job already
// existed.
func (i *Intake) Submit(ctx context.Context, in models.CreateRideInput) (ride *models.RideRequest, enqueued bool, err error) {
	if err := in.Validate(); err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	ride = &models.RideRequest{
		ID:              uuid.NewString(),
		UserID:          in.UserID,
		Pickup:          in.Pickup,
		Drop:            in.Drop,
		LuggageCount:    in.LuggageCount,
		SeatCount:       in.SeatCount,
		DetourTolerance: in.DetourTolerance,
		Status:          models.RideStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := i.Rides.CreateRide(ctx, ride); err != nil {
		return nil, false, fmt.Errorf("store ride: %w", err)
	}
	if _, err := i.Demand.Incr(ctx); err != nil {
		// surge reads low until the next request; the ride itself is fine
		i.Logger.Warn("demand increment failed", "ride_id", ride.ID, "error", err)
	}
	_, enqueued, err = i.Jobs.Submit(ctx, ride.ID)
	if err != nil {
		return ride, false, fmt.Errorf("queue ride %s: %w", ride.ID, err)
	}
	i.Logger.Info("ride requested", "ride_id", ride.ID, "user_id", ride.UserID, "seats", ride.SeatCount, "luggage", ride.LuggageCount)
	return ride, enqueued, nil
}

// Processor is the job handler for ride processing.
type Processor struct {
	Matcher  *matcher.Service
	Pricing  *pricing.Engine
	Rides    storage.RideStore
	Locks    lock.Coordinator
	LeaseTTL time.Duration
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Handle matches and prices the job's ride under its ride lock, then emits
// ride.matched. Every step re-checks state so a retried job only finishes
// what an earlier attempt left undone.
func (p *Processor) Handle(ctx context.Context, job *jobs.Job) error {
	var event *notify.Event
	err := lock.With(ctx, p.Locks, lock.RideKey(job.RideID), p.LeaseTTL, func(ctx context.Context) error {
		res, err := p.Matcher.Assign(ctx, job.RideID)
		if err != nil {
			return err
		}
		ride := res.Ride
		if ride == nil || ride.Status != models.RideStatusMatched || ride.Fare != nil {
			return nil
		}
		fare, err := p.Pricing.Fare(ctx, ride.ID)
		if errors.Is(err, models.ErrNotFound) {
			return jobs.Permanent(err)
		}
		if err != nil {
			return fmt.Errorf("price ride %s: %w", ride.ID, err)
		}
		ride.Fare = &fare
		ride.UpdatedAt = time.Now().UTC()
		if err := p.Rides.UpdateRide(ctx, ride); err != nil {
			return fmt.Errorf("save fare of ride %s: %w", ride.ID, err)
		}
		p.Logger.Info("ride priced", "ride_id", ride.ID, "pool_id", ride.PoolID, "fare", fare)
		e := notify.Matched(ride.ID, ride.PoolID, fare)
		event = &e
		return nil
	})
	if err != nil {
		return err
	}
	if event != nil {
		_ = p.Notifier.Notify(ctx, *event)
	}
	return nil
}
