// Package matcher assigns pending rides to pools with a greedy
// nearest-deviation heuristic.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/airport-pooling/internal/lock"
	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/observability"
	"github.com/example/airport-pooling/internal/pool"
	"github.com/example/airport-pooling/internal/storage"
)

type Outcome string

const (
	OutcomeJoined    Outcome = "joined"
	OutcomeCreated   Outcome = "created"
	OutcomeRecovered Outcome = "recovered"
	// OutcomeSkipped covers missing rides and rides that are no longer
	// PENDING. Nothing was written.
	OutcomeSkipped Outcome = "skipped"
)

type Result struct {
	Ride      *models.RideRequest
	Pool      *models.RidePool
	Outcome   Outcome
	Deviation float64
}

func (r Result) Skipped() bool { return r.Outcome == OutcomeSkipped }

type Service struct {
	Rides    storage.RideStore
	Pools    *pool.Registry
	Scorer   Scorer
	Locks    lock.Coordinator
	LeaseTTL time.Duration
	// MaxReselect bounds how often a lost pool race is retried before the
	// attempt is handed back to the job queue.
	MaxReselect int
	Logger      *slog.Logger
}

const DefaultLeaseTTL = 2 * time.Second

func New(rides storage.RideStore, pools *pool.Registry, locks lock.Coordinator, logger *slog.Logger) *Service {
	return &Service{
		Rides:       rides,
		Pools:       pools,
		Scorer:      FirstPassengerScorer{Rides: rides},
		Locks:       locks,
		LeaseTTL:    DefaultLeaseTTL,
		MaxReselect: 5,
		Logger:      logger,
	}
}

// Match assigns rideID while holding its ride lock.
func (s *Service) Match(ctx context.Context, rideID string) (Result, error) {
	var res Result
	err := lock.With(ctx, s.Locks, lock.RideKey(rideID), s.LeaseTTL, func(ctx context.Context) error {
		var err error
		res, err = s.Assign(ctx, rideID)
		return err
	})
	return res, err
}

// Assign matches rideID. The caller must hold lock.RideKey(rideID). Re-running
// Assign for a ride that is already matched is a no-op.
func (s *Service) Assign(ctx context.Context, rideID string) (Result, error) {
	start := time.Now()
	ride, err := s.Rides.GetRide(ctx, rideID)
	if errors.Is(err, models.ErrNotFound) {
		s.Logger.Debug("ride vanished before matching", "ride_id", rideID)
		return Result{Outcome: OutcomeSkipped}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load ride %s: %w", rideID, err)
	}
	if ride.Status != models.RideStatusPending {
		return Result{Ride: ride, Outcome: OutcomeSkipped}, nil
	}

	res, err := s.place(ctx, ride)
	if err != nil {
		return Result{}, err
	}

	ride.Status = models.RideStatusMatched
	ride.PoolID = res.Pool.ID
	ride.UpdatedAt = time.Now().UTC()
	if err := s.Rides.UpdateRide(ctx, ride); err != nil {
		return Result{}, fmt.Errorf("save matched ride %s: %w", rideID, err)
	}
	res.Ride = ride

	observability.MatchesTotal.WithLabelValues(string(res.Outcome)).Inc()
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	s.Logger.Info("ride matched",
		"ride_id", ride.ID,
		"pool_id", res.Pool.ID,
		"outcome", res.Outcome,
		"deviation_km", res.Deviation,
		"pool_seats", res.Pool.CurrentSeats,
		"pool_status", res.Pool.Status,
	)
	return res, nil
}

// place puts ride into a pool and returns it. A pool that already lists the
// ride is adopted: an earlier attempt joined but failed before saving the
// ride.
func (s *Service) place(ctx context.Context, ride *models.RideRequest) (Result, error) {
	p, err := s.Pools.Store.FindPoolByPassenger(ctx, ride.ID)
	if err == nil {
		return Result{Pool: p, Outcome: OutcomeRecovered}, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return Result{}, fmt.Errorf("look up pool of ride %s: %w", ride.ID, err)
	}

	for attempt := 0; attempt <= s.MaxReselect; attempt++ {
		open, err := s.Pools.Store.ListOpenPools(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("list open pools: %w", err)
		}
		best, dev, err := Select(ctx, s.Scorer, ride, open)
		if err != nil {
			return Result{}, err
		}
		if best == nil {
			p, err := s.Pools.Open(ctx, ride)
			if err != nil {
				return Result{}, fmt.Errorf("open pool for ride %s: %w", ride.ID, err)
			}
			return Result{Pool: p, Outcome: OutcomeCreated}, nil
		}
		err = s.Pools.Join(ctx, best, ride)
		if errors.Is(err, models.ErrVersionConflict) || errors.Is(err, models.ErrCapacityExceeded) || errors.Is(err, models.ErrNotFound) {
			// the pool filled up, changed or emptied out since it was listed
			s.Logger.Debug("lost race for pool, reselecting", "ride_id", ride.ID, "pool_id", best.ID, "attempt", attempt)
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("join pool %s: %w", best.ID, err)
		}
		return Result{Pool: best, Outcome: OutcomeJoined, Deviation: dev}, nil
	}
	return Result{}, fmt.Errorf("match ride %s: gave up after %d reselects: %w", ride.ID, s.MaxReselect, models.ErrVersionConflict)
}

// Select returns the feasible pool with strictly minimal deviation within the
// ride's detour tolerance, or nil. Ties go to the earliest pool in pools.
func Select(ctx context.Context, scorer Scorer, ride *models.RideRequest, pools []*models.RidePool) (*models.RidePool, float64, error) {
	var (
		best    *models.RidePool
		bestDev float64
	)
	for _, p := range pools {
		if p.Status != models.PoolStatusOpen || !pool.Fits(p, ride) {
			continue
		}
		dev, ok, err := scorer.Deviation(ctx, ride, p)
		if err != nil {
			return nil, 0, fmt.Errorf("score pool %s: %w", p.ID, err)
		}
		if !ok || dev > ride.DetourTolerance {
			continue
		}
		if best == nil || dev < bestDev {
			best, bestDev = p, dev
		}
	}
	return best, bestDev, nil
}
