// Package pricing computes ride fares from distance, surge and pooling.
package pricing

import (
	"context"
	"fmt"
	"math"

	"github.com/example/airport-pooling/internal/demand"
	"github.com/example/airport-pooling/internal/geo"
	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/observability"
)

const (
	BaseFare     = 100
	PerKmRate    = 15
	PoolDiscount = 0.8
)

// RideGetter is the slice of the ride store pricing needs.
type RideGetter interface {
	GetRide(ctx context.Context, id string) (*models.RideRequest, error)
}

type Engine struct {
	Rides  RideGetter
	Demand demand.Counter
}

// Quote is a fare with the factors that produced it.
type Quote struct {
	DistanceKm float64 `json:"distance_km"`
	Surge      float64 `json:"surge_multiplier"`
	Pooled     bool    `json:"pooled"`
	Amount     int64   `json:"amount"`
}

// SurgeMultiplier maps the number of active requests onto a price tier.
func SurgeMultiplier(activeRequests int64) float64 {
	switch {
	case activeRequests < 10:
		return 1.0
	case activeRequests < 20:
		return 1.2
	case activeRequests < 50:
		return 1.5
	default:
		return 2.0
	}
}

// Compute prices a trip: round((base + km*rate) * surge * discount).
func Compute(pickup, drop models.Coord, pooled bool, activeRequests int64) Quote {
	q := Quote{
		DistanceKm: geo.DistanceKm(pickup, drop),
		Surge:      SurgeMultiplier(activeRequests),
		Pooled:     pooled,
	}
	fare := (BaseFare + q.DistanceKm*PerKmRate) * q.Surge
	if pooled {
		fare *= PoolDiscount
	}
	q.Amount = int64(math.Round(fare))
	return q
}

// Fare prices a persisted ride at the current demand. It fails with
// models.ErrNotFound when the ride does not exist.
func (e *Engine) Fare(ctx context.Context, rideID string) (int64, error) {
	ride, err := e.Rides.GetRide(ctx, rideID)
	if err != nil {
		return 0, err
	}
	d, err := e.Demand.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("read demand: %w", err)
	}
	observability.DemandGauge.Set(float64(d))
	q := Compute(ride.Pickup, ride.Drop, ride.Pooled(), d)
	observability.FaresComputed.Observe(float64(q.Amount))
	return q.Amount, nil
}

// Estimate quotes a trip that has not been requested yet.
func (e *Engine) Estimate(ctx context.Context, pickup, drop models.Coord, pooled bool) (Quote, error) {
	d, err := e.Demand.Get(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("read demand: %w", err)
	}
	return Compute(pickup, drop, pooled, d), nil
}
