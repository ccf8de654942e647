package matcher

import (
	"context"
	"errors"

	"github.com/example/airport-pooling/internal/geo"
	"github.com/example/airport-pooling/internal/models"
)

// Scorer measures how far a ride would pull a pool off its course. ok is
// false when the pool cannot be scored and must be skipped.
type Scorer interface {
	Deviation(ctx context.Context, ride *models.RideRequest, p *models.RidePool) (km float64, ok bool, err error)
}

// RideGetter loads the passengers a scorer compares against.
type RideGetter interface {
	GetRide(ctx context.Context, id string) (*models.RideRequest, error)
}

// FirstPassengerScorer uses the pool's first passenger as its representative:
// deviation is the great-circle distance between the two pickups, rounded to
// 0.01 km.
type FirstPassengerScorer struct {
	Rides RideGetter
}

func (s FirstPassengerScorer) Deviation(ctx context.Context, ride *models.RideRequest, p *models.RidePool) (float64, bool, error) {
	if len(p.Passengers) == 0 {
		return 0, false, nil
	}
	first, err := s.Rides.GetRide(ctx, p.Passengers[0])
	if errors.Is(err, models.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return geo.RoundKm(geo.DistanceKm(ride.Pickup, first.Pickup)), true, nil
}
