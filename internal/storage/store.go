package storage

import (
	"context"

	"github.com/example/airport-pooling/internal/models"
)

// RideStore persists ride requests. Rides are never deleted.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.RideRequest) error
	GetRide(ctx context.Context, id string) (*models.RideRequest, error)
	UpdateRide(ctx context.Context, r *models.RideRequest) error
}

// PoolStore persists ride pools. UpdatePool and DeletePool are conditional
// on the version the caller read and fail with models.ErrVersionConflict
// when it moved; a successful UpdatePool bumps p.Version.
type PoolStore interface {
	CreatePool(ctx context.Context, p *models.RidePool) error
	GetPool(ctx context.Context, id string) (*models.RidePool, error)
	// ListOpenPools returns OPEN pools in creation order.
	ListOpenPools(ctx context.Context) ([]*models.RidePool, error)
	FindPoolByPassenger(ctx context.Context, rideID string) (*models.RidePool, error)
	UpdatePool(ctx context.Context, p *models.RidePool, expectedVersion int64) error
	DeletePool(ctx context.Context, id string, expectedVersion int64) error
}

// Store is the full persistence surface used by the app wiring.
type Store interface {
	RideStore
	PoolStore
}
