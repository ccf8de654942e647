// Package pool holds the ride pool state machine. The functions in this file
// are pure transitions on a *models.RidePool; Registry persists them.
package pool

import (
	"fmt"
	"time"

	"github.com/example/airport-pooling/internal/models"
)

const (
	DefaultMaxSeats   = 4
	DefaultMaxLuggage = 6
)

// New seeds an OPEN pool with ride as its only passenger.
func New(id string, ride *models.RideRequest, maxSeats, maxLuggage int) (*models.RidePool, error) {
	now := time.Now().UTC()
	p := &models.RidePool{
		ID:         id,
		MaxSeats:   maxSeats,
		MaxLuggage: maxLuggage,
		Status:     models.PoolStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := Add(p, ride); err != nil {
		return nil, err
	}
	return p, nil
}

// Fits reports whether ride's seats and luggage fit the remaining capacity.
func Fits(p *models.RidePool, ride *models.RideRequest) bool {
	return p.CurrentSeats+ride.SeatCount <= p.MaxSeats &&
		p.CurrentLuggage+ride.LuggageCount <= p.MaxLuggage
}

// Add appends ride to the pool. Adding a ride that is already a passenger is
// a no-op so a retried join cannot double count.
func Add(p *models.RidePool, ride *models.RideRequest) error {
	if p.HasPassenger(ride.ID) {
		return nil
	}
	if p.Status == models.PoolStatusCompleted {
		return fmt.Errorf("pool %s is completed: %w", p.ID, models.ErrCapacityExceeded)
	}
	if !Fits(p, ride) {
		return fmt.Errorf("pool %s seats %d+%d/%d luggage %d+%d/%d: %w", p.ID,
			p.CurrentSeats, ride.SeatCount, p.MaxSeats,
			p.CurrentLuggage, ride.LuggageCount, p.MaxLuggage, models.ErrCapacityExceeded)
	}
	p.Passengers = append(p.Passengers, ride.ID)
	p.CurrentSeats += ride.SeatCount
	p.CurrentLuggage += ride.LuggageCount
	Recompute(p)
	return nil
}

// Clamps records counters that would have gone negative on removal. Any
// clamp means the stored totals disagreed with the passenger list.
type Clamps struct {
	Seats   bool
	Luggage bool
}

func (c Clamps) Any() bool { return c.Seats || c.Luggage }

// Remove takes ride out of the pool and reopens it. removed is false when
// ride was not a passenger, in which case p is unchanged.
func Remove(p *models.RidePool, ride *models.RideRequest) (removed bool, clamps Clamps) {
	if !p.HasPassenger(ride.ID) {
		return false, Clamps{}
	}
	kept := p.Passengers[:0:0]
	for _, id := range p.Passengers {
		if id != ride.ID {
			kept = append(kept, id)
		}
	}
	p.Passengers = kept

	p.CurrentSeats -= ride.SeatCount
	if p.CurrentSeats < 0 {
		p.CurrentSeats = 0
		clamps.Seats = true
	}
	p.CurrentLuggage -= ride.LuggageCount
	if p.CurrentLuggage < 0 {
		p.CurrentLuggage = 0
		clamps.Luggage = true
	}
	if p.Status != models.PoolStatusCompleted {
		p.Status = models.PoolStatusOpen
	}
	return true, clamps
}

// Recompute derives OPEN/FULL from the seat totals. Completed pools keep
// their status.
func Recompute(p *models.RidePool) {
	if p.Status == models.PoolStatusCompleted {
		return
	}
	if p.CurrentSeats >= p.MaxSeats {
		p.Status = models.PoolStatusFull
	} else {
		p.Status = models.PoolStatusOpen
	}
}

// Empty pools must be deleted rather than persisted.
func Empty(p *models.RidePool) bool { return len(p.Passengers) == 0 }

// Validate checks the capacity and status invariants of a pool about to be
// persisted.
func Validate(p *models.RidePool) error {
	switch {
	case p.CurrentSeats < 0 || p.CurrentSeats > p.MaxSeats:
		return fmt.Errorf("pool %s seats %d outside [0,%d]: %w", p.ID, p.CurrentSeats, p.MaxSeats, models.ErrCapacityExceeded)
	case p.CurrentLuggage < 0 || p.CurrentLuggage > p.MaxLuggage:
		return fmt.Errorf("pool %s luggage %d outside [0,%d]: %w", p.ID, p.CurrentLuggage, p.MaxLuggage, models.ErrCapacityExceeded)
	case p.Status != models.PoolStatusCompleted && (p.Status == models.PoolStatusFull) != (p.CurrentSeats == p.MaxSeats):
		return fmt.Errorf("pool %s status %s with %d/%d seats", p.ID, p.Status, p.CurrentSeats, p.MaxSeats)
	case Empty(p):
		return fmt.Errorf("pool %s has no passengers", p.ID)
	}
	return nil
}
