package models

import (
	"fmt"
	"time"
)

// Coord is a WGS84 point in decimal degrees.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type RideStatus string

const (
	RideStatusPending   RideStatus = "PENDING"
	RideStatusMatched   RideStatus = "MATCHED"
	RideStatusCancelled RideStatus = "CANCELLED"
	RideStatusCompleted RideStatus = "COMPLETED"
)

type PoolStatus string

const (
	PoolStatusOpen      PoolStatus = "OPEN"
	PoolStatusFull      PoolStatus = "FULL"
	PoolStatusCompleted PoolStatus = "COMPLETED"
)

// RideRequest is a passenger's request to share a ride from the airport.
// PoolID is set once the ride is MATCHED; Fare is set once it is priced.
type RideRequest struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Pickup          Coord      `json:"pickup"`
	Drop            Coord      `json:"drop"`
	LuggageCount    int        `json:"luggage_count"`
	SeatCount       int        `json:"seat_count"`
	DetourTolerance float64    `json:"detour_tolerance"`
	Status          RideStatus `json:"status"`
	PoolID          string     `json:"pool_id,omitempty"`
	Fare            *int64     `json:"fare,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (r *RideRequest) Pooled() bool { return r.PoolID != "" }

// Clone returns a deep copy so stores never share mutable state with callers.
func (r *RideRequest) Clone() *RideRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.Fare != nil {
		f := *r.Fare
		c.Fare = &f
	}
	return &c
}

// RidePool groups ride requests sharing one vehicle. Version is bumped on
// every persisted write and guards concurrent joins/leaves.
type RidePool struct {
	ID             string     `json:"id"`
	Passengers     []string   `json:"passengers"`
	MaxSeats       int        `json:"max_seats"`
	MaxLuggage     int        `json:"max_luggage"`
	CurrentSeats   int        `json:"current_seats"`
	CurrentLuggage int        `json:"current_luggage"`
	Status         PoolStatus `json:"status"`
	TotalDistance  float64    `json:"total_distance"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (p *RidePool) Clone() *RidePool {
	if p == nil {
		return nil
	}
	c := *p
	c.Passengers = append([]string(nil), p.Passengers...)
	return &c
}

func (p *RidePool) HasPassenger(rideID string) bool {
	for _, id := range p.Passengers {
		if id == rideID {
			return true
		}
	}
	return false
}

// CreateRideInput is the intake payload.
type CreateRideInput struct {
	UserID          string  `json:"user_id"`
	Pickup          Coord   `json:"pickup"`
	Drop            Coord   `json:"drop"`
	LuggageCount    int     `json:"luggage_count"`
	SeatCount       int     `json:"seat_count"`
	DetourTolerance float64 `json:"detour_tolerance"`
}

const (
	MaxLuggageCount    = 10
	MinSeatCount       = 1
	MaxSeatCount       = 4
	MaxDetourTolerance = 60
)

func (in CreateRideInput) Validate() error {
	if in.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if !validCoord(in.Pickup) {
		return fmt.Errorf("%w: pickup out of range", ErrInvalidInput)
	}
	if !validCoord(in.Drop) {
		return fmt.Errorf("%w: drop out of range", ErrInvalidInput)
	}
	if in.LuggageCount < 0 || in.LuggageCount > MaxLuggageCount {
		return fmt.Errorf("%w: luggage_count must be between 0 and %d", ErrInvalidInput, MaxLuggageCount)
	}
	if in.SeatCount < MinSeatCount || in.SeatCount > MaxSeatCount {
		return fmt.Errorf("%w: seat_count must be between %d and %d", ErrInvalidInput, MinSeatCount, MaxSeatCount)
	}
	if in.DetourTolerance < 0 || in.DetourTolerance > MaxDetourTolerance {
		return fmt.Errorf("%w: detour_tolerance must be between 0 and %d", ErrInvalidInput, MaxDetourTolerance)
	}
	return nil
}

func validCoord(c Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}
