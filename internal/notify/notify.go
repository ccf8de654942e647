// Package notify delivers ride state-change events to external sinks.
// Delivery is best effort: failures are logged and counted, never returned
// to the operation that produced the event.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/airport-pooling/internal/observability"
)

const (
	EventRideMatched   = "ride.matched"
	EventRideCancelled = "ride.cancelled"
)

type Event struct {
	Type   string    `json:"type"`
	RideID string    `json:"ride_id"`
	PoolID *string   `json:"pool_id"`
	Fare   *int64    `json:"fare,omitempty"`
	At     time.Time `json:"at"`
}

func Matched(rideID, poolID string, fare int64) Event {
	return Event{Type: EventRideMatched, RideID: rideID, PoolID: &poolID, Fare: &fare, At: time.Now().UTC()}
}

// Cancelled builds a cancellation event; poolID is empty when the ride was
// never pooled.
func Cancelled(rideID, poolID string) Event {
	e := Event{Type: EventRideCancelled, RideID: rideID, At: time.Now().UTC()}
	if poolID != "" {
		e.PoolID = &poolID
	}
	return e
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Sink is a named Notifier; the name labels its error metric.
type Sink struct {
	Name string
	Notifier
}

// Fanout delivers every event to all sinks and swallows their errors.
type Fanout struct {
	Sinks  []Sink
	Logger *slog.Logger
}

func (f *Fanout) Notify(ctx context.Context, e Event) error {
	for _, s := range f.Sinks {
		if err := s.Notify(ctx, e); err != nil {
			observability.NotifyErrors.WithLabelValues(s.Name).Inc()
			f.Logger.Warn("notify failed", "sink", s.Name, "event", e.Type, "ride_id", e.RideID, "error", err)
		}
	}
	return nil
}
