// Package jobs runs ride processing asynchronously: one deduplicated job per
// ride, a bounded worker pool, rate-limited dispatch and retry with
// exponential backoff. Delivery is at-least-once.
package jobs

import (
	"errors"
	"time"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ErrStaleLease is returned when a worker finishes a job it no longer owns,
// typically because its lease expired and the job was handed to another
// worker.
var ErrStaleLease = errors.New("job lease no longer held")

type Job struct {
	ID          string    `json:"id"`
	RideID      string    `json:"ride_id"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	RunAt       time.Time `json:"run_at,omitzero"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	// Token identifies the claim that owns an active job.
	Token string `json:"-"`
}

// JobID is the dedup key for a ride: submitting the same ride twice maps
// onto one job.
func JobID(rideID string) string { return "ride-" + rideID }

// Retention bounds a terminal ledger by count and age.
type Retention struct {
	Count int
	Age   time.Duration
}

var (
	DefaultCompletedRetention = Retention{Count: 100, Age: 24 * time.Hour}
	DefaultFailedRetention    = Retention{Count: 1000, Age: 7 * 24 * time.Hour}
)

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; the job goes straight to the
// failed ledger.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Backoff returns the delay before retrying after the given attempt:
// base, 2*base, 4*base, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}
