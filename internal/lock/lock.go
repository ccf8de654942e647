// Package lock provides lease-based mutual exclusion keyed by resource.
//
// A Lease self-expires so a crashed holder blocks a key for at most one TTL.
// The Redis backend gives exclusion across processes; Local only within one
// process and exists for tests and single-process deployments.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/example/airport-pooling/internal/observability"
)

// ErrNotAcquired means the key stayed held for every retry. Callers should
// treat it as retryable, unlike business errors.
var ErrNotAcquired = errors.New("lock not acquired")

// Coordinator grants and releases leases. Release must be idempotent: nil
// leases, double releases and releases after expiry all return nil.
type Coordinator interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, l *Lease) error
}

// Lease is a granted lock. Expiry already accounts for clock drift, so the
// holder must finish its critical section before it.
type Lease struct {
	Key    string
	Token  string
	Expiry time.Time
}

// Options tune acquisition. RetryCount is the number of retries after the
// first attempt.
type Options struct {
	RetryCount  int
	RetryDelay  time.Duration
	RetryJitter time.Duration
	DriftFactor float64
}

func DefaultOptions() Options {
	return Options{
		RetryCount:  10,
		RetryDelay:  200 * time.Millisecond,
		RetryJitter: 200 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

func (o Options) wait() time.Duration {
	d := o.RetryDelay
	if o.RetryJitter > 0 {
		d += time.Duration(rand.Int63n(int64(o.RetryJitter)))
	}
	return d
}

// RideKey is the lock key serialising all mutations of one ride.
func RideKey(rideID string) string { return "locks:ride:" + rideID }

// With acquires key, runs fn and releases the lease on every exit path,
// panics included.
func With(ctx context.Context, c Coordinator, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	l, err := c.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		// the caller's ctx may already be cancelled; release regardless
		if rerr := c.Release(context.WithoutCancel(ctx), l); rerr != nil {
			observability.LockReleaseErrors.Inc()
		}
	}()
	return fn(ctx)
}

// acquire runs the shared retry loop. try attempts one grant with token and
// undo releases a grant whose validity was eaten by drift.
func acquire(ctx context.Context, opts Options, key string, ttl time.Duration,
	try func(ctx context.Context, token string) (bool, error),
	undo func(ctx context.Context, token string),
) (*Lease, error) {
	token := uuid.NewString()
	drift := time.Duration(float64(ttl)*opts.DriftFactor) + 2*time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= opts.RetryCount; attempt++ {
		start := time.Now()
		ok, err := try(ctx, token)
		if err != nil {
			lastErr = err
		}
		if ok {
			validity := ttl - time.Since(start) - drift
			if validity > 0 {
				return &Lease{Key: key, Token: token, Expiry: start.Add(validity)}, nil
			}
			undo(ctx, token)
		}
		if attempt == opts.RetryCount {
			break
		}
		t := time.NewTimer(opts.wait())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	observability.LockAcquireFailures.Inc()
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, lastErr)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
}
