package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/airport-pooling/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)} }

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type queueHarness struct {
	q         Queue
	clock     *fakeClock
	retention func(completed Retention)
}

func memoryHarness(t *testing.T) queueHarness {
	q := NewMemoryQueue()
	c := newClock()
	q.now = c.now
	return queueHarness{q: q, clock: c, retention: func(r Retention) { q.CompletedRetention = r }}
}

func redisHarness(t *testing.T) queueHarness {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	q := NewRedisQueue(rc, "")
	c := newClock()
	q.now = c.now
	return queueHarness{q: q, clock: c, retention: func(r Retention) { q.CompletedRetention = r }}
}

var harnesses = map[string]func(t *testing.T) queueHarness{
	"memory": memoryHarness,
	"redis":  redisHarness,
}

func forEachQueue(t *testing.T, fn func(t *testing.T, h queueHarness)) {
	for name, mk := range harnesses {
		mk := mk
		t.Run(name, func(t *testing.T) { fn(t, mk(t)) })
	}
}

func enqueue(t *testing.T, q Queue, rideID string, maxAttempts int) {
	t.Helper()
	if _, err := q.Enqueue(context.Background(), &Job{ID: JobID(rideID), RideID: rideID, MaxAttempts: maxAttempts}); err != nil {
		t.Fatal(err)
	}
}

func mustClaim(t *testing.T, q Queue, lease time.Duration) *Job {
	t.Helper()
	j, err := q.Claim(context.Background(), lease)
	if err != nil {
		t.Fatal(err)
	}
	if j == nil {
		t.Fatal("expected a job")
	}
	return j
}

func expectEmpty(t *testing.T, q Queue) {
	t.Helper()
	if j, err := q.Claim(context.Background(), time.Minute); err != nil || j != nil {
		t.Fatalf("expected no job, got %+v %v", j, err)
	}
}

func TestQueueDeduplicatesByID(t *testing.T) {
	forEachQueue(t, func(t *testing.T, h queueHarness) {
		ctx := context.Background()
		job := &Job{ID: JobID("r1"), RideID: "r1", MaxAttempts: 3}
		if added, err := h.q.Enqueue(ctx, job); err != nil || !added {
			t.Fatalf("first enqueue: added=%v err=%v", added, err)
		}
		if added, err := h.q.Enqueue(ctx, job); err != nil || added {
			t.Fatalf("duplicate enqueue: added=%v err=%v", added, err)
		}
		j := mustClaim(t, h.q, time.Minute)
		if j.ID != "ride-r1" || j.RideID != "r1" || j.Attempts != 1 || j.State != StateActive {
			t.Fatalf("unexpected job: %+v", j)
		}
		expectEmpty(t, h.q)
		// still deduplicated while active
		if added, _ := h.q.Enqueue(ctx, job); added {
			t.Fatalf("enqueued a duplicate of an active job")
		}
	})
}

func TestQueueRetryWaitsForBackoff(t *testing.T) {
	forEachQueue(t, func(t *testing.T, h queueHarness) {
		ctx := context.Background()
		enqueue(t, h.q, "r1", 3)
		j := mustClaim(t, h.q, time.Minute)
		if err := h.q.Retry(ctx, j, 2*time.Second, "boom"); err != nil {
			t.Fatal(err)
		}
		got, _ := h.q.Get(ctx, j.ID)
		if got.State != StateDelayed || got.LastError != "boom" {
			t.Fatalf("unexpected job: %+v", got)
		}
		expectEmpty(t, h.q)

		h.clock.advance(2 * time.Second)
		again := mustClaim(t, h.q, time.Minute)
		if again.ID != j.ID || again.Attempts != 2 {
			t.Fatalf("unexpected retry: %+v", again)
		}
		if err := h.q.Complete(ctx, again); err != nil {
			t.Fatal(err)
		}
		got, _ = h.q.Get(ctx, j.ID)
		if got.State != StateCompleted {
			t.Fatalf("expected completed, got %s", got.State)
		}
		if err := h.q.Complete(ctx, again); !errors.Is(err, ErrStaleLease) {
			t.Fatalf("expected stale lease, got %v", err)
		}
	})
}

func TestQueueRequeuesExpiredLease(t *testing.T) {
	forEachQueue(t, func(t *testing.T, h queueHarness) {
		ctx := context.Background()
		enqueue(t, h.q, "r1", 3)
		crashed := mustClaim(t, h.q, time.Second)

		h.clock.advance(2 * time.Second)
		j := mustClaim(t, h.q, time.Minute)
		if j.ID != crashed.ID || j.Attempts != 2 || j.Token == crashed.Token {
			t.Fatalf("unexpected reclaim: %+v", j)
		}
		if err := h.q.Complete(ctx, crashed); !errors.Is(err, ErrStaleLease) {
			t.Fatalf("old holder should be stale, got %v", err)
		}
		if err := h.q.Complete(ctx, j); err != nil {
			t.Fatal(err)
		}
	})
}

func TestQueueFailsExpiredLeaseOnLastAttempt(t *testing.T) {
	forEachQueue(t, func(t *testing.T, h queueHarness) {
		enqueue(t, h.q, "r1", 1)
		mustClaim(t, h.q, time.Second)
		h.clock.advance(2 * time.Second)
		expectEmpty(t, h.q)
		got, err := h.q.Get(context.Background(), JobID("r1"))
		if err != nil {
			t.Fatal(err)
		}
		if got.State != StateFailed || got.LastError != "lease expired" {
			t.Fatalf("unexpected job: %+v", got)
		}
	})
}

func TestQueueFail(t *testing.T) {
	forEachQueue(t, func(t *testing.T, h queueHarness) {
		ctx := context.Background()
		enqueue(t, h.q, "r1", 3)
		j := mustClaim(t, h.q, time.Minute)
		if err := h.q.Fail(ctx, j, "ride gone"); err != nil {
			t.Fatal(err)
		}
		got, _ := h.q.Get(ctx, j.ID)
		if got.State != StateFailed || got.LastError != "ride gone" {
			t.Fatalf("unexpected job: %+v", got)
		}
		expectEmpty(t, h.q)
	})
}

func TestQueuePrunesCompletedLedger(t *testing.T) {
	forEachQueue(t, func(t *testing.T, h queueHarness) {
		ctx := context.Background()
		h.retention(Retention{Count: 2, Age: time.Hour})
		for i := 0; i < 3; i++ {
			enqueue(t, h.q, fmt.Sprintf("r%d", i), 3)
			j := mustClaim(t, h.q, time.Minute)
			if err := h.q.Complete(ctx, j); err != nil {
				t.Fatal(err)
			}
			h.clock.advance(time.Second)
		}
		if _, err := h.q.Get(ctx, JobID("r0")); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("oldest job should be pruned by count, got %v", err)
		}
		if _, err := h.q.Get(ctx, JobID("r2")); err != nil {
			t.Fatalf("newest job pruned: %v", err)
		}

		h.clock.advance(2 * time.Hour)
		enqueue(t, h.q, "r3", 3)
		if err := h.q.Complete(ctx, mustClaim(t, h.q, time.Minute)); err != nil {
			t.Fatal(err)
		}
		for _, id := range []string{"r1", "r2"} {
			if _, err := h.q.Get(ctx, JobID(id)); !errors.Is(err, models.ErrNotFound) {
				t.Fatalf("%s should be pruned by age, got %v", id, err)
			}
		}
		// a pruned id can be submitted again
		if added, _ := h.q.Enqueue(ctx, &Job{ID: JobID("r0"), RideID: "r0", MaxAttempts: 3}); !added {
			t.Fatalf("expected pruned id to be accepted")
		}
	})
}

func TestQueueGetMissing(t *testing.T) {
	forEachQueue(t, func(t *testing.T, h queueHarness) {
		if _, err := h.q.Get(context.Background(), "ride-nope"); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}
