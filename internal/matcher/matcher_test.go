package matcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/example/airport-pooling/internal/lock"
	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/pool"
	"github.com/example/airport-pooling/internal/storage"
)

var (
	airport = models.Coord{Lat: 19.0760, Lon: 72.8777}
	// about 4.99 km north of airport
	fiveKmNorth = models.Coord{Lat: 19.1209, Lon: 72.8777}
)

func newService() (*Service, *storage.MemoryStore) {
	s := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := lock.DefaultOptions()
	opts.RetryDelay, opts.RetryJitter = time.Millisecond, time.Millisecond
	svc := New(s, pool.NewRegistry(s, logger), lock.NewLocal(opts), logger)
	return svc, s
}

func putRide(t testing.TB, s storage.RideStore, id string, pickup models.Coord, seats, luggage int, tolerance float64) *models.RideRequest {
	t.Helper()
	r := &models.RideRequest{
		ID:              id,
		UserID:          "u-" + id,
		Pickup:          pickup,
		Drop:            models.Coord{Lat: 19.0896, Lon: 72.8656},
		SeatCount:       seats,
		LuggageCount:    luggage,
		DetourTolerance: tolerance,
		Status:          models.RideStatusPending,
	}
	if err := s.CreateRide(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestScenarioANewPool(t *testing.T) {
	ctx := context.Background()
	svc, store := newService()
	putRide(t, store, "a", airport, 2, 1, 20)

	res, err := svc.Match(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCreated {
		t.Fatalf("expected created, got %s", res.Outcome)
	}
	p := res.Pool
	if p.MaxSeats != 4 || p.MaxLuggage != 6 || p.CurrentSeats != 2 || p.CurrentLuggage != 1 || p.Status != models.PoolStatusOpen {
		t.Fatalf("unexpected pool: %+v", p)
	}
	r, _ := store.GetRide(ctx, "a")
	if r.Status != models.RideStatusMatched || r.PoolID != p.ID {
		t.Fatalf("unexpected ride: %+v", r)
	}
}

func TestScenarioBJoinsNearbyPool(t *testing.T) {
	ctx := context.Background()
	svc, store := newService()
	putRide(t, store, "a", airport, 2, 1, 20)
	first, _ := svc.Match(ctx, "a")

	putRide(t, store, "b", fiveKmNorth, 1, 1, 10)
	res, err := svc.Match(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeJoined || res.Pool.ID != first.Pool.ID {
		t.Fatalf("expected join of %s, got %s %s", first.Pool.ID, res.Outcome, res.Pool.ID)
	}
	if res.Deviation < 4.9 || res.Deviation > 5.0 {
		t.Fatalf("unexpected deviation %v", res.Deviation)
	}
	p, _ := store.GetPool(ctx, first.Pool.ID)
	if p.CurrentSeats != 3 || p.CurrentLuggage != 2 || p.Status != models.PoolStatusOpen {
		t.Fatalf("unexpected pool: %+v", p)
	}
}

func TestOutsideToleranceCreatesPool(t *testing.T) {
	ctx := context.Background()
	svc, store := newService()
	putRide(t, store, "a", airport, 1, 0, 20)
	_, _ = svc.Match(ctx, "a")
	putRide(t, store, "b", fiveKmNorth, 1, 0, 2)

	res, err := svc.Match(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCreated || store.PoolCount() != 2 {
		t.Fatalf("expected a second pool, got %s with %d pools", res.Outcome, store.PoolCount())
	}
}

func TestFullSeatRideCreatesFullPool(t *testing.T) {
	ctx := context.Background()
	svc, store := newService()
	putRide(t, store, "a", airport, 4, 0, 20)
	res, err := svc.Match(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if res.Pool.Status != models.PoolStatusFull {
		t.Fatalf("expected FULL, got %s", res.Pool.Status)
	}
	putRide(t, store, "b", airport, 1, 0, 20)
	if res, _ := svc.Match(ctx, "b"); res.Outcome != OutcomeCreated {
		t.Fatalf("full pool accepted a passenger")
	}
}

func TestMatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, store := newService()
	putRide(t, store, "a", airport, 2, 1, 20)
	first, _ := svc.Match(ctx, "a")

	again, err := svc.Match(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !again.Skipped() || again.Ride.PoolID != first.Pool.ID {
		t.Fatalf("re-run should be a no-op: %+v", again)
	}
	p, _ := store.GetPool(ctx, first.Pool.ID)
	if p.CurrentSeats != 2 || len(p.Passengers) != 1 {
		t.Fatalf("re-run changed the pool: %+v", p)
	}
}

func TestMissingRideIsSkipped(t *testing.T) {
	svc, store := newService()
	res, err := svc.Match(context.Background(), "ghost")
	if err != nil || !res.Skipped() {
		t.Fatalf("expected skip, got %+v %v", res, err)
	}
	if store.PoolCount() != 0 {
		t.Fatalf("no pool expected")
	}
}

func TestRecoversPoolJoinedByEarlierAttempt(t *testing.T) {
	ctx := context.Background()
	svc, store := newService()
	a := putRide(t, store, "a", airport, 1, 0, 20)
	p, _ := svc.Pools.Open(ctx, a) // ride save never happened

	res, err := svc.Match(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeRecovered || res.Pool.ID != p.ID || store.PoolCount() != 1 {
		t.Fatalf("expected recovery of %s, got %+v", p.ID, res)
	}
}

type fixedScorer map[string]float64

func (f fixedScorer) Deviation(_ context.Context, _ *models.RideRequest, p *models.RidePool) (float64, bool, error) {
	d, ok := f[p.ID]
	return d, ok, nil
}

func openPool(id string, seats, luggage int) *models.RidePool {
	return &models.RidePool{ID: id, Passengers: []string{"x-" + id}, MaxSeats: 4, MaxLuggage: 6,
		CurrentSeats: seats, CurrentLuggage: luggage, Status: models.PoolStatusOpen}
}

func TestSelectTieBreaksOnEnumerationOrder(t *testing.T) {
	ride := &models.RideRequest{ID: "r", SeatCount: 1, DetourTolerance: 10}
	pools := []*models.RidePool{openPool("p1", 1, 0), openPool("p2", 1, 0), openPool("p3", 1, 0)}
	best, dev, err := Select(context.Background(), fixedScorer{"p1": 3, "p2": 2, "p3": 2}, ride, pools)
	if err != nil {
		t.Fatal(err)
	}
	if best.ID != "p2" || dev != 2 {
		t.Fatalf("expected p2 at 2km, got %s at %v", best.ID, dev)
	}
}

func TestSelectSkipsInfeasibleAndUnscorable(t *testing.T) {
	ride := &models.RideRequest{ID: "r", SeatCount: 2, LuggageCount: 2, DetourTolerance: 10}
	pools := []*models.RidePool{
		openPool("noseats", 3, 0),
		openPool("nolug", 0, 5),
		openPool("unscored", 0, 0),
		openPool("far", 0, 0),
		openPool("ok", 0, 0),
	}
	scorer := fixedScorer{"noseats": 0, "nolug": 0, "far": 11, "ok": 9}
	best, _, _ := Select(context.Background(), scorer, ride, pools)
	if best == nil || best.ID != "ok" {
		t.Fatalf("expected ok, got %+v", best)
	}
}

func TestFirstPassengerScorerSkipsMissingRepresentative(t *testing.T) {
	ctx := context.Background()
	svc, store := newService()
	// pool whose first passenger was never persisted
	orphan := &models.RidePool{ID: "orphan", Passengers: []string{"nobody"}, MaxSeats: 4, MaxLuggage: 6,
		CurrentSeats: 1, Status: models.PoolStatusOpen}
	_ = store.CreatePool(ctx, orphan)

	putRide(t, store, "a", airport, 1, 0, 20)
	res, err := svc.Match(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCreated || res.Pool.ID == "orphan" {
		t.Fatalf("orphan pool should be skipped: %+v", res)
	}
}

func TestConcurrentMatchesNeverOverfillPools(t *testing.T) {
	ctx := context.Background()
	svc, store := newService()
	const n = 24
	for i := 0; i < n; i++ {
		putRide(t, store, fmt.Sprintf("r%02d", i), airport, 1+i%2, i%3, 20)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			// retry like the job queue would
			for {
				_, err := svc.Match(ctx, id)
				if err == nil {
					return
				}
				if !errors.Is(err, models.ErrVersionConflict) {
					errs <- err
					return
				}
			}
		}(fmt.Sprintf("r%02d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	seen := map[string]string{}
	pools := map[string]*models.RidePool{}
	for i := 0; i < n; i++ {
		r, _ := store.GetRide(ctx, fmt.Sprintf("r%02d", i))
		if r.Status != models.RideStatusMatched {
			t.Fatalf("ride %s not matched", r.ID)
		}
		p, err := store.GetPool(ctx, r.PoolID)
		if err != nil {
			t.Fatalf("ride %s points at missing pool: %v", r.ID, err)
		}
		pools[p.ID] = p
		seen[r.ID] = p.ID
	}
	for _, p := range pools {
		seats, luggage := 0, 0
		for _, id := range p.Passengers {
			if seen[id] != p.ID {
				t.Fatalf("pool %s lists %s which belongs to %s", p.ID, id, seen[id])
			}
			r, _ := store.GetRide(ctx, id)
			seats += r.SeatCount
			luggage += r.LuggageCount
		}
		if seats != p.CurrentSeats || luggage != p.CurrentLuggage {
			t.Fatalf("pool %s totals %d/%d disagree with passengers %d/%d", p.ID, p.CurrentSeats, p.CurrentLuggage, seats, luggage)
		}
		if err := pool.Validate(p); err != nil {
			t.Fatal(err)
		}
	}
}

// Select must agree with a brute-force scan for any pool snapshot.
func TestPropertySelectPicksStrictMinimum(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 12).Draw(t, "pools")
		pools := make([]*models.RidePool, n)
		scorer := fixedScorer{}
		for i := range pools {
			id := fmt.Sprintf("p%d", i)
			pools[i] = openPool(id, rapid.IntRange(1, 4).Draw(t, "seats"), rapid.IntRange(0, 6).Draw(t, "luggage"))
			if rapid.Bool().Draw(t, "full") {
				pools[i].Status = models.PoolStatusFull
			}
			// coarse values force ties
			scorer[id] = float64(rapid.IntRange(0, 8).Draw(t, "dev"))
		}
		ride := &models.RideRequest{
			ID:              "r",
			SeatCount:       rapid.IntRange(1, 4).Draw(t, "rideSeats"),
			LuggageCount:    rapid.IntRange(0, 6).Draw(t, "rideLuggage"),
			DetourTolerance: float64(rapid.IntRange(0, 8).Draw(t, "tolerance")),
		}

		want := -1
		for i, p := range pools {
			if p.Status != models.PoolStatusOpen || !pool.Fits(p, ride) || scorer[p.ID] > ride.DetourTolerance {
				continue
			}
			if want < 0 || scorer[p.ID] < scorer[pools[want].ID] {
				want = i
			}
		}

		got, _, err := Select(context.Background(), scorer, ride, pools)
		if err != nil {
			t.Fatal(err)
		}
		switch {
		case want < 0 && got != nil:
			t.Fatalf("expected no pool, got %s", got.ID)
		case want >= 0 && (got == nil || got.ID != pools[want].ID):
			t.Fatalf("expected %s, got %+v", pools[want].ID, got)
		}
	})
}
