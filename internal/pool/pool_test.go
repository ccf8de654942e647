package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"pgregory.net/rapid"

	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/storage"
)

func ride(id string, seats, luggage int) *models.RideRequest {
	return &models.RideRequest{ID: id, SeatCount: seats, LuggageCount: luggage, Status: models.RideStatusPending}
}

func TestNewSeedsOpenPool(t *testing.T) {
	p, err := New("p1", ride("r1", 2, 1), DefaultMaxSeats, DefaultMaxLuggage)
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrentSeats != 2 || p.CurrentLuggage != 1 || p.Status != models.PoolStatusOpen {
		t.Fatalf("unexpected pool: %+v", p)
	}
	if p.MaxSeats != 4 || p.MaxLuggage != 6 || len(p.Passengers) != 1 {
		t.Fatalf("unexpected capacity: %+v", p)
	}
}

func TestAddFlipsToFullAndRejectsOverflow(t *testing.T) {
	p, _ := New("p1", ride("r1", 2, 1), 4, 6)
	if err := Add(p, ride("r2", 2, 1)); err != nil {
		t.Fatal(err)
	}
	if p.Status != models.PoolStatusFull {
		t.Fatalf("expected FULL, got %s", p.Status)
	}
	if err := Add(p, ride("r3", 1, 0)); !errors.Is(err, models.ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if len(p.Passengers) != 2 || p.CurrentSeats != 4 {
		t.Fatalf("rejected add mutated pool: %+v", p)
	}
}

func TestAddRejectsLuggageOverflow(t *testing.T) {
	p, _ := New("p1", ride("r1", 1, 5), 4, 6)
	if err := Add(p, ride("r2", 1, 2)); !errors.Is(err, models.ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
}

func TestAddIsIdempotent(t *testing.T) {
	r := ride("r1", 2, 1)
	p, _ := New("p1", r, 4, 6)
	if err := Add(p, r); err != nil {
		t.Fatal(err)
	}
	if p.CurrentSeats != 2 || len(p.Passengers) != 1 {
		t.Fatalf("double add counted twice: %+v", p)
	}
}

func TestRemoveReopensAndClamps(t *testing.T) {
	p, _ := New("p1", ride("r1", 2, 1), 4, 6)
	_ = Add(p, ride("r2", 2, 1))

	removed, clamps := Remove(p, ride("r2", 2, 1))
	if !removed || clamps.Any() {
		t.Fatalf("removed=%v clamps=%+v", removed, clamps)
	}
	if p.Status != models.PoolStatusOpen || p.CurrentSeats != 2 {
		t.Fatalf("unexpected pool after remove: %+v", p)
	}

	p.CurrentLuggage = 0 // corrupt totals
	removed, clamps = Remove(p, ride("r1", 2, 1))
	if !removed || !clamps.Luggage || clamps.Seats {
		t.Fatalf("expected luggage clamp, got %+v", clamps)
	}
	if p.CurrentLuggage != 0 || !Empty(p) {
		t.Fatalf("unexpected pool: %+v", p)
	}

	if removed, _ := Remove(p, ride("ghost", 1, 1)); removed {
		t.Fatalf("removing a non-passenger should be a no-op")
	}
}

func TestValidate(t *testing.T) {
	p, _ := New("p1", ride("r1", 2, 1), 4, 6)
	if err := Validate(p); err != nil {
		t.Fatal(err)
	}
	bad := p.Clone()
	bad.CurrentSeats = 5
	if err := Validate(bad); err == nil {
		t.Fatalf("expected seats violation")
	}
	bad = p.Clone()
	bad.Status = models.PoolStatusFull
	if err := Validate(bad); err == nil {
		t.Fatalf("expected status violation")
	}
	bad = p.Clone()
	bad.Passengers = nil
	if err := Validate(bad); err == nil {
		t.Fatalf("expected empty violation")
	}
}

// Any sequence of joins and leaves keeps totals within capacity and the
// FULL status in step with the seat count.
func TestPropertyTransitionsKeepInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		first := ride("r0", rapid.IntRange(1, 4).Draw(t, "seats0"), rapid.IntRange(0, 6).Draw(t, "luggage0"))
		p, err := New("p", first, 4, 6)
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		members := map[string]*models.RideRequest{first.ID: first}
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "join") {
				r := ride(fmt.Sprintf("r%d", i+1), rapid.IntRange(1, 4).Draw(t, "seats"), rapid.IntRange(0, 10).Draw(t, "luggage"))
				if err := Add(p, r); err == nil {
					members[r.ID] = r
				} else if !errors.Is(err, models.ErrCapacityExceeded) {
					t.Fatalf("unexpected add error: %v", err)
				}
			} else if len(p.Passengers) > 0 {
				id := p.Passengers[rapid.IntRange(0, len(p.Passengers)-1).Draw(t, "victim")]
				if removed, clamps := Remove(p, members[id]); !removed || clamps.Any() {
					t.Fatalf("remove %s: removed=%v clamps=%+v", id, removed, clamps)
				}
				delete(members, id)
			}
			if p.CurrentSeats < 0 || p.CurrentSeats > p.MaxSeats || p.CurrentLuggage < 0 || p.CurrentLuggage > p.MaxLuggage {
				t.Fatalf("capacity violated: %+v", p)
			}
			if (p.Status == models.PoolStatusFull) != (p.CurrentSeats == p.MaxSeats) {
				t.Fatalf("status out of step: %+v", p)
			}
		}
	})
}

func newRegistry() (*Registry, *storage.MemoryStore) {
	s := storage.NewMemoryStore()
	return NewRegistry(s, slog.New(slog.NewTextHandler(io.Discard, nil))), s
}

func TestRegistryJoinRejectsStaleSnapshot(t *testing.T) {
	ctx := context.Background()
	reg, store := newRegistry()
	p, err := reg.Open(ctx, ride("r1", 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	a, _ := store.GetPool(ctx, p.ID)
	b, _ := store.GetPool(ctx, p.ID)
	if err := reg.Join(ctx, a, ride("r2", 2, 1)); err != nil {
		t.Fatal(err)
	}
	if err := reg.Join(ctx, b, ride("r3", 2, 1)); !errors.Is(err, models.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if b.Version != 0 || len(b.Passengers) != 1 {
		t.Fatalf("failed join mutated caller's pool: %+v", b)
	}
	stored, _ := store.GetPool(ctx, p.ID)
	if stored.CurrentSeats != 3 {
		t.Fatalf("expected 3 seats, got %d", stored.CurrentSeats)
	}
}

func TestRegistryLeaveDeletesEmptyPool(t *testing.T) {
	ctx := context.Background()
	reg, store := newRegistry()
	r1 := ride("r1", 2, 1)
	p, _ := reg.Open(ctx, r1)

	res, err := reg.Leave(ctx, p.ID, r1)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Removed || !res.Deleted || res.Pool != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if store.PoolCount() != 0 {
		t.Fatalf("empty pool persisted")
	}
	if _, err := reg.Leave(ctx, p.ID, r1); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegistryLeaveReopensFullPool(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry()
	r1, r2 := ride("r1", 2, 1), ride("r2", 2, 1)
	p, _ := reg.Open(ctx, r1)
	if err := reg.Join(ctx, p, r2); err != nil {
		t.Fatal(err)
	}
	if p.Status != models.PoolStatusFull {
		t.Fatalf("expected FULL, got %s", p.Status)
	}
	res, err := reg.Leave(ctx, p.ID, r2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted || res.Pool.Status != models.PoolStatusOpen || res.Pool.CurrentSeats != 2 {
		t.Fatalf("unexpected result: %+v", res.Pool)
	}
}
