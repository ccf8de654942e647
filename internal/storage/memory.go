package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/airport-pooling/internal/models"
)

// MemoryStore keeps rides and pools in process memory. Values are cloned on
// the way in and out so callers cannot mutate stored state without a write.
type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.RideRequest
	pools map[string]*models.RidePool
	order []string // pool ids in creation order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides: make(map[string]*models.RideRequest),
		pools: make(map[string]*models.RidePool),
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("ride %s: %w", r.ID, models.ErrConflict)
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return fmt.Errorf("ride %s: %w", r.ID, models.ErrNotFound)
	}
	r.UpdatedAt = time.Now().UTC()
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) CreatePool(_ context.Context, p *models.RidePool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[p.ID]; ok {
		return fmt.Errorf("pool %s: %w", p.ID, models.ErrConflict)
	}
	m.pools[p.ID] = p.Clone()
	m.order = append(m.order, p.ID)
	return nil
}

func (m *MemoryStore) GetPool(_ context.Context, id string) (*models.RidePool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id, models.ErrNotFound)
	}
	return p.Clone(), nil
}

func (m *MemoryStore) ListOpenPools(_ context.Context) ([]*models.RidePool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.RidePool, 0, len(m.order))
	for _, id := range m.order {
		if p := m.pools[id]; p.Status == models.PoolStatusOpen {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) FindPoolByPassenger(_ context.Context, rideID string) (*models.RidePool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		if p := m.pools[id]; p.HasPassenger(rideID) {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("pool for ride %s: %w", rideID, models.ErrNotFound)
}

func (m *MemoryStore) UpdatePool(_ context.Context, p *models.RidePool, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.pools[p.ID]
	if !ok {
		return fmt.Errorf("pool %s: %w", p.ID, models.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("pool %s at version %d, expected %d: %w", p.ID, cur.Version, expectedVersion, models.ErrVersionConflict)
	}
	p.Version = expectedVersion + 1
	p.UpdatedAt = time.Now().UTC()
	m.pools[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) DeletePool(_ context.Context, id string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.pools[id]
	if !ok {
		return fmt.Errorf("pool %s: %w", id, models.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("pool %s at version %d, expected %d: %w", id, cur.Version, expectedVersion, models.ErrVersionConflict)
	}
	delete(m.pools, id)
	for i, pid := range m.order {
		if pid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// PoolCount reports how many pools are persisted.
func (m *MemoryStore) PoolCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pools)
}
