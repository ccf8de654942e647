package lock

import (
	"context"
	"sync"
	"time"
)

type localLease struct {
	token  string
	expiry time.Time
}

// Local is an in-process Coordinator with the same lease semantics as Redis.
type Local struct {
	mu   sync.Mutex
	held map[string]localLease
	opts Options
}

func NewLocal(opts Options) *Local {
	return &Local{held: make(map[string]localLease), opts: opts}
}

func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	return acquire(ctx, l.opts, key, ttl,
		func(_ context.Context, token string) (bool, error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			now := time.Now()
			if cur, ok := l.held[key]; ok && now.Before(cur.expiry) {
				return false, nil
			}
			l.held[key] = localLease{token: token, expiry: now.Add(ttl)}
			return true, nil
		},
		func(_ context.Context, token string) { l.release(key, token) },
	)
}

func (l *Local) Release(_ context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	l.release(lease.Key, lease.Token)
	return nil
}

func (l *Local) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && cur.token == token {
		delete(l.held, key)
	}
}
