// Package demand tracks the number of active ride requests used for surge
// pricing. The counter is created once per process and injected; Reset is
// an administrative operation only.
package demand

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis key shared by every process.
const DefaultKey = "active_requests"

// Counter is an atomic gauge. Decr never goes below zero; clamped reports
// that a decrement was refused because the value was already zero.
type Counter interface {
	Incr(ctx context.Context) (int64, error)
	Decr(ctx context.Context) (value int64, clamped bool, err error)
	Get(ctx context.Context) (int64, error)
	Reset(ctx context.Context) error
}

// Memory is a process-local Counter.
type Memory struct {
	v atomic.Int64
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Incr(context.Context) (int64, error) { return m.v.Add(1), nil }

func (m *Memory) Decr(context.Context) (int64, bool, error) {
	for {
		cur := m.v.Load()
		if cur <= 0 {
			return cur, true, nil
		}
		if m.v.CompareAndSwap(cur, cur-1) {
			return cur - 1, false, nil
		}
	}
}

func (m *Memory) Get(context.Context) (int64, error) { return m.v.Load(), nil }

func (m *Memory) Reset(context.Context) error {
	m.v.Store(0)
	return nil
}

// decrFloorScript decrements only while the value is positive and returns
// {value, clamped}.
var decrFloorScript = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v > 0 then
	return {redis.call("DECR", KEYS[1]), 0}
end
return {v, 1}
`)

// Redis is a Counter shared by all processes through one Redis key.
type Redis struct {
	client *redis.Client
	key    string
}

func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultKey
	}
	return &Redis{client: client, key: key}
}

func (r *Redis) Incr(ctx context.Context) (int64, error) {
	v, err := r.client.Incr(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", r.key, err)
	}
	return v, nil
}

func (r *Redis) Decr(ctx context.Context) (int64, bool, error) {
	res, err := decrFloorScript.Run(ctx, r.client, []string{r.key}).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("decr %s: %w", r.key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("decr %s: unexpected reply %v", r.key, res)
	}
	return res[0], res[1] == 1, nil
}

func (r *Redis) Get(ctx context.Context) (int64, error) {
	s, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", r.key, err)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", r.key, err)
	}
	return v, nil
}

func (r *Redis) Reset(ctx context.Context) error {
	return r.client.Set(ctx, r.key, 0, 0).Err()
}
