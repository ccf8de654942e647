package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so a
// late release never frees a lease someone else acquired after expiry.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements Coordinator with SET NX PX on a single Redis instance.
type Redis struct {
	client *redis.Client
	opts   Options
}

func NewRedis(client *redis.Client, opts Options) *Redis {
	return &Redis{client: client, opts: opts}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	return acquire(ctx, r.opts, key, ttl,
		func(ctx context.Context, token string) (bool, error) {
			return r.client.SetNX(ctx, key, token, ttl).Result()
		},
		func(ctx context.Context, token string) {
			_ = releaseScript.Run(ctx, r.client, []string{key}, token).Err()
		},
	)
}

func (r *Redis) Release(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	err := releaseScript.Run(ctx, r.client, []string{l.Key}, l.Token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", l.Key, err)
	}
	return nil
}
