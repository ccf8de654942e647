package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/airport-pooling/internal/models"
)

// DefaultPrefix keeps every key of the queue in one cluster slot.
const DefaultPrefix = "{ride-processing}"

var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "id", ARGV[1], "ride_id", ARGV[2], "state", "waiting",
	"attempts", 0, "max_attempts", ARGV[4], "created_at", ARGV[3], "updated_at", ARGV[3])
redis.call("RPUSH", KEYS[2], ARGV[1])
return 1
`)

// KEYS: wait, delayed, active, failed
// ARGV: job key prefix, now ms, lease deadline ms, token
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[2])
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", now)
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[2], id)
	redis.call("HSET", ARGV[1] .. id, "state", "waiting")
	redis.call("RPUSH", KEYS[1], id)
end
local expired = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", now)
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[3], id)
	local k = ARGV[1] .. id
	local attempts = tonumber(redis.call("HGET", k, "attempts") or "0")
	local max = tonumber(redis.call("HGET", k, "max_attempts") or "1")
	if attempts >= max then
		redis.call("HSET", k, "state", "failed", "last_error", "lease expired", "updated_at", now, "token", "")
		redis.call("ZADD", KEYS[4], now, id)
	else
		redis.call("HSET", k, "state", "waiting", "token", "")
		redis.call("RPUSH", KEYS[1], id)
	end
end
local id = redis.call("LPOP", KEYS[1])
if not id then
	return false
end
local k = ARGV[1] .. id
redis.call("HINCRBY", k, "attempts", 1)
redis.call("HSET", k, "state", "active", "token", ARGV[4], "updated_at", now)
redis.call("ZADD", KEYS[3], ARGV[3], id)
return id
`)

// KEYS: job, active, ledger
// ARGV: id, token, state, now ms, reason, keep count, max age ms, job key prefix
var finishScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "token") ~= ARGV[2] then
	return 0
end
local now = tonumber(ARGV[4])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1], "state", ARGV[3], "updated_at", now, "last_error", ARGV[5], "token", "")
redis.call("ZADD", KEYS[3], now, ARGV[1])
local stale = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", "(" .. (now - tonumber(ARGV[7])))
for _, id in ipairs(stale) do
	redis.call("DEL", ARGV[8] .. id)
	redis.call("ZREM", KEYS[3], id)
end
local extra = redis.call("ZCARD", KEYS[3]) - tonumber(ARGV[6])
if extra > 0 then
	local old = redis.call("ZRANGE", KEYS[3], 0, extra - 1)
	for _, id in ipairs(old) do
		redis.call("DEL", ARGV[8] .. id)
	end
	redis.call("ZREMRANGEBYRANK", KEYS[3], 0, extra - 1)
end
return 1
`)

// KEYS: job, active, delayed
// ARGV: id, token, run at ms, now ms, reason
var retryScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "token") ~= ARGV[2] then
	return 0
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1], "state", "delayed", "updated_at", ARGV[4], "last_error", ARGV[5],
	"token", "", "run_at", ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// RedisQueue shares jobs between processes. Each job is a hash; the wait
// list and the delayed, active, completed and failed sorted sets index it.
// Every state change runs in a single script.
type RedisQueue struct {
	client *redis.Client
	prefix string

	CompletedRetention Retention
	FailedRetention    Retention
	now                func() time.Time
}

func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisQueue{
		client:             client,
		prefix:             prefix,
		CompletedRetention: DefaultCompletedRetention,
		FailedRetention:    DefaultFailedRetention,
		now:                time.Now,
	}
}

func (q *RedisQueue) jobPrefix() string       { return q.prefix + ":job:" }
func (q *RedisQueue) jobKey(id string) string { return q.jobPrefix() + id }
func (q *RedisQueue) key(name string) string  { return q.prefix + ":" + name }

func (q *RedisQueue) nowMs() int64 { return q.now().UnixMilli() }

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) (bool, error) {
	n, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.key("wait")},
		job.ID, job.RideID, q.nowMs(), job.MaxAttempts,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	return n == 1, nil
}

func (q *RedisQueue) Claim(ctx context.Context, lease time.Duration) (*Job, error) {
	now := q.nowMs()
	token := uuid.NewString()
	id, err := claimScript.Run(ctx, q.client,
		[]string{q.key("wait"), q.key("delayed"), q.key("active"), q.key("failed")},
		q.jobPrefix(), now, now+lease.Milliseconds(), token,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return q.Get(ctx, id)
}

func (q *RedisQueue) finish(ctx context.Context, job *Job, state State, reason string, r Retention) error {
	ledger := q.key(string(state))
	ok, err := finishScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.key("active"), ledger},
		job.ID, job.Token, string(state), q.nowMs(), reason, r.Count, r.Age.Milliseconds(), q.jobPrefix(),
	).Int()
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", job.ID, state, err)
	}
	if ok == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrStaleLease)
	}
	return nil
}

func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	return q.finish(ctx, job, StateCompleted, "", q.CompletedRetention)
}

func (q *RedisQueue) Fail(ctx context.Context, job *Job, reason string) error {
	return q.finish(ctx, job, StateFailed, reason, q.FailedRetention)
}

func (q *RedisQueue) Retry(ctx context.Context, job *Job, delay time.Duration, reason string) error {
	now := q.nowMs()
	ok, err := retryScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.key("active"), q.key("delayed")},
		job.ID, job.Token, now+delay.Milliseconds(), now, reason,
	).Int()
	if err != nil {
		return fmt.Errorf("retry %s: %w", job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrStaleLease)
	}
	return nil
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*Job, error) {
	h, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return decodeJob(h)
}

func decodeJob(h map[string]string) (*Job, error) {
	j := &Job{
		ID:        h["id"],
		RideID:    h["ride_id"],
		State:     State(h["state"]),
		LastError: h["last_error"],
		Token:     h["token"],
	}
	var err error
	if j.Attempts, err = atoi(h, "attempts"); err != nil {
		return nil, err
	}
	if j.MaxAttempts, err = atoi(h, "max_attempts"); err != nil {
		return nil, err
	}
	for field, dst := range map[string]*time.Time{
		"created_at": &j.CreatedAt,
		"updated_at": &j.UpdatedAt,
		"run_at":     &j.RunAt,
	} {
		s, ok := h[field]
		if !ok || s == "" {
			continue
		}
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("job %s %s: %w", j.ID, field, err)
		}
		*dst = time.UnixMilli(ms).UTC()
	}
	return j, nil
}

func atoi(h map[string]string, field string) (int, error) {
	s, ok := h[field]
	if !ok || s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("job %s %s: %w", h["id"], field, err)
	}
	return n, nil
}
