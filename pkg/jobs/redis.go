package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// popDueScript atomically pops the single most-due job at or before now.
// KEYS[1] = delayed zset, KEYS[2] = body hash
// ARGV[1] = now (unix millis)
var popDueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #due == 0 then
    return false
end
local id = due[1]
redis.call("ZREM", KEYS[1], id)
local body = redis.call("HGET", KEYS[2], id)
redis.call("HDEL", KEYS[2], id)
return body
`)

// RedisQueue implements Queue on a Redis sorted set keyed by fire time,
// with job bodies in a hash. The pop is a Lua script so concurrent workers
// never deliver the same job twice.
type RedisQueue struct {
	client *redis.Client
	zkey   string
	hkey   string
	clock  func() time.Time
}

// NewRedisQueue creates a queue under the given key namespace.
func NewRedisQueue(client *redis.Client, namespace string) *RedisQueue {
	return &RedisQueue{
		client: client,
		zkey:   namespace + ":delayed",
		hkey:   namespace + ":bodies",
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (q *RedisQueue) WithClock(clock func() time.Time) *RedisQueue {
	q.clock = clock
	return q
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobType string, payload any, opts Options) (string, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("jobs: marshal payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	job := &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     raw,
		Attempt:     0,
		MaxAttempts: maxAttempts,
		FireAt:      q.clock().Add(opts.Delay),
	}
	if err := q.push(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *RedisQueue) push(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs: marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.hkey, job.ID, body)
	pipe.ZAdd(ctx, q.zkey, redis.Z{Score: float64(job.FireAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobs: enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.zkey, id)
	pipe.HDel(ctx, q.hkey, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	now := q.clock().UnixMilli()
	res, err := popDueScript.Run(ctx, q.client, []string{q.zkey, q.hkey}, now).Result()
	if err == redis.Nil || res == nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: pop: %w", err)
	}
	body, ok := res.(string)
	if !ok {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("jobs: corrupt job body: %w", err)
	}
	job.Attempt++
	return &job, nil
}

func (q *RedisQueue) Requeue(ctx context.Context, job *Job, delay time.Duration) error {
	cp := *job
	cp.FireAt = q.clock().Add(delay)
	return q.push(ctx, &cp)
}
