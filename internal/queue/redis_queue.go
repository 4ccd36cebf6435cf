package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"music-enrichment-pipeline/internal/config"
)

// priorityStride spaces priority bands in the ready set score so that the
// band always dominates the enqueue timestamp. Scores stay integer-exact
// in a float64 for priorities 0..10 well past year 2200.
const priorityStride = 1e13

// RedisQueue coordinates ready, in-flight, and scheduled job sets for the
// provider queues in Redis. Each provider gets an independent namespace;
// ordering is strict (priority, enqueue time) within one provider and
// deliberately unspecified across providers.
type RedisQueue struct {
	client        *redis.Client
	visibilityTTL time.Duration
	retention     int64
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient wraps an existing client (used by tests).
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 60 * time.Second
	}
	retention := int64(cfg.CompletedRetention)
	if retention <= 0 {
		retention = 500
	}
	return &RedisQueue{
		client:        client,
		visibilityTTL: visibility,
		retention:     retention,
	}
}

func (q *RedisQueue) readyKey(provider string) string     { return "queue:" + provider + ":ready" }
func (q *RedisQueue) scheduledKey(provider string) string { return "queue:" + provider + ":scheduled" }
func (q *RedisQueue) inflightKey(provider string) string  { return "queue:" + provider + ":inflight" }
func (q *RedisQueue) dlqKey(provider string) string       { return "queue:" + provider + ":dlq" }
func (q *RedisQueue) completedKey(provider string) string { return "queue:" + provider + ":completed" }
func (q *RedisQueue) pausedKey(provider string) string    { return "queue:" + provider + ":paused" }
func (q *RedisQueue) metaKey(provider, jobID string) string {
	return "queue:" + provider + ":meta:" + jobID
}

func readyScore(priority int, enqueuedMs int64) float64 {
	if priority < 0 {
		priority = 0
	}
	return float64(priority)*priorityStride + float64(enqueuedMs)
}

// Enqueue inserts a job into either the scheduled set or the ready set.
// It never blocks on the provider's rate budget; pacing happens at
// dequeue time in the worker.
func (q *RedisQueue) Enqueue(ctx context.Context, provider, jobID string, priority int, runAt time.Time) error {
	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(provider, jobID), "priority", priority, "enqueued_ms", now.UnixMilli())
	if runAt.After(now) {
		pipe.ZAdd(ctx, q.scheduledKey(provider), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.ZAdd(ctx, q.readyKey(provider), redis.Z{Score: readyScore(priority, now.UnixMilli()), Member: jobID})
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Retry releases a leased job back to the scheduled set for a later
// attempt. The meta hash survives, so promotion restores the job's
// original (priority, enqueue time) position; nothing lands in the
// completed ring because the job hasn't finished.
func (q *RedisQueue) Retry(ctx context.Context, provider, jobID string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(provider), jobID)
	pipe.ZAdd(ctx, q.scheduledKey(provider), redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: jobID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into the ready set. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, provider string, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey(provider), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority, enqueued := q.jobMeta(ctx, provider, id, now)
		pipe.ZRem(ctx, q.scheduledKey(provider), id)
		pipe.ZAdd(ctx, q.readyKey(provider), redis.Z{Score: readyScore(priority, enqueued), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *RedisQueue) jobMeta(ctx context.Context, provider, jobID string, now time.Time) (int, int64) {
	vals, err := q.client.HMGet(ctx, q.metaKey(provider, jobID), "priority", "enqueued_ms").Result()
	priority, enqueued := 0, now.UnixMilli()
	if err != nil || len(vals) < 2 {
		return priority, enqueued
	}
	if s, ok := vals[0].(string); ok {
		fmt.Sscanf(s, "%d", &priority)
	}
	if s, ok := vals[1].(string); ok {
		fmt.Sscanf(s, "%d", &enqueued)
	}
	return priority, enqueued
}

// DequeueWithLease pops the lowest-(priority, enqueue time) ready job and
// places it into the in-flight set with a visibility deadline. A paused
// queue dequeues nothing.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, provider string) (string, error) {
	keys := []string{q.readyKey(provider), q.inflightKey(provider), q.pausedKey(provider)}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, provider, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey(provider), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record, and
// records it in the bounded completed ring for observability.
func (q *RedisQueue) Ack(ctx context.Context, provider, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(provider), jobID)
	pipe.Del(ctx, q.metaKey(provider, jobID))
	pipe.LPush(ctx, q.completedKey(provider), jobID)
	pipe.LTrim(ctx, q.completedKey(provider), 0, q.retention-1)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out (worker died mid-job),
// putting the jobs back in the ready set at their original position.
func (q *RedisQueue) RequeueExpired(ctx context.Context, provider string, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(provider), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority, enqueued := q.jobMeta(ctx, provider, id, now)
		pipe.ZRem(ctx, q.inflightKey(provider), id)
		pipe.ZAdd(ctx, q.readyKey(provider), redis.Z{Score: readyScore(priority, enqueued), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, provider, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey(provider), jobID).Err()
}

// DLQPeek reads the oldest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, provider string, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey(provider), 0, count-1).Result()
}

// Pause stops dispatch for a provider without touching queued jobs.
func (q *RedisQueue) Pause(ctx context.Context, provider string) error {
	return q.client.Set(ctx, q.pausedKey(provider), "1", 0).Err()
}

// Resume re-enables dispatch.
func (q *RedisQueue) Resume(ctx context.Context, provider string) error {
	return q.client.Del(ctx, q.pausedKey(provider)).Err()
}

// Stats reports queue depths for one provider.
type Stats struct {
	Provider   string `json:"provider"`
	Ready      int64  `json:"ready"`
	Scheduled  int64  `json:"scheduled"`
	InFlight   int64  `json:"in_flight"`
	DeadLetter int64  `json:"dead_letter"`
	Completed  int64  `json:"completed"`
	Paused     bool   `json:"paused"`
}

// QueueStats gathers depths and the paused flag for a provider.
func (q *RedisQueue) QueueStats(ctx context.Context, provider string) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.readyKey(provider))
	scheduled := pipe.ZCard(ctx, q.scheduledKey(provider))
	inflight := pipe.ZCard(ctx, q.inflightKey(provider))
	dlq := pipe.LLen(ctx, q.dlqKey(provider))
	completed := pipe.LLen(ctx, q.completedKey(provider))
	paused := pipe.Exists(ctx, q.pausedKey(provider))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, err
	}
	return Stats{
		Provider:   provider,
		Ready:      ready.Val(),
		Scheduled:  scheduled.Val(),
		InFlight:   inflight.Val(),
		DeadLetter: dlq.Val(),
		Completed:  completed.Val(),
		Paused:     paused.Val() > 0,
	}, nil
}

var dequeueScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local paused = KEYS[3]
if redis.call('EXISTS', paused) == 1 then
  return nil
end
local jobs = redis.call('ZRANGE', ready, 0, 0)
if #jobs == 0 then
  return nil
end
redis.call('ZREM', ready, jobs[1])
redis.call('ZADD', inflight, ARGV[1], jobs[1])
return jobs[1]
`)
