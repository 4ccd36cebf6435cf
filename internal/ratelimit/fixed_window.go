package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"music-enrichment-pipeline/internal/config"
)

// FixedWindow is a distributed fixed-window rate budget backed by Redis.
// The counter is incremented and checked in one Lua script, so the budget
// holds even when several worker processes dispatch against the same
// provider concurrently.
type FixedWindow struct {
	client *redis.Client
	limits map[string]config.ProviderLimit
}

// NewFixedWindow constructs a limiter over per-provider budgets.
func NewFixedWindow(client *redis.Client, limits map[string]config.ProviderLimit) *FixedWindow {
	return &FixedWindow{client: client, limits: limits}
}

func budgetKey(provider string) string {
	return fmt.Sprintf("rate:%s", provider)
}

// Allow consumes one request from the provider's current window if the
// budget permits. When denied, retryAfter reports how long until the
// window resets.
func (f *FixedWindow) Allow(ctx context.Context, provider string) (bool, time.Duration, error) {
	limit, ok := f.limits[provider]
	if !ok {
		limit = config.ProviderLimit{Requests: 1, Window: time.Second}
	}
	res, err := windowScript.Run(ctx, f.client, []string{budgetKey(provider)},
		limit.Requests, limit.Window.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate window script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected script result: %T", res)
	}
	allowed := arr[0].(int64) == 1
	ttl, _ := arr[1].(int64)
	if allowed {
		return true, 0, nil
	}
	retry := time.Duration(ttl) * time.Millisecond
	if retry <= 0 {
		retry = limit.Window
	}
	return false, retry, nil
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

local count = redis.call('INCR', key)
if count == 1 then
  redis.call('PEXPIRE', key, window_ms)
end
if count <= limit then
  return {1, 0}
end
local ttl = redis.call('PTTL', key)
if ttl < 0 then
  redis.call('PEXPIRE', key, window_ms)
  ttl = window_ms
end
return {0, ttl}
`)
