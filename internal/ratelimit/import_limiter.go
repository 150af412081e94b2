// Package ratelimit throttles manual import requests per printer with a token
// bucket kept in Redis, so every API replica shares one budget.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one import request against a printer's bucket.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration // zero when allowed or when the bucket never refills
}

// ImportLimiter hands out import tokens per printer.
type ImportLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewImportLimiter allows burst requests per printer, refilled at
// refillPerSecond. Idle buckets expire after ttl.
func NewImportLimiter(client *redis.Client, burst int, refillPerSecond float64, ttl time.Duration) *ImportLimiter {
	return &ImportLimiter{
		client:   client,
		capacity: burst,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock overrides the time source passed to the bucket script.
func (l *ImportLimiter) SetClock(now func() time.Time) {
	l.now = now
}

func bucketKey(printerID int64) string {
	return "rl:import:" + strconv.FormatInt(printerID, 10)
}

// Allow takes one token from the printer's bucket if one is available.
func (l *ImportLimiter) Allow(ctx context.Context, printerID int64) (Decision, error) {
	res, err := bucketScript.Run(ctx, l.client, []string{bucketKey(printerID)},
		l.capacity, l.refill, l.now().UnixMilli(), l.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("import bucket for printer %d: %w", printerID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("unexpected bucket script result %T", res)
	}
	flag, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	}

	d := Decision{Allowed: flag == 1, Remaining: tokens}
	if !d.Allowed && l.refill > 0 {
		secs := math.Ceil((1 - tokens) / l.refill)
		d.RetryAfter = time.Duration(secs) * time.Second
	}
	return d, nil
}

// Lua numbers come back truncated to integers, so tokens are returned as a string.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1]) or capacity
local last = tonumber(data[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
