package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript implements the windowed reservation as a single atomic Redis
// Lua script, for deployments without a replicated in-process map.
// KEYS[1] is the bucket hash key.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rpm_limit = tonumber(ARGV[2])
local tpm_limit = tonumber(ARGV[3])
local est_tokens = tonumber(ARGV[4])

local cooldown = tonumber(redis.call('HGET', key, 'cooldown_unix') or '0')
if cooldown > now then
  return {0, 'cooldown', cooldown - now}
end

local window_start = tonumber(redis.call('HGET', key, 'window_start') or '0')
local rpm = tonumber(redis.call('HGET', key, 'rpm') or '0')
local tpm = tonumber(redis.call('HGET', key, 'tpm') or '0')

if window_start == 0 or (now - window_start) >= 60 then
  window_start = now
  rpm = 0
  tpm = 0
end

if rpm + 1 > rpm_limit then
  return {0, 'rpm', (window_start + 60) - now}
end
if tpm + est_tokens > tpm_limit then
  return {0, 'tpm', (window_start + 60) - now}
end

rpm = rpm + 1
tpm = tpm + est_tokens
redis.call('HSET', key, 'window_start', window_start, 'rpm', rpm, 'tpm', tpm)
redis.call('EXPIRE', key, 120)
return {1, '', 0}
`)

var correctScript = redis.NewScript(`
local key = KEYS[1]
local actual = tonumber(ARGV[1])
local tpm = tonumber(redis.call('HGET', key, 'tpm') or '0')
if actual < tpm then
  redis.call('HSET', key, 'tpm', actual)
end
return 1
`)

// RedisStore is the Redis Lua-scripted cluster-coordinated rate-limiter store.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

// NewRedisStore constructs a rate-limiter store backed by a Redis Lua script.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "forge:ratelimit:", clock: time.Now}
}

func (s *RedisStore) key(keyID string) string { return s.prefix + keyID }

func (s *RedisStore) Reserve(keyID string, limits Limits, estimatedTokens int) (bool, Dimension, time.Duration, error) {
	ctx := context.Background()
	now := s.clock().Unix()
	res, err := reserveScript.Run(ctx, s.client, []string{s.key(keyID)}, now, limits.RPMLimit, limits.TPMLimit, estimatedTokens).Result()
	if err != nil {
		return false, DimensionNone, 0, fmt.Errorf("ratelimit: redis reserve: %w", err)
	}
	fields, ok := res.([]any)
	if !ok || len(fields) != 3 {
		return false, DimensionNone, 0, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	ok64, _ := fields[0].(int64)
	dimStr, _ := fields[1].(string)
	waitSecs, _ := fields[2].(int64)

	var dim Dimension
	switch dimStr {
	case "rpm":
		dim = DimensionRPM
	case "tpm":
		dim = DimensionTPM
	}
	return ok64 == 1, dim, time.Duration(waitSecs) * time.Second, nil
}

func (s *RedisStore) Correct(keyID string, actualTokens int) error {
	ctx := context.Background()
	return correctScript.Run(ctx, s.client, []string{s.key(keyID)}, actualTokens).Err()
}

func (s *RedisStore) Cooldown(keyID string, until time.Time) error {
	ctx := context.Background()
	return s.client.HSet(ctx, s.key(keyID), "cooldown_unix", until.Unix()).Err()
}

func (s *RedisStore) HealthOf(keyID string) Health {
	ctx := context.Background()
	vals, err := s.client.HMGet(ctx, s.key(keyID), "cooldown_unix", "active").Result()
	if err != nil || len(vals) != 2 {
		return Health{Active: true}
	}
	now := s.clock()
	cooldownUnix := toInt64(vals[0])
	cooldownUntil := time.Unix(cooldownUnix, 0)
	active := true
	if v, ok := vals[1].(string); ok && v == "0" {
		active = false
	}
	return Health{
		CooldownActive: cooldownUnix != 0 && now.Before(cooldownUntil),
		CooldownUntil:  cooldownUntil,
		Active:         active,
	}
}

func (s *RedisStore) SetActive(keyID string, active bool) error {
	ctx := context.Background()
	v := "1"
	if !active {
		v = "0"
	}
	return s.client.HSet(ctx, s.key(keyID), "active", v).Err()
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case string:
		var n int64
		fmt.Sscanf(t, "%d", &n)
		return n
	case int64:
		return t
	default:
		return 0
	}
}
