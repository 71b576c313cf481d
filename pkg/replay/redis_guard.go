package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// replayCheckScript performs the first-use check atomically in Redis.
// KEYS[1] = replay key ("replay:<jti>")
// ARGV[1] = token hash
// ARGV[2] = current unix time (milliseconds)
// ARGV[3] = ttl in seconds
// ARGV[4] = client ip
var replayCheckScript = redis.NewScript(`
local key = KEYS[1]
local token_hash = ARGV[1]
local now = ARGV[2]
local ttl = tonumber(ARGV[3])
local ip = ARGV[4]

local count = redis.call("HINCRBY", key, "usage_count", 1)
if count == 1 then
    redis.call("HSET", key, "token_hash", token_hash, "first_seen_at", now, "first_seen_ip", ip)
end
redis.call("HSET", key, "last_used_at", now)
if ttl > 0 then
    redis.call("EXPIRE", key, ttl)
end

local first = redis.call("HGET", key, "first_seen_at")
return {count, first}
`)

// RedisGuard is the fast-path replay store. The record's TTL equals the
// token's remaining lifetime, so Redis self-cleans expired JTIs.
type RedisGuard struct {
	client *redis.Client
}

// NewRedisGuard creates a guard on an existing client.
func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client}
}

func (g *RedisGuard) CheckAndRecord(ctx context.Context, tokenHash, jti string, expiresAt time.Time, clientIP string) (Result, error) {
	now := time.Now().UTC()
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	key := fmt.Sprintf("replay:%s", jti)

	res, err := replayCheckScript.Run(ctx, g.client, []string{key},
		tokenHash, now.UnixMilli(), int64(ttl.Seconds())+1, clientIP).Result()
	if err != nil {
		return Result{}, fmt.Errorf("replay redis error: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Result{}, fmt.Errorf("invalid response from replay script")
	}

	count, _ := vals[0].(int64)
	firstSeen := now
	if s, ok := vals[1].(string); ok {
		var ms int64
		if _, err := fmt.Sscanf(s, "%d", &ms); err == nil {
			firstSeen = time.UnixMilli(ms).UTC()
		}
	}

	return Result{
		IsReplay:    count > 1,
		UsageCount:  count,
		FirstSeenAt: firstSeen,
		LastUsedAt:  now,
	}, nil
}
