package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitScript checks and increments a counter in one round trip. The expiry is
// set only by the first hit so the window stays fixed.
var hitScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return {0, current, redis.call('PTTL', KEYS[1])}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, current, redis.call('PTTL', KEYS[1])}
`)

// RedisStore keeps counters in Redis so several API instances share budgets
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps a connected client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Hit checks and increments the window of key
func (s *RedisStore) Hit(ctx context.Context, key string, limit int, ttl time.Duration) (int, time.Time, bool, error) {
	res, err := hitScript.Run(ctx, s.client, []string{key}, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("redis rate limit: %w", err)
	}
	if len(res) != 3 {
		return 0, time.Time{}, false, fmt.Errorf("redis rate limit: unexpected reply %v", res)
	}

	pttl := time.Duration(res[2]) * time.Millisecond
	if pttl < 0 {
		pttl = ttl
	}
	return int(res[1]), time.Now().Add(pttl), res[0] == 1, nil
}
