package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript performs the compare-and-swap atomically: it checks the
// stored "version" field against ARGV[1] (empty string meaning "key must
// not exist yet"), and on match writes the new fields and bumps the
// version, grounded on pkg/authserver/storage/redis.go's
// updateLastUsedScript Lua read-modify-write pattern.
var casScript = redis.NewScript(`
local key = KEYS[1]
local expected_version = ARGV[1]
local window_start = ARGV[2]
local window_count = ARGV[3]
local quota_remaining = ARGV[4]
local has_quota = ARGV[5]
local ttl_seconds = tonumber(ARGV[6])

local current_version = redis.call("HGET", key, "version")

if expected_version == "" then
  if current_version then
    return {err = "conflict"}
  end
else
  if current_version ~= expected_version then
    return {err = "conflict"}
  end
end

local new_version = tostring(tonumber(current_version or "0") + 1)

redis.call("HSET", key,
  "version", new_version,
  "window_start", window_start,
  "window_count", window_count,
  "quota_remaining", quota_remaining,
  "has_quota", has_quota)

if ttl_seconds > 0 then
  redis.call("EXPIRE", key, ttl_seconds)
end

return new_version
`)

// RedisStateStore is the production StateStore implementation. Construct
// with NewRedisStateStoreWithClient in tests (miniredis), grounded on
// pkg/authserver/storage/redis.go's NewRedisStorageWithClient testability
// seam.
type RedisStateStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisStateStore(client redis.Cmdable) *RedisStateStore {
	return &RedisStateStore{client: client, ttl: 2 * time.Minute}
}

func NewRedisStateStoreWithClient(client redis.Cmdable, ttl time.Duration) *RedisStateStore {
	return &RedisStateStore{client: client, ttl: ttl}
}

func (r *RedisStateStore) Get(ctx context.Context, key string) (WindowState, string, bool, error) {
	res, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return WindowState{}, "", false, fmt.Errorf("limiter: redis HGETALL %q: %w", key, err)
	}
	if len(res) == 0 {
		return WindowState{}, "", false, nil
	}

	windowStartUnix, _ := strconv.ParseInt(res["window_start"], 10, 64)
	windowCount, _ := strconv.ParseInt(res["window_count"], 10, 64)
	quotaRemaining, _ := strconv.ParseInt(res["quota_remaining"], 10, 64)
	hasQuota := res["has_quota"] == "1"
	version := res["version"]

	return WindowState{
		WindowStart:    time.Unix(windowStartUnix, 0),
		WindowCount:    windowCount,
		QuotaRemaining: quotaRemaining,
		HasQuota:       hasQuota,
	}, version, true, nil
}

func (r *RedisStateStore) CompareAndSwap(ctx context.Context, key string, state WindowState, expectedVersion string) (string, error) {
	hasQuota := "0"
	if state.HasQuota {
		hasQuota = "1"
	}
	ttlSeconds := int(r.ttl / time.Second)

	result, err := casScript.Run(ctx, r.client, []string{key},
		expectedVersion,
		strconv.FormatInt(state.WindowStart.Unix(), 10),
		strconv.FormatInt(state.WindowCount, 10),
		strconv.FormatInt(state.QuotaRemaining, 10),
		hasQuota,
		ttlSeconds,
	).Result()
	if err != nil {
		if err.Error() == "conflict" {
			return "", ErrConflict
		}
		return "", fmt.Errorf("limiter: redis CAS %q: %w", key, err)
	}

	switch v := result.(type) {
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return "", fmt.Errorf("limiter: unexpected CAS script result type %T", result)
	}
}
