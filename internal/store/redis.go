package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisWindowPrefix = "mailgate:rl:"

// The counter is only incremented while it is below the limit; the whole
// read-compare-write runs inside Redis so concurrent gateways share one view.
var redisIncrementScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if current >= limit then
  return {0, current}
end
current = redis.call('INCR', KEYS[1])
redis.call('PEXPIREAT', KEYS[1], ARGV[2])
return {1, current}
`)

// RedisWindows is a WindowStore backed by Redis. Windows expire on their own
// so PurgeExpiredWindows is a no-op.
type RedisWindows struct {
	client redis.UniversalClient
}

// NewRedisWindows wraps an existing client.
func NewRedisWindows(client redis.UniversalClient) *RedisWindows {
	return &RedisWindows{client: client}
}

// OpenRedisWindows parses a redis:// URL, connects and pings.
func OpenRedisWindows(ctx context.Context, url string) (*RedisWindows, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisWindows{client: client}, nil
}

func (s *RedisWindows) IncrementWindow(ctx context.Context, key WindowKey, limit int64, expiresAt time.Time) (int64, bool, error) {
	res, err := redisIncrementScript.Run(ctx, s.client, []string{redisWindowKey(key)}, limit, expiresAt.UnixMilli()).Result()
	if err != nil {
		return 0, false, fmt.Errorf("running redis window script: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return 0, false, fmt.Errorf("unexpected redis script result: %T", res)
	}
	allowed, err := asInt64(values[0])
	if err != nil {
		return 0, false, fmt.Errorf("parsing allowed result: %w", err)
	}
	count, err := asInt64(values[1])
	if err != nil {
		return 0, false, fmt.Errorf("parsing count result: %w", err)
	}
	return count, allowed == 1, nil
}

func (s *RedisWindows) ResetWindows(ctx context.Context, clientKey string) (int64, error) {
	pattern := redisClientPrefix(clientKey) + ":*"

	var deleted int64
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			n, err := s.client.Del(ctx, batch...).Result()
			if err != nil {
				return deleted, fmt.Errorf("deleting rate windows: %w", err)
			}
			deleted += n
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scanning rate windows: %w", err)
	}
	if len(batch) > 0 {
		n, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			return deleted, fmt.Errorf("deleting rate windows: %w", err)
		}
		deleted += n
	}
	return deleted, nil
}

func (s *RedisWindows) PurgeExpiredWindows(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisWindows) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisWindows) Close() error {
	return s.client.Close()
}

func redisWindowKey(k WindowKey) string {
	return redisClientPrefix(k.ClientKey) + ":" + k.Class + ":" + strconv.FormatInt(k.Index, 10)
}

// redisClientPrefix query-escapes the client key into a braced segment. The
// escaped form holds no ':' or glob metacharacters, so one client's reset
// pattern never reaches another client's keys, and the braces keep a
// client's windows in one cluster slot.
func redisClientPrefix(clientKey string) string {
	return redisWindowPrefix + "{" + url.QueryEscape(clientKey) + "}"
}

func asInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
