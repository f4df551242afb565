package budget

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mailpulse/mailpulse/am"
	"github.com/mailpulse/mailpulse/errors"
)

// DefaultKeyPrefix namespaces limiter keys in a shared redis
const DefaultKeyPrefix = "mailpulse:budget:"

// reserveScript trims the window and adds the call only if it fits, as one
// atomic step. Scores are unix milliseconds.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  return {0, count}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1}
`)

// RedisStore keeps sliding windows in redis sorted sets
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis connects to the configured redis and verifies it answers
func DialRedis(ctx context.Context, cfg am.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "redis connect error (%s)", cfg.Addr)
	}
	return client, nil
}

func (s *RedisStore) Reserve(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, int, error) {
	member := strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()
	res, err := reserveScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return false, 0, errors.Wrap(err, "redis window reserve failed")
	}
	if len(res) != 2 {
		return false, 0, errors.Newf("unexpected reserve reply: %v", res)
	}
	return res[0] == 1, int(res[1]), nil
}

func (s *RedisStore) Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	lower := "(" + strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	n, err := s.client.ZCount(ctx, s.prefix+key, lower, "+inf").Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis window count failed")
	}
	return int(n), nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.Wrap(err, "redis window reset failed")
	}
	return nil
}
