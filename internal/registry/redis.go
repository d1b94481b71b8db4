package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "txnsaga:sub:"

// Each operation is one script so both views change atomically.
var (
	subscribeScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[2])
redis.call('SADD', KEYS[4], ARGV[1])
return added
`)

	unsubscribeAllScript = redis.NewScript(`
local keys = redis.call('SMEMBERS', KEYS[1])
for _, k in ipairs(keys) do
  local fwd = ARGV[2] .. k
  redis.call('SREM', fwd, ARGV[1])
  if redis.call('SCARD', fwd) == 0 then
    redis.call('SREM', KEYS[2], k)
  end
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[3], ARGV[1])
return keys
`)
)

// RedisStore is a Store shared by every gateway instance. Layout under the
// prefix:
//
//	key:<key>   set of connection ids
//	conn:<id>   set of keys
//	keys        set of keys with subscribers
//	conns       set of connections with subscriptions
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a store using client. An empty prefix selects
// DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) forwardPrefix() string { return s.prefix + "key:" }
func (s *RedisStore) forwardKey(key string) string { return s.forwardPrefix() + key }
func (s *RedisStore) inverseKey(conn string) string { return s.prefix + "conn:" + conn }
func (s *RedisStore) keysIndex() string { return s.prefix + "keys" }
func (s *RedisStore) connsIndex() string { return s.prefix + "conns" }

func (s *RedisStore) Subscribe(ctx context.Context, connID, key string) (bool, error) {
	added, err := subscribeScript.Run(ctx, s.client,
		[]string{s.forwardKey(key), s.inverseKey(connID), s.keysIndex(), s.connsIndex()},
		connID, key,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis subscribe %s to %s: %w", connID, key, err)
	}
	return added == 1, nil
}

func (s *RedisStore) UnsubscribeAll(ctx context.Context, connID string) ([]string, error) {
	keys, err := unsubscribeAllScript.Run(ctx, s.client,
		[]string{s.inverseKey(connID), s.keysIndex(), s.connsIndex()},
		connID, s.forwardPrefix(),
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis unsubscribe %s: %w", connID, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) SubscribersOf(ctx context.Context, key string) ([]string, error) {
	conns, err := s.client.SMembers(ctx, s.forwardKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis subscribers of %s: %w", key, err)
	}
	sort.Strings(conns)
	return conns, nil
}

func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.keysIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Purge tears down every connection whose id starts with prefix. A gateway
// calls it at startup with its own instance prefix to drop entries left by a
// previous run under the same instance id.
func (s *RedisStore) Purge(ctx context.Context, prefix string) (int, error) {
	conns, err := s.client.SMembers(ctx, s.connsIndex()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis purge %s: %w", prefix, err)
	}
	purged := 0
	for _, conn := range conns {
		if !strings.HasPrefix(conn, prefix) {
			continue
		}
		if _, err := s.UnsubscribeAll(ctx, conn); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}
