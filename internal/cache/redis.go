package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheKeyPrefix = "cache:key:"
	cacheTagPrefix = "cache:tag:"
)

// redisEnvelope wraps a cached value with its freshness metadata. The Redis
// key itself expires at TTL + StaleRetention so stale reads stay possible.
type redisEnvelope struct {
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
	TTL      time.Duration   `json:"ttl"`
}

func (e *redisEnvelope) expired(now time.Time) bool {
	return now.Sub(e.StoredAt) > e.TTL
}

// RedisStore implements Store on Redis so several processes can share one
// cache. Hit/miss counters are per process; Redis errors count as misses
// rather than surfacing, matching the degrade-not-fail cache policy.
type RedisStore struct {
	client *redis.Client
	ctx    context.Context

	mu     sync.Mutex
	hits   int64
	misses int64
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ctx: context.Background()}
}

func (s *RedisStore) Get(key string) (any, bool) {
	env, ok := s.fetch(key)
	if !ok || env.expired(time.Now()) {
		s.count(false)
		return nil, false
	}
	s.count(true)
	return decodeValue(env.Value), true
}

func (s *RedisStore) GetAllowStale(key string) (any, bool, bool) {
	env, ok := s.fetch(key)
	if !ok {
		s.count(false)
		return nil, false, false
	}
	s.count(true)
	return decodeValue(env.Value), env.expired(time.Now()), true
}

func (s *RedisStore) Set(key string, value any, ttl time.Duration, tags ...string) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	env := redisEnvelope{Value: raw, StoredAt: time.Now(), TTL: ttl}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	pipe := s.client.Pipeline()
	pipe.Set(s.ctx, cacheKeyPrefix+key, data, ttl+StaleRetention)
	for _, tag := range tags {
		pipe.SAdd(s.ctx, cacheTagPrefix+tag, key)
		pipe.Expire(s.ctx, cacheTagPrefix+tag, ttl+StaleRetention)
	}
	pipe.Exec(s.ctx)
}

func (s *RedisStore) Invalidate(key string) {
	s.client.Del(s.ctx, cacheKeyPrefix+key)
}

func (s *RedisStore) InvalidateByTag(tag string) {
	keys, err := s.client.SMembers(s.ctx, cacheTagPrefix+tag).Result()
	if err != nil {
		return
	}
	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.Del(s.ctx, cacheKeyPrefix+key)
	}
	pipe.Del(s.ctx, cacheTagPrefix+tag)
	pipe.Exec(s.ctx)
}

func (s *RedisStore) Clear() {
	iter := s.client.Scan(s.ctx, 0, cacheKeyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(s.ctx) {
		keys = append(keys, iter.Val())
	}
	iter = s.client.Scan(s.ctx, 0, cacheTagPrefix+"*", 0).Iterator()
	for iter.Next(s.ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		s.client.Del(s.ctx, keys...)
	}
}

func (s *RedisStore) Age(key string) (time.Duration, bool) {
	env, ok := s.fetch(key)
	if !ok {
		return 0, false
	}
	return time.Since(env.StoredAt), true
}

func (s *RedisStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Hits: s.hits, Misses: s.misses}
	if n, err := s.client.DBSize(s.ctx).Result(); err == nil {
		stats.Entries = int(n)
	}
	if total := s.hits + s.misses; total > 0 {
		stats.HitRate = float64(s.hits) / float64(total)
	}
	return stats
}

func (s *RedisStore) fetch(key string) (*redisEnvelope, bool) {
	data, err := s.client.Get(s.ctx, cacheKeyPrefix+key).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	var env redisEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, false
	}
	return &env, true
}

func (s *RedisStore) count(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.hits++
	} else {
		s.misses++
	}
}

func decodeValue(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
