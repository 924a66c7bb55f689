package ratelimit

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewMemoryStore creates a MemoryStore purging expired windows every cleanup interval.
func NewMemoryStore(cleanup time.Duration) *MemoryStore {
	return &MemoryStore{cache: gocache.New(gocache.NoExpiration, cleanup)}
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, exp, ok := s.cache.GetWithExpiration(key)
	ttl := time.Until(exp)
	if !ok || ttl <= 0 {
		s.cache.Set(key, int64(1), window)
		return 1, window, nil
	}
	count := v.(int64) + 1
	// keep the original expiry
	s.cache.Set(key, count, ttl)
	return count, ttl, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

// RedisStore keeps counters in Redis so limits hold across replicas.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a RedisStore namespacing keys with prefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	key = s.prefix + key

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SetNX(ctx, key, 0, window)
		incr = p.Incr(ctx, key)
		ttl = p.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	d := ttl.Val()
	if d < 0 {
		d = window
	}
	return incr.Val(), d, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
