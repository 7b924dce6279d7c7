package registry

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedStore is a read-through Redis cache in front of a Store. Writes go to
// the underlying store and evict the cached active entry. Cache failures are
// logged and fall through to the store.
type CachedStore struct {
	next   Store
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedStore wraps next with a Redis cache.
func NewCachedStore(next Store, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedStore{next: next, client: client, ttl: ttl, logger: logger}
}

func cacheKey(key Key) string {
	return "medical_code:" + key.String()
}

func (s *CachedStore) Get(ctx context.Context, key Key) (*Entry, error) {
	raw, err := s.client.Get(ctx, cacheKey(key)).Bytes()
	switch {
	case err == nil:
		var e Entry
		if err := json.Unmarshal(raw, &e); err == nil {
			return &e, nil
		}
		s.logger.Warn("discarding corrupt cache entry", zap.String("key", key.String()))
	case !errors.Is(err, redis.Nil):
		s.logger.Warn("code cache read failed", zap.String("key", key.String()), zap.Error(err))
	}

	e, err := s.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(e); err == nil {
		if err := s.client.Set(ctx, cacheKey(key), payload, s.ttl).Err(); err != nil {
			s.logger.Warn("code cache write failed", zap.String("key", key.String()), zap.Error(err))
		}
	}
	return e, nil
}

func (s *CachedStore) Insert(ctx context.Context, e *Entry) error {
	if err := s.next.Insert(ctx, e); err != nil {
		return err
	}
	s.evict(ctx, e.Key())
	return nil
}

func (s *CachedStore) Supersede(ctx context.Context, current, next *Entry) error {
	if err := s.next.Supersede(ctx, current, next); err != nil {
		return err
	}
	s.evict(ctx, current.Key())
	return nil
}

func (s *CachedStore) Versions(ctx context.Context, key Key) ([]*Entry, error) {
	return s.next.Versions(ctx, key)
}

func (s *CachedStore) evict(ctx context.Context, key Key) {
	if err := s.client.Del(ctx, cacheKey(key)).Err(); err != nil {
		s.logger.Warn("code cache evict failed", zap.String("key", key.String()), zap.Error(err))
	}
}
