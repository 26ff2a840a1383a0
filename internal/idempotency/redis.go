package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps processed ids as expiring keys, scoped per service.
type RedisStore struct {
	client  redis.UniversalClient
	service string
	ttl     time.Duration
}

// NewRedisStore creates a store whose keys expire after ttl.
func NewRedisStore(client redis.UniversalClient, service string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client:  client,
		service: service,
		ttl:     ttl,
	}
}

func (s *RedisStore) key(eventID string) string {
	return "processed:" + s.service + ":" + eventID
}

// TryAcquire sets the key only if absent.
func (s *RedisStore) TryAcquire(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyEventID
	}

	ok, err := s.client.SetNX(ctx, s.key(eventID), time.Now().UTC().Format(time.RFC3339Nano), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record processed event: %w", err)
	}

	return ok, nil
}

// Release deletes the key of eventID.
func (s *RedisStore) Release(ctx context.Context, eventID string) error {
	if err := s.client.Del(ctx, s.key(eventID)).Err(); err != nil {
		return fmt.Errorf("failed to release processed event: %w", err)
	}

	return nil
}
