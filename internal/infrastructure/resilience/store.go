package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists circuit breaker snapshots so multiple process instances
// converge on breaker state. Absence of a store degrades gracefully to
// in-memory operation.
type Store interface {
	SaveBreaker(ctx context.Context, name string, snap Snapshot) error
	LoadBreaker(ctx context.Context, name string) (Snapshot, bool, error)
}

const breakerKeyPrefix = "cb:state:"

// RedisStore keeps breaker snapshots in Redis with a TTL, so stale entries
// from dead deployments age out on their own.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed snapshot store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisStore{client: client, ttl: ttl}
}

// SaveBreaker writes the JSON-encoded snapshot under cb:state:<name>.
func (s *RedisStore) SaveBreaker(ctx context.Context, name string, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal breaker snapshot: %w", err)
	}
	if err := s.client.Set(ctx, breakerKeyPrefix+name, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("persist breaker snapshot: %w", err)
	}
	return nil
}

// LoadBreaker reads a snapshot; the second return is false when none exists.
func (s *RedisStore) LoadBreaker(ctx context.Context, name string) (Snapshot, bool, error) {
	payload, err := s.client.Get(ctx, breakerKeyPrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load breaker snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode breaker snapshot: %w", err)
	}
	return snap, true, nil
}
