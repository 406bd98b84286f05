package ingest

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// redisOffsetKey is the hash holding sourceID -> offset pairs.
const redisOffsetKey = "sieman:source_offsets"

// RedisOffsetStore keeps offsets in a redis hash, for deployments where
// several ingesters share checkpoint state.
type RedisOffsetStore struct {
	client *redis.Client
}

// NewRedisOffsetStore creates a redis-backed offset store.
func NewRedisOffsetStore(client *redis.Client) *RedisOffsetStore {
	return &RedisOffsetStore{client: client}
}

// Load implements OffsetStore.
func (s *RedisOffsetStore) Load(ctx context.Context) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, redisOffsetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load offsets from redis: %w", err)
	}
	offsets := make(map[string]int64, len(raw))
	for id, v := range raw {
		off, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt offset for %s: %w", id, err)
		}
		offsets[id] = off
	}
	return offsets, nil
}

// Save implements OffsetStore.
func (s *RedisOffsetStore) Save(ctx context.Context, offsets map[string]int64) error {
	if len(offsets) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(offsets))
	for id, off := range offsets {
		values[id] = strconv.FormatInt(off, 10)
	}
	if err := s.client.HSet(ctx, redisOffsetKey, values).Err(); err != nil {
		return fmt.Errorf("save offsets to redis: %w", err)
	}
	return nil
}

// Close implements OffsetStore.
func (s *RedisOffsetStore) Close() error { return s.client.Close() }
