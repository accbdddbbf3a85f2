package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the ranker vector and manual queue order in Redis. It
// implements both WeightStore and OrderStore.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore returns a store whose keys share prefix, "etriage" when empty.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "etriage"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) weightsKey() string { return s.prefix + ":ranker:weights" }
func (s *RedisStore) orderKey() string   { return s.prefix + ":queue:order" }

func (s *RedisStore) LoadWeights(ctx context.Context) ([]float64, error) {
	raw, err := s.client.Get(ctx, s.weightsKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get weights: %w", err)
	}
	var w []float64
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}
	return w, nil
}

func (s *RedisStore) SaveWeights(ctx context.Context, w []float64) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.weightsKey(), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set weights: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadOrder(ctx context.Context) ([]string, error) {
	ids, err := s.client.LRange(ctx, s.orderKey(), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis lrange order: %w", err)
	}
	return ids, nil
}

// SaveOrder replaces the stored list atomically.
func (s *RedisStore) SaveOrder(ctx context.Context, ids []string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.orderKey())
		if len(ids) > 0 {
			vals := make([]interface{}, len(ids))
			for i, id := range ids {
				vals[i] = id
			}
			pipe.RPush(ctx, s.orderKey(), vals...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save order: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
