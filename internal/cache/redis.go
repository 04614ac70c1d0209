package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rwa-market/pricesync/internal/model"
)

// Mirror shares quotes across processes.
type Mirror interface {
	Store(ctx context.Context, quotes []model.Quote, ttl time.Duration) error
	Load(ctx context.Context, keys []model.InstrumentKey) ([]model.Quote, error)
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisMirror implements Mirror on top of Redis string keys with TTL.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror connects to Redis and verifies the connection.
func NewRedisMirror(ctx context.Context, cfg RedisConfig) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisMirror{client: client, prefix: "quote:"}, nil
}

// redisKey returns the storage key for an instrument.
func (m *RedisMirror) redisKey(id string) string {
	return m.prefix + id
}

// Store writes quotes with the given TTL in a single pipeline.
func (m *RedisMirror) Store(ctx context.Context, quotes []model.Quote, ttl time.Duration) error {
	if len(quotes) == 0 {
		return nil
	}

	pipe := m.client.Pipeline()
	for _, q := range quotes {
		data, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("marshal quote %s: %w", q.ID(), err)
		}
		pipe.Set(ctx, m.redisKey(q.ID()), data, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store quotes: %w", err)
	}
	return nil
}

// Load returns the mirrored quotes that exist for keys. Missing keys are omitted.
func (m *RedisMirror) Load(ctx context.Context, keys []model.InstrumentKey) ([]model.Quote, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = m.redisKey(k.ID())
	}

	values, err := m.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load quotes: %w", err)
	}

	quotes := make([]model.Quote, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var q model.Quote
		if err := json.Unmarshal([]byte(s), &q); err != nil {
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// Close closes the Redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
