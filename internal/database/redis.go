package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"docbatch/internal/config"
	"docbatch/internal/metrics"
	"docbatch/internal/models"
)

// RedisStore implements Store for Redis. Records are JSON values under
// KeyPrefix + id.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	timeout   time.Duration
	metrics   *metrics.Metrics
}

// NewRedisStore creates a new Redis store
func NewRedisStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.HistoryDBURL)
	if err != nil {
		return nil, fmt.Errorf("redis parse url error: %w", err)
	}

	if cfg.DBMaxConnections > 0 {
		opts.PoolSize = cfg.DBMaxConnections
		opts.MinIdleConns = min(2, cfg.DBMaxConnections)
	}
	opts.ConnMaxLifetime = 1 * time.Hour
	opts.ConnMaxIdleTime = 30 * time.Minute

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connect error: %w", err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		timeout:   cfg.DatabaseQueryTimeout,
		metrics:   m,
	}, nil
}

// SaveBatch stores a batch record
func (s *RedisStore) SaveBatch(ctx context.Context, rec *models.BatchRecord) error {
	start := time.Now()
	defer observe(s.metrics, "redis", start)

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(queryCtx, s.keyPrefix+rec.ID, data, 0).Err()
}

// GetBatch retrieves a batch record by ID
func (s *RedisStore) GetBatch(ctx context.Context, id string) (*models.BatchRecord, error) {
	start := time.Now()
	defer observe(s.metrics, "redis", start)

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(queryCtx, s.keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec models.BatchRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	rec.ID = id
	return &rec, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
