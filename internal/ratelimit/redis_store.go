package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"licensegate/internal/config"
)

// RedisStore keeps window counters in Redis so limits hold across
// replicas. INCR and EXPIRE run in one pipeline; the increment itself is
// atomic on the server.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisStore connects to Redis and verifies the connection. Callers
// treat a connect failure as "no store configured" and run fail-open.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, opTimeout: cfg.OpTimeout}, nil
}

// Incr implements Store.
func (s *RedisStore) Incr(ctx context.Context, key string, bucket, prevBucket int64, ttl time.Duration) (int64, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	currKey := s.bucketKey(key, bucket)
	prevKey := s.bucketKey(key, prevBucket)

	var incr *redis.IntCmd
	var prev *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, currKey)
		p.Expire(ctx, currKey, ttl)
		prev = p.Get(ctx, prevKey)
		return nil
	})
	if err != nil && err != redis.Nil {
		return 0, 0, err
	}

	prevCount, err := prev.Int64()
	if err != nil && err != redis.Nil {
		return 0, 0, err
	}
	return incr.Val(), prevCount, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string, bucket, prevBucket int64) (int64, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	vals, err := s.client.MGet(ctx, s.bucketKey(key, bucket), s.bucketKey(key, prevBucket)).Result()
	if err != nil {
		return 0, 0, err
	}
	return parseCount(vals[0]), parseCount(vals[1]), nil
}

// Close releases the underlying connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) bucketKey(key string, bucket int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", key, bucket)
}

func parseCount(v any) int64 {
	raw, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	_, _ = fmt.Sscan(raw, &n)
	return n
}
