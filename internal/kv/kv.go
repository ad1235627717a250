// Package kv wraps the redis client behind the handful of primitives the
// rate limiter, stream liveness markers, and token replay guard need.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Store is the key-value surface used across the service. Implementations
// must treat absent keys as zero values, never as errors.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	GetDel(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error)
	DecrBy(ctx context.Context, key string, n int64) (int64, error)
	// WindowCount records one event on a sliding-window key and returns the
	// number of events inside the window, including this one.
	WindowCount(ctx context.Context, key string, window time.Duration) (int64, error)
	Ping(ctx context.Context) error
}

// Redis implements Store on a go-redis client.
type Redis struct {
	c *redis.Client
}

// Open connects to redis using a redis:// URL.
func Open(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{c: redis.NewClient(opts)}, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error { return r.c.Close() }

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.c.SetNX(ctx, key, value, ttl).Result()
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) GetDel(ctx context.Context, key string) (string, bool, error) {
	v, err := r.c.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	return r.c.Del(ctx, key).Err()
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.c.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *Redis) IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	pipe := r.c.TxPipeline()
	incr := pipe.IncrBy(ctx, key, n)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *Redis) DecrBy(ctx context.Context, key string, n int64) (int64, error) {
	return r.c.DecrBy(ctx, key, n).Result()
}

func (r *Redis) WindowCount(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := time.Now()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	pipe := r.c.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now.Add(-window).UnixNano()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}
