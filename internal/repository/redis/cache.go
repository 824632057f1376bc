package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache is a JSON cache on top of Redis. A nil *Cache is valid and caches
// nothing.
type Cache struct {
	rdb redis.Cmdable
	sf  singleflight.Group
}

func New(rdb redis.Cmdable) *Cache {
	return &Cache{rdb: rdb}
}

// GetJSON decodes the value under key into T. The bool is false on a miss.
func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var v T
	if c == nil {
		return v, false, nil
	}

	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}

	if err := json.Unmarshal(b, &v); err != nil {
		return v, false, err
	}

	return v, true, nil
}

func SetJSON(ctx context.Context, c *Cache, key string, v any, ttl time.Duration) error {
	if c == nil {
		return nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, key, b, ttl).Err()
}

// GetOrSetJSON returns the cached value or loads, stores and returns it.
// Concurrent misses on the same key share one loader call; each caller still
// stops waiting when its own ctx is done. Redis failures fall back to the
// loader.
func GetOrSetJSON[T any](
	ctx context.Context,
	c *Cache,
	key string,
	ttl time.Duration,
	loader func(ctx context.Context) (T, error),
) (T, error) {
	if c == nil {
		return loader(ctx)
	}

	if v, ok, err := GetJSON[T](ctx, c, key); err == nil && ok {
		return v, nil
	}

	// The shared load must outlive the first caller's cancellation.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.sf.DoChan(key, func() (any, error) {
		if v, ok, err := GetJSON[T](loadCtx, c, key); err == nil && ok {
			return v, nil
		}

		v, err := loader(loadCtx)
		if err != nil {
			return nil, err
		}

		_ = SetJSON(loadCtx, c, key, v, ttl)

		return v, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if c == nil || len(keys) == 0 {
		return nil
	}

	return c.rdb.Del(ctx, keys...).Err()
}

// InvalidateTrain drops the train summary and every cached search page of
// its route.
func (c *Cache) InvalidateTrain(ctx context.Context, trainID int64, source, destination string) error {
	if c == nil {
		return nil
	}

	keys := []string{KeyTrain(trainID)}

	prefixes := []string{
		keyTrainSearchPrefix(source, destination),
		keyTrainSearchPrefix(source, ""),
		keyTrainSearchPrefix("", destination),
		keyTrainSearchPrefix("", ""),
	}
	for _, prefix := range prefixes {
		iter := c.rdb.Scan(ctx, 0, prefix+":*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return err
		}
	}

	return c.Del(ctx, keys...)
}
