package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const defaultCacheTTL = 24 * time.Hour

// Cached keeps a provider's yearly lists in Redis. Concurrent misses for the
// same year share one computation. Redis failures fall through to the provider.
type Cached struct {
	next      Provider
	rdb       redis.Cmdable
	namespace string
	ttl       time.Duration
	logger    *slog.Logger
	group     singleflight.Group
}

// NewCached wraps next. namespace separates regions sharing one Redis.
func NewCached(next Provider, rdb redis.Cmdable, namespace string, ttl time.Duration, logger *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, rdb: rdb, namespace: namespace, ttl: ttl, logger: logger}
}

func (c *Cached) key(year int) string {
	return "mobilia:holidays:" + c.namespace + ":" + strconv.Itoa(year)
}

// Holidays implements Provider.
func (c *Cached) Holidays(ctx context.Context, year int) ([]Holiday, error) {
	key := c.key(year)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var list []Holiday
		if err := json.Unmarshal(raw, &list); err == nil {
			return list, nil
		}
		c.logger.Warn("holiday cache entry unreadable", slog.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("holiday cache unavailable", slog.String("key", key), slog.Any("error", err))
	}

	// the load outlives any single waiter
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		ctx := loadCtx
		list, err := c.next.Holidays(ctx, year)
		if err != nil {
			return nil, err
		}
		if payload, err := json.Marshal(list); err == nil {
			if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
				c.logger.Warn("holiday cache write failed", slog.String("key", key), slog.Any("error", err))
			}
		}
		return list, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("calendar: load holidays: %w", res.Err)
		}
		return res.Val.([]Holiday), nil
	}
}

// Invalidate drops the cached list of a year.
func (c *Cached) Invalidate(ctx context.Context, year int) error {
	return c.rdb.Del(ctx, c.key(year)).Err()
}
