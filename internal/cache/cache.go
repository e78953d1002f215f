// Package cache keeps rendered feed pages in Redis.
//
// Every write to the posts table bumps a generation counter, so a
// cached page from a stale generation simply stops being addressable
// instead of needing explicit deletion.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knowspace/knowspace/internal/logger"
	"github.com/knowspace/knowspace/internal/models"
	"github.com/knowspace/knowspace/internal/query"
)

const generationKey = "feed:generation"

type Cache struct {
	rdb *redis.Client
	ttl time.Duration
	log *logger.Logger
}

func New(rdb *redis.Client, ttl time.Duration, log *logger.Logger) *Cache {
	return &Cache{rdb: rdb, ttl: ttl, log: log.With("component", "cache")}
}

// Disabled returns a cache that never hits, for deployments without Redis.
func Disabled(log *logger.Logger) *Cache {
	return &Cache{log: log.With("component", "cache")}
}

func (c *Cache) enabled() bool { return c != nil && c.rdb != nil }

// feedKey addresses a page by generation plus the full filter state, so
// two users with the same filters share an entry.
func (c *Cache) feedKey(ctx context.Context, f query.FilterState) (string, error) {
	gen, err := c.rdb.Get(ctx, generationKey).Int64()
	if err != nil && err != redis.Nil {
		return "", err
	}
	cursor := ""
	if f.Cursor != nil {
		cursor = *f.Cursor
	}
	return fmt.Sprintf("feed:g%d:cat=%s:mode=%s:term=%s:cur=%s",
		gen, f.Category, f.SearchMode, f.SearchTerm, cursor), nil
}

// GetFeed returns a cached page if the current generation has one.
// Redis failures degrade to a miss.
func (c *Cache) GetFeed(ctx context.Context, f query.FilterState) (*models.PaginatedPosts, bool) {
	if !c.enabled() {
		return nil, false
	}
	key, err := c.feedKey(ctx, f)
	if err != nil {
		c.log.Warn("cache read degraded", "error", err)
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.log.Warn("cache read degraded", "error", err)
		return nil, false
	}
	var page models.PaginatedPosts
	if err := json.Unmarshal(raw, &page); err != nil {
		c.log.Warn("cache entry corrupt, dropping", "key", key, "error", err)
		c.rdb.Del(ctx, key)
		return nil, false
	}
	return &page, true
}

// SetFeed stores a page under the current generation. Best effort.
func (c *Cache) SetFeed(ctx context.Context, f query.FilterState, page *models.PaginatedPosts) {
	if !c.enabled() {
		return
	}
	key, err := c.feedKey(ctx, f)
	if err != nil {
		c.log.Warn("cache write degraded", "error", err)
		return
	}
	raw, err := json.Marshal(page)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.log.Warn("cache write degraded", "error", err)
	}
}

// Invalidate bumps the generation counter. Stale entries expire on
// their own TTL.
func (c *Cache) Invalidate(ctx context.Context) {
	if !c.enabled() {
		return
	}
	if err := c.rdb.Incr(ctx, generationKey).Err(); err != nil {
		c.log.Warn("cache invalidate degraded", "error", err)
	}
}
