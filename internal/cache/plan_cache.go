// Package cache holds the per-organization request state kept outside
// Postgres: plan lookups, rate limit windows and idempotency records. Each
// is served from Redis when REDIS_URL is configured and from process
// memory otherwise.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"devvelocity/internal/plans"
	"devvelocity/internal/types"
)

const (
	// DefaultTTL bounds how stale a cached plan can be if an invalidation is
	// lost.
	DefaultTTL = 5 * time.Minute

	localSize = 4096
	keyPrefix = "devvelocity:plan:"
)

// OrgLoader loads an organization from the database.
type OrgLoader interface {
	GetByID(ctx context.Context, id string) (*types.Organization, error)
}

// PlanCache resolves an organization's plan through a cache.
type PlanCache struct {
	loader OrgLoader
	rdb    *redis.Client
	local  *expirable.LRU[string, types.PlanID]
	ttl    time.Duration
	logger *slog.Logger
}

// NewPlanCache creates a PlanCache. When rdb is nil an in-process LRU is
// used; it is only coherent within one process.
func NewPlanCache(loader OrgLoader, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *PlanCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &PlanCache{loader: loader, rdb: rdb, ttl: ttl, logger: logger}
	if rdb == nil {
		c.local = expirable.NewLRU[string, types.PlanID](localSize, nil, ttl)
	}
	return c
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func key(orgID string) string { return keyPrefix + orgID }

// PlanFor returns the normalized plan of orgID. A Redis failure falls through
// to the database so the cache never fails a request on its own.
func (c *PlanCache) PlanFor(ctx context.Context, orgID string) (types.PlanID, error) {
	if plan, ok := c.get(ctx, orgID); ok {
		return plan, nil
	}

	org, err := c.loader.GetByID(ctx, orgID)
	if err != nil {
		return "", err
	}
	plan := plans.Normalize(org.PlanID)
	c.set(ctx, orgID, plan)
	return plan, nil
}

// Invalidate drops the cached plan of orgID.
func (c *PlanCache) Invalidate(ctx context.Context, orgID string) error {
	if c.local != nil {
		c.local.Remove(orgID)
		return nil
	}
	return c.rdb.Del(ctx, key(orgID)).Err()
}

func (c *PlanCache) get(ctx context.Context, orgID string) (types.PlanID, bool) {
	if c.local != nil {
		return c.local.Get(orgID)
	}
	val, err := c.rdb.Get(ctx, key(orgID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "plan cache read failed", "org_id", orgID, "error", err)
		}
		return "", false
	}
	return types.PlanID(val), true
}

func (c *PlanCache) set(ctx context.Context, orgID string, plan types.PlanID) {
	if c.local != nil {
		c.local.Add(orgID, plan)
		return
	}
	if err := c.rdb.Set(ctx, key(orgID), string(plan), c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "plan cache write failed", "org_id", orgID, "error", err)
	}
}
