package fingerprint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/model"
)

const cacheKeyPrefix = "remedy:pattern:"

// DefaultCacheTTL bounds how long a pattern stays cached in both tiers.
const DefaultCacheTTL = 15 * time.Minute

type localEntry struct {
	pattern   model.Pattern
	expiresAt time.Time
}

// Cache is the two-tier pattern cache. Reads consult the local map, then
// Redis; writes populate both. Redis failures degrade to the local tier
// only, they never fail the caller.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *common.ContextLogger
	now    func() time.Time

	mu    sync.RWMutex
	local map[string]localEntry
}

// NewCache builds a cache over the given Redis client. client may be nil,
// which leaves only the local tier active.
func NewCache(client redis.UniversalClient, ttl time.Duration, logger *common.ContextLogger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		client: client,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		local:  make(map[string]localEntry),
	}
}

// Get returns the cached pattern for a fingerprint, or nil on miss.
func (c *Cache) Get(ctx context.Context, fingerprint string) *model.Pattern {
	c.mu.RLock()
	entry, ok := c.local[fingerprint]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expiresAt) {
		p := entry.pattern
		return &p
	}

	if c.client == nil {
		return nil
	}
	raw, err := c.client.Get(ctx, cacheKeyPrefix+fingerprint).Bytes()
	if err != nil {
		if err != redis.Nil && c.logger != nil {
			c.logger.WithError(err).Debug("pattern cache redis read failed")
		}
		return nil
	}
	var p model.Pattern
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	c.setLocal(fingerprint, p)
	return &p
}

// Put stores the pattern in both tiers.
func (c *Cache) Put(ctx context.Context, p *model.Pattern) {
	c.setLocal(p.Fingerprint, *p)
	if c.client == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+p.Fingerprint, raw, c.ttl).Err(); err != nil && c.logger != nil {
		c.logger.WithError(err).Debug("pattern cache redis write failed")
	}
}

func (c *Cache) setLocal(fingerprint string, p model.Pattern) {
	c.mu.Lock()
	c.local[fingerprint] = localEntry{pattern: p, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}
