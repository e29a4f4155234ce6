package authz

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/meridian-gallery/meridian/internal/observability"
)

// PermissionResolver is the part of the Resolver the cache depends on.
type PermissionResolver interface {
	Resolve(ctx context.Context, identity Identity, rc RequestContext) (EffectivePermissionSet, error)
}

// clockSkewTolerance bounds how far in the future an entry's
// computedAt may sit before the entry is treated as corrupt.
const clockSkewTolerance = 5 * time.Second

// CacheConfig tunes the permission cache.
type CacheConfig struct {
	TTL           time.Duration // default 1m
	MaxSize       int           // default 1000
	SweepInterval time.Duration // default 5m
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// CacheStats is the read-only introspection snapshot of the cache.
type CacheStats struct {
	Total   int           `json:"total"`
	Valid   int           `json:"valid"`
	Expired int           `json:"expired"`
	MaxSize int           `json:"max_size"`
	TTL     time.Duration `json:"ttl"`
}

type cacheEntry struct {
	identity   Identity
	set        EffectivePermissionSet
	computedAt time.Time
	deadline   time.Time
}

// Cache is a TTL-bounded map in front of the Resolver. It is the only
// writer of its own map; Role Administration reaches it exclusively
// through Invalidate and InvalidateAll. Construct one per process with
// NewCache and release it with Close.
type Cache struct {
	resolver PermissionResolver
	ttl      time.Duration
	maxSize  int
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	entries map[string]*cacheEntry

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCache constructs the cache and starts its periodic sweep.
func NewCache(resolver PermissionResolver, cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Cache{
		resolver: resolver,
		ttl:      cfg.TTL,
		maxSize:  cfg.MaxSize,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		entries:  make(map[string]*cacheEntry),
		stopCh:   make(chan struct{}),
	}
	go c.sweepLoop(cfg.SweepInterval)
	return c
}

// Close stops the sweep goroutine. The cache must not be used after.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Get returns the effective permission set for the identity, serving a
// live cached entry when one exists and consulting the Resolver
// otherwise. Resolver failures are returned as-is and never cached.
func (c *Cache) Get(ctx context.Context, identity Identity, rc RequestContext) (EffectivePermissionSet, error) {
	now := rc.now()
	composite := compositeKey(identity, rc.SourceIP)
	bare := string(identity)

	c.mu.Lock()
	for _, key := range []string{composite, bare} {
		entry, ok := c.entries[key]
		if !ok {
			continue
		}
		if c.corrupt(entry, now) {
			delete(c.entries, key)
			continue
		}
		if now.Before(entry.deadline) {
			set := entry.set
			c.mu.Unlock()
			c.event("hit")
			return set, nil
		}
	}
	c.mu.Unlock()
	c.event("miss")

	start := time.Now()
	set, err := c.resolver.Resolve(ctx, identity, rc)
	if c.metrics != nil {
		c.metrics.ObserveResolve(time.Since(start))
	}
	if err != nil {
		return EffectivePermissionSet{}, err
	}

	key := bare
	if set.NetworkScoped {
		key = composite
	}
	deadline := now.Add(c.ttl)
	if !set.GrantExpiresAt.IsZero() && set.GrantExpiresAt.Before(deadline) {
		// The grant dies before the TTL would; an entry must never
		// outlive the grant it was computed from.
		deadline = set.GrantExpiresAt
	}

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = &cacheEntry{identity: identity, set: set, computedAt: now, deadline: deadline}
	c.mu.Unlock()
	return set, nil
}

// Invalidate removes every cached entry for the identity, including
// network-scoped variants. It returns only after the removal is
// visible, so a mutation's next read reflects the new state.
func (c *Cache) Invalidate(identity Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.identity == identity {
			delete(c.entries, key)
		}
	}
}

// InvalidateAll flushes the whole cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Stats returns a point-in-time snapshot of the cache.
func (c *Cache) Stats() CacheStats {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CacheStats{Total: len(c.entries), MaxSize: c.maxSize, TTL: c.ttl}
	for _, entry := range c.entries {
		if now.Before(entry.deadline) {
			stats.Valid++
		} else {
			stats.Expired++
		}
	}
	return stats
}

// corrupt flags entries that cannot be trusted: a computedAt in the
// future beyond clock-skew tolerance, or a malformed set. Corrupt
// entries are logged and treated as misses, never served.
func (c *Cache) corrupt(entry *cacheEntry, now time.Time) bool {
	if entry.computedAt.After(now.Add(clockSkewTolerance)) || entry.set.Permissions == nil {
		c.logger.Warn("discarding corrupt cache entry",
			slog.String("identity", string(entry.identity)),
			slog.Time("computed_at", entry.computedAt))
		c.event("corrupt")
		return true
	}
	return false
}

// evictOldest removes the entry with the oldest computedAt. Called with
// the lock held. The bound is a safety net; the admin population is
// normally far below it.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.computedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.computedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.event("eviction")
	}
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep(time.Now().UTC())
		}
	}
}

func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.deadline) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		c.event("sweep")
		c.logger.Debug("swept expired cache entries", slog.Int("removed", removed))
	}
}

func (c *Cache) event(kind string) {
	if c.metrics != nil {
		c.metrics.CacheEvent(kind)
	}
}

// compositeKey buckets a source address so a network-scoped decision is
// never served to a request from a different network. IPv4 buckets are
// /24, IPv6 buckets are /64.
func compositeKey(identity Identity, addr netip.Addr) string {
	return string(identity) + "|" + networkBucket(addr)
}

func networkBucket(addr netip.Addr) string {
	if !addr.IsValid() {
		return "unknown"
	}
	addr = addr.Unmap()
	bits := 64
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "unknown"
	}
	return prefix.String()
}
