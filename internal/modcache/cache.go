// Package modcache is the in-memory tier of the two-tier artifact cache:
// loaded, ready-to-invoke modules keyed by tenant and cache key. Entries
// expire on a sliding window and the oldest are evicted beyond a fixed
// capacity; the durable store below makes both cheap to undo.
//
// A module handed out by GetOrLoad belongs to the caller until it calls
// Release; eviction, expiry and invalidation only retire an entry, and its
// module is closed once the last holder releases it.
package modcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaybot/skillhost/internal/modules"
	"github.com/relaybot/skillhost/internal/skill"
	"github.com/relaybot/skillhost/internal/telemetry"
)

const (
	// DefaultTTL is the sliding idle window after which a loaded module
	// is dropped.
	DefaultTTL = 7 * 24 * time.Hour

	// DefaultMaxEntries bounds the number of loaded modules held at once.
	DefaultMaxEntries = 512
)

// Loader resolves an artifact ID to a loaded module. Implemented by the
// modules orchestrator.
type Loader interface {
	FetchOrCompile(ctx context.Context, id skill.ArtifactID, recompile bool) (modules.Module, error)
}

// entry tracks one loaded module. refs counts invocations currently
// holding the module; retired marks an entry displaced from the cache
// whose module is closed once refs drops to zero.
type entry struct {
	mod      modules.Module
	lastUsed time.Time
	refs     int
	retired  bool
}

// Cache holds loaded modules. Concurrent GetOrLoad calls for the same
// artifact collapse into one load; distinct artifacts load in parallel.
type Cache struct {
	loader  Loader
	ttl     time.Duration
	maxSize int
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	// byMod indexes every tracked entry, retired ones included, so
	// Release can find the entry for a module it was handed.
	byMod map[modules.Module]*entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the sliding idle window.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithMaxEntries overrides the capacity bound.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache over the given loader.
func New(loader Loader, metrics *telemetry.Metrics, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		loader:  loader,
		ttl:     DefaultTTL,
		maxSize: DefaultMaxEntries,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
		byMod:   make(map[modules.Module]*entry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func cacheKey(id skill.ArtifactID) string {
	return id.TenantID + "/" + id.CacheKey
}

// GetOrLoad returns the loaded module for the artifact, loading it through
// the orchestrator on a miss. The caller owns the module for the duration
// of one invocation and must Release it afterwards. A structural load
// failure (corrupt stored artifact) triggers exactly one forced recompile
// before the error is surfaced.
func (c *Cache) GetOrLoad(ctx context.Context, id skill.ArtifactID) (modules.Module, error) {
	key := cacheKey(id)
	for {
		if mod, ok := c.acquire(key); ok {
			return mod, nil
		}
		_, err, _ := c.group.Do(key, func() (any, error) {
			// Re-check: the entry may have landed while we queued.
			if c.has(key) {
				return nil, nil
			}
			c.metrics.RecordCacheMiss(id.TenantID)
			c.logger.Info("module cache miss",
				"tenant_id", id.TenantID, "skill", id.SkillName, "cache_key", id.CacheKey)

			mod, err := c.load(ctx, id)
			if err != nil {
				return nil, err
			}
			c.insert(key, mod)
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		// The freshly inserted entry can only vanish before we acquire
		// it under extreme capacity pressure; loop and load again.
	}
}

// Release returns a module obtained from GetOrLoad or Refresh. A retired
// module is closed when its last holder releases it.
func (c *Cache) Release(mod modules.Module) {
	if mod == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byMod[mod]
	if !ok {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.retired && e.refs == 0 {
		c.closeLocked(e)
	}
}

// load runs the orchestrator, retrying once with a forced recompile when
// the stored artifact itself is broken.
func (c *Cache) load(ctx context.Context, id skill.ArtifactID) (modules.Module, error) {
	mod, err := c.loader.FetchOrCompile(ctx, id, false)
	var le *modules.LoadError
	if errors.As(err, &le) {
		c.logger.Warn("stored artifact failed to load, forcing recompile",
			"tenant_id", id.TenantID, "skill", id.SkillName, "cache_key", id.CacheKey, "error", err)
		mod, err = c.loader.FetchOrCompile(ctx, id, true)
	}
	if err != nil {
		return nil, fmt.Errorf("modcache: load %s: %w", id.CacheKey, err)
	}
	return mod, nil
}

// Refresh retires any cached entry and reloads the artifact with a forced
// recompile. Used when a module turned out corrupt after it was cached.
// The caller owns the returned module and must Release it.
func (c *Cache) Refresh(ctx context.Context, id skill.ArtifactID) (modules.Module, error) {
	key := cacheKey(id)
	c.retire(key)

	_, err, _ := c.group.Do(key+"/refresh", func() (any, error) {
		mod, err := c.loader.FetchOrCompile(ctx, id, true)
		if err != nil {
			return nil, fmt.Errorf("modcache: refresh %s: %w", id.CacheKey, err)
		}
		c.insert(key, mod)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if mod, ok := c.acquire(key); ok {
		return mod, nil
	}
	return c.GetOrLoad(ctx, id)
}

// Invalidate retires the cached module for one artifact, if present.
func (c *Cache) Invalidate(tenantID, artifactKey string) {
	c.retire(tenantID + "/" + artifactKey)
}

// PurgeExpired retires every entry idle past the TTL. Returns the number
// of entries dropped.
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.ttl)
	n := 0
	for key, e := range c.entries {
		if e.lastUsed.Before(cutoff) {
			c.retireLocked(key, e)
			n++
		}
	}
	return n
}

// Len reports the number of loaded modules currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close releases every tracked module, in-flight holders included. Only
// for shutdown.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		delete(c.entries, key)
		c.closeLocked(e)
	}
	for _, e := range c.byMod {
		c.closeLocked(e)
	}
}

// acquire returns the cached module with one reference taken.
func (c *Cache) acquire(key string) (modules.Module, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	now := c.now()
	if now.Sub(e.lastUsed) > c.ttl {
		c.retireLocked(key, e)
		return nil, false
	}
	e.lastUsed = now
	e.refs++
	return e.mod, true
}

// has reports whether a live entry exists, without taking a reference.
func (c *Cache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && c.now().Sub(e.lastUsed) <= c.ttl
}

func (c *Cache) insert(key string, mod modules.Module) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok {
		c.retireLocked(key, old)
	}
	e := &entry{mod: mod, lastUsed: c.now()}
	c.entries[key] = e
	c.byMod[mod] = e
	c.evictLocked()
}

func (c *Cache) retire(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.retireLocked(key, e)
	}
}

// evictLocked retires the least recently used entries beyond capacity.
func (c *Cache) evictLocked() {
	if len(c.entries) <= c.maxSize {
		return
	}
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, e := range c.entries {
		all = append(all, aged{key, e.lastUsed})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, a := range all[:len(c.entries)-c.maxSize] {
		c.retireLocked(a.key, c.entries[a.key])
	}
}

// retireLocked removes the entry from the live set. The module is closed
// now when idle, otherwise by the last Release.
func (c *Cache) retireLocked(key string, e *entry) {
	delete(c.entries, key)
	e.retired = true
	if e.refs == 0 {
		c.closeLocked(e)
	}
}

func (c *Cache) closeLocked(e *entry) {
	delete(c.byMod, e.mod)
	if err := e.mod.Close(); err != nil {
		c.logger.Warn("closing retired module failed", "skill", e.mod.Name(), "error", err)
	}
}
