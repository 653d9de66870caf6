// Package gc removes stale compiled artifacts from the durable store. An
// artifact is stale when no active skill references its cache key and it
// has not been read for a retention window; anything deleted in error is
// recompiled on the next invocation, so the sweep errs toward deleting.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaybot/skillhost/internal/artifact"
	"github.com/relaybot/skillhost/internal/skill"
	"github.com/relaybot/skillhost/internal/telemetry"
)

const (
	// DefaultStaleAfter is how long an unreferenced artifact must sit
	// unread before it is deleted.
	DefaultStaleAfter = 2 * time.Hour

	// DefaultMaxTenantFailures is how many tenants may fail to sweep
	// before the run is aborted as systemic.
	DefaultMaxTenantFailures = 5
)

// Collector sweeps every tenant's artifacts against the active skill set.
type Collector struct {
	store       artifact.Store
	skills      skill.Repository
	staleAfter  time.Duration
	maxFailures int
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithStaleAfter overrides the retention window.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Collector) { c.staleAfter = d }
}

// WithMaxTenantFailures overrides the abort threshold.
func WithMaxTenantFailures(n int) Option {
	return func(c *Collector) { c.maxFailures = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// New creates a collector over the store and skills repository.
func New(store artifact.Store, skills skill.Repository, metrics *telemetry.Metrics, logger *slog.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		store:       store,
		skills:      skills,
		staleAfter:  DefaultStaleAfter,
		maxFailures: DefaultMaxTenantFailures,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run sweeps all tenants once. A failing tenant does not stop the run;
// past the failure threshold the run aborts, since that many failures
// point at the store or the repository rather than at tenant data. The
// context is honored between tenants.
func (c *Collector) Run(ctx context.Context) error {
	tenants, err := c.skills.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("gc: list tenants: %w", err)
	}

	var failures []error
	deleted := 0
	for _, tenantID := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := c.sweepTenant(ctx, tenantID)
		deleted += n
		if err != nil {
			c.metrics.RecordGCFailure()
			c.logger.Error("tenant sweep failed", "tenant_id", tenantID, "error", err)
			failures = append(failures, fmt.Errorf("tenant %s: %w", tenantID, err))
			if len(failures) > c.maxFailures {
				return fmt.Errorf("gc: aborting after %d tenant failures: %w",
					len(failures), errors.Join(failures...))
			}
		}
	}

	c.logger.Info("gc sweep complete",
		"tenants", len(tenants), "deleted", deleted, "failed_tenants", len(failures))
	if len(failures) > 0 {
		return fmt.Errorf("gc: %d tenants failed: %w", len(failures), errors.Join(failures...))
	}
	return nil
}

// sweepTenant deletes the tenant's artifacts that are unreferenced and
// idle past the retention window. Returns the number deleted.
func (c *Collector) sweepTenant(ctx context.Context, tenantID string) (int, error) {
	active, err := c.skills.ActiveCacheKeys(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("active cache keys: %w", err)
	}

	cutoff := c.now().Add(-c.staleAfter)
	var stale []string
	err = c.store.EnumerateAll(ctx, tenantID, func(e artifact.Entry) error {
		if _, ok := active[e.CacheKey]; ok {
			return nil
		}
		if e.LastAccessedAt.After(cutoff) {
			return nil
		}
		stale = append(stale, e.CacheKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("enumerate artifacts: %w", err)
	}

	deleted := 0
	for _, key := range stale {
		if err := c.store.DeleteIfExists(ctx, tenantID, key); err != nil {
			c.metrics.RecordGCDeleted(deleted)
			return deleted, fmt.Errorf("delete artifact %s: %w", key, err)
		}
		deleted++
		c.logger.Info("deleted stale artifact", "tenant_id", tenantID, "cache_key", key)
	}
	c.metrics.RecordGCDeleted(deleted)
	return deleted, nil
}
