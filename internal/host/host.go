// Package host ties the cache, runtime and skills repository into the
// single entry point the outer service calls per invocation.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/relaybot/skillhost/internal/invoke"
	"github.com/relaybot/skillhost/internal/modcache"
	"github.com/relaybot/skillhost/internal/modules"
	"github.com/relaybot/skillhost/internal/skill"
)

// Host executes one skill invocation end to end: look the skill up,
// resolve its module through the cache, run it.
type Host struct {
	skills skill.Repository
	cache  *modcache.Cache
	runner *invoke.Runner
	logger *slog.Logger
}

// New creates a host.
func New(skills skill.Repository, cache *modcache.Cache, runner *invoke.Runner, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{skills: skills, cache: cache, runner: runner, logger: logger}
}

// Invoke runs the skill identified by the call's tenant and skill IDs.
// When a cached module turns out structurally broken mid-run, the cache
// entry is refreshed with a forced recompile and the call retried once.
func (h *Host) Invoke(ctx context.Context, call *invoke.Context) (*invoke.Response, error) {
	s, err := h.skills.Skill(ctx, call.TenantID, call.SkillID)
	if err != nil {
		return nil, fmt.Errorf("host: look up skill %s: %w", call.SkillID, err)
	}
	call.SkillName = s.Name
	call.Language = s.Language
	call.Scope = s.Scope
	if call.ContextID == "" {
		call.ContextID = contextID(s.Scope, call)
	}

	id := s.ArtifactID()
	mod, err := h.cache.GetOrLoad(ctx, id)
	if err != nil {
		return nil, err
	}

	resp, err := h.runner.Run(ctx, mod, call)
	var le *modules.LoadError
	if errors.As(err, &le) {
		h.logger.Warn("cached module broke mid-run, refreshing",
			"tenant_id", id.TenantID, "skill", s.Name, "error", err)
		h.cache.Release(mod)
		mod, err = h.cache.Refresh(ctx, id)
		if err != nil {
			return nil, err
		}
		resp, err = h.runner.Run(ctx, mod, call)
	}
	h.cache.Release(mod)
	return resp, err
}

// contextID derives the persistence partition key from the call identity.
func contextID(scope skill.Scope, call *invoke.Context) string {
	switch scope {
	case skill.ScopeUser:
		return call.UserID
	case skill.ScopeRoom:
		return call.ChannelID
	default:
		return call.ThreadID
	}
}
