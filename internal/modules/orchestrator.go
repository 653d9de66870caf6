package modules

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaybot/skillhost/internal/artifact"
	"github.com/relaybot/skillhost/internal/interact"
	"github.com/relaybot/skillhost/internal/skill"
)

var timeNow = time.Now

// CompilerClient is the remote-compiler boundary the orchestrator needs.
type CompilerClient interface {
	FetchArtifact(ctx context.Context, id skill.ArtifactID, recompile bool) ([]byte, error)
	FetchSymbols(ctx context.Context, id skill.ArtifactID, recompile bool) ([]byte, error)
}

// Orchestrator resolves an artifact ID to a loaded module. The durable
// store is consulted first; on a miss the remote compiler produces the
// bytes and the store is backfilled. The orchestrator itself is
// stateless; in-memory caching sits above it in the modcache package.
type Orchestrator struct {
	store    artifact.Store
	compiler CompilerClient
	engine   *interact.Engine
	logger   *slog.Logger
}

// NewOrchestrator wires the store, compiler and narrative engine together.
func NewOrchestrator(store artifact.Store, compiler CompilerClient, engine *interact.Engine, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: store, compiler: compiler, engine: engine, logger: logger}
}

// FetchOrCompile returns a loaded module for the artifact. With recompile
// set the durable store is bypassed and the compiler is forced to rebuild
// from source; the rebuilt bytes replace nothing (writes are idempotent)
// but do feed the returned module directly.
func (o *Orchestrator) FetchOrCompile(ctx context.Context, id skill.ArtifactID, recompile bool) (Module, error) {
	if !recompile {
		if data, symbols, ok := o.fromStore(ctx, id); ok {
			return o.load(ctx, id, data, symbols)
		}
	}

	data, symbols, err := o.compile(ctx, id, recompile)
	if err != nil {
		return nil, err
	}

	if err := o.store.Write(ctx, id.TenantID, id.CacheKey, data, symbols); err != nil {
		if errors.Is(err, artifact.ErrEmptyArtifact) {
			return nil, err
		}
		// The module still runs this invocation; only durability suffers.
		o.logger.Warn("writing compiled artifact to store failed",
			"tenant_id", id.TenantID, "cache_key", id.CacheKey, "error", err)
	}

	return o.load(ctx, id, data, symbols)
}

// fromStore attempts to satisfy the fetch from the durable tier. Any
// failure reads as a miss.
func (o *Orchestrator) fromStore(ctx context.Context, id skill.ArtifactID) (data, symbols []byte, ok bool) {
	if !o.store.Exists(ctx, id.TenantID, id.CacheKey) {
		return nil, nil, false
	}
	data, ok = o.store.Download(ctx, id.TenantID, id.CacheKey)
	if !ok {
		return nil, nil, false
	}
	if id.Language.HasSymbols() {
		// Missing symbols never block a run.
		symbols, _ = o.store.DownloadSymbols(ctx, id.TenantID, id.CacheKey)
	}
	if err := o.store.Touch(ctx, id.TenantID, id.CacheKey, timeNow()); err != nil {
		o.logger.Warn("touching artifact failed",
			"tenant_id", id.TenantID, "cache_key", id.CacheKey, "error", err)
	}
	return data, symbols, true
}

// compile requests artifact and symbol bytes from the remote compiler in
// parallel. A symbol failure is tolerated; an artifact failure is not.
func (o *Orchestrator) compile(ctx context.Context, id skill.ArtifactID, recompile bool) (data, symbols []byte, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		data, err = o.compiler.FetchArtifact(gctx, id, recompile)
		return err
	})
	if id.Language.HasSymbols() {
		g.Go(func() error {
			b, err := o.compiler.FetchSymbols(gctx, id, recompile)
			if err != nil {
				o.logger.Warn("fetching symbols failed, running without them",
					"tenant_id", id.TenantID, "skill", id.SkillName, "error", err)
				return nil
			}
			symbols = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return data, symbols, nil
}

func (o *Orchestrator) load(ctx context.Context, id skill.ArtifactID, data, symbols []byte) (Module, error) {
	switch id.Language {
	case skill.LangWasm:
		return o.loadWasm(ctx, id, data, symbols)
	case skill.LangStory:
		return o.loadStory(id, data)
	default:
		return nil, ErrUnsupportedLanguage
	}
}
