// Package modules turns compiled artifacts into invokable skill modules.
// The orchestrator resolves artifact bytes through the durable store and
// the remote compiler; per-language loaders wrap the bytes in a Module the
// runtime can invoke.
package modules

import (
	"errors"
	"fmt"

	"github.com/relaybot/skillhost/internal/invoke"
	"github.com/relaybot/skillhost/internal/skill"
)

// ErrUnsupportedLanguage is returned for artifacts of a language this
// build has no loader for.
var ErrUnsupportedLanguage = errors.New("modules: unsupported skill language")

// Module is a loaded skill plus the resources backing it. Close releases
// those resources; the module cache calls it on eviction.
type Module interface {
	invoke.Module
	Close() error
}

// LoadError marks an artifact that could not be turned into a module:
// the stored bytes are corrupt, truncated or of the wrong shape. A
// LoadError is the signal for a forced recompile; it is never a user
// error.
type LoadError struct {
	ID  skill.ArtifactID
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("modules: load artifact %s for skill %q: %v", e.ID.CacheKey, e.ID.SkillName, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// StructuralLoad distinguishes a broken artifact from a broken skill.
func (e *LoadError) StructuralLoad() bool { return true }
