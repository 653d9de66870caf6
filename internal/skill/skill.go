// Package skill defines skill identifiers and the skills-repository boundary.
package skill

import "context"

// Language identifies the source language a skill was authored in.
type Language string

const (
	// LangWasm is the generic compiled language. Artifacts are WebAssembly
	// modules with an entry point located by export-name convention.
	LangWasm Language = "wasm"

	// LangStory is the narrative script language. Artifacts are compiled
	// story programs run by the shared interpreter.
	LangStory Language = "story"
)

// HasSymbols reports whether compiled artifacts of this language carry a
// separate debug-symbol blob.
func (l Language) HasSymbols() bool {
	return l == LangWasm
}

// Scope is the persistence partition for interactive session state.
type Scope string

const (
	ScopeUser         Scope = "user"
	ScopeConversation Scope = "conversation"
	ScopeRoom         Scope = "room"
)

// ArtifactID identifies one compiled version of a skill's source.
// CacheKey is content-derived: the same key always denotes the same
// source and language combination. Immutable once created.
type ArtifactID struct {
	SkillID   string
	SkillName string
	Language  Language
	CacheKey  string
	TenantID  string
}

// Skill is the repository-facing metadata for one skill.
type Skill struct {
	ID       string
	Name     string
	TenantID string
	Language Language
	CacheKey string
	Scope    Scope
}

// ArtifactID returns the artifact identifier for the skill's current source.
func (s Skill) ArtifactID() ArtifactID {
	return ArtifactID{
		SkillID:   s.ID,
		SkillName: s.Name,
		Language:  s.Language,
		CacheKey:  s.CacheKey,
		TenantID:  s.TenantID,
	}
}

// Repository is the skills-metadata collaborator. The garbage collector
// consumes the active cache-key set; the host consumes skill lookups.
type Repository interface {
	// Tenants returns the identifiers of all tenants.
	Tenants(ctx context.Context) ([]string, error)

	// ActiveCacheKeys returns the cache keys of every compiled-language
	// skill currently active for the tenant.
	ActiveCacheKeys(ctx context.Context, tenantID string) (map[string]struct{}, error)

	// Skill retrieves one skill by tenant and skill ID.
	Skill(ctx context.Context, tenantID, skillID string) (*Skill, error)
}
