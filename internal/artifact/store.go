// Package artifact implements the durable, tenant-partitioned store of
// compiled skill artifacts. Entries are content-addressed by cache key: the
// same key always denotes the same compiled source, so writes are idempotent
// and a second write for an existing key only refreshes its timestamp.
//
// Absence of an entry is always a safe, recoverable state (it triggers a
// fetch or compile), so every read path degrades provider failures to
// "not found" instead of propagating them.
package artifact

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyArtifact is returned by Write when the artifact byte length is
// zero. An empty compiled artifact indicates an upstream compiler bug, not
// a transient condition, and must never be cached.
var ErrEmptyArtifact = errors.New("artifact: empty compiled artifact")

// Entry describes one stored artifact during enumeration.
type Entry struct {
	CacheKey       string
	LastAccessedAt time.Time
}

// Store is the durable artifact store consumed by the compilation
// orchestrator and the garbage collector.
type Store interface {
	// Exists reports whether an artifact is stored for the key.
	Exists(ctx context.Context, tenantID, cacheKey string) bool

	// Download returns the artifact bytes, or ok=false when absent.
	Download(ctx context.Context, tenantID, cacheKey string) (data []byte, ok bool)

	// DownloadSymbols returns the debug-symbol bytes, or ok=false when absent.
	DownloadSymbols(ctx context.Context, tenantID, cacheKey string) (data []byte, ok bool)

	// Write stores an artifact and optional symbols. If an entry already
	// exists for the key only its timestamp is refreshed; the bytes are
	// not re-uploaded. Zero-length artifacts are rejected with
	// ErrEmptyArtifact.
	Write(ctx context.Context, tenantID, cacheKey string, artifactBytes, symbolBytes []byte) error

	// Touch updates the entry's last-accessed timestamp.
	Touch(ctx context.Context, tenantID, cacheKey string, now time.Time) error

	// EnumerateAll calls fn for every entry of the tenant. Enumeration
	// stops on the first error returned by fn.
	EnumerateAll(ctx context.Context, tenantID string, fn func(Entry) error) error

	// DeleteIfExists removes the entry and its symbols, if present.
	DeleteIfExists(ctx context.Context, tenantID, cacheKey string) error
}
