package artifact

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	artifactExt = ".bin"
	symbolExt   = ".sym"
)

// LocalStore stores artifacts under a per-tenant directory tree:
// <root>/<tenant>/<cacheKey>.bin plus an optional <cacheKey>.sym.
// The file modification time doubles as the last-accessed timestamp.
type LocalStore struct {
	root   string
	logger *slog.Logger
}

// NewLocalStore creates a store rooted at dir.
func NewLocalStore(dir string, logger *slog.Logger) *LocalStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalStore{root: dir, logger: logger}
}

func (s *LocalStore) artifactPath(tenantID, cacheKey string) string {
	return filepath.Join(s.root, tenantID, cacheKey+artifactExt)
}

func (s *LocalStore) symbolPath(tenantID, cacheKey string) string {
	return filepath.Join(s.root, tenantID, cacheKey+symbolExt)
}

// Exists reports whether an artifact is stored for the key.
func (s *LocalStore) Exists(_ context.Context, tenantID, cacheKey string) bool {
	_, err := os.Stat(s.artifactPath(tenantID, cacheKey))
	return err == nil
}

// Download returns the artifact bytes, or ok=false when absent or unreadable.
func (s *LocalStore) Download(_ context.Context, tenantID, cacheKey string) ([]byte, bool) {
	data, err := os.ReadFile(s.artifactPath(tenantID, cacheKey))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("artifact read failed, treating as not found",
				"tenant", tenantID, "cache_key", cacheKey, "error", err)
		}
		return nil, false
	}
	return data, true
}

// DownloadSymbols returns the debug-symbol bytes, or ok=false when absent.
func (s *LocalStore) DownloadSymbols(_ context.Context, tenantID, cacheKey string) ([]byte, bool) {
	data, err := os.ReadFile(s.symbolPath(tenantID, cacheKey))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("symbol read failed, treating as not found",
				"tenant", tenantID, "cache_key", cacheKey, "error", err)
		}
		return nil, false
	}
	return data, true
}

// Write stores an artifact, or refreshes the timestamp when the key exists.
func (s *LocalStore) Write(ctx context.Context, tenantID, cacheKey string, artifactBytes, symbolBytes []byte) error {
	if len(artifactBytes) == 0 {
		return ErrEmptyArtifact
	}
	path := s.artifactPath(tenantID, cacheKey)
	if _, err := os.Stat(path); err == nil {
		return s.Touch(ctx, tenantID, cacheKey, time.Now())
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, artifactBytes, 0644); err != nil {
		return err
	}
	if len(symbolBytes) > 0 {
		if err := os.WriteFile(s.symbolPath(tenantID, cacheKey), symbolBytes, 0644); err != nil {
			return err
		}
	}
	return nil
}

// Touch updates the artifact file's modification time.
func (s *LocalStore) Touch(_ context.Context, tenantID, cacheKey string, now time.Time) error {
	return os.Chtimes(s.artifactPath(tenantID, cacheKey), now, now)
}

// EnumerateAll calls fn for every artifact of the tenant.
func (s *LocalStore) EnumerateAll(_ context.Context, tenantID string, fn func(Entry) error) error {
	dir := filepath.Join(s.root, tenantID)
	infos, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, de := range infos {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, artifactExt) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		e := Entry{
			CacheKey:       strings.TrimSuffix(name, artifactExt),
			LastAccessedAt: info.ModTime(),
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// DeleteIfExists removes the artifact and its symbols, if present.
func (s *LocalStore) DeleteIfExists(_ context.Context, tenantID, cacheKey string) error {
	if err := os.Remove(s.artifactPath(tenantID, cacheKey)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Remove(s.symbolPath(tenantID, cacheKey)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
