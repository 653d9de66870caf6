package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"memory": NewMemoryStore(),
		"local":  NewLocalStore(t.TempDir(), nil),
	}
}

func TestWriteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Write(ctx, "org1", "k1", []byte("first"), nil); err != nil {
				t.Fatalf("first Write returned unexpected error: %v", err)
			}
			if err := s.Write(ctx, "org1", "k1", []byte("second, different bytes"), nil); err != nil {
				t.Fatalf("second Write returned unexpected error: %v", err)
			}
			data, ok := s.Download(ctx, "org1", "k1")
			if !ok {
				t.Fatal("Download reported not found after Write")
			}
			if string(data) != "first" {
				t.Errorf("Download = %q, want original content %q", data, "first")
			}
		})
	}
}

func TestWriteRejectsEmptyArtifact(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Write(ctx, "org1", "k1", nil, nil)
			if !errors.Is(err, ErrEmptyArtifact) {
				t.Fatalf("Write(empty) error = %v, want ErrEmptyArtifact", err)
			}
			if s.Exists(ctx, "org1", "k1") {
				t.Error("store contains an entry after rejected empty write")
			}
		})
	}
}

func TestSymbolsRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Write(ctx, "org1", "k1", []byte("artifact"), []byte("symbols")); err != nil {
				t.Fatalf("Write returned unexpected error: %v", err)
			}
			got, ok := s.DownloadSymbols(ctx, "org1", "k1")
			if !ok || string(got) != "symbols" {
				t.Errorf("DownloadSymbols = %q, %v; want %q, true", got, ok, "symbols")
			}
			if _, ok := s.DownloadSymbols(ctx, "org1", "absent"); ok {
				t.Error("DownloadSymbols reported found for a missing key")
			}
		})
	}
}

func TestReadPathsDegradeToNotFound(t *testing.T) {
	ctx := context.Background()
	// Root the store at a path that is a regular file, so every provider
	// operation fails rather than reporting a clean absence.
	dir := t.TempDir()
	badRoot := filepath.Join(dir, "occupied")
	if err := os.WriteFile(badRoot, []byte("not a directory"), 0644); err != nil {
		t.Fatal(err)
	}
	s := NewLocalStore(badRoot, nil)

	if s.Exists(ctx, "org1", "k1") {
		t.Error("Exists = true on a broken provider, want degraded false")
	}
	if _, ok := s.Download(ctx, "org1", "k1"); ok {
		t.Error("Download reported found on a broken provider")
	}
	if _, ok := s.DownloadSymbols(ctx, "org1", "k1"); ok {
		t.Error("DownloadSymbols reported found on a broken provider")
	}
}

func TestTouchAndEnumerate(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Write(ctx, "org1", "old", []byte("a"), nil); err != nil {
				t.Fatal(err)
			}
			if err := s.Write(ctx, "org1", "new", []byte("b"), nil); err != nil {
				t.Fatal(err)
			}
			past := time.Now().Add(-3 * time.Hour)
			if err := s.Touch(ctx, "org1", "old", past); err != nil {
				t.Fatalf("Touch returned unexpected error: %v", err)
			}

			seen := make(map[string]time.Time)
			err := s.EnumerateAll(ctx, "org1", func(e Entry) error {
				seen[e.CacheKey] = e.LastAccessedAt
				return nil
			})
			if err != nil {
				t.Fatalf("EnumerateAll returned unexpected error: %v", err)
			}
			if len(seen) != 2 {
				t.Fatalf("EnumerateAll saw %d entries, want 2", len(seen))
			}
			if !seen["old"].Before(seen["new"]) {
				t.Errorf("touched entry timestamp %v not before untouched %v", seen["old"], seen["new"])
			}
		})
	}
}

func TestDeleteIfExists(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Write(ctx, "org1", "k1", []byte("a"), []byte("sym")); err != nil {
				t.Fatal(err)
			}
			if err := s.DeleteIfExists(ctx, "org1", "k1"); err != nil {
				t.Fatalf("DeleteIfExists returned unexpected error: %v", err)
			}
			if s.Exists(ctx, "org1", "k1") {
				t.Error("entry still exists after delete")
			}
			// Deleting an absent key is not an error.
			if err := s.DeleteIfExists(ctx, "org1", "k1"); err != nil {
				t.Errorf("DeleteIfExists on absent key returned %v, want nil", err)
			}
		})
	}
}
