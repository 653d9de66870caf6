package gc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/relaybot/skillhost/internal/artifact"
	"github.com/relaybot/skillhost/internal/skill"
)

type fakeRepo struct {
	tenants    []string
	tenantsErr error
	active     map[string]map[string]struct{}
	activeErr  map[string]error
}

func (r *fakeRepo) Tenants(context.Context) ([]string, error) {
	return r.tenants, r.tenantsErr
}

func (r *fakeRepo) ActiveCacheKeys(_ context.Context, tenantID string) (map[string]struct{}, error) {
	if err := r.activeErr[tenantID]; err != nil {
		return nil, err
	}
	keys := r.active[tenantID]
	if keys == nil {
		keys = map[string]struct{}{}
	}
	return keys, nil
}

func (r *fakeRepo) Skill(context.Context, string, string) (*skill.Skill, error) {
	return nil, errors.New("not implemented")
}

func seed(t *testing.T, store *artifact.MemoryStore, tenantID, key string, age time.Duration, base time.Time) {
	t.Helper()
	store.SetNow(func() time.Time { return base.Add(-age) })
	if err := store.Write(context.Background(), tenantID, key, []byte("bytes"), nil); err != nil {
		t.Fatal(err)
	}
	store.SetNow(func() time.Time { return base })
}

func keys(t *testing.T, store *artifact.MemoryStore, tenantID string) []string {
	t.Helper()
	var out []string
	err := store.EnumerateAll(context.Background(), tenantID, func(e artifact.Entry) error {
		out = append(out, e.CacheKey)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestRunDeletesOnlyStaleUnreferenced(t *testing.T) {
	base := time.Now()
	store := artifact.NewMemoryStore()
	seed(t, store, "tenant-a", "active-old", 5*time.Hour, base)
	seed(t, store, "tenant-a", "orphan-old", 5*time.Hour, base)
	seed(t, store, "tenant-a", "orphan-fresh", 30*time.Minute, base)

	repo := &fakeRepo{
		tenants: []string{"tenant-a"},
		active:  map[string]map[string]struct{}{"tenant-a": {"active-old": {}}},
	}
	c := New(store, repo, nil, nil, WithClock(func() time.Time { return base }))

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	remaining := keys(t, store, "tenant-a")
	if len(remaining) != 2 {
		t.Fatalf("remaining = %v, want active-old and orphan-fresh", remaining)
	}
	for _, k := range remaining {
		if k == "orphan-old" {
			t.Error("stale unreferenced artifact survived the sweep")
		}
	}
}

func TestRecentReadProtectsOrphan(t *testing.T) {
	base := time.Now()
	store := artifact.NewMemoryStore()
	seed(t, store, "tenant-a", "orphan", 5*time.Hour, base)

	// Touch simulates a read shortly before the sweep.
	if err := store.Touch(context.Background(), "tenant-a", "orphan", base.Add(-10*time.Minute)); err != nil {
		t.Fatal(err)
	}

	repo := &fakeRepo{tenants: []string{"tenant-a"}}
	c := New(store, repo, nil, nil, WithClock(func() time.Time { return base }))
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := keys(t, store, "tenant-a"); len(got) != 1 {
		t.Errorf("remaining = %v, want the recently read orphan kept", got)
	}
}

func TestFailingTenantDoesNotStopRun(t *testing.T) {
	base := time.Now()
	store := artifact.NewMemoryStore()
	seed(t, store, "tenant-b", "orphan", 5*time.Hour, base)

	repo := &fakeRepo{
		tenants:   []string{"tenant-a", "tenant-b"},
		activeErr: map[string]error{"tenant-a": errors.New("db timeout")},
	}
	c := New(store, repo, nil, nil, WithClock(func() time.Time { return base }))

	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded despite a failing tenant")
	}
	if !strings.Contains(err.Error(), "tenant-a") {
		t.Errorf("error %v does not name the failing tenant", err)
	}
	if got := keys(t, store, "tenant-b"); len(got) != 0 {
		t.Errorf("tenant-b was not swept after tenant-a failed: %v", got)
	}
}

func TestRunAbortsPastFailureThreshold(t *testing.T) {
	repo := &fakeRepo{activeErr: map[string]error{}}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("tenant-%d", i)
		repo.tenants = append(repo.tenants, id)
		repo.activeErr[id] = errors.New("db down")
	}
	store := artifact.NewMemoryStore()
	c := New(store, repo, nil, nil, WithMaxTenantFailures(2))

	err := c.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "aborting") {
		t.Fatalf("Run error = %v, want an abort past the threshold", err)
	}
}

func TestRunHonorsContext(t *testing.T) {
	repo := &fakeRepo{tenants: []string{"tenant-a", "tenant-b"}}
	store := artifact.NewMemoryStore()
	c := New(store, repo, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
}
