package modcache

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates cached modules when artifact files under a local store
// root change on disk. Development aide for the local store backend:
// replace an artifact file and the next invocation picks it up without a
// restart. Blocks until ctx is done.
func (c *Cache) Watch(ctx context.Context, root string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(root); err != nil {
		return err
	}
	// One level of tenant directories below the root.
	dirs, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if d.IsDir() {
			if err := watcher.Add(filepath.Join(root, d.Name())); err != nil {
				c.logger.Warn("watching tenant directory failed", "dir", d.Name(), "error", err)
			}
		}
	}

	c.logger.Info("watching local artifact store", "root", root)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			c.handleEvent(watcher, root, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("artifact watcher error", "error", err)
		}
	}
}

func (c *Cache) handleEvent(watcher *fsnotify.Watcher, root string, event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// A new tenant directory appeared.
			if err := watcher.Add(event.Name); err != nil {
				c.logger.Warn("watching new tenant directory failed", "dir", event.Name, "error", err)
			}
			return
		}
	}
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Create) {
		return
	}

	rel, err := filepath.Rel(root, event.Name)
	if err != nil {
		return
	}
	tenant, file, found := strings.Cut(filepath.ToSlash(rel), "/")
	if !found || !strings.HasSuffix(file, ".bin") {
		return
	}
	key := strings.TrimSuffix(file, ".bin")
	c.logger.Info("artifact changed on disk, invalidating",
		"tenant_id", tenant, "cache_key", key)
	c.Invalidate(tenant, key)
}
