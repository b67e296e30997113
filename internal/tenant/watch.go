package tenant

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates cached tenants whose files change on disk. It
// watches the tenants directory, every tenant directory and every
// talents directory, and picks up tenant directories created while it
// runs. Watch blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read tenants dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && ValidID(e.Name()) {
			r.watchTenant(w, e.Name())
		}
	}
	r.logger.Info("watching tenants", "dir", r.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			r.handleEvent(w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("tenant watcher error", "error", err)
		}
	}
}

func (r *Registry) watchTenant(w *fsnotify.Watcher, id string) {
	root := filepath.Join(r.dir, id)
	if err := w.Add(root); err != nil {
		r.logger.Warn("cannot watch tenant", "tenant", id, "error", err)
		return
	}
	if info, err := os.Stat(filepath.Join(root, TalentsDir)); err == nil && info.IsDir() {
		if err := w.Add(filepath.Join(root, TalentsDir)); err != nil {
			r.logger.Warn("cannot watch talents", "tenant", id, "error", err)
		}
	}
}

func (r *Registry) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}

	id, depth := r.tenantOf(ev.Name)
	if id == "" {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			switch depth {
			case 1:
				r.watchTenant(w, id)
			case 2:
				_ = w.Add(ev.Name)
			}
		}
	}

	r.logger.Debug("tenant files changed", "tenant", id, "path", ev.Name, "op", ev.Op.String())
	r.Invalidate(id)
}

// tenantOf maps a path under the tenants directory to its tenant id
// and depth (1 for the tenant directory itself).
func (r *Registry) tenantOf(path string) (string, int) {
	rel, err := filepath.Rel(r.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", 0
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if !ValidID(parts[0]) {
		return "", 0
	}
	return parts[0], len(parts)
}
