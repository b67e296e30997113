package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry caches tenants loaded from a directory. Each tenant is read
// once on first use; concurrent first requests share a single load.
// All methods are safe for concurrent use.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	tenants map[string]*Tenant
	gen     uint64

	group singleflight.Group
}

// NewRegistry creates a registry over dir.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:     dir,
		logger:  logger,
		tenants: make(map[string]*Tenant),
	}
}

// Dir returns the tenants directory.
func (r *Registry) Dir() string {
	return r.dir
}

// Tenant returns the tenant with the given id, loading it if needed.
// Unknown or malformed ids yield an error wrapping [ErrNotFound].
func (r *Registry) Tenant(ctx context.Context, id string) (*Tenant, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%q: %w", id, ErrNotFound)
	}

	r.mu.RLock()
	t, ok := r.tenants[id]
	gen := r.gen
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	ch := r.group.DoChan(id, func() (any, error) {
		t, err := Load(r.dir, id, r.logger)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		// A reload or invalidation that raced with this load wins.
		if r.gen == gen {
			r.tenants[id] = t
		}
		r.mu.Unlock()
		return t, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Tenant), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reload re-reads every cached tenant and swaps in the new values. A
// tenant that fails to load keeps its previous value; a tenant whose
// directory disappeared is dropped. Failures are joined into the
// returned error.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	fresh := make(map[string]*Tenant, len(ids))
	var gone []string
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, err := Load(r.dir, id, r.logger)
		switch {
		case errors.Is(err, ErrNotFound):
			gone = append(gone, id)
		case err != nil:
			r.logger.Warn("tenant reload failed, keeping previous", "tenant", id, "error", err)
			errs = append(errs, fmt.Errorf("reload %s: %w", id, err))
		default:
			fresh[id] = t
		}
	}

	r.mu.Lock()
	for id, t := range fresh {
		r.tenants[id] = t
	}
	for _, id := range gone {
		delete(r.tenants, id)
	}
	r.gen++
	r.mu.Unlock()

	r.logger.Info("tenants reloaded", "reloaded", len(fresh), "removed", len(gone), "failed", len(errs))
	return errors.Join(errs...)
}

// Invalidate drops a cached tenant so the next request reloads it.
func (r *Registry) Invalidate(id string) {
	r.mu.Lock()
	delete(r.tenants, id)
	r.gen++
	r.mu.Unlock()
	r.group.Forget(id)
}

// Cached returns the ids currently held in memory, sorted.
func (r *Registry) Cached() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IDs lists every tenant directory that holds a tenant.yaml, sorted.
func (r *Registry) IDs() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read tenants dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !ValidID(e.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(r.dir, e.Name(), TenantFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
