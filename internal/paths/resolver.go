// Package paths resolves configured file paths. Relative paths are
// anchored at a base directory (normally the config file's directory),
// a leading ~ is expanded and named prefixes such as "data:" map to
// configured directories.
package paths

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Resolver maps paths from configuration to filesystem paths. It is
// nil-safe: a nil *Resolver returns paths with only ~ expanded.
type Resolver struct {
	base     string
	prefixes map[string]string // "data:" -> "/var/lib/atende"
	sorted   []string          // prefixes sorted by descending length
}

// New creates a Resolver anchored at base. Keys of prefixes are names
// without the trailing colon ("data", not "data:"). Prefix directories
// are themselves resolved against base.
func New(base string, prefixes map[string]string) *Resolver {
	r := &Resolver{base: expandHome(base), prefixes: make(map[string]string, len(prefixes))}
	for name, dir := range prefixes {
		key := strings.TrimSuffix(name, ":") + ":"
		r.prefixes[key] = r.anchor(expandHome(dir))
		r.sorted = append(r.sorted, key)
	}
	// Longer prefixes first so "data:" does not steal "database:".
	sort.Slice(r.sorted, func(i, j int) bool {
		return len(r.sorted[i]) > len(r.sorted[j])
	})
	return r
}

// Resolve returns the filesystem path for p. An empty p stays empty.
func (r *Resolver) Resolve(p string) string {
	if p == "" {
		return ""
	}
	p = expandHome(p)
	if r == nil {
		return p
	}
	for _, prefix := range r.sorted {
		if rel, ok := strings.CutPrefix(p, prefix); ok {
			base := r.prefixes[prefix]
			if rel == "" {
				return base
			}
			return filepath.Join(base, rel)
		}
	}
	return r.anchor(p)
}

// Base returns the directory relative paths are anchored at.
func (r *Resolver) Base() string {
	if r == nil {
		return ""
	}
	return r.base
}

// Prefixes returns the registered prefix names sorted alphabetically,
// without trailing colons.
func (r *Resolver) Prefixes() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.prefixes))
	for prefix := range r.prefixes {
		names = append(names, strings.TrimSuffix(prefix, ":"))
	}
	sort.Strings(names)
	return names
}

func (r *Resolver) anchor(p string) string {
	if p == "" || filepath.IsAbs(p) || r.base == "" {
		return p
	}
	return filepath.Join(r.base, p)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
