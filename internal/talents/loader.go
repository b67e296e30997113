// Package talents loads guidance documents that shape how a tenant's
// agent behaves. A talent is a markdown file with optional YAML
// frontmatter; its tags name the dialogue phases it applies to.
package talents

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Talent is one parsed guidance document.
type Talent struct {
	Name     string   // Filename without .md extension
	Tags     []string // Phases from frontmatter (nil = always applies)
	Priority int      // Higher renders first
	Content  string   // Markdown body with frontmatter stripped
}

type frontmatter struct {
	Tags     []string `yaml:"tags"`
	Priority int      `yaml:"priority"`
}

// Loader reads talents from a directory or any fs.FS.
type Loader struct {
	fsys fs.FS
}

// NewLoader creates a loader for dir. An empty dir loads nothing.
func NewLoader(dir string) *Loader {
	if dir == "" {
		return &Loader{}
	}
	return &Loader{fsys: os.DirFS(dir)}
}

// NewFSLoader creates a loader over the root of fsys.
func NewFSLoader(fsys fs.FS) *Loader {
	return &Loader{fsys: fsys}
}

// LoadAll parses every .md file. Talents are ordered by descending
// priority, then by name. A missing directory yields no talents.
func (l *Loader) LoadAll() ([]Talent, error) {
	files, err := l.files()
	if err != nil || len(files) == 0 {
		return nil, err
	}

	var talents []Talent
	for _, f := range files {
		data, err := fs.ReadFile(l.fsys, f)
		if err != nil {
			return nil, fmt.Errorf("read talent %s: %w", f, err)
		}
		meta, content, err := parseFrontmatter(string(data))
		if err != nil {
			return nil, fmt.Errorf("talent %s: %w", f, err)
		}
		if len(meta.Tags) == 0 {
			meta.Tags = nil
		}
		talents = append(talents, Talent{
			Name:     strings.TrimSuffix(f, ".md"),
			Tags:     meta.Tags,
			Priority: meta.Priority,
			Content:  strings.TrimSpace(content),
		})
	}

	sort.SliceStable(talents, func(i, j int) bool {
		return talents[i].Priority > talents[j].Priority
	})
	return talents, nil
}

// List returns the names of available talent files.
func (l *Loader) List() ([]string, error) {
	files, err := l.files()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, strings.TrimSuffix(f, ".md"))
	}
	return names, nil
}

// files returns the sorted .md filenames at the loader's root.
func (l *Loader) files() ([]string, error) {
	if l.fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(l.fsys, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read talents dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// ForPhase returns the talents that apply in phase: every untagged
// talent plus those tagged with the phase.
func ForPhase(talents []Talent, phase string) []Talent {
	var out []Talent
	for _, t := range talents {
		if shouldIncludeTalent(t, map[string]bool{phase: true}) {
			out = append(out, t)
		}
	}
	return out
}

// FilterByTags returns the combined content of talents matching the
// given active tags. Untagged talents are always included. If
// activeTags is nil, all talents are included.
func FilterByTags(talents []Talent, activeTags map[string]bool) string {
	var parts []string
	for _, t := range talents {
		if shouldIncludeTalent(t, activeTags) {
			parts = append(parts, t.Content)
		}
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func shouldIncludeTalent(t Talent, activeTags map[string]bool) bool {
	if len(t.Tags) == 0 || activeTags == nil {
		return true
	}
	for _, tag := range t.Tags {
		if activeTags[tag] {
			return true
		}
	}
	return false
}

// parseFrontmatter splits a leading "---" delimited YAML block from
// the body. Text without frontmatter is returned unchanged.
//
//	---
//	tags: [discovery_basic, discovery_deep]
//	priority: 10
//	---
func parseFrontmatter(raw string) (frontmatter, string, error) {
	var meta frontmatter
	if !strings.HasPrefix(raw, "---") {
		return meta, raw, nil
	}

	rest := strings.TrimLeft(raw[3:], " \t")
	switch {
	case strings.HasPrefix(rest, "\n"):
		rest = rest[1:]
	case strings.HasPrefix(rest, "\r\n"):
		rest = rest[2:]
	default:
		return meta, raw, nil
	}

	closeIdx := strings.Index(rest, "\n---")
	if closeIdx < 0 {
		return meta, raw, nil
	}

	if err := yaml.Unmarshal([]byte(rest[:closeIdx]), &meta); err != nil {
		return meta, raw, fmt.Errorf("parse frontmatter: %w", err)
	}
	content := strings.TrimLeft(rest[closeIdx+4:], "\r\n")
	return meta, content, nil
}
