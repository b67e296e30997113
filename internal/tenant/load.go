package tenant

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/atende/internal/analyze"
	"github.com/nugget/atende/internal/chunk"
	"github.com/nugget/atende/internal/extract"
	"github.com/nugget/atende/internal/talents"
)

// File names inside a tenant directory.
const (
	TenantFile    = "tenant.yaml"
	KnowledgeFile = "knowledge.yaml"
	ExamplesFile  = "examples.jsonl"
	TalentsDir    = "talents"
)

// Load reads the tenant in dir/id. A missing tenant.yaml yields an
// error wrapping [ErrNotFound]. Optional files that are absent leave
// their section empty; tenants without a talents directory get
// [talents.Defaults].
func Load(dir, id string, logger *slog.Logger) (*Tenant, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !ValidID(id) {
		return nil, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	root := filepath.Join(dir, id)

	data, err := os.ReadFile(filepath.Join(root, TenantFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", TenantFile, err)
	}

	t := &Tenant{}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parse %s/%s: %w", id, TenantFile, err)
	}
	t.ID = id
	t.LoadedAt = time.Now()
	t.applyDefaults()
	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("tenant %s: %w", id, err)
	}

	if err := readYAML(filepath.Join(root, KnowledgeFile), &t.Knowledge); err != nil {
		return nil, fmt.Errorf("tenant %s: %w", id, err)
	}

	t.Examples, err = readExamples(filepath.Join(root, ExamplesFile), logger.With("tenant", id))
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", id, err)
	}

	t.Talents, err = talents.NewLoader(filepath.Join(root, TalentsDir)).LoadAll()
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", id, err)
	}
	if t.Talents == nil {
		if t.Talents, err = talents.Defaults(); err != nil {
			return nil, fmt.Errorf("default talents: %w", err)
		}
	}

	logger.Debug("tenant loaded",
		"tenant", id,
		"topics", len(t.Knowledge.Topics),
		"examples", len(t.Examples),
		"talents", len(t.Talents),
	)
	return t, nil
}

func (t *Tenant) applyDefaults() {
	if t.AgentName == "" {
		t.AgentName = "Assistente"
	}
	if t.Language == "" {
		t.Language = "pt-BR"
	}
	if t.FallbackStatement == "" {
		t.FallbackStatement = DefaultFallbackStatement
	}
}

func (t *Tenant) validate() error {
	if t.Response.Format != "" {
		if _, err := chunk.ParseMode(t.Response.Format); err != nil {
			return fmt.Errorf("response.format: %w", err)
		}
	}
	if t.Response.MinChars < 0 || t.Response.MaxChars < 0 {
		return fmt.Errorf("response bounds must not be negative")
	}
	if t.Response.MaxChars > 0 && t.Response.MinChars > t.Response.MaxChars {
		return fmt.Errorf("response.min_chars %d exceeds max_chars %d", t.Response.MinChars, t.Response.MaxChars)
	}

	captures := make([]extract.Capture, len(t.Capture))
	for i, c := range t.Capture {
		captures[i] = extract.Capture{Field: c.Field, Type: c.Type, Triggers: c.Triggers, Choices: c.Choices, Pattern: c.Pattern}
	}
	ex, err := extract.Compile(captures...)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	t.extractor = ex

	t.checklist = nil
	for i, tier := range t.Checklist {
		phase, ok := analyze.ParsePhase(tier.Phase)
		if !ok || phase >= analyze.Consultation {
			return fmt.Errorf("checklist[%d]: phase %q is not a discovery phase", i, tier.Phase)
		}
		if len(tier.Fields) == 0 {
			return fmt.Errorf("checklist[%d]: no fields", i)
		}
		for _, f := range tier.Fields {
			if !ex.Produces(f) {
				return fmt.Errorf("checklist[%d]: no extraction rule produces %q; declare it under capture", i, f)
			}
		}
		t.checklist = append(t.checklist, analyze.Tier{Phase: phase, Fields: tier.Fields})
	}
	return nil
}

// readYAML decodes path into v. A missing file is not an error.
func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readExamples parses one JSON object per line. Blank lines are
// ignored; malformed or incomplete lines are skipped with a warning.
func readExamples(path string, logger *slog.Logger) ([]Example, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ExamplesFile, err)
	}

	var examples []Example
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ex Example
		if err := json.Unmarshal([]byte(line), &ex); err != nil {
			logger.Warn("skipping malformed example", "line", lineNo, "error", err)
			continue
		}
		if ex.User == "" || ex.Assistant == "" {
			logger.Warn("skipping incomplete example", "line", lineNo)
			continue
		}
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", ExamplesFile, err)
	}
	return examples, nil
}
