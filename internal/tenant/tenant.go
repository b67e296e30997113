// Package tenant loads per-deployment agent identities: persona,
// knowledge base, few-shot examples, talents and response settings.
//
// Tenants live in a directory tree, one subdirectory per tenant id:
//
//	tenants/
//	  aurora/
//	    tenant.yaml      persona and response settings (required)
//	    knowledge.yaml   topics, policies, offerings, plans
//	    examples.jsonl   {"user": "...", "assistant": "..."} per line
//	    talents/*.md     phase-tagged guidance
//
// A loaded *Tenant is never mutated. Reloading builds a new value and
// swaps the pointer in the [Registry].
package tenant

import (
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/nugget/atende/internal/analyze"
	"github.com/nugget/atende/internal/chunk"
	"github.com/nugget/atende/internal/extract"
	"github.com/nugget/atende/internal/session"
	"github.com/nugget/atende/internal/talents"
)

// ErrNotFound is returned for ids that are malformed or have no
// tenant.yaml.
var ErrNotFound = errors.New("tenant not found")

var validID = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidID reports whether id is a well-formed tenant id. Well-formed
// ids cannot escape the tenants directory.
func ValidID(id string) bool {
	return validID.MatchString(id)
}

// DefaultFallbackStatement is used when tenant.yaml sets none.
const DefaultFallbackStatement = "Não tenho essa informação no momento, mas posso verificar com a equipe e te retornar."

// Tenant is one agent identity.
type Tenant struct {
	ID string `yaml:"-"`

	AgentName         string `yaml:"agent_name"`
	BusinessName      string `yaml:"business_name"`
	Language          string `yaml:"language"`
	Tone              string `yaml:"tone"`
	Style             string `yaml:"style"`
	Persona           string `yaml:"persona"`
	FallbackStatement string `yaml:"fallback_statement"`

	Response       ResponseConfig  `yaml:"response"`
	ImmutableFacts []string        `yaml:"immutable_facts"`
	SetFacts       []string        `yaml:"set_facts"`
	Checklist      []ChecklistTier `yaml:"checklist"`
	Capture        []CaptureField  `yaml:"capture"`

	Knowledge Knowledge        `yaml:"-"`
	Examples  []Example        `yaml:"-"`
	Talents   []talents.Talent `yaml:"-"`

	LoadedAt time.Time `yaml:"-"`

	checklist []analyze.Tier
	extractor *extract.Extractor
}

// ResponseConfig overrides the deployment's chunking defaults. Zero
// values keep the default.
type ResponseConfig struct {
	MinChars   int    `yaml:"min_chars"`
	MaxChars   int    `yaml:"max_chars"`
	Format     string `yaml:"format"`
	StripEmoji *bool  `yaml:"strip_emoji"`
}

// ChecklistTier lists the facts required to leave a phase.
type ChecklistTier struct {
	Phase  string   `yaml:"phase"`
	Fields []string `yaml:"fields"`
}

// CaptureField declares a fact beyond the built-in ones. Triggers
// match case-insensitively as written; Pattern describes the value.
type CaptureField struct {
	Field    string   `yaml:"field"`
	Type     string   `yaml:"type"`
	Triggers []string `yaml:"triggers"`
	Choices  []string `yaml:"choices"`
	Pattern  string   `yaml:"pattern"`
	Question string   `yaml:"question"`
}

// Knowledge is the tenant's ground truth. Anything not in here must
// not be asserted by the agent.
type Knowledge struct {
	Topics    []Topic    `yaml:"topics"`
	Policies  []string   `yaml:"policies"`
	Offerings []Offering `yaml:"offerings"`
	Plans     []Offering `yaml:"plans"`
}

// Empty reports whether the knowledge base has no entries at all.
func (k Knowledge) Empty() bool {
	return len(k.Topics) == 0 && len(k.Policies) == 0 && len(k.Offerings) == 0 && len(k.Plans) == 0
}

// Topic is a knowledge entry with the keywords that select it.
type Topic struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Content  string   `yaml:"content"`
}

// Offering is a product, service or plan.
type Offering struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Price       string `yaml:"price"`
}

// Example is one few-shot exchange.
type Example struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Tiers returns the analyzer tiers for this tenant, or nil to use
// the analyzer's default.
func (t *Tenant) Tiers() []analyze.Tier {
	return t.checklist
}

// Analyzer returns an analyzer over the tenant's checklist.
func (t *Tenant) Analyzer() *analyze.Analyzer {
	return analyze.New(t.checklist...)
}

var defaultExtractor = sync.OnceValue(func() *extract.Extractor { return extract.New() })

// Extractor returns the tenant's extraction rules: the built-in set
// plus its capture fields.
func (t *Tenant) Extractor() *extract.Extractor {
	if t.extractor == nil {
		return defaultExtractor()
	}
	return t.extractor
}

// CaptureQuestion returns the question configured for a capture
// field, or "".
func (t *Tenant) CaptureQuestion(field string) string {
	for _, c := range t.Capture {
		if c.Field == field {
			return c.Question
		}
	}
	return ""
}

// MergePolicy returns the session merge policy for this tenant.
// "channels" is always set-valued.
func (t *Tenant) MergePolicy() session.MergePolicy {
	p := session.DefaultMergePolicy()
	for _, k := range t.SetFacts {
		p.SetValued[k] = true
	}
	if len(t.ImmutableFacts) > 0 {
		p.Immutable = make(map[string]bool, len(t.ImmutableFacts))
		for _, k := range t.ImmutableFacts {
			p.Immutable[k] = true
		}
	}
	return p
}

// ChunkOptions overlays the tenant's response settings on defaults.
func (t *Tenant) ChunkOptions(defaults chunk.Options) chunk.Options {
	opts := defaults
	if t.Response.MinChars > 0 {
		opts.MinChars = t.Response.MinChars
	}
	if t.Response.MaxChars > 0 {
		opts.MaxChars = t.Response.MaxChars
	}
	if t.Response.Format != "" {
		opts.Mode = chunk.Mode(t.Response.Format)
	}
	if t.Response.StripEmoji != nil {
		opts.StripEmoji = *t.Response.StripEmoji
	}
	return opts
}

// Fallback returns the statement used when knowledge is missing.
func (t *Tenant) Fallback() string {
	if t.FallbackStatement != "" {
		return t.FallbackStatement
	}
	return DefaultFallbackStatement
}
