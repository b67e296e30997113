// Package extract pulls structured facts (name, business type, stated
// problem, volume, contact details) out of free-text user messages.
//
// Extraction is a fixed pipeline over an ordered list of [Rule] values.
// Each rule pairs a regular expression with a normalizer and a
// specificity score. When several rules produce a value for the same
// key, the highest specificity wins and ties resolve to the rule that
// appears first. Extraction never fails: text that matches nothing
// yields an empty [Result].
package extract

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Confidence levels assigned by the built-in rules.
const (
	ConfidenceLow    = 0.4
	ConfidenceMedium = 0.7
	ConfidenceHigh   = 0.9
)

// Well-known fact keys produced by [DefaultRules].
const (
	KeyName           = "name"
	KeyBusinessType   = "business_type"
	KeyStatedProblem  = "stated_problem"
	KeyVolumeEstimate = "volume_estimate"
	KeyEmail          = "email"
	KeyPhone          = "phone"
	KeyChannels       = "channels"
)

// ErrAmbiguous reports that two equally specific rules disagreed about
// a key. It is informational: the first rule's value is still returned,
// with its confidence lowered to [ConfidenceLow].
var ErrAmbiguous = errors.New("ambiguous extraction")

// Rule is one entry of the extraction pipeline.
type Rule struct {
	// Name identifies the rule in logs and in [Fact.Rule].
	Name string

	// Key is the fact key this rule produces.
	Key string

	// Pattern is matched against the message (or its folded form).
	Pattern *regexp.Regexp

	// Normalize turns the submatches of a single pattern match into
	// the stored value. Returning "" rejects the match. A nil
	// Normalize stores the first capture group, or the whole match
	// when the pattern has no groups, trimmed.
	Normalize func(groups []string) string

	// Specificity ranks rules producing the same key. Higher wins.
	Specificity int

	// Confidence is attached to facts produced by this rule.
	Confidence float64

	// Folded rules match against accent-stripped, lower-cased text.
	Folded bool

	// Multi rules collect every match and join the distinct
	// normalized values, sorted, with ", " (set-valued facts).
	Multi bool
}

// Fact is a single extracted value.
type Fact struct {
	Key         string
	Value       string
	Confidence  float64
	Rule        string
	Specificity int
}

// Result is the output of one extraction pass.
type Result struct {
	Facts     map[string]Fact
	Ambiguous []string
}

// Empty reports whether nothing was extracted.
func (r Result) Empty() bool {
	return len(r.Facts) == 0
}

// Err returns an error wrapping [ErrAmbiguous] when any key was
// ambiguous, or nil.
func (r Result) Err() error {
	if len(r.Ambiguous) == 0 {
		return nil
	}
	return fmt.Errorf("keys %s: %w", strings.Join(r.Ambiguous, ", "), ErrAmbiguous)
}

// Extractor applies an ordered rule set. It holds no mutable state and
// is safe for concurrent use.
type Extractor struct {
	rules []Rule
}

// New returns an Extractor over the given rules. With no rules it uses
// [DefaultRules].
func New(rules ...Rule) *Extractor {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Extractor{rules: rules}
}

// Rules returns a copy of the extractor's rule list, in priority order.
func (e *Extractor) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Extract runs every rule over text and returns the winning fact per
// key.
func (e *Extractor) Extract(text string) Result {
	res := Result{Facts: make(map[string]Fact)}

	text = strings.TrimSpace(text)
	if text == "" {
		return res
	}
	folded := Fold(text)

	// Specificity at which a conflicting value was seen, per key.
	conflicts := make(map[string]int)

	for _, r := range e.rules {
		src := text
		if r.Folded {
			src = folded
		}
		value := r.apply(src)
		if value == "" {
			continue
		}

		f := Fact{
			Key:         r.Key,
			Value:       value,
			Confidence:  r.Confidence,
			Rule:        r.Name,
			Specificity: r.Specificity,
		}

		cur, ok := res.Facts[r.Key]
		switch {
		case !ok, f.Specificity > cur.Specificity:
			res.Facts[r.Key] = f
		case f.Specificity == cur.Specificity && f.Value != cur.Value:
			conflicts[r.Key] = f.Specificity
		}
	}

	for key, spec := range conflicts {
		f := res.Facts[key]
		if f.Specificity != spec {
			continue // a more specific rule settled it
		}
		if f.Confidence > ConfidenceLow {
			f.Confidence = ConfidenceLow
		}
		res.Facts[key] = f
		res.Ambiguous = append(res.Ambiguous, key)
	}
	sort.Strings(res.Ambiguous)

	return res
}

// apply runs the rule against src and returns the normalized value, or
// "" when the rule does not match.
func (r Rule) apply(src string) string {
	if r.Pattern == nil {
		return ""
	}

	var values []string
	seen := make(map[string]bool)
	for _, m := range r.Pattern.FindAllStringSubmatch(src, -1) {
		v := r.normalize(m)
		if v == "" || seen[v] {
			continue
		}
		if !r.Multi {
			return v // first accepted match
		}
		seen[v] = true
		values = append(values, v)
	}
	sort.Strings(values)
	return strings.Join(values, ", ")
}

func (r Rule) normalize(m []string) string {
	if r.Normalize != nil {
		return strings.TrimSpace(r.Normalize(m))
	}
	if len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(m[0])
}
