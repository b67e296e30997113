package extract

import (
	"cmp"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Capture field types.
const (
	CaptureText   = "text"
	CaptureChoice = "choice"
	CaptureNumber = "number"
	CaptureDate   = "date"
	CaptureEmail  = "email"
	CapturePhone  = "phone"
)

var validCaptureKey = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Value shapes per capture type, used when no Pattern is given.
var captureShapes = map[string]string{
	CaptureText:   `[^.!?;\n]{1,120}`,
	CaptureNumber: `\d+(?:[.,]\d+)?`,
	CaptureDate:   `\d{1,2}/\d{1,2}/\d{2,4}`,
	CaptureEmail:  `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`,
	CapturePhone:  `(?:\+?55[\s.-]?)?\(?\d{2}\)?[\s.-]?9?\d{4}[\s.-]?\d{4}`,
}

// Capture declares a deployment-specific fact and how to recognize it.
//
// Triggers are the phrases that introduce the value ("cpf", "nasci
// em"). Pattern, when set, describes the value itself and replaces the
// type's default shape. Choice captures match one of Choices and store
// it as written.
type Capture struct {
	Field    string
	Type     string
	Triggers []string
	Choices  []string
	Pattern  string
}

// Rules compiles c into extraction rules. Trigger-anchored rules are as
// specific as the built-in explicit phrasings; bare rules rank below.
func (c Capture) Rules() ([]Rule, error) {
	if !validCaptureKey.MatchString(c.Field) {
		return nil, fmt.Errorf("field %q: use lower-case letters, digits and underscores", c.Field)
	}
	typ := cmp.Or(c.Type, CaptureText)
	name := "capture." + c.Field

	if typ == CaptureChoice {
		return c.choiceRules(name)
	}

	shape, ok := captureShapes[typ]
	if !ok {
		return nil, fmt.Errorf("field %s: unknown type %q", c.Field, typ)
	}
	if len(c.Choices) > 0 {
		return nil, fmt.Errorf("field %s: choices apply only to choice fields", c.Field)
	}
	if c.Pattern != "" {
		p := strings.TrimSuffix(strings.TrimPrefix(c.Pattern, "^"), "$")
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("field %s: pattern: %w", c.Field, err)
		}
		shape = p
	}

	lead := triggerAlternation(c.Triggers, false)
	if lead == "" && c.Pattern == "" && typ != CaptureEmail && typ != CapturePhone {
		return nil, fmt.Errorf("field %s: %s fields need triggers or a pattern", c.Field, typ)
	}

	r := Rule{
		Name:        name,
		Key:         c.Field,
		Normalize:   captureNormalizer(typ),
		Specificity: 2,
		Confidence:  ConfidenceMedium,
	}
	src := `(?i)(` + shape + `)`
	if lead != "" {
		src = `(?i)(?:^|[^\p{L}])` + lead + `\s*(?:[:=-]\s*|(?:é|eh|e)\s+)?(` + shape + `)`
		r.Specificity = 3
		r.Confidence = ConfidenceHigh
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", c.Field, err)
	}
	r.Pattern = re
	return []Rule{r}, nil
}

func (c Capture) choiceRules(name string) ([]Rule, error) {
	if len(c.Choices) == 0 {
		return nil, fmt.Errorf("field %s: choice fields need choices", c.Field)
	}
	if c.Pattern != "" {
		return nil, fmt.Errorf("field %s: pattern does not apply to choice fields", c.Field)
	}

	canonical := make(map[string]string, len(c.Choices))
	folded := make([]string, 0, len(c.Choices))
	for _, ch := range c.Choices {
		f := Fold(strings.TrimSpace(ch))
		if f == "" {
			return nil, fmt.Errorf("field %s: empty choice", c.Field)
		}
		if _, dup := canonical[f]; !dup {
			canonical[f] = strings.TrimSpace(ch)
			folded = append(folded, f)
		}
	}
	normalize := func(m []string) string { return canonical[m[len(m)-1]] }

	choices := keywordPattern(folded).String()
	if lead := triggerAlternation(c.Triggers, true); lead != "" {
		// The choice must follow a trigger within the same sentence.
		re, err := regexp.Compile(lead + `[^.!?\n]*?(` + choices + `)`)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", c.Field, err)
		}
		return []Rule{{
			Name: name, Key: c.Field, Pattern: re, Normalize: normalize,
			Specificity: 3, Confidence: ConfidenceHigh, Folded: true,
		}}, nil
	}

	re := regexp.MustCompile(`(` + choices + `)`)
	return []Rule{{
		Name: name, Key: c.Field, Pattern: re, Normalize: normalize,
		Specificity: 1, Confidence: ConfidenceMedium, Folded: true,
	}}, nil
}

// triggerAlternation renders triggers as a non-capturing group, or ""
// when there are none. Folded triggers are matched as whole words.
func triggerAlternation(triggers []string, folded bool) string {
	var quoted []string
	for _, t := range triggers {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if folded {
			t = Fold(t)
		}
		quoted = append(quoted, regexp.QuoteMeta(t))
	}
	if len(quoted) == 0 {
		return ""
	}
	if folded {
		return `\b(?:` + strings.Join(quoted, "|") + `)\b`
	}
	return `(?:` + strings.Join(quoted, "|") + `)`
}

func captureNormalizer(typ string) func([]string) string {
	switch typ {
	case CaptureEmail:
		return func(m []string) string { return strings.ToLower(m[1]) }
	case CapturePhone:
		return func(m []string) string { return normalizePhone(m[1:2]) }
	case CaptureNumber:
		return func(m []string) string { return strings.ReplaceAll(m[1], ",", ".") }
	case CaptureDate:
		return func(m []string) string { return normalizeDate(m[1]) }
	default:
		return func(m []string) string { return strings.TrimRight(strings.TrimSpace(m[1]), " ,") }
	}
}

// normalizeDate renders d/m/y as dd/mm/yyyy. Two-digit years and
// impossible days or months are rejected.
func normalizeDate(s string) string {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || len(parts[2]) != 4 {
		return ""
	}
	day, _ := strconv.Atoi(parts[0])
	month, _ := strconv.Atoi(parts[1])
	if day < 1 || day > 31 || month < 1 || month > 12 {
		return ""
	}
	return fmt.Sprintf("%02d/%02d/%s", day, month, parts[2])
}

// Compile returns an extractor running [DefaultRules] followed by the
// rules of each capture, in order.
func Compile(captures ...Capture) (*Extractor, error) {
	rules := DefaultRules()
	seen := make(map[string]bool, len(captures))
	for _, c := range captures {
		if seen[c.Field] {
			return nil, fmt.Errorf("field %s: declared twice", c.Field)
		}
		seen[c.Field] = true
		extra, err := c.Rules()
		if err != nil {
			return nil, err
		}
		rules = append(rules, extra...)
	}
	return New(rules...), nil
}

// Produces reports whether any rule of e yields key.
func (e *Extractor) Produces(key string) bool {
	for _, r := range e.rules {
		if r.Key == key {
			return true
		}
	}
	return false
}
