// Package analyze classifies where a conversation stands in the
// consultative dialogue and what the agent should ask next.
//
// Classification is a pure function of the session: which checklist
// fields are filled, which flags have fired and the phase already
// recorded. The recorded phase acts as a floor so a conversation never
// moves backwards.
package analyze

import (
	"github.com/nugget/atende/internal/session"
)

// Phase is a stage of the consultative dialogue. Phases are ordered.
type Phase int

// Dialogue phases, in order.
const (
	DiscoveryBasic Phase = iota
	DiscoveryDeep
	Consultation
	Resolution
)

var phaseNames = [...]string{
	DiscoveryBasic: "discovery_basic",
	DiscoveryDeep:  "discovery_deep",
	Consultation:   "consultation",
	Resolution:     "resolution",
}

// String returns the phase's wire name.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// ParsePhase maps a wire name back to a Phase.
func ParsePhase(s string) (Phase, bool) {
	for i, name := range phaseNames {
		if name == s {
			return Phase(i), true
		}
	}
	return DiscoveryBasic, false
}

// Session flags the analyzer reads.
const (
	FlagGreeted  = "greeted"
	FlagResolved = "resolved"
)

// Tier is one checklist step: the fields that must be known before the
// conversation can leave Phase.
type Tier struct {
	Phase  Phase
	Fields []string
}

// DefaultChecklist gathers identity first, then the customer's problem
// and scale.
func DefaultChecklist() []Tier {
	return []Tier{
		{Phase: DiscoveryBasic, Fields: []string{"name", "business_type"}},
		{Phase: DiscoveryDeep, Fields: []string{"stated_problem", "volume_estimate"}},
	}
}

// Analysis is the analyzer's view of one session.
type Analysis struct {
	Phase Phase

	// MissingFields are the unmet fields of the first incomplete
	// checklist tier, in checklist order.
	MissingFields []string

	// PriorityHint is the single field the agent should ask about
	// next, or "" when nothing is missing.
	PriorityHint string

	UserTurns int

	// Recommendation is set from Consultation onwards.
	Recommendation *Recommendation
}

// Analyzer applies a checklist. The zero value uses [DefaultChecklist].
type Analyzer struct {
	checklist []Tier
}

// New returns an Analyzer over checklist, or the default checklist
// when none is given.
func New(checklist ...Tier) *Analyzer {
	if len(checklist) == 0 {
		checklist = DefaultChecklist()
	}
	return &Analyzer{checklist: checklist}
}

// Analyze classifies s. It does not modify s.
func (a *Analyzer) Analyze(s *session.Session) Analysis {
	checklist := a.checklist
	if len(checklist) == 0 {
		checklist = DefaultChecklist()
	}

	res := Analysis{Phase: Consultation, UserTurns: s.UserTurns()}
	for _, tier := range checklist {
		var missing []string
		for _, f := range tier.Fields {
			if _, ok := s.Facts[f]; !ok {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			res.Phase = tier.Phase
			res.MissingFields = missing
			res.PriorityHint = missing[0]
			break
		}
	}

	if res.Phase == Consultation && s.HasFlag(FlagResolved) {
		res.Phase = Resolution
	}
	if floor, ok := ParsePhase(s.Phase); ok && floor > res.Phase {
		res.Phase = floor
	}

	if res.Phase >= Consultation {
		rec := Recommend(s.Facts)
		res.Recommendation = &rec
	}
	return res
}
