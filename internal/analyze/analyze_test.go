package analyze

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/atende/internal/session"
)

var t0 = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newSession(facts map[string]string, flags ...string) *session.Session {
	s := session.New(session.Key{TenantID: "acme", ConversationKey: "c1"}, t0)
	for k, v := range facts {
		s.Facts[k] = session.Fact{Value: v, Confidence: 0.9}
	}
	for _, f := range flags {
		s.MarkOnce(f, t0)
	}
	return s
}

func TestAnalyzePhases(t *testing.T) {
	tests := []struct {
		name    string
		facts   map[string]string
		flags   []string
		floor   string
		phase   Phase
		missing []string
	}{
		{
			name:    "empty session",
			phase:   DiscoveryBasic,
			missing: []string{"name", "business_type"},
		},
		{
			name:    "name only",
			facts:   map[string]string{"name": "Maria"},
			phase:   DiscoveryBasic,
			missing: []string{"business_type"},
		},
		{
			name:    "basics known",
			facts:   map[string]string{"name": "Maria", "business_type": "salao"},
			phase:   DiscoveryDeep,
			missing: []string{"stated_problem", "volume_estimate"},
		},
		{
			name:    "business without name stays basic",
			facts:   map[string]string{"business_type": "salao", "stated_problem": "tempo"},
			phase:   DiscoveryBasic,
			missing: []string{"name"},
		},
		{
			name: "everything known",
			facts: map[string]string{
				"name": "Maria", "business_type": "salao",
				"stated_problem": "tempo", "volume_estimate": "40/dia",
			},
			phase: Consultation,
		},
		{
			name: "resolved flag in consultation",
			facts: map[string]string{
				"name": "Maria", "business_type": "salao",
				"stated_problem": "tempo", "volume_estimate": "40/dia",
			},
			flags: []string{FlagResolved},
			phase: Resolution,
		},
		{
			name:    "resolved flag before consultation is ignored",
			facts:   map[string]string{"name": "Maria"},
			flags:   []string{FlagResolved},
			phase:   DiscoveryBasic,
			missing: []string{"business_type"},
		},
		{
			name:    "recorded phase is a floor",
			facts:   map[string]string{"name": "Maria"},
			floor:   "discovery_deep",
			phase:   DiscoveryDeep,
			missing: []string{"business_type"},
		},
		{
			name:    "unknown recorded phase ignored",
			floor:   "negotiation",
			phase:   DiscoveryBasic,
			missing: []string{"name", "business_type"},
		},
	}

	a := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(tt.facts, tt.flags...)
			s.Phase = tt.floor

			got := a.Analyze(s)
			if got.Phase != tt.phase {
				t.Errorf("Phase = %v, want %v", got.Phase, tt.phase)
			}
			if diff := cmp.Diff(tt.missing, got.MissingFields); diff != "" {
				t.Errorf("MissingFields mismatch (-want +got):\n%s", diff)
			}
			wantHint := ""
			if len(tt.missing) > 0 {
				wantHint = tt.missing[0]
			}
			if got.PriorityHint != wantHint {
				t.Errorf("PriorityHint = %q, want %q", got.PriorityHint, wantHint)
			}
			if (got.Recommendation != nil) != (got.Phase >= Consultation) {
				t.Errorf("Recommendation = %+v in phase %v", got.Recommendation, got.Phase)
			}
		})
	}
}

func TestAnalyzeNeverRegresses(t *testing.T) {
	a := New()
	s := newSession(map[string]string{
		"name": "Maria", "business_type": "salao",
		"stated_problem": "tempo", "volume_estimate": "40/dia",
	})
	first := a.Analyze(s)
	s.Phase = first.Phase.String()

	// Facts cannot disappear in practice, but the floor must hold even
	// under a stricter checklist.
	strict := New(append(DefaultChecklist(), Tier{Phase: DiscoveryDeep, Fields: []string{"email"}})...)
	got := strict.Analyze(s)
	if got.Phase != Consultation {
		t.Errorf("Phase = %v, want %v (floor)", got.Phase, Consultation)
	}
	if got.PriorityHint != "email" {
		t.Errorf("PriorityHint = %q, want email", got.PriorityHint)
	}
}

func TestAnalyzeCustomChecklist(t *testing.T) {
	a := New(Tier{Phase: DiscoveryBasic, Fields: []string{"email"}})
	got := a.Analyze(newSession(map[string]string{"name": "Maria"}))
	if got.Phase != DiscoveryBasic || got.PriorityHint != "email" {
		t.Errorf("Analyze = %v/%q, want discovery_basic/email", got.Phase, got.PriorityHint)
	}

	got = a.Analyze(newSession(map[string]string{"email": "m@x.com"}))
	if got.Phase != Consultation {
		t.Errorf("Phase = %v, want consultation once the custom checklist is met", got.Phase)
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	a := New()
	s := newSession(map[string]string{"name": "Maria", "business_type": "salao"})
	s.AppendTurn(session.Turn{ID: "1", Role: session.RoleUser, Text: "oi"})
	first := a.Analyze(s)
	for i := 0; i < 10; i++ {
		if diff := cmp.Diff(first, a.Analyze(s)); diff != "" {
			t.Fatalf("run %d differs:\n%s", i, diff)
		}
	}
	if first.UserTurns != 1 {
		t.Errorf("UserTurns = %d, want 1", first.UserTurns)
	}
}

func TestPhaseNames(t *testing.T) {
	for _, p := range []Phase{DiscoveryBasic, DiscoveryDeep, Consultation, Resolution} {
		got, ok := ParsePhase(p.String())
		if !ok || got != p {
			t.Errorf("ParsePhase(%q) = %v, %v", p.String(), got, ok)
		}
	}
	if Phase(42).String() != "unknown" {
		t.Errorf("Phase(42).String() = %q", Phase(42).String())
	}
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		name     string
		facts    map[string]string
		plan     string
		benefits []string
	}{
		{"no volume", map[string]string{}, PlanEssencial, nil},
		{"small", map[string]string{"volume_estimate": "50/dia"}, PlanEssencial, nil},
		{"medium", map[string]string{"volume_estimate": "51"}, PlanProfissional, nil},
		{"edge of medium", map[string]string{"volume_estimate": "200/semana"}, PlanProfissional, nil},
		{
			"large with pains",
			map[string]string{"volume_estimate": "500", "stated_problem": "tempo"},
			PlanPremium,
			[]string{"recuperar horas do seu dia"},
		},
		{
			"night pain",
			map[string]string{"stated_problem": "noturno"},
			PlanEssencial,
			[]string{"atender clientes 24/7"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts := make(map[string]session.Fact)
			for k, v := range tt.facts {
				facts[k] = session.Fact{Value: v}
			}
			got := Recommend(facts)
			if got.Plan != tt.plan {
				t.Errorf("Plan = %q, want %q", got.Plan, tt.plan)
			}
			if diff := cmp.Diff(tt.benefits, got.Benefits); diff != "" {
				t.Errorf("Benefits mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
