package prompts

import (
	"fmt"
	"strings"

	"github.com/nugget/atende/internal/analyze"
	"github.com/nugget/atende/internal/chunk"
	"github.com/nugget/atende/internal/session"
	"github.com/nugget/atende/internal/tenant"
)

// Section names, in the order they appear in every prompt.
const (
	SectionPersona   = "persona"
	SectionKnowledge = "knowledge"
	SectionExamples  = "examples"
	SectionHistory   = "history"
	SectionSteering  = "steering"
)

// Section is one titled block of the prompt.
type Section struct {
	Name string
	Text string
}

// Prompt is the fully assembled model input for one turn.
type Prompt struct {
	Sections []Section

	// MissingTopics are topics the latest user message asked about
	// that the tenant's knowledge base does not cover.
	MissingTopics []string
}

// Section returns the text of the named section, or "".
func (p Prompt) Section(name string) string {
	for _, s := range p.Sections {
		if s.Name == name {
			return s.Text
		}
	}
	return ""
}

// String renders the prompt as the single text sent to the model.
// Empty sections are skipped.
func (p Prompt) String() string {
	var b strings.Builder
	for _, s := range p.Sections {
		if s.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(s.Text)
	}
	return b.String()
}

// Steering carries the per-turn instructions that are not derived from
// the session alone.
type Steering struct {
	// Greet is set on the turn that first marked the greeted flag.
	Greet bool

	// Response is the chunking the reply will go through.
	Response chunk.Options
}

// Build assembles the prompt for the next assistant reply. The session
// must already hold the current user turn. History is replayed in full
// and steering always comes last, closest to the model's reply.
func Build(t *tenant.Tenant, s *session.Session, a analyze.Analysis, st Steering) Prompt {
	latest := latestUserText(s)
	knowledge, missing := knowledgeSection(t, latest)

	return Prompt{
		Sections: []Section{
			{Name: SectionPersona, Text: personaSection(t, a.Phase)},
			{Name: SectionKnowledge, Text: knowledge},
			{Name: SectionExamples, Text: examplesSection(t)},
			{Name: SectionHistory, Text: historySection(t, s)},
			{Name: SectionSteering, Text: steeringSection(t, s, a, st)},
		},
		MissingTopics: missing,
	}
}

func latestUserText(s *session.Session) string {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == session.RoleUser {
			return s.History[i].Text
		}
	}
	return ""
}

func examplesSection(t *tenant.Tenant) string {
	if len(t.Examples) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Exemplos de conversa\n")
	b.WriteString("Siga o tom destes exemplos, sem copiar as respostas.\n")
	for _, ex := range t.Examples {
		fmt.Fprintf(&b, "\nCliente: %s\n%s: %s\n", ex.User, t.AgentName, ex.Assistant)
	}
	return strings.TrimRight(b.String(), "\n")
}

// historySection replays every turn verbatim. Assistant turns use the
// raw reply, not the delivered chunks.
func historySection(t *tenant.Tenant, s *session.Session) string {
	var b strings.Builder
	b.WriteString("## Conversa até agora\n")
	for _, turn := range s.History {
		speaker := "Cliente"
		if turn.Role == session.RoleAssistant {
			speaker = t.AgentName
		}
		fmt.Fprintf(&b, "\n%s: %s", speaker, turn.Text)
	}
	return b.String()
}
