package prompts

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/atende/internal/analyze"
	"github.com/nugget/atende/internal/chunk"
	"github.com/nugget/atende/internal/session"
	"github.com/nugget/atende/internal/talents"
	"github.com/nugget/atende/internal/tenant"
)

var t0 = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func testTenant() *tenant.Tenant {
	return &tenant.Tenant{
		ID:                "aurora",
		AgentName:         "Clara",
		BusinessName:      "Aurora Automação",
		Language:          "pt-BR",
		Tone:              "acolhedor",
		Persona:           "Você ajuda pequenos negócios.",
		FallbackStatement: "Vou confirmar com a equipe e te retorno.",
		Knowledge: tenant.Knowledge{
			Topics: []tenant.Topic{
				{Name: "Horário", Keywords: []string{"horario", "aberto"}, Content: "Segunda a sexta, 9h às 18h."},
			},
			Policies: []string{"Cancelamento sem multa com aviso de 30 dias."},
			Plans: []tenant.Offering{
				{Name: "Essencial", Description: "Até 50 atendimentos por dia.", Price: "R$ 197/mês"},
			},
		},
		Examples: []tenant.Example{{User: "Quanto custa?", Assistant: "Depende do volume."}},
		Talents: []talents.Talent{
			{Name: "base", Content: "Seja gentil."},
			{Name: "descoberta", Tags: []string{"discovery_basic"}, Content: "Descubra o negócio."},
			{Name: "consultoria", Tags: []string{"consultation"}, Content: "Apresente o plano."},
		},
	}
}

func sessionWith(texts ...string) *session.Session {
	s := session.New(session.Key{TenantID: "aurora", ConversationKey: "5511"}, t0)
	for i, text := range texts {
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		s.AppendTurn(session.Turn{ID: fmt.Sprintf("t%d", i), Role: role, Text: text, CreatedAt: t0})
	}
	return s
}

func TestBuild_SectionOrder(t *testing.T) {
	p := Build(testTenant(), sessionWith("Oi"), analyze.Analysis{}, Steering{})

	var names []string
	for _, s := range p.Sections {
		names = append(names, s.Name)
	}
	want := []string{SectionPersona, SectionKnowledge, SectionExamples, SectionHistory, SectionSteering}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("section order mismatch (-want +got):\n%s", diff)
	}

	rendered := p.String()
	last := -1
	for _, s := range p.Sections {
		idx := strings.Index(rendered, s.Text)
		if idx <= last {
			t.Errorf("section %s rendered out of order", s.Name)
		}
		last = idx
	}
	if !strings.HasSuffix(rendered, p.Section(SectionSteering)) {
		t.Error("steering is not the last thing in the prompt")
	}
}

func TestBuild_FullHistoryReplay(t *testing.T) {
	texts := []string{"Oi, eu sou o João"}
	for i := range 40 {
		texts = append(texts, fmt.Sprintf("resposta %d", i), fmt.Sprintf("mensagem %d", i))
	}
	s := sessionWith(texts...)
	p := Build(testTenant(), s, analyze.Analysis{}, Steering{})

	history := p.Section(SectionHistory)
	for _, text := range texts {
		if !strings.Contains(history, text) {
			t.Errorf("history missing %q", text)
		}
	}
	if !strings.Contains(history, "Cliente: Oi, eu sou o João") {
		t.Errorf("first user turn not replayed verbatim:\n%s", history)
	}
	if !strings.Contains(history, "Clara: resposta 0") {
		t.Errorf("assistant turns should be attributed to the agent:\n%s", history)
	}
}

func TestBuild_PersonaFiltersTalentsByPhase(t *testing.T) {
	tn := testTenant()

	discovery := Build(tn, sessionWith("Oi"), analyze.Analysis{Phase: analyze.DiscoveryBasic}, Steering{}).Section(SectionPersona)
	if !strings.Contains(discovery, "Descubra o negócio.") || strings.Contains(discovery, "Apresente o plano.") {
		t.Errorf("discovery persona has wrong talents:\n%s", discovery)
	}
	if !strings.Contains(discovery, "Seja gentil.") {
		t.Error("untagged talent missing")
	}

	consult := Build(tn, sessionWith("Oi"), analyze.Analysis{Phase: analyze.Consultation}, Steering{}).Section(SectionPersona)
	if strings.Contains(consult, "Descubra o negócio.") || !strings.Contains(consult, "Apresente o plano.") {
		t.Errorf("consultation persona has wrong talents:\n%s", consult)
	}
	if !strings.Contains(consult, "Clara, assistente virtual da Aurora Automação") {
		t.Errorf("persona missing identity:\n%s", consult)
	}
}

func TestBuild_Knowledge(t *testing.T) {
	tests := []struct {
		name        string
		message     string
		mutate      func(*tenant.Tenant)
		wantMissing []string
		wantText    []string
	}{
		{
			name:     "covered topic is marked relevant",
			message:  "Vocês ficam abertos até que horas? Qual o horário?",
			wantText: []string{"Horário (relevante para a última mensagem)"},
		},
		{
			name:     "pricing covered by plans",
			message:  "Quanto custa?",
			wantText: []string{"Essencial: Até 50 atendimentos por dia. (R$ 197/mês)"},
		},
		{
			name:        "payment question with no entry",
			message:     "Aceitam pix ou cartão?",
			wantMissing: []string{"formas de pagamento"},
			wantText:    []string{"O cliente perguntou sobre formas de pagamento", "Vou confirmar com a equipe e te retorno."},
		},
		{
			name:        "integration question with no entry",
			message:     "Integra com o meu sistema de estoque?",
			wantMissing: []string{"integrações"},
		},
		{
			name:     "cancellation covered by policy",
			message:  "Posso cancelar quando quiser?",
			wantText: []string{"Cancelamento sem multa"},
		},
		{
			name:        "empty knowledge still carries fallback",
			message:     "Qual o preço?",
			mutate:      func(tn *tenant.Tenant) { tn.Knowledge = tenant.Knowledge{} },
			wantMissing: []string{"preços"},
			wantText:    []string{"Não há informações cadastradas", `responda exatamente: "Vou confirmar com a equipe e te retorno."`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tn := testTenant()
			if tt.mutate != nil {
				tt.mutate(tn)
			}
			p := Build(tn, sessionWith(tt.message), analyze.Analysis{}, Steering{})
			if diff := cmp.Diff(tt.wantMissing, p.MissingTopics); diff != "" {
				t.Errorf("MissingTopics mismatch (-want +got):\n%s", diff)
			}
			kb := p.Section(SectionKnowledge)
			if !strings.Contains(kb, "responda exatamente") {
				t.Error("knowledge section lacks the fallback instruction")
			}
			for _, want := range tt.wantText {
				if !strings.Contains(kb, want) {
					t.Errorf("knowledge missing %q:\n%s", want, kb)
				}
			}
		})
	}
}

func TestBuild_Steering(t *testing.T) {
	tn := testTenant()

	t.Run("first greeting", func(t *testing.T) {
		s := sessionWith("Oi")
		s.MarkOnce(analyze.FlagGreeted, t0)
		a := analyze.Analysis{Phase: analyze.DiscoveryBasic, MissingFields: []string{"name", "business_type"}, PriorityHint: "name"}
		st := Build(tn, s, a, Steering{Greet: true, Response: chunk.Options{MaxChars: 200, Mode: chunk.ModeWhatsApp}}).Section(SectionSteering)

		for _, want := range []string{
			"Fase: discovery_basic",
			"apresente-se como Clara",
			"Pergunta prioritária (faça só esta): Como posso te chamar?",
			"até 200 caracteres",
			"formatação do WhatsApp",
		} {
			if !strings.Contains(st, want) {
				t.Errorf("steering missing %q:\n%s", want, st)
			}
		}
		if strings.Contains(st, "Qual é o seu tipo de negócio?") {
			t.Error("steering should carry a single priority question")
		}
	})

	t.Run("already greeted", func(t *testing.T) {
		s := sessionWith("Oi", "Olá!", "Tudo bem?")
		s.MarkOnce(analyze.FlagGreeted, t0)
		st := Build(tn, s, analyze.Analysis{}, Steering{}).Section(SectionSteering)
		if !strings.Contains(st, "Não repita a saudação") || strings.Contains(st, "apresente-se") {
			t.Errorf("steering should suppress the greeting:\n%s", st)
		}
	})

	t.Run("recommendation and facts", func(t *testing.T) {
		s := sessionWith("Sou a Maria, tenho uma clínica")
		s.MergeFacts(map[string]session.Fact{
			"name":          {Value: "Maria", Confidence: 0.9},
			"business_type": {Value: "clínica", Confidence: 0.9},
		}, session.DefaultMergePolicy())
		a := analyze.Analysis{
			Phase:          analyze.Consultation,
			Recommendation: &analyze.Recommendation{Plan: analyze.PlanEssencial, Reason: "ideal para começar", Benefits: []string{"atender clientes 24/7"}},
		}
		st := Build(tn, s, a, Steering{Response: chunk.Options{Mode: chunk.ModePlain, StripEmoji: true}}).Section(SectionSteering)
		for _, want := range []string{
			"Já sabemos: business_type=clínica, name=Maria.",
			"Recomende o plano essencial: ideal para começar.",
			"Preço cadastrado: R$ 197/mês.",
			"Destaque: atender clientes 24/7.",
			"até 300 caracteres",
			"sem markdown",
			"Não use emojis.",
		} {
			if !strings.Contains(st, want) {
				t.Errorf("steering missing %q:\n%s", want, st)
			}
		}
		if strings.Contains(st, "Pergunta prioritária") {
			t.Error("no priority question expected without a hint")
		}
	})
}

func TestBuild_EmptyExamplesSkipped(t *testing.T) {
	tn := testTenant()
	tn.Examples = nil
	p := Build(tn, sessionWith("Oi"), analyze.Analysis{}, Steering{})
	if p.Section(SectionExamples) != "" {
		t.Error("examples section should be empty")
	}
	if strings.Contains(p.String(), "\n\n\n\n") {
		t.Error("empty section left a gap in the rendered prompt")
	}
}

func TestPriorityQuestion(t *testing.T) {
	if got := PriorityQuestion("volume_estimate"); !strings.Contains(got, "mensagens") {
		t.Errorf("PriorityQuestion(volume_estimate) = %q", got)
	}
	if got := PriorityQuestion("team_size"); got != "Pergunte ao cliente sobre: team size." {
		t.Errorf("PriorityQuestion(team_size) = %q", got)
	}
}

func TestMentions(t *testing.T) {
	tests := []struct {
		text     string
		keywords []string
		want     bool
	}{
		{"Qual é o PREÇO?", []string{"preco"}, true},
		{"Vocês integram com planilhas?", []string{"integra"}, true},
		{"desintegrado", []string{"integra"}, false},
		{"onde fica a loja", []string{"onde fica"}, true},
		{"", []string{"preco"}, false},
		{"qualquer coisa", nil, false},
	}
	for _, tt := range tests {
		if got := mentions(words(tt.text), tt.keywords); got != tt.want {
			t.Errorf("mentions(%q, %v) = %v, want %v", tt.text, tt.keywords, got, tt.want)
		}
	}
}
