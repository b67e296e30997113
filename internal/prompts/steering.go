package prompts

import (
	"cmp"
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/atende/internal/analyze"
	"github.com/nugget/atende/internal/chunk"
	"github.com/nugget/atende/internal/extract"
	"github.com/nugget/atende/internal/session"
	"github.com/nugget/atende/internal/tenant"
)

var phaseGoals = map[analyze.Phase]string{
	analyze.DiscoveryBasic: "Conheça o cliente: descubra quem é e qual é o negócio.",
	analyze.DiscoveryDeep:  "Aprofunde: entenda o principal problema no atendimento e o volume de mensagens.",
	analyze.Consultation:   "Mostre como a solução resolve o que o cliente contou, usando as palavras dele.",
	analyze.Resolution:     "Encerre com cordialidade e confirme os próximos passos. Não abra assuntos novos.",
}

// fieldQuestions phrase the priority hint as a question.
var fieldQuestions = map[string]string{
	extract.KeyName:           "Como posso te chamar?",
	extract.KeyBusinessType:   "Qual é o seu tipo de negócio?",
	extract.KeyStatedProblem:  "Qual é a maior dificuldade no atendimento hoje?",
	extract.KeyVolumeEstimate: "Quantas mensagens vocês recebem por dia, mais ou menos?",
	extract.KeyEmail:          "Qual é o seu e-mail?",
	extract.KeyPhone:          "Qual é o melhor telefone para contato?",
	extract.KeyChannels:       "Por quais canais seus clientes falam com você?",
}

var formatGuidance = map[chunk.Mode]string{
	chunk.ModeWhatsApp: "Use apenas a formatação do WhatsApp (*negrito*, _itálico_). Sem títulos nem tabelas.",
	chunk.ModePlain:    "Escreva texto simples, sem markdown.",
	chunk.ModeMarkdown: "Markdown é permitido, com moderação.",
}

// PriorityQuestion returns the question that asks for field.
func PriorityQuestion(field string) string {
	if q, ok := fieldQuestions[field]; ok {
		return q
	}
	return fmt.Sprintf("Pergunte ao cliente sobre: %s.", strings.ReplaceAll(field, "_", " "))
}

func steeringSection(t *tenant.Tenant, s *session.Session, a analyze.Analysis, st Steering) string {
	var b strings.Builder
	b.WriteString("## Instruções para esta resposta\n")
	fmt.Fprintf(&b, "Fase: %s. %s\n", a.Phase, phaseGoals[a.Phase])

	if facts := knownFacts(s); facts != "" {
		fmt.Fprintf(&b, "Já sabemos: %s. Não pergunte de novo.\n", facts)
	}

	switch {
	case st.Greet:
		fmt.Fprintf(&b, "É o primeiro contato: cumprimente o cliente e apresente-se como %s.\n", t.AgentName)
	case s.HasFlag(analyze.FlagGreeted):
		b.WriteString("O cliente já foi cumprimentado. Não repita a saudação nem a apresentação.\n")
	}

	if a.PriorityHint != "" {
		q := cmp.Or(t.CaptureQuestion(a.PriorityHint), PriorityQuestion(a.PriorityHint))
		fmt.Fprintf(&b, "Pergunta prioritária (faça só esta): %s\n", q)
	}

	if rec := a.Recommendation; rec != nil {
		b.WriteString(recommendationLine(t, rec))
	}

	opts := st.Response
	if opts.MaxChars <= 0 {
		opts.MaxChars = chunk.DefaultMaxChars
	}
	fmt.Fprintf(&b, "Seja breve: a resposta chega em mensagens de até %d caracteres.", opts.MaxChars)
	if g, ok := formatGuidance[opts.Mode]; ok {
		b.WriteString(" " + g)
	}
	if opts.StripEmoji {
		b.WriteString(" Não use emojis.")
	}
	return b.String()
}

// knownFacts renders collected facts as "key=value" pairs, sorted.
func knownFacts(s *session.Session) string {
	keys := make([]string, 0, len(s.Facts))
	for k := range s.Facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+s.Facts[k].Value)
	}
	return strings.Join(parts, ", ")
}

func recommendationLine(t *tenant.Tenant, rec *analyze.Recommendation) string {
	line := fmt.Sprintf("Recomende o plano %s: %s.", rec.Plan, rec.Reason)
	for _, p := range t.Knowledge.Plans {
		if extract.Fold(p.Name) == extract.Fold(rec.Plan) && p.Price != "" {
			line += fmt.Sprintf(" Preço cadastrado: %s.", p.Price)
		}
	}
	if len(rec.Benefits) > 0 {
		line += " Destaque: " + strings.Join(rec.Benefits, "; ") + "."
	}
	return line + "\n"
}
