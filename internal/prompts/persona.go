package prompts

import (
	"fmt"
	"strings"

	"github.com/nugget/atende/internal/analyze"
	"github.com/nugget/atende/internal/talents"
	"github.com/nugget/atende/internal/tenant"
)

// personaRules apply to every tenant. Format verb: fallback statement.
const personaRules = `## Regras
- Responda sempre em português, como uma pessoa de verdade, sem parecer robô.
- Nunca invente preços, prazos, políticas, integrações ou funcionalidades.
- Quando não souber algo, diga: "%s"
- Faça no máximo uma pergunta por mensagem.
- Use o nome do cliente quando souber.`

func personaSection(t *tenant.Tenant, phase analyze.Phase) string {
	var b strings.Builder
	b.WriteString("## Quem você é\n")
	b.WriteString(identityLine(t))

	var traits []string
	if t.Language != "" {
		traits = append(traits, "Idioma: "+t.Language+".")
	}
	if t.Tone != "" {
		traits = append(traits, "Tom: "+t.Tone+".")
	}
	if t.Style != "" {
		traits = append(traits, "Estilo: "+t.Style+".")
	}
	if len(traits) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(traits, " "))
	}
	if p := strings.TrimSpace(t.Persona); p != "" {
		b.WriteString("\n\n")
		b.WriteString(p)
	}

	b.WriteString("\n\n")
	fmt.Fprintf(&b, personaRules, t.Fallback())

	if guidance := talents.FilterByTags(talents.ForPhase(t.Talents, phase.String()), nil); guidance != "" {
		b.WriteString("\n\n## Orientações\n")
		b.WriteString(guidance)
	}
	return b.String()
}

func identityLine(t *tenant.Tenant) string {
	if t.BusinessName == "" {
		return fmt.Sprintf("Você é %s, assistente virtual.", t.AgentName)
	}
	return fmt.Sprintf("Você é %s, assistente virtual da %s.", t.AgentName, t.BusinessName)
}
