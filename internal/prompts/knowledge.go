package prompts

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/nugget/atende/internal/extract"
	"github.com/nugget/atende/internal/tenant"
)

// commonTopic is a subject customers ask about often enough that an
// unanswered question must be caught before the model improvises.
// Keywords are folded and match at the start of a word.
type commonTopic struct {
	label    string
	keywords []string
	pricing  bool
}

var commonTopics = []commonTopic{
	{label: "preços", keywords: []string{"preco", "quanto custa", "valor", "mensalidade", "orcamento", "plano"}, pricing: true},
	{label: "horário de funcionamento", keywords: []string{"horario", "abre", "fecha", "funcionamento", "aberto"}},
	{label: "endereço", keywords: []string{"endereco", "localizacao", "onde fica"}},
	{label: "formas de pagamento", keywords: []string{"pagamento", "pix", "cartao", "boleto", "parcel"}},
	{label: "prazo de entrega", keywords: []string{"prazo", "entrega", "demora"}},
	{label: "garantia e cancelamento", keywords: []string{"garantia", "reembolso", "cancela", "devolucao"}},
	{label: "integrações", keywords: []string{"integra"}},
}

// words folds s and reduces it to space-separated words, padded with
// a space on each side so word-start matches are a substring search.
func words(s string) string {
	f := strings.FieldsFunc(extract.Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(f, " ") + " "
}

// mentions reports whether any keyword starts a word in text, where
// text is the output of [words].
func mentions(text string, keywords []string) bool {
	for _, kw := range keywords {
		kw = strings.TrimSpace(words(kw))
		if kw != "" && strings.Contains(text, " "+kw) {
			return true
		}
	}
	return false
}

// knowledgeSection renders the tenant's knowledge base and returns the
// common topics the latest message asked about that it cannot answer.
func knowledgeSection(t *tenant.Tenant, latest string) (string, []string) {
	k := t.Knowledge
	asked := words(latest)

	var b strings.Builder
	b.WriteString("## Base de conhecimento\n")
	fmt.Fprintf(&b, "Use somente as informações abaixo. Se o cliente perguntar algo que não está aqui, responda exatamente: \"%s\"\n", t.Fallback())

	if k.Empty() {
		b.WriteString("\nNão há informações cadastradas para este atendimento.")
	}

	if len(k.Topics) > 0 {
		b.WriteString("\n### Tópicos\n")
		for _, topic := range k.Topics {
			marker := ""
			if mentions(asked, topic.Keywords) || mentions(asked, []string{topic.Name}) {
				marker = " (relevante para a última mensagem)"
			}
			fmt.Fprintf(&b, "- %s%s: %s\n", topic.Name, marker, strings.TrimSpace(topic.Content))
		}
	}
	if len(k.Policies) > 0 {
		b.WriteString("\n### Políticas\n")
		for _, p := range k.Policies {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	writeOfferings(&b, "Serviços", k.Offerings)
	writeOfferings(&b, "Planos", k.Plans)

	var missing []string
	for _, ct := range commonTopics {
		if mentions(asked, ct.keywords) && !covers(k, ct) {
			missing = append(missing, ct.label)
		}
	}
	if len(missing) > 0 {
		b.WriteString("\n### Sem informação\n")
		for _, label := range missing {
			fmt.Fprintf(&b, "O cliente perguntou sobre %s e isso não está na base. Não invente: responda com \"%s\"\n", label, t.Fallback())
		}
	}

	return strings.TrimRight(b.String(), "\n"), missing
}

func writeOfferings(b *strings.Builder, title string, items []tenant.Offering) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n### %s\n", title)
	for _, o := range items {
		line := "- " + o.Name
		if o.Description != "" {
			line += ": " + o.Description
		}
		if o.Price != "" {
			line += " (" + o.Price + ")"
		}
		b.WriteString(line + "\n")
	}
}

// covers reports whether the knowledge base says anything about ct.
func covers(k tenant.Knowledge, ct commonTopic) bool {
	if ct.pricing {
		for _, o := range append(append([]tenant.Offering(nil), k.Offerings...), k.Plans...) {
			if o.Price != "" {
				return true
			}
		}
	}
	for _, topic := range k.Topics {
		text := words(topic.Name + " " + strings.Join(topic.Keywords, " ") + " " + topic.Content)
		if mentions(text, ct.keywords) {
			return true
		}
	}
	for _, p := range k.Policies {
		if mentions(words(p), ct.keywords) {
			return true
		}
	}
	return false
}
