package analyze

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/nugget/atende/internal/session"
)

// Plan names offered by the recommendation.
const (
	PlanEssencial    = "essencial"
	PlanProfissional = "profissional"
	PlanPremium      = "premium"
)

// Recommendation is a plan suggestion tailored to the collected facts.
type Recommendation struct {
	Plan     string
	Reason   string
	Benefits []string
	Business string
}

// painBenefits maps stated_problem categories to selling points.
var painBenefits = []struct {
	category string
	benefit  string
}{
	{"tempo", "recuperar horas do seu dia"},
	{"repeticao", "eliminar perguntas repetitivas"},
	{"noturno", "atender clientes 24/7"},
	{"organizacao", "centralizar os atendimentos em um só lugar"},
	{"volume", "atender mais clientes sem aumentar a equipe"},
}

// Recommend picks a plan by the customer's volume estimate: up to 50
// is essencial, up to 200 profissional, anything above premium. An
// unknown volume counts as zero.
func Recommend(facts map[string]session.Fact) Recommendation {
	volume := leadingNumber(facts["volume_estimate"].Value)

	var rec Recommendation
	switch {
	case volume <= 50:
		rec.Plan, rec.Reason = PlanEssencial, "ideal para começar com automação"
	case volume <= 200:
		rec.Plan, rec.Reason = PlanProfissional, "perfeito para o seu volume de clientes"
	default:
		rec.Plan, rec.Reason = PlanPremium, "necessário para atender o seu volume com qualidade"
	}

	problem := facts["stated_problem"].Value
	for _, pb := range painBenefits {
		if strings.Contains(problem, pb.category) {
			rec.Benefits = append(rec.Benefits, pb.benefit)
		}
	}
	rec.Business = facts["business_type"].Value
	return rec
}

// leadingNumber parses the digits at the start of s ("120/dia" -> 120).
func leadingNumber(s string) int {
	end := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) })
	if end < 0 {
		end = len(s)
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}
