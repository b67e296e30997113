package extract

import "regexp"

// Intent is the coarse purpose of a user message.
type Intent string

// Recognized intents.
const (
	IntentNone           Intent = "none"
	IntentGreeting       Intent = "greeting"
	IntentFarewell       Intent = "farewell"
	IntentPricing        Intent = "pricing"
	IntentHelpRequest    Intent = "help_request"
	IntentContactInfo    Intent = "contact_info"
	IntentServiceInquiry Intent = "service_inquiry"
)

type intentKeyword struct {
	pattern *regexp.Regexp
	weight  float64
}

type intentRule struct {
	intent   Intent
	keywords []intentKeyword
}

func kw(word string, weight float64) intentKeyword {
	return intentKeyword{
		pattern: regexp.MustCompile(`\b` + regexp.QuoteMeta(word) + `\b`),
		weight:  weight,
	}
}

// intentRules is ordered; on equal scores the earlier intent wins.
var intentRules = []intentRule{
	{IntentGreeting, []intentKeyword{
		kw("ola", 0.9), kw("oi", 0.9), kw("bom dia", 0.9), kw("boa tarde", 0.9),
		kw("boa noite", 0.9), kw("hello", 0.8), kw("e ai", 0.7),
	}},
	{IntentFarewell, []intentKeyword{
		kw("tchau", 0.9), kw("ate logo", 0.9), kw("ate mais", 0.9), kw("goodbye", 0.9),
		kw("valeu", 0.8), kw("bye", 0.8), kw("obrigado", 0.7), kw("obrigada", 0.7),
	}},
	{IntentPricing, []intentKeyword{
		kw("preco", 0.9), kw("quanto custa", 0.9), kw("price", 0.9), kw("orcamento", 0.8),
		kw("valor", 0.8), kw("planos", 0.8), kw("mensalidade", 0.8), kw("investimento", 0.7),
	}},
	{IntentHelpRequest, []intentKeyword{
		kw("pode me ajudar", 0.9), kw("preciso de ajuda", 0.9), kw("ajuda", 0.8),
		kw("help", 0.8), kw("como funciona", 0.7), kw("como", 0.6),
	}},
	{IntentContactInfo, []intentKeyword{
		kw("contato", 0.8), kw("telefone", 0.8), kw("email", 0.8), kw("endereco", 0.8),
		kw("localizacao", 0.7), kw("onde fica", 0.7),
	}},
	{IntentServiceInquiry, []intentKeyword{
		kw("servicos", 0.8), kw("produtos", 0.8), kw("oferecem", 0.7), kw("oferece", 0.7),
		kw("voces fazem", 0.7),
	}},
}

// DetectIntent scores each intent by its strongest matching keyword and
// returns the best one, or [IntentNone].
func DetectIntent(text string) Intent {
	folded := Fold(text)
	best, bestScore := IntentNone, 0.0
	for _, r := range intentRules {
		score := 0.0
		for _, k := range r.keywords {
			if k.weight > score && k.pattern.MatchString(folded) {
				score = k.weight
			}
		}
		if score > bestScore {
			best, bestScore = r.intent, score
		}
	}
	return best
}
