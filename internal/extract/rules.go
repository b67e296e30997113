package extract

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// category maps a canonical value to the folded keywords that imply it.
type category struct {
	name     string
	keywords []string
}

// businessCategories is ordered: when two categories match with the
// same specificity, the earlier one wins.
var businessCategories = []category{
	{"loja_roupas", []string{"loja de roupas", "loja de roupa", "vendo roupas", "boutique", "confeccao"}},
	{"restaurante", []string{"restaurante", "lanchonete", "padaria", "pizzaria", "hamburgueria", "delivery"}},
	{"clinica", []string{"clinica", "consultorio", "medico", "medica", "dentista", "fisioterapia"}},
	{"escritorio", []string{"escritorio", "advocacia", "contabilidade", "consultoria"}},
	{"salao", []string{"salao", "barbearia", "estetica", "beleza", "cabeleireiro", "cabeleireira"}},
	{"oficina", []string{"oficina", "mecanica", "auto center", "concessionaria"}},
	{"escola", []string{"escola", "curso", "faculdade", "educacao", "ensino"}},
	{"servicos", []string{"servicos", "manutencao", "limpeza", "seguranca"}},
}

var painCategories = []category{
	{"tempo", []string{"muito tempo", "demora", "demorado", "perco tempo", "falta de tempo"}},
	{"repeticao", []string{"sempre a mesma coisa", "perguntas repetitivas", "sempre perguntam", "mesmas perguntas"}},
	{"organizacao", []string{"desorganizado", "desorganizada", "bagunca", "perco informacao", "perco mensagens"}},
	{"volume", []string{"muitos clientes", "nao dou conta", "sobrecarregado", "sobrecarregada"}},
	{"noturno", []string{"fora do horario", "a noite", "final de semana", "madrugada"}},
}

var channelAliases = map[string]string{
	"whatsapp":     "whatsapp",
	"zap":          "whatsapp",
	"wpp":          "whatsapp",
	"instagram":    "instagram",
	"insta":        "instagram",
	"direct":       "instagram",
	"por telefone": "telefone",
	"ligacao":      "telefone",
	"ligacoes":     "telefone",
	"presencial":   "presencial",
	"loja fisica":  "presencial",
	"balcao":       "presencial",
	"site":         "site",
	"website":      "site",
}

// keywordPattern compiles a whole-word alternation over folded keywords.
func keywordPattern(keywords []string) *regexp.Regexp {
	quoted := make([]string, len(keywords))
	for i, k := range keywords {
		quoted[i] = regexp.QuoteMeta(k)
	}
	return regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

var businessPatterns = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(businessCategories))
	for i, c := range businessCategories {
		out[i] = keywordPattern(c.keywords)
	}
	return out
}()

// businessCategory returns the first category whose keywords appear in
// the folded phrase, or "".
func businessCategory(folded string) string {
	for i, re := range businessPatterns {
		if re.MatchString(folded) {
			return businessCategories[i].name
		}
	}
	return ""
}

// Words that end a captured name. Compared in folded form.
var nameStopWords = map[string]bool{
	"e": true, "eu": true, "sou": true, "tenho": true, "trabalho": true,
	"aqui": true, "falando": true, "tudo": true, "bem": true, "mas": true,
	"porque": true, "com": true, "que": true, "ja": true, "nao": true,
	"estou": true, "to": true, "quero": true, "gostaria": true, "preciso": true,
	"oi": true, "ola": true, "bom": true, "boa": true, "obrigado": true,
	"obrigada": true, "minha": true, "meu": true, "pode": true, "voce": true,
	"vc": true, "cliente": true, "dono": true, "dona": true, "gerente": true,
	"proprietario": true, "proprietaria": true, "responsavel": true,
	"empresario": true, "empresaria": true, "autonomo": true, "autonoma": true,

	// Professions and states that follow "sou" without naming anyone.
	"advogado": true, "advogada": true, "nutricionista": true, "psicologo": true,
	"psicologa": true, "fisioterapeuta": true, "terapeuta": true, "enfermeiro": true,
	"enfermeira": true, "professor": true, "professora": true, "engenheiro": true,
	"engenheira": true, "arquiteto": true, "arquiteta": true, "contador": true,
	"contadora": true, "consultor": true, "consultora": true, "corretor": true,
	"corretora": true, "vendedor": true, "vendedora": true, "representante": true,
	"designer": true, "fotografo": true, "fotografa": true, "esteticista": true,
	"manicure": true, "costureira": true, "motorista": true, "farmaceutico": true,
	"farmaceutica": true, "veterinario": true, "veterinaria": true, "programador": true,
	"programadora": true, "jornalista": true, "personal": true, "estudante": true,
	"casado": true, "casada": true, "solteiro": true, "solteira": true,
	"divorciado": true, "divorciada": true, "viuvo": true, "viuva": true,
	"aposentado": true, "aposentada": true, "formado": true, "formada": true,
	"novo": true, "nova": true, "novato": true, "novata": true, "iniciante": true,
	"brasileiro": true, "brasileira": true, "mae": true, "pai": true,
}

var nameParticles = map[string]bool{"da": true, "de": true, "do": true, "das": true, "dos": true}

func isLetters(w string) bool {
	for _, r := range w {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return w != ""
}

// normalizeName keeps up to three name words, stopping at the first
// stop word, and title-cases them. Business terms, professions and
// personal states are rejected so that "Sou Dentista" or "Sou Casado"
// is not read as a name.
func normalizeName(m []string) string {
	if len(m) < 2 {
		return ""
	}
	var out []string
	words := 0
	for _, w := range strings.Fields(m[1]) {
		w = strings.Trim(w, ",.;:!?")
		lw := strings.ToLower(w)
		if !isLetters(w) || nameStopWords[Fold(lw)] {
			break
		}
		if nameParticles[lw] {
			out = append(out, lw)
			continue
		}
		out = append(out, titleWord(lw))
		words++
		if words == 3 {
			break
		}
	}
	for len(out) > 0 && nameParticles[out[len(out)-1]] {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return ""
	}
	name := strings.Join(out, " ")
	if businessCategory(Fold(name)) != "" {
		return ""
	}
	return name
}

// Words that end a captured business phrase.
var businessStopWords = map[string]bool{
	"e": true, "mas": true, "com": true, "que": true, "ha": true, "faz": true,
	"ja": true, "onde": true, "aqui": true, "porque": true,
}

// Phrases that follow "tenho" without naming a business.
var businessGenericWords = map[string]bool{
	"muito": true, "muita": true, "muitos": true, "muitas": true, "pouco": true,
	"pouca": true, "problema": true, "duvida": true, "pergunta": true,
	"dificuldade": true, "interesse": true, "ideia": true, "questao": true,
}

// normalizeBusiness maps a phrase captured after "tenho uma ..." and
// similar to a canonical category. Unknown businesses are kept verbatim
// (folded) only when introduced by an article.
func normalizeBusiness(m []string) string {
	if len(m) < 2 {
		return ""
	}
	phrase := strings.TrimSpace(m[1])
	article := false
	for _, a := range []string{"uma ", "um "} {
		if strings.HasPrefix(phrase, a) {
			phrase = strings.TrimSpace(strings.TrimPrefix(phrase, a))
			article = true
			break
		}
	}

	var kept []string
	for _, w := range strings.Fields(phrase) {
		if businessStopWords[w] || len(kept) == 4 {
			break
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		return ""
	}
	phrase = strings.Join(kept, " ")

	if cat := businessCategory(phrase); cat != "" {
		return cat
	}
	if !article || businessGenericWords[kept[0]] {
		return ""
	}
	return phrase
}

func normalizeProblem(m []string) string {
	if len(m) < 2 {
		return ""
	}
	return strings.TrimRight(strings.TrimSpace(m[1]), " ,")
}

func constant(v string) func([]string) string {
	return func([]string) string { return v }
}

func normalizeCount(s string) string {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// normalizeVolumeRate renders "120 clientes por dia" as "120/dia".
func normalizeVolumeRate(m []string) string {
	if len(m) < 3 {
		return ""
	}
	n := normalizeCount(m[1])
	if n == "" {
		return ""
	}
	return n + "/" + m[2]
}

func normalizeVolumeCount(m []string) string {
	if len(m) < 2 {
		return ""
	}
	return normalizeCount(m[1])
}

func normalizeEmail(m []string) string {
	return strings.ToLower(m[0])
}

// normalizePhone canonicalizes Brazilian numbers to E.164 (+55DDNNNNNNNNN).
func normalizePhone(m []string) string {
	var digits strings.Builder
	for _, r := range m[0] {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case len(d) == 10 || len(d) == 11:
		return "+55" + d
	case (len(d) == 12 || len(d) == 13) && strings.HasPrefix(d, "55"):
		return "+" + d
	default:
		return ""
	}
}

func normalizeChannel(m []string) string {
	return channelAliases[m[0]]
}

func channelPattern() *regexp.Regexp {
	keys := make([]string, 0, len(channelAliases))
	for k := range channelAliases {
		keys = append(keys, k)
	}
	// Longest first so "loja fisica" wins over shorter aliases.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keywordPattern(keys)
}

// DefaultRules returns the built-in Portuguese rule set in priority
// order. Specific phrasings come before generic ones.
func DefaultRules() []Rule {
	rules := []Rule{
		{
			Name:        "name.explicit",
			Key:         KeyName,
			Pattern:     regexp.MustCompile(`(?i)\b(?:me chamo|meu nome (?:é|e))\s+(\p{L}+(?:\s+\p{L}+){0,5})`),
			Normalize:   normalizeName,
			Specificity: 3,
			Confidence:  ConfidenceHigh,
		},
		{
			Name:        "name.introduction",
			Key:         KeyName,
			Pattern:     regexp.MustCompile(`(?:^|[^\p{L}])(?:[Ee]u\s+)?[Ss]ou\s+(?:[oa]\s+)?(\p{Lu}\p{Ll}+(?:\s+(?:d[aeo]s?\s+)?\p{Lu}\p{Ll}+){0,2})`),
			Normalize:   normalizeName,
			Specificity: 2,
			Confidence:  ConfidenceMedium,
		},
		{
			Name:        "name.signature",
			Key:         KeyName,
			Pattern:     regexp.MustCompile(`(?:^|[^\p{L}])(\p{Lu}\p{Ll}+)\s+(?:aqui|falando)(?:[^\p{L}]|$)`),
			Normalize:   normalizeName,
			Specificity: 1,
			Confidence:  ConfidenceLow,
		},
		{
			Name:        "business_type.statement",
			Key:         KeyBusinessType,
			Pattern:     regexp.MustCompile(`\b(?:tenho|possuo|sou don[oa] d[aeo]|trabalho com|trabalho em|trabalho numa?|trabalho n[ao]|minha empresa e|meu negocio e)\s+((?:uma?\s+)?[a-z][a-z ]{2,40})`),
			Normalize:   normalizeBusiness,
			Specificity: 3,
			Confidence:  ConfidenceHigh,
			Folded:      true,
		},
	}

	for i, c := range businessCategories {
		rules = append(rules, Rule{
			Name:        "business_type." + c.name,
			Key:         KeyBusinessType,
			Pattern:     businessPatterns[i],
			Normalize:   constant(c.name),
			Specificity: 1,
			Confidence:  ConfidenceMedium,
			Folded:      true,
		})
	}

	rules = append(rules, Rule{
		Name:        "stated_problem.statement",
		Key:         KeyStatedProblem,
		Pattern:     regexp.MustCompile(`(?i)\b(?:meu (?:maior |principal )?problema (?:é|e)|minha (?:maior |principal )?dificuldade (?:é|e)|(?:estou com|tenho) dificuldade (?:de|em|com)|preciso resolver|(?:não|nao) consigo)\s+([^.!?;\n]{3,120})`),
		Normalize:   normalizeProblem,
		Specificity: 3,
		Confidence:  ConfidenceHigh,
	})
	for _, c := range painCategories {
		rules = append(rules, Rule{
			Name:        "stated_problem." + c.name,
			Key:         KeyStatedProblem,
			Pattern:     keywordPattern(c.keywords),
			Normalize:   constant(c.name),
			Specificity: 1,
			Confidence:  ConfidenceMedium,
			Folded:      true,
		})
	}

	rules = append(rules,
		Rule{
			Name:        "volume_estimate.rate",
			Key:         KeyVolumeEstimate,
			Pattern:     regexp.MustCompile(`\b(\d{1,6})\s*(?:clientes?|pessoas?|atendimentos?|pedidos?|vendas?|mensagens?|pacientes?|alunos?)\s+(?:por|no|na|ao|a|em)\s+(dia|semana|mes)\b`),
			Normalize:   normalizeVolumeRate,
			Specificity: 3,
			Confidence:  ConfidenceHigh,
			Folded:      true,
		},
		Rule{
			Name:        "volume_estimate.attend",
			Key:         KeyVolumeEstimate,
			Pattern:     regexp.MustCompile(`\batendo\s+(?:(?:cerca de|uns|umas|aproximadamente|mais de|quase|em media)\s+)?(\d{1,6})\b`),
			Normalize:   normalizeVolumeCount,
			Specificity: 2,
			Confidence:  ConfidenceMedium,
			Folded:      true,
		},
		Rule{
			Name:        "volume_estimate.count",
			Key:         KeyVolumeEstimate,
			Pattern:     regexp.MustCompile(`\b(\d{1,6})\s*(?:clientes?|pacientes?|alunos?)\b`),
			Normalize:   normalizeVolumeCount,
			Specificity: 1,
			Confidence:  ConfidenceLow,
			Folded:      true,
		},
		Rule{
			Name:        "email",
			Key:         KeyEmail,
			Pattern:     regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
			Normalize:   normalizeEmail,
			Specificity: 3,
			Confidence:  ConfidenceHigh,
		},
		Rule{
			Name:        "phone",
			Key:         KeyPhone,
			Pattern:     regexp.MustCompile(`(?:\+?55[\s.-]?)?\(?\d{2}\)?[\s.-]?9?\d{4}[\s.-]?\d{4}`),
			Normalize:   normalizePhone,
			Specificity: 3,
			Confidence:  ConfidenceHigh,
		},
		Rule{
			Name:        "channels",
			Key:         KeyChannels,
			Pattern:     channelPattern(),
			Normalize:   normalizeChannel,
			Specificity: 1,
			Confidence:  ConfidenceMedium,
			Folded:      true,
			Multi:       true,
		},
	)

	return rules
}
