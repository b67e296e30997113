package extract

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lower-cases s and strips diacritics, so "Negócio" and "negocio"
// compare equal. Keyword tables throughout the pipeline are written in
// folded form.
func Fold(s string) string {
	// Transformers carry state; build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// titleWord capitalizes a single lower-cased word using Portuguese
// casing rules.
func titleWord(w string) string {
	return cases.Title(language.BrazilianPortuguese).String(w)
}
