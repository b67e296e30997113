package chunk

import (
	"regexp"
	"strings"
	"unicode"
)

var listMarker = regexp.MustCompile(`^(\d+[.)]|•|[-*+])\s`)

// abbreviations end in a period that does not close a sentence.
var abbreviations = map[string]bool{
	"sr": true, "sra": true, "srta": true, "dr": true, "dra": true,
	"prof": true, "profa": true, "av": true, "ex": true, "obs": true,
	"tel": true, "pag": true, "vs": true, "aprox": true, "mr": true,
	"mrs": true, "ms": true, "st": true,
}

// conjunctions are preferred cut points inside long clauses; the
// conjunction opens the following piece.
var conjunctions = map[string]bool{
	"e": true, "mas": true, "porém": true, "porem": true, "entretanto": true,
	"todavia": true, "ou": true, "porque": true, "pois": true, "então": true,
	"entao": true, "enquanto": true, "and": true, "but": true, "or": true,
	"because": true,
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '*', '_', '~':
		return true
	}
	return false
}

func isPause(r rune) bool {
	return r == ',' || r == ';' || r == ':'
}

// segments cuts formatted text into sentences. Every line starts a new
// segment; within a line a segment ends after terminal punctuation
// followed by whitespace, unless the period belongs to a list number or
// a known abbreviation.
func segments(text string) []piece {
	var out []piece
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rs := []rune(line)
		list := listMarker.MatchString(line)
		first := true
		emit := func(seg []rune) {
			seg = trimRunes(seg)
			if len(seg) == 0 {
				return
			}
			out = append(out, piece{text: seg, lineStart: first, listItem: list && first})
			first = false
		}

		start := 0
		for i := 0; i < len(rs); i++ {
			if !isTerminator(rs[i]) {
				continue
			}
			j := i + 1
			for j < len(rs) && (isTerminator(rs[j]) || isCloser(rs[j])) {
				j++
			}
			if j < len(rs) && !unicode.IsSpace(rs[j]) {
				i = j - 1
				continue
			}
			if rs[i] == '.' && (j == i+1 || !isTerminator(rs[i+1])) && !closesSentence(rs, start, i) {
				i = j - 1
				continue
			}
			emit(rs[start:j])
			start = j
			i = j - 1
		}
		emit(rs[start:])
	}
	return out
}

// closesSentence reports whether the period at rs[dot] ends a
// sentence that began at start.
func closesSentence(rs []rune, start, dot int) bool {
	w := dot
	for w > start && !unicode.IsSpace(rs[w-1]) {
		w--
	}
	word := string(rs[w:dot])
	if word == "" {
		return true
	}
	if w == start && isDigits(word) {
		return false // "1." list number
	}
	return !abbreviations[strings.ToLower(word)]
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// splitLong cuts a sentence longer than maxChars into pieces of at
// most maxChars. A single word longer than maxChars is kept whole.
func splitLong(s []rune, maxChars int) [][]rune {
	var out [][]rune
	rest := trimRunes(s)
	for len(rest) > maxChars {
		cut := pauseCut(rest, maxChars)
		if cut <= 0 {
			cut = conjunctionCut(rest, maxChars)
		}
		if cut <= 0 {
			cut = lastSpace(rest, maxChars)
		}
		if cut <= 0 {
			cut = firstSpaceAfter(rest, maxChars)
		}
		if cut <= 0 {
			break
		}
		if left := trimRunes(rest[:cut]); len(left) > 0 {
			out = append(out, left)
		}
		rest = trimRunes(rest[cut:])
	}
	if len(rest) > 0 {
		out = append(out, rest)
	}
	return out
}

// pauseCut returns the index just past the last comma, semicolon or
// colon that is followed by whitespace and keeps the left part within
// maxChars, or -1.
func pauseCut(s []rune, maxChars int) int {
	for i := min(maxChars, len(s)-1) - 1; i > 0; i-- {
		if isPause(s[i]) && unicode.IsSpace(s[i+1]) {
			return i + 1
		}
	}
	return -1
}

// conjunctionCut returns the index of the whitespace before the last
// conjunction whose left part fits in maxChars, or -1.
func conjunctionCut(s []rune, maxChars int) int {
	for i := min(maxChars, len(s)-1); i > 0; i-- {
		if unicode.IsSpace(s[i]) && conjunctions[strings.ToLower(wordAt(s, i+1))] {
			return i
		}
	}
	return -1
}

// wordAt returns the run of letters starting at s[i].
func wordAt(s []rune, i int) string {
	j := i
	for j < len(s) && unicode.IsLetter(s[j]) {
		j++
	}
	if j == len(s) || unicode.IsSpace(s[j]) || unicode.IsPunct(s[j]) {
		return string(s[i:j])
	}
	return ""
}

// lastSpace returns the index of the last whitespace at or before
// limit, excluding position 0, or -1.
func lastSpace(s []rune, limit int) int {
	for i := min(limit, len(s)-1); i > 0; i-- {
		if unicode.IsSpace(s[i]) {
			return i
		}
	}
	return -1
}

// firstSpaceAfter returns the index of the first whitespace after
// limit, or -1.
func firstSpaceAfter(s []rune, limit int) int {
	for i := limit + 1; i < len(s); i++ {
		if unicode.IsSpace(s[i]) {
			return i
		}
	}
	return -1
}

func trimRunes(s []rune) []rune {
	start, end := 0, len(s)
	for start < end && unicode.IsSpace(s[start]) {
		start++
	}
	for end > start && unicode.IsSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}
