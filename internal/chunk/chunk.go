// Package chunk splits a model reply into short messages suitable for
// chat delivery.
//
// A reply is first formatted for the target channel, then cut into
// sentences. Sentences longer than the maximum are split at the last
// pause (comma, semicolon, colon), failing that before the last
// conjunction, failing that at the last word boundary. Segments are
// packed greedily up to the maximum, and chunks shorter than the
// minimum are merged forward. All lengths count runes.
//
// Chunking is deterministic and never splits inside a word.
package chunk

import (
	"unicode"
)

// Default bounds.
const (
	DefaultMaxChars = 300
	DefaultMinChars = 40
)

// Options control a [Chunker].
type Options struct {
	MinChars   int
	MaxChars   int
	Mode       Mode
	StripEmoji bool
}

// Chunker splits replies with fixed options. It is safe for concurrent
// use.
type Chunker struct {
	opts Options
}

// New returns a Chunker. Non-positive MaxChars becomes
// [DefaultMaxChars]; MinChars is clamped into [0, MaxChars]; an empty
// Mode is [ModeWhatsApp].
func New(opts Options) *Chunker {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.MinChars < 0 {
		opts.MinChars = 0
	}
	if opts.MinChars > opts.MaxChars {
		opts.MinChars = opts.MaxChars
	}
	if opts.Mode == "" {
		opts.Mode = ModeWhatsApp
	}
	return &Chunker{opts: opts}
}

// Options returns the effective options after clamping.
func (c *Chunker) Options() Options {
	return c.opts
}

// Chunk splits raw into ordered messages. Empty or whitespace-only
// input yields no chunks.
func Chunk(raw string, minChars, maxChars int, mode Mode) []string {
	return New(Options{MinChars: minChars, MaxChars: maxChars, Mode: mode}).Chunk(raw)
}

// Chunk splits raw into ordered messages.
func (c *Chunker) Chunk(raw string) []string {
	formatted := Format(raw, c.opts.Mode, c.opts.StripEmoji)
	if formatted == "" {
		return nil
	}

	maxChars, minChars := c.opts.MaxChars, c.opts.MinChars

	var units []piece
	for _, seg := range segments(formatted) {
		if len(seg.text) <= maxChars {
			units = append(units, seg)
			continue
		}
		for i, p := range splitLong(seg.text, maxChars) {
			units = append(units, piece{
				text:      p,
				lineStart: seg.lineStart && i == 0,
				listItem:  seg.listItem && i == 0,
			})
		}
	}

	merged := mergeShort(pack(units, maxChars), minChars, maxChars)

	out := make([]string, 0, len(merged))
	for _, p := range merged {
		out = append(out, string(p.text))
	}
	return out
}

// piece is a run of text with where it sat in the formatted reply.
type piece struct {
	text      []rune
	lineStart bool
	listItem  bool
}

// join appends next to prev, keeping a line break when next began a
// line in the formatted reply.
func join(prev []rune, next piece) []rune {
	sep := ' '
	if next.lineStart {
		sep = '\n'
	}
	out := make([]rune, 0, len(prev)+1+len(next.text))
	out = append(out, prev...)
	out = append(out, sep)
	return append(out, next.text...)
}

// pack greedily fills chunks up to maxChars. A list item always starts
// a new chunk.
func pack(units []piece, maxChars int) []piece {
	var chunks []piece
	for _, u := range units {
		if n := len(chunks); n > 0 && !u.listItem && len(chunks[n-1].text)+1+len(u.text) <= maxChars {
			chunks[n-1].text = join(chunks[n-1].text, u)
			continue
		}
		chunks = append(chunks, piece{
			text:      append([]rune(nil), u.text...),
			lineStart: u.lineStart,
			listItem:  u.listItem,
		})
	}
	return chunks
}

// mergeShort carries every non-final chunk shorter than minChars into
// the next one. A merge that overflows maxChars is cut again at a word
// boundary chosen so the emitted part lies in [minChars, maxChars].
func mergeShort(chunks []piece, minChars, maxChars int) []piece {
	var (
		out       []piece
		carry     []rune
		carryLine bool
	)
	for i, c := range chunks {
		cur := c
		if carry != nil {
			cur = piece{text: join(carry, c), lineStart: carryLine}
			carry = nil
		}
		last := i == len(chunks)-1

		for {
			if !last && len(cur.text) < minChars {
				carry, carryLine = cur.text, cur.lineStart
				break
			}
			if len(cur.text) <= maxChars {
				out = append(out, cur)
				break
			}
			left, right, ok := cutAtWord(cur.text, minChars, maxChars)
			if !ok {
				out = append(out, cur)
				break
			}
			out = append(out, piece{text: left, lineStart: cur.lineStart})
			cur = piece{text: right}
		}
	}
	return out
}

// cutAtWord splits s at whitespace, preferring the last boundary that
// leaves the left part within [minChars, maxChars]. It reports false
// when s has no whitespace at all.
func cutAtWord(s []rune, minChars, maxChars int) (left, right []rune, ok bool) {
	at := -1
	for i := min(maxChars, len(s)-1); i >= minChars && i > 0; i-- {
		if unicode.IsSpace(s[i]) {
			at = i
			break
		}
	}
	if at < 0 {
		at = lastSpace(s, maxChars)
	}
	if at < 0 {
		at = firstSpaceAfter(s, maxChars)
	}
	if at < 0 {
		return nil, nil, false
	}
	return trimRunes(s[:at]), trimRunes(s[at+1:]), true
}
