package chunk

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// Mode selects the formatting applied before splitting.
type Mode string

// Supported modes.
const (
	// ModeWhatsApp rewrites markdown into WhatsApp's native markers.
	ModeWhatsApp Mode = "whatsapp"

	// ModePlain renders markdown to unformatted text.
	ModePlain Mode = "plain"

	// ModeMarkdown passes the reply through untouched.
	ModeMarkdown Mode = "markdown"
)

// ParseMode validates a mode name. The empty string selects
// [ModeWhatsApp].
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeWhatsApp, nil
	case ModeWhatsApp, ModePlain, ModeMarkdown:
		return m, nil
	default:
		return "", fmt.Errorf("unknown chunk format %q (want whatsapp, plain or markdown)", s)
	}
}

var (
	waBold      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	waItalic    = regexp.MustCompile(`__(.+?)__`)
	waStrike    = regexp.MustCompile(`~~(.+?)~~`)
	waHeading   = regexp.MustCompile(`(?m)^[ \t]*#{1,6}[ \t]+`)
	waBullet    = regexp.MustCompile(`(?m)^[ \t]*[-*+][ \t]+`)
	waLink      = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	waCode      = regexp.MustCompile("`([^`\n]+)`")
	spaceRun    = regexp.MustCompile(`[ \t]+`)
	blankLines  = regexp.MustCompile(`\n{3,}`)
	tableBorder = regexp.MustCompile(`(?m)^[ \t]*\|?[ \t]*:?-{3,}.*$`)
)

// Format applies the mode's formatting pass and optional emoji
// stripping, and normalizes whitespace.
func Format(raw string, mode Mode, stripEmoji bool) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")

	switch mode {
	case ModePlain:
		s = markdownToPlain(s)
	case ModeMarkdown:
	default:
		s = markdownToWhatsApp(s)
	}

	if stripEmoji {
		s = removeEmoji(s)
	}
	return normalizeSpace(s)
}

func markdownToWhatsApp(s string) string {
	s = tableBorder.ReplaceAllString(s, "")
	s = waBold.ReplaceAllString(s, "*$1*")
	s = waItalic.ReplaceAllString(s, "_${1}_")
	s = waStrike.ReplaceAllString(s, "~$1~")
	s = waHeading.ReplaceAllString(s, "")
	s = waBullet.ReplaceAllString(s, "• ")
	s = waLink.ReplaceAllString(s, "$1 ($2)")
	s = waCode.ReplaceAllString(s, "$1")
	return s
}

// markdownToPlain walks the goldmark AST and keeps only text content.
// Every block ends on its own line so list items and headings stay
// separate segments.
func markdownToPlain(s string) string {
	source := []byte(s)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(source))
				switch {
				case node.HardLineBreak():
					b.WriteByte('\n')
				case node.SoftLineBreak():
					b.WriteByte(' ')
				}
			}
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				b.Write(node.Label(source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Link:
			if !entering && len(node.Destination) > 0 {
				fmt.Fprintf(&b, " (%s)", node.Destination)
			}
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(source))
				}
				b.WriteByte('\n')
			}
			return ast.WalkSkipChildren, nil
		default:
			if !entering && n.Type() == ast.TypeBlock {
				b.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// isEmoji matches pictographs, dingbats, flags and the joiners and
// modifiers that glue them together.
func isEmoji(r rune) bool {
	switch {
	case r == 0x200D, r == 0xFE0F, r == 0x20E3:
		return true
	case r >= 0x1F3FB && r <= 0x1F3FF:
		return true
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	}
	return unicode.Is(unicode.So, r) && r > 0x2000
}

func removeEmoji(s string) string {
	out, _, err := transform.String(runes.Remove(runes.Predicate(isEmoji)), s)
	if err != nil {
		return s
	}
	return out
}

func normalizeSpace(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(l, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
