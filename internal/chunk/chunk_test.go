package chunk

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
)

func TestChunkSplitOrder(t *testing.T) {
	// No sentence breaks: the first cut is the comma, the second the
	// conjunction, the third a plain word boundary.
	raw := "Respondemos clientes pelo WhatsApp, organizamos seus pedidos e agendamos horários automaticamente sem nenhum esforço"

	got := Chunk(raw, 10, 40, ModeWhatsApp)
	want := []string{
		"Respondemos clientes pelo WhatsApp,",
		"organizamos seus pedidos",
		"e agendamos horários automaticamente sem",
		"nenhum esforço",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Chunk mismatch (-want +got):\n%s", diff)
	}
}

func TestChunkBounds(t *testing.T) {
	raw := `Oi! Tudo bem? Que bom falar com você. Nosso assistente atende seus clientes no WhatsApp a qualquer hora do dia, responde dúvidas frequentes sobre horários, preços e formas de pagamento, e ainda encaminha para você os casos que precisam de atenção humana. Muitos salões como o seu economizam várias horas por semana. Posso te mostrar como funciona na prática? É rápido.`

	for _, b := range []struct{ min, max int }{{20, 60}, {40, 120}, {0, 80}, {30, 45}} {
		chunks := Chunk(raw, b.min, b.max, ModeWhatsApp)
		if len(chunks) == 0 {
			t.Fatalf("[%d,%d]: no chunks", b.min, b.max)
		}
		for i, c := range chunks {
			n := utf8.RuneCountInString(c)
			if n > b.max {
				t.Errorf("[%d,%d] chunk %d has %d runes > max: %q", b.min, b.max, i, n, c)
			}
			if i < len(chunks)-1 && n < b.min {
				t.Errorf("[%d,%d] non-final chunk %d has %d runes < min: %q", b.min, b.max, i, n, c)
			}
		}
		if diff := cmp.Diff(strings.Fields(raw), strings.Fields(strings.Join(chunks, " "))); diff != "" {
			t.Errorf("[%d,%d] words lost or split (-want +got):\n%s", b.min, b.max, diff)
		}
	}
}

func TestChunkMergesShortForward(t *testing.T) {
	got := Chunk("Oi! Tudo bem? Eu sou a assistente virtual da Loja Aurora.", 20, 100, ModeMarkdown)
	want := []string{"Oi! Tudo bem? Eu sou a assistente virtual da Loja Aurora."}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	// "Oi!" cannot be packed with the next sentence, so the merge
	// overflows and is cut again at a word boundary within bounds.
	got = Chunk("Oi! Eu sou a assistente virtual. Como posso ajudar?", 10, 31, ModeMarkdown)
	want = []string{"Oi! Eu sou a assistente", "virtual. Como posso ajudar?"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestChunkLongWordKeptWhole(t *testing.T) {
	word := strings.Repeat("a", 25)
	got := Chunk("veja "+word+" agora", 0, 10, ModeMarkdown)
	want := []string{"veja", word, "agora"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestChunkNumberedList(t *testing.T) {
	raw := "Temos três planos:\n1. Essencial: até 50 clientes.\n2. Profissional: até 200 clientes.\n3. Premium: sem limite."
	got := Chunk(raw, 0, 300, ModeWhatsApp)
	want := []string{
		"Temos três planos:",
		"1. Essencial: até 50 clientes.",
		"2. Profissional: até 200 clientes.",
		"3. Premium: sem limite.",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestChunkKeepsLineBreaksWhenPacking(t *testing.T) {
	got := Chunk("Horários:\nSeg a sex, 9h às 18h.\nSábado, 9h às 13h.", 0, 300, ModeMarkdown)
	want := []string{"Horários:\nSeg a sex, 9h às 18h.\nSábado, 9h às 13h."}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestChunkEmpty(t *testing.T) {
	for _, raw := range []string{"", "   ", "\n\n"} {
		if got := Chunk(raw, 10, 100, ModeWhatsApp); len(got) != 0 {
			t.Errorf("Chunk(%q) = %q, want none", raw, got)
		}
	}
}

func TestChunkDeterministic(t *testing.T) {
	raw := "**Atenção**: o plano Profissional inclui relatórios, integrações e suporte prioritário, mas exige contrato anual. Quer saber mais?"
	c := New(Options{MinChars: 15, MaxChars: 50})
	first := c.Chunk(raw)
	for i := 0; i < 20; i++ {
		if diff := cmp.Diff(first, c.Chunk(raw)); diff != "" {
			t.Fatalf("run %d differs:\n%s", i, diff)
		}
	}
	if !strings.HasPrefix(first[0], "*Atenção*") {
		t.Errorf("first chunk = %q, want WhatsApp bold", first[0])
	}
}

func TestNewClampsBounds(t *testing.T) {
	tests := []struct {
		in   Options
		want Options
	}{
		{Options{}, Options{MinChars: 0, MaxChars: DefaultMaxChars, Mode: ModeWhatsApp}},
		{Options{MinChars: 500, MaxChars: -1}, Options{MinChars: DefaultMaxChars, MaxChars: DefaultMaxChars, Mode: ModeWhatsApp}},
		{Options{MinChars: -5, MaxChars: 50, Mode: ModePlain}, Options{MinChars: 0, MaxChars: 50, Mode: ModePlain}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, New(tt.in).Options()); diff != "" {
			t.Errorf("New(%+v) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestFormatWhatsApp(t *testing.T) {
	raw := "## Oferta\n**Plano Pro** com __bônus__ e ~~taxa~~\n- item um\n* item dois\nveja [o site](https://aurora.example) e use `CUPOM10`"
	want := "Oferta\n*Plano Pro* com _bônus_ e ~taxa~\n• item um\n• item dois\nveja o site (https://aurora.example) e use CUPOM10"
	if got := Format(raw, ModeWhatsApp, false); got != want {
		t.Errorf("Format() =\n%q\nwant\n%q", got, want)
	}
}

func TestFormatPlain(t *testing.T) {
	raw := "# Planos\n\n**Essencial** custa [R$ 99](https://aurora.example/p).\n\n- um\n- dois"
	got := Format(raw, ModePlain, false)
	for _, bad := range []string{"**", "#", "- "} {
		if strings.Contains(got, bad) {
			t.Errorf("Format(plain) = %q, still contains %q", got, bad)
		}
	}
	for _, want := range []string{"Planos", "Essencial custa R$ 99 (https://aurora.example/p).", "um", "dois"} {
		if !strings.Contains(got, want) {
			t.Errorf("Format(plain) = %q, missing %q", got, want)
		}
	}
}

func TestFormatMarkdownPassthrough(t *testing.T) {
	raw := "**negrito** e _itálico_"
	if got := Format(raw, ModeMarkdown, false); got != raw {
		t.Errorf("Format(markdown) = %q, want %q", got, raw)
	}
}

func TestFormatStripEmoji(t *testing.T) {
	got := Format("Olá! 😀 Tudo bem? 👍🏽 Até já ✨", ModeMarkdown, true)
	if want := "Olá! Tudo bem? Até já"; got != want {
		t.Errorf("Format(strip) = %q, want %q", got, want)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeWhatsApp, "WhatsApp": ModeWhatsApp, "plain": ModePlain, " markdown ": ModeMarkdown} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseMode("html"); err == nil {
		t.Error("ParseMode(html) = nil error")
	}
}

func TestSegments(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Fale com a Dra. Ana amanhã. Ela responde.", []string{"Fale com a Dra. Ana amanhã.", "Ela responde."}},
		{"Custa R$ 1.500,00 por ano! Incrível, né?", []string{"Custa R$ 1.500,00 por ano!", "Incrível, né?"}},
		{"Espere... ok.", []string{"Espere...", "ok."}},
		{"1. Primeiro item. Detalhe.", []string{"1. Primeiro item.", "Detalhe."}},
		{"linha um\nlinha dois", []string{"linha um", "linha dois"}},
		{"Ele disse \"sim.\" Depois saiu.", []string{"Ele disse \"sim.\"", "Depois saiu."}},
	}
	for _, tt := range tests {
		var got []string
		for _, p := range segments(tt.in) {
			got = append(got, string(p.text))
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("segments(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}
