package bot

import (
	"strings"
	"testing"
	"time"

	"github.com/matiasw/chebot/internal/session"
)

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{
			name: "short text untouched",
			text: "hola que tal",
			max:  100,
			want: []string{"hola que tal"},
		},
		{
			name: "exactly max untouched",
			text: "abcde",
			max:  5,
			want: []string{"abcde"},
		},
		{
			name: "breaks on spaces",
			text: "hola que tal como andas",
			max:  10,
			want: []string{"hola que", "tal como", "andas"},
		},
		{
			name: "prefers newline over space",
			text: "primera linea\nsegunda parte mas larga",
			max:  20,
			want: []string{"primera linea", "segunda parte mas", "larga"},
		},
		{
			name: "hard cut without boundaries",
			text: strings.Repeat("x", 12),
			max:  5,
			want: []string{"xxxxx", "xxxxx", "xx"},
		},
		{
			name: "ignores early boundary",
			text: "a bcdefghijk",
			max:  6,
			want: []string{"a bcde", "fghijk"},
		},
		{
			name: "counts runes not bytes",
			text: "ñandú ñandú ñandú",
			max:  11,
			want: []string{"ñandú ñandú", "ñandú"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitMessage(tt.text, tt.max)
			if len(got) != len(tt.want) {
				t.Fatalf("splitMessage() = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk[%d] = %q, want %q", i, got[i], tt.want[i])
				}
				if n := len([]rune(got[i])); n > tt.max {
					t.Errorf("chunk[%d] is %d runes, max %d", i, n, tt.max)
				}
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"under limit", "hola", 10, "hola"},
		{"at limit", "hola", 4, "hola"},
		{"over limit", "abcdef", 4, "abc…"},
		{"unicode runes", "ñññññ", 3, "ññ…"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.in, tt.max); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}

func TestEscapeMarkdown(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plano", "plano"},
		{"*negrita*", `\*negrita\*`},
		{"_guion_", `\_guion\_`},
		{"un [link", `un \[link`},
		{"`codigo`", "\\`codigo\\`"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := escapeMarkdown(tt.in); got != tt.want {
				t.Errorf("escapeMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatHistory(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msgs := []session.Message{
		{Role: session.RoleUser, Text: "I bought bread", Time: base},
		{Role: session.RoleAssistant, Text: "compré pan", Time: base.Add(time.Second)},
		{Role: session.RoleUser, Text: strings.Repeat("larguísimo ", 20), Time: base.Add(2 * time.Second)},
	}

	got := formatHistory(msgs)
	entries := strings.Split(got, "\n\n")
	if len(entries) != 3 {
		t.Fatalf("formatHistory() produced %d entries, want 3:\n%s", len(entries), got)
	}
	if entries[0] != "*Tú:* I bought bread" {
		t.Errorf("entry[0] = %q", entries[0])
	}
	if entries[1] != "*Traducción:* compré pan" {
		t.Errorf("entry[1] = %q", entries[1])
	}
	if !strings.HasSuffix(entries[2], "…") {
		t.Errorf("long message not truncated: %q", entries[2])
	}
	if n := len([]rune(entries[2])); n > historyRuneLimit+len("*Tú:* ") {
		t.Errorf("entry[2] is %d runes", n)
	}
}

func TestFormatHistory_EscapesUserText(t *testing.T) {
	msgs := []session.Message{
		{Role: session.RoleUser, Text: "2*3 es _seis_"},
	}

	got := formatHistory(msgs)
	if !strings.Contains(got, `2\*3 es \_seis\_`) {
		t.Errorf("markdown not escaped: %q", got)
	}
}
