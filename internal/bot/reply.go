package bot

import (
	"strings"
	"unicode"

	"github.com/matiasw/chebot/internal/session"
)

const (
	// maxMessageRunes stays under Telegram's 4096-character message cap.
	maxMessageRunes = 4000

	// historyRuneLimit keeps /history output one line per message.
	historyRuneLimit = 100
)

// splitMessage cuts text into chunks of at most max runes. It prefers to
// break on a newline, then on a space, so words arrive whole; only an
// unbroken run longer than max gets cut mid-word.
func splitMessage(text string, max int) []string {
	runes := []rune(text)
	if len(runes) <= max {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= max {
			chunks = append(chunks, string(runes))
			break
		}
		cut := max
		head := runes[:max+1] // a boundary right at max still yields a full chunk
		if i := lastRune(head, '\n'); i >= max/2 {
			cut = i
		} else if i := lastRune(head, ' '); i >= max/2 {
			cut = i
		}
		chunk := strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace)
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = runes[cut:]
		for len(runes) > 0 && unicode.IsSpace(runes[0]) {
			runes = runes[1:]
		}
	}
	return chunks
}

func lastRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

// formatHistory renders messages for /history, oldest first, one entry
// per message separated by blank lines, with the text bounded so long
// turns stay scannable.
func formatHistory(msgs []session.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		label := "*Tú:* "
		if m.Role == session.RoleAssistant {
			label = "*Traducción:* "
		}
		b.WriteString(label)
		b.WriteString(escapeMarkdown(truncate(m.Text, historyRuneLimit)))
	}
	return b.String()
}

// truncate bounds s to max runes, marking the cut with an ellipsis.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

var markdownEscaper = strings.NewReplacer(
	"*", `\*`,
	"_", `\_`,
	"`", "\\`",
	"[", `\[`,
)

// escapeMarkdown neutralizes the legacy Markdown control characters in
// user-supplied text so an unpaired * or _ cannot break the message.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
