package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/matiasw/chebot/internal/session"
)

// transcriptTheme holds the color scheme for transcript output.
type transcriptTheme struct {
	User      lipgloss.Color
	Assistant lipgloss.Color
	Time      lipgloss.Color
}

// defaultTranscript provides default colors.
var defaultTranscript = transcriptTheme{
	User:      lipgloss.Color("#5FAFD7"), // light blue
	Assistant: lipgloss.Color("#00D787"), // green
	Time:      lipgloss.Color("#6C6C6C"), // dim gray
}

func (t transcriptTheme) userStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.User).Bold(true)
}

func (t transcriptTheme) assistantStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Assistant).Bold(true)
}

func (t transcriptTheme) timeStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Time)
}

// renderTranscript formats conversation messages for terminal output.
func renderTranscript(msgs []session.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		ts := defaultTranscript.timeStyle().Render(msg.Time.Local().Format("2006-01-02 15:04"))

		var label string
		switch msg.Role {
		case session.RoleAssistant:
			label = defaultTranscript.assistantStyle().Render("Traducción:")
		default:
			label = defaultTranscript.userStyle().Render("Tú:")
		}

		fmt.Fprintf(&b, "%s  %s %s\n", ts, label, msg.Text)
	}
	return b.String()
}
