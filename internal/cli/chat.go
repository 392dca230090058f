package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"charm.land/bubbles/v2/help"
	"charm.land/bubbles/v2/key"
	"charm.land/bubbles/v2/spinner"
	"charm.land/bubbles/v2/textarea"
	"charm.land/bubbles/v2/viewport"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/matiasw/chebot/internal/session"
	"github.com/matiasw/chebot/internal/translate"
)

var chatUser string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Translate interactively from the terminal",
	Long: `Open an interactive translation session in the terminal.

Uses the same conversation memory as the Telegram bot: context carries
across messages and the session persists to the configured storage.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatUser, "user", "u", "local", "session user id")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The UI owns the terminal, so logs go to the file only.
	var logger *slog.Logger
	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	} else {
		defer logFile.Close()
		logger = slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}

	backend, closeBackend, err := buildBackend(ctx, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	store, mgr := buildSessions(backend, logger, nil)

	translator, err := translate.New(cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("create translator: %w", err)
	}

	history, err := mgr.HandleHistory(ctx, chatUser, cfg.ContextWindow)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	model := newChatModel(ctx, mgr, translator, chatUser, history)
	program := tea.NewProgram(model, tea.WithContext(ctx))

	_, runErr := program.Run()

	// Flush on a fresh context so exit still reaches storage.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), flushTimeout)
	defer flushCancel()
	if ferr := store.Flush(flushCtx); ferr != nil {
		logger.Error("failed to flush sessions on exit", "error", ferr)
	}

	if runErr != nil {
		return fmt.Errorf("chat UI: %w", runErr)
	}
	return nil
}

// chatState represents the chat UI state machine.
type chatState int

const (
	chatInput    chatState = iota // Awaiting user input
	chatThinking                  // Waiting for the translation
)

const (
	translateTimeout = 60 * time.Second
	maxChatLines     = 200 // Maximum transcript lines kept in memory
)

// Layout constants for viewport height calculation.
const (
	separatorLines = 2 // Two separator lines (above and below input)
	helpLines      = 1 // Help bar height
	promptLines    = 1 // Prompt prefix line
	minViewport    = 3 // Minimum viewport height
)

// Transcript roles. The session roles cover user and assistant; system
// and error lines exist only for display.
const (
	lineUser      = "user"
	lineAssistant = "assistant"
	lineSystem    = "system"
	lineError     = "error"
)

// Slash command constants.
const (
	cmdNew  = "/new"
	cmdHelp = "/help"
	cmdExit = "/exit"
	cmdQuit = "/quit"
)

// chatLine is a transcript line for display.
type chatLine struct {
	role string
	text string
}

// translateDoneMsg carries the translation result.
type translateDoneMsg struct {
	reply string
	err   error
}

// resetDoneMsg carries the new conversation id.
type resetDoneMsg struct {
	convID string
	err    error
}

// chatStyles contains the lipgloss styles for the chat UI.
type chatStyles struct {
	Header    lipgloss.Style
	User      lipgloss.Style
	Assistant lipgloss.Style
	System    lipgloss.Style
	Error     lipgloss.Style
	Prompt    lipgloss.Style
	Separator lipgloss.Style
}

func defaultChatStyles() chatStyles {
	return chatStyles{
		Header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5FAFD7")),
		User:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")),
		Assistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		System:    lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("240")),
		Error:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Prompt:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")),
		Separator: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// chatKeyMap holds key bindings for the help bar.
type chatKeyMap struct {
	Submit     key.Binding
	Cancel     key.Binding
	Quit       key.Binding
	ScrollUp   key.Binding
	ScrollDown key.Binding
}

func newChatKeyMap() chatKeyMap {
	return chatKeyMap{
		Submit:     key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "enviar")),
		Cancel:     key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancelar")),
		Quit:       key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "salir")),
		ScrollUp:   key.NewBinding(key.WithKeys("pgup"), key.WithHelp("pgup", "subir")),
		ScrollDown: key.NewBinding(key.WithKeys("pgdown"), key.WithHelp("pgdn", "bajar")),
	}
}

// chatModel is the Bubble Tea model for the interactive translator.
type chatModel struct {
	mgr        *session.Manager
	translator *translate.Translator
	userID     string

	input    textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	help     help.Model
	keys     chatKeyMap

	state chatState
	lines []chatLine

	// thinkCancel cancels the in-flight translate or reset command.
	thinkCancel context.CancelFunc
	ctx         context.Context
	ctxCancel   context.CancelFunc

	width  int
	height int

	styles chatStyles
}

func newChatModel(ctx context.Context, mgr *session.Manager, tr *translate.Translator, userID string, history []session.Message) *chatModel {
	ctx, cancel := context.WithCancel(ctx)

	ta := textarea.New()
	ta.Placeholder = "Escribí algo para traducir..."
	ta.SetHeight(1)
	ta.SetWidth(120)
	ta.ShowLineNumbers = false

	cleanStyle := textarea.StyleState{
		Base:        lipgloss.NewStyle(),
		Text:        lipgloss.NewStyle(),
		Placeholder: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Prompt:      lipgloss.NewStyle(),
	}
	ta.SetStyles(textarea.Styles{Focused: cleanStyle, Blurred: cleanStyle})
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	// Keys are routed explicitly in handleKey; the viewport only scrolls
	// via mouse wheel and PgUp/PgDn.
	vp := viewport.New(viewport.WithWidth(80), viewport.WithHeight(20))
	vp.MouseWheelEnabled = true
	vp.SoftWrap = true
	vp.KeyMap = viewport.KeyMap{}

	m := &chatModel{
		mgr:        mgr,
		translator: tr,
		userID:     userID,
		ctx:        ctx,
		ctxCancel:  cancel,
		input:      ta,
		spinner:    sp,
		viewport:   vp,
		help:       help.New(),
		keys:       newChatKeyMap(),
		styles:     defaultChatStyles(),
		width:      80, // Default width until WindowSizeMsg arrives
	}

	for _, msg := range history {
		role := lineUser
		if msg.Role == session.RoleAssistant {
			role = lineAssistant
		}
		m.addLine(chatLine{role: role, text: msg.Text})
	}
	m.rebuildViewport()
	m.viewport.GotoBottom()

	return m
}

// addLine appends a transcript line and enforces the line bound.
func (m *chatModel) addLine(l chatLine) {
	m.lines = append(m.lines, l)
	if len(m.lines) > maxChatLines {
		m.lines = m.lines[len(m.lines)-maxChatLines:]
	}
}

// Init implements tea.Model.
func (m *chatModel) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		m.spinner.Tick,
		m.input.Focus(),
	)
}

// Update implements tea.Model.
func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		// Viewport height: total minus input, separators, and help bar
		inputHeight := m.input.Height() + promptLines
		fixedHeight := separatorLines + inputHeight + helpLines
		vpHeight := max(msg.Height-fixedHeight, minViewport)

		m.viewport.SetWidth(msg.Width)
		m.viewport.SetHeight(vpHeight)
		m.input.SetWidth(msg.Width - 4) // Room for "> " prompt
		m.help.SetWidth(msg.Width)

		m.rebuildViewport()
		return m, nil

	case tea.MouseWheelMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.state == chatThinking {
			m.rebuildViewport()
		}
		return m, cmd

	case translateDoneMsg:
		m.state = chatInput
		m.cancelThink()

		switch {
		case msg.err == nil:
			m.addLine(chatLine{role: lineAssistant, text: msg.reply})
		case errors.Is(msg.err, context.Canceled):
			m.addLine(chatLine{role: lineSystem, text: "(Cancelado)"})
		case errors.Is(msg.err, context.DeadlineExceeded):
			m.addLine(chatLine{role: lineError, text: "La traducción tardó demasiado. Probá de nuevo."})
		default:
			m.addLine(chatLine{role: lineError, text: msg.err.Error()})
		}
		m.rebuildViewport()
		m.viewport.GotoBottom()
		return m, m.input.Focus()

	case resetDoneMsg:
		m.state = chatInput
		m.cancelThink()

		if msg.err != nil {
			m.addLine(chatLine{role: lineError, text: msg.err.Error()})
		} else {
			m.lines = nil
			m.addLine(chatLine{role: lineSystem, text: "Listo, empezamos de nuevo. Conversación " + msg.convID + "."})
		}
		m.rebuildViewport()
		m.viewport.GotoBottom()
		return m, m.input.Focus()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *chatModel) handleKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	k := msg.Key()

	if k.Mod&tea.ModCtrl != 0 {
		switch k.Code {
		case 'c', 'd':
			return m, m.cleanup()
		}
	}

	switch k.Code {
	case tea.KeyEnter:
		if m.state == chatInput {
			return m.handleSubmit()
		}

	case tea.KeyEscape:
		// The canceled context surfaces through translateDoneMsg.
		if m.state == chatThinking {
			m.cancelThink()
		}

	case tea.KeyPgUp:
		m.viewport.PageUp()
		return m, nil

	case tea.KeyPgDown:
		m.viewport.PageDown()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *chatModel) handleSubmit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}

	if strings.HasPrefix(text, "/") {
		return m.handleSlashCommand(text)
	}

	m.addLine(chatLine{role: lineUser, text: text})
	m.input.Reset()
	m.state = chatThinking
	m.rebuildViewport()
	m.viewport.GotoBottom()

	return m, tea.Batch(m.spinner.Tick, m.translateCmd(text))
}

func (m *chatModel) handleSlashCommand(cmd string) (tea.Model, tea.Cmd) {
	m.input.Reset()

	switch cmd {
	case cmdNew:
		m.state = chatThinking
		m.rebuildViewport()
		return m, tea.Batch(m.spinner.Tick, m.resetCmd())

	case cmdHelp:
		m.addLine(chatLine{
			role: lineSystem,
			text: "Comandos: /new, /help, /exit\nAtajos: Enter envía, Esc cancela, Ctrl+C sale, PgUp/PgDn navega",
		})

	case cmdExit, cmdQuit:
		return m, m.cleanup()

	default:
		m.addLine(chatLine{role: lineError, text: "Comando desconocido: " + cmd})
	}

	m.rebuildViewport()
	m.viewport.GotoBottom()
	return m, nil
}

// translateCmd runs the translate round trip off the UI loop.
func (m *chatModel) translateCmd(text string) tea.Cmd {
	ctx, cancel := context.WithTimeout(m.ctx, translateTimeout)
	m.thinkCancel = cancel

	return func() tea.Msg {
		defer cancel()

		window, err := m.mgr.HandleMessage(ctx, m.userID, session.Message{Role: session.RoleUser, Text: text})
		if err != nil {
			return translateDoneMsg{err: err}
		}

		reply, err := m.translator.Translate(ctx, window)
		if err != nil {
			return translateDoneMsg{err: err}
		}

		// The reply is already in hand; a failed record write is not fatal.
		_, _ = m.mgr.HandleMessage(ctx, m.userID, session.Message{Role: session.RoleAssistant, Text: reply})

		return translateDoneMsg{reply: reply}
	}
}

// resetCmd starts a fresh conversation off the UI loop.
func (m *chatModel) resetCmd() tea.Cmd {
	ctx, cancel := context.WithTimeout(m.ctx, translateTimeout)
	m.thinkCancel = cancel

	return func() tea.Msg {
		defer cancel()
		id, err := m.mgr.HandleNew(ctx, m.userID)
		return resetDoneMsg{convID: id, err: err}
	}
}

func (m *chatModel) cancelThink() {
	if m.thinkCancel != nil {
		m.thinkCancel()
		m.thinkCancel = nil
	}
}

// cleanup cancels pending work and returns the quit command.
func (m *chatModel) cleanup() tea.Cmd {
	if m.ctxCancel != nil {
		m.ctxCancel()
		m.ctxCancel = nil
	}
	m.cancelThink()
	return tea.Quit
}

// View implements tea.Model.
func (m *chatModel) View() tea.View {
	var b strings.Builder

	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.renderSeparator())
	b.WriteString("\n")
	b.WriteString(m.styles.Prompt.Render("> "))
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.renderSeparator())
	b.WriteString("\n")
	b.WriteString(m.renderHelpBar())

	v := tea.NewView(b.String())
	v.AltScreen = true
	return v
}

// rebuildViewport reconstructs the viewport content from the transcript.
func (m *chatModel) rebuildViewport() {
	var b strings.Builder

	b.WriteString(m.styles.Header.Render("chebot"))
	b.WriteString("\n")
	b.WriteString(m.styles.System.Render("Traducción al español rioplatense con memoria de conversación. /help para los comandos."))
	b.WriteString("\n\n")

	for _, l := range m.lines {
		switch l.role {
		case lineUser:
			b.WriteString(m.styles.User.Render("Tú> "))
			b.WriteString(l.text)
		case lineAssistant:
			b.WriteString(m.styles.Assistant.Render("ES> "))
			b.WriteString(l.text)
		case lineSystem:
			b.WriteString(m.styles.System.Render(l.text))
		case lineError:
			b.WriteString(m.styles.Error.Render("Error: " + l.text))
		}
		b.WriteString("\n\n")
	}

	if m.state == chatThinking {
		b.WriteString(m.spinner.View())
		b.WriteString(" Traduciendo...\n\n")
	}

	m.viewport.SetContent(b.String())
}

func (m *chatModel) renderSeparator() string {
	width := m.width
	if width <= 0 {
		width = 80
	}
	return m.styles.Separator.Render(strings.Repeat("─", width))
}

func (m *chatModel) renderHelpBar() string {
	var bindings []key.Binding
	switch m.state {
	case chatInput:
		bindings = []key.Binding{m.keys.Submit, m.keys.Quit, m.keys.ScrollUp, m.keys.ScrollDown}
	case chatThinking:
		bindings = []key.Binding{m.keys.Cancel, m.keys.Quit}
	}
	return m.help.ShortHelpView(bindings)
}
