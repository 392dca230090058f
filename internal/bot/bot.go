// Package bot is the Telegram front end: it maps chats onto sessions,
// feeds incoming messages through the translator, and replies in chunks
// that respect Telegram's message limits.
package bot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v3"

	"github.com/matiasw/chebot/internal/metrics"
	"github.com/matiasw/chebot/internal/session"
)

const (
	pollTimeout    = 10 * time.Second
	handlerTimeout = 60 * time.Second

	// sendInterval paces replies to one message per 300ms per chat,
	// inside Telegram's flood limits.
	sendInterval = 300 * time.Millisecond
)

// User-facing strings. The bot speaks rioplatense Spanish.
const (
	msgWelcome = "¡Hola! Mandame cualquier texto o audio y te lo traduzco al español " +
		"argentino, teniendo en cuenta la conversación. Comandos: /new empieza una " +
		"conversación nueva, /history muestra los últimos mensajes."
	msgNewConversation  = "Listo, empezamos de nuevo. Conversación %s."
	msgEmptyHistory     = "Todavía no hay mensajes en esta conversación."
	msgTranslateFailed  = "No pude traducir eso ahora. Probá de nuevo en un rato."
	msgSomethingWrong   = "Algo salió mal. Probá de nuevo."
	msgVoiceUnsupported = "Todavía no puedo escuchar audios, mandame texto por favor."
	msgVoiceFailed      = "No pude procesar el audio. Probá de nuevo."
)

// Translator renders a conversation window's newest message into the
// target language.
type Translator interface {
	Translate(ctx context.Context, window []session.Message) (string, error)
}

// Transcriber turns a voice note into text. No implementation ships yet;
// when absent the bot declines voice messages.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader) (string, error)
}

// Config tunes the Telegram connection.
type Config struct {
	Token string

	// Offline skips the Telegram handshake. Used by tests.
	Offline bool
}

// Dependencies is everything the bot needs to serve chats. Transcriber,
// Stats and Logger are optional.
type Dependencies struct {
	Manager     *session.Manager
	Translator  Translator
	Transcriber Transcriber
	Stats       *metrics.Collector
	Logger      *slog.Logger
}

// Bot serves Telegram chats.
type Bot struct {
	tb          *tele.Bot
	manager     *session.Manager
	translator  Translator
	transcriber Transcriber
	stats       *metrics.Collector
	logger      *slog.Logger

	// ctx scopes handler work to the bot's lifetime. Set once in Start.
	ctx context.Context

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// New connects to Telegram and registers the chat handlers.
func New(cfg Config, deps Dependencies) (*Bot, error) {
	if cfg.Token == "" && !cfg.Offline {
		return nil, fmt.Errorf("telegram token required")
	}
	if deps.Manager == nil || deps.Translator == nil {
		return nil, fmt.Errorf("manager and translator required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pref := tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: pollTimeout},
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			if c != nil && c.Sender() != nil {
				logger.Error("handler failed", "user", c.Sender().ID, "error", err)
				return
			}
			logger.Error("handler failed", "error", err)
		},
	}
	tb, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	b := &Bot{
		tb:          tb,
		manager:     deps.Manager,
		translator:  deps.Translator,
		transcriber: deps.Transcriber,
		stats:       deps.Stats,
		logger:      logger,
		limiters:    make(map[int64]*rate.Limiter),
	}
	b.routes()
	return b, nil
}

func (b *Bot) routes() {
	b.tb.Handle("/start", b.onStart)
	b.tb.Handle("/new", b.onNew)
	b.tb.Handle("/history", b.onHistory)
	b.tb.Handle(tele.OnText, b.onText)
	b.tb.Handle(tele.OnVoice, b.onVoice)
}

// Start polls Telegram until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	b.ctx = ctx
	go func() {
		<-ctx.Done()
		b.tb.Stop()
	}()

	b.logger.Info("bot started", "username", b.tb.Me.Username)
	b.tb.Start()
	b.logger.Info("bot stopped")
	return nil
}

func (b *Bot) onStart(c tele.Context) error {
	return c.Send(msgWelcome)
}

func (b *Bot) onNew(c tele.Context) error {
	ctx, cancel := b.handlerCtx()
	defer cancel()

	convID, err := b.manager.HandleNew(ctx, senderID(c))
	if err != nil {
		b.logger.Error("new conversation failed", "user", senderID(c), "error", err)
		return c.Send(msgSomethingWrong)
	}
	return c.Send(fmt.Sprintf(msgNewConversation, convID))
}

func (b *Bot) onHistory(c tele.Context) error {
	ctx, cancel := b.handlerCtx()
	defer cancel()

	msgs, err := b.manager.HandleHistory(ctx, senderID(c), 0)
	if err != nil {
		b.logger.Error("history failed", "user", senderID(c), "error", err)
		return c.Send(msgSomethingWrong)
	}
	if len(msgs) == 0 {
		return c.Send(msgEmptyHistory)
	}
	return b.sendChunked(ctx, c, formatHistory(msgs), tele.ModeMarkdown)
}

func (b *Bot) onText(c tele.Context) error {
	text := strings.TrimSpace(c.Text())
	if text == "" {
		return nil
	}
	_ = c.Notify(tele.Typing)

	ctx, cancel := b.handlerCtx()
	defer cancel()

	out, err := b.translateAndRecord(ctx, senderID(c), text)
	if err != nil {
		b.logger.Error("translation failed", "user", senderID(c), "error", err)
		return c.Send(msgTranslateFailed)
	}
	return b.sendChunked(ctx, c, out)
}

func (b *Bot) onVoice(c tele.Context) error {
	if b.transcriber == nil {
		return c.Send(msgVoiceUnsupported)
	}
	_ = c.Notify(tele.Typing)

	ctx, cancel := b.handlerCtx()
	defer cancel()

	voice := c.Message().Voice
	audio, err := b.tb.File(&voice.File)
	if err != nil {
		b.logger.Error("voice download failed", "user", senderID(c), "error", err)
		return c.Send(msgVoiceFailed)
	}
	defer audio.Close()

	start := time.Now()
	text, err := b.transcriber.Transcribe(ctx, audio)
	if err != nil {
		b.stats.RecordError(metrics.OpTranscribe)
		b.logger.Error("transcription failed", "user", senderID(c), "error", err)
		return c.Send(msgVoiceFailed)
	}
	b.stats.RecordTiming(metrics.OpTranscribe, time.Since(start))

	text = strings.TrimSpace(text)
	if text == "" {
		return c.Send(msgVoiceFailed)
	}

	out, err := b.translateAndRecord(ctx, senderID(c), text)
	if err != nil {
		b.logger.Error("translation failed", "user", senderID(c), "error", err)
		return c.Send(msgTranslateFailed)
	}

	// Echo what was heard so the user can catch mistranscriptions.
	reply := fmt.Sprintf("_%s_\n\n%s", escapeMarkdown(text), escapeMarkdown(out))
	return b.sendChunked(ctx, c, reply, tele.ModeMarkdown)
}

// translateAndRecord runs the conversation step: record the incoming
// message, translate it with its context window, record the reply.
func (b *Bot) translateAndRecord(ctx context.Context, userID, text string) (string, error) {
	window, err := b.manager.HandleMessage(ctx, userID, session.Message{Role: session.RoleUser, Text: text})
	if err != nil {
		return "", err
	}

	out, err := b.translator.Translate(ctx, window)
	if err != nil {
		return "", err
	}

	if _, err := b.manager.HandleMessage(ctx, userID, session.Message{Role: session.RoleAssistant, Text: out}); err != nil {
		// The translation is already in hand; losing the record is the
		// lesser failure.
		b.logger.Warn("failed to record reply", "user", userID, "error", err)
	}
	return out, nil
}

// sendChunked delivers text as one or more messages, paced per chat.
func (b *Bot) sendChunked(ctx context.Context, c tele.Context, text string, opts ...interface{}) error {
	lim := b.limiter(c.Chat().ID)
	for _, chunk := range splitMessage(text, maxMessageRunes) {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		if err := c.Send(chunk, opts...); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func (b *Bot) limiter(chatID int64) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	lim, ok := b.limiters[chatID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(sendInterval), 1)
		b.limiters[chatID] = lim
	}
	return lim
}

func (b *Bot) handlerCtx() (context.Context, context.CancelFunc) {
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, handlerTimeout)
}

// senderID is the session key for a chat: the Telegram user id in
// decimal, stable across username changes.
func senderID(c tele.Context) string {
	if c.Sender() == nil {
		return ""
	}
	return strconv.FormatInt(c.Sender().ID, 10)
}
