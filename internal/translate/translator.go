// Package translate turns a conversation window into an Argentine
// Spanish rendering of its newest message using langchaingo.
package translate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/matiasw/chebot/internal/config"
	"github.com/matiasw/chebot/internal/metrics"
	"github.com/matiasw/chebot/internal/session"
)

// defaultPrompt is compiled in so the bot works without a prompt file.
const defaultPrompt = `You are an Argentine Spanish translator. Translate the newest user message into casual Argentine Spanish (voseo, use "che" where natural). Use the earlier messages only to resolve context: pronouns, gender, register, slang, and ambiguous words. Return only the translation, nothing else.`

// Translator translates the newest message of a conversation window.
type Translator struct {
	llm       llms.Model
	modelName string
	prompt    string
	logger    *slog.Logger
	stats     *metrics.Collector
}

// New creates a translator for the configured provider. The system
// prompt comes from cfg.TranslatePromptFile when set, otherwise the
// compiled-in default is used. logger and stats may be nil.
func New(cfg config.Config, logger *slog.Logger, stats *metrics.Collector) (*Translator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var model llms.Model
	var err error

	switch cfg.TranslateProvider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.TranslateModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.TranslateModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.TranslateModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported translation provider: %s", cfg.TranslateProvider)
	}

	prompt := defaultPrompt
	if cfg.TranslatePromptFile != "" {
		data, err := os.ReadFile(cfg.TranslatePromptFile)
		if err != nil {
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
		logger.Info("loaded translation prompt", "file", cfg.TranslatePromptFile, "bytes", len(data))
	}

	return &Translator{
		llm:       model,
		modelName: cfg.TranslateModel,
		prompt:    prompt,
		logger:    logger,
		stats:     stats,
	}, nil
}

// Translate renders the newest message of window into Argentine
// Spanish. The window arrives oldest first; everything before the last
// message is context only.
func (t *Translator) Translate(ctx context.Context, window []session.Message) (string, error) {
	if len(window) == 0 {
		return "", fmt.Errorf("translate: empty context window")
	}

	messages := t.promptMessages(window)

	start := time.Now()
	response, err := t.llm.GenerateContent(ctx, messages)
	duration := time.Since(start)
	if err != nil {
		t.stats.RecordError(metrics.OpTranslate)
		t.logger.Warn("translation failed",
			"model", t.modelName, "window", len(window), "duration_ms", duration.Milliseconds(), "error", err)
		return "", fmt.Errorf("translate: %w", err)
	}
	if len(response.Choices) == 0 {
		t.stats.RecordError(metrics.OpTranslate)
		return "", fmt.Errorf("translate: no response choices")
	}
	out := strings.TrimSpace(response.Choices[0].Content)
	if out == "" {
		t.stats.RecordError(metrics.OpTranslate)
		return "", fmt.Errorf("translate: empty response")
	}

	t.stats.RecordTiming(metrics.OpTranslate, duration)
	t.logger.Debug("translation complete",
		"model", t.modelName, "window", len(window), "duration_ms", duration.Milliseconds())
	return out, nil
}

// Model returns the configured model name.
func (t *Translator) Model() string {
	return t.modelName
}

// promptMessages lays out the LLM conversation: the system prompt, then
// each window message as its own turn. Messages with roles this version
// does not know are left out rather than misattributed to the user.
func (t *Translator) promptMessages(window []session.Message) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(window)+1)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, t.prompt))
	for _, m := range window {
		ct, ok := chatType(m.Role)
		if !ok {
			continue
		}
		messages = append(messages, llms.TextParts(ct, m.Text))
	}
	return messages
}

// chatType maps stored roles onto langchaingo chat roles.
func chatType(r session.Role) (llms.ChatMessageType, bool) {
	switch r {
	case session.RoleUser:
		return llms.ChatMessageTypeHuman, true
	case session.RoleAssistant:
		return llms.ChatMessageTypeAI, true
	default:
		return "", false
	}
}
