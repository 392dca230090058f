package session

import (
	"context"
	"fmt"
	"log/slog"
)

// Manager defaults.
const (
	DefaultContextWindow = 10
	DefaultHistoryLimit  = 10
)

// ManagerConfig tunes conversation handling.
type ManagerConfig struct {
	// ContextWindow is how many trailing messages each incoming message
	// carries to the translator.
	ContextWindow int
}

// Manager is the conversation layer the front ends talk to. It owns no
// storage and no network: everything goes through the Store, so the bot
// and the CLI stay free of persistence concerns.
type Manager struct {
	store  *Store
	window int
	logger *slog.Logger
}

// NewManager wires a Manager over store. logger may be nil.
func NewManager(store *Store, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultContextWindow
	}
	return &Manager{
		store:  store,
		window: cfg.ContextWindow,
		logger: logger,
	}
}

// HandleMessage records msg in the user's session and returns the
// trailing context window, the new message included, oldest first.
func (m *Manager) HandleMessage(ctx context.Context, userID string, msg Message) ([]Message, error) {
	sess, err := m.store.Append(ctx, userID, msg)
	if err != nil {
		return nil, fmt.Errorf("handle message: %w", err)
	}
	return sess.Recent(m.window), nil
}

// HandleNew starts a fresh conversation for the user and returns its id.
func (m *Manager) HandleNew(ctx context.Context, userID string) (string, error) {
	sess, err := m.store.Reset(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("handle new: %w", err)
	}
	m.logger.Info("conversation reset", "user", userID, "conversation", sess.ConvID)
	return sess.ConvID, nil
}

// HandleHistory returns up to limit recent messages, oldest first.
// limit <= 0 uses DefaultHistoryLimit.
func (m *Manager) HandleHistory(ctx context.Context, userID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	msgs, err := m.store.History(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("handle history: %w", err)
	}
	return msgs, nil
}

// Users lists every user with stored conversation state.
func (m *Manager) Users(ctx context.Context) ([]string, error) {
	return m.store.Users(ctx)
}
