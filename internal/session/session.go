// Package session manages per-user conversation state: a bounded message
// history cached in memory, persisted through a storage backend, and
// orchestrated for the chat front ends by a Manager.
package session

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

// Message roles. Stored records may carry roles outside this set (written
// by newer versions); they pass through untouched.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	Time time.Time `json:"ts"`
}

// Session is one user's conversation state. Methods do no locking and no
// I/O; the Store serializes access per user and moves data to and from
// storage.
type Session struct {
	UserID     string
	ConvID     string
	Messages   []Message
	CreatedAt  time.Time
	LastActive time.Time

	// extra carries unknown record fields through a load/store cycle so
	// data written by newer versions survives this one.
	extra map[string]json.RawMessage
}

// New returns an empty session for userID stamped at now.
func New(userID string, now time.Time) *Session {
	return &Session{
		UserID:     userID,
		ConvID:     newConvID(),
		CreatedAt:  now,
		LastActive: now,
	}
}

func newConvID() string {
	return uuid.New().String()[:8] // short ID, shown to users
}

// Append adds msg and trims the history to the max most recent messages,
// dropping the oldest first. LastActive never moves backward, so a skewed
// message timestamp cannot rewind the session's recency.
func (s *Session) Append(msg Message, max int) {
	s.Messages = append(s.Messages, msg)
	if max > 0 && len(s.Messages) > max {
		s.Messages = slices.Delete(s.Messages, 0, len(s.Messages)-max)
	}
	if msg.Time.After(s.LastActive) {
		s.LastActive = msg.Time
	}
}

// Recent returns a copy of the trailing limit messages, oldest first.
// limit <= 0 returns the whole history.
func (s *Session) Recent(limit int) []Message {
	n := len(s.Messages)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Message, n)
	copy(out, s.Messages[len(s.Messages)-n:])
	return out
}

// Clone returns a deep copy sharing no mutable state with s.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Messages = slices.Clone(s.Messages)
	cp.extra = maps.Clone(s.extra)
	return &cp
}
