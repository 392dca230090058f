package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrCorruptRecord marks stored bytes that cannot be decoded as a
// session record. The store treats such records as absent: the user gets
// a fresh session and the next write replaces the bad bytes.
var ErrCorruptRecord = errors.New("corrupt session record")

// record is the stored JSON shape of a session. The schema is explicit
// here and nowhere else. Timestamps are RFC 3339 UTC.
type record struct {
	UserID     string    `json:"user_id"`
	ConvID     string    `json:"conversation_id,omitempty"`
	Messages   []Message `json:"messages"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// knownRecordFields lists the top-level keys owned by record. Everything
// else found in a stored document is preserved verbatim on round-trip.
var knownRecordFields = map[string]bool{
	"user_id":         true,
	"conversation_id": true,
	"messages":        true,
	"created_at":      true,
	"last_active":     true,
}

// encodeSession serializes s. Known fields marshal in schema order;
// preserved unknown fields follow in sorted key order, so encoding a
// given session is deterministic.
func encodeSession(s *Session) ([]byte, error) {
	rec := record{
		UserID:     s.UserID,
		ConvID:     s.ConvID,
		Messages:   s.Messages,
		CreatedAt:  s.CreatedAt.UTC(),
		LastActive: s.LastActive.UTC(),
	}
	if rec.Messages == nil {
		rec.Messages = []Message{}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if len(s.extra) == 0 {
		return data, nil
	}

	// Splice the preserved fields in before the closing brace.
	keys := make([]string, 0, len(s.extra))
	for k := range s.extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var buf bytes.Buffer
	buf.Write(data[:len(data)-1])
	for _, k := range keys {
		name, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("encode session: %w", err)
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(s.extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeSession parses stored bytes. Structural violations come back as
// ErrCorruptRecord; timestamps and message times pass through as-is, the
// store heals zero values on load.
func decodeSession(data []byte) (*Session, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if raw == nil {
		// JSON null decodes into a nil map without error.
		return nil, fmt.Errorf("%w: not a JSON object", ErrCorruptRecord)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	var extra map[string]json.RawMessage
	for k, v := range raw {
		if knownRecordFields[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}

	return &Session{
		UserID:     rec.UserID,
		ConvID:     rec.ConvID,
		Messages:   rec.Messages,
		CreatedAt:  rec.CreatedAt,
		LastActive: rec.LastActive,
		extra:      extra,
	}, nil
}
