// Package storage provides keyed blob persistence for conversation records.
// Two implementations exist: Local (files on disk) and SSH (files on a
// remote host reached over SSH). Both store opaque byte payloads; neither
// interprets the record format.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Backend is the capability surface the session layer depends on.
// Keys are user identifiers, values are serialized conversation records.
type Backend interface {
	// Read returns the payload stored under key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores the payload under key, replacing any previous value.
	// Writes are atomic: readers never observe a partial payload.
	Write(ctx context.Context, key string, data []byte) error

	// List returns all keys with a stored payload, sorted ascending.
	List(ctx context.Context) ([]string, error)

	// Delete removes the payload stored under key, or returns ErrNotFound.
	Delete(ctx context.Context, key string) error
}

// Sentinel errors for storage operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound indicates no payload is stored under the requested key.
	ErrNotFound = errors.New("record not found")

	// ErrUnavailable indicates the backend could not be reached or the
	// operation failed for a transient reason. Callers may retry later;
	// the session layer switches to degraded mode on this error.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrAuth indicates an authentication or permission failure.
	// Not retryable: the configuration is wrong, not the network.
	ErrAuth = errors.New("storage authentication failed")

	// ErrInvalidKey indicates a key that fails validation. Keys become
	// file names and remote command arguments, so the charset is strict.
	ErrInvalidKey = errors.New("invalid storage key")
)

const (
	recordExt = ".json"
	tempExt   = ".json.tmp"

	maxKeyLen = 128
)

// ValidateKey rejects keys that could escape the data directory or break
// quoting when embedded in a remote command. Allowed: [A-Za-z0-9_.-]+,
// no leading dot, at most 128 bytes.
func ValidateKey(key string) error {
	if key == "" || len(key) > maxKeyLen {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if key[0] == '.' {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// recordFile maps a key to its file name within a data directory.
func recordFile(key string) string {
	return key + recordExt
}

// tempFile maps a key to its temporary file name used for atomic writes.
func tempFile(key string) string {
	return key + tempExt
}

// keyFromFile reverses recordFile. The second return is false for names
// that are not record files (temp files, lock files, unrelated entries).
func keyFromFile(name string) (string, bool) {
	if len(name) <= len(recordExt) {
		return "", false
	}
	if name[len(name)-len(recordExt):] != recordExt {
		return "", false
	}
	key := name[:len(name)-len(recordExt)]
	if ValidateKey(key) != nil {
		return "", false
	}
	return key, true
}
