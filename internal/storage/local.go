package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockFile      = ".lock"
	lockTimeout   = 5 * time.Second
	lockRetryWait = 50 * time.Millisecond
)

// LocalConfig configures the on-disk backend.
type LocalConfig struct {
	// Dir is the flat data directory holding one file per key.
	// Created on construction if missing.
	Dir string
}

// Local stores records as files on the local filesystem. Writes land in a
// temporary file and are renamed onto the final path, so a concurrent
// reader sees either the previous record or the new one, never a torn
// write. A directory-wide file lock serializes writers across processes:
// the daemon and the admin CLI may share one data directory.
type Local struct {
	dir    string
	logger *slog.Logger
}

// NewLocal returns a Local rooted at cfg.Dir, creating the directory if
// needed. A nil logger falls back to slog.Default().
func NewLocal(cfg LocalConfig, logger *slog.Logger) (*Local, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("local storage: data dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", classifyFSError(err))
	}
	return &Local{dir: cfg.Dir, logger: logger}, nil
}

// Read implements Backend.
func (l *Local) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(l.dir, recordFile(key)))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, classifyFSError(err))
	}
	return data, nil
}

// Write implements Backend. The payload is complete on disk before the
// rename, so no reader ever observes a partial record.
func (l *Local) Write(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	unlock, err := l.lockDir(ctx)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	defer unlock()

	tmp := filepath.Join(l.dir, tempFile(key))
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", key, classifyFSError(err))
	}
	if err := os.Rename(tmp, filepath.Join(l.dir, recordFile(key))); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", key, classifyFSError(err))
	}
	return nil
}

// List implements Backend. Temp files and the lock file are skipped.
func (l *Local) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", classifyFSError(err))
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if key, ok := keyFromFile(e.Name()); ok {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Delete implements Backend.
func (l *Local) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	unlock, err := l.lockDir(ctx)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	defer unlock()

	if err := os.Remove(filepath.Join(l.dir, recordFile(key))); err != nil {
		return fmt.Errorf("delete %s: %w", key, classifyFSError(err))
	}
	return nil
}

// lockDir acquires the cross-process writer lock. The returned func
// releases it. Readers do not lock: the rename in Write is atomic.
func (l *Local) lockDir(ctx context.Context) (func(), error) {
	fl := flock.New(filepath.Join(l.dir, lockFile))
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, lockRetryWait)
	if err != nil {
		// Caller cancellation is not a storage failure. A lockCtx timeout
		// with a live caller is: another process is sitting on the lock.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: acquire dir lock: %v", ErrUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: dir lock held by another process", ErrUnavailable)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			l.logger.Warn("failed to release dir lock", "dir", l.dir, "err", err)
		}
	}, nil
}

// classifyFSError maps filesystem errors onto the storage sentinels.
func classifyFSError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrAuth, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
