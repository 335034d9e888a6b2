package persist

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// FileStore persists values as plain files under a root directory, laid out
// as <root>/<account>/<entity>/<session>.log. Appends are real filesystem
// appends, so a partially written session log survives a process crash up
// to the last completed write.
//
// A FileStore instance is created per session and reports Shared() == false,
// so the owning session closes it during teardown. Record-level operations
// are not supported; deployments that need accounts or usage rows in the
// database use [PGStore].
type FileStore struct {
	root string

	mu sync.Mutex
}

// NewFileStore creates the root directory if needed and returns a store
// rooted there.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("file store: root directory must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("file store: create root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Append appends content to the session's file, creating parent directories
// and the file on first write.
func (s *FileStore) Append(ctx context.Context, accountID, entity, sessionID, content string) error {
	path, err := s.path(accountID, entity, sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("file store: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("file store: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("file store: append %s: %w", path, err)
	}
	return nil
}

// Overwrite replaces the session's file content atomically via a rename.
func (s *FileStore) Overwrite(ctx context.Context, accountID, entity, sessionID, content string) error {
	path, err := s.path(accountID, entity, sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("file store: create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("file store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("file store: rename %s: %w", tmp, err)
	}
	return nil
}

// Read returns the session's file content, or [ErrNotFound].
func (s *FileStore) Read(ctx context.Context, accountID, entity, sessionID string) (string, error) {
	path, err := s.path(accountID, entity, sessionID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("file store: read %s: %w", path, err)
	}
	return string(data), nil
}

// Delete removes the session's file. A missing file is not an error.
func (s *FileStore) Delete(ctx context.Context, accountID, entity, sessionID string) error {
	path, err := s.path(accountID, entity, sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file store: delete %s: %w", path, err)
	}
	return nil
}

// Exists reports whether the session's file exists.
func (s *FileStore) Exists(ctx context.Context, accountID, entity, sessionID string) (bool, error) {
	path, err := s.path(accountID, entity, sessionID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("file store: stat %s: %w", path, err)
	}
	return true, nil
}

// InsertRecord is not supported by the file backend.
func (s *FileStore) InsertRecord(ctx context.Context, table string, data map[string]any) error {
	return ErrUnsupported
}

// UpdateRecord is not supported by the file backend.
func (s *FileStore) UpdateRecord(ctx context.Context, table string, data, where map[string]any) error {
	return ErrUnsupported
}

// ReadRecord is not supported by the file backend.
func (s *FileStore) ReadRecord(ctx context.Context, table string, where map[string]any) (map[string]any, error) {
	return nil, ErrUnsupported
}

// DeleteRecord is not supported by the file backend.
func (s *FileStore) DeleteRecord(ctx context.Context, table string, where map[string]any) error {
	return ErrUnsupported
}

// UsageSum is not supported by the file backend.
func (s *FileStore) UsageSum(ctx context.Context, accountID string, fromMs, toMs int64) (*UsageTotals, error) {
	return nil, ErrUnsupported
}

// Flush is a no-op: every Append and Overwrite hits the filesystem directly.
func (s *FileStore) Flush(ctx context.Context) error { return nil }

// Shared reports false: each session owns its FileStore instance.
func (s *FileStore) Shared() bool { return false }

// Cleanup is a no-op beyond satisfying the [Store] contract; file handles
// are closed per operation.
func (s *FileStore) Cleanup() error { return nil }

// path maps a key to its on-disk location. Key components must not contain
// path separators or traversal sequences.
func (s *FileStore) path(accountID, entity, sessionID string) (string, error) {
	for _, part := range []string{accountID, entity, sessionID} {
		if part == "" || strings.ContainsAny(part, `/\`) || strings.Contains(part, "..") {
			return "", fmt.Errorf("file store: invalid key component %q", part)
		}
	}
	return filepath.Join(s.root, accountID, entity, sessionID+".log"), nil
}
