// Package persist defines the durable-storage contract consumed by the
// session pipeline (session configs and conversation logs) and by the
// account layer (accounts, magic links, usage), together with the two
// shipped backends: a per-session file tree (file.go) and a shared
// PostgreSQL store (postgres.go).
//
// The pipeline only ever touches the entity operations with entity names
// "sessions" and "conversations". Conversation appends are strictly
// append-only: every flushed byte is a prefix of every later read.
package persist

import (
	"context"
	"errors"
)

// Entity names used by the pipeline.
const (
	EntitySessions      = "sessions"
	EntityConversations = "conversations"
)

// ErrNotFound is returned by Read and ReadRecord when no value exists for
// the given key.
var ErrNotFound = errors.New("persist: not found")

// ErrUnsupported is returned by backends that do not implement the
// record-level portion of the contract (the file backend).
var ErrUnsupported = errors.New("persist: operation not supported by this backend")

// UsageTotals is the aggregate returned by [Store.UsageSum].
type UsageTotals struct {
	TotalTokens int64
}

// Store is the persistence contract. Implementations must be safe for
// concurrent use: the shared PostgreSQL backend serves every session in the
// process, and even a per-session file store sees concurrent access from
// the session's background flush writer.
type Store interface {
	// Append appends content to the value stored under (accountID, entity,
	// sessionID), creating it if absent.
	Append(ctx context.Context, accountID, entity, sessionID, content string) error

	// Overwrite replaces the value stored under the key.
	Overwrite(ctx context.Context, accountID, entity, sessionID, content string) error

	// Read returns the value stored under the key, or [ErrNotFound].
	Read(ctx context.Context, accountID, entity, sessionID string) (string, error)

	// Delete removes the value stored under the key. Deleting an absent key
	// is not an error.
	Delete(ctx context.Context, accountID, entity, sessionID string) error

	// Exists reports whether a value is stored under the key.
	Exists(ctx context.Context, accountID, entity, sessionID string) (bool, error)

	// InsertRecord inserts a row into table. Backends without tables return
	// [ErrUnsupported].
	InsertRecord(ctx context.Context, table string, data map[string]any) error

	// UpdateRecord updates rows in table matching where with the values in
	// data.
	UpdateRecord(ctx context.Context, table string, data, where map[string]any) error

	// ReadRecord returns the first row in table matching where, or
	// [ErrNotFound].
	ReadRecord(ctx context.Context, table string, where map[string]any) (map[string]any, error)

	// DeleteRecord removes rows in table matching where.
	DeleteRecord(ctx context.Context, table string, where map[string]any) error

	// UsageSum aggregates token usage for an account between fromMs and toMs
	// (Unix milliseconds; zero means unbounded). Returns nil when the
	// account has no usage rows.
	UsageSum(ctx context.Context, accountID string, fromMs, toMs int64) (*UsageTotals, error)

	// Flush forces buffered writes to durable storage.
	Flush(ctx context.Context) error

	// Shared reports whether this store is a process-wide singleton. A
	// shared store is never closed at session end; an exclusive store is
	// closed together with its session.
	Shared() bool

	// Cleanup releases the store's resources. Idempotent.
	Cleanup() error
}
