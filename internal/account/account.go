// Package account resolves account credentials and issues magic links.
//
// Key lookup is two-tiered: a process-global config string of
// "accountId=key" pairs answers first, and the persistence backend's
// accounts table answers on a miss. Deployments without a database run on
// the config string alone.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxswitch/voxswitch/internal/persist"
)

// ErrUnknownAccount is returned when neither the config string nor the
// database knows the account.
var ErrUnknownAccount = errors.New("account: unknown account")

// ErrLinkInvalid is returned for expired, used, or unknown magic links.
var ErrLinkInvalid = errors.New("account: magic link invalid")

// DefaultLinkTTL is how long an issued magic link stays redeemable.
const DefaultLinkTTL = 15 * time.Minute

// MagicLink is a single-use token granting access to one session.
type MagicLink struct {
	Token     string
	AccountID string
	SessionID string
	ExpiresAt time.Time
}

// Manager answers key lookups and manages magic links and usage records.
// Safe for concurrent use.
type Manager struct {
	log     *slog.Logger
	backend persist.Store // may be nil when the DB is disabled
	linkTTL time.Duration

	mu         sync.RWMutex
	staticKeys map[string]string
}

// New builds a Manager. keyPairs is the comma-separated "accountId=key"
// config string; malformed pairs are logged and skipped. backend may be nil.
func New(keyPairs string, backend persist.Store, log *slog.Logger) *Manager {
	m := &Manager{
		log:        log.With("component", "account"),
		backend:    backend,
		linkTTL:    DefaultLinkTTL,
		staticKeys: make(map[string]string),
	}
	for _, pair := range strings.Split(keyPairs, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, key, ok := strings.Cut(pair, "=")
		if !ok || id == "" || key == "" {
			m.log.Warn("skipping malformed account key pair", "pair", pair)
			continue
		}
		m.staticKeys[id] = key
	}
	return m
}

// Key returns the secret for accountID, consulting the config string first
// and the accounts table on a miss.
func (m *Manager) Key(ctx context.Context, accountID string) (string, error) {
	m.mu.RLock()
	key, ok := m.staticKeys[accountID]
	m.mu.RUnlock()
	if ok {
		return key, nil
	}
	if m.backend == nil {
		return "", ErrUnknownAccount
	}

	rec, err := m.backend.ReadRecord(ctx, "accounts", map[string]any{"account_id": accountID})
	if errors.Is(err, persist.ErrNotFound) || errors.Is(err, persist.ErrUnsupported) {
		return "", ErrUnknownAccount
	}
	if err != nil {
		return "", fmt.Errorf("account: lookup %s: %w", accountID, err)
	}
	key, _ = rec["api_key"].(string)
	if key == "" {
		return "", ErrUnknownAccount
	}
	return key, nil
}

// IssueLink creates a single-use magic link for one session. Requires a
// record-capable backend.
func (m *Manager) IssueLink(ctx context.Context, accountID, sessionID string) (*MagicLink, error) {
	if m.backend == nil {
		return nil, errors.New("account: magic links require a database backend")
	}
	link := &MagicLink{
		Token:     uuid.NewString(),
		AccountID: accountID,
		SessionID: sessionID,
		ExpiresAt: time.Now().Add(m.linkTTL),
	}
	err := m.backend.InsertRecord(ctx, "magic_links", map[string]any{
		"token":      link.Token,
		"account_id": link.AccountID,
		"session_id": link.SessionID,
		"expires_ms": link.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("account: issue link: %w", err)
	}
	return link, nil
}

// RedeemLink validates and consumes a magic link. A link can be redeemed at
// most once; expired and unknown tokens yield [ErrLinkInvalid].
func (m *Manager) RedeemLink(ctx context.Context, token string) (*MagicLink, error) {
	if m.backend == nil {
		return nil, ErrLinkInvalid
	}
	rec, err := m.backend.ReadRecord(ctx, "magic_links", map[string]any{"token": token})
	if errors.Is(err, persist.ErrNotFound) || errors.Is(err, persist.ErrUnsupported) {
		return nil, ErrLinkInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("account: redeem link: %w", err)
	}

	expiresMs := toInt64(rec["expires_ms"])
	link := &MagicLink{
		Token:     token,
		AccountID: asString(rec["account_id"]),
		SessionID: asString(rec["session_id"]),
		ExpiresAt: time.UnixMilli(expiresMs),
	}

	// Single use: delete before honoring, so a concurrent redeem of the
	// same token cannot also succeed against a fresh row.
	if err := m.backend.DeleteRecord(ctx, "magic_links", map[string]any{"token": token}); err != nil {
		return nil, fmt.Errorf("account: consume link: %w", err)
	}
	if time.Now().UnixMilli() > expiresMs {
		return nil, ErrLinkInvalid
	}
	return link, nil
}

// RecordUsage stores one usage event for billing aggregation. Without a
// record-capable backend this is a no-op.
func (m *Manager) RecordUsage(ctx context.Context, accountID, sessionID, provider string, totalTokens int64) {
	if m.backend == nil {
		return
	}
	err := m.backend.InsertRecord(ctx, "usage_events", map[string]any{
		"account_id":   accountID,
		"session_id":   sessionID,
		"provider":     provider,
		"total_tokens": totalTokens,
		"ts_ms":        time.Now().UnixMilli(),
	})
	if err != nil && !errors.Is(err, persist.ErrUnsupported) {
		m.log.Error("recording usage", "account_id", accountID, "error", err)
	}
}

// Usage aggregates an account's token usage between from and to. Zero times
// leave the window unbounded on that side.
func (m *Manager) Usage(ctx context.Context, accountID string, from, to time.Time) (*persist.UsageTotals, error) {
	if m.backend == nil {
		return nil, nil
	}
	var fromMs, toMs int64
	if !from.IsZero() {
		fromMs = from.UnixMilli()
	}
	if !to.IsZero() {
		toMs = to.UnixMilli()
	}
	totals, err := m.backend.UsageSum(ctx, accountID, fromMs, toMs)
	if errors.Is(err, persist.ErrUnsupported) {
		return nil, nil
	}
	return totals, err
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
