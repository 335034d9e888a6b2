package account

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxswitch/voxswitch/internal/persist"
)

// memStore is a record-capable in-memory persist.Store for tests.
type memStore struct {
	mu     sync.Mutex
	tables map[string][]map[string]any
}

var _ persist.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{tables: make(map[string][]map[string]any)}
}

func (m *memStore) Append(ctx context.Context, a, e, s, c string) error    { return nil }
func (m *memStore) Overwrite(ctx context.Context, a, e, s, c string) error { return nil }
func (m *memStore) Read(ctx context.Context, a, e, s string) (string, error) {
	return "", persist.ErrNotFound
}
func (m *memStore) Delete(ctx context.Context, a, e, s string) error { return nil }
func (m *memStore) Exists(ctx context.Context, a, e, s string) (bool, error) {
	return false, nil
}

func (m *memStore) InsertRecord(ctx context.Context, table string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := make(map[string]any, len(data))
	for k, v := range data {
		row[k] = v
	}
	m.tables[table] = append(m.tables[table], row)
	return nil
}

func (m *memStore) UpdateRecord(ctx context.Context, table string, data, where map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.tables[table] {
		if rowMatches(row, where) {
			for k, v := range data {
				row[k] = v
			}
		}
	}
	return nil
}

func (m *memStore) ReadRecord(ctx context.Context, table string, where map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.tables[table] {
		if rowMatches(row, where) {
			return row, nil
		}
	}
	return nil, persist.ErrNotFound
}

func (m *memStore) DeleteRecord(ctx context.Context, table string, where map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []map[string]any
	for _, row := range m.tables[table] {
		if !rowMatches(row, where) {
			kept = append(kept, row)
		}
	}
	m.tables[table] = kept
	return nil
}

func (m *memStore) UsageSum(ctx context.Context, accountID string, fromMs, toMs int64) (*persist.UsageTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	var found bool
	for _, row := range m.tables["usage_events"] {
		if row["account_id"] != accountID {
			continue
		}
		ts, _ := row["ts_ms"].(int64)
		if (fromMs > 0 && ts < fromMs) || (toMs > 0 && ts > toMs) {
			continue
		}
		tokens, _ := row["total_tokens"].(int64)
		sum += tokens
		found = true
	}
	if !found {
		return nil, nil
	}
	return &persist.UsageTotals{TotalTokens: sum}, nil
}

func (m *memStore) Flush(ctx context.Context) error { return nil }
func (m *memStore) Shared() bool                    { return true }
func (m *memStore) Cleanup() error                  { return nil }

func rowMatches(row, where map[string]any) bool {
	for k, v := range where {
		if row[k] != v {
			return false
		}
	}
	return true
}

func TestKeyFromConfigString(t *testing.T) {
	t.Parallel()
	m := New("acc1=secret1, acc2=secret2,,broken", nil, slog.Default())

	key, err := m.Key(context.Background(), "acc1")
	if err != nil || key != "secret1" {
		t.Errorf("Key(acc1) = (%q, %v); want (secret1, nil)", key, err)
	}
	key, err = m.Key(context.Background(), "acc2")
	if err != nil || key != "secret2" {
		t.Errorf("Key(acc2) = (%q, %v); want (secret2, nil)", key, err)
	}
	if _, err := m.Key(context.Background(), "nope"); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("Key(nope) err = %v; want ErrUnknownAccount", err)
	}
}

func TestKeyFallsBackToDatabase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	store.InsertRecord(ctx, "accounts", map[string]any{"account_id": "db-acc", "api_key": "db-key"})

	m := New("acc1=secret1", store, slog.Default())

	// Config string wins when present.
	key, err := m.Key(ctx, "acc1")
	if err != nil || key != "secret1" {
		t.Errorf("Key(acc1) = (%q, %v); want config value", key, err)
	}
	key, err = m.Key(ctx, "db-acc")
	if err != nil || key != "db-key" {
		t.Errorf("Key(db-acc) = (%q, %v); want (db-key, nil)", key, err)
	}
}

func TestKeyUnsupportedBackend(t *testing.T) {
	t.Parallel()
	fs, err := persist.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m := New("", fs, slog.Default())
	if _, err := m.Key(context.Background(), "anyone"); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("Key err = %v; want ErrUnknownAccount for record-less backend", err)
	}
}

func TestMagicLinkRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := New("", newMemStore(), slog.Default())

	link, err := m.IssueLink(ctx, "acc", "sess")
	if err != nil {
		t.Fatalf("IssueLink: %v", err)
	}
	if link.Token == "" || link.ExpiresAt.Before(time.Now()) {
		t.Fatalf("issued link = %+v", link)
	}

	got, err := m.RedeemLink(ctx, link.Token)
	if err != nil {
		t.Fatalf("RedeemLink: %v", err)
	}
	if got.AccountID != "acc" || got.SessionID != "sess" {
		t.Errorf("redeemed link = %+v", got)
	}

	// Second redemption must fail.
	if _, err := m.RedeemLink(ctx, link.Token); !errors.Is(err, ErrLinkInvalid) {
		t.Errorf("second redeem err = %v; want ErrLinkInvalid", err)
	}
}

func TestMagicLinkExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	m := New("", store, slog.Default())
	m.linkTTL = -time.Minute // already expired on issue

	link, err := m.IssueLink(ctx, "acc", "sess")
	if err != nil {
		t.Fatalf("IssueLink: %v", err)
	}
	if _, err := m.RedeemLink(ctx, link.Token); !errors.Is(err, ErrLinkInvalid) {
		t.Errorf("redeem expired err = %v; want ErrLinkInvalid", err)
	}
}

func TestRedeemUnknownToken(t *testing.T) {
	t.Parallel()
	m := New("", newMemStore(), slog.Default())
	if _, err := m.RedeemLink(context.Background(), "no-such-token"); !errors.Is(err, ErrLinkInvalid) {
		t.Errorf("redeem unknown err = %v; want ErrLinkInvalid", err)
	}
}

func TestUsageAggregation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := New("", newMemStore(), slog.Default())

	m.RecordUsage(ctx, "acc", "sess", "openai", 100)
	m.RecordUsage(ctx, "acc", "sess", "gemini", 50)
	m.RecordUsage(ctx, "other", "sess2", "openai", 999)

	totals, err := m.Usage(ctx, "acc", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if totals == nil || totals.TotalTokens != 150 {
		t.Errorf("Usage = %+v; want 150 tokens", totals)
	}

	totals, err = m.Usage(ctx, "unseen", time.Time{}, time.Time{})
	if err != nil || totals != nil {
		t.Errorf("Usage(unseen) = (%+v, %v); want (nil, nil)", totals, err)
	}
}
