package persist

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ Store = (*PGStore)(nil)

// DDL for the PostgreSQL backend. Statements are idempotent so Migrate can
// run on every startup.
const (
	ddlEntities = `
CREATE TABLE IF NOT EXISTS entities (
    account_id TEXT        NOT NULL,
    entity     TEXT        NOT NULL,
    session_id TEXT        NOT NULL,
    content    TEXT        NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (account_id, entity, session_id)
);`

	ddlAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id TEXT        PRIMARY KEY,
    api_key    TEXT        NOT NULL,
    name       TEXT        NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

	ddlMagicLinks = `
CREATE TABLE IF NOT EXISTS magic_links (
    token      TEXT        PRIMARY KEY,
    account_id TEXT        NOT NULL,
    session_id TEXT        NOT NULL,
    expires_ms BIGINT      NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

	ddlUsageEvents = `
CREATE TABLE IF NOT EXISTS usage_events (
    id           BIGSERIAL   PRIMARY KEY,
    account_id   TEXT        NOT NULL,
    session_id   TEXT        NOT NULL,
    provider     TEXT        NOT NULL,
    total_tokens BIGINT      NOT NULL DEFAULT 0,
    ts_ms        BIGINT      NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_events_account_ts ON usage_events (account_id, ts_ms);`
)

// recordTables is the allowlist for record-level operations. Table names
// arriving through the [Store] interface are never interpolated into SQL
// unless present here.
var recordTables = map[string]bool{
	"accounts":     true,
	"magic_links":  true,
	"usage_events": true,
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PGStore is the PostgreSQL-backed [Store]. It holds a single
// [pgxpool.Pool] shared by every session in the process, so Shared()
// reports true and the pool is closed once at shutdown rather than at
// session end.
//
// Entity values live in a single key/value table; Append concatenates
// server-side inside one statement so concurrent appenders never lose
// writes.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore establishes a connection pool to the database at dsn and runs
// [Migrate] to ensure all required tables exist.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Migrate creates all tables used by the store if they do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlEntities, ddlAccounts, ddlMagicLinks, ddlUsageEvents} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("exec ddl: %w", err)
		}
	}
	return nil
}

// Append concatenates content onto the stored value in a single upsert, so
// interleaved appends from different connections each land exactly once.
func (s *PGStore) Append(ctx context.Context, accountID, entity, sessionID, content string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entities (account_id, entity, session_id, content, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (account_id, entity, session_id)
		DO UPDATE SET content = entities.content || EXCLUDED.content, updated_at = now()`,
		accountID, entity, sessionID, content)
	if err != nil {
		return fmt.Errorf("postgres store: append: %w", err)
	}
	return nil
}

// Overwrite replaces the stored value.
func (s *PGStore) Overwrite(ctx context.Context, accountID, entity, sessionID, content string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entities (account_id, entity, session_id, content, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (account_id, entity, session_id)
		DO UPDATE SET content = EXCLUDED.content, updated_at = now()`,
		accountID, entity, sessionID, content)
	if err != nil {
		return fmt.Errorf("postgres store: overwrite: %w", err)
	}
	return nil
}

// Read returns the stored value, or [ErrNotFound].
func (s *PGStore) Read(ctx context.Context, accountID, entity, sessionID string) (string, error) {
	var content string
	err := s.pool.QueryRow(ctx, `
		SELECT content FROM entities
		WHERE account_id = $1 AND entity = $2 AND session_id = $3`,
		accountID, entity, sessionID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres store: read: %w", err)
	}
	return content, nil
}

// Delete removes the stored value. Deleting an absent key is not an error.
func (s *PGStore) Delete(ctx context.Context, accountID, entity, sessionID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM entities
		WHERE account_id = $1 AND entity = $2 AND session_id = $3`,
		accountID, entity, sessionID)
	if err != nil {
		return fmt.Errorf("postgres store: delete: %w", err)
	}
	return nil
}

// Exists reports whether a value is stored under the key.
func (s *PGStore) Exists(ctx context.Context, accountID, entity, sessionID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM entities
			WHERE account_id = $1 AND entity = $2 AND session_id = $3
		)`,
		accountID, entity, sessionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres store: exists: %w", err)
	}
	return exists, nil
}

// InsertRecord inserts a row into one of the allowlisted tables.
func (s *PGStore) InsertRecord(ctx context.Context, table string, data map[string]any) error {
	if err := checkTable(table); err != nil {
		return err
	}
	cols, args, err := sortedColumns(data)
	if err != nil {
		return err
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("postgres store: insert %s: %w", table, err)
	}
	return nil
}

// UpdateRecord updates rows in table matching where with the values in data.
func (s *PGStore) UpdateRecord(ctx context.Context, table string, data, where map[string]any) error {
	if err := checkTable(table); err != nil {
		return err
	}
	setCols, args, err := sortedColumns(data)
	if err != nil {
		return err
	}
	sets := make([]string, len(setCols))
	for i, c := range setCols {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
	}
	cond, args, err := whereClause(where, args)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(sets, ", "), cond)
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("postgres store: update %s: %w", table, err)
	}
	return nil
}

// ReadRecord returns the first row in table matching where, or [ErrNotFound].
func (s *PGStore) ReadRecord(ctx context.Context, table string, where map[string]any) (map[string]any, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	cond, args, err := whereClause(where, nil)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT * FROM %s%s LIMIT 1", table, cond)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: read %s: %w", table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("postgres store: read %s: %w", table, err)
		}
		return nil, ErrNotFound
	}
	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("postgres store: read %s values: %w", table, err)
	}
	record := make(map[string]any, len(values))
	for i, fd := range rows.FieldDescriptions() {
		record[fd.Name] = values[i]
	}
	return record, nil
}

// DeleteRecord removes rows in table matching where.
func (s *PGStore) DeleteRecord(ctx context.Context, table string, where map[string]any) error {
	if err := checkTable(table); err != nil {
		return err
	}
	cond, args, err := whereClause(where, nil)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("DELETE FROM %s%s", table, cond)
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("postgres store: delete %s: %w", table, err)
	}
	return nil
}

// UsageSum aggregates token usage for an account between fromMs and toMs.
func (s *PGStore) UsageSum(ctx context.Context, accountID string, fromMs, toMs int64) (*UsageTotals, error) {
	q := `SELECT count(*), COALESCE(sum(total_tokens), 0) FROM usage_events WHERE account_id = $1`
	args := []any{accountID}
	if fromMs > 0 {
		args = append(args, fromMs)
		q += fmt.Sprintf(" AND ts_ms >= $%d", len(args))
	}
	if toMs > 0 {
		args = append(args, toMs)
		q += fmt.Sprintf(" AND ts_ms <= $%d", len(args))
	}
	var count, sum int64
	if err := s.pool.QueryRow(ctx, q, args...).Scan(&count, &sum); err != nil {
		return nil, fmt.Errorf("postgres store: usage sum: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	return &UsageTotals{TotalTokens: sum}, nil
}

// Flush is a no-op: every operation commits immediately.
func (s *PGStore) Flush(ctx context.Context) error { return nil }

// Shared reports true: one PGStore serves the whole process.
func (s *PGStore) Shared() bool { return true }

// Cleanup closes the connection pool. Safe to call more than once.
func (s *PGStore) Cleanup() error {
	s.pool.Close()
	return nil
}

func checkTable(table string) error {
	if !recordTables[table] {
		return fmt.Errorf("postgres store: table %q not allowed", table)
	}
	return nil
}

// sortedColumns validates the column names in m and returns them in a
// deterministic order alongside their values.
func sortedColumns(m map[string]any) ([]string, []any, error) {
	if len(m) == 0 {
		return nil, nil, errors.New("postgres store: empty column set")
	}
	cols := make([]string, 0, len(m))
	for c := range m {
		if !identPattern.MatchString(c) {
			return nil, nil, fmt.Errorf("postgres store: invalid column %q", c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = m[c]
	}
	return cols, args, nil
}

// whereClause builds an AND condition from where, appending its values to
// args. Placeholder numbering continues from len(args).
func whereClause(where map[string]any, args []any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, errors.New("postgres store: empty where clause")
	}
	cols, vals, err := sortedColumns(where)
	if err != nil {
		return "", nil, err
	}
	conds := make([]string, len(cols))
	for i, c := range cols {
		args = append(args, vals[i])
		conds[i] = fmt.Sprintf("%s = $%d", c, len(args))
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}
