// Package store implements the SQL persistence layer behind the token,
// replay, capability, violation, usage and policy services. One
// portable implementation serves both Postgres (lib/pq) and SQLite
// (modernc.org/sqlite); queries are written with ? placeholders and
// rebound to $n for Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder style and driver error mapping.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// SQL is the shared database handle the typed stores hang off.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an opened database. The caller owns the pool.
func New(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

// Migrate creates the tables when they do not exist. The DDL is
// portable across both dialects.
func (s *SQL) Migrate(ctx context.Context) error {
	for _, ddl := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping reports database reachability for health checks.
func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Typed store accessors.

func (s *SQL) Tokens() *TokenStore          { return &TokenStore{sql: s} }
func (s *SQL) TokenAudit() *AuditLogStore   { return &AuditLogStore{sql: s} }
func (s *SQL) CleanupJobs() *CleanupJobStore { return &CleanupJobStore{sql: s} }
func (s *SQL) Replay() *ReplayStore         { return &ReplayStore{sql: s} }
func (s *SQL) Rules() *RuleStore            { return &RuleStore{sql: s} }
func (s *SQL) Violations() *ViolationStore  { return &ViolationStore{sql: s} }
func (s *SQL) Usage() *UsageStore           { return &UsageStore{sql: s} }
func (s *SQL) Policies() *PolicyStore       { return &PolicyStore{sql: s} }

// rebind converts ? placeholders to $n for Postgres. SQLite takes ?
// as-is.
func (s *SQL) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQL) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQL) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQL) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// jsonText encodes a value as JSON for a text column. Nil maps encode
// as SQL NULL.
func jsonText(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	case []string:
		if val == nil {
			return "[]", nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(raw), nil
}

func decodeJSON[T any](raw sql.NullString) (T, error) {
	var out T
	if !raw.Valid || raw.String == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return out, fmt.Errorf("decode json column: %w", err)
	}
	return out, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
