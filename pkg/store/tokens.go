package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/token"
)

// TokenStore implements token.Store.
type TokenStore struct {
	sql *SQL
}

const tokenColumns = `token_id, token_jti, tenant_id, subject, capabilities,
	issued_at, expires_at, revoked_at, active, usage_count, token_hash,
	created_at, updated_at`

func (s *TokenStore) Insert(ctx context.Context, t *token.Token) error {
	caps, err := jsonText(t.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.sql.exec(ctx, `
		INSERT INTO capability_tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TokenID.String(), t.JTI, t.TenantID.String(), t.Subject, caps,
		t.IssuedAt.UTC(), t.ExpiresAt.UTC(), nullTime(t.RevokedAt),
		t.Active, t.UsageCount, t.TokenHash,
		t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *TokenStore) GetByJTI(ctx context.Context, jti string) (*token.Token, error) {
	row := s.sql.queryRow(ctx,
		`SELECT `+tokenColumns+` FROM capability_tokens WHERE token_jti = ?`, jti)
	return scanToken(row)
}

func (s *TokenStore) GetByID(ctx context.Context, id uuid.UUID) (*token.Token, error) {
	row := s.sql.queryRow(ctx,
		`SELECT `+tokenColumns+` FROM capability_tokens WHERE token_id = ?`, id.String())
	return scanToken(row)
}

// Revoke is idempotent: the second call finds no active unrevoked row
// and reports false.
func (s *TokenStore) Revoke(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := s.sql.exec(ctx, `
		UPDATE capability_tokens
		SET revoked_at = ?, active = FALSE, updated_at = ?
		WHERE token_id = ? AND revoked_at IS NULL`,
		at.UTC(), at.UTC(), id.String())
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *TokenStore) ExpiredBatch(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.sql.query(ctx, `
		SELECT token_id FROM capability_tokens
		WHERE expires_at < ?
		ORDER BY expires_at
		LIMIT ?`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt token_id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteCascade removes the tokens and every row that references them:
// audit logs by token id, replay/violation/usage rows by jti. One
// transaction, so a partial cleanup never survives.
func (s *TokenStore) DeleteCascade(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	idArgs := make([]any, len(ids))
	for i, id := range ids {
		idArgs[i] = id.String()
	}
	idSet := "(" + placeholders(len(ids)) + ")"

	tx, err := s.sql.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	jtiRows, err := tx.QueryContext(ctx, s.sql.rebind(
		`SELECT token_jti FROM capability_tokens WHERE token_id IN `+idSet), idArgs...)
	if err != nil {
		return 0, fmt.Errorf("resolve jtis: %w", err)
	}
	var jtis []any
	for jtiRows.Next() {
		var jti string
		if err := jtiRows.Scan(&jti); err != nil {
			_ = jtiRows.Close()
			return 0, err
		}
		jtis = append(jtis, jti)
	}
	if err := jtiRows.Err(); err != nil {
		_ = jtiRows.Close()
		return 0, err
	}
	_ = jtiRows.Close()

	if _, err := tx.ExecContext(ctx, s.sql.rebind(
		`DELETE FROM token_audit_logs WHERE token_id IN `+idSet), idArgs...); err != nil {
		return 0, fmt.Errorf("delete audit rows: %w", err)
	}

	if len(jtis) > 0 {
		jtiSet := "(" + placeholders(len(jtis)) + ")"
		for _, table := range []string{"replay_protection", "capability_violations", "token_usage_tracking"} {
			column := "token_jti"
			if table != "replay_protection" {
				column = "token_id"
			}
			if _, err := tx.ExecContext(ctx, s.sql.rebind(
				`DELETE FROM `+table+` WHERE `+column+` IN `+jtiSet), jtis...); err != nil {
				return 0, fmt.Errorf("delete %s rows: %w", table, err)
			}
		}
	}

	res, err := tx.ExecContext(ctx, s.sql.rebind(
		`DELETE FROM capability_tokens WHERE token_id IN `+idSet), idArgs...)
	if err != nil {
		return 0, fmt.Errorf("delete tokens: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}
	return deleted, nil
}

func (s *TokenStore) CountExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.sql.queryRow(ctx,
		`SELECT COUNT(*) FROM capability_tokens WHERE expires_at < ?`, cutoff.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count expired tokens: %w", err)
	}
	return n, nil
}

func scanToken(row *sql.Row) (*token.Token, error) {
	var (
		t         token.Token
		id        string
		tenant    string
		caps      sql.NullString
		revokedAt sql.NullTime
	)
	err := row.Scan(&id, &t.JTI, &tenant, &t.Subject, &caps,
		&t.IssuedAt, &t.ExpiresAt, &revokedAt, &t.Active, &t.UsageCount,
		&t.TokenHash, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan token: %w", err)
	}
	if t.TokenID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("corrupt token_id %q: %w", id, err)
	}
	if t.TenantID, err = uuid.Parse(tenant); err != nil {
		return nil, fmt.Errorf("corrupt tenant_id %q: %w", tenant, err)
	}
	if t.Capabilities, err = decodeJSON[[]string](caps); err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		at := revokedAt.Time
		t.RevokedAt = &at
	}
	return &t, nil
}

func placeholders(n int) string {
	switch n {
	case 0:
		return ""
	case 1:
		return "?"
	}
	out := make([]byte, 0, n*3-2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',', ' ')
		}
		out = append(out, '?')
	}
	return string(out)
}

// AuditLogStore implements token.AuditStore.
type AuditLogStore struct {
	sql *SQL
}

func (s *AuditLogStore) Append(ctx context.Context, e *token.AuditEntry) error {
	reqData, err := jsonText(e.RequestData)
	if err != nil {
		return err
	}
	respData, err := jsonText(e.ResponseData)
	if err != nil {
		return err
	}
	tokenID := any(nil)
	if e.TokenID != uuid.Nil {
		tokenID = e.TokenID.String()
	}
	_, err = s.sql.exec(ctx, `
		INSERT INTO token_audit_logs (audit_id, token_id, tenant_id, operation,
			status, request_data, response_data, error_message, duration_ms,
			correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.AuditID.String(), tokenID, e.TenantID.String(), string(e.Operation),
		string(e.Status), reqData, respData, nullString(e.ErrorMessage),
		e.DurationMS, nullString(e.CorrelationID), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// CleanupJobStore implements token.CleanupJobStore.
type CleanupJobStore struct {
	sql *SQL
}

func (s *CleanupJobStore) Create(ctx context.Context, j *token.CleanupJob) error {
	_, err := s.sql.exec(ctx, `
		INSERT INTO token_cleanup_jobs (job_id, status, started_at, completed_at,
			tokens_processed, tokens_cleaned, errors_encountered, duration_seconds,
			dry_run, batch_size, max_age_days, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.JobID.String(), string(j.Status), j.StartedAt.UTC(), nullTime(j.CompletedAt),
		j.TokensProcessed, j.TokensCleaned, j.ErrorsEncountered, j.DurationSeconds,
		j.DryRun, j.BatchSize, j.MaxAgeDays, nullString(j.ErrorMessage), j.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create cleanup job: %w", err)
	}
	return nil
}

func (s *CleanupJobStore) Update(ctx context.Context, j *token.CleanupJob) error {
	_, err := s.sql.exec(ctx, `
		UPDATE token_cleanup_jobs
		SET status = ?, completed_at = ?, tokens_processed = ?, tokens_cleaned = ?,
			errors_encountered = ?, duration_seconds = ?, error_message = ?
		WHERE job_id = ?`,
		string(j.Status), nullTime(j.CompletedAt), j.TokensProcessed, j.TokensCleaned,
		j.ErrorsEncountered, j.DurationSeconds, nullString(j.ErrorMessage),
		j.JobID.String())
	if err != nil {
		return fmt.Errorf("update cleanup job: %w", err)
	}
	return nil
}
