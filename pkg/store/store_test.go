package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/enforcement-core/pkg/capability"
	"github.com/anumate/enforcement-core/pkg/replay"
	"github.com/anumate/enforcement-core/pkg/token"
	"github.com/anumate/enforcement-core/pkg/usage"
	"github.com/anumate/enforcement-core/pkg/violation"
)

func newMock(t *testing.T, dialect Dialect) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return New(db, dialect), mock
}

func TestRebind(t *testing.T) {
	pg := New(nil, Postgres)
	assert.Equal(t, `SELECT * FROM t WHERE a = $1 AND b = $2`,
		pg.rebind(`SELECT * FROM t WHERE a = ? AND b = ?`))
	assert.Equal(t, `SELECT 1`, pg.rebind(`SELECT 1`))

	lite := New(nil, SQLite)
	assert.Equal(t, `SELECT * FROM t WHERE a = ?`,
		lite.rebind(`SELECT * FROM t WHERE a = ?`))
}

func TestMigrateRunsAllStatements(t *testing.T) {
	s, mock := newMock(t, SQLite)
	for range schemaStatements {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, s.Migrate(context.Background()))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

func sampleToken() *token.Token {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	return &token.Token{
		TokenID:      uuid.New(),
		JTI:          "jti-1",
		TenantID:     uuid.New(),
		Subject:      "agent-7",
		Capabilities: []string{"payments.execute"},
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
		Active:       true,
		TokenHash:    "hash",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestTokenInsert(t *testing.T) {
	s, mock := newMock(t, SQLite)
	tok := sampleToken()

	mock.ExpectExec("INSERT INTO capability_tokens").
		WithArgs(tok.TokenID.String(), tok.JTI, tok.TenantID.String(), tok.Subject,
			`["payments.execute"]`, tok.IssuedAt, tok.ExpiresAt, nil,
			true, int64(0), "hash", tok.CreatedAt, tok.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Tokens().Insert(context.Background(), tok))
}

func TestTokenGetByJTI(t *testing.T) {
	s, mock := newMock(t, SQLite)
	tok := sampleToken()

	columns := []string{"token_id", "token_jti", "tenant_id", "subject",
		"capabilities", "issued_at", "expires_at", "revoked_at", "active",
		"usage_count", "token_hash", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT .+ FROM capability_tokens WHERE token_jti").
		WithArgs("jti-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			tok.TokenID.String(), tok.JTI, tok.TenantID.String(), tok.Subject,
			`["payments.execute"]`, tok.IssuedAt, tok.ExpiresAt, nil, true,
			int64(3), "hash", tok.CreatedAt, tok.UpdatedAt))

	got, err := s.Tokens().GetByJTI(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.Equal(t, tok.TokenID, got.TokenID)
	assert.Equal(t, []string{"payments.execute"}, got.Capabilities)
	assert.Nil(t, got.RevokedAt)
	assert.Equal(t, int64(3), got.UsageCount)
}

func TestTokenGetByJTINotFound(t *testing.T) {
	s, mock := newMock(t, SQLite)
	mock.ExpectQuery("SELECT .+ FROM capability_tokens").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Tokens().GetByJTI(context.Background(), "missing")
	require.ErrorIs(t, err, token.ErrNotFound)
}

func TestTokenRevokeIdempotent(t *testing.T) {
	s, mock := newMock(t, SQLite)
	id := uuid.New()
	at := time.Now().UTC()

	mock.ExpectExec("UPDATE capability_tokens").
		WithArgs(at, at, id.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE capability_tokens").
		WithArgs(at, at, id.String()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.Tokens().Revoke(context.Background(), id, at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Tokens().Revoke(context.Background(), id, at)
	require.NoError(t, err)
	assert.False(t, ok, "second revoke finds nothing to update")
}

func TestTokenDeleteCascade(t *testing.T) {
	s, mock := newMock(t, SQLite)
	ids := []uuid.UUID{uuid.New(), uuid.New()}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT token_jti FROM capability_tokens").
		WithArgs(ids[0].String(), ids[1].String()).
		WillReturnRows(sqlmock.NewRows([]string{"token_jti"}).
			AddRow("jti-1").AddRow("jti-2"))
	mock.ExpectExec("DELETE FROM token_audit_logs").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("DELETE FROM replay_protection").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM capability_violations").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM token_usage_tracking").
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec("DELETE FROM capability_tokens").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	deleted, err := s.Tokens().DeleteCascade(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func TestTokenDeleteCascadeEmpty(t *testing.T) {
	s, _ := newMock(t, SQLite)
	deleted, err := s.Tokens().DeleteCascade(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestTokenDeleteCascadeRollsBack(t *testing.T) {
	s, mock := newMock(t, SQLite)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT token_jti FROM capability_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"token_jti"}).AddRow("jti-1"))
	mock.ExpectExec("DELETE FROM token_audit_logs").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := s.Tokens().DeleteCascade(context.Background(), []uuid.UUID{id})
	require.ErrorContains(t, err, "delete audit rows")
}

func TestAuditAppendNilTokenID(t *testing.T) {
	s, mock := newMock(t, SQLite)
	e := &token.AuditEntry{
		AuditID:   uuid.New(),
		TenantID:  uuid.New(),
		Operation: token.OpIssue,
		Status:    token.AuditFailure,
		CreatedAt: time.Now().UTC(),
	}
	mock.ExpectExec("INSERT INTO token_audit_logs").
		WithArgs(e.AuditID.String(), nil, e.TenantID.String(), "issue",
			"failure", nil, nil, nil, int64(0), nil, e.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.TokenAudit().Append(context.Background(), e))
}

func TestReplayUpsertReportsCount(t *testing.T) {
	s, mock := newMock(t, SQLite)
	now := time.Now().UTC()
	exp := now.Add(time.Minute)

	mock.ExpectQuery("INSERT INTO replay_protection").
		WithArgs("jti-1", "hash", exp, "10.0.0.1", int64(1), now, now).
		WillReturnRows(sqlmock.NewRows([]string{"token_jti", "token_hash",
			"expires_at", "first_seen_ip", "usage_count", "first_seen_at",
			"last_used_at"}).
			AddRow("jti-1", "hash", exp, "10.0.0.1", int64(2), now.Add(-time.Second), now))

	rec, err := s.Replay().Upsert(context.Background(), replay.Record{
		JTI: "jti-1", TokenHash: "hash", ExpiresAt: exp,
		FirstSeenIP: "10.0.0.1", UsageCount: 1, FirstSeenAt: now, LastUsedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.UsageCount)
	assert.Equal(t, "10.0.0.1", rec.FirstSeenIP)
}

func TestRuleInsertDuplicate(t *testing.T) {
	rule := &capability.Rule{
		RuleID:         uuid.New(),
		TenantID:       uuid.New(),
		CapabilityName: "payments.execute",
		ToolPattern:    "razorpay.*",
		RuleType:       capability.RuleAllow,
		PatternType:    capability.PatternGlob,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}

	t.Run("sqlite", func(t *testing.T) {
		s, mock := newMock(t, SQLite)
		mock.ExpectExec("INSERT INTO tool_allow_lists").
			WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: tool_allow_lists.tenant_id"))
		err := s.Rules().Insert(context.Background(), rule)
		require.ErrorIs(t, err, capability.ErrDuplicateRule)
	})

	t.Run("postgres", func(t *testing.T) {
		s, mock := newMock(t, Postgres)
		mock.ExpectExec("INSERT INTO tool_allow_lists").
			WillReturnError(&pq.Error{Code: "23505"})
		err := s.Rules().Insert(context.Background(), rule)
		require.ErrorIs(t, err, capability.ErrDuplicateRule)
	})

	t.Run("other errors pass through", func(t *testing.T) {
		s, mock := newMock(t, SQLite)
		mock.ExpectExec("INSERT INTO tool_allow_lists").
			WillReturnError(errors.New("connection reset"))
		err := s.Rules().Insert(context.Background(), rule)
		require.NotErrorIs(t, err, capability.ErrDuplicateRule)
		require.ErrorContains(t, err, "insert rule")
	})
}

func TestRuleListActive(t *testing.T) {
	s, mock := newMock(t, SQLite)
	tenantID := uuid.New()
	ruleID := uuid.New()
	now := time.Now().UTC()

	columns := []string{"rule_id", "tenant_id", "capability_name", "tool_pattern",
		"action_pattern", "rule_type", "pattern_type", "priority", "is_active",
		"description", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT .+ FROM tool_allow_lists WHERE tenant_id = \\? AND is_active").
		WithArgs(tenantID.String()).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			ruleID.String(), tenantID.String(), "payments.execute", "razorpay.*",
			nil, "allow", "glob", 100, true, nil, now, now))

	rules, err := s.Rules().ListActive(context.Background(), tenantID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, ruleID, rules[0].RuleID)
	assert.Equal(t, capability.RuleAllow, rules[0].RuleType)
	assert.Equal(t, capability.PatternGlob, rules[0].PatternType)
	assert.Empty(t, rules[0].ActionPattern)
}

func TestViolationInsert(t *testing.T) {
	s, mock := newMock(t, SQLite)
	v := &violation.Violation{
		ViolationID:          uuid.New(),
		TenantID:             uuid.New(),
		TokenID:              "jti-1",
		Type:                 violation.InsufficientCapability,
		AttemptedAction:      "Access to razorpay.payment_link",
		RequiredCapability:   "payments.execute",
		ProvidedCapabilities: []string{"read"},
		Severity:             violation.SeverityHigh,
		CreatedAt:            time.Now().UTC(),
	}
	mock.ExpectExec("INSERT INTO capability_violations").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Violations().Insert(context.Background(), v))
}

func TestViolationListByTenantBuildsFilters(t *testing.T) {
	s, mock := newMock(t, Postgres)
	tenantID := uuid.New()

	pattern := regexp.QuoteMeta("AND severity = $2 AND violation_type = $3")
	mock.ExpectQuery(pattern).
		WithArgs(tenantID.String(), "high", "insufficient_capability", 10, 5).
		WillReturnRows(sqlmock.NewRows([]string{"violation_id"}).AddRow("not-the-full-row"))

	_, err := s.Violations().ListByTenant(context.Background(), tenantID, violation.ListFilter{
		Severity: violation.SeverityHigh,
		Type:     violation.InsufficientCapability,
		Limit:    10,
		Offset:   5,
	})
	// the mock returns a row shape narrower than the scan expects; the
	// arguments and SQL matching are what this test pins down
	assert.Error(t, err)
}

func TestUsageListByTokenDefaultsLimit(t *testing.T) {
	s, mock := newMock(t, SQLite)
	tenantID := uuid.New()

	mock.ExpectQuery("SELECT .+ FROM token_usage_tracking").
		WithArgs(tenantID.String(), "jti-1", 100).
		WillReturnRows(sqlmock.NewRows([]string{"usage_id", "tenant_id", "token_id",
			"action_performed", "capabilities_used", "success", "endpoint",
			"http_method", "client_ip", "user_agent", "response_time_ms",
			"metadata", "created_at"}))

	records, err := s.Usage().ListByToken(context.Background(), tenantID, "jti-1", 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestUsageInsertEncodesJSON(t *testing.T) {
	s, mock := newMock(t, SQLite)
	r := &usage.Record{
		UsageID:          uuid.New(),
		TenantID:         uuid.New(),
		TokenID:          "jti-1",
		ActionPerformed:  "Access to razorpay.payment_link",
		CapabilitiesUsed: []string{"payments.execute"},
		Success:          true,
		Metadata:         map[string]any{"matched_rules": 1},
		CreatedAt:        time.Now().UTC(),
	}
	mock.ExpectExec("INSERT INTO token_usage_tracking").
		WithArgs(r.UsageID.String(), r.TenantID.String(), "jti-1",
			r.ActionPerformed, `["payments.execute"]`, true, nil, nil, nil, nil,
			int64(0), `{"matched_rules":1}`, r.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Usage().Insert(context.Background(), r))
}

func TestPolicyListEnabled(t *testing.T) {
	s, mock := newMock(t, SQLite)
	tenantID := uuid.New()

	mock.ExpectQuery("SELECT name, source FROM policies").
		WithArgs(tenantID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"name", "source"}).
			AddRow("tool-safety", `policy "tool-safety" { }`))

	policies, err := s.Policies().ListEnabled(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tool-safety": `policy "tool-safety" { }`}, policies)

	loader := s.Policies().Loader(tenantID)
	mock.ExpectQuery("SELECT name, source FROM policies").
		WithArgs(tenantID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"name", "source"}).
			AddRow("tool-safety", `policy "tool-safety" { }`))
	viaLoader, err := loader(context.Background())
	require.NoError(t, err)
	assert.Len(t, viaLoader, 1)
}

func TestPolicyDelete(t *testing.T) {
	s, mock := newMock(t, SQLite)
	tenantID := uuid.New()

	mock.ExpectExec("DELETE FROM policies").
		WithArgs(tenantID.String(), "tool-safety").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.Policies().Delete(context.Background(), tenantID, "tool-safety")
	require.NoError(t, err)
	assert.True(t, ok)
}
