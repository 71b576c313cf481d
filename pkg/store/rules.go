package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/anumate/enforcement-core/pkg/capability"
)

// RuleStore implements capability.RuleStore on tool_allow_lists.
type RuleStore struct {
	sql *SQL
}

const ruleColumns = `rule_id, tenant_id, capability_name, tool_pattern,
	action_pattern, rule_type, pattern_type, priority, is_active,
	description, created_at, updated_at`

func (s *RuleStore) Insert(ctx context.Context, r *capability.Rule) error {
	_, err := s.sql.exec(ctx, `
		INSERT INTO tool_allow_lists (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RuleID.String(), r.TenantID.String(), r.CapabilityName, r.ToolPattern,
		nullString(r.ActionPattern), string(r.RuleType), string(r.PatternType),
		r.Priority, r.IsActive, nullString(r.Description),
		r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return capability.ErrDuplicateRule
		}
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (s *RuleStore) ListActive(ctx context.Context, tenantID uuid.UUID) ([]capability.Rule, error) {
	return s.list(ctx, `
		SELECT `+ruleColumns+` FROM tool_allow_lists
		WHERE tenant_id = ? AND is_active = TRUE
		ORDER BY priority DESC, created_at`, tenantID.String())
}

func (s *RuleStore) List(ctx context.Context, tenantID uuid.UUID) ([]capability.Rule, error) {
	return s.list(ctx, `
		SELECT `+ruleColumns+` FROM tool_allow_lists
		WHERE tenant_id = ?
		ORDER BY priority DESC, created_at`, tenantID.String())
}

func (s *RuleStore) list(ctx context.Context, query string, args ...any) ([]capability.Rule, error) {
	rows, err := s.sql.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []capability.Rule
	for rows.Next() {
		var (
			r             capability.Rule
			id, tenant    string
			actionPattern sql.NullString
			description   sql.NullString
			ruleType      string
			patternType   string
		)
		err := rows.Scan(&id, &tenant, &r.CapabilityName, &r.ToolPattern,
			&actionPattern, &ruleType, &patternType, &r.Priority, &r.IsActive,
			&description, &r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if r.RuleID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("corrupt rule_id %q: %w", id, err)
		}
		if r.TenantID, err = uuid.Parse(tenant); err != nil {
			return nil, fmt.Errorf("corrupt tenant_id %q: %w", tenant, err)
		}
		r.ActionPattern = actionPattern.String
		r.Description = description.String
		r.RuleType = capability.RuleType(ruleType)
		r.PatternType = capability.PatternType(patternType)
		out = append(out, r)
	}
	return out, rows.Err()
}

// isUniqueViolation recognizes duplicate-key failures from both
// drivers: pq reports SQLSTATE 23505, modernc/sqlite reports a
// "UNIQUE constraint failed" message.
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
