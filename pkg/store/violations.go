package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/violation"
)

// ViolationStore implements violation.Store on capability_violations.
type ViolationStore struct {
	sql *SQL
}

const violationColumns = `violation_id, tenant_id, token_id, violation_type,
	attempted_action, required_capability, provided_capabilities, endpoint,
	http_method, client_ip, user_agent, subject, severity, metadata,
	created_at`

func (s *ViolationStore) Insert(ctx context.Context, v *violation.Violation) error {
	provided, err := jsonText(v.ProvidedCapabilities)
	if err != nil {
		return err
	}
	metadata, err := jsonText(v.Metadata)
	if err != nil {
		return err
	}
	_, err = s.sql.exec(ctx, `
		INSERT INTO capability_violations (`+violationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ViolationID.String(), v.TenantID.String(), nullString(v.TokenID),
		string(v.Type), v.AttemptedAction, nullString(v.RequiredCapability),
		provided, nullString(v.Endpoint), nullString(v.HTTPMethod),
		nullString(v.ClientIP), nullString(v.UserAgent), nullString(v.Subject),
		string(v.Severity), metadata, v.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

func (s *ViolationStore) ListByTenant(ctx context.Context, tenantID uuid.UUID, f violation.ListFilter) ([]violation.Violation, error) {
	query := `SELECT ` + violationColumns + ` FROM capability_violations WHERE tenant_id = ?`
	args := []any{tenantID.String()}
	if f.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(f.Severity))
	}
	if f.Type != "" {
		query += ` AND violation_type = ?`
		args = append(args, string(f.Type))
	}
	query += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	return s.list(ctx, query, args...)
}

func (s *ViolationStore) ListSince(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]violation.Violation, error) {
	return s.list(ctx, `
		SELECT `+violationColumns+` FROM capability_violations
		WHERE tenant_id = ? AND created_at >= ?
		ORDER BY created_at DESC`, tenantID.String(), since.UTC())
}

func (s *ViolationStore) DeleteOlderThan(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	res, err := s.sql.exec(ctx, `
		DELETE FROM capability_violations
		WHERE tenant_id = ? AND created_at < ?`, tenantID.String(), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old violations: %w", err)
	}
	return res.RowsAffected()
}

func (s *ViolationStore) list(ctx context.Context, query string, args ...any) ([]violation.Violation, error) {
	rows, err := s.sql.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []violation.Violation
	for rows.Next() {
		var (
			v                  violation.Violation
			id, tenant         string
			tokenID            sql.NullString
			vtype, severity    string
			required, endpoint sql.NullString
			method, clientIP   sql.NullString
			userAgent, subject sql.NullString
			provided, metadata sql.NullString
		)
		err := rows.Scan(&id, &tenant, &tokenID, &vtype, &v.AttemptedAction,
			&required, &provided, &endpoint, &method, &clientIP, &userAgent,
			&subject, &severity, &metadata, &v.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		if v.ViolationID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("corrupt violation_id %q: %w", id, err)
		}
		if v.TenantID, err = uuid.Parse(tenant); err != nil {
			return nil, fmt.Errorf("corrupt tenant_id %q: %w", tenant, err)
		}
		v.TokenID = tokenID.String
		v.Type = violation.Type(vtype)
		v.Severity = violation.Severity(severity)
		v.RequiredCapability = required.String
		v.Endpoint = endpoint.String
		v.HTTPMethod = method.String
		v.ClientIP = clientIP.String
		v.UserAgent = userAgent.String
		v.Subject = subject.String
		if v.ProvidedCapabilities, err = decodeJSON[[]string](provided); err != nil {
			return nil, err
		}
		if v.Metadata, err = decodeJSON[map[string]any](metadata); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
