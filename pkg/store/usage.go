package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/usage"
)

// UsageStore implements usage.Store on token_usage_tracking.
type UsageStore struct {
	sql *SQL
}

const usageColumns = `usage_id, tenant_id, token_id, action_performed,
	capabilities_used, success, endpoint, http_method, client_ip,
	user_agent, response_time_ms, metadata, created_at`

func (s *UsageStore) Insert(ctx context.Context, r *usage.Record) error {
	caps, err := jsonText(r.CapabilitiesUsed)
	if err != nil {
		return err
	}
	metadata, err := jsonText(r.Metadata)
	if err != nil {
		return err
	}
	_, err = s.sql.exec(ctx, `
		INSERT INTO token_usage_tracking (`+usageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UsageID.String(), r.TenantID.String(), r.TokenID, r.ActionPerformed,
		caps, r.Success, nullString(r.Endpoint), nullString(r.HTTPMethod),
		nullString(r.ClientIP), nullString(r.UserAgent), r.ResponseTimeMS,
		metadata, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (s *UsageStore) ListSince(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]usage.Record, error) {
	return s.list(ctx, `
		SELECT `+usageColumns+` FROM token_usage_tracking
		WHERE tenant_id = ? AND created_at >= ?
		ORDER BY created_at DESC`, tenantID.String(), since.UTC())
}

func (s *UsageStore) ListByToken(ctx context.Context, tenantID uuid.UUID, tokenID string, limit int) ([]usage.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, `
		SELECT `+usageColumns+` FROM token_usage_tracking
		WHERE tenant_id = ? AND token_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, tenantID.String(), tokenID, limit)
}

func (s *UsageStore) DeleteOlderThan(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	res, err := s.sql.exec(ctx, `
		DELETE FROM token_usage_tracking
		WHERE tenant_id = ? AND created_at < ?`, tenantID.String(), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old usage records: %w", err)
	}
	return res.RowsAffected()
}

func (s *UsageStore) list(ctx context.Context, query string, args ...any) ([]usage.Record, error) {
	rows, err := s.sql.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []usage.Record
	for rows.Next() {
		var (
			r                  usage.Record
			id, tenant         string
			caps, metadata     sql.NullString
			endpoint, method   sql.NullString
			clientIP, userAgnt sql.NullString
		)
		err := rows.Scan(&id, &tenant, &r.TokenID, &r.ActionPerformed, &caps,
			&r.Success, &endpoint, &method, &clientIP, &userAgnt,
			&r.ResponseTimeMS, &metadata, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		if r.UsageID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("corrupt usage_id %q: %w", id, err)
		}
		if r.TenantID, err = uuid.Parse(tenant); err != nil {
			return nil, fmt.Errorf("corrupt tenant_id %q: %w", tenant, err)
		}
		r.Endpoint = endpoint.String
		r.HTTPMethod = method.String
		r.ClientIP = clientIP.String
		r.UserAgent = userAgnt.String
		if r.CapabilitiesUsed, err = decodeJSON[[]string](caps); err != nil {
			return nil, err
		}
		if r.Metadata, err = decodeJSON[map[string]any](metadata); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
