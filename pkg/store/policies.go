package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Policy is a stored policy document in the enforcement DSL.
type Policy struct {
	PolicyID  uuid.UUID `json:"policy_id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Name      string    `json:"name"`
	Source    string    `json:"source"`
	Enabled   bool      `json:"enabled"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyStore persists policy sources per tenant. Its Loader method
// plugs directly into the policy gate.
type PolicyStore struct {
	sql *SQL
}

// Upsert inserts the policy or replaces its source, bumping version.
func (s *PolicyStore) Upsert(ctx context.Context, p *Policy) error {
	_, err := s.sql.exec(ctx, `
		INSERT INTO policies (policy_id, tenant_id, name, source, enabled,
			version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, name) DO UPDATE SET
			source = excluded.source,
			enabled = excluded.enabled,
			version = policies.version + 1,
			updated_at = excluded.updated_at`,
		p.PolicyID.String(), p.TenantID.String(), p.Name, p.Source, p.Enabled,
		p.Version, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

// ListEnabled returns enabled policies for a tenant as name -> source.
func (s *PolicyStore) ListEnabled(ctx context.Context, tenantID uuid.UUID) (map[string]string, error) {
	rows, err := s.sql.query(ctx, `
		SELECT name, source FROM policies
		WHERE tenant_id = ? AND enabled = TRUE`, tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("list enabled policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]string{}
	for rows.Next() {
		var name, source string
		if err := rows.Scan(&name, &source); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out[name] = source
	}
	return out, rows.Err()
}

// Delete removes a policy by name. Reports whether a row existed.
func (s *PolicyStore) Delete(ctx context.Context, tenantID uuid.UUID, name string) (bool, error) {
	res, err := s.sql.exec(ctx,
		`DELETE FROM policies WHERE tenant_id = ? AND name = ?`, tenantID.String(), name)
	if err != nil {
		return false, fmt.Errorf("delete policy: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Loader adapts the store to the policy gate's loader contract for a
// fixed tenant.
func (s *PolicyStore) Loader(tenantID uuid.UUID) func(ctx context.Context) (map[string]string, error) {
	return func(ctx context.Context) (map[string]string, error) {
		return s.ListEnabled(ctx, tenantID)
	}
}
