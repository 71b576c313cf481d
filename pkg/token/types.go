// Package token implements the capability token lifecycle: issuance,
// verification, refresh, revocation and retention cleanup. Tokens are
// short-lived Ed25519 JWTs; the plaintext token is never persisted, only
// its SHA-256 hash.
package token

import (
	"time"

	"github.com/google/uuid"
)

// Token is the persisted record of an issued capability token.
type Token struct {
	TokenID      uuid.UUID  `json:"token_id"`
	JTI          string     `json:"token_jti"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	Subject      string     `json:"subject"`
	Capabilities []string   `json:"capabilities"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	Active       bool       `json:"active"`
	UsageCount   int64      `json:"usage_count"`
	TokenHash    string     `json:"token_hash"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Valid reports whether the row is usable at instant now.
func (t *Token) Valid(now time.Time) bool {
	return t.Active && t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// Operation names the audited token operations.
type Operation string

const (
	OpIssue   Operation = "issue"
	OpVerify  Operation = "verify"
	OpRefresh Operation = "refresh"
	OpRevoke  Operation = "revoke"
	OpCleanup Operation = "cleanup"
)

// AuditStatus is the outcome recorded for an audited operation.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailure AuditStatus = "failure"
	AuditWarning AuditStatus = "warning"
)

// AuditEntry is an append-only record of a token operation.
type AuditEntry struct {
	AuditID       uuid.UUID      `json:"audit_id"`
	TokenID       uuid.UUID      `json:"token_id"`
	TenantID      uuid.UUID      `json:"tenant_id"`
	Operation     Operation      `json:"operation"`
	Status        AuditStatus    `json:"status"`
	RequestData   map[string]any `json:"request_data,omitempty"`
	ResponseData  map[string]any `json:"response_data,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	DurationMS    int64          `json:"duration_ms"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// CleanupStatus tracks a retention cleanup job.
type CleanupStatus string

const (
	CleanupRunning   CleanupStatus = "running"
	CleanupCompleted CleanupStatus = "completed"
	CleanupFailed    CleanupStatus = "failed"
)

// CleanupJob records one execution of the retention cleanup.
type CleanupJob struct {
	JobID             uuid.UUID     `json:"job_id"`
	Status            CleanupStatus `json:"status"`
	StartedAt         time.Time     `json:"started_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	TokensProcessed   int64         `json:"tokens_processed"`
	TokensCleaned     int64         `json:"tokens_cleaned"`
	ErrorsEncountered int           `json:"errors_encountered"`
	DurationSeconds   float64       `json:"duration_seconds"`
	DryRun            bool          `json:"dry_run"`
	BatchSize         int           `json:"batch_size"`
	MaxAgeDays        int           `json:"max_age_days"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// IssueRequest asks the service for a new token.
type IssueRequest struct {
	TenantID     uuid.UUID
	Subject      string
	Capabilities []string
	TTL          time.Duration
	ClientIP     string
	CorrelationID string
}

// IssueResult is returned on successful issuance. Token carries the signed
// compact JWT and appears nowhere else.
type IssueResult struct {
	Token        string    `json:"token"`
	TokenID      uuid.UUID `json:"token_id"`
	Subject      string    `json:"subject"`
	Capabilities []string  `json:"capabilities"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// RefreshResult is returned when an unexpired token is exchanged for a
// fresh one. The old token is revoked in the same operation.
type RefreshResult struct {
	Token        string    `json:"token"`
	TokenID      uuid.UUID `json:"token_id"`
	OldTokenID   uuid.UUID `json:"old_token_id"`
	Subject      string    `json:"subject"`
	Capabilities []string  `json:"capabilities"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// VerifyResult is the outcome of token verification. Replay detection does
// not invalidate the token; it is surfaced through Replayed and audited.
type VerifyResult struct {
	Valid      bool           `json:"valid"`
	Payload    map[string]any `json:"payload,omitempty"`
	Error      string         `json:"error,omitempty"`
	Replayed   bool           `json:"-"`
	UsageCount int64          `json:"-"`
}

// CleanupStats summarizes a cleanup run.
type CleanupStats struct {
	JobID             uuid.UUID `json:"job_id"`
	TokensProcessed   int64     `json:"tokens_processed"`
	TokensCleaned     int64     `json:"tokens_cleaned"`
	ErrorsEncountered int       `json:"errors_encountered"`
	DurationSeconds   float64   `json:"duration_seconds"`
	DryRun            bool      `json:"dry_run"`
}
