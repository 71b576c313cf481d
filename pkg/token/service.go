package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/canonical"
	"github.com/anumate/enforcement-core/pkg/replay"
)

// Error categories callers branch on.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("token not found")
)

// Store is the persistence contract for token rows.
type Store interface {
	Insert(ctx context.Context, t *Token) error
	GetByJTI(ctx context.Context, jti string) (*Token, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Token, error)
	// Revoke marks the token revoked and inactive. Returns false when the
	// token is absent or already revoked (idempotent second call).
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// ExpiredBatch returns ids of tokens expired before cutoff, up to limit.
	ExpiredBatch(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	// DeleteCascade removes the tokens and their audit, replay, violation
	// and usage rows. Returns the number of token rows deleted.
	DeleteCascade(ctx context.Context, ids []uuid.UUID) (int64, error)
	CountExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditStore appends token audit entries.
type AuditStore interface {
	Append(ctx context.Context, e *AuditEntry) error
}

// CleanupJobStore persists cleanup job rows.
type CleanupJobStore interface {
	Create(ctx context.Context, j *CleanupJob) error
	Update(ctx context.Context, j *CleanupJob) error
}

// Service implements the capability token lifecycle.
type Service struct {
	keys   KeySet
	store  Store
	audit  AuditStore
	jobs   CleanupJobStore
	guard  replay.Guard
	maxTTL time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxTTL overrides the issuance TTL ceiling.
func WithMaxTTL(d time.Duration) Option {
	return func(s *Service) { s.maxTTL = d }
}

// NewService wires the token service.
func NewService(keys KeySet, store Store, audit AuditStore, jobs CleanupJobStore, guard replay.Guard, opts ...Option) *Service {
	s := &Service{
		keys:   keys,
		store:  store,
		audit:  audit,
		jobs:   jobs,
		guard:  guard,
		maxTTL: 300 * time.Second,
		logger: slog.Default().With("component", "captokens"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates, signs and persists a new capability token.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	started := s.now()

	if err := s.validateIssue(req); err != nil {
		return nil, err
	}

	tokenID := uuid.New()
	issuedAt := s.now().UTC().Truncate(time.Second)
	caps := canonical.NormalizeAll(req.Capabilities)

	claims := NewClaims(tokenID, req.TenantID, req.Subject, caps, issuedAt, req.TTL)
	signed, err := s.keys.Sign(ctx, claims)
	if err != nil {
		s.auditFailure(ctx, uuid.New(), req.TenantID, OpIssue, req.CorrelationID, started, err)
		return nil, fmt.Errorf("issue: %w", err)
	}

	row := &Token{
		TokenID:      tokenID,
		JTI:          tokenID.String(),
		TenantID:     req.TenantID,
		Subject:      req.Subject,
		Capabilities: caps,
		IssuedAt:     issuedAt,
		ExpiresAt:    issuedAt.Add(req.TTL),
		Active:       true,
		TokenHash:    canonical.HashBytes([]byte(signed)),
		CreatedAt:    issuedAt,
		UpdatedAt:    issuedAt,
	}
	if err := s.store.Insert(ctx, row); err != nil {
		s.auditFailure(ctx, tokenID, req.TenantID, OpIssue, req.CorrelationID, started, err)
		return nil, fmt.Errorf("issue: persist: %w", err)
	}

	s.auditSuccess(ctx, tokenID, req.TenantID, OpIssue, req.CorrelationID, started,
		map[string]any{"subject": req.Subject, "ttl_seconds": int(req.TTL.Seconds())},
		map[string]any{"token_id": tokenID.String(), "expires_at": row.ExpiresAt})

	return &IssueResult{
		Token:        signed,
		TokenID:      tokenID,
		Subject:      req.Subject,
		Capabilities: caps,
		IssuedAt:     issuedAt,
		ExpiresAt:    row.ExpiresAt,
	}, nil
}

func (s *Service) validateIssue(req IssueRequest) error {
	if req.TenantID == uuid.Nil {
		return fmt.Errorf("%w: tenant id required", ErrValidation)
	}
	if req.Subject == "" || len(req.Subject) > 255 {
		return fmt.Errorf("%w: subject must be 1-255 characters", ErrValidation)
	}
	if len(req.Capabilities) == 0 {
		return fmt.Errorf("%w: at least one capability required", ErrValidation)
	}
	if req.TTL < time.Second || req.TTL > s.maxTTL {
		return fmt.Errorf("%w: ttl must be within [1s, %s]", ErrValidation, s.maxTTL)
	}
	return nil
}

// Verify checks a presented token for the calling tenant. Verification
// never mutates the token row; replay use counts live on the replay record.
func (s *Service) Verify(ctx context.Context, tokenString string, tenantID uuid.UUID, clientIP string) (*VerifyResult, error) {
	started := s.now()

	claims := &CapabilityClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, s.keys.KeyFunc(),
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(TokenIssuer),
	)
	if err != nil {
		reason := "invalid signature"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "token expired"
		} else if errors.Is(err, jwt.ErrTokenMalformed) {
			reason = "malformed token"
		} else if errors.Is(err, jwt.ErrTokenInvalidIssuer) {
			reason = "invalid issuer"
		}
		return s.verifyRejected(ctx, tenantID, started, reason), nil
	}
	if !parsed.Valid {
		return s.verifyRejected(ctx, tenantID, started, "invalid token"), nil
	}

	if claims.TenantID != tenantID.String() || !hasAudience(claims, TenantAudience(tenantID)) {
		return s.verifyRejected(ctx, tenantID, started, "tenant mismatch"), nil
	}

	row, err := s.store.GetByJTI(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.verifyRejected(ctx, tenantID, started, "token not found"), nil
		}
		return nil, fmt.Errorf("verify: lookup: %w", err)
	}
	if row.RevokedAt != nil || !row.Active {
		return s.verifyRejected(ctx, tenantID, started, "token revoked"), nil
	}

	result := &VerifyResult{Valid: true, Payload: claims.PayloadMap()}

	if s.guard != nil {
		res, err := s.guard.CheckAndRecord(ctx, row.TokenHash, claims.ID, row.ExpiresAt, clientIP)
		if err != nil {
			// Replay protection must never fail the verification it audits.
			s.logger.Error("replay check failed", "jti", claims.ID, "error", err)
		} else {
			result.Replayed = res.IsReplay
			result.UsageCount = res.UsageCount
			if res.IsReplay {
				s.auditReplay(ctx, row, clientIP, res.UsageCount)
			}
		}
	}

	s.auditSuccess(ctx, row.TokenID, tenantID, OpVerify, "", started,
		nil, map[string]any{"subject": claims.Subject, "replayed": result.Replayed})
	return result, nil
}

func (s *Service) verifyRejected(ctx context.Context, tenantID uuid.UUID, started time.Time, reason string) *VerifyResult {
	entry := &AuditEntry{
		AuditID:      uuid.New(),
		TokenID:      uuid.New(), // synthetic: the token never resolved to a row
		TenantID:     tenantID,
		Operation:    OpVerify,
		Status:       AuditFailure,
		ErrorMessage: reason,
		DurationMS:   s.now().Sub(started).Milliseconds(),
		CreatedAt:    s.now().UTC(),
	}
	s.appendAudit(ctx, entry)
	return &VerifyResult{Valid: false, Error: reason}
}

func (s *Service) auditReplay(ctx context.Context, row *Token, clientIP string, count int64) {
	s.logger.Warn("token replay detected",
		"jti", row.JTI, "tenant_id", row.TenantID, "usage_count", count, "client_ip", clientIP)
	entry := &AuditEntry{
		AuditID:   uuid.New(),
		TokenID:   row.TokenID,
		TenantID:  row.TenantID,
		Operation: OpVerify,
		Status:    AuditWarning,
		ResponseData: map[string]any{
			"replay": true, "usage_count": count, "client_ip": clientIP,
		},
		CreatedAt: s.now().UTC(),
	}
	s.appendAudit(ctx, entry)
}

// Revoke marks a token revoked. Returns false when already revoked.
func (s *Service) Revoke(ctx context.Context, tokenID uuid.UUID, revokedBy string) (bool, error) {
	started := s.now()
	row, err := s.store.GetByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("revoke: lookup: %w", err)
	}

	ok, err := s.store.Revoke(ctx, tokenID, s.now().UTC())
	if err != nil {
		s.auditFailure(ctx, tokenID, row.TenantID, OpRevoke, "", started, err)
		return false, fmt.Errorf("revoke: %w", err)
	}
	if ok {
		s.auditSuccess(ctx, tokenID, row.TenantID, OpRevoke, "", started,
			map[string]any{"revoked_by": revokedBy}, nil)
	}
	return ok, nil
}

// Refresh exchanges a valid token for a fresh one with the same subject and
// capabilities. The old token is revoked in the same operation.
func (s *Service) Refresh(ctx context.Context, tokenString string, tenantID uuid.UUID, extendTTL time.Duration, clientIP string) (*RefreshResult, error) {
	started := s.now()

	verified, err := s.Verify(ctx, tokenString, tenantID, clientIP)
	if err != nil {
		return nil, err
	}
	if !verified.Valid {
		return nil, fmt.Errorf("%w: refresh rejected: %s", ErrValidation, verified.Error)
	}

	jti, _ := verified.Payload["jti"].(string)
	row, err := s.store.GetByJTI(ctx, jti)
	if err != nil {
		return nil, fmt.Errorf("refresh: lookup: %w", err)
	}

	if extendTTL <= 0 {
		extendTTL = time.Until(row.ExpiresAt)
	}
	if extendTTL < time.Second {
		extendTTL = time.Second
	}
	if extendTTL > s.maxTTL {
		extendTTL = s.maxTTL
	}

	if _, err := s.store.Revoke(ctx, row.TokenID, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("refresh: revoke old: %w", err)
	}

	issued, err := s.Issue(ctx, IssueRequest{
		TenantID:     tenantID,
		Subject:      row.Subject,
		Capabilities: row.Capabilities,
		TTL:          extendTTL,
		ClientIP:     clientIP,
	})
	if err != nil {
		return nil, fmt.Errorf("refresh: reissue: %w", err)
	}

	s.auditSuccess(ctx, issued.TokenID, tenantID, OpRefresh, "", started,
		map[string]any{"old_token_id": row.TokenID.String()},
		map[string]any{"token_id": issued.TokenID.String()})

	return &RefreshResult{
		Token:        issued.Token,
		TokenID:      issued.TokenID,
		OldTokenID:   row.TokenID,
		Subject:      issued.Subject,
		Capabilities: issued.Capabilities,
		ExpiresAt:    issued.ExpiresAt,
	}, nil
}

// maxCleanupErrors aborts a cleanup run once this many batches have failed.
const maxCleanupErrors = 5

// Cleanup deletes tokens expired longer than maxAgeDays ago, cascading to
// their audit, replay, violation and usage rows. Dry runs count only.
func (s *Service) Cleanup(ctx context.Context, batchSize, maxAgeDays int, dryRun bool) (*CleanupStats, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if maxAgeDays < 0 {
		return nil, fmt.Errorf("%w: max age must be >= 0 days", ErrValidation)
	}

	started := s.now()
	cutoff := started.UTC().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	job := &CleanupJob{
		JobID:      uuid.New(),
		Status:     CleanupRunning,
		StartedAt:  started.UTC(),
		DryRun:     dryRun,
		BatchSize:  batchSize,
		MaxAgeDays: maxAgeDays,
		CreatedAt:  started.UTC(),
	}
	if s.jobs != nil {
		if err := s.jobs.Create(ctx, job); err != nil {
			s.logger.Error("cleanup job row create failed", "error", err)
		}
	}

	if dryRun {
		count, err := s.store.CountExpired(ctx, cutoff)
		if err != nil {
			s.finishJob(ctx, job, CleanupFailed, err.Error(), started)
			return nil, fmt.Errorf("cleanup: count: %w", err)
		}
		job.TokensProcessed = count
		job.TokensCleaned = count
		s.finishJob(ctx, job, CleanupCompleted, "", started)
		return s.stats(job), nil
	}

	for {
		ids, err := s.store.ExpiredBatch(ctx, cutoff, batchSize)
		if err != nil {
			job.ErrorsEncountered++
			s.logger.Error("cleanup batch query failed", "error", err)
			if job.ErrorsEncountered > maxCleanupErrors {
				s.finishJob(ctx, job, CleanupFailed, err.Error(), started)
				return s.stats(job), fmt.Errorf("cleanup aborted: %w", err)
			}
			continue
		}
		if len(ids) == 0 {
			break
		}

		job.TokensProcessed += int64(len(ids))
		n, err := s.store.DeleteCascade(ctx, ids)
		if err != nil {
			job.ErrorsEncountered++
			s.logger.Error("cleanup batch delete failed", "error", err, "batch", len(ids))
			if job.ErrorsEncountered > maxCleanupErrors {
				s.finishJob(ctx, job, CleanupFailed, err.Error(), started)
				return s.stats(job), fmt.Errorf("cleanup aborted: %w", err)
			}
			continue
		}
		job.TokensCleaned += n

		if err := ctx.Err(); err != nil {
			s.finishJob(ctx, job, CleanupFailed, err.Error(), started)
			return s.stats(job), err
		}
	}

	s.finishJob(ctx, job, CleanupCompleted, "", started)
	s.auditSuccess(ctx, uuid.Nil, uuid.Nil, OpCleanup, "", started,
		map[string]any{"batch_size": batchSize, "max_age_days": maxAgeDays, "dry_run": dryRun},
		map[string]any{"tokens_cleaned": job.TokensCleaned})
	return s.stats(job), nil
}

func (s *Service) finishJob(ctx context.Context, job *CleanupJob, status CleanupStatus, errMsg string, started time.Time) {
	completed := s.now().UTC()
	job.Status = status
	job.CompletedAt = &completed
	job.DurationSeconds = completed.Sub(started).Seconds()
	job.ErrorMessage = errMsg
	if s.jobs != nil {
		if err := s.jobs.Update(ctx, job); err != nil {
			s.logger.Error("cleanup job row update failed", "error", err)
		}
	}
}

func (s *Service) stats(job *CleanupJob) *CleanupStats {
	return &CleanupStats{
		JobID:             job.JobID,
		TokensProcessed:   job.TokensProcessed,
		TokensCleaned:     job.TokensCleaned,
		ErrorsEncountered: job.ErrorsEncountered,
		DurationSeconds:   job.DurationSeconds,
		DryRun:            job.DryRun,
	}
}

// Audit writes are best-effort: a failed write is logged and never fails
// the operation it describes.
func (s *Service) appendAudit(ctx context.Context, entry *AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Error("audit write failed", "operation", entry.Operation, "error", err)
	}
}

func (s *Service) auditSuccess(ctx context.Context, tokenID, tenantID uuid.UUID, op Operation, correlationID string, started time.Time, req, resp map[string]any) {
	s.appendAudit(ctx, &AuditEntry{
		AuditID:       uuid.New(),
		TokenID:       tokenID,
		TenantID:      tenantID,
		Operation:     op,
		Status:        AuditSuccess,
		RequestData:   req,
		ResponseData:  resp,
		DurationMS:    s.now().Sub(started).Milliseconds(),
		CorrelationID: correlationID,
		CreatedAt:     s.now().UTC(),
	})
}

func (s *Service) auditFailure(ctx context.Context, tokenID, tenantID uuid.UUID, op Operation, correlationID string, started time.Time, cause error) {
	s.appendAudit(ctx, &AuditEntry{
		AuditID:       uuid.New(),
		TokenID:       tokenID,
		TenantID:      tenantID,
		Operation:     op,
		Status:        AuditFailure,
		ErrorMessage:  cause.Error(),
		DurationMS:    s.now().Sub(started).Milliseconds(),
		CorrelationID: correlationID,
		CreatedAt:     s.now().UTC(),
	})
}

func hasAudience(claims *CapabilityClaims, want string) bool {
	for _, aud := range claims.Audience {
		if aud == want {
			return true
		}
	}
	return false
}
