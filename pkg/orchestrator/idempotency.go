package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/anumate/enforcement-core/pkg/canonical"
)

// DefaultIdempotencyTTL bounds how long a cached response replays.
const DefaultIdempotencyTTL = 24 * time.Hour

// volatile request fields excluded from the idempotency fingerprint.
var idempotencyExcluded = []string{"correlation_id", "timestamp", "request_id"}

// IdempotencyStore caches successful execution responses in Redis so a
// replayed request re-issues the same response instead of re-running
// the plan.
type IdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewIdempotencyStore(client *redis.Client) *IdempotencyStore {
	return &IdempotencyStore{
		client: client,
		ttl:    DefaultIdempotencyTTL,
		logger: slog.Default().With("component", "idempotency"),
	}
}

// WithTTL overrides the cache TTL.
func (s *IdempotencyStore) WithTTL(ttl time.Duration) *IdempotencyStore {
	s.ttl = ttl
	return s
}

// Key derives the idempotency key from the tenant and the canonical
// hash of the request with its volatile fields removed.
func (s *IdempotencyStore) Key(tenantID uuid.UUID, request map[string]any) (string, error) {
	stable := make(map[string]any, len(request))
	for k, v := range request {
		stable[k] = v
	}
	for _, field := range idempotencyExcluded {
		delete(stable, field)
	}
	hash, err := canonical.Hash(stable)
	if err != nil {
		return "", fmt.Errorf("hash idempotency request: %w", err)
	}
	return fmt.Sprintf("idempotency:%s:%s", tenantID, hash), nil
}

// Check returns the cached response for the key, if any. Redis errors
// degrade to a miss.
func (s *IdempotencyStore) Check(ctx context.Context, key string) (*ExecuteResult, bool) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("idempotency check failed", "key", key, "error", err)
		}
		return nil, false
	}
	var result ExecuteResult
	if err := json.Unmarshal(raw, &result); err != nil {
		s.logger.Warn("cached idempotency response is corrupt", "key", key, "error", err)
		return nil, false
	}
	return &result, true
}

// Store caches a successful response under the key.
func (s *IdempotencyStore) Store(ctx context.Context, key string, result *ExecuteResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("encode idempotency response failed", "key", key, "error", err)
		return
	}
	if err := s.client.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		s.logger.Warn("store idempotency response failed", "key", key, "error", err)
	}
}
