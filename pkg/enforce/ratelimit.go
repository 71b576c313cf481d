package enforce

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// tenantLimiter hands each tenant its own token bucket. Buckets are
// created on first sight and live for the process lifetime; tenant
// cardinality is bounded by the deployment.
type tenantLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[uuid.UUID]*rate.Limiter
}

func newTenantLimiter(perSecond float64, burst int) *tenantLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &tenantLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: map[uuid.UUID]*rate.Limiter{},
	}
}

func (l *tenantLimiter) allow(tenantID uuid.UUID) bool {
	l.mu.Lock()
	bucket, ok := l.buckets[tenantID]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[tenantID] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}
