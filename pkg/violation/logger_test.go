package violation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memViolationStore struct {
	mu   sync.Mutex
	rows []Violation
	fail bool
}

func (m *memViolationStore) Insert(_ context.Context, v *Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return assert.AnError
	}
	m.rows = append(m.rows, *v)
	return nil
}

func (m *memViolationStore) ListByTenant(_ context.Context, tenantID uuid.UUID, f ListFilter) ([]Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Violation
	for _, v := range m.rows {
		if v.TenantID != tenantID {
			continue
		}
		if f.Severity != "" && v.Severity != f.Severity {
			continue
		}
		if f.Type != "" && v.Type != f.Type {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *memViolationStore) ListSince(_ context.Context, tenantID uuid.UUID, since time.Time) ([]Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Violation
	for _, v := range m.rows {
		if v.TenantID == tenantID && !v.CreatedAt.Before(since) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *memViolationStore) DeleteOlderThan(_ context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []Violation
	var deleted int64
	for _, v := range m.rows {
		if v.TenantID == tenantID && v.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, v)
	}
	m.rows = kept
	return deleted, nil
}

type capturingAlerter struct {
	mu    sync.Mutex
	seen  []Violation
}

func (a *capturingAlerter) ViolationAlert(_ context.Context, v *Violation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, *v)
}

func TestSeverityMapping(t *testing.T) {
	assert.Equal(t, SeverityCritical, SeverityFor(ReplayAttack))
	assert.Equal(t, SeverityCritical, SeverityFor(MalformedRequest))
	assert.Equal(t, SeverityHigh, SeverityFor(InvalidToken))
	assert.Equal(t, SeverityHigh, SeverityFor(RateLimitExceeded))
	assert.Equal(t, SeverityMedium, SeverityFor(InsufficientCapability))
	assert.Equal(t, SeverityMedium, SeverityFor(ToolBlocked))
	assert.Equal(t, SeverityLow, SeverityFor(ExpiredToken))
	assert.Equal(t, SeverityMedium, SeverityFor(Type("something_new")))
}

func TestLogRoutesHighSeverityToAlerter(t *testing.T) {
	store := &memViolationStore{}
	alerter := &capturingAlerter{}
	logger := NewLogger(store, alerter)
	tenant := uuid.New()

	logger.Log(context.Background(), tenant, ExpiredToken, "tool.call", nil, nil, Context{})
	logger.Log(context.Background(), tenant, ReplayAttack, "tool.call", nil, nil, Context{ClientIP: "10.0.0.9"})

	assert.Len(t, store.rows, 2)
	require.Len(t, alerter.seen, 1)
	assert.Equal(t, ReplayAttack, alerter.seen[0].Type)
	assert.Equal(t, "10.0.0.9", alerter.seen[0].ClientIP)
}

func TestLogSurvivesStoreFailure(t *testing.T) {
	store := &memViolationStore{fail: true}
	logger := NewLogger(store, nil)

	id := logger.Log(context.Background(), uuid.New(), InvalidToken, "x", nil, nil, Context{})
	assert.NotEqual(t, uuid.Nil, id)
}

func TestStatsWindowAndBreakdowns(t *testing.T) {
	store := &memViolationStore{}
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	logger := NewLogger(store, nil).WithClock(func() time.Time { return current })
	tenant := uuid.New()

	logger.Log(context.Background(), tenant, ToolBlocked, "postgres.drop", []string{"admin"}, []string{"read"}, Context{ClientIP: "1.1.1.1"})
	logger.Log(context.Background(), tenant, ToolBlocked, "postgres.drop", nil, nil, Context{ClientIP: "1.1.1.1"})
	logger.Log(context.Background(), tenant, InvalidToken, "verify", nil, nil, Context{ClientIP: "2.2.2.2"})

	// A row outside the window.
	old := current
	logger.now = func() time.Time { return old.Add(-48 * time.Hour) }
	logger.Log(context.Background(), tenant, ExpiredToken, "verify", nil, nil, Context{})
	logger.now = func() time.Time { return current }

	stats, err := logger.Stats(context.Background(), tenant, 24)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalViolations)
	assert.Equal(t, 2, stats.ByType[ToolBlocked])
	assert.Equal(t, 1, stats.ByType[InvalidToken])
	assert.Equal(t, 2, stats.BySeverity[SeverityMedium])
	assert.Equal(t, 1, stats.BySeverity[SeverityHigh])
	assert.Equal(t, 2, stats.TopActions["postgres.drop"])
	assert.Equal(t, 2, stats.TopClientIPs["1.1.1.1"])
}

func TestCleanupRetention(t *testing.T) {
	store := &memViolationStore{}
	current := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	logger := NewLogger(store, nil).WithClock(func() time.Time { return current })
	tenant := uuid.New()

	logger.now = func() time.Time { return current.Add(-100 * 24 * time.Hour) }
	logger.Log(context.Background(), tenant, ToolBlocked, "old", nil, nil, Context{})
	logger.now = func() time.Time { return current }
	logger.Log(context.Background(), tenant, ToolBlocked, "new", nil, nil, Context{})

	deleted, err := logger.Cleanup(context.Background(), tenant, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	rows, err := logger.List(context.Background(), tenant, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0].AttemptedAction)
}
