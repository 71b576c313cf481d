package violation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract for violation rows.
type Store interface {
	Insert(ctx context.Context, v *Violation) error
	ListByTenant(ctx context.Context, tenantID uuid.UUID, f ListFilter) ([]Violation, error)
	ListSince(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]Violation, error)
	DeleteOlderThan(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error)
}

// Alerter receives high-severity violations for dispatch. The violation
// reporter implements this; a nil alerter disables alerting.
type Alerter interface {
	ViolationAlert(ctx context.Context, v *Violation)
}

// Logger records violations and answers statistics queries.
type Logger struct {
	store   Store
	alerter Alerter
	logger  *slog.Logger
	now     func() time.Time
}

// NewLogger wires a violation logger. alerter may be nil.
func NewLogger(store Store, alerter Alerter) *Logger {
	return &Logger{
		store:   store,
		alerter: alerter,
		logger:  slog.Default().With("component", "violations"),
		now:     time.Now,
	}
}

// WithClock overrides the clock for tests.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

// Log persists a violation, deriving severity from its type, and routes
// high and critical violations to the alerter. The returned id is valid
// even when persistence failed; the failure is logged, not propagated.
func (l *Logger) Log(ctx context.Context, tenantID uuid.UUID, t Type, attemptedAction string, required []string, provided []string, vctx Context) uuid.UUID {
	v := &Violation{
		ViolationID:          uuid.New(),
		TenantID:             tenantID,
		TokenID:              vctx.TokenID,
		Type:                 t,
		AttemptedAction:      attemptedAction,
		RequiredCapability:   strings.Join(required, ", "),
		ProvidedCapabilities: provided,
		Endpoint:             vctx.Endpoint,
		HTTPMethod:           vctx.HTTPMethod,
		ClientIP:             vctx.ClientIP,
		UserAgent:            vctx.UserAgent,
		Subject:              vctx.Subject,
		Severity:             SeverityFor(t),
		Metadata:             vctx.Metadata,
		CreatedAt:            l.now().UTC(),
	}

	if err := l.store.Insert(ctx, v); err != nil {
		l.logger.Error("violation write failed", "violation_type", t, "error", err)
	}

	l.logAt(v)

	if l.alerter != nil && v.Severity.AtLeast(SeverityHigh) {
		l.alerter.ViolationAlert(ctx, v)
	}
	return v.ViolationID
}

func (l *Logger) logAt(v *Violation) {
	attrs := []any{
		"violation_id", v.ViolationID,
		"tenant_id", v.TenantID,
		"violation_type", v.Type,
		"attempted_action", v.AttemptedAction,
		"severity", v.Severity,
		"client_ip", v.ClientIP,
		"subject", v.Subject,
	}
	msg := "capability violation"
	switch v.Severity {
	case SeverityCritical, SeverityHigh:
		l.logger.Error(msg, attrs...)
	case SeverityMedium:
		l.logger.Warn(msg, attrs...)
	default:
		l.logger.Info(msg, attrs...)
	}
}

// List returns a tenant's violations, newest first.
func (l *Logger) List(ctx context.Context, tenantID uuid.UUID, f ListFilter) ([]Violation, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	rows, err := l.store.ListByTenant(ctx, tenantID, f)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	return rows, nil
}

// topN bounds the breakdown maps in Stats.
const topN = 10

// Stats aggregates a tenant's violations over the trailing window.
func (l *Logger) Stats(ctx context.Context, tenantID uuid.UUID, hours int) (*Stats, error) {
	if hours <= 0 {
		hours = 24
	}
	now := l.now().UTC()
	since := now.Add(-time.Duration(hours) * time.Hour)

	rows, err := l.store.ListSince(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("violation stats: %w", err)
	}

	stats := &Stats{
		PeriodHours:     hours,
		TotalViolations: len(rows),
		ByType:          make(map[Type]int),
		BySeverity:      make(map[Severity]int),
		GeneratedAt:     now,
	}
	actions := make(map[string]int)
	ips := make(map[string]int)
	for _, v := range rows {
		stats.ByType[v.Type]++
		stats.BySeverity[v.Severity]++
		actions[v.AttemptedAction]++
		if v.ClientIP != "" {
			ips[v.ClientIP]++
		}
	}
	stats.TopActions = topCounts(actions, topN)
	stats.TopClientIPs = topCounts(ips, topN)
	return stats, nil
}

func topCounts(counts map[string]int, n int) map[string]int {
	type kv struct {
		k string
		v int
	}
	all := make([]kv, 0, len(counts))
	for k, v := range counts {
		all = append(all, kv{k, v})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].v != all[j].v {
			return all[i].v > all[j].v
		}
		return all[i].k < all[j].k
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make(map[string]int, len(all))
	for _, e := range all {
		out[e.k] = e.v
	}
	return out
}

// retentionDays is the default violation retention.
const retentionDays = 90

// Cleanup removes violations older than days (default 90).
func (l *Logger) Cleanup(ctx context.Context, tenantID uuid.UUID, days int) (int64, error) {
	if days <= 0 {
		days = retentionDays
	}
	cutoff := l.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := l.store.DeleteOlderThan(ctx, tenantID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("violation cleanup: %w", err)
	}
	if n > 0 {
		l.logger.Info("violations cleaned up", "tenant_id", tenantID, "deleted", n)
	}
	return n, nil
}
