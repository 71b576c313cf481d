// Package usage tracks token usage, derives windowed statistics and
// detects anomalous usage patterns. Usage rows are immutable once
// written; the caller treats writes as best-effort.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Record is one tracked token use.
type Record struct {
	UsageID          uuid.UUID      `json:"usage_id"`
	TenantID         uuid.UUID      `json:"tenant_id"`
	TokenID          string         `json:"token_id"`
	ActionPerformed  string         `json:"action_performed"`
	CapabilitiesUsed []string       `json:"capabilities_used"`
	Success          bool           `json:"success"`
	Endpoint         string         `json:"endpoint,omitempty"`
	HTTPMethod       string         `json:"http_method,omitempty"`
	ClientIP         string         `json:"client_ip,omitempty"`
	UserAgent        string         `json:"user_agent,omitempty"`
	ResponseTimeMS   int64          `json:"response_time_ms,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Context carries request detail captured alongside a usage record.
type Context struct {
	Endpoint       string
	HTTPMethod     string
	ClientIP       string
	UserAgent      string
	ResponseTimeMS int64
	Metadata       map[string]any
}

// Stats aggregates usage over a trailing window.
type Stats struct {
	PeriodHours       int              `json:"period_hours"`
	TokenID           string           `json:"token_id,omitempty"`
	TotalUsage        int              `json:"total_usage"`
	SuccessfulUsage   int              `json:"successful_usage"`
	SuccessRatePct    float64          `json:"success_rate_pct"`
	AvgResponseTimeMS float64          `json:"avg_response_time_ms"`
	TopActions        map[string]int   `json:"top_actions"`
	HourlyUsage       map[string]int   `json:"hourly_usage"`
	MostActiveTokens  []TokenActivity  `json:"most_active_tokens"`
	GeneratedAt       time.Time        `json:"generated_at"`
}

// TokenActivity is one entry of the most-active-tokens breakdown.
type TokenActivity struct {
	TokenID string `json:"token_id"`
	Count   int    `json:"count"`
}

// Anomaly is one detected irregular usage pattern.
type Anomaly struct {
	Type              string  `json:"type"`
	TokenID           string  `json:"token_id"`
	Severity          string  `json:"severity"`
	FailureRate       float64 `json:"failure_rate,omitempty"`
	TotalAttempts     int     `json:"total_attempts,omitempty"`
	UsageCount        int     `json:"usage_count,omitempty"`
	AverageUsage      float64 `json:"average_usage,omitempty"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms,omitempty"`
	BaselineAvgMS     float64 `json:"baseline_avg_ms,omitempty"`
}

// Insights summarizes capability usage over a longer window.
type Insights struct {
	PeriodHours          int                 `json:"period_hours"`
	TotalRecordsAnalyzed int                 `json:"total_records_analyzed"`
	CapabilityFrequency  map[string]int      `json:"capability_usage_frequency"`
	CapabilityActions    map[string][]string `json:"capability_action_mapping"`
	MostUsedCapability   string              `json:"most_used_capability,omitempty"`
	LeastUsedCapability  string              `json:"least_used_capability,omitempty"`
	UniqueCapabilities   int                 `json:"unique_capabilities_used"`
	GeneratedAt          time.Time           `json:"generated_at"`
}

// Store is the persistence contract for usage rows.
type Store interface {
	Insert(ctx context.Context, r *Record) error
	ListSince(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]Record, error)
	ListByToken(ctx context.Context, tenantID uuid.UUID, tokenID string, limit int) ([]Record, error)
	DeleteOlderThan(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error)
}

// Tracker records usage and answers statistics queries.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker wires a usage tracker.
func NewTracker(store Store) *Tracker {
	return &Tracker{
		store:  store,
		logger: slog.Default().With("component", "usage"),
		now:    time.Now,
	}
}

// WithClock overrides the clock for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Track persists one usage record. Failures are logged, not propagated.
func (t *Tracker) Track(ctx context.Context, tenantID uuid.UUID, tokenID, action string, capabilities []string, success bool, uctx Context) uuid.UUID {
	rec := &Record{
		UsageID:          uuid.New(),
		TenantID:         tenantID,
		TokenID:          tokenID,
		ActionPerformed:  action,
		CapabilitiesUsed: capabilities,
		Success:          success,
		Endpoint:         uctx.Endpoint,
		HTTPMethod:       uctx.HTTPMethod,
		ClientIP:         uctx.ClientIP,
		UserAgent:        uctx.UserAgent,
		ResponseTimeMS:   uctx.ResponseTimeMS,
		Metadata:         uctx.Metadata,
		CreatedAt:        t.now().UTC(),
	}
	if err := t.store.Insert(ctx, rec); err != nil {
		t.logger.Error("usage write failed", "token_id", tokenID, "action", action, "error", err)
	} else {
		t.logger.Debug("token usage tracked",
			"usage_id", rec.UsageID, "tenant_id", tenantID, "action", action, "success", success)
	}
	return rec.UsageID
}

// Stats aggregates usage over the trailing window, optionally narrowed to
// one token.
func (t *Tracker) Stats(ctx context.Context, tenantID uuid.UUID, hours int, tokenID string) (*Stats, error) {
	if hours <= 0 {
		hours = 24
	}
	now := t.now().UTC()
	rows, err := t.store.ListSince(ctx, tenantID, now.Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("usage stats: %w", err)
	}

	stats := &Stats{
		PeriodHours: hours,
		TokenID:     tokenID,
		TopActions:  make(map[string]int),
		HourlyUsage: make(map[string]int),
		GeneratedAt: now,
	}
	var responseTotal, responseCount int64
	byToken := make(map[string]int)
	for _, r := range rows {
		if tokenID != "" && r.TokenID != tokenID {
			continue
		}
		stats.TotalUsage++
		if r.Success {
			stats.SuccessfulUsage++
		}
		stats.TopActions[r.ActionPerformed]++
		stats.HourlyUsage[r.CreatedAt.Format("2006-01-02T15")]++
		byToken[r.TokenID]++
		if r.ResponseTimeMS > 0 {
			responseTotal += r.ResponseTimeMS
			responseCount++
		}
	}
	if stats.TotalUsage > 0 {
		stats.SuccessRatePct = 100 * float64(stats.SuccessfulUsage) / float64(stats.TotalUsage)
	}
	if responseCount > 0 {
		stats.AvgResponseTimeMS = float64(responseTotal) / float64(responseCount)
	}

	active := make([]TokenActivity, 0, len(byToken))
	for id, n := range byToken {
		active = append(active, TokenActivity{TokenID: id, Count: n})
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Count != active[j].Count {
			return active[i].Count > active[j].Count
		}
		return active[i].TokenID < active[j].TokenID
	})
	if len(active) > 10 {
		active = active[:10]
	}
	stats.MostActiveTokens = active
	return stats, nil
}

// History returns the most recent records for one token.
func (t *Tracker) History(ctx context.Context, tenantID uuid.UUID, tokenID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.store.ListByToken(ctx, tenantID, tokenID, limit)
	if err != nil {
		return nil, fmt.Errorf("usage history: %w", err)
	}
	return rows, nil
}

// DetectAnomalies flags tokens with a high failure rate (>0.5 on more than
// 10 uses), usage frequency above three times the tenant mean, or average
// response time above twice the tenant mean.
func (t *Tracker) DetectAnomalies(ctx context.Context, tenantID uuid.UUID, hours int) ([]Anomaly, error) {
	if hours <= 0 {
		hours = 24
	}
	rows, err := t.store.ListSince(ctx, tenantID, t.now().UTC().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("usage anomalies: %w", err)
	}

	type tokenAgg struct {
		total, failures int
		responseSum     int64
		responseN       int64
	}
	agg := make(map[string]*tokenAgg)
	for _, r := range rows {
		a := agg[r.TokenID]
		if a == nil {
			a = &tokenAgg{}
			agg[r.TokenID] = a
		}
		a.total++
		if !r.Success {
			a.failures++
		}
		if r.ResponseTimeMS > 0 {
			a.responseSum += r.ResponseTimeMS
			a.responseN++
		}
	}
	if len(agg) == 0 {
		return nil, nil
	}

	tokenIDs := make([]string, 0, len(agg))
	for id := range agg {
		tokenIDs = append(tokenIDs, id)
	}
	sort.Strings(tokenIDs)

	var anomalies []Anomaly

	// High failure rate.
	for _, id := range tokenIDs {
		a := agg[id]
		if a.total <= 10 {
			continue
		}
		rate := float64(a.failures) / float64(a.total)
		if rate > 0.5 {
			severity := "medium"
			if rate > 0.8 {
				severity = "high"
			}
			anomalies = append(anomalies, Anomaly{
				Type:          "high_failure_rate",
				TokenID:       id,
				Severity:      severity,
				FailureRate:   rate,
				TotalAttempts: a.total,
			})
		}
	}

	// Frequency well above the tenant mean.
	var totalUses int
	for _, a := range agg {
		totalUses += a.total
	}
	mean := float64(totalUses) / float64(len(agg))
	for _, id := range tokenIDs {
		a := agg[id]
		if float64(a.total) > mean*3 {
			anomalies = append(anomalies, Anomaly{
				Type:         "unusual_high_frequency",
				TokenID:      id,
				Severity:     "medium",
				UsageCount:   a.total,
				AverageUsage: mean,
			})
		}
	}

	// Response time well above the tenant mean of per-token averages.
	var avgSum float64
	var avgN int
	perToken := make(map[string]float64)
	for id, a := range agg {
		if a.responseN == 0 {
			continue
		}
		avg := float64(a.responseSum) / float64(a.responseN)
		perToken[id] = avg
		avgSum += avg
		avgN++
	}
	if avgN > 0 {
		baseline := avgSum / float64(avgN)
		for _, id := range tokenIDs {
			avg, ok := perToken[id]
			if !ok {
				continue
			}
			if avg > baseline*2 {
				anomalies = append(anomalies, Anomaly{
					Type:              "slow_response_time",
					TokenID:           id,
					Severity:          "low",
					AvgResponseTimeMS: avg,
					BaselineAvgMS:     baseline,
				})
			}
		}
	}

	t.logger.Info("usage anomaly scan", "tenant_id", tenantID, "anomalies", len(anomalies))
	return anomalies, nil
}

// CapabilityInsights maps capability usage frequency and the actions each
// capability was used for, over a longer window (default one week).
func (t *Tracker) CapabilityInsights(ctx context.Context, tenantID uuid.UUID, hours int) (*Insights, error) {
	if hours <= 0 {
		hours = 168
	}
	now := t.now().UTC()
	rows, err := t.store.ListSince(ctx, tenantID, now.Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("usage insights: %w", err)
	}

	freq := make(map[string]int)
	actions := make(map[string]map[string]struct{})
	for _, r := range rows {
		for _, capName := range r.CapabilitiesUsed {
			freq[capName]++
			if actions[capName] == nil {
				actions[capName] = make(map[string]struct{})
			}
			actions[capName][r.ActionPerformed] = struct{}{}
		}
	}

	out := &Insights{
		PeriodHours:          hours,
		TotalRecordsAnalyzed: len(rows),
		CapabilityFrequency:  freq,
		CapabilityActions:    make(map[string][]string, len(actions)),
		UniqueCapabilities:   len(freq),
		GeneratedAt:          now,
	}
	for capName, set := range actions {
		list := make([]string, 0, len(set))
		for a := range set {
			list = append(list, a)
		}
		sort.Strings(list)
		out.CapabilityActions[capName] = list
	}

	type kv struct {
		k string
		v int
	}
	ordered := make([]kv, 0, len(freq))
	for k, v := range freq {
		ordered = append(ordered, kv{k, v})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].v != ordered[j].v {
			return ordered[i].v > ordered[j].v
		}
		return ordered[i].k < ordered[j].k
	})
	if len(ordered) > 0 {
		out.MostUsedCapability = ordered[0].k
		out.LeastUsedCapability = ordered[len(ordered)-1].k
	}
	return out, nil
}

// Cleanup removes usage rows older than days (default 30).
func (t *Tracker) Cleanup(ctx context.Context, tenantID uuid.UUID, days int) (int64, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := t.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := t.store.DeleteOlderThan(ctx, tenantID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("usage cleanup: %w", err)
	}
	return n, nil
}
