package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/violation"
)

// Generate builds a report over [start, end] from the in-memory
// window, optionally filtered and with raw violations attached.
func (r *Reporter) Generate(start, end time.Time, title string, includeRaw bool, filters *Filters) *Report {
	r.mu.Lock()
	var selected []recorded
	for _, entry := range r.recent {
		if entry.at.Before(start) || entry.at.After(end) {
			continue
		}
		if filters != nil && !filters.keep(entry) {
			continue
		}
		selected = append(selected, entry)
	}
	now := r.now()
	r.mu.Unlock()

	report := &Report{
		ID:          uuid.New(),
		Title:       title,
		GeneratedAt: now,
		PeriodStart: start,
		PeriodEnd:   end,
		ByPolicy:    map[string]int{},
		ByType:      map[violation.Type]int{},
		BySeverity:  map[violation.Severity]int{},
		ByTenant:    map[string]int{},
		ByUser:      map[string]int{},
	}
	if len(selected) == 0 {
		report.Description = "No violations found in the specified period"
		return report
	}
	report.Description = fmt.Sprintf("Policy violation report for period %s to %s",
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))

	policies := map[string]struct{}{}
	users := map[string]struct{}{}
	tenants := map[string]struct{}{}
	resources := map[string]int{}

	for _, entry := range selected {
		v := entry.v
		report.ByPolicy[entry.policyName]++
		report.ByType[v.Type]++
		report.BySeverity[v.Severity]++
		policies[entry.policyName] = struct{}{}
		if v.TenantID != uuid.Nil {
			report.ByTenant[v.TenantID.String()]++
			tenants[v.TenantID.String()] = struct{}{}
		}
		if v.Subject != "" {
			report.ByUser[v.Subject]++
			users[v.Subject] = struct{}{}
		}
		if v.Endpoint != "" {
			resources[v.Endpoint]++
		}
		if includeRaw {
			report.Violations = append(report.Violations, v)
		}
	}

	report.TotalViolations = len(selected)
	report.UniquePolicies = len(policies)
	report.UniqueUsers = len(users)
	report.UniqueTenants = len(tenants)

	report.HourlyTrend = trend(selected, start, end, time.Hour, "2006-01-02 15:00")
	report.DailyTrend = trend(selected, start, end, 24*time.Hour, "2006-01-02")

	report.TopPolicies = topN(report.ByPolicy, 10)
	report.TopUsers = topN(report.ByUser, 10)
	report.TopResources = topN(resources, 10)

	report.Recommendations = recommendations(selected, report)
	return report
}

func (f *Filters) keep(entry recorded) bool {
	v := entry.v
	if len(f.PolicyNames) > 0 && !containsString(f.PolicyNames, entry.policyName) {
		return false
	}
	if len(f.ViolationTypes) > 0 && !containsType(f.ViolationTypes, v.Type) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, v.Severity) {
		return false
	}
	if len(f.UserIDs) > 0 && !containsString(f.UserIDs, v.Subject) {
		return false
	}
	if len(f.TenantIDs) > 0 && !containsUUID(f.TenantIDs, v.TenantID) {
		return false
	}
	return true
}

// trend buckets violations by interval and zero-fills empty buckets
// across the whole period.
func trend(entries []recorded, start, end time.Time, interval time.Duration, layout string) []TrendPoint {
	counts := map[int64]int{}
	for _, entry := range entries {
		bucket := entry.at.UTC().Truncate(interval).Unix()
		counts[bucket]++
	}

	var out []TrendPoint
	for cursor := start.UTC().Truncate(interval); !cursor.After(end.UTC().Truncate(interval)); cursor = cursor.Add(interval) {
		out = append(out, TrendPoint{
			Timestamp: cursor,
			Label:     cursor.Format(layout),
			Count:     counts[cursor.Unix()],
		})
	}
	return out
}

func topN[K ~string](counts map[K]int, n int) []RankedCount {
	out := make([]RankedCount, 0, len(counts))
	for key, count := range counts {
		out = append(out, RankedCount{Key: string(key), Count: count})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func recommendations(entries []recorded, report *Report) []string {
	var out []string
	total := len(entries)

	if len(report.TopPolicies) > 0 {
		top := report.TopPolicies[0]
		if float64(top.Count) > float64(total)*0.3 {
			out = append(out, fmt.Sprintf(
				"Policy %q accounts for %d violations (%.1f%%). Consider reviewing policy rules or user training.",
				top.Key, top.Count, float64(top.Count)/float64(total)*100))
		}
	}

	var repeatViolators int
	for _, count := range report.ByUser {
		if count >= 5 {
			repeatViolators++
		}
	}
	if repeatViolators > 0 {
		out = append(out, fmt.Sprintf(
			"%d users have 5+ violations. Consider additional training or access review for repeat violators.",
			repeatViolators))
	}

	if critical := report.BySeverity[violation.SeverityCritical]; critical > 0 {
		out = append(out, fmt.Sprintf(
			"%d critical violations detected. Immediate investigation and remediation recommended.", critical))
	}

	hourCounts := map[int]int{}
	for _, entry := range entries {
		hourCounts[entry.at.UTC().Hour()]++
	}
	peakHour, peakCount := -1, 0
	for hour, count := range hourCounts {
		if count > peakCount || (count == peakCount && hour < peakHour) {
			peakHour, peakCount = hour, count
		}
	}
	if peakCount > 0 && float64(peakCount) > float64(total)*0.2 {
		out = append(out, fmt.Sprintf(
			"Peak violations occur at %02d:00 (%d violations). Consider time-based policy adjustments or monitoring.",
			peakHour, peakCount))
	}

	return out
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
