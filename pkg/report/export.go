package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/anumate/enforcement-core/pkg/violation"
)

// ArtifactStore is where exported reports are archived.
type ArtifactStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) error
}

// Export renders the report in the given format.
func Export(report *Report, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(report, "", "  ")
	case FormatCSV:
		return exportCSV(report)
	}
	return nil, fmt.Errorf("unsupported export format %q", format)
}

// ExportTo renders and archives the report; the key is derived from
// the report id and format.
func ExportTo(ctx context.Context, store ArtifactStore, report *Report, format Format) (string, error) {
	data, err := Export(report, format)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("reports/%s/%s.%s",
		report.GeneratedAt.UTC().Format("2006/01/02"), report.ID, format)
	contentType := "application/json"
	if format == FormatCSV {
		contentType = "text/csv"
	}
	if err := store.Put(ctx, key, contentType, data); err != nil {
		return "", fmt.Errorf("archive report %s: %w", report.ID, err)
	}
	return key, nil
}

func exportCSV(report *Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rows := [][]string{
		{"Report Summary"},
		{"Title", report.Title},
		{"Generated At", report.GeneratedAt.UTC().Format(time.RFC3339)},
		{"Period", fmt.Sprintf("%s to %s",
			report.PeriodStart.UTC().Format(time.RFC3339),
			report.PeriodEnd.UTC().Format(time.RFC3339))},
		{"Total Violations", strconv.Itoa(report.TotalViolations)},
		{},
		{"Violations by Policy"},
		{"Policy Name", "Count"},
	}

	policies := make([]string, 0, len(report.ByPolicy))
	for name := range report.ByPolicy {
		policies = append(policies, name)
	}
	sort.Strings(policies)
	for _, name := range policies {
		rows = append(rows, []string{name, strconv.Itoa(report.ByPolicy[name])})
	}

	rows = append(rows, []string{}, []string{"Violations by Severity"}, []string{"Severity", "Count"})
	severities := make([]string, 0, len(report.BySeverity))
	for s := range report.BySeverity {
		severities = append(severities, string(s))
	}
	sort.Strings(severities)
	for _, s := range severities {
		rows = append(rows, []string{s, strconv.Itoa(report.BySeverity[violation.Severity(s)])})
	}

	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
