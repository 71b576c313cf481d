package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProfile(t *testing.T, dir, code, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+code+".yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "acme", `
name: Acme Corp
rate_limit:
  requests_per_second: 200
  burst: 400
redaction:
  enabled: true
  replacement: "***"
retention:
  violation_days: 30
  usage_days: 14
  token_days: 3
`)

	p, err := LoadProfile(dir, "ACME")
	if err != nil {
		t.Fatalf("LoadProfile(acme): %v", err)
	}
	if p.Name != "Acme Corp" {
		t.Errorf("expected name 'Acme Corp', got %q", p.Name)
	}
	if p.Code != "acme" {
		t.Errorf("code should default from lookup, got %q", p.Code)
	}
	if p.RateLimit.RequestsPerSecond != 200 {
		t.Errorf("expected rps 200, got %d", p.RateLimit.RequestsPerSecond)
	}
	if p.Redaction.Replacement != "***" {
		t.Errorf("expected replacement override, got %q", p.Redaction.Replacement)
	}
	if p.Retention.ViolationDays != 30 {
		t.Errorf("expected violation retention 30, got %d", p.Retention.ViolationDays)
	}
}

func TestLoadProfile_PartialKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "lite", `
name: Lite Tenant
rate_limit:
  requests_per_second: 5
  burst: 10
`)

	p, err := LoadProfile(dir, "lite")
	if err != nil {
		t.Fatalf("LoadProfile(lite): %v", err)
	}
	if !p.Redaction.Enabled {
		t.Error("redaction should stay enabled by default")
	}
	if p.Retention.ViolationDays != 90 {
		t.Errorf("violation retention should default to 90, got %d", p.Retention.ViolationDays)
	}
}

func TestLoadProfile_Missing(t *testing.T) {
	if _, err := LoadProfile(t.TempDir(), "ghost"); err == nil {
		t.Fatal("expected error for missing profile")
	}
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "a", "name: A\n")
	writeProfile(t, dir, "b", "name: B\ncode: bee\n")

	profiles, err := LoadAllProfiles(dir)
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	if _, ok := profiles["a"]; !ok {
		t.Error("profile 'a' should derive its code from the filename")
	}
	if _, ok := profiles["bee"]; !ok {
		t.Error("profile 'bee' should keep its declared code")
	}
}
