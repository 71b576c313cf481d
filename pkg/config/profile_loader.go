package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TenantProfile is a per-tenant enforcement profile loaded from YAML.
// Profiles tune rate limits, redaction and retention without a deploy.
type TenantProfile struct {
	Name      string          `yaml:"name" json:"name"`
	Code      string          `yaml:"code" json:"code"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Redaction RedactionConfig `yaml:"redaction" json:"redaction"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
	FailOpen  bool            `yaml:"fail_open,omitempty" json:"fail_open,omitempty"`
	SkipPaths []string        `yaml:"skip_paths,omitempty" json:"skip_paths,omitempty"`
}

// RateLimitConfig bounds request throughput for a tenant.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int `yaml:"burst" json:"burst"`
}

// RedactionConfig controls response redaction defaults.
type RedactionConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Replacement string `yaml:"replacement,omitempty" json:"replacement,omitempty"`
}

// RetentionConfig defines data retention windows in days.
type RetentionConfig struct {
	ViolationDays int `yaml:"violation_days" json:"violation_days"`
	UsageDays     int `yaml:"usage_days" json:"usage_days"`
	TokenDays     int `yaml:"token_days" json:"token_days"`
}

// DefaultTenantProfile returns the profile applied when no YAML override
// exists for a tenant.
func DefaultTenantProfile() *TenantProfile {
	return &TenantProfile{
		Name:      "default",
		Code:      "default",
		RateLimit: RateLimitConfig{RequestsPerSecond: 50, Burst: 100},
		Redaction: RedactionConfig{Enabled: true, Replacement: "[REDACTED]"},
		Retention: RetentionConfig{ViolationDays: 90, UsageDays: 30, TokenDays: 7},
		FailOpen:  false,
		SkipPaths: []string{"/health", "/metrics", "/docs"},
	}
}

// LoadProfile loads a tenant profile YAML by code. It searches the profiles
// directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*TenantProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	profile := DefaultTenantProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	return profile, nil
}

// LoadAllProfiles loads every profile_*.yaml file from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		profile := DefaultTenantProfile()
		if err := yaml.Unmarshal(data, profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_acme.yaml -> acme
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = profile
	}

	return profiles, nil
}
