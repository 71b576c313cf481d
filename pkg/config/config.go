// Package config loads runtime configuration for the enforcement core.
// Settings come from environment variables and fail fast at startup when a
// required value is missing or malformed.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment is the deployment environment name.
type Environment string

const (
	EnvDev   Environment = "dev"
	EnvStage Environment = "stage"
	EnvProd  Environment = "prod"
	EnvTest  Environment = "test"
)

// MCPMode selects how the payment MCP adapter is reached.
type MCPMode string

const (
	MCPModeRemote MCPMode = "remote"
	MCPModeStdio  MCPMode = "stdio"
)

// Settings holds the full configuration of the core.
type Settings struct {
	Environment Environment
	Port        string
	LogLevel    string

	DatabaseURL string
	RedisURL    string

	// External service endpoints.
	PortiaAPIKey     string
	CaptokensBaseURL string
	ApprovalsBaseURL string
	ReceiptsBaseURL  string
	RegistryBaseURL  string

	// Approval polling for orchestrated runs.
	ApprovalPollInterval time.Duration
	ApprovalPollTimeout  time.Duration

	// Payment MCP engines.
	EnableRazorpayMCP bool
	RazorpayMCPMode   MCPMode
	RazorpayMCPURL    string
	RazorpayMCPAuth   string
	RazorpayKeyID     string
	RazorpayKeySecret string

	AllowedOrigins []string
	AllowedHosts   []string

	// Token issuance bounds.
	TokenMaxTTL time.Duration
}

// Load reads Settings from the environment and validates them. Missing
// required variables or invalid enum values are startup errors.
func Load() (*Settings, error) {
	s := &Settings{
		Environment:          Environment(getenv("ANUMATE_ENV", string(EnvDev))),
		Port:                 getenv("PORT", "8080"),
		LogLevel:             getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:          getenv("DATABASE_URL", "postgres://anumate@localhost:5432/anumate?sslmode=disable"),
		RedisURL:             getenv("REDIS_URL", "redis://localhost:6379/0"),
		PortiaAPIKey:         os.Getenv("PORTIA_API_KEY"),
		CaptokensBaseURL:     getenv("CAPTOKENS_BASE_URL", "http://localhost:8083"),
		ApprovalsBaseURL:     getenv("APPROVALS_BASE_URL", "http://localhost:8001"),
		ReceiptsBaseURL:      getenv("RECEIPTS_BASE_URL", "http://localhost:8002"),
		RegistryBaseURL:      getenv("REGISTRY_BASE_URL", "http://localhost:8082"),
		ApprovalPollInterval: getdur("APPROVAL_POLL_INTERVAL", 3*time.Second),
		ApprovalPollTimeout:  getdur("APPROVAL_POLL_TIMEOUT", 300*time.Second),
		EnableRazorpayMCP:    getenv("ENABLE_RAZORPAY_MCP", "false") == "true",
		RazorpayMCPMode:      MCPMode(getenv("RAZORPAY_MCP_MODE", string(MCPModeRemote))),
		RazorpayMCPURL:       os.Getenv("RAZORPAY_MCP_URL"),
		RazorpayMCPAuth:      os.Getenv("RAZORPAY_MCP_AUTH"),
		RazorpayKeyID:        os.Getenv("RAZORPAY_KEY_ID"),
		RazorpayKeySecret:    os.Getenv("RAZORPAY_KEY_SECRET"),
		AllowedOrigins:       splitList(os.Getenv("ALLOWED_ORIGINS")),
		AllowedHosts:         splitList(os.Getenv("ALLOWED_HOSTS")),
		TokenMaxTTL:          getdur("CAPTOKEN_MAX_TTL", 300*time.Second),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate enforces the startup contract.
func (s *Settings) Validate() error {
	switch s.Environment {
	case EnvDev, EnvStage, EnvProd, EnvTest:
	default:
		return fmt.Errorf("config: ANUMATE_ENV must be one of dev|stage|prod|test, got %q", s.Environment)
	}

	// No dummy API keys: the executor is unreachable without a real key,
	// so an empty value outside tests is a hard error.
	if s.PortiaAPIKey == "" && s.Environment != EnvTest {
		return fmt.Errorf("config: PORTIA_API_KEY is required")
	}

	if s.EnableRazorpayMCP {
		switch s.RazorpayMCPMode {
		case MCPModeRemote:
			if s.RazorpayMCPURL == "" || s.RazorpayMCPAuth == "" {
				return fmt.Errorf("config: remote MCP mode requires RAZORPAY_MCP_URL and RAZORPAY_MCP_AUTH")
			}
		case MCPModeStdio:
			if s.RazorpayKeyID == "" || s.RazorpayKeySecret == "" {
				return fmt.Errorf("config: stdio MCP mode requires RAZORPAY_KEY_ID and RAZORPAY_KEY_SECRET")
			}
		default:
			return fmt.Errorf("config: RAZORPAY_MCP_MODE must be remote|stdio, got %q", s.RazorpayMCPMode)
		}
	}

	if s.TokenMaxTTL < time.Second || s.TokenMaxTTL > 300*time.Second {
		return fmt.Errorf("config: CAPTOKEN_MAX_TTL must be within [1s, 300s], got %s", s.TokenMaxTTL)
	}
	return nil
}

// IsProd reports whether the core runs against production settings.
func (s *Settings) IsProd() bool { return s.Environment == EnvProd }

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getdur(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Plain integers are seconds.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
