package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/anumate/enforcement-core/pkg/capability"
	"github.com/anumate/enforcement-core/pkg/violation"
)

type createRuleRequest struct {
	CapabilityName string `json:"capability_name"`
	ToolPattern    string `json:"tool_pattern"`
	ActionPattern  string `json:"action_pattern"`
	RuleType       string `json:"rule_type"`
	PatternType    string `json:"pattern_type"`
	Priority       int    `json:"priority"`
	Description    string `json:"description"`
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.RuleType == "" {
		req.RuleType = string(capability.RuleAllow)
	}
	if req.PatternType == "" {
		req.PatternType = string(capability.PatternExact)
	}
	if req.Priority == 0 {
		req.Priority = 100
	}

	rule := &capability.Rule{
		TenantID:       tenantID,
		CapabilityName: req.CapabilityName,
		ToolPattern:    req.ToolPattern,
		ActionPattern:  req.ActionPattern,
		RuleType:       capability.RuleType(req.RuleType),
		PatternType:    capability.PatternType(req.PatternType),
		Priority:       req.Priority,
		IsActive:       true,
		Description:    req.Description,
	}
	if err := s.checker.AddRule(r.Context(), rule); err != nil {
		switch {
		case errors.Is(err, capability.ErrDuplicateRule):
			WriteConflict(w, "A rule for this capability and tool pattern already exists")
		case strings.Contains(err.Error(), "invalid") || strings.Contains(err.Error(), "requires"):
			WriteBadRequest(w, err.Error())
		default:
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFrom(r.Context())

	rules, err := s.rules.List(r.Context(), tenantID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if rules == nil {
		rules = []capability.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFrom(r.Context())
	q := r.URL.Query()

	f := violation.ListFilter{
		Severity: violation.Severity(q.Get("severity")),
		Type:     violation.Type(q.Get("type")),
		Limit:    queryInt(q, "limit", 100),
		Offset:   queryInt(q, "offset", 0),
	}
	violations, err := s.violations.List(r.Context(), tenantID, f)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if violations == nil {
		violations = []violation.Violation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"violations": violations,
		"count":      len(violations),
	})
}

func (s *Server) handleViolationStats(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFrom(r.Context())

	stats, err := s.violations.Stats(r.Context(), tenantID, queryInt(r.URL.Query(), "hours", 24))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFrom(r.Context())
	q := r.URL.Query()

	stats, err := s.usage.Stats(r.Context(), tenantID, queryInt(q, "hours", 24), q.Get("token_id"))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type checkRequest struct {
	Capabilities []string `json:"capabilities"`
	Tool         string   `json:"tool"`
	Action       string   `json:"action,omitempty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Tool == "" {
		WriteBadRequest(w, "tool is required")
		return
	}

	result, err := s.checker.Check(r.Context(), capability.CheckRequest{
		TenantID:     tenantID,
		Capabilities: req.Capabilities,
		Tool:         req.Tool,
		Action:       req.Action,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}

	// Denials are recorded best-effort; the check response never fails
	// on a logging error.
	if !result.Allowed {
		attempted := req.Tool
		if req.Action != "" {
			attempted = fmt.Sprintf("%s:%s", req.Tool, req.Action)
		}
		s.violations.Log(r.Context(), tenantID, violation.InsufficientCapability,
			attempted, result.RequiredCapabilities, req.Capabilities,
			violation.Context{
				Endpoint:   r.URL.Path,
				HTTPMethod: r.Method,
				ClientIP:   clientIP(r),
				UserAgent:  r.UserAgent(),
			})
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFrom(r.Context())

	added, err := s.checker.SeedDefaults(r.Context(), tenantID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Initialized %d default capability rules", added),
	})
}

func queryInt(q url.Values, key string, fallback int) int {
	v := q.Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
