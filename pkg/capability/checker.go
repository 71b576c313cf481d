package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/canonical"
)

// ErrDuplicateRule is returned by stores when (tenant, capability, tool
// pattern) already exists.
var ErrDuplicateRule = errors.New("duplicate capability rule")

// RuleStore is the persistence contract for allow-list rules.
type RuleStore interface {
	ListActive(ctx context.Context, tenantID uuid.UUID) ([]Rule, error)
	Insert(ctx context.Context, r *Rule) error
	List(ctx context.Context, tenantID uuid.UUID) ([]Rule, error)
}

// ruleCacheTTL bounds how stale a tenant's cached rule set may get.
const ruleCacheTTL = 5 * time.Minute

type cachedRules struct {
	rules   []Rule
	expires time.Time
}

// Checker evaluates capability checks against a tenant's rule set.
// Rule lookups are cached per tenant and invalidated on writes.
type Checker struct {
	store  RuleStore
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[uuid.UUID]cachedRules
	ttl   time.Duration
}

// NewChecker wires a checker over a rule store.
func NewChecker(store RuleStore) *Checker {
	return &Checker{
		store:  store,
		logger: slog.Default().With("component", "capability"),
		now:    time.Now,
		cache:  make(map[uuid.UUID]cachedRules),
		ttl:    ruleCacheTTL,
	}
}

// WithClock overrides the clock for tests.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	c.now = now
	return c
}

// Check evaluates the request against the tenant's active rules.
// Rules are walked ascending by priority: the first match sets the
// decision, and any later matching deny rule overrides it and stops the
// walk. No match means deny.
func (c *Checker) Check(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	caps := canonical.NormalizeAll(req.Capabilities)
	tool := canonical.Normalize(req.Tool)
	action := canonical.Normalize(req.Action)

	rules, err := c.activeRules(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("capability check: load rules: %w", err)
	}
	if len(rules) == 0 {
		c.logger.Warn("no capability rules configured", "tenant_id", req.TenantID)
		return &CheckResult{
			Allowed:              false,
			MatchedRules:         []MatchedRule{},
			ViolationReason:      "no capability rules configured",
			RequiredCapabilities: []string{},
		}, nil
	}

	var matched []MatchedRule
	var decided, allowed bool
	for _, rule := range rules {
		if !ruleMatches(rule, caps, tool, action) {
			continue
		}
		matched = append(matched, snapshot(rule))

		if !decided {
			decided = true
			allowed = rule.RuleType == RuleAllow
		}
		if rule.RuleType == RuleDeny {
			allowed = false
			break
		}
	}

	result := &CheckResult{
		Allowed:              allowed,
		MatchedRules:         matched,
		RequiredCapabilities: []string{},
	}
	if result.MatchedRules == nil {
		result.MatchedRules = []MatchedRule{}
	}
	switch {
	case !decided:
		result.ViolationReason = fmt.Sprintf("no matching rule for tool %q", tool)
	case !allowed:
		result.ViolationReason = "access denied by capability rules"
	}
	if !allowed {
		result.RequiredCapabilities = requiredCapabilities(rules)
	}

	c.logger.Info("capability check",
		"tenant_id", req.TenantID, "tool", tool,
		"allowed", allowed, "matched_rules", len(matched))
	return result, nil
}

func ruleMatches(rule Rule, caps []string, tool, action string) bool {
	capOK := false
	for _, p := range caps {
		if CapabilityMatches(p, rule.CapabilityName) {
			capOK = true
			break
		}
	}
	if !capOK {
		return false
	}
	if !PatternMatches(tool, rule.ToolPattern, rule.PatternType) {
		return false
	}
	if rule.ActionPattern != "" && action != "" {
		if !PatternMatches(action, rule.ActionPattern, rule.PatternType) {
			return false
		}
	}
	return true
}

// requiredCapabilities lists capability names of active allow rules, the
// hint surfaced alongside a denial.
func requiredCapabilities(rules []Rule) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range rules {
		if r.RuleType != RuleAllow {
			continue
		}
		if _, dup := seen[r.CapabilityName]; dup {
			continue
		}
		seen[r.CapabilityName] = struct{}{}
		out = append(out, r.CapabilityName)
	}
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}

func snapshot(r Rule) MatchedRule {
	return MatchedRule{
		RuleID:         r.RuleID,
		CapabilityName: r.CapabilityName,
		ToolPattern:    r.ToolPattern,
		ActionPattern:  r.ActionPattern,
		RuleType:       r.RuleType,
		PatternType:    r.PatternType,
		Priority:       r.Priority,
		Description:    r.Description,
	}
}

// activeRules returns the tenant's active rules sorted ascending by
// priority, serving from the per-tenant cache when fresh.
func (c *Checker) activeRules(ctx context.Context, tenantID uuid.UUID) ([]Rule, error) {
	now := c.now()

	c.mu.Lock()
	if entry, ok := c.cache[tenantID]; ok && now.Before(entry.expires) {
		rules := entry.rules
		c.mu.Unlock()
		return rules, nil
	}
	c.mu.Unlock()

	rules, err := c.store.ListActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	c.mu.Lock()
	c.cache[tenantID] = cachedRules{rules: rules, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return rules, nil
}

// Invalidate drops the cached rules for one tenant.
func (c *Checker) Invalidate(tenantID uuid.UUID) {
	c.mu.Lock()
	delete(c.cache, tenantID)
	c.mu.Unlock()
}

// InvalidateAll drops every cached rule set.
func (c *Checker) InvalidateAll() {
	c.mu.Lock()
	c.cache = make(map[uuid.UUID]cachedRules)
	c.mu.Unlock()
}

// AddRule persists a rule and invalidates the tenant's cache.
func (c *Checker) AddRule(ctx context.Context, r *Rule) error {
	if r.RuleID == uuid.Nil {
		r.RuleID = uuid.New()
	}
	if r.CapabilityName == "" || r.ToolPattern == "" {
		return errors.New("capability rule requires capability_name and tool_pattern")
	}
	if r.RuleType != RuleAllow && r.RuleType != RuleDeny {
		return fmt.Errorf("invalid rule_type %q", r.RuleType)
	}
	switch r.PatternType {
	case PatternExact, PatternRegex, PatternGlob:
	default:
		return fmt.Errorf("invalid pattern_type %q", r.PatternType)
	}
	now := c.now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := c.store.Insert(ctx, r); err != nil {
		return err
	}
	c.Invalidate(r.TenantID)
	return nil
}

// DefaultRules is the rule set seeded for a new tenant.
func DefaultRules(tenantID uuid.UUID) []Rule {
	mk := func(capName, toolPattern string, priority int, desc string) Rule {
		return Rule{
			RuleID:         uuid.New(),
			TenantID:       tenantID,
			CapabilityName: capName,
			ToolPattern:    toolPattern,
			RuleType:       RuleAllow,
			PatternType:    PatternGlob,
			Priority:       priority,
			IsActive:       true,
			Description:    desc,
		}
	}
	return []Rule{
		mk("admin", "*", 1, "Admin access to all tools"),
		mk("read", "*.read", 10, "Read access to all tools"),
		mk("write", "*.write", 10, "Write access to all tools"),
		mk("execute", "orchestrator.*", 15, "Plan execution access"),
		mk("database.read", "postgres.*", 20, "Database read access"),
	}
}

// SeedDefaults installs the default rule set for a tenant. Rules that
// already exist are skipped so re-initialization is idempotent.
func (c *Checker) SeedDefaults(ctx context.Context, tenantID uuid.UUID) (int, error) {
	added := 0
	for _, rule := range DefaultRules(tenantID) {
		rule := rule
		now := c.now().UTC()
		rule.CreatedAt = now
		rule.UpdatedAt = now
		if err := c.store.Insert(ctx, &rule); err != nil {
			if errors.Is(err, ErrDuplicateRule) {
				continue
			}
			return added, fmt.Errorf("seed default rules: %w", err)
		}
		added++
	}
	c.Invalidate(tenantID)
	return added, nil
}
