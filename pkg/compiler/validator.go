package compiler

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/anumate/enforcement-core/pkg/plan"
)

// ValidationLevel raises the bar for what a plan must declare.
type ValidationLevel string

const (
	ValidationStandard        ValidationLevel = "standard"
	ValidationStrict          ValidationLevel = "strict"
	ValidationSecurityFocused ValidationLevel = "security-focused"
)

// ValidationResult reports everything the validator found. A plan is
// valid only when Errors is empty.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string

	SecurityIssues   []string
	ResourceIssues   []string
	DependencyIssues []string

	EstimatedDuration   int // seconds
	EstimatedCost       float64
	PerformanceWarnings []string
}

var (
	semverPattern  = regexp.MustCompile(`^\d+\.\d+\.\d+`)
	cpuPattern     = regexp.MustCompile(`^\d+m?$`)
	memoryPattern  = regexp.MustCompile(`^\d+(Mi|Gi|Ki)?$`)
	validStepTypes = map[plan.StepType]struct{}{
		plan.StepAction: {}, plan.StepCondition: {}, plan.StepLoop: {},
		plan.StepParallel: {}, plan.StepSequence: {}, plan.StepTransform: {},
	}
	validBackoffs = map[string]struct{}{"fixed": {}, "exponential": {}, "linear": {}}
)

func defaultAllowedTools() map[string]struct{} {
	return map[string]struct{}{
		"http": {}, "api": {}, "database": {}, "sql": {}, "file": {},
		"compute": {}, "transform": {}, "notification": {}, "email": {},
		"slack": {}, "webhook": {}, "schedule": {}, "timer": {},
		"validator": {}, "fraud_detector": {}, "payment_gateway": {},
	}
}

// Validator checks plans for structural, security and resource
// correctness before they are cached or executed.
type Validator struct {
	allowedTools      map[string]struct{}
	securitySensitive map[string]struct{}
	logger            *slog.Logger
}

func NewValidator() *Validator {
	return &Validator{
		allowedTools: defaultAllowedTools(),
		securitySensitive: map[string]struct{}{
			"database": {}, "sql": {}, "file": {}, "http": {}, "api": {},
		},
		logger: slog.Default().With("component", "plan-validator"),
	}
}

// WithAllowedTools overrides the tool allow set.
func (v *Validator) WithAllowedTools(tools []string) *Validator {
	set := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		set[tool] = struct{}{}
	}
	v.allowedTools = set
	return v
}

// Validate runs the full check suite at the given level.
func (v *Validator) Validate(p *plan.Plan, level ValidationLevel) *ValidationResult {
	result := &ValidationResult{}

	result.Errors = append(result.Errors, v.validateStructure(p)...)

	for i := range p.Flows {
		errs, warns := v.validateFlow(&p.Flows[i])
		result.Errors = append(result.Errors, errs...)
		result.Warnings = append(result.Warnings, warns...)
	}

	secErrs, secIssues := v.validateSecurity(p, level)
	result.Errors = append(result.Errors, secErrs...)
	result.SecurityIssues = secIssues

	resErrs, resIssues := v.validateResources(p, level)
	result.Errors = append(result.Errors, resErrs...)
	result.ResourceIssues = resIssues

	depErrs, depIssues := v.validateDependencies(p)
	result.Errors = append(result.Errors, depErrs...)
	result.DependencyIssues = depIssues

	result.PerformanceWarnings = v.analyzePerformance(p)
	result.EstimatedDuration = estimateDuration(p)
	result.EstimatedCost = estimateCost(p, result.EstimatedDuration)

	result.Valid = len(result.Errors) == 0
	v.logger.Info("plan validation completed",
		"plan_hash", p.Hash,
		"valid", result.Valid,
		"errors", len(result.Errors),
		"warnings", len(result.Warnings),
		"security_issues", len(result.SecurityIssues))
	return result
}

func (v *Validator) validateStructure(p *plan.Plan) []string {
	var errs []string
	if p.Name == "" {
		errs = append(errs, "Plan name is required")
	}
	if p.Version == "" {
		errs = append(errs, "Plan version is required")
	} else if !semverPattern.MatchString(p.Version) {
		errs = append(errs, "Plan version must follow semantic versioning (e.g., 1.0.0)")
	}
	if len(p.Flows) == 0 {
		errs = append(errs, "Plan must have at least one execution flow")
	}
	if p.MainFlow == "" {
		errs = append(errs, "Plan must specify a main flow")
	} else if p.Flow(p.MainFlow) == nil {
		errs = append(errs, fmt.Sprintf("Main flow %q not found in flows", p.MainFlow))
	}
	return errs
}

func (v *Validator) validateFlow(flow *plan.Flow) (errs, warns []string) {
	if flow.ID == "" {
		errs = append(errs, "Flow ID is required")
	}
	if flow.Name == "" {
		errs = append(errs, "Flow name is required")
	}
	if len(flow.Steps) == 0 {
		errs = append(errs, fmt.Sprintf("Flow %q must have at least one step", flow.ID))
		return errs, warns
	}

	seen := map[string]struct{}{}
	for i := range flow.Steps {
		step := &flow.Steps[i]
		stepErrs, stepWarns := v.validateStep(step)
		errs = append(errs, stepErrs...)
		warns = append(warns, stepWarns...)

		if _, dup := seen[step.ID]; dup {
			errs = append(errs, fmt.Sprintf("Duplicate step ID %q in flow %q", step.ID, flow.ID))
		}
		seen[step.ID] = struct{}{}
	}

	for i := range flow.Steps {
		for _, dep := range flow.Steps[i].DependsOn {
			if _, ok := seen[dep]; !ok {
				errs = append(errs, fmt.Sprintf(
					"Step %q depends on unknown step %q", flow.Steps[i].ID, dep))
			}
		}
	}

	if hasCycle(flow.Steps) {
		errs = append(errs, fmt.Sprintf("Circular dependencies detected in flow %q", flow.ID))
	}

	if flow.Parallel && flow.MaxConcurrency < 0 {
		errs = append(errs, fmt.Sprintf("Invalid max_concurrency in flow %q: must be positive", flow.ID))
	}
	return errs, warns
}

func (v *Validator) validateStep(step *plan.Step) (errs, warns []string) {
	if step.ID == "" {
		errs = append(errs, "Step ID is required")
	}
	if step.Name == "" {
		errs = append(errs, fmt.Sprintf("Step name is required for step %q", step.ID))
	}
	if step.Type == "" {
		errs = append(errs, fmt.Sprintf("Step type is required for step %q", step.ID))
	} else if _, ok := validStepTypes[step.Type]; !ok {
		errs = append(errs, fmt.Sprintf("Invalid step type %q for step %q", step.Type, step.ID))
	}

	if step.Tool != "" {
		if _, ok := v.allowedTools[step.Tool]; !ok {
			errs = append(errs, fmt.Sprintf("Unknown tool %q in step %q", step.Tool, step.ID))
		}
	}

	if step.Timeout < 0 {
		errs = append(errs, fmt.Sprintf("Invalid timeout for step %q: must be positive", step.ID))
	}

	if step.Retry != nil {
		if step.Retry.MaxAttempts <= 0 {
			errs = append(errs, fmt.Sprintf("Invalid max_attempts for step %q: must be positive", step.ID))
		}
		if step.Retry.Backoff != "" {
			if _, ok := validBackoffs[step.Retry.Backoff]; !ok {
				errs = append(errs, fmt.Sprintf(
					"Invalid backoff strategy for step %q: %s", step.ID, step.Retry.Backoff))
			}
		}
	}

	if _, sensitive := v.securitySensitive[step.Tool]; sensitive {
		warns = append(warns, fmt.Sprintf(
			"Step %q uses security-sensitive tool %q", step.ID, step.Tool))
	}
	return errs, warns
}

func (v *Validator) validateSecurity(p *plan.Plan, level ValidationLevel) (errs, issues []string) {
	used := map[string]struct{}{}
	for i := range p.Flows {
		for j := range p.Flows[i].Steps {
			if tool := p.Flows[i].Steps[j].Tool; tool != "" {
				used[tool] = struct{}{}
			}
		}
	}

	if len(p.SecurityContext.AllowedTools) > 0 {
		allowed := map[string]struct{}{}
		for _, tool := range p.SecurityContext.AllowedTools {
			allowed[tool] = struct{}{}
		}
		var unauthorized []string
		for tool := range used {
			if _, ok := allowed[tool]; !ok {
				unauthorized = append(unauthorized, tool)
			}
		}
		if len(unauthorized) > 0 {
			sort.Strings(unauthorized)
			errs = append(errs, fmt.Sprintf(
				"Unauthorized tools used: %s", strings.Join(unauthorized, ", ")))
		}
	}

	if len(p.SecurityContext.RequiredCapabilities) > 0 {
		issues = append(issues, fmt.Sprintf("Plan requires capabilities: %s",
			strings.Join(p.SecurityContext.RequiredCapabilities, ", ")))
	}
	if p.SecurityContext.RequiresApproval {
		issues = append(issues, "Plan requires approval before execution")
	}
	if len(p.SecurityContext.PolicyRefs) > 0 {
		issues = append(issues, fmt.Sprintf("Plan references policies: %s",
			strings.Join(p.SecurityContext.PolicyRefs, ", ")))
	}
	if p.SecurityContext.PIIHandling != "" {
		issues = append(issues, fmt.Sprintf(
			"Plan has PII handling requirements: %s", p.SecurityContext.PIIHandling))
	}

	usesSensitive := false
	for tool := range used {
		if _, ok := v.securitySensitive[tool]; ok {
			usesSensitive = true
			break
		}
	}

	switch level {
	case ValidationStrict:
		if len(p.SecurityContext.AllowedTools) == 0 {
			errs = append(errs, "Strict validation requires explicit tool allowlist")
		}
		if usesSensitive && !p.SecurityContext.RequiresApproval {
			issues = append(issues, "Security-sensitive operations should require approval in strict mode")
		}
	case ValidationSecurityFocused:
		if len(p.SecurityContext.AllowedTools) == 0 {
			errs = append(errs, "Security-focused validation requires explicit tool allowlist")
		}
		if len(p.SecurityContext.RequiredCapabilities) == 0 {
			errs = append(errs, "Security-focused validation requires capability tokens")
		}
		if usesSensitive && !p.SecurityContext.RequiresApproval {
			errs = append(errs, "Security-sensitive operations must require approval in security-focused mode")
		}
	}
	return errs, issues
}

func (v *Validator) validateResources(p *plan.Plan, level ValidationLevel) (errs, issues []string) {
	res := p.Resources

	if res.CPU != "" && !cpuPattern.MatchString(res.CPU) {
		errs = append(errs, fmt.Sprintf("Invalid CPU format: %s", res.CPU))
	}
	if res.Memory != "" && !memoryPattern.MatchString(res.Memory) {
		errs = append(errs, fmt.Sprintf("Invalid memory format: %s", res.Memory))
	}

	if millicores, ok := cpuMillicores(res.CPU); ok && millicores > 2000 {
		issues = append(issues, fmt.Sprintf("High CPU usage: %s", res.CPU))
	}
	if gb, ok := memoryGi(res.Memory); ok && gb > 4 {
		issues = append(issues, fmt.Sprintf("High memory usage: %s", res.Memory))
	}

	if len(res.ExternalServices) > 0 {
		issues = append(issues, fmt.Sprintf("Plan depends on external services: %s",
			strings.Join(res.ExternalServices, ", ")))
	}

	if level == ValidationStrict || level == ValidationSecurityFocused {
		if res.CPU == "" {
			errs = append(errs, "Strict validation requires explicit CPU limits")
		}
		if res.Memory == "" {
			errs = append(errs, "Strict validation requires explicit memory limits")
		}
		if millicores, ok := cpuMillicores(res.CPU); ok && millicores > 1000 {
			issues = append(issues, fmt.Sprintf("High CPU usage in strict mode: %s", res.CPU))
		}
	}
	return errs, issues
}

func (v *Validator) validateDependencies(p *plan.Plan) (errs, issues []string) {
	deps := p.Metadata.ResolvedDependencies
	if len(deps) == 0 {
		issues = append(issues, "No dependencies resolved - plan may be self-contained")
	}
	for _, dep := range deps {
		if dep.Version == "" {
			errs = append(errs, fmt.Sprintf("Dependency missing version: %s", fallback(dep.Name, "unknown")))
		} else if !semverPattern.MatchString(dep.Version) {
			errs = append(errs, fmt.Sprintf("Invalid dependency version format: %s", dep.Version))
		}
	}
	return errs, issues
}

func (v *Validator) analyzePerformance(p *plan.Plan) []string {
	var warns []string

	total := 0
	for i := range p.Flows {
		total += len(p.Flows[i].Steps)
	}
	if total > 50 {
		warns = append(warns, fmt.Sprintf("Large number of steps (%d) may impact performance", total))
	}

	for i := range p.Flows {
		if chain := maxChainLength(p.Flows[i].Steps); chain > 10 {
			warns = append(warns, fmt.Sprintf(
				"Long dependency chain (%d) in flow %q", chain, p.Flows[i].ID))
		}
	}

	for i := range p.Flows {
		if !p.Flows[i].Parallel && len(p.Flows[i].Steps) > 5 {
			warns = append(warns, "Sequential flows with many steps may benefit from parallelization")
			break
		}
	}
	return warns
}

const defaultStepTimeout = 30 // seconds

func estimateDuration(p *plan.Plan) int {
	total := 0
	for i := range p.Flows {
		flow := &p.Flows[i]
		if flow.Parallel {
			longest := 0
			for j := range flow.Steps {
				if d := stepTimeout(&flow.Steps[j]); d > longest {
					longest = d
				}
			}
			total += longest
		} else {
			for j := range flow.Steps {
				total += stepTimeout(&flow.Steps[j])
			}
		}
	}
	return total
}

func stepTimeout(s *plan.Step) int {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return defaultStepTimeout
}

func estimateCost(p *plan.Plan, duration int) float64 {
	const baseCostPerSecond = 0.001
	cost := float64(duration) * baseCostPerSecond

	multiplier := 1.0
	if millicores, ok := cpuMillicores(p.Resources.CPU); ok {
		multiplier *= float64(millicores) / 1000.0
	}
	if gb, ok := memoryGi(p.Resources.Memory); ok {
		multiplier *= float64(gb)
	}
	return cost * multiplier
}

func cpuMillicores(cpu string) (int, bool) {
	if !strings.HasSuffix(cpu, "m") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(cpu, "m"))
	if err != nil {
		return 0, false
	}
	return n, true
}

func memoryGi(memory string) (int, bool) {
	if !strings.HasSuffix(memory, "Gi") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(memory, "Gi"))
	if err != nil {
		return 0, false
	}
	return n, true
}
