package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/canonical"
	"github.com/anumate/enforcement-core/pkg/plan"
	"github.com/anumate/enforcement-core/pkg/plancache"
)

// Version of the compiler, recorded in plan metadata. Bump on any
// change that alters compiled output.
const Version = "1.0.0"

// Options controls one compilation.
type Options struct {
	OptimizationLevel    Level
	ValidationLevel      ValidationLevel
	ValidateDependencies bool
	CacheResult          bool
	Variables            map[string]any
	Configuration        map[string]any
}

// DefaultOptions compiles at standard optimization with dependency
// validation and caching on.
func DefaultOptions() Options {
	return Options{
		OptimizationLevel:    LevelStandard,
		ValidationLevel:      ValidationStandard,
		ValidateDependencies: true,
		CacheResult:          true,
	}
}

// Result is the outcome of one compilation.
type Result struct {
	Success bool
	Plan    *plan.Plan
	Cached  bool

	Errors   []string
	Warnings []string

	CompilationTime time.Duration

	Resolved   []plan.ResolvedDependency
	Unresolved []string
	Conflicts  []string

	Validation *ValidationResult
	Analysis   *Analysis
}

// Compiler runs the compilation pipeline: resolve dependencies,
// transform flows, extract security and resource requirements, build
// the plan, optimize, validate, cache.
type Compiler struct {
	resolver  *Resolver
	optimizer *Optimizer
	validator *Validator
	cache     *plancache.Cache
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	compiled map[string]string // compilation cache key -> plan hash
}

// New creates a compiler. The cache may be nil to disable caching.
func New(registry Registry, cache *plancache.Cache) *Compiler {
	return &Compiler{
		resolver:  NewResolver(registry),
		optimizer: NewOptimizer(),
		validator: NewValidator(),
		cache:     cache,
		logger:    slog.Default().With("component", "plan-compiler"),
		now:       time.Now,
		compiled:  map[string]string{},
	}
}

// Validator exposes the compiler's validator for callers that need to
// re-check a plan outside compilation.
func (c *Compiler) Validator() *Validator { return c.validator }

// Compile turns a capsule into an executable plan.
func (c *Compiler) Compile(ctx context.Context, capsule *Capsule, tenantID, compiledBy uuid.UUID, opts Options) *Result {
	start := c.now()
	result := &Result{}
	finish := func() *Result {
		result.CompilationTime = c.now().Sub(start)
		return result
	}

	c.logger.Info("starting capsule compilation",
		"capsule_name", capsule.Name,
		"capsule_version", capsule.Version,
		"tenant_id", tenantID)

	cacheKey, keyErr := c.compilationCacheKey(capsule, opts)
	if keyErr == nil && opts.CacheResult && c.cache != nil {
		if cached := c.cachedPlan(cacheKey, tenantID); cached != nil {
			c.logger.Info("using cached compilation result",
				"capsule_name", capsule.Name, "plan_hash", cached.Hash)
			result.Success = true
			result.Cached = true
			result.Plan = cached
			result.Resolved = cached.Metadata.ResolvedDependencies
			return finish()
		}
	}

	// Stage 1: dependency resolution.
	resolution := &Resolution{OK: true}
	if len(capsule.Dependencies) > 0 {
		var err error
		resolution, err = c.resolver.Resolve(ctx, tenantID, capsule.Dependencies)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Compilation error: %v", err))
			return finish()
		}
	}
	result.Resolved = resolution.Resolved
	result.Unresolved = resolution.Unresolved
	result.Conflicts = resolution.Conflicts
	if !resolution.OK && opts.ValidateDependencies {
		result.Errors = append(result.Errors, fmt.Sprintf(
			"Dependency resolution failed: %s", strings.Join(resolution.Unresolved, ", ")))
		result.Errors = append(result.Errors, resolution.Conflicts...)
		return finish()
	}

	// Stage 2: flow transformation.
	flows := transformAutomation(capsule.Automation)

	// Stages 3-4: security context and resource extraction.
	security := extractSecurityContext(capsule)
	resources := extractResources(capsule)

	// Stage 5: metadata.
	checksum, err := capsule.Checksum()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("Compilation error: %v", err))
		return finish()
	}
	md := plan.Metadata{
		SourceCapsuleID:       capsuleID(capsule),
		SourceCapsuleName:     capsule.Name,
		SourceCapsuleVersion:  capsule.Version,
		SourceCapsuleChecksum: checksum,
		CompiledAt:            c.now().UTC(),
		CompiledBy:            compiledBy,
		CompilerVersion:       Version,
		ResolvedDependencies:  resolution.Resolved,
		OptimizationLevel:     string(opts.OptimizationLevel),
	}

	// Stage 6: plan construction.
	mainFlow := "main"
	if len(flows) > 0 {
		mainFlow = flows[0].ID
	}
	p, err := plan.New(tenantID, capsule.Name, capsule.Version, flows, mainFlow, md)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("Compilation error: %v", err))
		return finish()
	}
	p.Description = capsule.Description
	p.SecurityContext = security
	p.Resources = resources
	p.Configuration = opts.Configuration
	p.Variables = opts.Variables
	if err := p.Rehash(); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("Compilation error: %v", err))
		return finish()
	}

	// Stage 7: optimization.
	analysis, err := c.optimizer.Optimize(p, opts.OptimizationLevel)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("Compilation error: %v", err))
		return finish()
	}
	result.Analysis = analysis

	// Stage 8: validation.
	validation := c.validator.Validate(p, opts.ValidationLevel)
	result.Validation = validation
	result.Errors = append(result.Errors, validation.Errors...)
	result.Warnings = append(result.Warnings, validation.Warnings...)
	p.Metadata.ValidationWarnings = validation.Warnings
	if validation.Valid {
		p.Metadata.ValidationStatus = "valid"
	} else {
		p.Metadata.ValidationStatus = "invalid"
	}

	result.Success = validation.Valid
	if result.Success {
		result.Plan = p
		if keyErr == nil && opts.CacheResult && c.cache != nil {
			tags := []string{
				"capsule:" + capsule.Name,
				"version:" + capsule.Version,
				"optimization:" + string(opts.OptimizationLevel),
				"compiled",
			}
			if c.cache.Put(p, 0, tags) {
				c.mu.Lock()
				c.compiled[cacheKey] = p.Hash
				c.mu.Unlock()
			}
		}
	}

	c.logger.Info("capsule compilation completed",
		"capsule_name", capsule.Name,
		"plan_hash", p.Hash,
		"success", result.Success,
		"errors", len(result.Errors))
	return finish()
}

// cachedPlan resolves the compilation key to a plan hash, then the
// hash to a cached plan.
func (c *Compiler) cachedPlan(cacheKey string, tenantID uuid.UUID) *plan.Plan {
	c.mu.Lock()
	planHash, ok := c.compiled[cacheKey]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	p, hit := c.cache.Get(planHash, tenantID)
	if !hit {
		return nil
	}
	return p
}

// compilationCacheKey fingerprints the capsule content plus every
// setting that affects compiled output.
func (c *Compiler) compilationCacheKey(capsule *Capsule, opts Options) (string, error) {
	h, err := canonical.Hash(canonical.Scrub(map[string]any{
		"capsule_name":          capsule.Name,
		"capsule_version":       capsule.Version,
		"capsule_automation":    capsule.Automation,
		"capsule_tools":         sortedCopy(capsule.Tools),
		"capsule_policies":      sortedCopy(capsule.Policies),
		"capsule_dependencies":  sortedCopy(capsule.Dependencies),
		"optimization_level":    string(opts.OptimizationLevel),
		"validate_dependencies": opts.ValidateDependencies,
		"variables":             opts.Variables,
		"configuration":         opts.Configuration,
		"compiler_version":      Version,
	}))
	if err != nil {
		return "", err
	}
	return h[:32], nil
}

func extractSecurityContext(capsule *Capsule) plan.SecurityContext {
	return plan.SecurityContext{
		AllowedTools:         capsule.Tools,
		RequiredCapabilities: capsule.metaStrings("required_capabilities"),
		PolicyRefs:           capsule.Policies,
		RequiresApproval:     capsule.metaBool("requires_approval"),
		ApprovalRules:        capsule.metaStrings("approval_rules"),
		DataClassification:   capsule.metaString("data_classification"),
		PIIHandling:          capsule.metaString("pii_handling"),
	}
}

func extractResources(capsule *Capsule) plan.Resources {
	resources := capsule.metaMap("resources")
	out := plan.Resources{NetworkAccess: true}
	if resources == nil {
		return out
	}
	out.CPU = asString(resources["cpu"], "")
	out.Memory = asString(resources["memory"], "")
	out.Storage = asString(resources["storage"], "")
	if v, ok := resources["network_access"].(bool); ok {
		out.NetworkAccess = v
	}
	out.ExternalServices = anyStrings(resources["external_services"])
	out.Runtime = asString(resources["runtime"], "")
	out.Capabilities = anyStrings(resources["capabilities"])
	return out
}

func capsuleID(capsule *Capsule) uuid.UUID {
	if raw, ok := capsule.Metadata["capsule_id"].(string); ok {
		if id, err := uuid.Parse(raw); err == nil {
			return id
		}
	}
	return uuid.Nil
}
