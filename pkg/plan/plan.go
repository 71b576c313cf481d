// Package plan defines the ExecutablePlan model: the compiled,
// hash-stable representation of a capsule that the orchestrator runs.
// The plan hash covers everything except the plan id and volatile
// metadata, so two compilations of the same capsule at the same
// optimization level always agree.
package plan

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/canonical"
)

// StepType classifies an execution step.
type StepType string

const (
	StepAction    StepType = "action"
	StepCondition StepType = "condition"
	StepLoop      StepType = "loop"
	StepParallel  StepType = "parallel"
	StepSequence  StepType = "sequence"
	StepTransform StepType = "transform"
)

// FailurePolicy controls what a flow does when a step fails.
type FailurePolicy string

const (
	FailStop     FailurePolicy = "stop"
	FailContinue FailurePolicy = "continue"
	FailRollback FailurePolicy = "rollback"
)

// RetryPolicy configures step re-execution.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff,omitempty"`
}

// Step is one unit of work inside a flow.
type Step struct {
	ID          string   `json:"step_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        StepType `json:"step_type"`
	Action      string   `json:"action,omitempty"`
	Tool        string   `json:"tool,omitempty"`

	Parameters map[string]any    `json:"parameters,omitempty"`
	Inputs     map[string]any    `json:"inputs,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`

	DependsOn  []string     `json:"depends_on,omitempty"`
	Conditions []string     `json:"conditions,omitempty"`
	Retry      *RetryPolicy `json:"retry_policy,omitempty"`
	Timeout    int          `json:"timeout,omitempty"` // seconds

	Metadata map[string]any `json:"metadata,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
}

// Flow is an ordered sequence of steps with shared failure and
// concurrency settings.
type Flow struct {
	ID          string `json:"flow_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Steps []Step `json:"steps"`

	Parallel       bool `json:"parallel_execution"`
	MaxConcurrency int  `json:"max_concurrency,omitempty"`

	OnFailure     FailurePolicy `json:"on_failure"`
	RollbackSteps []string      `json:"rollback_steps,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Resources declares what the plan needs to run.
type Resources struct {
	CPU     string `json:"cpu,omitempty"`     // e.g. "100m", "1"
	Memory  string `json:"memory,omitempty"`  // e.g. "128Mi", "1Gi"
	Storage string `json:"storage,omitempty"`

	NetworkAccess    bool     `json:"network_access"`
	ExternalServices []string `json:"external_services,omitempty"`

	Runtime      string   `json:"runtime,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// SecurityContext carries the enforcement surface of a plan: which
// tools it may call, which capabilities and policies apply, and
// whether execution needs an approval first.
type SecurityContext struct {
	AllowedTools         []string `json:"allowed_tools,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	PolicyRefs           []string `json:"policy_refs,omitempty"`

	RequiresApproval bool     `json:"requires_approval"`
	ApprovalRules    []string `json:"approval_rules,omitempty"`

	DataClassification string `json:"data_classification,omitempty"`
	PIIHandling        string `json:"pii_handling,omitempty"`
}

// ResolvedDependency is one pinned dependency of a compiled plan.
type ResolvedDependency struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	CapsuleID uuid.UUID `json:"capsule_id"`
	Optional  bool      `json:"optional"`
	Checksum  string    `json:"checksum,omitempty"`
}

// Metadata records provenance and compilation facts. Only the source
// checksum, resolved dependencies and optimization level participate
// in the plan hash; everything else may vary between compilations.
type Metadata struct {
	SourceCapsuleID       uuid.UUID `json:"source_capsule_id"`
	SourceCapsuleName     string    `json:"source_capsule_name"`
	SourceCapsuleVersion  string    `json:"source_capsule_version"`
	SourceCapsuleChecksum string    `json:"source_capsule_checksum"`

	CompiledAt      time.Time `json:"compiled_at"`
	CompiledBy      uuid.UUID `json:"compiled_by"`
	CompilerVersion string    `json:"compiler_version"`

	ResolvedDependencies []ResolvedDependency `json:"resolved_dependencies"`

	OptimizationLevel string   `json:"optimization_level"`
	OptimizationNotes []string `json:"optimization_notes,omitempty"`

	ValidationStatus   string   `json:"validation_status,omitempty"`
	ValidationWarnings []string `json:"validation_warnings,omitempty"`

	EstimatedDuration int     `json:"estimated_duration,omitempty"` // seconds
	EstimatedCost     float64 `json:"estimated_cost,omitempty"`

	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Plan is a compiled executable plan.
type Plan struct {
	ID       uuid.UUID `json:"plan_id"`
	Hash     string    `json:"plan_hash"`
	TenantID uuid.UUID `json:"tenant_id"`

	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`

	Flows    []Flow `json:"flows"`
	MainFlow string `json:"main_flow"`

	Resources       Resources       `json:"resource_requirements"`
	SecurityContext SecurityContext `json:"security_context"`

	Metadata Metadata `json:"metadata"`

	Configuration map[string]any `json:"configuration,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// New assembles a plan, assigns a fresh id and computes its hash.
func New(tenantID uuid.UUID, name, version string, flows []Flow, mainFlow string, md Metadata) (*Plan, error) {
	p := &Plan{
		ID:       uuid.New(),
		TenantID: tenantID,
		Name:     name,
		Version:  version,
		Flows:    flows,
		MainFlow: mainFlow,
		Metadata: md,
	}
	if err := p.Rehash(); err != nil {
		return nil, err
	}
	return p, nil
}

// HashableContent returns the JSON tree the plan hash covers: the
// whole plan minus plan_id, with metadata reduced to the three fields
// that determine the compiled output.
func (p *Plan) HashableContent() (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("plan %s: marshal: %w", p.ID, err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("plan %s: decode: %w", p.ID, err)
	}

	delete(tree, "plan_id")
	delete(tree, "plan_hash")

	kept := map[string]any{
		"source_capsule_checksum": p.Metadata.SourceCapsuleChecksum,
		"optimization_level":      p.Metadata.OptimizationLevel,
		"resolved_dependencies":   []any{},
	}
	if md, ok := tree["metadata"].(map[string]any); ok {
		if deps, ok := md["resolved_dependencies"]; ok && deps != nil {
			kept["resolved_dependencies"] = deps
		}
	}
	tree["metadata"] = kept
	return tree, nil
}

// CalculateHash computes the canonical SHA-256 hash of the plan
// content.
func (p *Plan) CalculateHash() (string, error) {
	content, err := p.HashableContent()
	if err != nil {
		return "", err
	}
	return canonical.Hash(canonical.Scrub(content))
}

// Rehash recomputes and stores the plan hash. Call after any
// content-affecting mutation, such as optimization.
func (p *Plan) Rehash() error {
	h, err := p.CalculateHash()
	if err != nil {
		return err
	}
	p.Hash = h
	return nil
}

// VerifyHash reports whether the stored hash matches the content.
func (p *Plan) VerifyHash() (bool, error) {
	h, err := p.CalculateHash()
	if err != nil {
		return false, err
	}
	return h == p.Hash, nil
}

// Flow returns the flow with the given id, or nil.
func (p *Plan) Flow(id string) *Flow {
	for i := range p.Flows {
		if p.Flows[i].ID == id {
			return &p.Flows[i]
		}
	}
	return nil
}

// Main returns the plan's main flow, or nil when it does not exist.
func (p *Plan) Main() *Flow {
	return p.Flow(p.MainFlow)
}

// StepIDs returns the set of step ids in the flow.
func (f *Flow) StepIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(f.Steps))
	for i := range f.Steps {
		ids[f.Steps[i].ID] = struct{}{}
	}
	return ids
}

// Clone returns a deep copy of the step. Optimizer passes annotate
// step metadata and must not alias the original maps.
func (s Step) Clone() Step {
	out := s
	out.Parameters = cloneMap(s.Parameters)
	out.Inputs = cloneMap(s.Inputs)
	out.Outputs = cloneStringMap(s.Outputs)
	out.DependsOn = append([]string(nil), s.DependsOn...)
	out.Conditions = append([]string(nil), s.Conditions...)
	out.Tags = append([]string(nil), s.Tags...)
	out.Metadata = cloneMap(s.Metadata)
	if s.Retry != nil {
		retry := *s.Retry
		out.Retry = &retry
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
