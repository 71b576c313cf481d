package compiler

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/anumate/enforcement-core/pkg/canonical"
	"github.com/anumate/enforcement-core/pkg/plan"
)

// Level selects how aggressively plans are rewritten. Each level
// includes everything below it.
type Level string

const (
	LevelNone       Level = "none"
	LevelBasic      Level = "basic"
	LevelStandard   Level = "standard"
	LevelAggressive Level = "aggressive"
)

// ParseLevel maps a string to a known level, defaulting to standard.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelNone, LevelBasic, LevelStandard, LevelAggressive:
		return Level(s)
	}
	return LevelStandard
}

const (
	expensiveStepCost  = 0.10
	maxConcurrencyCap  = 10
	minSpeedupForGroup = 1.5
	bottleneckTimeout  = 300 // seconds
)

// Optimizer rewrites plans in place: deduplication and merging at
// basic, parallelization and retry annotation at standard, critical
// path reordering at aggressive. The plan hash is recomputed after
// every pass.
type Optimizer struct {
	analyzer *Analyzer
	logger   *slog.Logger
}

func NewOptimizer() *Optimizer {
	return &Optimizer{
		analyzer: NewAnalyzer(),
		logger:   slog.Default().With("component", "plan-optimizer"),
	}
}

// Optimize applies the requested level to the plan and returns the
// dependency analysis when one was run.
func (o *Optimizer) Optimize(p *plan.Plan, level Level) (*Analysis, error) {
	if level == LevelNone {
		p.Metadata.OptimizationLevel = string(level)
		return nil, p.Rehash()
	}

	for i := range p.Flows {
		o.optimizeBasic(&p.Flows[i])
	}
	notes := []string{fmt.Sprintf("Applied %s optimization", level)}

	var analysis *Analysis
	if level == LevelStandard || level == LevelAggressive {
		analysis = o.analyzer.Analyze(p)
		p.Metadata.EstimatedDuration = int(analysis.TotalDuration)
		p.Metadata.EstimatedCost = analysis.TotalCost
		notes = append(notes, analysis.Recommendations...)

		for i := range p.Flows {
			o.optimizeStandard(&p.Flows[i], analysis)
		}
	}

	if level == LevelAggressive {
		for i := range p.Flows {
			o.optimizeAggressive(&p.Flows[i], analysis)
		}
	}

	p.Metadata.OptimizationLevel = string(level)
	p.Metadata.OptimizationNotes = append(p.Metadata.OptimizationNotes, notes...)

	if err := p.Rehash(); err != nil {
		return nil, err
	}
	o.logger.Info("plan optimization completed",
		"plan_hash", p.Hash, "optimization_level", level)
	return analysis, nil
}

// optimizeBasic drops duplicate steps and merges consecutive
// compatible ones.
func (o *Optimizer) optimizeBasic(flow *plan.Flow) {
	seen := map[string]struct{}{}
	deduped := make([]plan.Step, 0, len(flow.Steps))
	for _, step := range flow.Steps {
		sig := stepSignature(&step)
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		deduped = append(deduped, step)
	}
	flow.Steps = mergeConsecutive(deduped)
}

// stepSignature identifies a step for deduplication by what it does,
// not what it is called.
func stepSignature(s *plan.Step) string {
	paramsHash, err := canonical.Hash(canonical.Scrub(map[string]any{"params": s.Parameters}))
	if err != nil {
		paramsHash = "unhashable-params"
	}
	return fmt.Sprintf("%s:%s:%s:%s", s.Type, s.Action, s.Tool, paramsHash[:16])
}

func mergeConsecutive(steps []plan.Step) []plan.Step {
	if len(steps) <= 1 {
		return steps
	}
	merged := []plan.Step{steps[0]}
	for _, current := range steps[1:] {
		previous := &merged[len(merged)-1]
		if canMerge(previous, &current) {
			merged[len(merged)-1] = mergeSteps(previous, &current)
		} else {
			merged = append(merged, current)
		}
	}
	return merged
}

func canMerge(a, b *plan.Step) bool {
	if a.Tool != b.Tool {
		return false
	}
	if a.Type != plan.StepAction || b.Type != plan.StepAction {
		return false
	}
	if contains(b.DependsOn, a.ID) || contains(a.DependsOn, b.ID) {
		return false
	}
	return retryEqual(a.Retry, b.Retry)
}

func retryEqual(a, b *plan.RetryPolicy) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func mergeSteps(a, b *plan.Step) plan.Step {
	out := a.Clone()
	out.ID = a.ID + "_merged_" + b.ID
	out.Name = a.Name + " + " + b.Name
	out.Description = fmt.Sprintf("Merged: %s and %s", fallback(a.Description, a.Name), fallback(b.Description, b.Name))

	out.Parameters = mergeAnyMaps(a.Parameters, b.Parameters)
	out.Inputs = mergeAnyMaps(a.Inputs, b.Inputs)
	out.Outputs = mergeStringMaps(a.Outputs, b.Outputs)
	out.DependsOn = unionSorted(a.DependsOn, b.DependsOn)
	out.Conditions = append(append([]string(nil), a.Conditions...), b.Conditions...)
	out.Tags = unionSorted(a.Tags, b.Tags)

	out.Timeout = max(a.Timeout, b.Timeout)
	out.Metadata = mergeAnyMaps(a.Metadata, b.Metadata)
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	out.Metadata["merged_from"] = []string{a.ID, b.ID}
	return out
}

// optimizeStandard enables parallel execution where the dependency
// graph allows it and protects expensive steps with a retry policy.
func (o *Optimizer) optimizeStandard(flow *plan.Flow, analysis *Analysis) {
	g := buildStepGraph(flow.Steps, estimateStep)
	levels, acyclic := g.generations()
	if acyclic {
		groups := 0
		maxGroup := 0
		for _, level := range levels {
			if len(level) > 1 {
				groups++
				if len(level) > maxGroup {
					maxGroup = len(level)
				}
			}
		}
		if groups > 1 {
			flow.Parallel = true
			flow.MaxConcurrency = min(maxGroup, maxConcurrencyCap)
		}
	}

	for i := range flow.Steps {
		step := &flow.Steps[i]
		if step.Retry == nil && analysis.StepCost(step.ID) > expensiveStepCost {
			step.Retry = &plan.RetryPolicy{MaxAttempts: 3, Backoff: "exponential"}
		}
	}
}

// optimizeAggressive reorders steps to front-load the critical path,
// tags safely parallelizable groups and widens bottleneck timeouts.
func (o *Optimizer) optimizeAggressive(flow *plan.Flow, analysis *Analysis) {
	g := buildStepGraph(flow.Steps, estimateStep)
	critical := g.longestPath()
	criticalSet := map[string]struct{}{}
	for _, id := range critical {
		criticalSet[id] = struct{}{}
	}

	var first, rest []plan.Step
	for _, step := range flow.Steps {
		if _, ok := criticalSet[step.ID]; ok {
			first = append(first, step)
		} else {
			rest = append(rest, step)
		}
	}
	flow.Steps = append(first, rest...)

	groupOf := map[string]string{}
	for i, opp := range analysis.Opportunities {
		if opp.EstimatedSpeedup > minSpeedupForGroup && len(opp.Constraints) == 0 {
			for _, id := range opp.Steps {
				groupOf[id] = fmt.Sprintf("parallel_group_%d", i)
			}
		}
	}

	bottlenecks := map[string]struct{}{}
	for _, cp := range analysis.CriticalPaths {
		for _, id := range cp.Bottlenecks {
			bottlenecks[id] = struct{}{}
		}
	}

	for i := range flow.Steps {
		step := &flow.Steps[i]
		if group, ok := groupOf[step.ID]; ok {
			annotated := step.Clone()
			if annotated.Metadata == nil {
				annotated.Metadata = map[string]any{}
			}
			annotated.Metadata["parallel_group"] = group
			annotated.Tags = unionSorted(annotated.Tags, []string{"parallelizable"})
			flow.Steps[i] = annotated
			step = &flow.Steps[i]
		}
		if _, ok := bottlenecks[step.ID]; ok {
			widened := step.Clone()
			if widened.Timeout < bottleneckTimeout {
				widened.Timeout = bottleneckTimeout
			}
			widened.Tags = unionSorted(widened.Tags, []string{"bottleneck"})
			flow.Steps[i] = widened
		}
	}
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func fallback(s, alt string) string {
	if s != "" {
		return s
	}
	return alt
}

func mergeAnyMaps(a, b map[string]any) map[string]any {
	if a == nil && b == nil {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func mergeStringMaps(a, b map[string]string) map[string]string {
	if a == nil && b == nil {
		return nil
	}
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func unionSorted(a, b []string) []string {
	set := map[string]struct{}{}
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
