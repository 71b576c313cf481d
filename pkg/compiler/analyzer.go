package compiler

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/anumate/enforcement-core/pkg/plan"
)

// CriticalPath is one longest-duration path through a flow's graph.
type CriticalPath struct {
	Steps         []string
	TotalDuration float64
	TotalCost     float64
	Bottlenecks   []string
}

// ParallelizationOpportunity is a topological generation whose steps
// could run concurrently.
type ParallelizationOpportunity struct {
	Steps            []string
	EstimatedSpeedup float64
	Constraints      []string
}

// ComplexityMetrics summarizes the shape of the dependency graph.
type ComplexityMetrics struct {
	NodeCount            int
	EdgeCount            int
	Density              float64
	AverageDegree        float64
	MaxDepth             int
	Width                int
	ParallelizationRatio float64
}

// Analysis is the result of dependency-graph analysis over a plan.
type Analysis struct {
	CriticalPaths   []CriticalPath
	Opportunities   []ParallelizationOpportunity
	ExecutionLevels [][]string

	TotalDuration float64
	TotalCost     float64

	Metrics         ComplexityMetrics
	Recommendations []string

	stepDurations map[string]float64
	stepCosts     map[string]float64
}

// StepDuration returns the estimated duration of a step, in seconds.
func (a *Analysis) StepDuration(stepID string) float64 { return a.stepDurations[stepID] }

// StepCost returns the estimated cost of a step, in dollars.
func (a *Analysis) StepCost(stepID string) float64 { return a.stepCosts[stepID] }

// Analyzer estimates per-step duration and cost and derives critical
// paths, parallelization opportunities and complexity metrics from the
// combined dependency graph of a plan's flows.
type Analyzer struct {
	logger *slog.Logger
}

func NewAnalyzer() *Analyzer {
	return &Analyzer{logger: slog.Default().With("component", "dependency-analyzer")}
}

// Analyze runs dependency analysis across every flow of the plan.
func (a *Analyzer) Analyze(p *plan.Plan) *Analysis {
	out := &Analysis{
		stepDurations: map[string]float64{},
		stepCosts:     map[string]float64{},
	}

	for i := range p.Flows {
		flow := &p.Flows[i]
		g := buildStepGraph(flow.Steps, estimateStep)
		for id, node := range g.nodes {
			out.stepDurations[id] = node.Duration
			out.stepCosts[id] = node.Cost
		}

		levels, acyclic := g.generations()
		out.ExecutionLevels = append(out.ExecutionLevels, levels...)

		if acyclic {
			if path := g.longestPath(); len(path) > 0 {
				out.CriticalPaths = append(out.CriticalPaths, buildCriticalPath(g, path))
			}
			out.Opportunities = append(out.Opportunities, findOpportunities(g, levels)...)
		}

		out.Metrics = mergeMetrics(out.Metrics, graphMetrics(g, levels, acyclic))
	}

	for _, cp := range out.CriticalPaths {
		out.TotalDuration += cp.TotalDuration
		out.TotalCost += cp.TotalCost
	}

	out.Recommendations = recommendOptimizations(out)

	a.logger.Info("dependency analysis completed",
		"plan_hash", p.Hash,
		"critical_paths", len(out.CriticalPaths),
		"opportunities", len(out.Opportunities),
		"total_duration", out.TotalDuration,
		"total_cost", out.TotalCost)
	return out
}

// estimateStep derives duration (seconds) and cost (dollars) from the
// step type and tool.
func estimateStep(s *plan.Step) (float64, float64) {
	switch s.Type {
	case plan.StepCondition:
		return 1, 0.001
	case plan.StepLoop:
		iterations := 10.0
		if v, ok := s.Parameters["iterations"]; ok {
			switch n := v.(type) {
			case int:
				iterations = float64(n)
			case int64:
				iterations = float64(n)
			case float64:
				iterations = n
			}
		}
		return iterations * 5, iterations * 0.01
	case plan.StepParallel:
		return 10, 0.02
	case plan.StepTransform:
		return 3, 0.005
	default: // action and anything else
		switch s.Tool {
		case "database", "sql":
			return 2.5, 0.02
		case "http", "api":
			return 10, 0.015
		case "compute":
			return 15, 0.05
		}
		return 5, 0.01
	}
}

func buildCriticalPath(g *stepGraph, path []string) CriticalPath {
	cp := CriticalPath{Steps: path}
	for _, id := range path {
		cp.TotalDuration += g.nodes[id].Duration
		cp.TotalCost += g.nodes[id].Cost
	}
	// Bottlenecks take over a fifth of the whole path.
	for _, id := range path {
		if g.nodes[id].Duration > cp.TotalDuration*0.2 {
			cp.Bottlenecks = append(cp.Bottlenecks, id)
		}
	}
	return cp
}

func findOpportunities(g *stepGraph, levels [][]string) []ParallelizationOpportunity {
	var opportunities []ParallelizationOpportunity
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}

		var sequential, longest float64
		for _, id := range level {
			d := g.nodes[id].Duration
			sequential += d
			if d > longest {
				longest = d
			}
		}
		speedup := 1.0
		if longest > 0 {
			speedup = sequential / longest
		}

		// Two steps on the same exclusive tool cannot actually
		// overlap; record the conflict as a constraint.
		var constraints []string
		seen := map[string]struct{}{}
		for _, id := range level {
			tool := g.nodes[id].Step.Tool
			if _, exclusive := exclusiveTools[tool]; !exclusive {
				continue
			}
			if _, dup := seen[tool]; dup {
				constraints = append(constraints, fmt.Sprintf("Resource conflict: %s", tool))
			}
			seen[tool] = struct{}{}
		}
		sort.Strings(constraints)

		opportunities = append(opportunities, ParallelizationOpportunity{
			Steps:            level,
			EstimatedSpeedup: speedup,
			Constraints:      constraints,
		})
	}
	return opportunities
}

func graphMetrics(g *stepGraph, levels [][]string, acyclic bool) ComplexityMetrics {
	m := ComplexityMetrics{
		NodeCount: g.nodeCount(),
		EdgeCount: g.edgeCount(),
	}
	if m.NodeCount > 1 {
		m.Density = float64(m.EdgeCount) / float64(m.NodeCount*(m.NodeCount-1))
	}
	if m.NodeCount > 0 {
		m.AverageDegree = float64(2*m.EdgeCount) / float64(m.NodeCount)
	}
	if acyclic {
		m.MaxDepth = len(g.longestPath())
		parallelNodes := 0
		for _, level := range levels {
			if len(level) > m.Width {
				m.Width = len(level)
			}
			if len(level) > 1 {
				parallelNodes += len(level)
			}
		}
		if m.NodeCount > 0 {
			m.ParallelizationRatio = float64(parallelNodes) / float64(m.NodeCount)
		}
	}
	return m
}

// mergeMetrics folds per-flow metrics into plan totals. Depth and
// width take the maximum across flows, ratios are recomputed from the
// summed counts.
func mergeMetrics(acc, next ComplexityMetrics) ComplexityMetrics {
	out := ComplexityMetrics{
		NodeCount: acc.NodeCount + next.NodeCount,
		EdgeCount: acc.EdgeCount + next.EdgeCount,
		MaxDepth:  max(acc.MaxDepth, next.MaxDepth),
		Width:     max(acc.Width, next.Width),
	}
	if out.NodeCount > 1 {
		out.Density = float64(out.EdgeCount) / float64(out.NodeCount*(out.NodeCount-1))
	}
	if out.NodeCount > 0 {
		out.AverageDegree = float64(2*out.EdgeCount) / float64(out.NodeCount)
		weighted := acc.ParallelizationRatio*float64(acc.NodeCount) + next.ParallelizationRatio*float64(next.NodeCount)
		out.ParallelizationRatio = weighted / float64(out.NodeCount)
	}
	return out
}

func recommendOptimizations(a *Analysis) []string {
	var out []string

	if len(a.CriticalPaths) > 0 {
		longest := a.CriticalPaths[0]
		for _, cp := range a.CriticalPaths[1:] {
			if cp.TotalDuration > longest.TotalDuration {
				longest = cp
			}
		}
		if len(longest.Bottlenecks) > 0 {
			out = append(out, fmt.Sprintf("Optimize bottleneck steps: %s",
				strings.Join(longest.Bottlenecks, ", ")))
		}
	}

	highSpeedup := 0
	bestSpeedup := 0.0
	for _, opp := range a.Opportunities {
		if opp.EstimatedSpeedup > 2.0 && len(opp.Constraints) == 0 {
			highSpeedup++
			if opp.EstimatedSpeedup > bestSpeedup {
				bestSpeedup = opp.EstimatedSpeedup
			}
		}
	}
	if highSpeedup > 0 {
		out = append(out, fmt.Sprintf(
			"Enable parallel execution for %d step groups (potential %.1fx speedup)",
			highSpeedup, bestSpeedup))
	}

	if a.Metrics.ParallelizationRatio < 0.3 {
		out = append(out, "Consider restructuring plan to increase parallelization opportunities")
	}
	if a.Metrics.MaxDepth > 20 {
		out = append(out, "Plan has deep dependency chain - consider breaking into smaller plans")
	}
	if a.Metrics.Density > 0.7 {
		out = append(out, "High dependency density detected - review if all dependencies are necessary")
	}

	conflicts := 0
	for _, opp := range a.Opportunities {
		conflicts += len(opp.Constraints)
	}
	if conflicts > 0 {
		out = append(out, "Resolve resource conflicts to enable better parallelization")
	}

	return out
}
