package compiler

import (
	"sort"

	"github.com/anumate/enforcement-core/pkg/plan"
)

// Edge kinds in the step dependency graph. Control edges come from
// explicit depends_on, data edges from output/input wiring, resource
// edges from serialization on exclusive tools.
type edgeKind string

const (
	edgeControl  edgeKind = "control_flow"
	edgeData     edgeKind = "data_flow"
	edgeResource edgeKind = "resource_dependency"
)

const (
	controlWeight  = 1.0
	dataWeight     = 0.5
	resourceWeight = 0.3
)

// Tools that serialize access: two steps on the same exclusive tool
// cannot overlap.
var exclusiveTools = map[string]struct{}{
	"database":    {},
	"file_system": {},
	"network":     {},
}

type graphEdge struct {
	Kind   edgeKind
	Weight float64
}

type graphNode struct {
	Step     *plan.Step
	Duration float64 // seconds
	Cost     float64 // dollars
}

// stepGraph is a directed graph over step ids with weighted nodes.
// Iteration helpers are deterministic: node order follows insertion,
// generations are sorted.
type stepGraph struct {
	order []string
	nodes map[string]*graphNode
	out   map[string]map[string]graphEdge
	in    map[string]map[string]graphEdge
}

func newStepGraph() *stepGraph {
	return &stepGraph{
		nodes: map[string]*graphNode{},
		out:   map[string]map[string]graphEdge{},
		in:    map[string]map[string]graphEdge{},
	}
}

func (g *stepGraph) addNode(id string, node *graphNode) {
	if _, ok := g.nodes[id]; !ok {
		g.order = append(g.order, id)
	}
	g.nodes[id] = node
}

func (g *stepGraph) addEdge(from, to string, edge graphEdge) {
	if _, ok := g.nodes[from]; !ok {
		return
	}
	if _, ok := g.nodes[to]; !ok {
		return
	}
	if g.out[from] == nil {
		g.out[from] = map[string]graphEdge{}
	}
	if _, exists := g.out[from][to]; exists {
		return
	}
	g.out[from][to] = edge
	if g.in[to] == nil {
		g.in[to] = map[string]graphEdge{}
	}
	g.in[to][from] = edge
}

func (g *stepGraph) hasEdge(from, to string) bool {
	_, ok := g.out[from][to]
	return ok
}

func (g *stepGraph) nodeCount() int { return len(g.nodes) }

func (g *stepGraph) edgeCount() int {
	n := 0
	for _, targets := range g.out {
		n += len(targets)
	}
	return n
}

// generations returns the topological generations of the graph: level
// 0 holds nodes with no predecessors, each next level holds nodes
// whose predecessors all appear in earlier levels. The second return
// is false when the graph has a cycle.
func (g *stepGraph) generations() ([][]string, bool) {
	indegree := map[string]int{}
	for _, id := range g.order {
		indegree[id] = len(g.in[id])
	}

	var levels [][]string
	remaining := len(g.order)
	current := []string{}
	for _, id := range g.order {
		if indegree[id] == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		remaining -= len(current)

		var next []string
		for _, id := range current {
			for to := range g.out[id] {
				indegree[to]--
				if indegree[to] == 0 {
					next = append(next, to)
				}
			}
		}
		current = next
	}

	return levels, remaining == 0
}

// longestPath returns the path maximizing cumulative node duration,
// walking generations in order. Empty on cyclic graphs.
func (g *stepGraph) longestPath() []string {
	levels, acyclic := g.generations()
	if !acyclic {
		return nil
	}

	best := map[string]float64{}
	prev := map[string]string{}
	for _, level := range levels {
		for _, id := range level {
			best[id] = g.nodes[id].Duration
			// Deterministic choice among equal predecessors.
			parents := make([]string, 0, len(g.in[id]))
			for from := range g.in[id] {
				parents = append(parents, from)
			}
			sort.Strings(parents)
			for _, from := range parents {
				if candidate := best[from] + g.nodes[id].Duration; candidate > best[id] {
					best[id] = candidate
					prev[id] = from
				}
			}
		}
	}

	var endID string
	var endDuration float64
	for _, id := range g.order {
		if d := best[id]; endID == "" || d > endDuration || (d == endDuration && id < endID) {
			endID, endDuration = id, d
		}
	}
	if endID == "" {
		return nil
	}

	var path []string
	for id := endID; ; {
		path = append([]string{id}, path...)
		from, ok := prev[id]
		if !ok {
			break
		}
		id = from
	}
	return path
}

// buildStepGraph constructs the dependency graph for one flow per the
// analysis rules: explicit control edges, implicit data-flow edges and
// serialization edges between exclusive-tool steps ordered by step id.
func buildStepGraph(steps []plan.Step, weigh func(*plan.Step) (duration, cost float64)) *stepGraph {
	g := newStepGraph()

	for i := range steps {
		step := &steps[i]
		duration, cost := weigh(step)
		g.addNode(step.ID, &graphNode{Step: step, Duration: duration, Cost: cost})
	}

	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			g.addEdge(dep, steps[i].ID, graphEdge{Kind: edgeControl, Weight: controlWeight})
		}
	}

	// Data-flow edges: a step consuming another step's named output
	// must run after the producer.
	producers := map[string]string{}
	for i := range steps {
		for output := range steps[i].Outputs {
			producers[output] = steps[i].ID
		}
	}
	for i := range steps {
		for _, source := range steps[i].Inputs {
			name, ok := source.(string)
			if !ok {
				continue
			}
			producer, ok := producers[name]
			if !ok || producer == steps[i].ID {
				continue
			}
			if !g.hasEdge(producer, steps[i].ID) {
				g.addEdge(producer, steps[i].ID, graphEdge{Kind: edgeData, Weight: dataWeight})
			}
		}
	}

	// Serialization edges between steps sharing an exclusive tool.
	byTool := map[string][]string{}
	for i := range steps {
		if _, ok := exclusiveTools[steps[i].Tool]; ok {
			byTool[steps[i].Tool] = append(byTool[steps[i].Tool], steps[i].ID)
		}
	}
	for _, ids := range byTool {
		sort.Strings(ids)
		for i := 0; i+1 < len(ids); i++ {
			if !g.hasEdge(ids[i], ids[i+1]) {
				g.addEdge(ids[i], ids[i+1], graphEdge{Kind: edgeResource, Weight: resourceWeight})
			}
		}
	}

	return g
}

// hasCycle reports whether the depends_on graph of the steps contains
// a cycle. Only explicit dependencies count here; the validator uses
// this before any implicit edges are added.
func hasCycle(steps []plan.Step) bool {
	g := newStepGraph()
	for i := range steps {
		g.addNode(steps[i].ID, &graphNode{Step: &steps[i]})
	}
	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			g.addEdge(dep, steps[i].ID, graphEdge{Kind: edgeControl, Weight: controlWeight})
		}
	}
	_, acyclic := g.generations()
	return !acyclic
}

// maxChainLength is the longest explicit dependency chain, in edges.
func maxChainLength(steps []plan.Step) int {
	g := newStepGraph()
	for i := range steps {
		g.addNode(steps[i].ID, &graphNode{Step: &steps[i], Duration: 1})
	}
	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			g.addEdge(dep, steps[i].ID, graphEdge{Kind: edgeControl, Weight: controlWeight})
		}
	}
	path := g.longestPath()
	if len(path) == 0 {
		return 0
	}
	return len(path) - 1
}
