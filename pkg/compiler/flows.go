package compiler

import (
	"fmt"
	"sort"

	"github.com/anumate/enforcement-core/pkg/plan"
)

// transformAutomation translates a capsule's automation definition
// into execution flows. Three shapes are recognized: a single
// workflow, a bare step list, and a set of named pipelines. Anything
// else becomes one flow with a single default step carrying the raw
// automation as parameters.
func transformAutomation(automation map[string]any) []plan.Flow {
	if workflow, ok := automation["workflow"].(map[string]any); ok {
		return []plan.Flow{workflowToFlow(workflow)}
	}
	if steps, ok := automation["steps"].([]any); ok {
		return []plan.Flow{{
			ID:          "main",
			Name:        "Main Flow",
			Description: "Main execution flow",
			OnFailure:   plan.FailStop,
			Steps:       stepsFromList(steps, ""),
		}}
	}
	if pipelines, ok := automation["pipelines"].(map[string]any); ok {
		names := make([]string, 0, len(pipelines))
		for name := range pipelines {
			names = append(names, name)
		}
		sort.Strings(names)

		flows := make([]plan.Flow, 0, len(names))
		for _, name := range names {
			def, ok := pipelines[name].(map[string]any)
			if !ok {
				continue
			}
			flows = append(flows, pipelineToFlow(name, def))
		}
		if len(flows) > 0 {
			return flows
		}
	}

	return []plan.Flow{{
		ID:          "main",
		Name:        "Main Flow",
		Description: "Default execution flow",
		OnFailure:   plan.FailStop,
		Steps: []plan.Step{{
			ID:         "default_step",
			Name:       "Default Step",
			Type:       plan.StepAction,
			Action:     "execute",
			Parameters: automation,
		}},
	}}
}

func workflowToFlow(workflow map[string]any) plan.Flow {
	steps, _ := workflow["steps"].([]any)
	return plan.Flow{
		ID:             asString(workflow["id"], "main"),
		Name:           asString(workflow["name"], "Main Workflow"),
		Description:    asString(workflow["description"], ""),
		Steps:          stepsFromList(steps, ""),
		Parallel:       asBool(workflow["parallel"]),
		MaxConcurrency: asInt(workflow["max_concurrency"], 0),
		OnFailure:      failurePolicy(workflow["on_failure"]),
		RollbackSteps:  anyStrings(workflow["rollback_steps"]),
		Metadata:       asMap(workflow["metadata"]),
	}
}

func pipelineToFlow(name string, def map[string]any) plan.Flow {
	stages, _ := def["stages"].([]any)
	return plan.Flow{
		ID:             name,
		Name:           asString(def["name"], name),
		Description:    asString(def["description"], ""),
		Steps:          stepsFromList(stages, name+"_stage"),
		Parallel:       asBool(def["parallel"]),
		MaxConcurrency: asInt(def["max_concurrency"], 0),
		OnFailure:      failurePolicy(def["on_failure"]),
		RollbackSteps:  anyStrings(def["rollback_steps"]),
		Metadata:       asMap(def["metadata"]),
	}
}

func stepsFromList(defs []any, idPrefix string) []plan.Step {
	steps := make([]plan.Step, 0, len(defs))
	for i, raw := range defs {
		def, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		steps = append(steps, stepFromMap(def, i, idPrefix))
	}
	return steps
}

func stepFromMap(def map[string]any, index int, idPrefix string) plan.Step {
	defaultID := fmt.Sprintf("step_%d", index)
	defaultName := fmt.Sprintf("Step %d", index+1)
	if idPrefix != "" {
		defaultID = fmt.Sprintf("%s_%d", idPrefix, index)
		defaultName = fmt.Sprintf("Stage %d", index+1)
	}

	step := plan.Step{
		ID:          asString(def["id"], defaultID),
		Name:        asString(def["name"], defaultName),
		Description: asString(def["description"], ""),
		Type:        plan.StepType(asString(def["type"], string(plan.StepAction))),
		Action:      asString(def["action"], ""),
		Tool:        asString(def["tool"], ""),
		Parameters:  asMap(def["parameters"]),
		Inputs:      asMap(def["inputs"]),
		Outputs:     asStringMap(def["outputs"]),
		DependsOn:   anyStrings(def["depends_on"]),
		Conditions:  anyStrings(def["conditions"]),
		Timeout:     asInt(def["timeout"], 0),
		Metadata:    asMap(def["metadata"]),
		Tags:        anyStrings(def["tags"]),
	}

	if retry, ok := def["retry"].(map[string]any); ok {
		step.Retry = &plan.RetryPolicy{
			MaxAttempts: asInt(retry["max_attempts"], 0),
			Backoff:     asString(retry["backoff"], ""),
		}
	}
	return step
}

func failurePolicy(v any) plan.FailurePolicy {
	switch plan.FailurePolicy(asString(v, "stop")) {
	case plan.FailContinue:
		return plan.FailContinue
	case plan.FailRollback:
		return plan.FailRollback
	}
	return plan.FailStop
}

func asString(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asStringMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}
