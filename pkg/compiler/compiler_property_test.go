//go:build property
// +build property

package compiler_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/anumate/enforcement-core/pkg/compiler"
)

// chainCapsule builds a capsule whose steps form a linear dependency
// chain on a single tool.
func chainCapsule(stepCount int, tool string) *compiler.Capsule {
	steps := make([]any, 0, stepCount)
	for i := 0; i < stepCount; i++ {
		step := map[string]any{
			"id":     fmt.Sprintf("s%d", i),
			"name":   fmt.Sprintf("Step %d", i),
			"type":   "action",
			"tool":   tool,
			"action": fmt.Sprintf("op_%d", i),
		}
		if i > 0 {
			step["depends_on"] = []any{fmt.Sprintf("s%d", i-1)}
		}
		steps = append(steps, step)
	}
	return &compiler.Capsule{
		Name:       "prop-flow",
		Version:    "1.0.0",
		Automation: map[string]any{"steps": steps},
		Tools:      []string{tool},
	}
}

// cycleCapsule builds a capsule whose steps depend on each other in a
// ring.
func cycleCapsule(stepCount int, tool string) *compiler.Capsule {
	steps := make([]any, 0, stepCount)
	for i := 0; i < stepCount; i++ {
		steps = append(steps, map[string]any{
			"id":         fmt.Sprintf("s%d", i),
			"name":       fmt.Sprintf("Step %d", i),
			"type":       "action",
			"tool":       tool,
			"action":     fmt.Sprintf("op_%d", i),
			"depends_on": []any{fmt.Sprintf("s%d", (i+1)%stepCount)},
		})
	}
	return &compiler.Capsule{
		Name:       "prop-cycle",
		Version:    "1.0.0",
		Automation: map[string]any{"steps": steps},
		Tools:      []string{tool},
	}
}

// Two compilations of the same capsule at the same optimization level
// always agree on the plan hash, while plan ids stay unique.
func TestCompileHashIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	tenant := uuid.MustParse("11111111-2222-3333-4444-555555555555")

	properties.Property("same capsule and options yield the same plan hash", prop.ForAll(
		func(stepCount int, tool, level string) bool {
			capsule := chainCapsule(stepCount, tool)
			opts := compiler.DefaultOptions()
			opts.OptimizationLevel = compiler.ParseLevel(level)
			opts.CacheResult = false

			first := compiler.New(compiler.StaticRegistry{}, nil).
				Compile(context.Background(), capsule, tenant, uuid.New(), opts)
			second := compiler.New(compiler.StaticRegistry{}, nil).
				Compile(context.Background(), capsule, tenant, uuid.New(), opts)
			if !first.Success || !second.Success {
				return false
			}
			return first.Plan.Hash == second.Plan.Hash && first.Plan.ID != second.Plan.ID
		},
		gen.IntRange(1, 8),
		gen.OneConstOf("http", "database", "compute", "email"),
		gen.OneConstOf("none", "basic", "standard", "aggressive"),
	))

	properties.TestingRun(t)
}

// No dependency ring of any size ever compiles into a plan.
func TestCompileRejectsCyclicFlows(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("cyclic step graphs never produce a plan", prop.ForAll(
		func(stepCount int, tool string) bool {
			capsule := cycleCapsule(stepCount, tool)
			opts := compiler.DefaultOptions()
			opts.CacheResult = false
			result := compiler.New(compiler.StaticRegistry{}, nil).
				Compile(context.Background(), capsule, uuid.New(), uuid.New(), opts)
			return !result.Success && result.Plan == nil
		},
		gen.IntRange(2, 6),
		gen.OneConstOf("http", "compute"),
	))

	properties.TestingRun(t)
}
