package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anumate/enforcement-core/pkg/plan"
)

// Source resolves a content-addressed module reference to its bytes.
type Source interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

type moduleRunner interface {
	Run(ctx context.Context, wasmBytes, input []byte) ([]byte, error)
}

// Transformer executes transform steps whose parameters carry a wasm
// module, either inline as base64 or as a "sha256:<hash>" reference
// resolved through the Source.
type Transformer struct {
	runner moduleRunner
	source Source
}

// NewTransformer wires a runner and an optional module source. Without
// a source only inline modules can run.
func NewTransformer(runner *Runner, source Source) *Transformer {
	return &Transformer{runner: runner, source: source}
}

// CanExecute reports whether the step is a transform this package can
// run locally.
func (t *Transformer) CanExecute(step plan.Step) bool {
	if step.Type != plan.StepTransform {
		return false
	}
	ref, _ := step.Parameters["wasm"].(string)
	return ref != ""
}

// ExecuteStep runs one transform step. The input document is JSON on
// the module's stdin; the module's stdout must be a JSON document.
func (t *Transformer) ExecuteStep(ctx context.Context, step plan.Step, input map[string]any) (map[string]any, error) {
	if !t.CanExecute(step) {
		return nil, fmt.Errorf("step %s is not a local transform", step.ID)
	}

	ref := step.Parameters["wasm"].(string)
	wasmBytes, err := t.resolve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, err)
	}

	doc := map[string]any{"inputs": input}
	if len(step.Inputs) > 0 {
		doc["step_inputs"] = step.Inputs
	}
	stdin, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("step %s: encode input: %w", step.ID, err)
	}

	stdout, err := t.runner.Run(ctx, wasmBytes, stdin)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, err)
	}

	var out map[string]any
	if err := json.Unmarshal(stdout, &out); err != nil {
		return nil, fmt.Errorf("step %s: transform output is not a JSON object: %w", step.ID, err)
	}
	return out, nil
}

func (t *Transformer) resolve(ctx context.Context, ref string) ([]byte, error) {
	if hash, ok := strings.CutPrefix(ref, "sha256:"); ok {
		if t.source == nil {
			return nil, fmt.Errorf("no module source configured for reference sha256:%s", hash)
		}
		wasmBytes, err := t.source.Get(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("fetch module sha256:%s: %w", hash, err)
		}
		return wasmBytes, nil
	}
	wasmBytes, err := base64.StdEncoding.DecodeString(ref)
	if err != nil {
		return nil, fmt.Errorf("decode inline wasm module: %w", err)
	}
	return wasmBytes, nil
}
