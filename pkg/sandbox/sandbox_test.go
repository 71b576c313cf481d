package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/enforcement-core/pkg/plan"
)

func TestRunnerDefaults(t *testing.T) {
	ctx := context.Background()
	runner, err := NewRunner(ctx, Config{})
	require.NoError(t, err)
	defer func() { _ = runner.Close(ctx) }()

	assert.Equal(t, int64(defaultMemoryLimit), runner.cfg.MemoryLimitBytes)
	assert.Equal(t, defaultCPULimit, runner.cfg.CPUTimeLimit)
	assert.Equal(t, defaultOutputMax, runner.cfg.OutputMaxBytes)
}

func TestRunnerRejectsGarbageModule(t *testing.T) {
	ctx := context.Background()
	runner, err := NewRunner(ctx, Config{
		MemoryLimitBytes: 1 << 20,
		CPUTimeLimit:     time.Second,
	})
	require.NoError(t, err)
	defer func() { _ = runner.Close(ctx) }()

	_, err = runner.Run(ctx, []byte("not a wasm module"), []byte(`{}`))
	require.ErrorContains(t, err, "compile wasm module")
}

func TestRunnerClose(t *testing.T) {
	ctx := context.Background()
	runner, err := NewRunner(ctx, Config{MemoryLimitBytes: 8 << 20})
	require.NoError(t, err)
	require.NoError(t, runner.Close(ctx))
}

func TestLimitErrorFormat(t *testing.T) {
	err := &LimitError{Code: ErrTimeExhausted, Message: "execution exceeded time limit (10s)"}
	assert.Equal(t, "ERR_COMPUTE_TIME_EXHAUSTED: execution exceeded time limit (10s)", err.Error())
}

type fakeModuleRunner struct {
	gotWasm  []byte
	gotInput []byte
	output   []byte
	err      error
}

func (f *fakeModuleRunner) Run(_ context.Context, wasmBytes, input []byte) ([]byte, error) {
	f.gotWasm = wasmBytes
	f.gotInput = input
	return f.output, f.err
}

type mapSource map[string][]byte

func (s mapSource) Get(_ context.Context, ref string) ([]byte, error) {
	blob, ok := s[ref]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return blob, nil
}

func transformStep(wasmRef string) plan.Step {
	return plan.Step{
		ID:         "reshape",
		Name:       "Reshape payload",
		Type:       plan.StepTransform,
		Parameters: map[string]any{"wasm": wasmRef},
	}
}

func TestCanExecute(t *testing.T) {
	tr := &Transformer{runner: &fakeModuleRunner{}}

	assert.True(t, tr.CanExecute(transformStep("AAAA")))
	assert.False(t, tr.CanExecute(plan.Step{Type: plan.StepAction}))
	assert.False(t, tr.CanExecute(plan.Step{Type: plan.StepTransform}), "no wasm parameter")
}

func TestExecuteStepInlineModule(t *testing.T) {
	moduleBytes := []byte{0x00, 0x61, 0x73, 0x6d}
	runner := &fakeModuleRunner{output: []byte(`{"total": 42}`)}
	tr := &Transformer{runner: runner}

	step := transformStep(base64.StdEncoding.EncodeToString(moduleBytes))
	out, err := tr.ExecuteStep(context.Background(), step, map[string]any{"orders": 3})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"total": float64(42)}, out)
	assert.Equal(t, moduleBytes, runner.gotWasm)
	assert.JSONEq(t, `{"inputs": {"orders": 3}}`, string(runner.gotInput))
}

func TestExecuteStepResolvesFromSource(t *testing.T) {
	moduleBytes := []byte{0x00, 0x61, 0x73, 0x6d, 0x01}
	runner := &fakeModuleRunner{output: []byte(`{}`)}
	tr := &Transformer{runner: runner, source: mapSource{"abc123": moduleBytes}}

	_, err := tr.ExecuteStep(context.Background(), transformStep("sha256:abc123"), nil)
	require.NoError(t, err)
	assert.Equal(t, moduleBytes, runner.gotWasm)

	_, err = tr.ExecuteStep(context.Background(), transformStep("sha256:missing"), nil)
	require.ErrorContains(t, err, "fetch module sha256:missing")
}

func TestExecuteStepWithoutSource(t *testing.T) {
	tr := &Transformer{runner: &fakeModuleRunner{}}
	_, err := tr.ExecuteStep(context.Background(), transformStep("sha256:abc"), nil)
	require.ErrorContains(t, err, "no module source configured")
}

func TestExecuteStepBadBase64(t *testing.T) {
	tr := &Transformer{runner: &fakeModuleRunner{}}
	_, err := tr.ExecuteStep(context.Background(), transformStep("%%%not-base64%%%"), nil)
	require.ErrorContains(t, err, "decode inline wasm module")
}

func TestExecuteStepNonJSONOutput(t *testing.T) {
	runner := &fakeModuleRunner{output: []byte("plain text")}
	tr := &Transformer{runner: runner}

	_, err := tr.ExecuteStep(context.Background(), transformStep("AAAA"), nil)
	require.ErrorContains(t, err, "not a JSON object")
}

func TestExecuteStepPropagatesLimitError(t *testing.T) {
	runner := &fakeModuleRunner{err: &LimitError{Code: ErrTimeExhausted, Message: "too slow"}}
	tr := &Transformer{runner: runner}

	_, err := tr.ExecuteStep(context.Background(), transformStep("AAAA"), nil)
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, ErrTimeExhausted, limitErr.Code)
}

func TestExecuteStepCarriesStepInputs(t *testing.T) {
	runner := &fakeModuleRunner{output: []byte(`{}`)}
	tr := &Transformer{runner: runner}

	step := transformStep("AAAA")
	step.Inputs = map[string]any{"mode": "strict"}
	_, err := tr.ExecuteStep(context.Background(), step, map[string]any{"x": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"inputs": {"x": 1}, "step_inputs": {"mode": "strict"}}`, string(runner.gotInput))
}
