// Package sandbox runs transform steps locally in a deny-by-default
// WASI environment. A module gets its input on stdin and writes its
// result to stdout; it sees no filesystem, no network and no host
// environment variables.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Limit violation codes. They are stable so callers can map them to
// deterministic failure handling.
const (
	ErrTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
	ErrOutputExhausted = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
)

// LimitError reports a resource-limit violation during execution.
type LimitError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Config bounds one runner. Zero values mean the defaults below.
type Config struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
	OutputMaxBytes   int
}

const (
	defaultMemoryLimit = 64 << 20 // 64 MiB
	defaultCPULimit    = 10 * time.Second
	defaultOutputMax   = 1 << 20 // 1 MiB
)

func (c Config) withDefaults() Config {
	if c.MemoryLimitBytes <= 0 {
		c.MemoryLimitBytes = defaultMemoryLimit
	}
	if c.CPUTimeLimit <= 0 {
		c.CPUTimeLimit = defaultCPULimit
	}
	if c.OutputMaxBytes <= 0 {
		c.OutputMaxBytes = defaultOutputMax
	}
	return c
}

// Runner executes WASM modules under the configured limits. It is
// safe for concurrent use; each Run gets its own module instance.
type Runner struct {
	runtime wazero.Runtime
	cfg     Config
}

// NewRunner builds the wazero runtime with the memory ceiling applied.
// WASI is instantiated without filesystem mounts, network access or
// environment variables.
func NewRunner(ctx context.Context, cfg Config) (*Runner, error) {
	cfg = cfg.withDefaults()

	runtimeCfg := wazero.NewRuntimeConfig()
	// wazero measures memory in 64 KiB pages
	pages := uint32(cfg.MemoryLimitBytes / 65536)
	if pages == 0 {
		pages = 1
	}
	runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	return &Runner{runtime: r, cfg: cfg}, nil
}

// Run executes a compiled WASM module. Input is presented on stdin and
// the module's stdout is the result. Stderr output fails the run.
func (r *Runner) Run(ctx context.Context, wasmBytes, input []byte) ([]byte, error) {
	execCtx := ctx
	if r.cfg.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.cfg.CPUTimeLimit)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	moduleCfg := wazero.NewModuleConfig().
		WithName("transform").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	// Deliberately absent: WithFSConfig, WithEnv, WithSysNanotime,
	// WithRandSource. The module runs deterministic and blind.

	compiled, err := r.runtime.CompileModule(execCtx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}
	defer func() { _ = compiled.Close(execCtx) }()

	mod, err := r.runtime.InstantiateModule(execCtx, compiled, moduleCfg)
	if err != nil {
		if execCtx.Err() != nil {
			return nil, &LimitError{
				Code:    ErrTimeExhausted,
				Message: fmt.Sprintf("execution exceeded time limit (%s)", r.cfg.CPUTimeLimit),
			}
		}
		if isMemoryError(err) {
			return nil, &LimitError{
				Code:    ErrMemoryExhausted,
				Message: fmt.Sprintf("execution exceeded memory limit (%d bytes)", r.cfg.MemoryLimitBytes),
			}
		}
		return nil, fmt.Errorf("wasm execution failed: %w", err)
	}
	defer func() { _ = mod.Close(execCtx) }()

	if total := stdout.Len() + stderr.Len(); total > r.cfg.OutputMaxBytes {
		return nil, &LimitError{
			Code:    ErrOutputExhausted,
			Message: fmt.Sprintf("output size %d exceeds limit %d", total, r.cfg.OutputMaxBytes),
		}
	}
	if stderr.Len() > 0 {
		return stdout.Bytes(), fmt.Errorf("transform wrote to stderr: %s", stderr.String())
	}
	return stdout.Bytes(), nil
}

// Close releases the runtime and everything compiled in it.
func (r *Runner) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
