package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const compileCacheTTL = 300 * time.Second

// Compiled is a parsed, validated policy ready for evaluation.
type Compiled struct {
	Policy     *Policy
	Key        string
	CompiledAt time.Time
}

type cacheEntry struct {
	compiled *Compiled
	expires  time.Time
}

// Engine compiles policy source and evaluates compiled policies,
// memoizing compilation keyed by policy name and source digest.
// Safe for concurrent use.
type Engine struct {
	evaluator *Evaluator
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
	ttl   time.Duration
}

// NewEngine creates an engine with an empty compile cache.
func NewEngine() *Engine {
	return &Engine{
		evaluator: NewEvaluator(),
		logger:    slog.Default().With("component", "policy-engine"),
		now:       time.Now,
		cache:     map[string]cacheEntry{},
		ttl:       compileCacheTTL,
	}
}

// WithClock overrides the time source for the cache and evaluator.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.evaluator.WithClock(now)
	return e
}

// CacheKey derives the compile-cache key for a named source.
func CacheKey(name, source string) string {
	sum := sha256.Sum256([]byte(source))
	return name + ":" + hex.EncodeToString(sum[:])[:16]
}

// Compile parses and validates source. Validation errors fail the
// compile; warnings and infos are logged and kept out of the result.
func (e *Engine) Compile(name, source string) (*Compiled, error) {
	key := CacheKey(name, source)

	e.mu.Lock()
	if entry, ok := e.cache[key]; ok && e.now().Before(entry.expires) {
		e.mu.Unlock()
		return entry.compiled, nil
	}
	e.mu.Unlock()

	policy, err := Parse(source)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", name, err)
	}
	result := NewValidator().Validate(policy)
	if !result.Valid {
		errs := result.Errors()
		return nil, fmt.Errorf("compile %q: %d validation error(s), first: %s", name, len(errs), errs[0])
	}
	for _, issue := range result.Issues {
		if issue.Level == LevelWarning {
			e.logger.Warn("policy validation warning", "policy", name, "issue", issue.String())
		}
	}

	compiled := &Compiled{Policy: policy, Key: key, CompiledAt: e.now()}
	e.mu.Lock()
	e.cache[key] = cacheEntry{compiled: compiled, expires: e.now().Add(e.ttl)}
	e.mu.Unlock()

	e.logger.Debug("policy compiled", "policy", name, "key", key, "rules", len(policy.Rules))
	return compiled, nil
}

// Evaluate compiles (or reuses) the named source and runs it.
func (e *Engine) Evaluate(name, source string, data, context map[string]any) (*Result, error) {
	compiled, err := e.Compile(name, source)
	if err != nil {
		return nil, err
	}
	return e.evaluator.Evaluate(compiled.Policy, data, context)
}

// EvaluateCompiled runs an already-compiled policy.
func (e *Engine) EvaluateCompiled(compiled *Compiled, data, context map[string]any) (*Result, error) {
	return e.evaluator.Evaluate(compiled.Policy, data, context)
}

// Invalidate drops every cached compile for the named policy.
func (e *Engine) Invalidate(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prefix := name + ":"
	for key := range e.cache {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(e.cache, key)
		}
	}
}

// CacheSize reports the number of cached compiles, counting expired
// entries until their next touch.
func (e *Engine) CacheSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}
