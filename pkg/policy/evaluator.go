package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// EvaluationError is a runtime failure: unknown identifier or function,
// missing field, or a regex that does not compile. Callers treat it as
// deny when running fail-closed.
type EvaluationError struct {
	Message string
	Pos     Pos
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation error at %d:%d: %s", e.Pos.Line, e.Pos.Column, e.Message)
}

// ActionResult is the snapshot of one fired action.
type ActionResult struct {
	Type       ActionType     `json:"type"`
	Parameters map[string]any `json:"parameters"`
	Line       int            `json:"line"`
	Column     int            `json:"column"`
}

// Result is the outcome of evaluating one policy against one input.
type Result struct {
	PolicyName   string         `json:"policy_name"`
	MatchedRules []string       `json:"matched_rules"`
	Actions      []ActionResult `json:"actions"`
	Allowed      bool           `json:"allowed"`
	Metadata     map[string]any `json:"metadata"`
}

// Evaluator runs compiled policies. It is stateless between calls and
// safe for concurrent use.
type Evaluator struct {
	builtins map[string]builtin
	now      func() time.Time
}

// NewEvaluator creates an evaluator with the built-in function set.
func NewEvaluator() *Evaluator {
	e := &Evaluator{now: time.Now}
	e.builtins = builtinFunctions(e)
	return e
}

// WithClock overrides the time source used by now() and today().
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate runs the policy against data with an optional secondary
// context. Enabled rules run in descending priority; every matched
// rule contributes its action snapshots; any fired deny action flips
// the overall decision to deny.
func (e *Evaluator) Evaluate(policy *Policy, data, context map[string]any) (*Result, error) {
	if context == nil {
		context = map[string]any{}
	}
	scope := []map[string]any{data, context}

	result := &Result{
		PolicyName:   policy.Name,
		MatchedRules: []string{},
		Actions:      []ActionResult{},
		Allowed:      true,
		Metadata:     policy.Metadata,
	}

	rules := make([]*Rule, 0, len(policy.Rules))
	for _, r := range policy.Rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	for _, rule := range rules {
		value, err := e.eval(rule.Condition, scope)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		if !truthy(value) {
			continue
		}
		result.MatchedRules = append(result.MatchedRules, rule.Name)
		for _, a := range rule.Actions {
			result.Actions = append(result.Actions, ActionResult{
				Type:       a.Type,
				Parameters: a.Parameters,
				Line:       a.Pos.Line,
				Column:     a.Pos.Column,
			})
			if a.Type == ActionDeny {
				result.Allowed = false
			}
		}
	}
	return result, nil
}

func (e *Evaluator) eval(expr Expr, scope []map[string]any) (any, error) {
	switch n := expr.(type) {
	case *Literal:
		return n.Value, nil

	case *Identifier:
		return resolveIdentifier(n, scope)

	case *Binary:
		return e.evalBinary(n, scope)

	case *Unary:
		operand, err := e.eval(n.Operand, scope)
		if err != nil {
			return nil, err
		}
		return !truthy(operand), nil

	case *Call:
		return e.evalCall(n, scope)

	case *List:
		out := make([]any, 0, len(n.Elements))
		for _, el := range n.Elements {
			v, err := e.eval(el, scope)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case *Dict:
		out := make(map[string]any, len(n.Entries))
		for _, entry := range n.Entries {
			kv, err := e.eval(entry.Key, scope)
			if err != nil {
				return nil, err
			}
			vv, err := e.eval(entry.Value, scope)
			if err != nil {
				return nil, err
			}
			out[stringify(kv)] = vv
		}
		return out, nil
	}
	return nil, &EvaluationError{Message: fmt.Sprintf("unknown expression node %T", expr), Pos: expr.Position()}
}

func (e *Evaluator) evalBinary(n *Binary, scope []map[string]any) (any, error) {
	left, err := e.eval(n.Left, scope)
	if err != nil {
		return nil, err
	}

	// Logical operators short-circuit on truthiness.
	switch n.Op {
	case OpAnd:
		if !truthy(left) {
			return false, nil
		}
		right, err := e.eval(n.Right, scope)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case OpOr:
		if truthy(left) {
			return true, nil
		}
		right, err := e.eval(n.Right, scope)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	right, err := e.eval(n.Right, scope)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case OpEq:
		return equalValues(left, right), nil
	case OpNeq:
		return !equalValues(left, right), nil

	case OpGt, OpLt, OpGte, OpLte:
		// Mismatched types compare false instead of failing.
		return compareOrdered(n.Op, left, right), nil

	case OpContains:
		ls, lok := left.(string)
		rs, rok := right.(string)
		return lok && rok && strings.Contains(ls, rs), nil
	case OpStarts:
		ls, lok := left.(string)
		rs, rok := right.(string)
		return lok && rok && strings.HasPrefix(ls, rs), nil
	case OpEnds:
		ls, lok := left.(string)
		rs, rok := right.(string)
		return lok && rok && strings.HasSuffix(ls, rs), nil

	case OpMatches:
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return false, nil
		}
		re, err := regexp.Compile(rs)
		if err != nil {
			return nil, &EvaluationError{Message: fmt.Sprintf("invalid regex pattern %q", rs), Pos: n.Pos}
		}
		return re.MatchString(ls), nil

	case OpIn:
		return memberOf(left, right), nil
	case OpNotIn:
		return !memberOf(left, right), nil
	}
	return nil, &EvaluationError{Message: fmt.Sprintf("unknown operator %q", n.Op), Pos: n.Pos}
}

func (e *Evaluator) evalCall(n *Call, scope []map[string]any) (any, error) {
	fn, ok := e.builtins[n.Func]
	if !ok {
		return nil, &EvaluationError{Message: fmt.Sprintf("unknown function %q", n.Func), Pos: n.Pos}
	}
	args := make([]any, 0, len(n.Args))
	for _, arg := range n.Args {
		v, err := e.eval(arg, scope)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return nil, &EvaluationError{
			Message: fmt.Sprintf("function %q called with %d argument(s)", n.Func, len(args)),
			Pos:     n.Pos,
		}
	}
	out, err := fn.call(args)
	if err != nil {
		return nil, &EvaluationError{Message: fmt.Sprintf("%s: %v", n.Func, err), Pos: n.Pos}
	}
	return out, nil
}

// resolveIdentifier walks the scope stack most-recent-first, then
// follows the dot path through nested maps.
func resolveIdentifier(id *Identifier, scope []map[string]any) (any, error) {
	for i := len(scope) - 1; i >= 0; i-- {
		value, ok := scope[i][id.Name]
		if !ok {
			continue
		}
		for _, field := range id.Path {
			m, ok := value.(map[string]any)
			if !ok {
				return nil, &EvaluationError{
					Message: fmt.Sprintf("field %q not found in %s", field, id.Name),
					Pos:     id.Pos,
				}
			}
			value, ok = m[field]
			if !ok {
				return nil, &EvaluationError{
					Message: fmt.Sprintf("field %q not found in %s", field, id.Name),
					Pos:     id.Pos,
				}
			}
		}
		return value, nil
	}
	return nil, &EvaluationError{Message: fmt.Sprintf("identifier %q not found in context", id.Name), Pos: id.Pos}
}

// truthy reports the boolean weight of a value: false, null, zero,
// empty string and empty collections are false.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return len(x) > 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	if f, ok := asFloat(v); ok {
		return f != 0
	}
	return true
}

// asFloat widens any numeric value for comparison.
func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func equalValues(a, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	switch x := a.(type) {
	case nil:
		return b == nil
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equalValues(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			yv, ok := y[k]
			if !ok || !equalValues(v, yv) {
				return false
			}
		}
		return true
	}
	return false
}

// compareOrdered orders numbers with numbers and strings with strings;
// anything else is false.
func compareOrdered(op Operator, a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		if !bok {
			return false
		}
		switch op {
		case OpGt:
			return af > bf
		case OpLt:
			return af < bf
		case OpGte:
			return af >= bf
		case OpLte:
			return af <= bf
		}
		return false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return false
	}
	switch op {
	case OpGt:
		return as > bs
	case OpLt:
		return as < bs
	case OpGte:
		return as >= bs
	case OpLte:
		return as <= bs
	}
	return false
}

// memberOf tests membership in a list, map keys, or substring of a
// string.
func memberOf(needle, haystack any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, el := range h {
			if equalValues(needle, el) {
				return true
			}
		}
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		_, present := h[s]
		return present
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	}
	return false
}
