package policy

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// builtin couples a function with its arity bounds. maxArgs -1 means
// variadic.
type builtin struct {
	call    func(args []any) (any, error)
	minArgs int
	maxArgs int
}

// builtinArity exposes the arity table to the static validator.
func builtinArity() map[string][2]int {
	out := make(map[string][2]int)
	for name, fn := range builtinFunctions(NewEvaluator()) {
		out[name] = [2]int{fn.minArgs, fn.maxArgs}
	}
	return out
}

var (
	emailPattern = regexp.MustCompile(`\w+@\w+\.\w{2,}`)
	phonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\d{3}-\d{3}-\d{4}`),
		regexp.MustCompile(`\(\d{3}\)\s*\d{3}-\d{4}`),
		regexp.MustCompile(`\b\d{10}\b`),
		regexp.MustCompile(`\+1\s*\d{3}\s*\d{3}\s*\d{4}`),
	}
	ssnPattern        = regexp.MustCompile(`\d{3}-\d{2}-\d{4}`)
	creditCardPattern = regexp.MustCompile(`\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}`)
)

func builtinFunctions(e *Evaluator) map[string]builtin {
	return map[string]builtin{
		"len": {minArgs: 1, maxArgs: 1, call: func(args []any) (any, error) {
			switch x := args[0].(type) {
			case string:
				return int64(len([]rune(x))), nil
			case []any:
				return int64(len(x)), nil
			case map[string]any:
				return int64(len(x)), nil
			}
			return nil, fmt.Errorf("value of type %s has no length", typeName(args[0]))
		}},
		"lower": {minArgs: 1, maxArgs: 1, call: stringFn(strings.ToLower)},
		"upper": {minArgs: 1, maxArgs: 1, call: stringFn(strings.ToUpper)},
		"strip": {minArgs: 1, maxArgs: 1, call: stringFn(strings.TrimSpace)},
		"split": {minArgs: 1, maxArgs: 2, call: func(args []any) (any, error) {
			s, ok := args[0].(string)
			if !ok {
				return []any{}, nil
			}
			sep := " "
			if len(args) == 2 {
				if ss, ok := args[1].(string); ok {
					sep = ss
				}
			}
			parts := strings.Split(s, sep)
			out := make([]any, len(parts))
			for i, p := range parts {
				out[i] = p
			}
			return out, nil
		}},
		"join": {minArgs: 1, maxArgs: 2, call: func(args []any) (any, error) {
			list, ok := args[0].([]any)
			if !ok {
				return "", nil
			}
			sep := ""
			if len(args) == 2 {
				if ss, ok := args[1].(string); ok {
					sep = ss
				}
			}
			parts := make([]string, len(list))
			for i, el := range list {
				parts[i] = stringify(el)
			}
			return strings.Join(parts, sep), nil
		}},
		"type": {minArgs: 1, maxArgs: 1, call: func(args []any) (any, error) {
			return typeName(args[0]), nil
		}},
		"str": {minArgs: 1, maxArgs: 1, call: func(args []any) (any, error) {
			return stringify(args[0]), nil
		}},
		"int": {minArgs: 1, maxArgs: 1, call: func(args []any) (any, error) {
			switch x := args[0].(type) {
			case bool:
				if x {
					return int64(1), nil
				}
				return int64(0), nil
			case string:
				n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
				if err != nil {
					return nil, fmt.Errorf("cannot convert %q to int", x)
				}
				return n, nil
			}
			if f, ok := asFloat(args[0]); ok {
				return int64(f), nil
			}
			return nil, fmt.Errorf("cannot convert %s to int", typeName(args[0]))
		}},
		"float": {minArgs: 1, maxArgs: 1, call: func(args []any) (any, error) {
			switch x := args[0].(type) {
			case bool:
				if x {
					return float64(1), nil
				}
				return float64(0), nil
			case string:
				f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
				if err != nil {
					return nil, fmt.Errorf("cannot convert %q to float", x)
				}
				return f, nil
			}
			if f, ok := asFloat(args[0]); ok {
				return f, nil
			}
			return nil, fmt.Errorf("cannot convert %s to float", typeName(args[0]))
		}},
		"bool": {minArgs: 1, maxArgs: 1, call: func(args []any) (any, error) {
			return truthy(args[0]), nil
		}},
		"abs": {minArgs: 1, maxArgs: 1, call: func(args []any) (any, error) {
			if n, ok := args[0].(int64); ok {
				if n < 0 {
					return -n, nil
				}
				return n, nil
			}
			if f, ok := asFloat(args[0]); ok {
				return math.Abs(f), nil
			}
			return nil, fmt.Errorf("abs of %s", typeName(args[0]))
		}},
		"min": {minArgs: 1, maxArgs: -1, call: func(args []any) (any, error) {
			return pickExtreme(args, func(a, b float64) bool { return a < b })
		}},
		"max": {minArgs: 1, maxArgs: -1, call: func(args []any) (any, error) {
			return pickExtreme(args, func(a, b float64) bool { return a > b })
		}},
		"sum": {minArgs: 1, maxArgs: 1, call: func(args []any) (any, error) {
			list, ok := args[0].([]any)
			if !ok {
				return nil, fmt.Errorf("sum of %s", typeName(args[0]))
			}
			var total float64
			allInts := true
			for _, el := range list {
				f, ok := asFloat(el)
				if !ok {
					return nil, fmt.Errorf("sum of non-numeric element %s", typeName(el))
				}
				if _, isInt := el.(int64); !isInt {
					allInts = false
				}
				total += f
			}
			if allInts {
				return int64(total), nil
			}
			return total, nil
		}},
		"any": {minArgs: 1, maxArgs: 1, call: func(args []any) (any, error) {
			list, ok := args[0].([]any)
			if !ok {
				return nil, fmt.Errorf("any of %s", typeName(args[0]))
			}
			for _, el := range list {
				if truthy(el) {
					return true, nil
				}
			}
			return false, nil
		}},
		"all": {minArgs: 1, maxArgs: 1, call: func(args []any) (any, error) {
			list, ok := args[0].([]any)
			if !ok {
				return nil, fmt.Errorf("all of %s", typeName(args[0]))
			}
			for _, el := range list {
				if !truthy(el) {
					return false, nil
				}
			}
			return true, nil
		}},
		"sorted": {minArgs: 1, maxArgs: 1, call: func(args []any) (any, error) {
			list, ok := args[0].([]any)
			if !ok {
				return nil, fmt.Errorf("sorted of %s", typeName(args[0]))
			}
			out := make([]any, len(list))
			copy(out, list)
			sort.SliceStable(out, func(i, j int) bool {
				return compareOrdered(OpLt, out[i], out[j])
			})
			return out, nil
		}},
		"reversed": {minArgs: 1, maxArgs: 1, call: func(args []any) (any, error) {
			list, ok := args[0].([]any)
			if !ok {
				return args[0], nil
			}
			out := make([]any, len(list))
			for i, el := range list {
				out[len(list)-1-i] = el
			}
			return out, nil
		}},

		// PII detectors.
		"is_email":       {minArgs: 1, maxArgs: 1, call: piiFn(emailPattern.MatchString)},
		"is_phone":       {minArgs: 1, maxArgs: 1, call: piiFn(matchesPhone)},
		"is_ssn":         {minArgs: 1, maxArgs: 1, call: piiFn(ssnPattern.MatchString)},
		"is_credit_card": {minArgs: 1, maxArgs: 1, call: piiFn(creditCardPattern.MatchString)},
		"contains_pii": {minArgs: 1, maxArgs: 1, call: piiFn(func(s string) bool {
			return emailPattern.MatchString(s) || matchesPhone(s) ||
				ssnPattern.MatchString(s) || creditCardPattern.MatchString(s)
		})},

		"now": {minArgs: 0, maxArgs: 0, call: func([]any) (any, error) {
			t := e.now()
			return float64(t.UnixNano()) / 1e9, nil
		}},
		"today": {minArgs: 0, maxArgs: 0, call: func([]any) (any, error) {
			return e.now().UTC().Format("2006-01-02"), nil
		}},
		"uuid": {minArgs: 0, maxArgs: 0, call: func([]any) (any, error) {
			return uuid.NewString(), nil
		}},
	}
}

func stringFn(fn func(string) string) func([]any) (any, error) {
	return func(args []any) (any, error) {
		if s, ok := args[0].(string); ok {
			return fn(s), nil
		}
		return args[0], nil
	}
}

func piiFn(match func(string) bool) func([]any) (any, error) {
	return func(args []any) (any, error) {
		s, ok := args[0].(string)
		return ok && match(s), nil
	}
}

func matchesPhone(s string) bool {
	for _, re := range phonePatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// pickExtreme handles both min(a, b, c) and min([a, b, c]).
func pickExtreme(args []any, better func(a, b float64) bool) (any, error) {
	values := args
	if len(args) == 1 {
		if list, ok := args[0].([]any); ok {
			values = list
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("empty sequence")
	}
	best := values[0]
	bestF, ok := asFloat(best)
	if !ok {
		return nil, fmt.Errorf("non-numeric value %s", typeName(best))
	}
	for _, el := range values[1:] {
		f, ok := asFloat(el)
		if !ok {
			return nil, fmt.Errorf("non-numeric value %s", typeName(el))
		}
		if better(f, bestF) {
			best, bestF = el, f
		}
	}
	return best, nil
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case int, int32, int64:
		return "int"
	case float32, float64:
		return "float"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	}
	return fmt.Sprintf("%T", v)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}
