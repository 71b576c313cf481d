package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// IssueLevel grades a validation finding.
type IssueLevel string

const (
	LevelError   IssueLevel = "error"
	LevelWarning IssueLevel = "warning"
	LevelInfo    IssueLevel = "info"
)

// Issue is one validation finding with its location.
type Issue struct {
	Level    IssueLevel `json:"level"`
	Message  string     `json:"message"`
	Line     int        `json:"line"`
	Column   int        `json:"column"`
	RuleName string     `json:"rule_name,omitempty"`
}

func (i Issue) String() string {
	loc := "unknown"
	if i.Line > 0 {
		loc = fmt.Sprintf("%d:%d", i.Line, i.Column)
	}
	rule := ""
	if i.RuleName != "" {
		rule = fmt.Sprintf(" in rule %q", i.RuleName)
	}
	return fmt.Sprintf("%s at %s%s: %s", strings.ToUpper(string(i.Level)), loc, rule, i.Message)
}

// ValidationResult aggregates findings. Valid means no error-level
// issues.
type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues"`
}

// Errors returns only the error-level issues.
func (r *ValidationResult) Errors() []Issue { return r.filter(LevelError) }

// Warnings returns only the warning-level issues.
func (r *ValidationResult) Warnings() []Issue { return r.filter(LevelWarning) }

func (r *ValidationResult) filter(level IssueLevel) []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Level == level {
			out = append(out, issue)
		}
	}
	return out
}

var (
	validLogLevels       = map[string]struct{}{"debug": {}, "info": {}, "warning": {}, "error": {}, "critical": {}}
	validAlertSeverities = map[string]struct{}{"low": {}, "medium": {}, "high": {}, "critical": {}}
	piiFieldNames        = map[string]struct{}{
		"email": {}, "phone": {}, "ssn": {}, "social_security_number": {},
		"credit_card": {}, "password": {},
	}
)

// Validator statically checks a parsed policy for semantic problems
// the parser cannot see. Not safe for concurrent use; create one per
// validation.
type Validator struct {
	issues      []Issue
	currentRule string
	arity       map[string][2]int
}

// NewValidator creates a validator bound to the built-in function set.
func NewValidator() *Validator {
	return &Validator{arity: builtinArity()}
}

// Validate checks the whole policy and returns all findings.
func (v *Validator) Validate(policy *Policy) *ValidationResult {
	v.issues = nil
	v.currentRule = ""

	if strings.TrimSpace(policy.Name) == "" {
		v.errorf(policy.Pos, "policy must have a non-empty name")
	}
	if len(policy.Rules) == 0 {
		v.warnf(policy.Pos, "policy has no rules")
	}

	seen := map[string]struct{}{}
	for _, rule := range policy.Rules {
		if _, dup := seen[rule.Name]; dup {
			v.errorf(rule.Pos, "duplicate rule name %q", rule.Name)
		}
		seen[rule.Name] = struct{}{}
	}

	for _, rule := range policy.Rules {
		v.validateRule(rule)
	}

	valid := true
	for _, issue := range v.issues {
		if issue.Level == LevelError {
			valid = false
			break
		}
	}
	return &ValidationResult{Valid: valid, Issues: v.issues}
}

func (v *Validator) validateRule(rule *Rule) {
	v.currentRule = rule.Name
	defer func() { v.currentRule = "" }()

	if strings.TrimSpace(rule.Name) == "" {
		v.errorf(rule.Pos, "rule must have a non-empty name")
	}
	if rule.Condition == nil {
		v.errorf(rule.Pos, "rule must have a condition")
	} else {
		v.validateExpr(rule.Condition)
	}
	if len(rule.Actions) == 0 {
		v.errorf(rule.Pos, "rule must have at least one action")
	}
	for _, action := range rule.Actions {
		v.validateAction(action)
	}
	if rule.Priority < 0 || rule.Priority > 1000 {
		v.warnf(rule.Pos, "rule priority %d is outside recommended range (0-1000)", rule.Priority)
	}
}

func (v *Validator) validateAction(action Action) {
	params := action.Parameters
	switch action.Type {
	case ActionRedact:
		_, hasField := params["field"]
		_, hasPattern := params["pattern"]
		if !hasField && !hasPattern {
			v.errorf(action.Pos, "redact action must specify either 'field' or 'pattern'")
		}
		if repl, ok := params["replacement"]; ok {
			if _, isStr := repl.(string); !isStr {
				v.errorf(action.Pos, "redact replacement must be a string")
			}
		}
		if pattern, ok := params["pattern"].(string); ok {
			if _, err := regexp.Compile(pattern); err != nil {
				v.errorf(action.Pos, "redact pattern does not compile: %v", err)
			}
		}

	case ActionLog:
		if level, ok := params["level"].(string); ok {
			if _, valid := validLogLevels[level]; !valid {
				v.errorf(action.Pos, "invalid log level %q", level)
			}
		}

	case ActionAlert:
		if _, ok := params["message"]; !ok {
			v.errorf(action.Pos, "alert action must have a 'message' parameter")
		}
		if severity, ok := params["severity"].(string); ok {
			if _, valid := validAlertSeverities[severity]; !valid {
				v.errorf(action.Pos, "invalid alert severity %q", severity)
			}
		}

	case ActionRequireApproval:
		approvers, ok := params["approvers"]
		if !ok {
			v.errorf(action.Pos, "approval action must specify 'approvers'")
			return
		}
		list, isList := approvers.([]any)
		if !isList || len(list) == 0 {
			v.errorf(action.Pos, "approvers must be a non-empty list")
		}
	}
}

func (v *Validator) validateExpr(expr Expr) {
	Walk(expr, func(node Expr) bool {
		switch n := node.(type) {
		case *Binary:
			v.checkOperatorOperands(n)

		case *Identifier:
			if _, pii := piiFieldNames[strings.ToLower(n.Name)]; pii {
				v.infof(n.Pos, "identifier %q may contain PII, consider redaction policies", n.Name)
			}
			if len(n.Path) > 3 {
				v.warnf(n.Pos, "deep field access %s.%s may be fragile", n.Name, strings.Join(n.Path, "."))
			}

		case *Call:
			bounds, known := v.arity[n.Func]
			if !known {
				v.errorf(n.Pos, "unknown function %q", n.Func)
				return true
			}
			argc := len(n.Args)
			if argc < bounds[0] || (bounds[1] >= 0 && argc > bounds[1]) {
				v.errorf(n.Pos, "function %q expects %s, got %d", n.Func, describeArity(bounds), argc)
			}

		case *Dict:
			v.checkDuplicateKeys(n)
		}
		return true
	})
}

// checkOperatorOperands flags string operators on non-string literals,
// compile errors in regex literals, and number/string comparisons.
func (v *Validator) checkOperatorOperands(n *Binary) {
	switch n.Op {
	case OpContains, OpMatches, OpStarts, OpEnds:
		if lit, ok := n.Left.(*Literal); ok && lit.Kind != LitString {
			v.warnf(n.Pos, "string operator %q used with non-string operand", n.Op)
		}
		if n.Op == OpMatches {
			if lit, ok := n.Right.(*Literal); ok && lit.Kind == LitString {
				if _, err := regexp.Compile(lit.Value.(string)); err != nil {
					v.errorf(n.Pos, "regex pattern %q does not compile", lit.Value)
				}
			}
		}

	case OpGt, OpLt, OpGte, OpLte:
		left, lok := n.Left.(*Literal)
		right, rok := n.Right.(*Literal)
		if lok && rok && isNumericKind(left.Kind) && right.Kind == LitString {
			v.warnf(n.Pos, "comparing number with string may not work as expected")
		}
	}
}

func (v *Validator) checkDuplicateKeys(n *Dict) {
	seen := map[string]struct{}{}
	for _, entry := range n.Entries {
		lit, ok := entry.Key.(*Literal)
		if !ok {
			continue
		}
		key := stringify(lit.Value)
		if _, dup := seen[key]; dup {
			v.errorf(n.Pos, "duplicate key in dictionary: %s", key)
		}
		seen[key] = struct{}{}
	}
}

func isNumericKind(k LiteralKind) bool {
	return k == LitInt || k == LitFloat
}

func describeArity(bounds [2]int) string {
	switch {
	case bounds[1] < 0:
		return fmt.Sprintf("at least %d argument(s)", bounds[0])
	case bounds[0] == bounds[1]:
		return fmt.Sprintf("%d argument(s)", bounds[0])
	}
	return fmt.Sprintf("%d to %d arguments", bounds[0], bounds[1])
}

func (v *Validator) errorf(pos Pos, format string, args ...any) {
	v.add(LevelError, pos, format, args...)
}

func (v *Validator) warnf(pos Pos, format string, args ...any) {
	v.add(LevelWarning, pos, format, args...)
}

func (v *Validator) infof(pos Pos, format string, args ...any) {
	v.add(LevelInfo, pos, format, args...)
}

func (v *Validator) add(level IssueLevel, pos Pos, format string, args ...any) {
	v.issues = append(v.issues, Issue{
		Level:    level,
		Message:  fmt.Sprintf(format, args...),
		Line:     pos.Line,
		Column:   pos.Column,
		RuleName: v.currentRule,
	})
}

// SortIssues orders findings by location for stable presentation.
func SortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Line != issues[j].Line {
			return issues[i].Line < issues[j].Line
		}
		return issues[i].Column < issues[j].Column
	})
}
