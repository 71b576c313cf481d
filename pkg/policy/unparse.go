package policy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Unparse renders a policy AST back to canonical source text. The
// output parses to a policy equal to the input on structure, names and
// priorities; positions and original whitespace are not preserved.
func Unparse(p *Policy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "policy %s {\n", quote(p.Name))
	if p.Description != "" {
		fmt.Fprintf(&b, "  description: %s\n", quote(p.Description))
	}

	metaKeys := make([]string, 0, len(p.Metadata))
	for k := range p.Metadata {
		metaKeys = append(metaKeys, k)
	}
	sort.Strings(metaKeys)
	for _, k := range metaKeys {
		fmt.Fprintf(&b, "  %s: %s\n", k, literalValue(p.Metadata[k]))
	}

	for _, rule := range p.Rules {
		b.WriteString("\n")
		unparseRule(&b, rule)
	}
	b.WriteString("}\n")
	return b.String()
}

func unparseRule(b *strings.Builder, rule *Rule) {
	fmt.Fprintf(b, "  rule %s {\n", quote(rule.Name))
	fmt.Fprintf(b, "    priority: %d\n", rule.Priority)
	fmt.Fprintf(b, "    enabled: %t\n", rule.Enabled)
	fmt.Fprintf(b, "    when %s\n", UnparseExpr(rule.Condition))
	if len(rule.Actions) == 1 {
		fmt.Fprintf(b, "    then %s\n", unparseAction(rule.Actions[0]))
	} else {
		b.WriteString("    then {\n")
		for _, a := range rule.Actions {
			fmt.Fprintf(b, "      %s\n", unparseAction(a))
		}
		b.WriteString("    }\n")
	}
	b.WriteString("  }\n")
}

func unparseAction(a Action) string {
	if len(a.Parameters) == 0 {
		return string(a.Type)
	}
	keys := make([]string, 0, len(a.Parameters))
	for k := range a.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s = %s", k, literalValue(a.Parameters[k]))
	}
	return fmt.Sprintf("%s(%s)", a.Type, strings.Join(parts, ", "))
}

// UnparseExpr renders an expression subtree. Every binary expression
// is parenthesized so that re-parsing cannot reassociate.
func UnparseExpr(expr Expr) string {
	switch n := expr.(type) {
	case *Literal:
		return literalValue(n.Value)

	case *Identifier:
		if len(n.Path) == 0 {
			return n.Name
		}
		return n.Name + "." + strings.Join(n.Path, ".")

	case *Binary:
		return fmt.Sprintf("(%s %s %s)", UnparseExpr(n.Left), n.Op, UnparseExpr(n.Right))

	case *Unary:
		return fmt.Sprintf("(not %s)", UnparseExpr(n.Operand))

	case *Call:
		args := make([]string, len(n.Args))
		for i, arg := range n.Args {
			args[i] = UnparseExpr(arg)
		}
		return fmt.Sprintf("%s(%s)", n.Func, strings.Join(args, ", "))

	case *List:
		elements := make([]string, len(n.Elements))
		for i, el := range n.Elements {
			elements[i] = UnparseExpr(el)
		}
		return "[" + strings.Join(elements, ", ") + "]"

	case *Dict:
		entries := make([]string, len(n.Entries))
		for i, e := range n.Entries {
			entries[i] = fmt.Sprintf("%s: %s", UnparseExpr(e.Key), UnparseExpr(e.Value))
		}
		return "{" + strings.Join(entries, ", ") + "}"
	}
	return ""
}

func literalValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return quote(x)
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		s := strconv.FormatFloat(x, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	case []any:
		parts := make([]string, len(x))
		for i, el := range x {
			parts[i] = literalValue(el)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprintf("%v", v)
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
