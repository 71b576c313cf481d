package enforce

import (
	"log/slog"
	"regexp"

	"github.com/anumate/enforcement-core/pkg/policy"
)

// DefaultReplacement substitutes redacted content when the rule does
// not name its own.
const DefaultReplacement = "[REDACTED]"

// Redaction is one rewrite rule derived from a fired redact action:
// either a field name replaced wherever it appears, or a regex applied
// to every string value.
type Redaction struct {
	Field       string
	Pattern     string
	Replacement string

	re *regexp.Regexp
}

// RedactionsFrom extracts redaction rules from fired policy actions.
// Actions with an invalid regex are dropped with a log line rather
// than failing the response.
func RedactionsFrom(actions []policy.ActionResult) []Redaction {
	var out []Redaction
	for _, action := range actions {
		if action.Type != policy.ActionRedact {
			continue
		}
		r := Redaction{
			Field:       paramString(action.Parameters, "field"),
			Pattern:     paramString(action.Parameters, "pattern"),
			Replacement: paramString(action.Parameters, "replacement"),
		}
		if r.Replacement == "" {
			r.Replacement = DefaultReplacement
		}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				slog.Default().Error("invalid redaction pattern",
					"pattern", r.Pattern, "error", err)
				continue
			}
			r.re = re
		}
		if r.Field == "" && r.re == nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Apply rewrites the decoded JSON tree: field rules replace the whole
// value under a matching key, pattern rules rewrite string values.
// The input is not mutated.
func Apply(data any, redactions []Redaction) any {
	if len(redactions) == 0 {
		return data
	}
	switch v := data.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			if r, ok := fieldRule(redactions, key); ok {
				out[key] = r.Replacement
				continue
			}
			out[key] = Apply(value, redactions)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Apply(item, redactions)
		}
		return out
	case string:
		text := v
		for _, r := range redactions {
			if r.re != nil {
				text = r.re.ReplaceAllString(text, r.Replacement)
			}
		}
		return text
	default:
		return data
	}
}

func fieldRule(redactions []Redaction, key string) (Redaction, bool) {
	for _, r := range redactions {
		if r.Field != "" && r.Field == key {
			return r, true
		}
	}
	return Redaction{}, false
}

func paramString(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}
