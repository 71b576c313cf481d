package capability

import (
	"regexp"
	"strings"
)

// CapabilityMatches reports whether a provided capability satisfies a
// required one. Matching is hierarchical on dotted names: a provided
// capability that is a prefix of the required name is a broader grant and
// matches ("admin" satisfies "admin.write"), and a "*" segment in the
// required name matches everything from that position on. The bare
// capability "admin" additionally satisfies any requirement outside the
// admin.* namespace; a requirement of exactly "admin" is satisfied only by
// "admin" itself.
func CapabilityMatches(provided, required string) bool {
	if provided == required {
		return true
	}

	if strings.Contains(required, ".") {
		reqParts := strings.Split(required, ".")
		provParts := strings.Split(provided, ".")
		matched := true
		for i, reqPart := range reqParts {
			if reqPart == "*" {
				return true
			}
			if i >= len(provParts) {
				// Provided is a broader prefix of the requirement.
				return true
			}
			if provParts[i] != reqPart {
				matched = false
				break
			}
		}
		if matched && len(provParts) >= len(reqParts) {
			return true
		}
	}

	// Global admin shortcut, excluding the admin.* namespace itself.
	if provided == "admin" && !strings.HasPrefix(required, "admin.") {
		return true
	}

	return false
}

// PatternMatches compares value against pattern under the given type.
// Regex patterns are anchored at the start only; glob patterns translate
// "*" to ".*" and "?" to "." and must match the whole string. A pattern
// that fails to compile never matches.
func PatternMatches(value, pattern string, pt PatternType) bool {
	switch pt {
	case PatternExact:
		return value == pattern

	case PatternRegex:
		re, err := regexp.Compile(`^(?:` + pattern + `)`)
		if err != nil {
			return false
		}
		return re.MatchString(value)

	case PatternGlob:
		escaped := regexp.QuoteMeta(pattern)
		escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
		escaped = strings.ReplaceAll(escaped, `\?`, `.`)
		re, err := regexp.Compile(`^` + escaped + `$`)
		if err != nil {
			return false
		}
		return re.MatchString(value)

	default:
		return false
	}
}
