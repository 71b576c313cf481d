// Package canonical produces the canonical JSON form used for content
// hashing across the enforcement core: plan hashes, token hashes and
// idempotency fingerprints all go through this package so that two
// serializations of the same value can never disagree.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Normalize returns the NFC form of s. Capability names, tool names and
// policy source are normalized before comparison or hashing so that
// visually identical Unicode spellings cannot bypass a rule.
func Normalize(s string) string {
	return norm.NFC.String(s)
}

// NormalizeAll normalizes every element of ss, returning a new slice.
func NormalizeAll(ss []string) []string {
	if ss == nil {
		return nil
	}
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = Normalize(s)
	}
	return out
}

// Marshal serializes v to RFC 8785 canonical JSON: sorted keys, no
// insignificant whitespace, UTF-8, shortest-round-trip numbers.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Hash computes the lowercase SHA-256 hex digest of the canonical JSON
// form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes computes the lowercase SHA-256 hex digest of b as-is.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Scrub walks a decoded JSON tree and returns a copy with nil values
// stripped from objects and every string NFC-normalized. Hash content is
// scrubbed first so that optional fields left null do not perturb digests.
func Scrub(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			out[Normalize(k)] = Scrub(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Scrub(val)
		}
		return out
	case string:
		return Normalize(t)
	default:
		return v
	}
}

// SortedKeys returns the keys of m in ascending order. Callers that need a
// deterministic walk over scrubbed objects use this instead of map range.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
