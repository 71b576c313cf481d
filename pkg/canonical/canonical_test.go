package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	b, err := Marshal(map[string]any{"zeta": 1, "alpha": 2, "mid": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":3,"zeta":1}`, string(b))
}

func TestHashStableAcrossKeyOrder(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"b": "x", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestScrubStripsNulls(t *testing.T) {
	in := map[string]any{
		"keep": "v",
		"drop": nil,
		"nested": map[string]any{
			"also_drop": nil,
			"list":      []any{"a", nil},
		},
	}
	out := Scrub(in).(map[string]any)
	assert.NotContains(t, out, "drop")
	nested := out["nested"].(map[string]any)
	assert.NotContains(t, nested, "also_drop")
	// Null stripping applies to object fields only, not array elements.
	assert.Len(t, nested["list"], 2)
}

func TestNormalizeNFC(t *testing.T) {
	// U+0065 U+0301 (e + combining acute) normalizes to U+00E9.
	decomposed := "café"
	composed := "café"
	assert.Equal(t, composed, Normalize(decomposed))

	h1, err := Hash(map[string]any{"k": Normalize(decomposed)})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"k": composed})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashBytes(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
}
