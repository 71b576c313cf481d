package orchestrator

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKeyIsStable(t *testing.T) {
	store := NewIdempotencyStore(nil)
	tenantID := uuid.New()

	request := map[string]any{
		"capsule_yaml": "name: x",
		"actor":        "ops@example.com",
		"engine_params": map[string]any{
			"amount": 100, "currency": "INR",
		},
	}

	first, err := store.Key(tenantID, request)
	require.NoError(t, err)
	second, err := store.Key(tenantID, request)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first, "idempotency:"+tenantID.String()+":"))
}

func TestIdempotencyKeyIgnoresVolatileFields(t *testing.T) {
	store := NewIdempotencyStore(nil)
	tenantID := uuid.New()

	base := map[string]any{"capsule_yaml": "name: x", "actor": "ops"}
	withNoise := map[string]any{
		"capsule_yaml":   "name: x",
		"actor":          "ops",
		"correlation_id": uuid.NewString(),
		"timestamp":      "2026-08-26T10:00:00Z",
		"request_id":     uuid.NewString(),
	}

	baseKey, err := store.Key(tenantID, base)
	require.NoError(t, err)
	noisyKey, err := store.Key(tenantID, withNoise)
	require.NoError(t, err)
	assert.Equal(t, baseKey, noisyKey)

	// the noise map itself is untouched
	assert.Contains(t, withNoise, "correlation_id")
}

func TestIdempotencyKeySeparatesTenantsAndContent(t *testing.T) {
	store := NewIdempotencyStore(nil)
	request := map[string]any{"capsule_yaml": "name: x"}

	tenantA, err := store.Key(uuid.New(), request)
	require.NoError(t, err)
	tenantB, err := store.Key(uuid.New(), request)
	require.NoError(t, err)
	assert.NotEqual(t, tenantA, tenantB)

	changed, err := store.Key(uuid.New(), map[string]any{"capsule_yaml": "name: y"})
	require.NoError(t, err)
	assert.NotEqual(t, tenantA, changed)
}
