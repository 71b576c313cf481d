package token

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivedKeySetCrossInstanceVerify(t *testing.T) {
	seed := make([]byte, 32)
	copy(seed, "0123456789abcdef0123456789abcdef")

	signer, err := NewDerivedKeySet(seed)
	require.NoError(t, err)
	verifier, err := NewDerivedKeySet(seed)
	require.NoError(t, err)

	claims := NewClaims(uuid.New(), uuid.New(), "svc", []string{"read"}, time.Now(), time.Minute)
	signed, err := signer.Sign(context.Background(), claims)
	require.NoError(t, err)

	// A second instance with the same master seed verifies without any
	// key exchange.
	parsed, err := jwt.ParseWithClaims(signed, &CapabilityClaims{}, verifier.KeyFunc())
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
}

func TestDerivedKeySetRejectsForeignSeed(t *testing.T) {
	a, err := NewDerivedKeySet(nil)
	require.NoError(t, err)
	b, err := NewDerivedKeySet(nil)
	require.NoError(t, err)

	claims := NewClaims(uuid.New(), uuid.New(), "svc", []string{"read"}, time.Now(), time.Minute)
	signed, err := a.Sign(context.Background(), claims)
	require.NoError(t, err)

	_, err = jwt.ParseWithClaims(signed, &CapabilityClaims{}, b.KeyFunc())
	assert.Error(t, err)
}

func TestDerivedKeySetRejectsBadSeedLength(t *testing.T) {
	_, err := NewDerivedKeySet([]byte("short"))
	assert.Error(t, err)
}

func TestKeyFuncRejectsMissingKid(t *testing.T) {
	ks, err := NewDerivedKeySet(nil)
	require.NoError(t, err)

	tok := jwt.New(jwt.SigningMethodEdDSA)
	_, err = ks.KeyFunc()(tok)
	assert.ErrorContains(t, err, "kid")
}
