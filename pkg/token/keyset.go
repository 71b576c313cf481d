package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// KeySet manages the active signing key and verification of past keys so
// keys can rotate without invalidating tokens in flight.
type KeySet interface {
	// Sign creates a signed compact JWT with the current active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc returns the verification key selected by the token's kid header.
	KeyFunc() jwt.Keyfunc
}

// DerivedKeySet derives per-kid Ed25519 keys from a master seed using
// HKDF-SHA256. Every replica holding the same master seed derives the same
// keys, so verification works across instances without key distribution.
type DerivedKeySet struct {
	mu         sync.RWMutex
	masterSeed []byte
	currentKID string
}

const keysetSalt = "anumate-captokens-kdf"

// NewDerivedKeySet creates a keyset from a 32-byte master seed. A nil seed
// generates a random one (single-instance and test use).
func NewDerivedKeySet(masterSeed []byte) (*DerivedKeySet, error) {
	if masterSeed == nil {
		masterSeed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(masterSeed); err != nil {
			return nil, fmt.Errorf("keyset: seed generation: %w", err)
		}
	}
	if len(masterSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keyset: master seed must be %d bytes, got %d", ed25519.SeedSize, len(masterSeed))
	}
	ks := &DerivedKeySet{masterSeed: masterSeed}
	ks.currentKID = kidForEpoch(time.Now().UTC())
	return ks, nil
}

// Rotate advances the active kid to the current epoch. Old kids keep
// verifying because keys are re-derived on demand.
func (ks *DerivedKeySet) Rotate() {
	ks.mu.Lock()
	ks.currentKID = kidForEpoch(time.Now().UTC())
	ks.mu.Unlock()
}

// CurrentKID returns the active key id.
func (ks *DerivedKeySet) CurrentKID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.currentKID
}

func (ks *DerivedKeySet) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid := ks.currentKID
	ks.mu.RUnlock()

	priv, err := ks.derive(kid)
	if err != nil {
		return "", err
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("keyset: sign: %w", err)
	}
	return signed, nil
}

func (ks *DerivedKeySet) KeyFunc() jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing kid in header")
		}
		if len(kid) > 64 {
			return nil, fmt.Errorf("kid too long")
		}
		priv, err := ks.derive(kid)
		if err != nil {
			return nil, err
		}
		return priv.Public(), nil
	}
}

// derive produces the Ed25519 private key for a kid. HKDF-SHA256 with the
// master seed as IKM and the kid as info; deterministic per (seed, kid).
func (ks *DerivedKeySet) derive(kid string) (ed25519.PrivateKey, error) {
	r := hkdf.New(sha256.New, ks.masterSeed, []byte(keysetSalt), []byte(kid))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("keyset: hkdf: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func kidForEpoch(now time.Time) string {
	return "cap-" + now.Format("20060102")
}
