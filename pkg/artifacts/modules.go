package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const modulePrefix = "modules/"

// ModuleStore keeps transform modules content-addressed on top of a
// blob Store. References are "sha256:<hex>", the form plan steps carry
// in their wasm parameter.
type ModuleStore struct {
	store Store
}

// NewModuleStore wraps the blob store.
func NewModuleStore(store Store) *ModuleStore {
	return &ModuleStore{store: store}
}

// StoreModule persists the module bytes and returns their reference.
// Storing the same bytes twice is idempotent.
func (m *ModuleStore) StoreModule(ctx context.Context, wasm []byte) (string, error) {
	sum := sha256.Sum256(wasm)
	hash := hex.EncodeToString(sum[:])

	key := modulePrefix + hash + ".wasm"
	exists, err := m.store.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := m.store.Put(ctx, key, "application/wasm", wasm); err != nil {
			return "", err
		}
	}
	return "sha256:" + hash, nil
}

// Get resolves a module reference to its bytes.
func (m *ModuleStore) Get(ctx context.Context, ref string) ([]byte, error) {
	hash, ok := strings.CutPrefix(ref, "sha256:")
	if !ok {
		return nil, fmt.Errorf("artifacts: invalid module ref %q", ref)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return nil, fmt.Errorf("artifacts: invalid module ref hex: %w", err)
	}
	data, err := m.store.Get(ctx, modulePrefix+hash+".wasm")
	if err != nil {
		return nil, err
	}

	// Guard against a corrupted or misfiled blob.
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != hash {
		return nil, fmt.Errorf("artifacts: module %s failed hash check", ref)
	}
	return data, nil
}
