package repository

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/ruvnet/agent-name-service/internal/registry/model"
)

// KeyVault stores issued private key material, sealed at rest. Keys are
// write-once per agent generation; rotation overwrites with the new key.
type KeyVault interface {
	Put(ctx context.Context, agentName string, keyPEM []byte) error
	Get(ctx context.Context, agentName string) ([]byte, error)
	Delete(ctx context.Context, agentName string) error
}

// SealedVault is an in-memory KeyVault. Entries are encrypted with a
// process-local sealing key so key PEMs never sit in memory (or in a heap
// dump) in the clear.
type SealedVault struct {
	sealKey [32]byte

	mu      sync.RWMutex
	entries map[string][]byte
}

// NewSealedVault creates a vault sealed with the given 32-byte key. A nil
// key generates a random ephemeral one, which is fine as long as stored keys
// do not need to outlive the process.
func NewSealedVault(sealKey []byte) (*SealedVault, error) {
	v := &SealedVault{entries: make(map[string][]byte)}
	if sealKey == nil {
		if _, err := io.ReadFull(rand.Reader, v.sealKey[:]); err != nil {
			return nil, fmt.Errorf("generate sealing key: %w", err)
		}
		return v, nil
	}
	if len(sealKey) != 32 {
		return nil, fmt.Errorf("sealing key must be 32 bytes, got %d", len(sealKey))
	}
	copy(v.sealKey[:], sealKey)
	return v, nil
}

// Put implements KeyVault. The nonce is prepended to the sealed blob.
func (v *SealedVault) Put(_ context.Context, agentName string, keyPEM []byte) error {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return &model.ErrStorage{Op: "seal key", Err: err}
	}
	sealed := secretbox.Seal(nonce[:], keyPEM, &nonce, &v.sealKey)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries[agentName] = sealed
	return nil
}

// Get implements KeyVault.
func (v *SealedVault) Get(_ context.Context, agentName string) ([]byte, error) {
	v.mu.RLock()
	sealed, ok := v.entries[agentName]
	v.mu.RUnlock()
	if !ok {
		return nil, model.ErrNotFound
	}
	if len(sealed) < 24 {
		return nil, &model.ErrStorage{Op: "unseal key", Err: fmt.Errorf("sealed blob too short")}
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	keyPEM, ok := secretbox.Open(nil, sealed[24:], &nonce, &v.sealKey)
	if !ok {
		return nil, &model.ErrStorage{Op: "unseal key", Err: fmt.Errorf("sealed blob failed authentication")}
	}
	return keyPEM, nil
}

// Delete implements KeyVault.
func (v *SealedVault) Delete(_ context.Context, agentName string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.entries, agentName)
	return nil
}
