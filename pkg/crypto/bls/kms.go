package bls

import (
	"fmt"
	"sync"

	"github.com/metanode/core/pkg/coreerr"
)

// KMS is the revocable key registry pkg/checkpoint signs checkpoint
// certificates through. Shaped like pkg/signing.KMS and
// pkg/crypto/pq.KMS so the checkpoint engine can hold one instance of
// each half of the Hybrid-PQ suite and treat them symmetrically: both
// sign under a keyID, both crypto-shred on revocation, both report
// coreerr.KeyRevoked (never coreerr.NotFound) once a key has been
// destroyed so a caller can tell "never existed" apart from "existed,
// then pulled".
type KMS interface {
	GenerateKey(keyID string) (*PublicKey, error)
	ImportKey(keyID string, priv *PrivateKey) (*PublicKey, error)
	Sign(keyID, domain string, message []byte) (*Signature, error)
	PublicKeyFor(keyID string) (*PublicKey, error)
	RevokeKey(keyID string) error
	IsRevoked(keyID string) bool
}

// InMemoryKMS is the reference KMS backend: one validator's BLS key
// per keyID, held in process memory until RevokeKey crypto-shreds it.
// A TPM- or HSM-backed implementation of the same interface slots in
// wherever a *KMS is accepted without pkg/checkpoint changing.
type InMemoryKMS struct {
	mu      sync.RWMutex
	keys    map[string]*PrivateKey
	pubKeys map[string]*PublicKey
	revoked map[string]bool
}

func NewInMemoryKMS() *InMemoryKMS {
	return &InMemoryKMS{
		keys:    make(map[string]*PrivateKey),
		pubKeys: make(map[string]*PublicKey),
		revoked: make(map[string]bool),
	}
}

// GenerateKey draws a fresh key pair for keyID, un-revoking keyID if it
// was previously revoked; a new key under the same keyID is a
// distinct identity, not a resurrection of the old one.
func (k *InMemoryKMS) GenerateKey(keyID string) (*PublicKey, error) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return k.store(keyID, priv, pub), nil
}

// ImportKey registers a key pair generated elsewhere (typically read
// off disk by LoadOrDeriveKey) under keyID.
func (k *InMemoryKMS) ImportKey(keyID string, priv *PrivateKey) (*PublicKey, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: nil BLS private key for %q", coreerr.InvalidInput, keyID)
	}
	return k.store(keyID, priv, priv.PublicKey()), nil
}

func (k *InMemoryKMS) store(keyID string, priv *PrivateKey, pub *PublicKey) *PublicKey {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = priv
	k.pubKeys[keyID] = pub
	delete(k.revoked, keyID)
	return pub
}

// Sign signs message under domain with keyID's key. A revoked key
// returns coreerr.KeyRevoked; a keyID never generated or imported
// returns coreerr.NotFound; pkg/checkpoint.Engine.build treats the
// two differently, failing the whole checkpoint on the former but
// simply not counting that validator's stake on the latter.
func (k *InMemoryKMS) Sign(keyID, domain string, message []byte) (*Signature, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.revoked[keyID] {
		return nil, fmt.Errorf("%w: BLS key %q", coreerr.KeyRevoked, keyID)
	}
	priv, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: BLS key %q", coreerr.NotFound, keyID)
	}
	return priv.SignWithDomain(message, domain), nil
}

// PublicKeyFor returns the last-known public key for keyID, even after
// revocation; verifiers need it to check certificates signed before
// the revocation took effect; coreerr.NotFound only for a keyID that
// was never registered at all.
func (k *InMemoryKMS) PublicKeyFor(keyID string) (*PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.pubKeys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: BLS key %q", coreerr.NotFound, keyID)
	}
	return pub, nil
}

// RevokeKey crypto-shreds keyID's private scalar. The public key
// (needed to keep verifying certificates signed before revocation)
// and the revoked marker both persist.
func (k *InMemoryKMS) RevokeKey(keyID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, keyID)
	k.revoked[keyID] = true
	return nil
}

func (k *InMemoryKMS) IsRevoked(keyID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.revoked[keyID]
}
