// Package pq implements the post-quantum half of the Hybrid-PQ crypto
// suite (security.crypto_suite) as a clearly-labelled placeholder: a
// deterministic, domain-separated BLAKE3-keyed commitment signature,
// NOT a lattice-based scheme (ML-DSA/Dilithium).
//
// The placeholder keeps the Hybrid-PQ protocol logic (dual-signature
// checkpoints, revocation interplay, "reject unknown suites as
// Unsupported") exercisable today with a primitive that is obviously
// not cryptographically post-quantum-secure. Swapping in a real
// lattice signer requires no change to pkg/checkpoint beyond the KMS
// interface below, which is deliberately shaped like pkg/signing.KMS
// so the swap is mechanical.
package pq

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/metanode/core/pkg/coreerr"
	"github.com/metanode/core/pkg/hashing"
)

// KeySize is the placeholder secret key length.
const KeySize = 32

// SignatureSize is the placeholder signature length.
const SignatureSize = hashing.Size

// PublicKey for this placeholder scheme is a commitment to the secret
// seed, not a real lattice public matrix; flagged here rather than
// hidden, since it is the load-bearing reason this is a placeholder.
type PublicKey [hashing.Size]byte

// Signature is a placeholder PQ "signature": H(domain, seed, message).
type Signature [SignatureSize]byte

// KMS mirrors pkg/signing.KMS's shape so pkg/checkpoint can hold one
// instance of each and treat them symmetrically for the Hybrid-PQ dual
// signature path, including independent crypto-shredding revocation.
type KMS interface {
	GenerateKey(keyID string) (PublicKey, error)
	Sign(keyID string, data []byte) (Signature, error)
	Verify(keyID string, data []byte, sig Signature) error
	RevokeKey(keyID string) error
	IsRevoked(keyID string) bool
}

// InMemoryKMS is the reference backend: seeds live in process memory
// until RevokeKey crypto-shreds them, exactly like
// pkg/signing.InMemoryKMS.
type InMemoryKMS struct {
	mu      sync.RWMutex
	seeds   map[string][KeySize]byte
	pubKeys map[string]PublicKey
	revoked map[string]bool
}

func NewInMemoryKMS() *InMemoryKMS {
	return &InMemoryKMS{
		seeds:   make(map[string][KeySize]byte),
		pubKeys: make(map[string]PublicKey),
		revoked: make(map[string]bool),
	}
}

func (k *InMemoryKMS) GenerateKey(keyID string) (PublicKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var seed [KeySize]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return PublicKey{}, err
	}
	pub := derivePublicKey(seed)
	k.seeds[keyID] = seed
	k.pubKeys[keyID] = pub
	delete(k.revoked, keyID)
	return pub, nil
}

func (k *InMemoryKMS) Sign(keyID string, data []byte) (Signature, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.revoked[keyID] {
		return Signature{}, fmt.Errorf("%w: pq key %q", coreerr.KeyRevoked, keyID)
	}
	seed, ok := k.seeds[keyID]
	if !ok {
		return Signature{}, fmt.Errorf("%w: pq key %q", coreerr.NotFound, keyID)
	}
	return signWithSeed(seed, data), nil
}

// Verify checks sig against data. Because this placeholder's "public
// key" is a commitment rather than a verification key, verification
// here is performed by the same KMS instance that issued the
// signature (it still holds the seed unless revoked); a real ML-DSA
// swap would instead verify from PublicKey alone without touching the
// KMS's private state.
func (k *InMemoryKMS) Verify(keyID string, data []byte, sig Signature) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.revoked[keyID] {
		return fmt.Errorf("%w: pq key %q", coreerr.KeyRevoked, keyID)
	}
	seed, ok := k.seeds[keyID]
	if !ok {
		return fmt.Errorf("%w: pq key %q", coreerr.NotFound, keyID)
	}
	want := signWithSeed(seed, data)
	if subtle.ConstantTimeCompare(want[:], sig[:]) != 1 {
		return fmt.Errorf("%w: pq commitment mismatch", coreerr.InvalidSignature)
	}
	return nil
}

// RevokeKey crypto-shreds the seed. Past signatures remain on disk in
// checkpoints but can no longer be re-verified by this KMS instance
// (Verify returns coreerr.KeyRevoked, mirroring the classical side's
// revocation contract).
func (k *InMemoryKMS) RevokeKey(keyID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.seeds, keyID)
	k.revoked[keyID] = true
	return nil
}

func (k *InMemoryKMS) IsRevoked(keyID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.revoked[keyID]
}

func derivePublicKey(seed [KeySize]byte) PublicKey {
	return PublicKey(hashing.HashConcat(hashing.DomainContent, seed[:], []byte("pq-placeholder-pub")))
}

func signWithSeed(seed [KeySize]byte, data []byte) Signature {
	return Signature(hashing.HashConcat(hashing.DomainCheckpoint, seed[:], data))
}
