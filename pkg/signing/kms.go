// Package signing provides KMS-backed COSE_Sign1 signing for ZJL files
// and checkpoint certificates, including crypto-shredding key
// revocation: revoking a key erases its private material, after which
// signing fails and verification of earlier signatures reports the
// revocation rather than a forgery.
package signing

import (
	"fmt"
	"sync"

	cometbftcrypto "github.com/cometbft/cometbft/crypto/ed25519"

	"github.com/metanode/core/pkg/coreerr"
)

// PublicKey is the 32-byte Ed25519 public key type keys in this package
// resolve to.
type PublicKey = cometbftcrypto.PubKey

// KMS is the key-management abstraction a Signer signs through. Real
// deployments back this with a TPM or cloud HSM; InMemoryKMS is the
// development/testing backend.
type KMS interface {
	GenerateKey(keyID string) (PublicKey, error)
	Sign(keyID string, data []byte) ([]byte, error)
	PublicKeyFor(keyID string) (PublicKey, error)
	RevokeKey(keyID string) error
	IsRevoked(keyID string) bool
}

// InMemoryKMS stores Ed25519 private keys in process memory. RevokeKey
// drops the key material (crypto-shredding): once revoked, Sign fails
// even though the public key remains available for verifying
// already-issued signatures against history.
type InMemoryKMS struct {
	mu      sync.RWMutex
	keys    map[string]cometbftcrypto.PrivKey
	pubKeys map[string]PublicKey
	revoked map[string]bool
}

func NewInMemoryKMS() *InMemoryKMS {
	return &InMemoryKMS{
		keys:    make(map[string]cometbftcrypto.PrivKey),
		pubKeys: make(map[string]PublicKey),
		revoked: make(map[string]bool),
	}
}

func (k *InMemoryKMS) GenerateKey(keyID string) (PublicKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	priv := cometbftcrypto.GenPrivKey()
	pub := priv.PubKey().(cometbftcrypto.PubKey)
	k.keys[keyID] = priv
	k.pubKeys[keyID] = pub
	delete(k.revoked, keyID)
	return pub, nil
}

func (k *InMemoryKMS) Sign(keyID string, data []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.revoked[keyID] {
		return nil, fmt.Errorf("%w: key %q", coreerr.KeyRevoked, keyID)
	}
	priv, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: key %q", coreerr.NotFound, keyID)
	}
	return priv.Sign(data)
}

func (k *InMemoryKMS) PublicKeyFor(keyID string) (PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	pub, ok := k.pubKeys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: key %q", coreerr.NotFound, keyID)
	}
	return pub, nil
}

// RevokeKey deletes the private key material for keyID. Subsequent Sign
// calls for keyID return coreerr.KeyRevoked; verification against
// existing signatures still works via PublicKeyFor but a caller checking
// IsRevoked first should treat them as no longer trusted going forward.
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
