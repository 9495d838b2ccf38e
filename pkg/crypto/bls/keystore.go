// keystore.go persists validator BLS keys on disk: one hex-encoded
// private key per file, owner-readable only. Nothing signs through
// these files directly; pkg/checkpoint.LoadValidatorKeys reads them
// once at startup and imports them into an InMemoryKMS, which owns the
// in-process key lifecycle including revocation.
package bls

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/metanode/core/pkg/coreerr"
	"github.com/metanode/core/pkg/hashing"
)

// LoadOrDeriveKey returns a validator's BLS private key. When keyPath
// names an existing file the key is read from it; otherwise the key is
// derived deterministically from (validatorID, chainID), so a
// validator recovers the same identity across restarts, and is
// persisted to keyPath when one is given.
func LoadOrDeriveKey(validatorID, chainID, keyPath string) (*PrivateKey, error) {
	if keyPath != "" {
		sk, err := ReadKeyFile(keyPath)
		if err == nil {
			return sk, nil
		}
		if !errors.Is(err, coreerr.NotFound) {
			return nil, err
		}
	}

	seed := hashing.HashConcat(hashing.DomainKeyDerive, []byte(chainID), []byte(validatorID))
	sk, _, err := GenerateKeyPairFromSeed(seed[:])
	if err != nil {
		return nil, fmt.Errorf("deriving BLS key for %q: %w", validatorID, err)
	}

	if keyPath != "" {
		if err := WriteKeyFile(keyPath, sk); err != nil {
			return nil, err
		}
	}
	return sk, nil
}

// ReadKeyFile parses the hex-encoded private key stored at path.
// Returns coreerr.NotFound when no file exists there and
// coreerr.Integrity when the file's contents don't decode to a key.
func ReadKeyFile(path string) (*PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no key file at %s", coreerr.NotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", coreerr.IoError, err)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: key file %s is not hex-encoded", coreerr.Integrity, path)
	}
	sk, err := PrivateKeyFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: key file %s: %v", coreerr.Integrity, path, err)
	}
	return sk, nil
}

// WriteKeyFile stores sk at path, hex-encoded, creating parent
// directories as needed and restricting both to their owner.
func WriteKeyFile(path string, sk *PrivateKey) error {
	if sk == nil {
		return fmt.Errorf("%w: nil BLS private key", coreerr.InvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("%w: %v", coreerr.IoError, err)
	}
	if err := os.WriteFile(path, []byte(sk.Hex()), 0o600); err != nil {
		return fmt.Errorf("%w: %v", coreerr.IoError, err)
	}
	return nil
}
