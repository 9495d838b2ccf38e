package bls

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/metanode/core/pkg/coreerr"
)

func TestInMemoryKMS_GenerateSignVerify(t *testing.T) {
	kms := NewInMemoryKMS()
	pub, err := kms.GenerateKey("validator-a")
	require.NoError(t, err)

	message := []byte("header-hash")
	sig, err := kms.Sign("validator-a", DomainCheckpoint, message)
	require.NoError(t, err)
	require.True(t, pub.VerifyWithDomain(sig, message, DomainCheckpoint))

	got, err := kms.PublicKeyFor("validator-a")
	require.NoError(t, err)
	require.True(t, pub.Equal(got))
}

func TestInMemoryKMS_SignUnknownKeyIsNotFound(t *testing.T) {
	kms := NewInMemoryKMS()
	_, err := kms.Sign("never-generated", DomainCheckpoint, []byte("m"))
	require.ErrorIs(t, err, coreerr.NotFound)

	_, err = kms.PublicKeyFor("never-generated")
	require.ErrorIs(t, err, coreerr.NotFound)
}

func TestInMemoryKMS_RevokeKey_CryptoShreds(t *testing.T) {
	kms := NewInMemoryKMS()
	_, err := kms.GenerateKey("validator-a")
	require.NoError(t, err)
	require.False(t, kms.IsRevoked("validator-a"))

	require.NoError(t, kms.RevokeKey("validator-a"))
	require.True(t, kms.IsRevoked("validator-a"))

	_, err = kms.Sign("validator-a", DomainCheckpoint, []byte("m"))
	require.ErrorIs(t, err, coreerr.KeyRevoked)
	require.NotErrorIs(t, err, coreerr.NotFound)
}

func TestInMemoryKMS_RevokeKey_PublicKeyStillResolvable(t *testing.T) {
	// A verifier checking a certificate signed before revocation still
	// needs the public key; only signing is cut off.
	kms := NewInMemoryKMS()
	pub, err := kms.GenerateKey("validator-a")
	require.NoError(t, err)
	require.NoError(t, kms.RevokeKey("validator-a"))

	got, err := kms.PublicKeyFor("validator-a")
	require.NoError(t, err)
	require.True(t, pub.Equal(got))
}

func TestInMemoryKMS_ImportKey(t *testing.T) {
	sk, pk, err := GenerateKeyPair()
	require.NoError(t, err)

	kms := NewInMemoryKMS()
	imported, err := kms.ImportKey("validator-a", sk)
	require.NoError(t, err)
	require.True(t, pk.Equal(imported))

	sig, err := kms.Sign("validator-a", DomainVote, []byte("round-message"))
	require.NoError(t, err)
	require.True(t, pk.VerifyWithDomain(sig, []byte("round-message"), DomainVote))
}

func TestInMemoryKMS_GenerateKeyUnrevokes(t *testing.T) {
	kms := NewInMemoryKMS()
	_, err := kms.GenerateKey("validator-a")
	require.NoError(t, err)
	require.NoError(t, kms.RevokeKey("validator-a"))
	require.True(t, kms.IsRevoked("validator-a"))

	_, err = kms.GenerateKey("validator-a")
	require.NoError(t, err)
	require.False(t, kms.IsRevoked("validator-a"))

	_, err = kms.Sign("validator-a", DomainCheckpoint, []byte("m"))
	require.NoError(t, err)
}
