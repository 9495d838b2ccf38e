package pq

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/metanode/core/pkg/coreerr"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	kms := NewInMemoryKMS()
	_, err := kms.GenerateKey("k")
	require.NoError(t, err)

	sig, err := kms.Sign("k", []byte("checkpoint header"))
	require.NoError(t, err)
	require.NoError(t, kms.Verify("k", []byte("checkpoint header"), sig))
}

func TestVerify_TamperedDataFails(t *testing.T) {
	kms := NewInMemoryKMS()
	_, err := kms.GenerateKey("k")
	require.NoError(t, err)

	sig, err := kms.Sign("k", []byte("data"))
	require.NoError(t, err)

	err = kms.Verify("k", []byte("other data"), sig)
	require.ErrorIs(t, err, coreerr.InvalidSignature)
}

func TestRevoke_ShredsSeed(t *testing.T) {
	kms := NewInMemoryKMS()
	_, err := kms.GenerateKey("doomed")
	require.NoError(t, err)

	sig, err := kms.Sign("doomed", []byte("data"))
	require.NoError(t, err)

	require.NoError(t, kms.RevokeKey("doomed"))
	require.True(t, kms.IsRevoked("doomed"))

	_, err = kms.Sign("doomed", []byte("data"))
	require.ErrorIs(t, err, coreerr.KeyRevoked)

	err = kms.Verify("doomed", []byte("data"), sig)
	require.ErrorIs(t, err, coreerr.KeyRevoked)
}

func TestSign_UnknownKeyIsNotFound(t *testing.T) {
	kms := NewInMemoryKMS()
	_, err := kms.Sign("absent", []byte("data"))
	require.ErrorIs(t, err, coreerr.NotFound)
}
