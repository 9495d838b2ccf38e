package bls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestVerify_TamperDetection exercises the three ways an aggregate
// checkpoint signature must fail to verify: a flipped header bit, a
// substituted signer, and a corrupted signature encoding.
func TestVerify_TamperDetection(t *testing.T) {
	sk, pk, err := GenerateKeyPair()
	require.NoError(t, err)
	_, otherPk, err := GenerateKeyPair()
	require.NoError(t, err)

	message := []byte("headerHash:height=42")
	sig := sk.SignWithDomain(message, DomainCheckpoint)

	require.True(t, pk.VerifyWithDomain(sig, message, DomainCheckpoint))

	tampered := append([]byte(nil), message...)
	tampered[0] ^= 0xFF
	require.False(t, pk.VerifyWithDomain(sig, tampered, DomainCheckpoint))

	require.False(t, otherPk.VerifyWithDomain(sig, message, DomainCheckpoint))

	sigBytes := sig.Bytes()
	sigBytes[len(sigBytes)-1] ^= 0xFF
	tamperedSig, err := SignatureFromBytes(sigBytes)
	if err == nil {
		require.False(t, pk.VerifyWithDomain(tamperedSig, message, DomainCheckpoint))
	}
}

// TestSubgroupCheck_RejectsMalformedEncodings pins the fail-closed
// contract PublicKeyFromBytes/SignatureFromBytes enforce: any encoding
// that is the wrong length, off-curve, or outside the prime-order
// subgroup is rejected at decode time rather than handed back as a
// usable key a caller might forget to separately validate.
func TestSubgroupCheck_RejectsMalformedEncodings(t *testing.T) {
	_, pk, err := GenerateKeyPair()
	require.NoError(t, err)
	validPub := pk.Bytes()

	_, err = PublicKeyFromBytes(validPub[:len(validPub)-1])
	require.Error(t, err, "short encoding must be rejected")

	_, err = PublicKeyFromBytes(append(validPub, 0x00))
	require.Error(t, err, "long encoding must be rejected")

	garbage := make([]byte, PublicKeySize)
	for i := range garbage {
		garbage[i] = byte(i*7 + 3)
	}
	_, err = PublicKeyFromBytes(garbage)
	require.Error(t, err, "off-curve bytes must be rejected")

	sk, _, err := GenerateKeyPair()
	require.NoError(t, err)
	sig := sk.Sign([]byte("m"))
	validSig := sig.Bytes()
	_, err = SignatureFromBytes(validSig[:len(validSig)-1])
	require.Error(t, err, "short signature encoding must be rejected")
}

// TestVerifyAggregateSignature_DoesNotAcceptPartialSignerSet pins that
// aggregation is all-or-nothing: a signature produced by one signer
// alone must not satisfy an aggregate public key formed over that
// signer plus others who did not contribute.
func TestVerifyAggregateSignature_DoesNotAcceptPartialSignerSet(t *testing.T) {
	message := []byte("height=7")
	sk1, pk1, err := GenerateKeyPair()
	require.NoError(t, err)
	_, pk2, err := GenerateKeyPair()
	require.NoError(t, err)

	sig1 := sk1.SignWithDomain(message, DomainCheckpoint)

	aggPub, err := AggregatePublicKeys([]*PublicKey{pk1, pk2})
	require.NoError(t, err)
	require.True(t, aggPub.IsValidPublicKey())

	require.False(t, VerifyAggregateSignatureWithDomain(sig1, []*PublicKey{pk1, pk2}, message, DomainCheckpoint))
}

// TestDomainSeparatedMessage_DistinctInputsDistinctDigests pins that
// domainSeparatedMessage (and therefore SignWithDomain) is sensitive to
// every byte of its inputs, since checkpoint/vote/evidence signatures
// all flow through it and a collision here would let one message type
// be replayed as another.
func TestDomainSeparatedMessage_DistinctInputsDistinctDigests(t *testing.T) {
	a := domainSeparatedMessage(DomainCheckpoint, []byte("payload"))
	b := domainSeparatedMessage(DomainCheckpoint, []byte("payload"))
	require.Equal(t, a, b)

	c := domainSeparatedMessage(DomainVote, []byte("payload"))
	require.NotEqual(t, a, c)

	d := domainSeparatedMessage(DomainCheckpoint, []byte("different"))
	require.NotEqual(t, a, d)
}

// TestHashToG1_DeterministicAndDistinct pins that the hash-to-curve
// helper behind every Sign call is a pure function of its input, since
// two validators signing the identical header must land on the
// identical G1 point for aggregation to collapse correctly.
func TestHashToG1_DeterministicAndDistinct(t *testing.T) {
	p1 := hashToG1([]byte("message-a"))
	p2 := hashToG1([]byte("message-a"))
	require.True(t, p1.Equal(&p2))

	p3 := hashToG1([]byte("message-b"))
	require.False(t, p1.Equal(&p3))
}
