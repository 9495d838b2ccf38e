package hashing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHash_DomainSeparation(t *testing.T) {
	payload := []byte("same bytes")
	require.NotEqual(t, Hash(DomainMerkleLeaf, payload), Hash(DomainMerkleInternal, payload))
}

func TestHash_Deterministic(t *testing.T) {
	require.Equal(t, Hash(DomainReceipt, []byte("x")), Hash(DomainReceipt, []byte("x")))
}

func TestHashConcat_LengthPrefixPreventsBoundaryCollisions(t *testing.T) {
	a := HashConcat(DomainContent, []byte("ab"), []byte("c"))
	b := HashConcat(DomainContent, []byte("a"), []byte("bc"))
	require.NotEqual(t, a, b)
}

func TestHash64_StableAcrossCalls(t *testing.T) {
	h1 := Hash64(DomainAppendLogCksum, []byte("key"), []byte("value"))
	h2 := Hash64(DomainAppendLogCksum, []byte("key"), []byte("value"))
	require.Equal(t, h1, h2)
	require.NotZero(t, h1)

	require.NotEqual(t, h1, Hash64(DomainAppendLogCksum, []byte("key"), []byte("other")))
}
