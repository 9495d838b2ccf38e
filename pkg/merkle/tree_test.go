package merkle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metanode/core/pkg/coreerr"
	"github.com/metanode/core/pkg/hashing"
)

func leafHashes(values ...string) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out
}

func TestBuildFromData_EmptyTree(t *testing.T) {
	_, err := BuildFromData(nil)
	require.ErrorIs(t, err, coreerr.InvalidInput)
}

func TestProof_IndexOutOfBounds(t *testing.T) {
	tree, err := BuildFromData(leafHashes("a", "b"))
	require.NoError(t, err)

	_, err = tree.Proof(5)
	require.ErrorIs(t, err, coreerr.InvalidInput)

	_, err = tree.Proof(-1)
	require.ErrorIs(t, err, coreerr.InvalidInput)
}

func TestMerkleSmoke(t *testing.T) {
	// Four leaves, a proof for the third, and a wrong-leaf check.
	tree, err := BuildFromData(leafHashes("leaf1", "leaf2", "leaf3", "leaf4"))
	require.NoError(t, err)

	root := tree.Root()
	var zero [hashing.Size]byte
	require.NotEqual(t, zero, root)

	proof, err := tree.Proof(2)
	require.NoError(t, err)

	leaf3Hash := hashing.Hash(hashing.DomainMerkleLeaf, []byte("leaf3"))
	require.True(t, VerifyProof(leaf3Hash, proof, root))

	leaf4Hash := hashing.Hash(hashing.DomainMerkleLeaf, []byte("leaf4"))
	require.False(t, VerifyProof(leaf4Hash, proof, root))
}

func TestVerifyProof_AllLeaves(t *testing.T) {
	values := []string{"a", "b", "c", "d", "e"} // odd count exercises duplication
	tree, err := BuildFromData(leafHashes(values...))
	require.NoError(t, err)
	root := tree.Root()

	for i, v := range values {
		proof, err := tree.Proof(i)
		require.NoError(t, err)
		h := hashing.Hash(hashing.DomainMerkleLeaf, []byte(v))
		require.True(t, VerifyProof(h, proof, root), "leaf %d must verify", i)
	}
}

func TestRoot_ChangesWithAnyLeaf(t *testing.T) {
	treeA, err := BuildFromData(leafHashes("a", "b", "c"))
	require.NoError(t, err)
	treeB, err := BuildFromData(leafHashes("a", "b", "x"))
	require.NoError(t, err)

	require.NotEqual(t, treeA.Root(), treeB.Root())
}

func TestBuild_1000LeavesUnderPerfBudget(t *testing.T) {
	leaves := make([][]byte, 1000)
	for i := range leaves {
		leaves[i] = []byte{byte(i), byte(i >> 8)}
	}

	start := time.Now()
	tree, err := BuildFromData(leaves)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, 1000, tree.LeafCount())
	require.Less(t, elapsed, 10*time.Millisecond, "tree build should clear the 10ms commodity-core target")
}
