// Package merkle implements a fixed-shape binary Merkle tree with
// inclusion proofs. Leaf and internal nodes hash under distinct domain
// tags, so a leaf's bytes can never be replayed as an internal node.
package merkle

import (
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/metanode/core/pkg/coreerr"
	"github.com/metanode/core/pkg/hashing"
)

// Side indicates which side of a hash pair a sibling occupies.
type Side int

const (
	Left Side = iota
	Right
)

// ProofStep is one step of an inclusion proof: a sibling hash and the side
// it occupies relative to the node being proven.
type ProofStep struct {
	Sibling [hashing.Size]byte
	Side    Side
}

// Proof is an ordered path from a leaf to the root.
type Proof struct {
	LeafIndex int
	Path      []ProofStep
}

// Tree is a balanced binary Merkle tree. Odd levels duplicate (not
// re-hash) their last node, per the data model.
type Tree struct {
	mu     sync.RWMutex
	leaves [][hashing.Size]byte
	levels [][][hashing.Size]byte
	root   [hashing.Size]byte
	built  bool
}

// Build constructs a tree over leaves that are already 32-byte leaf
// hashes (callers hash their own leaf data with hashing.DomainMerkleLeaf
// before calling Build). Fails with coreerr.InvalidInput when leaves is
// empty.
func Build(leaves [][hashing.Size]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("%w: empty leaf set", coreerr.InvalidInput)
	}

	t := &Tree{
		leaves: append([][hashing.Size]byte(nil), leaves...),
	}
	t.build()
	return t, nil
}

// BuildFromData hashes each raw leaf under DomainMerkleLeaf before
// building the tree, which is the common case for callers that have raw
// payload bytes rather than pre-hashed leaves.
func BuildFromData(rawLeaves [][]byte) (*Tree, error) {
	if len(rawLeaves) == 0 {
		return nil, fmt.Errorf("%w: empty leaf set", coreerr.InvalidInput)
	}
	hashed := make([][hashing.Size]byte, len(rawLeaves))
	for i, raw := range rawLeaves {
		hashed[i] = hashing.Hash(hashing.DomainMerkleLeaf, raw)
	}
	return Build(hashed)
}

func (t *Tree) build() {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := append([][hashing.Size]byte(nil), t.leaves...)
	t.levels = [][][hashing.Size]byte{current}

	for len(current) > 1 {
		next := make([][hashing.Size]byte, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 < len(current) {
				next = append(next, hashPair(current[i], current[i+1]))
			} else {
				// Odd node: duplicate, do not re-hash.
				next = append(next, hashPair(current[i], current[i]))
			}
		}
		t.levels = append(t.levels, next)
		current = next
	}

	t.root = current[0]
	t.built = true
}

func hashPair(left, right [hashing.Size]byte) [hashing.Size]byte {
	return hashing.HashConcat(hashing.DomainMerkleInternal, left[:], right[:])
}

// Root returns the tree's root hash.
func (t *Tree) Root() [hashing.Size]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// LeafCount returns the number of leaves the tree was built from.
func (t *Tree) LeafCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.leaves)
}

// Proof generates an inclusion proof for the leaf at index. Fails with
// coreerr.InvalidInput when index is out of range.
func (t *Tree) Proof(index int) (*Proof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.built {
		return nil, fmt.Errorf("%w: tree not built", coreerr.InvalidInput)
	}
	if index < 0 || index >= len(t.leaves) {
		return nil, fmt.Errorf("%w: leaf index %d out of range [0,%d)", coreerr.InvalidInput, index, len(t.leaves))
	}

	p := &Proof{LeafIndex: index}
	cur := index
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		var siblingIdx int
		var side Side
		if cur%2 == 0 {
			siblingIdx = cur + 1
			side = Right
		} else {
			siblingIdx = cur - 1
			side = Left
		}

		var sibling [hashing.Size]byte
		if siblingIdx < len(nodes) {
			sibling = nodes[siblingIdx]
		} else {
			// Odd level: the duplicated node is its own sibling.
			sibling = nodes[cur]
			side = Right
		}

		p.Path = append(p.Path, ProofStep{Sibling: sibling, Side: side})
		cur /= 2
	}

	return p, nil
}

// VerifyProof replays the hash chain described by proof starting from
// leafHash and compares the result against expectedRoot in constant time.
func VerifyProof(leafHash [hashing.Size]byte, proof *Proof, expectedRoot [hashing.Size]byte) bool {
	if proof == nil || len(proof.Path) == 0 {
		return subtle.ConstantTimeCompare(leafHash[:], expectedRoot[:]) == 1
	}

	current := leafHash
	for _, step := range proof.Path {
		if step.Side == Left {
			current = hashPair(step.Sibling, current)
		} else {
			current = hashPair(current, step.Sibling)
		}
	}

	return subtle.ConstantTimeCompare(current[:], expectedRoot[:]) == 1
}
