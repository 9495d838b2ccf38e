package ibft

import (
	"github.com/metanode/core/pkg/hashing"
)

// SlashingEvidence records a validator double-signing: two votes for
// distinct block hashes in the same height/round. Evidence is
// idempotent; applying the same evidence twice reduces stake only
// once (see Engine.ApplyEvidence).
type SlashingEvidence struct {
	Height    uint64
	Round     uint32
	Validator string
	VoteA     Vote
	VoteB     Vote
}

// Hash domain-separates evidence so a set of evidence records can be
// deduplicated by hash.
func (e SlashingEvidence) Hash() [hashing.Size]byte {
	var hBuf [8]byte
	var rBuf [4]byte
	for i := 0; i < 8; i++ {
		hBuf[i] = byte(e.Height >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		rBuf[i] = byte(e.Round >> (8 * i))
	}
	return hashing.HashConcat(hashing.DomainMerkleLeaf,
		hBuf[:], rBuf[:], []byte(e.Validator), e.VoteA.BlockHash[:], e.VoteB.BlockHash[:])
}

// FinalizedBlock is a height's canonical, finalized proposal plus the
// round it finalized in, used by fork choice to compare conflicting
// finals.
type FinalizedBlock struct {
	Height uint64
	Round  uint32
	Hash   [hashing.Size]byte
}

// ChooseCanonical implements fork choice between two finalized blocks
// observed at the same height: the larger (round, hash) lexicographic
// pair wins. Observing this situation at all indicates Byzantine
// behavior beyond the set's tolerance; callers surface
// coreerr.SafetyViolation alongside the chosen winner rather than
// silently picking one.
func ChooseCanonical(a, b FinalizedBlock) FinalizedBlock {
	if a.Round != b.Round {
		if a.Round > b.Round {
			return a
		}
		return b
	}
	for i := range a.Hash {
		if a.Hash[i] != b.Hash[i] {
			if a.Hash[i] > b.Hash[i] {
				return a
			}
			return b
		}
	}
	return a
}
