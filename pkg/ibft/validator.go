// Package ibft implements the IBFT consensus core: a validator set
// with VRF-weighted leader selection, the
// NewRound -> PrePrepared -> Prepared -> Committed -> Finalized round
// state machine, fork choice over conflicting finals, and slashing
// evidence for double-signing.
package ibft

import (
	"fmt"
	"sort"

	cometbftcrypto "github.com/cometbft/cometbft/crypto/ed25519"

	"github.com/metanode/core/pkg/coreerr"
	"github.com/metanode/core/pkg/hashing"
)

// Validator is one member of the consensus validator set.
type Validator struct {
	NodeID      string
	BLSPubKey   []byte
	VRFPubKey   cometbftcrypto.PubKey
	Stake       uint64
}

// ValidatorSet is a versioned, immutable snapshot of the validators
// eligible to vote for a given epoch. The consensus engine exclusively
// owns the live set; every other component only ever holds a Snapshot
// copy obtained at a round or epoch boundary, never a live pointer
// back into the engine.
type ValidatorSet struct {
	Epoch      uint64
	Validators []Validator
	TotalStake uint64
}

// NewValidatorSet builds a set for epoch, computing total stake once.
func NewValidatorSet(epoch uint64, validators []Validator) *ValidatorSet {
	vs := &ValidatorSet{Epoch: epoch, Validators: append([]Validator(nil), validators...)}
	for _, v := range vs.Validators {
		vs.TotalStake += v.Stake
	}
	sort.Slice(vs.Validators, func(i, j int) bool { return vs.Validators[i].NodeID < vs.Validators[j].NodeID })
	return vs
}

// Quorum returns the minimum aggregate stake required for any state
// transition: strictly more than two-thirds of total stake,
// floor(2*TotalStake/3) + 1.
func (vs *ValidatorSet) Quorum() uint64 {
	return (2*vs.TotalStake)/3 + 1
}

// MaxByzantineStake returns the largest f such that TotalStake >= 3f+1,
// i.e. the aggregate stake the set can tolerate as Byzantine.
func (vs *ValidatorSet) MaxByzantineStake() uint64 {
	if vs.TotalStake == 0 {
		return 0
	}
	return (vs.TotalStake - 1) / 3
}

// IsByzantineFaultTolerant reports whether the set has at least 3f+1
// total stake for the given f, i.e. can safely tolerate f Byzantine
// voting power.
func (vs *ValidatorSet) IsByzantineFaultTolerant(f uint64) bool {
	return vs.TotalStake >= 3*f+1
}

// StakeOf returns the stake of nodeID, or coreerr.NotFound.
func (vs *ValidatorSet) StakeOf(nodeID string) (uint64, error) {
	for _, v := range vs.Validators {
		if v.NodeID == nodeID {
			return v.Stake, nil
		}
	}
	return 0, fmt.Errorf("%w: validator %q", coreerr.NotFound, nodeID)
}

// vrfOutput deterministically derives a VRF-style output for (height,
// round, prevSeed): H(domain, nodeID, height, round, prevSeed);
// deterministic, verifiable by any party holding the same inputs, and
// stake-weighted at the selection step below. It is not a full
// cryptographic VRF (no unpredictability proof against the nodeID's
// private key); leader selection only needs a deterministic,
// commonly-computable ordering over the set.
func vrfOutput(nodeID string, height uint64, round uint32, prevSeed []byte) [hashing.Size]byte {
	var hBuf, rBuf [8]byte
	for i := 0; i < 8; i++ {
		hBuf[i] = byte(height >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		rBuf[i] = byte(round >> (8 * i))
	}
	return hashing.HashConcat(hashing.DomainMerkleLeaf, []byte(nodeID), hBuf[:], rBuf[:4], prevSeed)
}

// SelectProposer picks the leader for (height, round): the validator
// with the numerically smallest VRF output weighted by 1/stake (higher
// stake improves a validator's effective odds), ties broken by the
// smaller node_id.
func (vs *ValidatorSet) SelectProposer(height uint64, round uint32, prevSeed []byte) (Validator, error) {
	if len(vs.Validators) == 0 {
		return Validator{}, fmt.Errorf("%w: empty validator set", coreerr.InsufficientValidators)
	}

	var best Validator
	var bestScore [hashing.Size]byte
	first := true

	for _, v := range vs.Validators {
		out := vrfOutput(v.NodeID, height, round, prevSeed)
		score := weightByStake(out, v.Stake)
		if first || less(score, bestScore) || (score == bestScore && v.NodeID < best.NodeID) {
			best = v
			bestScore = score
			first = false
		}
	}
	return best, nil
}

// weightByStake scales a VRF output down (numerically) in proportion to
// stake: a validator with more stake divides its raw output by a larger
// factor, giving it a better (smaller) chance of winning the "smallest
// output wins" selection without needing big.Int ratio arithmetic on
// the whole 32-byte value. The top 8 bytes carry the effective ordering
// weight; the rest is retained for tie-breaking.
func weightByStake(out [hashing.Size]byte, stake uint64) [hashing.Size]byte {
	if stake == 0 {
		return out
	}
	var raw uint64
	for i := 0; i < 8; i++ {
		raw |= uint64(out[i]) << (8 * (7 - i))
	}
	weighted := raw / stake
	result := out
	for i := 0; i < 8; i++ {
		result[i] = byte(weighted >> (8 * (7 - i)))
	}
	return result
}

func less(a, b [hashing.Size]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
