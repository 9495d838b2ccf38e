package ibft

import (
	"fmt"

	"github.com/metanode/core/pkg/coreerr"
	"github.com/metanode/core/pkg/hashing"
)

// State is a consensus round's position in the per-height state machine.
type State int

const (
	NewRound State = iota
	PrePrepared
	Prepared
	Committed
	Finalized
)

func (s State) String() string {
	switch s {
	case NewRound:
		return "NewRound"
	case PrePrepared:
		return "PrePrepared"
	case Prepared:
		return "Prepared"
	case Committed:
		return "Committed"
	case Finalized:
		return "Finalized"
	default:
		return "Unknown"
	}
}

// Proposal is a candidate block for a height/round. The payload itself
// stays with the mempool; PayloadDigest is its Merkle root over the
// payload leaves.
type Proposal struct {
	ParentHash    [hashing.Size]byte
	Height        uint64
	Round         uint32
	PayloadDigest [hashing.Size]byte
	Proposer      string
	VRFProof      []byte
	Extra         []byte
}

// Hash returns the domain-separated digest identifying this proposal,
// used as the block_hash validators vote for in Prepare/Commit.
func (p Proposal) Hash() [hashing.Size]byte {
	var hBuf [8]byte
	var rBuf [4]byte
	for i := 0; i < 8; i++ {
		hBuf[i] = byte(p.Height >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		rBuf[i] = byte(p.Round >> (8 * i))
	}
	return hashing.HashConcat(hashing.DomainBlockHeader,
		p.ParentHash[:], hBuf[:], rBuf[:], p.PayloadDigest[:], []byte(p.Proposer), p.Extra)
}

// Vote is a Prepare or Commit message: a validator attesting to a
// block hash at a given height/round.
type Vote struct {
	Height    uint64
	Round     uint32
	BlockHash [hashing.Size]byte
	Voter     string
	Signature []byte
}

// VotePhase distinguishes Prepare votes from Commit votes; they are
// counted against independent quorums within the same round.
type VotePhase int

const (
	PhasePrepare VotePhase = iota
	PhaseCommit
)

// Round tracks one height's in-progress consensus state: the current
// proposal, and the prepare/commit votes collected so far. A Round is
// owned exclusively by the consensus Engine's single goroutine; no
// external access, message passing only.
type Round struct {
	Height   uint64
	RoundNum uint32
	State    State

	proposal      *Proposal
	prepareVotes  map[string]Vote // voter -> vote
	commitVotes   map[string]Vote
}

func newRound(height uint64, roundNum uint32) *Round {
	return &Round{
		Height:       height,
		RoundNum:     roundNum,
		State:        NewRound,
		prepareVotes: make(map[string]Vote),
		commitVotes:  make(map[string]Vote),
	}
}

// SetProposal transitions NewRound -> PrePrepared on receiving the
// leader's Propose message.
func (r *Round) SetProposal(p Proposal) error {
	if r.State != NewRound {
		return fmt.Errorf("%w: cannot propose in state %s", coreerr.InvalidInput, r.State)
	}
	r.proposal = &p
	r.State = PrePrepared
	return nil
}

// AddPrepare records a Prepare vote. Returns the prepare voting power
// collected so far given vs, and whether quorum was just newly reached
// (so the caller transitions exactly once).
func (r *Round) AddPrepare(v Vote, vs *ValidatorSet) (power uint64, quorumReached bool, err error) {
	return r.addVote(PhasePrepare, v, vs)
}

// AddCommit records a Commit vote, mirroring AddPrepare.
func (r *Round) AddCommit(v Vote, vs *ValidatorSet) (power uint64, quorumReached bool, err error) {
	return r.addVote(PhaseCommit, v, vs)
}

func (r *Round) addVote(phase VotePhase, v Vote, vs *ValidatorSet) (uint64, bool, error) {
	if r.proposal == nil {
		return 0, false, fmt.Errorf("%w: no active proposal for height %d round %d", coreerr.InvalidInput, r.Height, r.RoundNum)
	}
	if _, err := vs.StakeOf(v.Voter); err != nil {
		return 0, false, err
	}

	votes := r.prepareVotes
	requiredBefore := PrePrepared
	newState := Prepared
	if phase == PhaseCommit {
		votes = r.commitVotes
		requiredBefore = Prepared
		newState = Committed
	}

	if existing, dup := votes[v.Voter]; dup && existing.BlockHash != v.BlockHash {
		return 0, false, fmt.Errorf("%w: validator %q double-voted in height %d round %d", coreerr.SafetyViolation, v.Voter, r.Height, r.RoundNum)
	}
	votes[v.Voter] = v

	var power uint64
	for _, voted := range votes {
		if voted.BlockHash == v.BlockHash {
			vStake, _ := vs.StakeOf(voted.Voter)
			power += vStake
		}
	}

	quorumReached := power >= vs.Quorum() && r.State == requiredBefore
	if quorumReached {
		r.State = newState
	}
	return power, quorumReached, nil
}

// Finalize transitions Committed -> Finalized after local apply.
func (r *Round) Finalize() error {
	if r.State != Committed {
		return fmt.Errorf("%w: cannot finalize from state %s", coreerr.InvalidInput, r.State)
	}
	r.State = Finalized
	return nil
}

// VoteOf returns the vote already recorded for voter in the given
// phase, if any; the earlier half of a double-vote evidence pair.
func (r *Round) VoteOf(phase VotePhase, voter string) (Vote, bool) {
	votes := r.prepareVotes
	if phase == PhaseCommit {
		votes = r.commitVotes
	}
	v, ok := votes[voter]
	return v, ok
}

// BumpRound advances to the next round at the same height, discarding
// this round's votes and proposal, per the timer-expiry transition.
func (r *Round) BumpRound() *Round {
	return newRound(r.Height, r.RoundNum+1)
}

// BlockHash returns the proposal's hash, or the zero hash if no
// proposal has been set yet.
func (r *Round) BlockHash() [hashing.Size]byte {
	if r.proposal == nil {
		return [hashing.Size]byte{}
	}
	return r.proposal.Hash()
}

// Proposal returns the round's current proposal, if any.
func (r *Round) Proposal() (Proposal, bool) {
	if r.proposal == nil {
		return Proposal{}, false
	}
	return *r.proposal, true
}
