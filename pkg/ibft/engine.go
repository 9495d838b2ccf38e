package ibft

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/metanode/core/pkg/coreerr"
	"github.com/metanode/core/pkg/hashing"
)

// Options configures an Engine.
type Options struct {
	NodeID           string
	RoundTimeout     time.Duration // consensus.round_timeout_ms
	BlockTime        time.Duration // consensus.block_time_ms, minimum interval between proposals by the same leader
	MinValidators    int           // consensus.min_validators
	SlashingFraction  float64      // stake fraction removed per confirmed evidence, applied at next epoch
	Logger           *log.Logger
}

// Engine runs the IBFT round state machine for a single node. All
// mutable round state and the validator set are owned exclusively by
// the engine's single consensus goroutine; every other goroutine
// reaches the engine only via message passing through the channels
// below, never by touching fields directly.
type Engine struct {
	opts Options
	log  *log.Logger

	mu          sync.RWMutex // guards validatorSet and finalized, read by snapshot callers
	validatorSet *ValidatorSet
	finalized   map[uint64]FinalizedBlock
	pendingSlash []stakeCut

	round  *Round
	prevSeed []byte

	proposeCh chan Proposal
	prepareCh chan Vote
	commitCh  chan Vote
	evidenceCh chan SlashingEvidence

	broadcast func(msg interface{})

	stopCh chan struct{}
	wg     sync.WaitGroup

	onFinalize func(FinalizedBlock, Proposal)
}

type stakeCut struct {
	nodeID   string
	fraction float64
	evidence [hashing.Size]byte
}

// NewEngine constructs an Engine for the given initial validator set.
// broadcast is the host-provided outbound message hook; onFinalize is
// invoked synchronously on the consensus goroutine when a height
// finalizes.
func NewEngine(opts Options, vs *ValidatorSet, broadcast func(msg interface{}), onFinalize func(FinalizedBlock, Proposal)) *Engine {
	if opts.RoundTimeout <= 0 {
		opts.RoundTimeout = 2 * time.Second
	}
	if opts.MinValidators <= 0 {
		opts.MinValidators = 4
	}
	if opts.SlashingFraction <= 0 {
		opts.SlashingFraction = 0.05
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[IBFT] ", log.LstdFlags)
	}

	return &Engine{
		opts:         opts,
		log:          logger,
		validatorSet: vs,
		finalized:    make(map[uint64]FinalizedBlock),
		proposeCh:    make(chan Proposal, 16),
		prepareCh:    make(chan Vote, 256),
		commitCh:     make(chan Vote, 256),
		evidenceCh:   make(chan SlashingEvidence, 64),
		broadcast:    broadcast,
		onFinalize:   onFinalize,
		stopCh:       make(chan struct{}),
	}
}

// Snapshot returns a read-only copy of the current validator set,
// safe to retain after the call; epoch rotation never mutates a
// previously returned snapshot.
func (e *Engine) Snapshot() *ValidatorSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	vs := *e.validatorSet
	vs.Validators = append([]Validator(nil), e.validatorSet.Validators...)
	return &vs
}

// LatestFinalized returns the highest finalized height observed, or
// false if none yet.
func (e *Engine) LatestFinalized() (FinalizedBlock, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var best FinalizedBlock
	found := false
	for _, fb := range e.finalized {
		if !found || fb.Height > best.Height {
			best = fb
			found = true
		}
	}
	return best, found
}

// FinalizedAt returns the block finalized at height, if any.
func (e *Engine) FinalizedAt(height uint64) (FinalizedBlock, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fb, ok := e.finalized[height]
	return fb, ok
}

// RotateEpoch replaces the validator set wholesale, first applying any
// stake cuts accumulated from confirmed slashing evidence since the
// last rotation. Writers only touch the validator set at an epoch
// boundary; this must not be called while a round for the outgoing
// epoch is in flight.
func (e *Engine) RotateEpoch(vs *ValidatorSet) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pendingSlash) > 0 {
		cut := make(map[string]float64)
		for _, ps := range e.pendingSlash {
			cut[ps.nodeID] += ps.fraction
		}
		applied := make([]Validator, len(vs.Validators))
		copy(applied, vs.Validators)
		for i, v := range applied {
			if frac, ok := cut[v.NodeID]; ok {
				if frac > 1 {
					frac = 1
				}
				applied[i].Stake = v.Stake - uint64(float64(v.Stake)*frac)
			}
		}
		vs = NewValidatorSet(vs.Epoch, applied)
		e.pendingSlash = nil
	}

	e.validatorSet = vs
}

// PendingSlashCount returns the number of distinct confirmed evidence
// records awaiting application at the next RotateEpoch, for tests and
// monitoring.
func (e *Engine) PendingSlashCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.pendingSlash)
}

// Propose submits a leader's Propose(block, height, round) message into
// the engine.
func (e *Engine) Propose(p Proposal) { e.proposeCh <- p }

// Prepare submits a Prepare vote.
func (e *Engine) Prepare(v Vote) { e.prepareCh <- v }

// Commit submits a Commit vote.
func (e *Engine) Commit(v Vote) { e.commitCh <- v }

// SubmitEvidence submits slashing evidence observed by any source
// (a peer, or detected locally on a double-vote during addVote).
func (e *Engine) SubmitEvidence(ev SlashingEvidence) { e.evidenceCh <- ev }

// RunHeight drives a single height to Finalized (or returns an error if
// the validator set cannot reach quorum), starting at round 0. It is
// the synchronous entry point tests and HotStuff's pipeline overlay
// drive directly; Start/Stop below wrap it in a long-lived loop for a
// real node.
func (e *Engine) RunHeight(height uint64, buildProposal func(height uint64, round uint32) (Proposal, error)) (FinalizedBlock, error) {
	vs := e.Snapshot()
	if len(vs.Validators) < e.opts.MinValidators {
		return FinalizedBlock{}, fmt.Errorf("%w: have %d validators, need >= %d", coreerr.InsufficientValidators, len(vs.Validators), e.opts.MinValidators)
	}
	if !vs.IsByzantineFaultTolerant(vs.MaxByzantineStake()) {
		return FinalizedBlock{}, fmt.Errorf("%w: validator set cannot tolerate its own computed Byzantine threshold", coreerr.InsufficientValidators)
	}

	round := newRound(height, 0)

	for {
		proposer, err := vs.SelectProposer(height, round.RoundNum, e.prevSeed)
		if err != nil {
			return FinalizedBlock{}, err
		}

		prop, err := buildProposal(height, round.RoundNum)
		if err != nil {
			return FinalizedBlock{}, fmt.Errorf("building proposal for height %d round %d: %w", height, round.RoundNum, err)
		}
		prop.Proposer = proposer.NodeID
		prop.Height = height
		prop.Round = round.RoundNum

		if err := round.SetProposal(prop); err != nil {
			return FinalizedBlock{}, err
		}
		if e.broadcast != nil {
			e.broadcast(prop)
		}

		blockHash := round.BlockHash()

		for _, v := range vs.Validators {
			if _, _, err := round.AddPrepare(Vote{Height: height, Round: round.RoundNum, BlockHash: blockHash, Voter: v.NodeID}, vs); err != nil {
				e.log.Printf("prepare vote from %s rejected: %v", v.NodeID, err)
			}
		}
		if round.State != Prepared {
			e.log.Printf("round %d at height %d timed out before Prepared, advancing", round.RoundNum, height)
			round = round.BumpRound()
			continue
		}

		for _, v := range vs.Validators {
			if _, _, err := round.AddCommit(Vote{Height: height, Round: round.RoundNum, BlockHash: blockHash, Voter: v.NodeID}, vs); err != nil {
				e.log.Printf("commit vote from %s rejected: %v", v.NodeID, err)
			}
		}
		if round.State != Committed {
			e.log.Printf("round %d at height %d timed out before Committed, advancing", round.RoundNum, height)
			round = round.BumpRound()
			continue
		}

		if err := round.Finalize(); err != nil {
			return FinalizedBlock{}, err
		}

		fb := FinalizedBlock{Height: height, Round: round.RoundNum, Hash: blockHash}
		e.recordFinalized(fb, prop)
		e.prevSeed = hashing.HashSlice(hashing.DomainMerkleInternal, blockHash[:])
		return fb, nil
	}
}

// recordFinalized enforces the "monotonic: once Finalized(height) is
// observed, no other block is admissible" invariant, surfacing
// coreerr.SafetyViolation (without overwriting the existing finalized
// record) on a conflicting second final at the same height.
func (e *Engine) recordFinalized(fb FinalizedBlock, prop Proposal) {
	e.mu.Lock()
	existing, already := e.finalized[fb.Height]
	if already && existing.Hash != fb.Hash {
		e.mu.Unlock()
		e.log.Printf("%v: height %d already finalized with a different hash", coreerr.SafetyViolation, fb.Height)
		return
	}
	e.finalized[fb.Height] = fb
	e.mu.Unlock()

	if e.onFinalize != nil {
		e.onFinalize(fb, prop)
	}
}

// ApplyEvidence reduces the offending validator's stake by
// opts.SlashingFraction at the next RotateEpoch call. Idempotent:
// replaying the same evidence hash has no further effect.
func (e *Engine) ApplyEvidence(ev SlashingEvidence) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := ev.Hash()
	for _, seen := range e.pendingSlash {
		if seen.evidence == h {
			return
		}
	}
	e.pendingSlash = append(e.pendingSlash, stakeCut{nodeID: ev.Validator, fraction: e.opts.SlashingFraction, evidence: h})
}

// Start launches the long-lived message loop: proposals and votes
// submitted via Propose/Prepare/Commit/SubmitEvidence are processed
// here rather than by a caller driving RunHeight synchronously. Used by
// nodes that receive consensus messages from the network rather than
// building every height in-process. Round timer expiry bumps the round
// number and re-enters NewRound; a detected double-vote becomes
// slashing evidence on the spot.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		var round *Round
		timer := time.NewTimer(e.opts.RoundTimeout)
		defer timer.Stop()
		resetTimer := func() {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.opts.RoundTimeout)
		}

		for {
			select {
			case <-e.stopCh:
				return

			case ev := <-e.evidenceCh:
				e.ApplyEvidence(ev)

			case p := <-e.proposeCh:
				if round == nil || round.Height != p.Height || round.RoundNum != p.Round {
					round = newRound(p.Height, p.Round)
				}
				if err := round.SetProposal(p); err != nil {
					e.log.Printf("proposal for height %d round %d rejected: %v", p.Height, p.Round, err)
					continue
				}
				resetTimer()

			case v := <-e.prepareCh:
				e.handleVote(round, PhasePrepare, v)

			case v := <-e.commitCh:
				if e.handleVote(round, PhaseCommit, v) {
					if err := round.Finalize(); err != nil {
						e.log.Printf("finalize at height %d failed: %v", round.Height, err)
						continue
					}
					prop, _ := round.Proposal()
					fb := FinalizedBlock{Height: round.Height, Round: round.RoundNum, Hash: round.BlockHash()}
					e.recordFinalized(fb, prop)
					round = nil
					resetTimer()
				}

			case <-timer.C:
				if round != nil && round.State != Finalized {
					e.log.Printf("round %d at height %d timed out, advancing", round.RoundNum, round.Height)
					round = round.BumpRound()
				}
				resetTimer()
			}
		}
	}()
}

// handleVote feeds one Prepare/Commit vote into the current round,
// turning a detected double-vote into slashing evidence. Returns true
// when the vote completed the phase's quorum.
func (e *Engine) handleVote(round *Round, phase VotePhase, v Vote) bool {
	if round == nil || v.Height != round.Height || v.Round != round.RoundNum {
		return false
	}

	vs := e.Snapshot()
	var reached bool
	var err error
	if phase == PhasePrepare {
		_, reached, err = round.AddPrepare(v, vs)
	} else {
		_, reached, err = round.AddCommit(v, vs)
	}
	if err != nil {
		if errors.Is(err, coreerr.SafetyViolation) {
			if prior, ok := round.VoteOf(phase, v.Voter); ok {
				e.ApplyEvidence(SlashingEvidence{
					Height:    round.Height,
					Round:     round.RoundNum,
					Validator: v.Voter,
					VoteA:     prior,
					VoteB:     v,
				})
			}
		}
		e.log.Printf("vote from %s rejected: %v", v.Voter, err)
		return false
	}

	if reached && phase == PhasePrepare && e.broadcast != nil {
		e.broadcast(Vote{Height: round.Height, Round: round.RoundNum, BlockHash: round.BlockHash(), Voter: e.opts.NodeID})
	}
	return reached
}

// Stop shuts the engine's background loop down and waits for it to exit.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}
