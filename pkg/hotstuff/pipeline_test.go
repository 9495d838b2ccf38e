package hotstuff

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/metanode/core/pkg/hashing"
	"github.com/metanode/core/pkg/ibft"
)

// TestHotStuffMetrics: three rounds of
// 50, 150, 200 microseconds report total=3, avg=133.
func TestHotStuffMetrics(t *testing.T) {
	m := NewMetrics(nil)
	m.Record(50)
	m.Record(150)
	m.Record(200)

	snap := m.Snapshot()
	require.EqualValues(t, 3, snap.TotalRounds)
	require.EqualValues(t, 133, snap.AverageUS)
	require.EqualValues(t, 50, snap.MinTimeUS)
	require.EqualValues(t, 200, snap.MaxTimeUS)
}

func TestIsTargetMet(t *testing.T) {
	m := NewMetrics(nil)
	m.Record(100)
	m.Record(100)

	require.True(t, m.IsTargetMet(150))
	require.False(t, m.IsTargetMet(50))
}

func fourValidators() []ibft.Validator {
	return []ibft.Validator{
		{NodeID: "a", Stake: 100},
		{NodeID: "b", Stake: 100},
		{NodeID: "c", Stake: 100},
		{NodeID: "d", Stake: 100},
	}
}

func TestPipeline_AdmitsHeightOnceEarlierHeightReleased(t *testing.T) {
	vs := ibft.NewValidatorSet(0, fourValidators())
	engine := ibft.NewEngine(ibft.Options{MinValidators: 4}, vs, nil, nil)
	metrics := NewMetrics(nil)
	p := NewPipeline(Options{Depth: 2}, engine, metrics)

	build := func(height uint64, round uint32) (ibft.Proposal, error) {
		return ibft.Proposal{PayloadDigest: hashing.Hash(hashing.DomainMerkleLeaf, []byte("p"))}, nil
	}

	_, err := p.RunHeight(1, 100, build, nil)
	require.NoError(t, err)

	// Height 1 has completed and been released, so nothing is in flight
	// and height 2 is admitted; the gap guard only compares against
	// heights that are still in flight.
	_, err = p.RunHeight(2, 100, build, nil)
	require.NoError(t, err)
}

func TestPipeline_OptimisticExecutionAdoptsOnCommit(t *testing.T) {
	vs := ibft.NewValidatorSet(0, fourValidators())
	engine := ibft.NewEngine(ibft.Options{MinValidators: 4}, vs, nil, nil)
	metrics := NewMetrics(nil)
	p := NewPipeline(Options{Depth: 3, Optimistic: true}, engine, metrics)

	build := func(height uint64, round uint32) (ibft.Proposal, error) {
		return ibft.Proposal{PayloadDigest: hashing.Hash(hashing.DomainMerkleLeaf, []byte("p"))}, nil
	}
	apply := func(p ibft.Proposal) ([]byte, error) {
		return []byte("speculative-state"), nil
	}

	_, err := p.RunHeight(1, 100, build, apply)
	require.NoError(t, err)

	state, ok := p.CommittedState(1)
	require.True(t, ok)
	require.Equal(t, []byte("speculative-state"), state)
}
