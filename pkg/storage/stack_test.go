package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/metanode/core/pkg/coreerr"
)

// fakeRedundancyTarget is an in-memory RedundancyTarget for tests,
// standing in for AzureBlobRedundancy (azblob_redundancy.go), whose
// real backend needs a live Azure Blob Storage account.
type fakeRedundancyTarget struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeRedundancyTarget() *fakeRedundancyTarget {
	return &fakeRedundancyTarget{blobs: make(map[string][]byte)}
}

func (f *fakeRedundancyTarget) Put(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeRedundancyTarget) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", coreerr.NotFound, key)
	}
	return data, nil
}

func (f *fakeRedundancyTarget) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blobs)
}

func TestStack_PutGetSingleWriterReader(t *testing.T) {
	s, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	v, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestStack_GetMissingReturnsNotFound(t *testing.T) {
	s, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get([]byte("missing"))
	require.ErrorIs(t, err, coreerr.NotFound)
}

func TestStack_ServesFromL4WhenL1L2L3Down(t *testing.T) {
	s, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put([]byte("k"), []byte("v")))

	// Simulate a fresh process where only L4 has the data: clear L1 by
	// constructing a new stack instance over the same directory is not
	// exercised here (would require separate Open); instead verify the
	// degraded-layer path directly.
	s.SetL2Down(true)
	s.l1.mu.Lock()
	s.l1.entries = make(map[string]*l1Entry)
	s.l1.order.Init()
	s.l1.mu.Unlock()
	s.SetL3Down(true)

	v, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestStack_Health(t *testing.T) {
	s, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.Health().Composite)

	s.SetL2Down(true)
	require.True(t, s.Health().Composite, "still 2 of L1..L3 up (L1, L3)")

	s.SetL3Down(true)
	require.False(t, s.Health().Composite, "only L1 up among L1..L3")
}

func TestStack_HealthReflectsL4Probe(t *testing.T) {
	s, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)

	require.True(t, s.Health().L4)
	require.True(t, s.Health().Composite)

	// Losing the append log makes the composite unhealthy no matter how
	// many cache layers are still up.
	require.NoError(t, s.l4.Close())
	h := s.Health()
	require.False(t, h.L4)
	require.False(t, h.Composite)

	s.l2.close()
	s.l3.close()
}

func TestStack_PinCapAndPriorityEviction(t *testing.T) {
	s, err := Open(Options{Dir: t.TempDir(), L1Capacity: 4, MaxPins: 2})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Put([]byte("b"), []byte("2")))
	require.NoError(t, s.Pin([]byte("a"), 5))
	require.NoError(t, s.Pin([]byte("b"), 5))

	err = s.Pin([]byte("c"), 5)
	require.ErrorIs(t, err, coreerr.Backpressure)

	// Unpinning frees a slot.
	require.NoError(t, s.Pin([]byte("a"), 0))
	require.NoError(t, s.Pin([]byte("c"), 5))

	// Filling past capacity evicts unpinned entries before pinned ones.
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Put([]byte{byte('x'), byte(i)}, []byte("fill")))
	}
	_, ok := s.l1.get("b")
	require.True(t, ok, "pinned entry must survive eviction pressure")
}

func TestStack_ContextDeadline(t *testing.T) {
	s, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = s.PutContext(ctx, []byte("k"), []byte("v"))
	require.ErrorIs(t, err, coreerr.Timeout)
	_, err = s.GetContext(ctx, []byte("k"))
	require.ErrorIs(t, err, coreerr.Timeout)

	require.NoError(t, s.PutContext(context.Background(), []byte("k"), []byte("v")))
	v, err := s.GetContext(context.Background(), []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestSplitReconstruct_RoundTrip(t *testing.T) {
	value := []byte("the quick brown fox jumps over the lazy dog, repeated for bulk")
	shards := Split(value, 4)
	require.Len(t, shards, 4)

	// A majority (3 of 4) does not reconstruct: shards carry no parity,
	// so the missing last shard leaves a gap.
	majority := shards[:3]
	_, err := Reconstruct(majority, 4)
	require.Error(t, err, "missing the last shard leaves a gap, not just a minority loss")

	out, err := Reconstruct(shards, 4)
	require.NoError(t, err)
	require.Equal(t, value, out)
}

func TestReconstruct_TamperedShardFails(t *testing.T) {
	shards := Split([]byte("0123456789abcdef"), 2)
	shards[0].Data[0] ^= 0xFF

	_, err := Reconstruct(shards, 2)
	require.ErrorIs(t, err, coreerr.Integrity)
}

func TestStack_PutGetShardedValueReconstructsTransparently(t *testing.T) {
	s, err := Open(Options{
		Dir:        t.TempDir(),
		L1Capacity: 16,
		Sharding: ShardingOptions{
			Enabled:        true,
			ThresholdBytes: 32,
			ShardCount:     4,
		},
	})
	require.NoError(t, err)
	defer s.Close()

	value := bytes.Repeat([]byte("large-value-payload-"), 8)
	require.Greater(t, len(value), 32, "value must exceed ThresholdBytes to trigger sharding")

	require.NoError(t, s.Put([]byte("big-key"), value))

	got, err := s.Get([]byte("big-key"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(value, got), "Get must reassemble the exact bytes Put sharded")
}

func TestStack_PutGetSmallValueUnderThresholdIsNotSharded(t *testing.T) {
	s, err := Open(Options{
		Dir:        t.TempDir(),
		L1Capacity: 16,
		Sharding: ShardingOptions{
			Enabled:        true,
			ThresholdBytes: 1024,
			ShardCount:     4,
		},
	})
	require.NoError(t, err)
	defer s.Close()

	value := []byte("small")
	require.NoError(t, s.Put([]byte("small-key"), value))

	got, err := s.Get([]byte("small-key"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(value, got))
}

func TestStack_PutMirrorsShardsToRedundancyTarget(t *testing.T) {
	fake := newFakeRedundancyTarget()
	s, err := Open(Options{
		Dir:        t.TempDir(),
		L1Capacity: 16,
		Sharding: ShardingOptions{
			Enabled:        true,
			ThresholdBytes: 32,
			ShardCount:     3,
			Redundancy:     fake,
		},
	})
	require.NoError(t, err)
	defer s.Close()

	value := bytes.Repeat([]byte("mirrored-shard-content-"), 8)
	require.NoError(t, s.Put([]byte("mirrored-key"), value))

	require.Equal(t, 3, fake.count(), "every shard must be mirrored to the redundancy target")

	got, err := s.Get([]byte("mirrored-key"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(value, got))
}

func TestStack_GetFallsBackToRedundancyTargetWhenLocalShardMissing(t *testing.T) {
	fake := newFakeRedundancyTarget()
	s, err := Open(Options{
		Dir:        t.TempDir(),
		L1Capacity: 16,
		Sharding: ShardingOptions{
			Enabled:        true,
			ThresholdBytes: 32,
			ShardCount:     3,
			Redundancy:     fake,
		},
	})
	require.NoError(t, err)
	defer s.Close()

	value := bytes.Repeat([]byte("recoverable-shard-content-"), 8)
	key := []byte("recoverable-key")
	require.NoError(t, s.Put(key, value))

	// A second node with the same manifest but no local shard data (e.g.
	// it only ever synced the small manifest entry) must still recover
	// every shard from the shared redundancy target.
	s2, err := Open(Options{
		Dir:        t.TempDir(),
		L1Capacity: 16,
		Sharding: ShardingOptions{
			Enabled:        true,
			ThresholdBytes: 32,
			ShardCount:     3,
			Redundancy:     fake,
		},
	})
	require.NoError(t, err)
	defer s2.Close()

	manifestValue, err := s.getLayers(key)
	require.NoError(t, err)
	require.NoError(t, s2.putLayers(key, manifestValue))

	got, err := s2.Get(key)
	require.NoError(t, err)
	require.True(t, bytes.Equal(value, got), "Get must recover shards missing locally from the redundancy target")
}
