package rollup

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metanode/core/pkg/coreerr"
	"github.com/metanode/core/pkg/hashing"
)

func receiptAtNS(event string, tsNS int64) MicroReceipt {
	return MicroReceipt{
		TimestampNS: tsNS,
		EventType:   event,
		VMID:        "vm-1",
		PayloadHash: hashing.Hash(hashing.DomainContent, []byte(event)),
	}
}

// TestRollup_HierarchyScenario: 2 receipts at
// t=1s, 1 at t=2s, 1 at t=61s, then force_rollup. Three SecondRoots
// (seconds 1, 2, 61), one MinuteRoot covering seconds 1 and 2, another
// covering second 61, and one HourRoot covering both minutes.
func TestRollup_HierarchyScenario(t *testing.T) {
	m := NewManager(Options{})

	require.NoError(t, m.AddReceipt(receiptAtNS("a", 1_000_000_000)))
	require.NoError(t, m.AddReceipt(receiptAtNS("b", 1_000_000_000)))
	require.NoError(t, m.AddReceipt(receiptAtNS("c", 2_000_000_000)))
	require.NoError(t, m.AddReceipt(receiptAtNS("d", 61_000_000_000)))

	rolled, err := m.ForceRollup()
	require.NoError(t, err)

	require.Len(t, rolled.Seconds, 3)
	require.EqualValues(t, 1, rolled.Seconds[0].BucketKey)
	require.EqualValues(t, 2, rolled.Seconds[1].BucketKey)
	require.EqualValues(t, 61, rolled.Seconds[2].BucketKey)
	require.EqualValues(t, 2, rolled.Seconds[0].LeafCount)

	require.Len(t, rolled.Minutes, 2)
	require.EqualValues(t, 0, rolled.Minutes[0].BucketKey)
	require.EqualValues(t, 2, rolled.Minutes[0].LeafCount, "minute 0 folds seconds 1 and 2")
	require.EqualValues(t, 60, rolled.Minutes[1].BucketKey)
	require.EqualValues(t, 1, rolled.Minutes[1].LeafCount)

	require.Len(t, rolled.Hours, 1)
	require.EqualValues(t, 2, rolled.Hours[0].LeafCount, "hour 0 folds both minutes")

	// Minute roots carry the external anchor payload.
	require.NotEqual(t, [hashing.Size]byte{}, rolled.Minutes[0].AnchorTx)
	require.NotEqual(t, rolled.Minutes[0].AnchorTx, rolled.Minutes[1].AnchorTx)
}

func TestRollup_ForceRollupIdempotentWhenNoNewReceipts(t *testing.T) {
	m := NewManager(Options{})
	require.NoError(t, m.AddReceipt(receiptAtNS("only", 10_000_000_000)))

	first, err := m.ForceRollup()
	require.NoError(t, err)
	require.Len(t, first.Seconds, 1)
	require.Zero(t, m.PendingReceipts())

	second, err := m.ForceRollup()
	require.NoError(t, err)
	require.Empty(t, second.Seconds)
	require.Empty(t, second.Minutes)
	require.Empty(t, second.Hours)
	require.Empty(t, second.Days)
}

// Overflow evicts only buffered-but-unsealed receipts, counts each
// eviction, and never loses a SecondRoot for a second that sealed.
func TestRollup_BackpressureDropsOnlyUnsealedReceipts(t *testing.T) {
	m := NewManager(Options{MaxPendingReceipts: 2})

	require.NoError(t, m.AddReceipt(receiptAtNS("a", 1_000_000_000)))
	require.NoError(t, m.AddReceipt(receiptAtNS("b", 1_000_000_000)))

	// Seal second 1: its receipts are no longer droppable.
	sealed, err := m.RollSeconds(100)
	require.NoError(t, err)
	require.Len(t, sealed, 1)
	require.Zero(t, m.DroppedReceipts())

	// Refill to the cap, then push two more: each overflow evicts the
	// oldest unsealed receipt.
	require.NoError(t, m.AddReceipt(receiptAtNS("c", 2_000_000_000)))
	require.NoError(t, m.AddReceipt(receiptAtNS("d", 2_000_000_000)))
	require.NoError(t, m.AddReceipt(receiptAtNS("e", 3_000_000_000)))
	require.NoError(t, m.AddReceipt(receiptAtNS("f", 3_000_000_000)))
	require.EqualValues(t, 2, m.DroppedReceipts())
	require.Equal(t, 2, m.PendingReceipts())

	// Every second that held at least one receipt at roll time still
	// seals; the sealed root for second 1 is untouched.
	rolled, err := m.ForceRollup()
	require.NoError(t, err)
	require.Len(t, rolled.Seconds, 1, "survivors of seconds 2/3 collapsed into second 3 after eviction")
	require.Contains(t, m.sealedSecond, int64(1))
}

func TestRollup_ProveAndVerifyReceipt(t *testing.T) {
	m := NewManager(Options{})
	r1 := receiptAtNS("x1", 5_000_000_000)
	r2 := receiptAtNS("x2", 5_000_000_000)
	require.NoError(t, m.AddReceipt(r1))
	require.NoError(t, m.AddReceipt(r2))

	_, err := m.RollSeconds(100)
	require.NoError(t, err)

	// The manager assigned r1 sequence 0 and r2 sequence 1.
	r1.SequenceInSecond = 0
	proof, err := m.ProveReceipt(r1)
	require.NoError(t, err)
	require.True(t, VerifyReceiptProof(proof))

	tampered := proof
	tampered.ReceiptHash[0] ^= 0xFF
	require.False(t, VerifyReceiptProof(tampered))
}

func TestRollup_ProveReceiptBeforeSealReturnsInvalidInput(t *testing.T) {
	m := NewManager(Options{})
	r := receiptAtNS("pending", 5_000_000_000)
	require.NoError(t, m.AddReceipt(r))

	_, err := m.ProveReceipt(r)
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.InvalidInput))
}

func TestEncodeDecodeReceipt_RoundTrip(t *testing.T) {
	r := receiptAtNS("cbor", 42_000_000_000)
	r.SequenceInSecond = 3
	data, err := EncodeReceipt(r)
	require.NoError(t, err)

	got, err := DecodeReceipt(data)
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestReceiptHash_SequenceSensitive(t *testing.T) {
	a := receiptAtNS("same", 1_000_000_000)
	b := a
	b.SequenceInSecond = 1

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	require.NotEqual(t, ha, hb)
}

func TestAnchor_EncodeDecodeRoundTrip(t *testing.T) {
	a := Anchor{
		Version:   AnchorVersion,
		SuiteTag:  2,
		Level:     LevelMinute,
		Timestamp: 1234567,
		Root:      hashing.Hash(hashing.DomainAnchor, []byte("root")),
	}
	enc := a.Encode()
	require.Len(t, enc, 43)

	got, err := DecodeAnchor(enc)
	require.NoError(t, err)
	require.Equal(t, a, got)

	_, err = DecodeAnchor(enc[:10])
	require.ErrorIs(t, err, coreerr.InvalidInput)
}

func TestService_SubmitDrainAndStop(t *testing.T) {
	m := NewManager(Options{})
	svc := NewService(m, ServiceOptions{QueueSize: 64, TickInterval: 10 * time.Millisecond})
	svc.Start()

	for i := 0; i < 10; i++ {
		svc.Submit(receiptAtNS("evt", int64(i+1)*1_000_000_000))
	}

	require.NoError(t, svc.Stop())
	require.Zero(t, m.PendingReceipts(), "Stop must drain and seal everything")
	require.Len(t, m.sealedSecond, 10)
}
