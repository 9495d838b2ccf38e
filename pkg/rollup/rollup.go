// Package rollup implements the hierarchical micro-receipt rollup:
// per-event receipts are rolled up second -> minute -> hour -> day, each
// level sealed as a Merkle root over its children, so that a single day
// root commits to every receipt beneath it.
package rollup

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/metanode/core/pkg/coreerr"
	"github.com/metanode/core/pkg/hashing"
	"github.com/metanode/core/pkg/merkle"
)

// receiptEnc is the canonical CBOR mode every receipt hash is computed
// under; two nodes hashing the same receipt must produce identical bytes.
var receiptEnc cbor.EncMode

func init() {
	var err error
	receiptEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// MicroReceipt is the smallest unit rolled up: one audit event's
// commitment. SequenceInSecond is assigned by AddReceipt, not the
// producer; Proof is left for the caller to attach after the fact (for
// instance from ProveReceipt's result) and is excluded from the receipt
// hash.
type MicroReceipt struct {
	TimestampNS      int64              `cbor:"1,keyasint"`
	EventType        string             `cbor:"2,keyasint"`
	VMID             string             `cbor:"3,keyasint"`
	PayloadHash      [hashing.Size]byte `cbor:"4,keyasint"`
	SequenceInSecond int                `cbor:"5,keyasint"`

	Proof *ReceiptProof `cbor:"-"`
}

// Hash is H(domain_receipt || CBOR(receipt_without_proof)) under
// canonical CBOR encoding.
func (r MicroReceipt) Hash() ([hashing.Size]byte, error) {
	r.Proof = nil
	enc, err := receiptEnc.Marshal(r)
	if err != nil {
		return [hashing.Size]byte{}, fmt.Errorf("%w: encoding receipt: %v", coreerr.InvalidInput, err)
	}
	return hashing.Hash(hashing.DomainReceipt, enc), nil
}

// Second returns the one-second window this receipt belongs to.
func (r MicroReceipt) Second() int64 {
	return r.TimestampNS / 1_000_000_000
}

// Level identifies a rung of the rollup hierarchy.
type Level int

const (
	LevelSecond Level = iota
	LevelMinute
	LevelHour
	LevelDay
	// LevelCheckpoint tags an anchor payload produced by
	// pkg/checkpoint rather than by this package's own sealing levels;
	// it never appears as a SealedRoot.
	LevelCheckpoint
)

// SealedRoot is one level's sealed Merkle root plus the number of leaves
// it commits to. AnchorTx is populated only for minute-level roots: it
// is the H(domain_anchor || root || minute) payload external systems
// submit to their anchor chain of choice.
type SealedRoot struct {
	Root      [hashing.Size]byte
	LeafCount int
	BucketKey int64 // the bucket's aligned timestamp (second, minute, hour, or day boundary)
	AnchorTx  [hashing.Size]byte
}

// Options configures a Manager.
type Options struct {
	// MaxPendingReceipts bounds the number of receipts that can be
	// waiting in still-open second buckets. On overflow the oldest
	// buffered-but-unsealed receipt is dropped and counted; sealed
	// roots are never dropped.
	MaxPendingReceipts int
}

// Manager accumulates receipts and rolls them up through the hierarchy.
// All buckets are keyed by the aligned start of their time window.
type Manager struct {
	mu      sync.Mutex
	opts    Options
	pending int
	dropped uint64

	secondLeaves map[int64][][hashing.Size]byte
	sealedSecond map[int64]SealedRoot

	minuteLeaves map[int64][][hashing.Size]byte
	sealedMinute map[int64]SealedRoot

	hourLeaves map[int64][][hashing.Size]byte
	sealedHour map[int64]SealedRoot

	dayLeaves map[int64][][hashing.Size]byte
	sealedDay map[int64]SealedRoot

	// proofIndex lets ProveReceipt reconstruct a chained proof for a
	// receipt that was added via AddReceipt, keyed by receipt hash.
	proofIndex map[[hashing.Size]byte]receiptLocation

	// sealedSecondLeaves retains each sealed second bucket's original
	// leaf order so ProveReceipt can rebuild an inclusion proof after the
	// bucket has rolled up into its parent minute.
	sealedSecondLeaves map[int64][][hashing.Size]byte
}

type receiptLocation struct {
	secondKey int64
	leafIndex int
}

func NewManager(opts Options) *Manager {
	if opts.MaxPendingReceipts <= 0 {
		opts.MaxPendingReceipts = 10000
	}
	return &Manager{
		opts:               opts,
		secondLeaves:       make(map[int64][][hashing.Size]byte),
		sealedSecond:       make(map[int64]SealedRoot),
		minuteLeaves:       make(map[int64][][hashing.Size]byte),
		sealedMinute:       make(map[int64]SealedRoot),
		hourLeaves:         make(map[int64][][hashing.Size]byte),
		sealedHour:         make(map[int64]SealedRoot),
		dayLeaves:          make(map[int64][][hashing.Size]byte),
		sealedDay:          make(map[int64]SealedRoot),
		proofIndex:         make(map[[hashing.Size]byte]receiptLocation),
		sealedSecondLeaves: make(map[int64][][hashing.Size]byte),
	}
}

func alignMinute(ts int64) int64 { return ts - ts%60 }
func alignHour(ts int64) int64   { return ts - ts%3600 }
func alignDay(ts int64) int64    { return ts - ts%86400 }

// AddReceipt assigns r's SequenceInSecond and buffers it into its
// second bucket. When the manager is already holding
// MaxPendingReceipts unsealed receipts, the oldest buffered one is
// dropped first and counted in DroppedReceipts; sealed roots are never
// affected.
func (m *Manager) AddReceipt(r MicroReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.pending >= m.opts.MaxPendingReceipts {
		m.dropOldestLocked()
	}

	key := r.Second()
	r.SequenceInSecond = len(m.secondLeaves[key])
	h, err := r.Hash()
	if err != nil {
		return err
	}
	m.secondLeaves[key] = append(m.secondLeaves[key], h)
	m.proofIndex[h] = receiptLocation{secondKey: key, leafIndex: r.SequenceInSecond}
	m.pending++
	return nil
}

// dropOldestLocked evicts the first receipt of the oldest still-open
// second bucket, re-sequencing that bucket's survivors. Caller holds m.mu.
func (m *Manager) dropOldestLocked() {
	oldest := int64(0)
	found := false
	for k, ls := range m.secondLeaves {
		if len(ls) == 0 {
			continue
		}
		if !found || k < oldest {
			oldest = k
			found = true
		}
	}
	if !found {
		return
	}

	ls := m.secondLeaves[oldest]
	delete(m.proofIndex, ls[0])
	ls = ls[1:]
	if len(ls) == 0 {
		delete(m.secondLeaves, oldest)
	} else {
		m.secondLeaves[oldest] = ls
		for i, h := range ls {
			m.proofIndex[h] = receiptLocation{secondKey: oldest, leafIndex: i}
		}
	}
	m.pending--
	m.dropped++
}

// DroppedReceipts reports how many buffered-but-unsealed receipts have
// been evicted under backpressure since the manager was created.
func (m *Manager) DroppedReceipts() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// PendingReceipts reports how many receipts sit in still-open second
// buckets.
func (m *Manager) PendingReceipts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// RollSeconds seals every second bucket strictly before nowS, folding each
// sealed root into its parent minute bucket.
func (m *Manager) RollSeconds(nowS int64) ([]SealedRoot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollLevelLocked(nowS, m.secondLeaves, m.sealedSecond, alignMinute, m.minuteLeaves, func(n int) { m.pending -= n }, m.sealedSecondLeaves, false)
}

// RollMinutes seals every minute bucket whose window ended strictly
// before nowS, folding each sealed root into its parent hour bucket and
// stamping each minute's external anchor payload.
func (m *Manager) RollMinutes(nowS int64) ([]SealedRoot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollLevelLocked(nowS-60, m.minuteLeaves, m.sealedMinute, alignHour, m.hourLeaves, nil, nil, true)
}

// RollHours seals every hour bucket whose window ended strictly before
// nowS, folding each sealed root into its parent day bucket.
func (m *Manager) RollHours(nowS int64) ([]SealedRoot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollLevelLocked(nowS-3600, m.hourLeaves, m.sealedHour, alignDay, m.dayLeaves, nil, nil, false)
}

// RollDays seals every day bucket whose window ended strictly before
// nowS. Day roots have no parent: they are the top of the hierarchy.
func (m *Manager) RollDays(nowS int64) ([]SealedRoot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollLevelLocked(nowS-86400, m.dayLeaves, m.sealedDay, nil, nil, nil, nil, false)
}

// Rolled is the full set of roots one ForceRollup pass sealed, one
// slice per level, each ordered by bucket timestamp.
type Rolled struct {
	Seconds []SealedRoot
	Minutes []SealedRoot
	Hours   []SealedRoot
	Days    []SealedRoot
}

// ForceRollup rolls every level unconditionally, treating all open
// buckets as complete regardless of their window boundary. Used to drain
// the hierarchy on shutdown and before emitting a checkpoint. Idempotent
// when no new receipts have arrived: a second call seals nothing.
func (m *Manager) ForceRollup() (Rolled, error) {
	const farFuture = int64(1) << 62
	var out Rolled
	var err error
	if out.Seconds, err = m.RollSeconds(farFuture); err != nil {
		return out, err
	}
	if out.Minutes, err = m.RollMinutes(farFuture); err != nil {
		return out, err
	}
	if out.Hours, err = m.RollHours(farFuture); err != nil {
		return out, err
	}
	if out.Days, err = m.RollDays(farFuture); err != nil {
		return out, err
	}
	return out, nil
}

func (m *Manager) rollLevelLocked(
	cutoff int64,
	leaves map[int64][][hashing.Size]byte,
	sealed map[int64]SealedRoot,
	parentKeyFn func(int64) int64,
	parentLeaves map[int64][][hashing.Size]byte,
	onDrain func(count int),
	retain map[int64][][hashing.Size]byte,
	withAnchor bool,
) ([]SealedRoot, error) {
	var keys []int64
	for k := range leaves {
		if k < cutoff {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var out []SealedRoot
	for _, k := range keys {
		ls := leaves[k]
		tree, err := merkle.Build(ls)
		if err != nil {
			return nil, fmt.Errorf("sealing rollup bucket %d: %w", k, err)
		}
		sr := SealedRoot{Root: tree.Root(), LeafCount: len(ls), BucketKey: k}
		if withAnchor {
			var bucketBuf [8]byte
			for i := 0; i < 8; i++ {
				bucketBuf[i] = byte(k >> (8 * i))
			}
			sr.AnchorTx = hashing.HashConcat(hashing.DomainAnchor, sr.Root[:], bucketBuf[:])
		}
		sealed[k] = sr
		out = append(out, sr)
		if retain != nil {
			retain[k] = ls
		}
		delete(leaves, k)

		if parentKeyFn != nil {
			pk := parentKeyFn(k)
			parentLeaves[pk] = append(parentLeaves[pk], sr.Root)
		}
		if onDrain != nil {
			onDrain(len(ls))
		}
	}
	return out, nil
}

// AnchorPayload commits to a sealed root at the given level, producing a
// domain-separated digest over the level tag and the root.
func AnchorPayload(level Level, root [hashing.Size]byte) [hashing.Size]byte {
	return hashing.HashConcat(hashing.DomainAnchor, []byte{byte(level)}, root[:])
}

// EncodeReceipt CBOR-encodes a receipt for storage or transport, under
// the same canonical mode its hash is computed with.
func EncodeReceipt(r MicroReceipt) ([]byte, error) {
	r.Proof = nil
	return receiptEnc.Marshal(r)
}

// DecodeReceipt reverses EncodeReceipt.
func DecodeReceipt(data []byte) (MicroReceipt, error) {
	var r MicroReceipt
	err := cbor.Unmarshal(data, &r)
	return r, err
}

// ReceiptProof proves a receipt's inclusion in its sealed second-level
// root. It carries no minute, hour or day links, so it does not show
// that the second root was folded into any higher-level root.
type ReceiptProof struct {
	ReceiptHash [hashing.Size]byte
	SecondRoot  [hashing.Size]byte
	SecondProof *merkle.Proof
}

// ProveReceipt returns the inclusion proof of r's hash within its sealed
// second-level root. r must carry the SequenceInSecond the manager
// assigned it (the value AddReceipt stored), since the sequence is part
// of the receipt hash. Returns coreerr.NotFound if the receipt was never
// added, or coreerr.InvalidInput if its second bucket has not been sealed
// yet (call RollSeconds first).
func (m *Manager) ProveReceipt(r MicroReceipt) (ReceiptProof, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := r.Hash()
	if err != nil {
		return ReceiptProof{}, err
	}
	loc, ok := m.proofIndex[h]
	if !ok {
		return ReceiptProof{}, fmt.Errorf("%w: receipt not tracked", coreerr.NotFound)
	}
	sealed, ok := m.sealedSecond[loc.secondKey]
	if !ok {
		return ReceiptProof{}, fmt.Errorf("%w: second bucket %d not yet sealed", coreerr.InvalidInput, loc.secondKey)
	}
	leaves, ok := m.sealedSecondLeaves[loc.secondKey]
	if !ok {
		return ReceiptProof{}, fmt.Errorf("%w: second bucket %d leaves not retained", coreerr.NotFound, loc.secondKey)
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		return ReceiptProof{}, err
	}
	proof, err := tree.Proof(loc.leafIndex)
	if err != nil {
		return ReceiptProof{}, err
	}

	return ReceiptProof{ReceiptHash: h, SecondRoot: sealed.Root, SecondProof: proof}, nil
}

// VerifyReceiptProof checks the receipt's hash against the proof's
// second-level root; it returns false when the proof has no
// SecondProof.
func VerifyReceiptProof(p ReceiptProof) bool {
	if p.SecondProof == nil {
		return false
	}
	return merkle.VerifyProof(p.ReceiptHash, p.SecondProof, p.SecondRoot)
}
