// Package storage implements the four-layer read-through/write-through
// storage stack described by Component C: an in-memory hot cache (L1),
// an embedded KV (L2, cometbft-db), a zero-copy mmap KV (L3), and the
// append-only log (L4) as the source of truth.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"

	"github.com/metanode/core/pkg/appendlog"
	"github.com/metanode/core/pkg/coreerr"
)

// shardManifestMagic tags a stored value as a shard manifest rather
// than the caller's own bytes, the same way pkg/zjl tags its file
// header; a fixed, vanishingly-unlikely-to-collide prefix rather than
// a side-channel key, so Get needs no extra round trip to learn
// whether the value at key was split.
var shardManifestMagic = [8]byte{'C', 'O', 'R', 'E', 'S', 'H', 'R', 'D'}

// shardManifest records how a value larger than
// ShardingOptions.ThresholdBytes was split, so Get can gather every
// shard back in order and Reconstruct the original bytes. ShardHashes
// is recorded at split time rather than recomputed from whatever bytes
// Get reads back, since recomputing it from the same bytes it's meant
// to check would make Reconstruct's tamper detection tautological.
type shardManifest struct {
	TotalShards int
	Size        int
	ShardHashes []uint64
}

var (
	errLayerDown     = errors.New("layer unavailable")
	errPinCapReached = errors.New("pin cap reached")
)

// Health reports per-layer availability and the composite verdict.
type Health struct {
	L1, L2, L3, L4 bool
	Composite      bool
}

// Options configures a Stack.
type Options struct {
	Dir             string // root directory; l1 has no disk footprint
	L1Capacity      int
	MaxPins         int // storage.max_pins: cap on pinned L1 entries; 0 => L1Capacity
	AppendLogSegCap int64
	Logger          *log.Logger
	Sharding        ShardingOptions
}

// Stack is the layered storage engine. Each layer synchronizes
// internally, so the stack itself holds no lock: a Put/Get is a
// sequence of per-layer operations, linearized by L4 arrival order.
type Stack struct {
	l1 *l1Cache
	l2 *l2KV
	l3 *l3MMapKV
	l4 *appendlog.Log

	sharding ShardingOptions
	logger   *log.Logger
}

// Open constructs a Stack rooted at opts.Dir, creating the L2/L3/L4
// on-disk artifacts as needed.
func Open(opts Options) (*Stack, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: empty storage directory", coreerr.InvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[Storage] ", log.LstdFlags)
	}

	l2dir := filepath.Join(opts.Dir, "l2")
	if err := os.MkdirAll(l2dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.IoError, err)
	}
	l2, err := newL2KV(l2dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.IoError, err)
	}

	l3, err := newL3MMapKV(filepath.Join(opts.Dir, "l3.dat"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.IoError, err)
	}

	l4, err := appendlog.Open(appendlog.Options{
		Dir:            filepath.Join(opts.Dir, "l4"),
		SegmentCapBytes: opts.AppendLogSegCap,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	return &Stack{
		l1:       newL1Cache(opts.L1Capacity, opts.MaxPins),
		l2:       l2,
		l3:       l3,
		l4:       l4,
		sharding: opts.Sharding,
		logger:   logger,
	}, nil
}

// Put writes value to all four layers. The call succeeds as long as L4
// (the source of truth) accepts it, even if an upper layer fails. When
// sharding is enabled and value exceeds ShardingOptions.ThresholdBytes,
// value is split via Split into ShardingOptions.ShardCount shards,
// each stored under its own derived key, with a small manifest stored
// under key itself so Get knows to gather and Reconstruct them.
func (s *Stack) Put(key, value []byte) error {
	if s.sharding.Enabled && s.sharding.ThresholdBytes > 0 && len(value) > s.sharding.ThresholdBytes {
		return s.putSharded(key, value)
	}
	return s.putLayers(key, value)
}

// putLayers writes value verbatim to every layer, with no sharding
// logic; used both for values under threshold and for each shard
// piece (and the manifest) of a sharded value.
func (s *Stack) putLayers(key, value []byte) error {
	keyStr := string(key)

	s.l1.put(keyStr, value)

	if err := s.l2.put(key, value); err != nil {
		s.logger.Printf("warn: L2 put failed for key %x: %v", key, err)
	}
	if err := s.l3.put(keyStr, value); err != nil {
		s.logger.Printf("warn: L3 put failed for key %x: %v", key, err)
	}

	if err := s.l4.Append(keyStr, value); err != nil {
		return err
	}
	return nil
}

func (s *Stack) putSharded(key, value []byte) error {
	shards := Split(value, s.sharding.ShardCount)
	hashes := make([]uint64, len(shards))

	for _, sh := range shards {
		hashes[sh.ShardID] = sh.ContentHash
		if err := s.putLayers(shardKey(key, sh.ShardID), sh.Data); err != nil {
			return fmt.Errorf("writing shard %d of key %x: %w", sh.ShardID, key, err)
		}
		if s.sharding.Redundancy != nil {
			if err := s.sharding.Redundancy.Put(context.Background(), string(shardKey(key, sh.ShardID)), sh.Data); err != nil {
				s.logger.Printf("warn: redundancy mirror failed for shard %d of key %x: %v", sh.ShardID, key, err)
			}
		}
	}

	manifest, err := cbor.Marshal(shardManifest{TotalShards: len(shards), Size: len(value), ShardHashes: hashes})
	if err != nil {
		return fmt.Errorf("encoding shard manifest for key %x: %w", key, err)
	}
	return s.putLayers(key, append(shardManifestMagic[:], manifest...))
}

// shardKey derives the storage key for shard id of key. Using a
// separator byte unlikely to appear in caller keys keeps each shard
// independently addressable in L1..L4 without a second keyspace.
func shardKey(key []byte, id int) []byte {
	return []byte(fmt.Sprintf("%s\x00shard\x00%d", key, id))
}

// Get probes L1..L4 in order. On the first hit, it best-effort promotes
// the value into higher layers. A value tagged with the shard manifest
// magic is transparently reassembled from its shards via Reconstruct
// before being returned. Returns coreerr.NotFound if absent everywhere.
func (s *Stack) Get(key []byte) ([]byte, error) {
	v, err := s.getLayers(key)
	if err != nil {
		return nil, err
	}
	if !hasShardManifestMagic(v) {
		return v, nil
	}

	var manifest shardManifest
	if err := cbor.Unmarshal(v[len(shardManifestMagic):], &manifest); err != nil {
		return nil, fmt.Errorf("%w: decoding shard manifest for key %x: %v", coreerr.Integrity, key, err)
	}

	shards := make([]Shard, 0, manifest.TotalShards)
	for id := 0; id < manifest.TotalShards; id++ {
		piece, err := s.getLayers(shardKey(key, id))
		if err != nil {
			if s.sharding.Redundancy != nil {
				if remote, rerr := s.sharding.Redundancy.Get(context.Background(), string(shardKey(key, id))); rerr == nil {
					piece = remote
					err = nil
				}
			}
			if err != nil {
				continue
			}
		}
		expectedHash := uint64(0)
		if id < len(manifest.ShardHashes) {
			expectedHash = manifest.ShardHashes[id]
		}
		shards = append(shards, Shard{ShardID: id, ContentHash: expectedHash, Data: piece})
	}

	out, err := Reconstruct(shards, manifest.TotalShards)
	if err != nil {
		return nil, fmt.Errorf("reconstructing key %x from %d/%d shards: %w", key, len(shards), manifest.TotalShards, err)
	}
	return out, nil
}

func hasShardManifestMagic(v []byte) bool {
	if len(v) < len(shardManifestMagic) {
		return false
	}
	for i, b := range shardManifestMagic {
		if v[i] != b {
			return false
		}
	}
	return true
}

// getLayers probes L1..L4 in order for key verbatim, with no shard
// reassembly; the primitive both Get and Get's shard-gathering loop
// are built from.
func (s *Stack) getLayers(key []byte) ([]byte, error) {
	keyStr := string(key)

	if v, ok := s.l1.get(keyStr); ok {
		return v, nil
	}

	if v, err := s.l2.get(key); err == nil && v != nil {
		s.l1.put(keyStr, v)
		return v, nil
	}

	if v, ok, err := s.l3.get(keyStr); err == nil && ok {
		out := append([]byte(nil), v...)
		s.l1.put(keyStr, out)
		if perr := s.l2.put(key, out); perr != nil {
			s.logger.Printf("warn: promotion to L2 failed for key %x: %v", key, perr)
		}
		return out, nil
	}

	if v, err := s.l4.Get(keyStr); err == nil {
		s.l1.put(keyStr, v)
		if perr := s.l2.put(key, v); perr != nil {
			s.logger.Printf("warn: promotion to L2 failed for key %x: %v", key, perr)
		}
		if perr := s.l3.put(keyStr, v); perr != nil {
			s.logger.Printf("warn: promotion to L3 failed for key %x: %v", key, perr)
		}
		return v, nil
	}

	return nil, fmt.Errorf("%w: key %x", coreerr.NotFound, key)
}

// Pin hints that key must not be evicted from L1 below the given
// priority. This is an L1-only operation: pinning never writes to the
// append log. Returns coreerr.Backpressure once storage.max_pins
// entries are pinned.
func (s *Stack) Pin(key []byte, priority uint8) error {
	if err := s.l1.pin(string(key), priority); err != nil {
		return fmt.Errorf("%w: %d entries already pinned", coreerr.Backpressure, s.l1.maxPins)
	}
	return nil
}

// PutContext is Put with a deadline: an already-expired or cancelled
// ctx returns coreerr.Timeout without touching any layer. Once the
// write has started it runs to completion; the underlying L4 append
// may still land even if the deadline passes mid-write, per the
// cancellation contract.
func (s *Stack) PutContext(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", coreerr.Timeout, err)
	}
	return s.Put(key, value)
}

// GetContext is Get with a deadline, mirroring PutContext.
func (s *Stack) GetContext(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.Timeout, err)
	}
	return s.Get(key)
}

// ContentHash returns a deterministic digest of value used for dedup and
// shard IDs. xxhash is the right tool here: a fast non-cryptographic hash
// for a cache/shard key, distinct from the cryptographic domain hash used
// for Merkle and consensus data.
func ContentHash(value []byte) uint64 {
	return xxhash.Sum64(value)
}

// Health reports per-layer availability. The composite is healthy when
// L4 is up and at least two of L1..L3 are up.
func (s *Stack) Health() Health {
	h := Health{
		L1: true, // L1 is in-process memory; it is never independently "down"
		L2: s.l2.isUp(),
		L3: s.l3.isUp(),
		L4: s.l4.Healthy(),
	}
	upCount := 0
	for _, up := range []bool{h.L1, h.L2, h.L3} {
		if up {
			upCount++
		}
	}
	h.Composite = h.L4 && upCount >= 2
	return h
}

// SetL2Down and SetL3Down simulate a layer outage for tests of the
// degraded-read path; there is no SetL1Down/SetL4Down since L1 is pure
// memory and L4 is the source of truth.
func (s *Stack) SetL2Down(down bool) { s.l2.setUp(!down) }
func (s *Stack) SetL3Down(down bool) { s.l3.setUp(!down) }

// Close releases L2/L3/L4 file handles.
func (s *Stack) Close() error {
	var firstErr error
	if err := s.l2.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.l3.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.l4.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
