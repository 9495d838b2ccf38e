// sharding implements Component C's optional content-addressed split and
// redundancy path: values larger than a threshold are split into N
// shards keyed by (shard_id, content_hash); a reconstruction path
// rebuilds the value from its shards. Shards carry no parity, so
// reconstruction needs every shard; a majority alone does not suffice.
package storage

import (
	"context"
	"fmt"

	"github.com/metanode/core/pkg/coreerr"
)

// ShardingOptions configures the optional sharding/redundancy path.
type ShardingOptions struct {
	Enabled           bool
	ThresholdBytes    int
	ShardCount        int
	ReplicationFactor int
	Redundancy        RedundancyTarget // optional, may be nil
}

// Shard is one piece of a split value.
type Shard struct {
	ShardID     int
	ContentHash uint64
	Data        []byte
}

// RedundancyTarget mirrors shards to a remote store for durability beyond
// the local node. The production implementation is an Azure Blob
// Storage adapter (see azblob_redundancy.go); tests use an in-memory
// fake.
type RedundancyTarget interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Split divides value into pieces of ceil(len(value)/shardCount) bytes,
// so the last piece holds what is left and may be shorter, and tags
// each with its content hash. A short value can yield fewer than
// shardCount pieces, and an empty value yields none. When disabled, or when
// value is under the threshold, the caller should store it verbatim
// instead of calling Split.
func Split(value []byte, shardCount int) []Shard {
	if shardCount <= 0 {
		shardCount = 1
	}
	chunkSize := (len(value) + shardCount - 1) / shardCount
	if chunkSize == 0 {
		chunkSize = 1
	}

	shards := make([]Shard, 0, shardCount)
	for i := 0; i < len(value); i += chunkSize {
		end := i + chunkSize
		if end > len(value) {
			end = len(value)
		}
		piece := append([]byte(nil), value[i:end]...)
		shards = append(shards, Shard{
			ShardID:     len(shards),
			ContentHash: ContentHash(piece),
			Data:        piece,
		})
	}
	return shards
}

// Reconstruct rebuilds the original value from shards ordered by
// ShardID, verifying each piece's content hash. Fewer than a majority of
// shards (by count) fails at once, and so does any tampered shard or any
// shard ID in [0, totalShards) that is missing: every shard is needed,
// all failing with coreerr.Integrity.
func Reconstruct(shards []Shard, totalShards int) ([]byte, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: no shards supplied", coreerr.InvalidInput)
	}
	if 2*len(shards) <= totalShards {
		return nil, fmt.Errorf("%w: need a majority of %d shards, have %d", coreerr.Integrity, totalShards, len(shards))
	}

	present := make(map[int]Shard, len(shards))
	for _, sh := range shards {
		if ContentHash(sh.Data) != sh.ContentHash {
			return nil, fmt.Errorf("%w: shard %d content hash mismatch", coreerr.Integrity, sh.ShardID)
		}
		present[sh.ShardID] = sh
	}

	var out []byte
	for i := 0; i < totalShards; i++ {
		sh, ok := present[i]
		if !ok {
			return nil, fmt.Errorf("%w: missing shard %d and majority threshold not met for reconstruction", coreerr.Integrity, i)
		}
		out = append(out, sh.Data...)
	}
	return out, nil
}
