// bplustree.go is an optional index over path_id. A single root node
// covers the file sizes this format targets; a deeper tree can replace
// it behind the same Insert/Lookup surface if files outgrow that.
package zjl

import (
	"encoding/binary"
	"sort"
)

// BPlusTreeIndex is a single-root index mapping path_id to a list of
// central-directory entry indices. It is optional: callers that don't
// need path_id lookups faster than a directory scan can omit it.
type BPlusTreeIndex struct {
	RootOffset uint64
	entries    map[uint64][]uint32 // path_id -> central directory entry indices
}

func NewBPlusTreeIndex() *BPlusTreeIndex {
	return &BPlusTreeIndex{entries: make(map[uint64][]uint32)}
}

func (idx *BPlusTreeIndex) Insert(pathID uint64, entryIndex uint32) {
	idx.entries[pathID] = append(idx.entries[pathID], entryIndex)
}

func (idx *BPlusTreeIndex) Lookup(pathID uint64) []uint32 {
	return idx.entries[pathID]
}

// ToBytes serializes the single root node as
// {u32 key_count, (u64 path_id, u32 entry_count, entry_index[...])...},
// keys in ascending order so the same index always produces the same
// bytes.
func (idx *BPlusTreeIndex) ToBytes() []byte {
	keys := make([]uint64, 0, len(idx.entries))
	for k := range idx.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var out []byte
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(keys)))
	out = append(out, countBuf[:]...)

	for _, k := range keys {
		var keyBuf [8]byte
		binary.LittleEndian.PutUint64(keyBuf[:], k)
		out = append(out, keyBuf[:]...)

		indices := idx.entries[k]
		var idxCountBuf [4]byte
		binary.LittleEndian.PutUint32(idxCountBuf[:], uint32(len(indices)))
		out = append(out, idxCountBuf[:]...)

		for _, i := range indices {
			var iBuf [4]byte
			binary.LittleEndian.PutUint32(iBuf[:], i)
			out = append(out, iBuf[:]...)
		}
	}
	return out
}
