// Package zjl implements the self-contained binary audit-log file format:
// a fixed header, a heap arena of typed blocks, a central directory, an
// optional single-root B+-tree index, and a COSE_Sign1 signature region.
//
// heap.go is the arena: bump-pointer allocation with a first-fit free
// list that splits oversized free blocks and coalesces adjacent ones on
// free.
package zjl

import (
	"fmt"
	"sort"

	"github.com/metanode/core/pkg/coreerr"
)

// HeapBlock describes one allocated (or formerly allocated, now free)
// region of the arena.
type HeapBlock struct {
	Offset    uint64
	Size      uint64
	BlockType BlockType
	PathID    uint64
}

type freeBlock struct {
	Offset uint64
	Size   uint64
}

// HeapArena is a bump-pointer allocator with a coalescing first-fit
// free list.
type HeapArena struct {
	position  uint64
	blocks    map[uint64]HeapBlock
	freeList  []freeBlock
	directoried map[uint64]bool // offsets already recorded in a central directory; free() rejects these
}

// NewHeapArena creates an arena whose allocations begin at startOffset
// (160 for a real ZJL file, immediately after the fixed header).
func NewHeapArena(startOffset uint64) *HeapArena {
	return &HeapArena{
		position:    startOffset,
		blocks:      make(map[uint64]HeapBlock),
		directoried: make(map[uint64]bool),
	}
}

// Allocate reserves size bytes for a block of the given type/path,
// first-fit from the free list (splitting an oversized free block into
// an allocated prefix and a free remainder), otherwise advancing the
// bump pointer.
func (a *HeapArena) Allocate(size uint64, blockType BlockType, pathID uint64) uint64 {
	for i, fb := range a.freeList {
		if fb.Size >= size {
			offset := fb.Offset
			if fb.Size > size {
				a.freeList[i] = freeBlock{Offset: fb.Offset + size, Size: fb.Size - size}
			} else {
				a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
			}
			a.blocks[offset] = HeapBlock{Offset: offset, Size: size, BlockType: blockType, PathID: pathID}
			return offset
		}
	}

	offset := a.position
	a.blocks[offset] = HeapBlock{Offset: offset, Size: size, BlockType: blockType, PathID: pathID}
	a.position += size
	return offset
}

// Free releases a previously allocated block back to the free list and
// coalesces adjacent free blocks. Freeing is only legal before the
// block's central-directory entry has been written; MarkDirectoried
// records that a block has crossed that line.
func (a *HeapArena) Free(offset uint64) error {
	if a.directoried[offset] {
		return fmt.Errorf("%w: block at offset %d already has a central-directory entry", coreerr.InvalidInput, offset)
	}
	block, ok := a.blocks[offset]
	if !ok {
		return fmt.Errorf("%w: no block at offset %d", coreerr.NotFound, offset)
	}
	delete(a.blocks, offset)
	a.freeList = append(a.freeList, freeBlock{Offset: block.Offset, Size: block.Size})
	a.coalesce()
	return nil
}

// MarkDirectoried records that offset's block now has a central-directory
// entry, after which Free on that offset is rejected.
func (a *HeapArena) MarkDirectoried(offset uint64) {
	a.directoried[offset] = true
}

func (a *HeapArena) coalesce() {
	if len(a.freeList) < 2 {
		return
	}
	sort.Slice(a.freeList, func(i, j int) bool { return a.freeList[i].Offset < a.freeList[j].Offset })

	merged := make([]freeBlock, 0, len(a.freeList))
	cur := a.freeList[0]
	for _, next := range a.freeList[1:] {
		if cur.Offset+cur.Size == next.Offset {
			cur.Size += next.Size
		} else {
			merged = append(merged, cur)
			cur = next
		}
	}
	merged = append(merged, cur)
	a.freeList = merged
}

// Size returns the current bump-pointer position (the logical extent of
// the arena, including free holes below it).
func (a *HeapArena) Size() uint64 {
	return a.position
}

// Block returns the live (allocated) block at offset, if any.
func (a *HeapArena) Block(offset uint64) (HeapBlock, bool) {
	b, ok := a.blocks[offset]
	return b, ok
}
