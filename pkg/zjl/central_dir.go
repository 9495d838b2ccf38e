// central_dir.go holds the central directory and the file layout:
// entries are fixed-size records serialized as a u32 count followed by
// count fixed-size entries, and the file's region offsets chain
// sequentially as each region's size becomes known.
package zjl

import (
	"encoding/binary"
	"fmt"

	"github.com/metanode/core/pkg/coreerr"
)

// CentralDirEntrySize is the fixed, 72-byte size of one directory entry.
const CentralDirEntrySize = 72

// CentralDirEntry records where and what one heap block is.
type CentralDirEntry struct {
	BlockOffset     uint64
	BlockType       BlockType
	PathID          uint64
	ContentHash     [32]byte
	CompressedLen   uint32
	UncompressedLen uint32
}

func (e CentralDirEntry) encode() [CentralDirEntrySize]byte {
	var out [CentralDirEntrySize]byte
	binary.LittleEndian.PutUint64(out[0:8], e.BlockOffset)
	out[8] = byte(e.BlockType)
	binary.LittleEndian.PutUint64(out[9:17], e.PathID)
	copy(out[17:49], e.ContentHash[:])
	binary.LittleEndian.PutUint32(out[49:53], e.CompressedLen)
	binary.LittleEndian.PutUint32(out[53:57], e.UncompressedLen)
	return out
}

func decodeCentralDirEntry(buf []byte) CentralDirEntry {
	var e CentralDirEntry
	e.BlockOffset = binary.LittleEndian.Uint64(buf[0:8])
	e.BlockType = BlockType(buf[8])
	e.PathID = binary.LittleEndian.Uint64(buf[9:17])
	copy(e.ContentHash[:], buf[17:49])
	e.CompressedLen = binary.LittleEndian.Uint32(buf[49:53])
	e.UncompressedLen = binary.LittleEndian.Uint32(buf[53:57])
	return e
}

// CentralDirectory is the ordered-by-insertion array of block entries,
// plus by-path and by-type lookup indices built from it.
type CentralDirectory struct {
	entries    []CentralDirEntry
	pathIndex  map[uint64][]int
	typeIndex  map[BlockType][]int
}

func NewCentralDirectory() *CentralDirectory {
	return &CentralDirectory{
		pathIndex: make(map[uint64][]int),
		typeIndex: make(map[BlockType][]int),
	}
}

func (d *CentralDirectory) AddEntry(e CentralDirEntry) {
	idx := len(d.entries)
	d.entries = append(d.entries, e)
	d.pathIndex[e.PathID] = append(d.pathIndex[e.PathID], idx)
	d.typeIndex[e.BlockType] = append(d.typeIndex[e.BlockType], idx)
}

func (d *CentralDirectory) FindByPath(pathID uint64) []CentralDirEntry {
	var out []CentralDirEntry
	for _, idx := range d.pathIndex[pathID] {
		out = append(out, d.entries[idx])
	}
	return out
}

func (d *CentralDirectory) FindByType(t BlockType) []CentralDirEntry {
	var out []CentralDirEntry
	for _, idx := range d.typeIndex[t] {
		out = append(out, d.entries[idx])
	}
	return out
}

func (d *CentralDirectory) Len() int { return len(d.entries) }

// Entries returns every directory entry in insertion order.
func (d *CentralDirectory) Entries() []CentralDirEntry {
	return append([]CentralDirEntry(nil), d.entries...)
}

// ToBytes serializes the directory as {u32 entry_count, entry[...]}.
func (d *CentralDirectory) ToBytes() []byte {
	out := make([]byte, 4+len(d.entries)*CentralDirEntrySize)
	binary.LittleEndian.PutUint32(out[:4], uint32(len(d.entries)))
	for i, e := range d.entries {
		enc := e.encode()
		copy(out[4+i*CentralDirEntrySize:], enc[:])
	}
	return out
}

// CentralDirectoryFromBytes parses a buffer produced by ToBytes. Reading
// only requires the count plus count*entry_size bytes.
func CentralDirectoryFromBytes(data []byte) (*CentralDirectory, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: central directory truncated", coreerr.Integrity)
	}
	count := binary.LittleEndian.Uint32(data[:4])
	want := 4 + int(count)*CentralDirEntrySize
	if len(data) != want {
		return nil, fmt.Errorf("%w: central directory expected %d bytes, got %d", coreerr.Integrity, want, len(data))
	}

	d := NewCentralDirectory()
	for i := 0; i < int(count); i++ {
		start := 4 + i*CentralDirEntrySize
		d.AddEntry(decodeCentralDirEntry(data[start : start+CentralDirEntrySize]))
	}
	return d, nil
}

// FileLayout tracks the sequential chaining of region offsets as each
// region's size becomes known during Finalize.
type FileLayout struct {
	HeaderSize       uint64
	HeapStart        uint64
	CentralDirOffset uint64
	IndexOffset      uint64
	SignaturesOffset uint64
	FileSize         uint64
}

func NewFileLayout() FileLayout {
	return FileLayout{HeaderSize: HeaderSize, HeapStart: HeaderSize}
}

func (l FileLayout) AfterHeap(heapSize uint64) FileLayout {
	l.CentralDirOffset = l.HeapStart + heapSize
	return l
}

func (l FileLayout) AfterCentralDir(centralDirSize uint64) FileLayout {
	l.IndexOffset = l.CentralDirOffset + centralDirSize
	return l
}

func (l FileLayout) AfterIndex(indexSize uint64) FileLayout {
	l.SignaturesOffset = l.IndexOffset + indexSize
	return l
}

func (l FileLayout) AfterSignatures(signaturesSize uint64) FileLayout {
	l.FileSize = l.SignaturesOffset + signaturesSize
	return l
}

// UpdateHeader writes the computed offsets back into h.
func (l FileLayout) UpdateHeader(h *Header) {
	h.HeapStart = l.HeapStart
	h.CentralDirOffset = l.CentralDirOffset
	h.IndexOffset = l.IndexOffset
	h.SignaturesOffset = l.SignaturesOffset
	h.FileSize = l.FileSize
}
