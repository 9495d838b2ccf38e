// file.go assembles the full ZJL file: write the header with placeholder
// offsets, accumulate heap blocks, and on Finalize write the central
// directory, index, and signature region before rewriting the header
// with true offsets and file size.
package zjl

import (
	"bytes"
	"fmt"

	"github.com/metanode/core/pkg/coreerr"
	"github.com/metanode/core/pkg/hashing"
)

// Writer accumulates heap blocks in memory and produces a complete ZJL
// file image on Finalize. Signing is decoupled: callers compute the
// signature-bundle bytes with pkg/signing over the central-directory
// bytes this Writer exposes (CentralDirectoryBytes), then pass them into
// Finalize. Header bytes are not exposed before Finalize.
type Writer struct {
	header Header
	heap   *HeapArena
	dir    *CentralDirectory
	index  *BPlusTreeIndex
	buf    bytes.Buffer
}

// NewWriter starts a new file image.
func NewWriter() *Writer {
	return &Writer{
		header: NewHeader(),
		heap:   NewHeapArena(HeaderSize),
		dir:    NewCentralDirectory(),
		index:  NewBPlusTreeIndex(),
	}
}

// WriteBlock allocates space for payload in the heap arena, writes its
// block header and payload, and records a central-directory entry. The
// entry's index in the central directory is also indexed by path_id in
// the B+-tree stub.
func (w *Writer) WriteBlock(payload []byte, blockType BlockType, pathID uint64) (uint64, error) {
	contentHash := hashing.Hash(hashing.DomainContent, payload)

	total := uint64(BlockHeaderSize + len(payload))
	offset := w.heap.Allocate(total, blockType, pathID)

	bh := BlockHeader{
		Type:            blockType,
		PathID:          pathID,
		CompressedLen:   uint32(len(payload)),
		UncompressedLen: uint32(len(payload)),
		ContentHash:     contentHash,
	}

	// The arena bump-allocates sequentially in the writer's usage pattern
	// (blocks are never freed before their directory entry is written),
	// so appending to buf in allocation order keeps buf's offsets
	// consistent with the arena's.
	if uint64(w.buf.Len())+HeaderSize != offset {
		return 0, fmt.Errorf("%w: non-sequential heap write not supported by Writer", coreerr.InvalidInput)
	}
	encHeader := bh.Encode()
	w.buf.Write(encHeader[:])
	w.buf.Write(payload)

	entryIdx := uint32(w.dir.Len())
	w.dir.AddEntry(CentralDirEntry{
		BlockOffset:     offset,
		BlockType:       blockType,
		PathID:          pathID,
		ContentHash:     contentHash,
		CompressedLen:   bh.CompressedLen,
		UncompressedLen: bh.UncompressedLen,
	})
	w.index.Insert(pathID, entryIdx)
	w.heap.MarkDirectoried(offset)

	return offset, nil
}

// CentralDirectoryBytes exposes the would-be central-directory bytes so
// a caller can sign them before Finalize commits the final layout.
func (w *Writer) CentralDirectoryBytes() []byte {
	return w.dir.ToBytes()
}

// Finalize writes the central directory, the index, then the provided
// signature bundle bytes, and rewrites the header with the true offsets
// and file size. Returns the complete file image.
func (w *Writer) Finalize(signatureBundle []byte) ([]byte, error) {
	layout := NewFileLayout().AfterHeap(w.heap.Size() - HeaderSize)

	cdBytes := w.dir.ToBytes()
	layout = layout.AfterCentralDir(uint64(len(cdBytes)))

	idxBytes := w.index.ToBytes()
	layout = layout.AfterIndex(uint64(len(idxBytes)))

	layout = layout.AfterSignatures(uint64(len(signatureBundle)))
	layout.UpdateHeader(&w.header)

	headerBytes := w.header.Encode()

	out := make([]byte, 0, layout.FileSize)
	out = append(out, headerBytes[:]...)
	out = append(out, w.buf.Bytes()...)
	out = append(out, cdBytes...)
	out = append(out, idxBytes...)
	out = append(out, signatureBundle...)

	if uint64(len(out)) != layout.FileSize {
		return nil, fmt.Errorf("%w: assembled file size %d does not match computed %d", coreerr.Integrity, len(out), layout.FileSize)
	}
	return out, nil
}

// ReadFile parses a complete ZJL file image back into its header and
// central directory (the heap payloads are retrievable by re-reading the
// block header + payload at each entry's BlockOffset).
func ReadFile(data []byte) (Header, *CentralDirectory, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: file shorter than header", coreerr.Integrity)
	}
	h, err := DecodeHeader(data[:HeaderSize])
	if err != nil {
		return Header{}, nil, err
	}
	if h.IndexOffset < h.CentralDirOffset || uint64(len(data)) < h.IndexOffset {
		return Header{}, nil, fmt.Errorf("%w: corrupt region offsets", coreerr.Integrity)
	}
	cd, err := CentralDirectoryFromBytes(data[h.CentralDirOffset:h.IndexOffset])
	if err != nil {
		return Header{}, nil, err
	}
	return h, cd, nil
}

// ReadBlock reads a block's header and payload at offset from a complete
// file image, verifying the payload's content hash.
func ReadBlock(data []byte, offset uint64) (BlockHeader, []byte, error) {
	if uint64(len(data)) < offset+BlockHeaderSize {
		return BlockHeader{}, nil, fmt.Errorf("%w: truncated block header", coreerr.Integrity)
	}
	bh, err := DecodeBlockHeader(data[offset : offset+BlockHeaderSize])
	if err != nil {
		return BlockHeader{}, nil, err
	}
	payloadStart := offset + BlockHeaderSize
	payloadEnd := payloadStart + uint64(bh.CompressedLen)
	if uint64(len(data)) < payloadEnd {
		return BlockHeader{}, nil, fmt.Errorf("%w: truncated block payload", coreerr.Integrity)
	}
	payload := data[payloadStart:payloadEnd]

	if hashing.Hash(hashing.DomainContent, payload) != bh.ContentHash {
		return BlockHeader{}, nil, fmt.Errorf("%w: block content hash mismatch", coreerr.Integrity)
	}
	return bh, payload, nil
}
