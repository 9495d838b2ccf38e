package zjl

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/metanode/core/pkg/coreerr"
)

// HeaderSize is the fixed size, in bytes, of the ZJL file header.
const HeaderSize = 160

var magic = [4]byte{'Z', 'J', 'L', '1'}

// FileVersion is the current format version.
const FileVersion uint16 = 1

// Header is the fixed 160-byte region at the start of every ZJL file.
type Header struct {
	Version           uint16
	FileUUID          uuid.UUID
	HeapStart         uint64
	CentralDirOffset  uint64
	IndexOffset       uint64
	SignaturesOffset  uint64
	FileSize          uint64
}

// NewHeader builds a header with placeholder offsets (all zero except
// HeapStart), as written when a file is first created.
func NewHeader() Header {
	return Header{
		Version:   FileVersion,
		FileUUID:  uuid.New(),
		HeapStart: HeaderSize,
	}
}

// Encode serializes the header to exactly HeaderSize bytes, little-endian.
func (h Header) Encode() [HeaderSize]byte {
	var out [HeaderSize]byte
	copy(out[0:4], magic[:])
	binary.LittleEndian.PutUint16(out[4:6], h.Version)
	copy(out[6:22], h.FileUUID[:])
	binary.LittleEndian.PutUint64(out[22:30], h.HeapStart)
	binary.LittleEndian.PutUint64(out[30:38], h.CentralDirOffset)
	binary.LittleEndian.PutUint64(out[38:46], h.IndexOffset)
	binary.LittleEndian.PutUint64(out[46:54], h.SignaturesOffset)
	binary.LittleEndian.PutUint64(out[54:62], h.FileSize)
	// out[62:160] is reserved, left zero.
	return out
}

// DecodeHeader parses a HeaderSize-byte buffer. Fails with
// coreerr.Integrity if the magic bytes don't match.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("%w: header must be %d bytes, got %d", coreerr.Integrity, HeaderSize, len(buf))
	}
	if string(buf[0:4]) != string(magic[:]) {
		return Header{}, fmt.Errorf("%w: bad magic", coreerr.Integrity)
	}

	var h Header
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	copy(h.FileUUID[:], buf[6:22])
	h.HeapStart = binary.LittleEndian.Uint64(buf[22:30])
	h.CentralDirOffset = binary.LittleEndian.Uint64(buf[30:38])
	h.IndexOffset = binary.LittleEndian.Uint64(buf[38:46])
	h.SignaturesOffset = binary.LittleEndian.Uint64(buf[46:54])
	h.FileSize = binary.LittleEndian.Uint64(buf[54:62])
	return h, nil
}

// BlockType tags the logical kind of a heap block.
type BlockType uint8

const (
	BlockTypeJSONObject BlockType = iota + 1
	BlockTypeJSONArray
	BlockTypeJSONString
	BlockTypePad
	BlockTypeSecondRoot
	BlockTypeMinuteRoot
	BlockTypeHourRoot
	BlockTypeDayRoot
	BlockTypeSignature
	BlockTypeCheckpoint
)

// BlockHeaderSize is the fixed, 64-byte, per-block header preceding each
// block's payload in the heap arena.
const BlockHeaderSize = 64

// BlockHeader precedes every block's payload bytes in the heap arena.
type BlockHeader struct {
	Type             BlockType
	PathID           uint64
	CompressedLen    uint32
	UncompressedLen  uint32
	ContentHash      [32]byte
	Flags            uint8
}

func (b BlockHeader) Encode() [BlockHeaderSize]byte {
	var out [BlockHeaderSize]byte
	out[0] = byte(b.Type)
	binary.LittleEndian.PutUint64(out[1:9], b.PathID)
	binary.LittleEndian.PutUint32(out[9:13], b.CompressedLen)
	binary.LittleEndian.PutUint32(out[13:17], b.UncompressedLen)
	copy(out[17:49], b.ContentHash[:])
	out[49] = b.Flags
	return out
}

func DecodeBlockHeader(buf []byte) (BlockHeader, error) {
	if len(buf) != BlockHeaderSize {
		return BlockHeader{}, fmt.Errorf("%w: block header must be %d bytes", coreerr.Integrity, BlockHeaderSize)
	}
	var b BlockHeader
	b.Type = BlockType(buf[0])
	b.PathID = binary.LittleEndian.Uint64(buf[1:9])
	b.CompressedLen = binary.LittleEndian.Uint32(buf[9:13])
	b.UncompressedLen = binary.LittleEndian.Uint32(buf[13:17])
	copy(b.ContentHash[:], buf[17:49])
	b.Flags = buf[49]
	return b, nil
}
