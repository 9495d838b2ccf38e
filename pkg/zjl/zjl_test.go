package zjl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/metanode/core/pkg/coreerr"
)

func TestHeapArena_AllocateFreeReuse(t *testing.T) {
	a := NewHeapArena(1000)

	off1 := a.Allocate(100, BlockTypeJSONObject, 1)
	require.EqualValues(t, 1000, off1)

	off2 := a.Allocate(100, BlockTypeJSONObject, 2)
	require.EqualValues(t, 1100, off2)

	require.NoError(t, a.Free(off1))
	off3 := a.Allocate(50, BlockTypeJSONObject, 3)
	require.EqualValues(t, 1000, off3, "first-fit should reuse the freed block")

	b, ok := a.Block(off3)
	require.True(t, ok)
	require.EqualValues(t, 50, b.Size)
}

func TestHeapArena_FreeRejectsDirectoried(t *testing.T) {
	a := NewHeapArena(0)
	off := a.Allocate(10, BlockTypeJSONObject, 1)
	a.MarkDirectoried(off)

	err := a.Free(off)
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.InvalidInput))
}

func TestHeapArena_CoalescesAdjacentFreeBlocks(t *testing.T) {
	a := NewHeapArena(0)
	o1 := a.Allocate(10, BlockTypeJSONObject, 1)
	o2 := a.Allocate(10, BlockTypeJSONObject, 1)
	o3 := a.Allocate(10, BlockTypeJSONObject, 1)

	require.NoError(t, a.Free(o1))
	require.NoError(t, a.Free(o2))
	require.NoError(t, a.Free(o3))

	require.Len(t, a.freeList, 1)
	require.EqualValues(t, 30, a.freeList[0].Size)
}

func TestFileLayout_ChainsOffsetsSequentially(t *testing.T) {
	layout := NewFileLayout().
		AfterHeap(1000).
		AfterCentralDir(200).
		AfterIndex(100).
		AfterSignatures(300)

	require.EqualValues(t, 160, layout.HeapStart)
	require.EqualValues(t, 1160, layout.CentralDirOffset)
	require.EqualValues(t, 1360, layout.IndexOffset)
	require.EqualValues(t, 1460, layout.SignaturesOffset)
	require.EqualValues(t, 1760, layout.FileSize)
}

func TestHeaderRoundTrip(t *testing.T) {
	h := NewHeader()
	h.CentralDirOffset = 5000
	h.IndexOffset = 6000
	h.SignaturesOffset = 7000
	h.FileSize = 8000

	enc := h.Encode()
	got, err := DecodeHeader(enc[:])
	require.NoError(t, err)
	require.Equal(t, h.Version, got.Version)
	require.Equal(t, h.FileUUID, got.FileUUID)
	require.Equal(t, h.CentralDirOffset, got.CentralDirOffset)
	require.Equal(t, h.FileSize, got.FileSize)
}

func TestDecodeHeader_RejectsBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	_, err := DecodeHeader(buf)
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.Integrity))
}

func TestCentralDirectory_RoundTripAndLookup(t *testing.T) {
	d := NewCentralDirectory()
	d.AddEntry(CentralDirEntry{BlockOffset: 160, BlockType: BlockTypeJSONObject, PathID: 1, CompressedLen: 10, UncompressedLen: 10})
	d.AddEntry(CentralDirEntry{BlockOffset: 234, BlockType: BlockTypeSecondRoot, PathID: 1, CompressedLen: 32, UncompressedLen: 32})
	d.AddEntry(CentralDirEntry{BlockOffset: 330, BlockType: BlockTypeJSONObject, PathID: 2, CompressedLen: 5, UncompressedLen: 5})

	require.Len(t, d.FindByPath(1), 2)
	require.Len(t, d.FindByType(BlockTypeJSONObject), 2)

	raw := d.ToBytes()
	require.Len(t, raw, 4+3*CentralDirEntrySize)

	d2, err := CentralDirectoryFromBytes(raw)
	require.NoError(t, err)
	require.Equal(t, d.Len(), d2.Len())
	require.Equal(t, d.entries, d2.entries)
}

func TestCentralDirectoryFromBytes_RejectsBadLength(t *testing.T) {
	_, err := CentralDirectoryFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.Integrity))
}

func TestBPlusTreeIndex_InsertLookup(t *testing.T) {
	idx := NewBPlusTreeIndex()
	idx.Insert(7, 0)
	idx.Insert(7, 3)
	idx.Insert(9, 1)

	require.Equal(t, []uint32{0, 3}, idx.Lookup(7))
	require.Equal(t, []uint32{1}, idx.Lookup(9))
	require.Nil(t, idx.Lookup(42))
}

func TestWriter_WriteBlockAndFinalizeRoundTrip(t *testing.T) {
	w := NewWriter()

	off1, err := w.WriteBlock([]byte(`{"hello":"world"}`), BlockTypeJSONObject, 1)
	require.NoError(t, err)

	off2, err := w.WriteBlock([]byte("some second payload"), BlockTypeSecondRoot, 2)
	require.NoError(t, err)
	require.Greater(t, off2, off1)

	image, err := w.Finalize([]byte("signature-bundle-bytes"))
	require.NoError(t, err)

	header, dir, err := ReadFile(image)
	require.NoError(t, err)
	require.EqualValues(t, FileVersion, header.Version)
	require.EqualValues(t, 2, dir.Len())

	bh1, payload1, err := ReadBlock(image, off1)
	require.NoError(t, err)
	require.Equal(t, BlockTypeJSONObject, bh1.Type)
	require.Equal(t, []byte(`{"hello":"world"}`), payload1)

	bh2, payload2, err := ReadBlock(image, off2)
	require.NoError(t, err)
	require.Equal(t, BlockTypeSecondRoot, bh2.Type)
	require.Equal(t, []byte("some second payload"), payload2)

	require.EqualValues(t, len(image), header.FileSize)
}

func TestReadBlock_DetectsTamperedPayload(t *testing.T) {
	w := NewWriter()
	off, err := w.WriteBlock([]byte("original"), BlockTypeJSONObject, 1)
	require.NoError(t, err)
	image, err := w.Finalize(nil)
	require.NoError(t, err)

	// flip a byte inside the payload region.
	image[off+BlockHeaderSize] ^= 0xFF

	_, _, err = ReadBlock(image, off)
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.Integrity))
}
