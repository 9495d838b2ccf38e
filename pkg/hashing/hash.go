// Package hashing implements the domain-separated hash primitive shared by
// every other component: H(domain_tag || len(payload) || payload). The
// one-byte tag keeps leaves, internal nodes, receipts, checkpoints and
// file headers from ever colliding even when their raw bytes coincide.
package hashing

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

// Size is the digest length in bytes for every domain hash in the core.
const Size = 32

// Domain tags. Each is a single distinct byte. Some tags serve more than
// one use: DomainMerkleLeaf also tags VRF outputs and slashing-evidence
// hashes, DomainMerkleInternal the proposer seed chain, DomainCheckpoint
// placeholder PQ signatures, and DomainContent placeholder PQ public keys.
const (
	DomainMerkleLeaf     byte = 0x01
	DomainMerkleInternal byte = 0x02
	DomainReceipt        byte = 0x03
	DomainAnchor         byte = 0x04
	DomainCheckpoint     byte = 0x05
	DomainFileHeader     byte = 0x06
	DomainBlockHeader    byte = 0x07
	DomainAppendLogCksum byte = 0x08
	DomainContent        byte = 0x09
	DomainKeyDerive      byte = 0x0A
)

// Hash computes H(domain || len(payload) || payload) using BLAKE3, returning
// a 32-byte digest. The length prefix keeps concatenation unambiguous.
func Hash(domain byte, payload []byte) [Size]byte {
	h := blake3.New(Size, nil)
	h.Write([]byte{domain})
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	h.Write(lenBuf[:])
	h.Write(payload)
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashSlice is a convenience wrapper returning a []byte instead of [Size]byte.
func HashSlice(domain byte, payload []byte) []byte {
	out := Hash(domain, payload)
	return out[:]
}

// HashConcat hashes several parts as if they had been concatenated, still
// under a single domain tag and a length prefix per part so that
// HashConcat(d, "ab", "c") cannot collide with HashConcat(d, "a", "bc").
func HashConcat(domain byte, parts ...[]byte) [Size]byte {
	h := blake3.New(Size, nil)
	h.Write([]byte{domain})
	for _, p := range parts {
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Hash64 returns a truncated 8-byte (uint64) digest, used for the
// append-log's non-Merkle, non-consensus checksum field. BLAKE3 keeps
// the checksum identical across platforms and process restarts.
func Hash64(domain byte, parts ...[]byte) uint64 {
	full := HashConcat(domain, parts...)
	return binary.LittleEndian.Uint64(full[:8])
}
