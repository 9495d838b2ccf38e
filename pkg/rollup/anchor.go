package rollup

import (
	"encoding/binary"
	"fmt"

	"github.com/metanode/core/pkg/coreerr"
	"github.com/metanode/core/pkg/hashing"
)

// Anchor is the externally-submittable payload form: a short byte
// string any external chain can witness. Transport is out of scope;
// the core only produces the bytes.
type Anchor struct {
	Version   uint8
	SuiteTag  uint8
	Level     Level
	Timestamp uint64
	Root      [hashing.Size]byte
}

// AnchorVersion is the current anchor payload format version.
const AnchorVersion uint8 = 1

// anchorSize is 1+1+1+8+32 bytes, little-endian throughout.
const anchorSize = 43

// Encode serializes the anchor to its fixed 43-byte wire form.
func (a Anchor) Encode() []byte {
	out := make([]byte, anchorSize)
	out[0] = a.Version
	out[1] = a.SuiteTag
	out[2] = byte(a.Level)
	binary.LittleEndian.PutUint64(out[3:11], a.Timestamp)
	copy(out[11:], a.Root[:])
	return out
}

// DecodeAnchor reverses Encode.
func DecodeAnchor(data []byte) (Anchor, error) {
	if len(data) != anchorSize {
		return Anchor{}, fmt.Errorf("%w: anchor payload must be %d bytes, got %d", coreerr.InvalidInput, anchorSize, len(data))
	}
	a := Anchor{
		Version:   data[0],
		SuiteTag:  data[1],
		Level:     Level(data[2]),
		Timestamp: binary.LittleEndian.Uint64(data[3:11]),
	}
	copy(a.Root[:], data[11:])
	return a, nil
}
