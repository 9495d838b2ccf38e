// Package audit ties the rollup hierarchy to the on-disk ZJL format:
// every sealed root is appended as a block of the matching type
// (SecondRoot, MinuteRoot, HourRoot, DayRoot, Checkpoint), and on close
// the file's central directory is signed into the signature region
// before the image is persisted through the storage stack. The file
// header is not signed.
package audit

import (
	"fmt"
	"log"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/metanode/core/pkg/coreerr"
	"github.com/metanode/core/pkg/hashing"
	"github.com/metanode/core/pkg/rollup"
	"github.com/metanode/core/pkg/signing"
	"github.com/metanode/core/pkg/storage"
	"github.com/metanode/core/pkg/zjl"
)

// RootBlock is the payload carried by every rollup block in a ZJL file:
// the sealed window's timestamp, how many leaves it committed to, the
// Merkle root, and (minute level and up, when present) the anchor
// transaction payload external systems may submit.
type RootBlock struct {
	Timestamp  int64  `cbor:"1,keyasint"`
	Count      int    `cbor:"2,keyasint"`
	MerkleRoot []byte `cbor:"3,keyasint"`
	AnchorTx   []byte `cbor:"4,keyasint,omitempty"`
}

// Stream accumulates rollup blocks into one ZJL audit file.
type Stream struct {
	writer *zjl.Writer
	signer *signing.Signer
	keyID  string
	nodeID string
	log    *log.Logger

	nextPath uint64
}

// Options configures a Stream.
type Options struct {
	Signer *signing.Signer
	KeyID  string // the KMS key the central directory is signed under
	NodeID string // recorded as the bundle entries' signer identity
	Logger *log.Logger
}

func NewStream(opts Options) *Stream {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[Audit] ", log.LstdFlags)
	}
	return &Stream{
		writer:   zjl.NewWriter(),
		signer:   opts.Signer,
		keyID:    opts.KeyID,
		nodeID:   opts.NodeID,
		log:      logger,
		nextPath: 1,
	}
}

func blockTypeFor(level rollup.Level) (zjl.BlockType, error) {
	switch level {
	case rollup.LevelSecond:
		return zjl.BlockTypeSecondRoot, nil
	case rollup.LevelMinute:
		return zjl.BlockTypeMinuteRoot, nil
	case rollup.LevelHour:
		return zjl.BlockTypeHourRoot, nil
	case rollup.LevelDay:
		return zjl.BlockTypeDayRoot, nil
	case rollup.LevelCheckpoint:
		return zjl.BlockTypeCheckpoint, nil
	default:
		return 0, fmt.Errorf("%w: rollup level %d has no block type", coreerr.InvalidInput, level)
	}
}

// AppendRoot writes one sealed root as a block of the matching type,
// returning the block's heap offset.
func (s *Stream) AppendRoot(level rollup.Level, sr rollup.SealedRoot) (uint64, error) {
	bt, err := blockTypeFor(level)
	if err != nil {
		return 0, err
	}

	rb := RootBlock{
		Timestamp:  sr.BucketKey,
		Count:      sr.LeafCount,
		MerkleRoot: sr.Root[:],
	}
	if sr.AnchorTx != ([hashing.Size]byte{}) {
		rb.AnchorTx = sr.AnchorTx[:]
	}

	payload, err := cbor.Marshal(rb)
	if err != nil {
		return 0, fmt.Errorf("encoding rollup block: %w", err)
	}

	pathID := s.nextPath
	s.nextPath++
	return s.writer.WriteBlock(payload, bt, pathID)
}

// AppendRolled writes every root one ForceRollup pass sealed, lowest
// level first so that each SecondRoot precedes any MinuteRoot covering
// it in the file's insertion order.
func (s *Stream) AppendRolled(r rollup.Rolled) error {
	for _, sr := range r.Seconds {
		if _, err := s.AppendRoot(rollup.LevelSecond, sr); err != nil {
			return err
		}
	}
	for _, sr := range r.Minutes {
		if _, err := s.AppendRoot(rollup.LevelMinute, sr); err != nil {
			return err
		}
	}
	for _, sr := range r.Hours {
		if _, err := s.AppendRoot(rollup.LevelHour, sr); err != nil {
			return err
		}
	}
	for _, sr := range r.Days {
		if _, err := s.AppendRoot(rollup.LevelDay, sr); err != nil {
			return err
		}
	}
	return nil
}

// Finalize signs the central directory into a signature bundle, commits
// the file layout, and returns the complete file image.
func (s *Stream) Finalize() ([]byte, error) {
	var bundleBytes []byte
	if s.signer != nil {
		bundle := signing.NewSignatureBundle()
		if err := bundle.Append(s.signer, s.writer.CentralDirectoryBytes(), s.keyID, "central-dir", s.nodeID); err != nil {
			return nil, fmt.Errorf("signing central directory: %w", err)
		}
		var err error
		bundleBytes, err = bundle.Encode()
		if err != nil {
			return nil, err
		}
	}
	return s.writer.Finalize(bundleBytes)
}

// Persist finalizes the stream and writes the file image into stack
// under key, so the audit file rides the same layered durability path
// as every other value.
func (s *Stream) Persist(stack *storage.Stack, key []byte) ([]byte, error) {
	image, err := s.Finalize()
	if err != nil {
		return nil, err
	}
	if err := stack.Put(key, image); err != nil {
		return nil, fmt.Errorf("persisting audit file: %w", err)
	}
	s.log.Printf("audit file persisted, %d bytes under key %x", len(image), key)
	return image, nil
}

// VerifyImage re-parses a finalized image: header magic and offsets,
// central-directory shape, every block's content hash, and (when a
// bundle is present) the signature region against kms.
func VerifyImage(image []byte, kms signing.KMS) error {
	header, dir, err := zjl.ReadFile(image)
	if err != nil {
		return err
	}
	for _, entry := range dir.Entries() {
		if _, _, err := zjl.ReadBlock(image, entry.BlockOffset); err != nil {
			return err
		}
	}
	if header.SignaturesOffset >= header.FileSize || kms == nil {
		return nil
	}
	raw := image[header.SignaturesOffset:header.FileSize]
	if len(raw) == 0 {
		return nil
	}
	bundle, err := signing.DecodeSignatureBundle(raw)
	if err != nil {
		return err
	}
	return bundle.Verify(kms)
}
