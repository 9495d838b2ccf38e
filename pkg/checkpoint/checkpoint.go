// Package checkpoint implements Component I, the checkpoint
// certificate engine: periodic quorum-signed commitments to a
// finalized block header, exported into pkg/rollup as a top-level
// Checkpoint-tagged receipt, with optional hybrid post-quantum dual
// signatures and external anchor-payload emission.
//
// The classical half of a certificate's signature is a BLS aggregate
// over pkg/crypto/bls, signed per-validator through a bls.KMS so that
// revoking one validator's key fails new certificates with
// coreerr.KeyRevoked rather than silently degrading the signing set.
package checkpoint

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/metanode/core/pkg/coreerr"
	"github.com/metanode/core/pkg/crypto/bls"
	"github.com/metanode/core/pkg/crypto/pq"
	"github.com/metanode/core/pkg/hashing"
	"github.com/metanode/core/pkg/ibft"
	"github.com/metanode/core/pkg/rollup"
)

// CryptoSuite identifies which signature scheme(s) a certificate
// carries (security.crypto_suite).
type CryptoSuite uint8

const (
	SuiteEd25519 CryptoSuite = iota
	SuiteBLS
	SuiteHybridPQ
)

func (s CryptoSuite) String() string {
	switch s {
	case SuiteEd25519:
		return "Ed25519"
	case SuiteBLS:
		return "BLS"
	case SuiteHybridPQ:
		return "Hybrid-PQ"
	default:
		return "Unknown"
	}
}

// Certificate is a quorum-signed commitment to one finalized block
// header, created every checkpoints.interval blocks.
type Certificate struct {
	Height             uint64
	Round              uint32 // the finalizing round of Height, carried so two certificates differing only in round hash differently
	HeaderHash         [hashing.Size]byte
	StateRoot          [hashing.Size]byte
	PayloadRoot        [hashing.Size]byte
	AggregateSignature []byte
	ValidatorBitmap    []bool
	TimestampS         int64
	CryptoSuiteTag     CryptoSuite

	// PQSignature is populated only when CryptoSuiteTag == SuiteHybridPQ;
	// the certificate then carries two independent signatures.
	PQSignature pq.Signature
	PQKeyID     string
}

// ComputeHash is the certificate's own domain-separated digest,
// deterministic over every field except itself.
func (c Certificate) ComputeHash() [hashing.Size]byte {
	var hBuf [8]byte
	var rBuf [4]byte
	var tsBuf [8]byte
	for i := 0; i < 8; i++ {
		hBuf[i] = byte(c.Height >> (8 * i))
		tsBuf[i] = byte(c.TimestampS >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		rBuf[i] = byte(c.Round >> (8 * i))
	}
	bitmapBytes := make([]byte, len(c.ValidatorBitmap))
	for i, b := range c.ValidatorBitmap {
		if b {
			bitmapBytes[i] = 1
		}
	}
	return hashing.HashConcat(hashing.DomainCheckpoint,
		hBuf[:], rBuf[:], c.HeaderHash[:], c.StateRoot[:], c.PayloadRoot[:],
		c.AggregateSignature, bitmapBytes, tsBuf[:], []byte{byte(c.CryptoSuiteTag)},
		c.PQSignature[:], []byte(c.PQKeyID))
}

// Options configures an Engine.
type Options struct {
	Interval           uint64 // checkpoints.interval: blocks per checkpoint
	Suite              CryptoSuite
	PQMigrationEnabled bool // security.pq_migration_enabled
	ExternalAnchoring  bool // checkpoints.external_anchoring
	Logger             *log.Logger
}

// Engine builds and retains checkpoint certificates as blocks
// finalize, exporting each into a rollup.Manager and, when configured,
// emitting external anchor payloads.
type Engine struct {
	opts Options
	log  *log.Logger

	blsKMS  bls.KMS // keyID == validator node_id
	pqKMS   pq.KMS
	pqKeyID string

	mu      sync.Mutex
	history []Certificate
	blocksSinceLast uint64
}

// NewEngine constructs a checkpoint Engine. blsKMS supplies each
// validator's BLS signing key, keyed by node_id; every certificate's
// classical signature is a BLS aggregate signed through it, whatever
// Suite is set to (SuiteEd25519 changes only the certificate's tag, and
// no Ed25519 signatures are produced). pqKMS (may be nil unless
// Suite==SuiteHybridPQ or PQMigrationEnabled) supplies the post-quantum
// half under pqKeyID.
func NewEngine(opts Options, blsKMS bls.KMS, pqKMS pq.KMS, pqKeyID string) *Engine {
	if opts.Interval == 0 {
		opts.Interval = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[Checkpoint] ", log.LstdFlags)
	}
	return &Engine{opts: opts, log: logger, blsKMS: blsKMS, pqKMS: pqKMS, pqKeyID: pqKeyID}
}

// OnFinalize is designed to be passed as an ibft.Engine's onFinalize
// hook, or called directly by a caller driving finalization itself. It
// counts blocks and, every Interval blocks, builds and appends a new
// certificate.
func (e *Engine) OnFinalize(fb ibft.FinalizedBlock, prop ibft.Proposal, vs *ibft.ValidatorSet, stateRoot [hashing.Size]byte, timestampS int64, mgr *rollup.Manager) (*Certificate, error) {
	e.mu.Lock()
	e.blocksSinceLast++
	due := e.blocksSinceLast >= e.opts.Interval
	if due {
		e.blocksSinceLast = 0
	}
	e.mu.Unlock()

	if !due {
		return nil, nil
	}

	cert, err := e.build(fb, prop, vs, stateRoot, timestampS)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.history = append(e.history, cert)
	e.mu.Unlock()

	if mgr != nil {
		if err := mgr.AddReceipt(rollup.MicroReceipt{
			TimestampNS: cert.TimestampS * 1_000_000_000,
			EventType:   "checkpoint",
			VMID:        fmt.Sprintf("height-%d", cert.Height),
			PayloadHash: cert.ComputeHash(),
		}); err != nil {
			e.log.Printf("warn: failed to export checkpoint at height %d into rollup manager: %v", cert.Height, err)
		}
	}

	return &cert, nil
}

func (e *Engine) build(fb ibft.FinalizedBlock, prop ibft.Proposal, vs *ibft.ValidatorSet, stateRoot [hashing.Size]byte, timestampS int64) (Certificate, error) {
	quorum := vs.Quorum()

	headerHash := hashing.HashConcat(hashing.DomainBlockHeader, fb.Hash[:])

	bitmap := make([]bool, len(vs.Validators))
	sigs := make([]*bls.Signature, 0, len(vs.Validators))
	var signedStake uint64

	for i, v := range vs.Validators {
		sig, err := e.blsKMS.Sign(v.NodeID, bls.DomainCheckpoint, headerHash[:])
		if err != nil {
			if errors.Is(err, coreerr.KeyRevoked) {
				return Certificate{}, fmt.Errorf("%w: validator %q BLS key revoked, refusing checkpoint at height %d", coreerr.KeyRevoked, v.NodeID, fb.Height)
			}
			// coreerr.NotFound: this validator's key was never loaded
			// into the engine's KMS; it simply contributes no stake.
			continue
		}
		sigs = append(sigs, sig)
		bitmap[i] = true
		signedStake += v.Stake
	}

	if signedStake < quorum {
		return Certificate{}, fmt.Errorf("%w: checkpoint at height %d only %d/%d required stake signed", coreerr.InsufficientValidators, fb.Height, signedStake, quorum)
	}

	aggSig, err := bls.AggregateSignatures(sigs)
	if err != nil {
		return Certificate{}, fmt.Errorf("aggregating checkpoint signatures: %w", err)
	}

	cert := Certificate{
		Height:          fb.Height,
		Round:           fb.Round,
		HeaderHash:      headerHash,
		StateRoot:       stateRoot,
		PayloadRoot:     prop.PayloadDigest,
		AggregateSignature: aggSig.Bytes(),
		ValidatorBitmap: bitmap,
		TimestampS:      timestampS,
		CryptoSuiteTag:  e.opts.Suite,
	}

	if e.opts.Suite == SuiteHybridPQ || e.opts.PQMigrationEnabled {
		if e.pqKMS == nil {
			return Certificate{}, fmt.Errorf("%w: Hybrid-PQ suite configured but no PQ KMS supplied", coreerr.InvalidInput)
		}
		sig, err := e.pqKMS.Sign(e.pqKeyID, headerHash[:])
		if err != nil {
			return Certificate{}, err
		}
		cert.CryptoSuiteTag = SuiteHybridPQ
		cert.PQSignature = sig
		cert.PQKeyID = e.pqKeyID
	}

	return cert, nil
}

// LoadValidatorKeys builds a bls.KMS suitable for NewEngine's blsKMS
// argument, keyed by node_id, loading or deriving each validator's key
// via bls.LoadOrDeriveKey. When keyDir is non-empty, keys are
// persisted under keyDir/<nodeID>.key and reused across restarts
// instead of being re-derived every time.
func LoadValidatorKeys(nodeIDs []string, chainID, keyDir string) (bls.KMS, error) {
	kms := bls.NewInMemoryKMS()
	for _, nodeID := range nodeIDs {
		var keyPath string
		if keyDir != "" {
			keyPath = filepath.Join(keyDir, nodeID+".key")
		}
		sk, err := bls.LoadOrDeriveKey(nodeID, chainID, keyPath)
		if err != nil {
			return nil, fmt.Errorf("loading BLS key for validator %q: %w", nodeID, err)
		}
		if _, err := kms.ImportKey(nodeID, sk); err != nil {
			return nil, fmt.Errorf("importing BLS key for validator %q: %w", nodeID, err)
		}
	}
	return kms, nil
}

// GetCheckpointHistory returns every retained certificate, ordered by
// height.
func (e *Engine) GetCheckpointHistory() []Certificate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Certificate(nil), e.history...)
}

// LatestCheckpoint returns the highest-height certificate retained, or
// false if none yet.
func (e *Engine) LatestCheckpoint() (Certificate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.history) == 0 {
		return Certificate{}, false
	}
	return e.history[len(e.history)-1], true
}

// VerifyBLS checks a certificate's aggregate BLS signature against the
// validator set that was current at the certificate's height, using
// the bitmap to select which public keys to aggregate.
func VerifyBLS(cert Certificate, vs *ibft.ValidatorSet, pubKeys map[string]*bls.PublicKey) (bool, error) {
	if cert.CryptoSuiteTag != SuiteBLS && cert.CryptoSuiteTag != SuiteHybridPQ {
		return false, fmt.Errorf("%w: certificate crypto suite tag %s is not BLS-bearing", coreerr.Unsupported, cert.CryptoSuiteTag)
	}
	sig, err := bls.SignatureFromBytes(cert.AggregateSignature)
	if err != nil {
		return false, err
	}

	var keys []*bls.PublicKey
	for i, v := range vs.Validators {
		if i >= len(cert.ValidatorBitmap) || !cert.ValidatorBitmap[i] {
			continue
		}
		pk, ok := pubKeys[v.NodeID]
		if !ok {
			return false, fmt.Errorf("%w: missing BLS public key for validator %q", coreerr.NotFound, v.NodeID)
		}
		keys = append(keys, pk)
	}

	headerHash := cert.HeaderHash
	return bls.VerifyAggregateSignatureWithDomain(sig, keys, headerHash[:], bls.DomainCheckpoint), nil
}

// VerifyPQ checks a certificate's post-quantum signature half via kms.
// Returns coreerr.Unsupported if the certificate's suite tag isn't one
// this verifier recognizes; never InvalidSignature, so a reader can
// tell "don't know this curve" apart from "forged".
func VerifyPQ(cert Certificate, kms pq.KMS) error {
	if cert.CryptoSuiteTag != SuiteHybridPQ {
		return fmt.Errorf("%w: certificate crypto suite tag %s carries no PQ signature", coreerr.Unsupported, cert.CryptoSuiteTag)
	}
	return kms.Verify(cert.PQKeyID, cert.HeaderHash[:], cert.PQSignature)
}

// AnchorPayload emits the external anchor payload bytes for cert, when
// checkpoints.external_anchoring is enabled. The engine only produces
// the payload; submission to any external chain is out of scope.
func (e *Engine) AnchorPayload(cert Certificate) ([]byte, bool) {
	if !e.opts.ExternalAnchoring {
		return nil, false
	}
	a := rollup.Anchor{
		Version:   rollup.AnchorVersion,
		SuiteTag:  uint8(cert.CryptoSuiteTag),
		Level:     rollup.LevelCheckpoint,
		Timestamp: uint64(cert.TimestampS),
		Root:      cert.ComputeHash(),
	}
	return a.Encode(), true
}
