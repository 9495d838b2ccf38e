// Package coreerr defines the sentinel error kinds shared by every core
// component. Components wrap one of these with fmt.Errorf("...: %w", Kind)
// and callers discriminate with errors.Is, rather than switching on a
// generated error-code enum.
package coreerr

import "errors"

var (
	// Integrity covers checksum mismatches, invalid Merkle proofs, corrupted
	// block headers, and central-directory size mismatches.
	Integrity = errors.New("integrity violation")

	// NotFound covers an absent key, a block missing from a directory, or an
	// unknown validator.
	NotFound = errors.New("not found")

	// InvalidInput covers empty Merkle leaves, out-of-bounds indices, and
	// malformed input where a specific shape is required.
	InvalidInput = errors.New("invalid input")

	// InvalidSignature means a signature did not verify under the named key.
	InvalidSignature = errors.New("invalid signature")

	// KeyRevoked means the operation targeted a key whose material has been
	// crypto-shredded.
	KeyRevoked = errors.New("key revoked")

	// Timeout means a deadline elapsed before the operation completed.
	Timeout = errors.New("timeout")

	// Unsupported means the operation is disallowed by design, not simply
	// unimplemented.
	Unsupported = errors.New("unsupported operation")

	// InsufficientValidators means quorum is unreachable with the current
	// validator set.
	InsufficientValidators = errors.New("insufficient validators for quorum")

	// SafetyViolation means two conflicting finalized blocks were observed
	// at the same height.
	SafetyViolation = errors.New("safety violation: conflicting finalized blocks")

	// IoError covers underlying storage I/O failures.
	IoError = errors.New("io error")

	// Backpressure means a bounded queue is full or a high-water mark was
	// exceeded.
	Backpressure = errors.New("backpressure")
)
