package signing

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	cose "github.com/veraison/go-cose"

	"github.com/metanode/core/pkg/coreerr"
)

// BundleEntry is one signature in a SignatureBundle: the raw COSE_Sign1
// bytes plus the provenance a verifier needs without decoding them
// first (purpose, signer identity, key id). Provenance travels here,
// alongside the COSE bytes, rather than inside a COSE unprotected
// header; one canonical place to read it, and the signed bytes stay
// minimal. PrevKeyID, when set, chains this entry to the previous one
// by its key id.
type BundleEntry struct {
	COSEBytes []byte `cbor:"1,keyasint"`
	Purpose   string `cbor:"2,keyasint"`
	Signer    string `cbor:"3,keyasint"`
	KeyID     string `cbor:"4,keyasint"`
	PrevKeyID string `cbor:"5,keyasint,omitempty"`
}

// SignatureBundle is the ordered list of COSE_Sign1 envelopes written
// into a ZJL file's signature region. Entries are append-only; each may
// reference its predecessor by key id, forming a chain of signatures.
type SignatureBundle struct {
	Entries    []BundleEntry `cbor:"1,keyasint"`
	CreatedAtS int64         `cbor:"2,keyasint"`
}

// NewSignatureBundle starts an empty bundle stamped with the current
// time.
func NewSignatureBundle() *SignatureBundle {
	return &SignatureBundle{CreatedAtS: time.Now().Unix()}
}

// Append signs data with keyID through s and adds the resulting
// COSE_Sign1 to the bundle. The new entry's PrevKeyID is set to the
// previous entry's KeyID, so the bundle carries its chain implicitly.
func (b *SignatureBundle) Append(s *Signer, data []byte, keyID, purpose, signerName string) error {
	msg, err := s.SignData(data, keyID)
	if err != nil {
		return err
	}
	raw, err := msg.MarshalCBOR()
	if err != nil {
		return fmt.Errorf("encoding cose message: %w", err)
	}
	if keyID == "" {
		keyID = s.defaultKeyID
	}

	entry := BundleEntry{COSEBytes: raw, Purpose: purpose, Signer: signerName, KeyID: keyID}
	if len(b.Entries) > 0 {
		entry.PrevKeyID = b.Entries[len(b.Entries)-1].KeyID
	}
	b.Entries = append(b.Entries, entry)
	return nil
}

// Verify checks every entry in the bundle against kms: the COSE
// signature itself, that the entry's declared key id matches the one in
// the envelope's protected header, and that the key-id chain is intact.
// The first failing entry aborts verification.
func (b *SignatureBundle) Verify(kms KMS) error {
	for i, entry := range b.Entries {
		var msg cose.Sign1Message
		if err := msg.UnmarshalCBOR(entry.COSEBytes); err != nil {
			return fmt.Errorf("%w: bundle entry %d is not a COSE_Sign1: %v", coreerr.Integrity, i, err)
		}

		kid, ok := msg.Headers.Protected[cose.HeaderLabelKeyID].([]byte)
		if !ok || string(kid) != entry.KeyID {
			return fmt.Errorf("%w: bundle entry %d key id does not match envelope", coreerr.Integrity, i)
		}

		if i > 0 && entry.PrevKeyID != b.Entries[i-1].KeyID {
			return fmt.Errorf("%w: bundle entry %d breaks the key-id chain", coreerr.Integrity, i)
		}

		if err := Verify(kms, entry.KeyID, &msg); err != nil {
			return fmt.Errorf("bundle entry %d (%s): %w", i, entry.Purpose, err)
		}
	}
	return nil
}

// Encode serializes the bundle to the CBOR form the ZJL signature
// region stores.
func (b *SignatureBundle) Encode() ([]byte, error) {
	return cbor.Marshal(b)
}

// DecodeSignatureBundle reverses Encode.
func DecodeSignatureBundle(data []byte) (*SignatureBundle, error) {
	var b SignatureBundle
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: decoding signature bundle: %v", coreerr.Integrity, err)
	}
	return &b, nil
}
