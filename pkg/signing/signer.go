package signing

import (
	"crypto/rand"
	"fmt"
	"io"

	cose "github.com/veraison/go-cose"

	"github.com/metanode/core/pkg/coreerr"
)

// Signer produces COSE_Sign1 signatures over ZJL headers and other
// byte payloads via a KMS-held key.
type Signer struct {
	kms          KMS
	defaultKeyID string
}

func NewSigner(kms KMS, defaultKeyID string) *Signer {
	return &Signer{kms: kms, defaultKeyID: defaultKeyID}
}

// kmsSigner adapts a KMS key to go-cose's Signer interface: the actual
// private-key operation stays inside the KMS, never handed to the caller.
type kmsSigner struct {
	kms   KMS
	keyID string
}

func (s kmsSigner) Algorithm() cose.Algorithm { return cose.AlgorithmEdDSA }

func (s kmsSigner) Sign(_ io.Reader, content []byte) ([]byte, error) {
	return s.kms.Sign(s.keyID, content)
}

// SignData produces a COSE_Sign1 message over data using keyID (or the
// signer's default key if keyID is empty).
func (s *Signer) SignData(data []byte, keyID string) (*cose.Sign1Message, error) {
	if keyID == "" {
		keyID = s.defaultKeyID
	}

	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(cose.AlgorithmEdDSA)
	msg.Headers.Protected[cose.HeaderLabelKeyID] = []byte(keyID)
	msg.Payload = data

	if err := msg.Sign(rand.Reader, nil, kmsSigner{kms: s.kms, keyID: keyID}); err != nil {
		return nil, fmt.Errorf("cose sign: %w", err)
	}
	return msg, nil
}

// kmsVerifier adapts a KMS-resolved public key to go-cose's Verifier.
type kmsVerifier struct {
	pub PublicKey
}

func (v kmsVerifier) Algorithm() cose.Algorithm { return cose.AlgorithmEdDSA }

func (v kmsVerifier) Verify(content, signature []byte) error {
	if !v.pub.VerifySignature(content, signature) {
		return fmt.Errorf("%w: ed25519 verification failed", coreerr.InvalidSignature)
	}
	return nil
}

// Verify checks a COSE_Sign1 message's signature against the KMS's
// current public key for keyID, rejecting with coreerr.KeyRevoked if
// keyID has been revoked; distinct from a plain coreerr.InvalidSignature,
// since a revoked key may have produced an otherwise-valid signature.
func Verify(kms KMS, keyID string, msg *cose.Sign1Message) error {
	if kms.IsRevoked(keyID) {
		return fmt.Errorf("%w: key %q", coreerr.KeyRevoked, keyID)
	}
	pub, err := kms.PublicKeyFor(keyID)
	if err != nil {
		return err
	}
	return msg.Verify(nil, kmsVerifier{pub: pub})
}
