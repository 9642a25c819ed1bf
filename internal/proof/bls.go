package proof

import (
	"crypto/rand"
	"errors"

	blst "github.com/supranational/blst/bindings/go"
)

// Signer is the input verifier's signing key (the scheme side). The ledger
// only ever holds the public half.
type Signer struct {
	sk *blst.SecretKey
	pk []byte
}

// NewSigner derives a signing key from ikm (at least 32 bytes).
func NewSigner(ikm []byte) (*Signer, error) {
	if len(ikm) < 32 {
		return nil, errors.New("ikm must be at least 32 bytes")
	}
	sk := blst.KeyGen(ikm)
	if sk == nil {
		return nil, errors.New("keygen failed")
	}
	pk := new(blst.P1Affine).From(sk).Compress()
	return &Signer{sk: sk, pk: pk}, nil
}

// GenerateSigner creates a signer from fresh randomness.
func GenerateSigner() (*Signer, error) {
	ikm := make([]byte, 32)
	if _, err := rand.Read(ikm); err != nil {
		return nil, err
	}
	s, err := NewSigner(ikm)
	for i := range ikm {
		ikm[i] = 0
	}
	return s, err
}

// PublicKey returns the 48-byte compressed G1 public key.
func (s *Signer) PublicKey() []byte {
	out := make([]byte, len(s.pk))
	copy(out, s.pk)
	return out
}

// SignRaw signs msg under DST and returns the compressed G2 signature.
func (s *Signer) SignRaw(msg []byte) [SigSize]byte {
	var out [SigSize]byte
	sig := new(blst.P2Affine).Sign(s.sk, msg, DST)
	copy(out[:], sig.Compress())
	return out
}

// verifySig checks a compressed signature against a compressed public key.
// A signature that is not a valid subgroup point is reported separately so
// callers can tell malformed input from a binding failure.
func verifySig(pk []byte, sig []byte, msg []byte) (valid bool, wellFormed bool) {
	pkAff := new(blst.P1Affine).Uncompress(pk)
	if pkAff == nil {
		return false, true
	}
	sigAff := new(blst.P2Affine).Uncompress(sig)
	if sigAff == nil || !sigAff.SigValidate(false) {
		return false, false
	}
	return sigAff.Verify(false, pkAff, true, msg, DST), true
}

// ValidPublicKey reports whether pk is a usable compressed G1 key.
func ValidPublicKey(pk []byte) bool {
	a := new(blst.P1Affine).Uncompress(pk)
	return a != nil && a.KeyValidate()
}
