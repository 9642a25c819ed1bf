// Package proof implements input proofs: evidence from the encryption
// scheme's input verifier that a ciphertext handle was produced for one
// (program, submitter) pair. A proof is a fixed-size binary record carrying
// the bound context and a BLS12-381 signature over it.
package proof

import (
	"bytes"
	"fmt"

	"github.com/zmlAEQ/datachain/internal/domain"
)

// Wire layout (big-endian, fixed size):
// [magic 4]["DCIP"][version u8][program 32][submitter 32][handle 32][sig 96]
const (
	Version    byte = 1
	SigSize         = 96
	headerSize      = 4 + 1
	bodySize        = 32 + 32 + 32
	Size            = headerSize + bodySize + SigSize
)

var magic = []byte("DCIP")

// DST is the domain separation tag for input proof signatures.
var DST = []byte("DATACHAIN-INPUT-V1_BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_")

// Proof is the decoded form of an input proof.
type Proof struct {
	Program   domain.ProgramID
	Submitter [32]byte
	Handle    domain.Handle
	Sig       [SigSize]byte
}

// Message is the byte string the input verifier signs.
func Message(program domain.ProgramID, submitter []byte, h domain.Handle) []byte {
	out := make([]byte, 0, bodySize)
	out = append(out, program[:]...)
	out = append(out, submitter...)
	out = append(out, h[:]...)
	return out
}

// Encode serialises p into its wire form.
func (p Proof) Encode() []byte {
	out := make([]byte, 0, Size)
	out = append(out, magic...)
	out = append(out, Version)
	out = append(out, p.Program[:]...)
	out = append(out, p.Submitter[:]...)
	out = append(out, p.Handle[:]...)
	out = append(out, p.Sig[:]...)
	return out
}

// Decode parses raw. Any structural problem yields domain.ErrMalformedProof.
func Decode(raw []byte) (Proof, error) {
	var p Proof
	if len(raw) != Size {
		return p, fmt.Errorf("%w: length %d", domain.ErrMalformedProof, len(raw))
	}
	if !bytes.Equal(raw[:4], magic) {
		return p, fmt.Errorf("%w: bad magic", domain.ErrMalformedProof)
	}
	if raw[4] != Version {
		return p, fmt.Errorf("%w: version %d", domain.ErrMalformedProof, raw[4])
	}
	off := headerSize
	copy(p.Program[:], raw[off:off+32]); off += 32
	copy(p.Submitter[:], raw[off:off+32]); off += 32
	copy(p.Handle[:], raw[off:off+32]); off += 32
	copy(p.Sig[:], raw[off:off+SigSize])
	return p, nil
}
