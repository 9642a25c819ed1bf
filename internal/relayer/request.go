package relayer

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/zmlAEQ/datachain/internal/domain"
)

const requestTag = "DATACHAIN-DECRYPT-V1"

// Request asks for one handle to be decrypted for its signer. SessionKey is
// a one-shot X25519 public key; the plaintext comes back sealed to it, so a
// replayed request is useless to anyone but the session key holder.
type Request struct {
	Handle     domain.Handle    `json:"handle"`
	Requester  domain.Principal `json:"requester"`
	SessionKey []byte           `json:"session_key"`
	IssuedAt   int64            `json:"issued_at"`
	ExpiresAt  int64            `json:"expires_at"`
	Signature  []byte           `json:"signature"`
}

// SigningBytes is the canonical message the requester signs:
// tag | program | handle | requester | session key | issued u64 | expires u64.
func (r Request) SigningBytes(program domain.ProgramID) []byte {
	out := make([]byte, 0, len(requestTag)+32*4+16)
	out = append(out, requestTag...)
	out = append(out, program[:]...)
	out = append(out, r.Handle[:]...)
	out = append(out, r.Requester.Bytes()...)
	out = append(out, r.SessionKey...)
	out = binary.BigEndian.AppendUint64(out, uint64(r.IssuedAt))
	out = binary.BigEndian.AppendUint64(out, uint64(r.ExpiresAt))
	return out
}

// NewRequest builds and signs a request valid for ttl from now.
func NewRequest(priv ed25519.PrivateKey, program domain.ProgramID, h domain.Handle, sessionPub []byte, now time.Time, ttl time.Duration) Request {
	r := Request{
		Handle:     h,
		Requester:  domain.PrincipalOf(priv.Public().(ed25519.PublicKey)),
		SessionKey: append([]byte(nil), sessionPub...),
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
	}
	r.Signature = ed25519.Sign(priv, r.SigningBytes(program))
	return r
}

// Verify checks shape, validity window and signature.
func (r Request) Verify(program domain.ProgramID, now time.Time, maxTTL, skew time.Duration) error {
	pub, err := r.Requester.PublicKey()
	if err != nil { return fmt.Errorf("%w: requester", domain.ErrBadRequestProof) }
	if len(r.SessionKey) != 32 { return fmt.Errorf("%w: session key", domain.ErrBadRequestProof) }
	if r.ExpiresAt <= r.IssuedAt || time.Duration(r.ExpiresAt-r.IssuedAt)*time.Second > maxTTL {
		return fmt.Errorf("%w: validity window", domain.ErrBadRequestProof)
	}
	n := now.Unix()
	if n+int64(skew/time.Second) < r.IssuedAt { return fmt.Errorf("%w: issued in the future", domain.ErrBadRequestProof) }
	if n > r.ExpiresAt { return fmt.Errorf("%w: expired", domain.ErrBadRequestProof) }
	if !ed25519.Verify(pub, r.SigningBytes(program), r.Signature) {
		return fmt.Errorf("%w: signature", domain.ErrBadRequestProof)
	}
	return nil
}
