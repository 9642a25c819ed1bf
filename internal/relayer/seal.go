package relayer

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/zmlAEQ/datachain/internal/domain"
)

// Sealed is a plaintext encrypted to one request's session key as a NaCl
// anonymous box (ephemeral X25519 sender, XSalsa20-Poly1305). The handle is
// sealed in front of the plaintext and checked on open.
type Sealed struct {
	Box []byte `json:"box"`
}

var errOpen = errors.New("sealed box does not open")

// NewSessionKey returns a fresh X25519 key pair.
func NewSessionKey() (priv, pub []byte, err error) {
	p, s, err := box.GenerateKey(rand.Reader)
	if err != nil { return nil, nil, err }
	defer wipe(s[:])
	return append([]byte(nil), s[:]...), append([]byte(nil), p[:]...), nil
}

func key32(b []byte) (*[32]byte, bool) {
	if len(b) != 32 { return nil, false }
	var k [32]byte
	copy(k[:], b)
	return &k, true
}

// SealForSession encrypts pt to sessionPub. The framed copy of pt is zeroed
// before returning.
func SealForSession(pt domain.Plaintext, sessionPub []byte, h domain.Handle) (Sealed, error) {
	pub, ok := key32(sessionPub)
	if !ok { return Sealed{}, errors.New("session key must be 32 bytes") }
	msg := make([]byte, 0, len(h)+len(pt))
	msg = append(append(msg, h[:]...), pt...)
	defer wipe(msg)
	out, err := box.SealAnonymous(nil, msg, pub, rand.Reader)
	if err != nil { return Sealed{}, err }
	return Sealed{Box: out}, nil
}

// OpenSealed is the client half of SealForSession.
func OpenSealed(sessionPriv []byte, s Sealed, h domain.Handle) (domain.Plaintext, error) {
	priv, ok := key32(sessionPriv)
	if !ok { return nil, errOpen }
	defer wipe(priv[:])
	pubRaw, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil { return nil, err }
	pub, _ := key32(pubRaw)
	msg, ok := box.OpenAnonymous(nil, s.Box, pub, priv)
	if !ok || len(msg) < len(h) { return nil, errOpen }
	if subtle.ConstantTimeCompare(msg[:len(h)], h[:]) != 1 {
		wipe(msg)
		return nil, errOpen
	}
	return domain.Plaintext(msg[len(h):]), nil
}

func wipe(b []byte) {
	for i := range b { b[i] = 0 }
}
