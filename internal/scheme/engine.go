package scheme

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

// Engine encrypts payloads bound to additional data. Decrypt failures on
// authentication surface as ErrIntegrity.
type Engine interface {
	Encrypt(aad, msg []byte) ([]byte, error)
	Decrypt(aad, ciphertext []byte) ([]byte, error)
}

// gcmEngine is AES-256-GCM keyed from opaque key material. Output is
// nonce || sealed.
type gcmEngine struct {
	aead cipher.AEAD
}

// NewEngine hashes key to a 32-byte AES key. Empty key material yields a
// disabled engine.
func NewEngine(key []byte) Engine {
	if len(key) == 0 { return noopEngine{} }
	sum := sha256.Sum256(key)
	a, err := newAESGCM(sum[:])
	zero(sum[:])
	if err != nil { return noopEngine{} }
	return gcmEngine{aead: a}
}

func (e gcmEngine) Encrypt(aad, msg []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil { return nil, err }
	out := make([]byte, 0, len(nonce)+len(msg)+e.aead.Overhead())
	out = append(out, nonce...)
	return e.aead.Seal(out, nonce, msg, aad), nil
}

func (e gcmEngine) Decrypt(aad, ciphertext []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() { return nil, errors.Join(ErrIntegrity, errors.New("ciphertext too short")) }
	pt, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], aad)
	if err != nil { return nil, errors.Join(ErrIntegrity, err) }
	return pt, nil
}

type noopEngine struct{}

func (noopEngine) Encrypt([]byte, []byte) ([]byte, error) { return nil, ErrNotEnabled }
func (noopEngine) Decrypt([]byte, []byte) ([]byte, error) { return nil, ErrNotEnabled }

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil { return nil, err }
	return cipher.NewGCM(block)
}

// zero clears b in place (best effort).
func zero(b []byte) {
	for i := range b { b[i] = 0 }
}
