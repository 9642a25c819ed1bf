// Package scheme is the contract between the ledger core and the encryption
// scheme: client-side encryption with input proofs, a ciphertext vault and a
// decryption oracle. The cipher itself is a single-key AES-256-GCM engine
// standing in for the scheme's own cryptography.
package scheme

import "errors"

var (
	// ErrUnavailable means the oracle could not answer in time; retryable.
	ErrUnavailable = errors.New("oracle unavailable")
	// ErrIntegrity means the ciphertext failed the scheme's own checks.
	ErrIntegrity = errors.New("ciphertext integrity check failed")
	// ErrUnknownHandle means the vault holds no ciphertext for the handle.
	ErrUnknownHandle = errors.New("no ciphertext for handle")
	ErrNotEnabled    = errors.New("scheme engine not enabled")
)
