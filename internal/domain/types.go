// Package domain holds the marketplace vocabulary shared by the ledger, the
// relayer and the HTTP surfaces: principals, ciphertext handles, listings,
// entitlements, receipts and the ledger event record.
package domain

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Principal is a hex-encoded ed25519 public key.
type Principal string

// ParsePrincipal validates and normalises a principal string.
func ParsePrincipal(s string) (Principal, error) {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != ed25519.PublicKeySize {
		return "", ErrInvalidPrincipal
	}
	return Principal(s), nil
}

// PrincipalOf returns the principal for an ed25519 public key.
func PrincipalOf(pub ed25519.PublicKey) Principal {
	return Principal(hex.EncodeToString(pub))
}

// PublicKey decodes the principal back into its verification key.
func (p Principal) PublicKey() (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(string(p))
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, ErrInvalidPrincipal
	}
	return ed25519.PublicKey(b), nil
}

// Bytes returns the raw 32-byte key, or nil for a malformed principal.
func (p Principal) Bytes() []byte {
	pk, err := p.PublicKey()
	if err != nil {
		return nil
	}
	return pk
}

func (p Principal) String() string { return string(p) }

// Handle is an opaque identifier bound to exactly one ciphertext.
type Handle [32]byte

func (h Handle) String() string { return hex.EncodeToString(h[:]) }

func (h Handle) IsZero() bool { return h == Handle{} }

// ParseHandle decodes a 64-char hex handle (optional 0x prefix).
func ParseHandle(s string) (Handle, error) {
	var h Handle
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(b) != len(h) {
		return h, ErrUnknownHandle
	}
	copy(h[:], b)
	return h, nil
}

func (h Handle) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Handle) UnmarshalText(b []byte) error {
	v, err := ParseHandle(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// ProgramID identifies one ledger instance. Input proofs are bound to it.
type ProgramID [32]byte

func (p ProgramID) String() string { return hex.EncodeToString(p[:]) }

func (p ProgramID) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *ProgramID) UnmarshalText(b []byte) error {
	v, err := ParseProgramID(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParseProgramID decodes a 64-char hex program id.
func ParseProgramID(s string) (ProgramID, error) {
	var id ProgramID
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(b) != len(id) {
		return id, errors.New("invalid program id")
	}
	copy(id[:], b)
	return id, nil
}

// Category is the closed set of data categories a listing may carry.
type Category string

const (
	CategoryHealth    Category = "health"
	CategoryFinancial Category = "financial"
	CategoryIdentity  Category = "identity"
)

// Categories lists every valid category in display order.
var Categories = []Category{CategoryHealth, CategoryFinancial, CategoryIdentity}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CategoryHealth, CategoryFinancial, CategoryIdentity:
		return c, nil
	}
	return "", ErrInvalidCategory
}

// ListingID is assigned sequentially by the ledger, starting at 1.
type ListingID uint64

// Listing is one admitted ciphertext offered (or not yet offered) for sale.
// Listings are never deleted; a resubmission supersedes the previous one.
type Listing struct {
	ID           ListingID `json:"id"`
	Owner        Principal `json:"owner"`
	Category     Category  `json:"category"`
	Handle       Handle    `json:"handle"`
	Price        uint64    `json:"price"`
	Listed       bool      `json:"listed"`
	Superseded   bool      `json:"superseded"`
	SupersededBy ListingID `json:"superseded_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Entitlement is a permanent decryption right for one handle.
type Entitlement struct {
	Handle    Handle    `json:"handle"`
	Grantee   Principal `json:"grantee"`
	Seq       uint64    `json:"seq"`
	GrantedAt time.Time `json:"granted_at"`
}

// PurchaseRecord is the append-only audit row written by every settlement.
type PurchaseRecord struct {
	Seq       uint64    `json:"seq"`
	ReceiptID string    `json:"receipt_id"`
	ListingID ListingID `json:"listing_id"`
	Buyer     Principal `json:"buyer"`
	Seller    Principal `json:"seller"`
	Handle    Handle    `json:"handle"`
	Price     uint64    `json:"price"`
	At        time.Time `json:"at"`
	// Nonce is the buyer's one-time purchase key; empty for purchases made
	// without one.
	Nonce string `json:"nonce,omitempty"`
}

// Receipt is returned to the buyer on a successful purchase.
type Receipt struct {
	ID        string    `json:"id"`
	ListingID ListingID `json:"listing_id"`
	Buyer     Principal `json:"buyer"`
	Seller    Principal `json:"seller"`
	Handle    Handle    `json:"handle"`
	Amount    uint64    `json:"amount"`
	Seq       uint64    `json:"seq"`
	At        time.Time `json:"at"`
}

// Plaintext is decrypted payload bytes. Callers own the slice and should
// Wipe it once delivered.
type Plaintext []byte

// Wipe zeroes the buffer in place.
func (p Plaintext) Wipe() {
	for i := range p {
		p[i] = 0
	}
}
