package domain

import (
	"errors"
	"net/http"
)

// Rejection errors: deterministic, caller-fixable, state left unchanged.
var (
	ErrContextMismatch     = errors.New("proof bound to a different program or submitter")
	ErrMalformedProof      = errors.New("malformed proof")
	ErrDuplicateHandle     = errors.New("handle already admitted")
	ErrNotOwner            = errors.New("caller is not the listing owner")
	ErrInvalidPrice        = errors.New("invalid price")
	ErrListingActive       = errors.New("listed entry must be unlisted before replacement")
	ErrListingGone         = errors.New("listing no longer for sale")
	ErrInsufficientPayment = errors.New("payment below price")
	ErrOverPayment         = errors.New("payment above price")
	ErrNotEntitled         = errors.New("requester not entitled to handle")
	ErrUnknownHandle       = errors.New("unknown handle")
	ErrSelfPurchase        = errors.New("owner cannot purchase own listing")
	ErrReplayedPurchase    = errors.New("purchase nonce already used")
	ErrNotFound            = errors.New("not found")
	ErrInvalidCategory     = errors.New("invalid category")
	ErrInvalidPrincipal    = errors.New("invalid principal")
	ErrBadRequestProof     = errors.New("invalid request proof")
	ErrRateLimited         = errors.New("rate limited")
)

// Transient errors: safe for the client to retry with backoff.
var (
	ErrOracleUnavailable = errors.New("decryption oracle unavailable")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)

// Fatal errors: surfaced immediately, never retried.
var (
	ErrOracleRejected = errors.New("decryption oracle rejected ciphertext")
	ErrStorageCorrupt = errors.New("ledger storage corrupt")
)

// ErrorKind classifies an error for retry and alerting decisions.
type ErrorKind string

const (
	KindNone      ErrorKind = ""
	KindRejection ErrorKind = "rejection"
	KindTransient ErrorKind = "transient"
	KindFatal     ErrorKind = "fatal"
	KindInternal  ErrorKind = "internal"
)

var codes = []struct {
	err    error
	code   string
	kind   ErrorKind
	status int
}{
	{ErrContextMismatch, "context_mismatch", KindRejection, http.StatusUnprocessableEntity},
	{ErrMalformedProof, "malformed_proof", KindRejection, http.StatusUnprocessableEntity},
	{ErrDuplicateHandle, "duplicate_handle", KindRejection, http.StatusConflict},
	{ErrNotOwner, "not_owner", KindRejection, http.StatusForbidden},
	{ErrInvalidPrice, "invalid_price", KindRejection, http.StatusUnprocessableEntity},
	{ErrListingActive, "listing_active", KindRejection, http.StatusConflict},
	{ErrListingGone, "listing_gone", KindRejection, http.StatusConflict},
	{ErrInsufficientPayment, "insufficient_payment", KindRejection, http.StatusPaymentRequired},
	{ErrOverPayment, "over_payment", KindRejection, http.StatusPaymentRequired},
	{ErrNotEntitled, "not_entitled", KindRejection, http.StatusForbidden},
	{ErrUnknownHandle, "unknown_handle", KindRejection, http.StatusNotFound},
	{ErrSelfPurchase, "self_purchase", KindRejection, http.StatusConflict},
	{ErrReplayedPurchase, "replayed_purchase", KindRejection, http.StatusConflict},
	{ErrNotFound, "not_found", KindRejection, http.StatusNotFound},
	{ErrInvalidCategory, "invalid_category", KindRejection, http.StatusUnprocessableEntity},
	{ErrInvalidPrincipal, "invalid_principal", KindRejection, http.StatusUnprocessableEntity},
	{ErrBadRequestProof, "bad_request_proof", KindRejection, http.StatusUnauthorized},
	{ErrRateLimited, "rate_limited", KindTransient, http.StatusTooManyRequests},
	{ErrOracleUnavailable, "oracle_unavailable", KindTransient, http.StatusServiceUnavailable},
	{ErrLedgerUnavailable, "ledger_unavailable", KindTransient, http.StatusServiceUnavailable},
	{ErrOracleRejected, "oracle_rejected", KindFatal, http.StatusBadGateway},
	{ErrStorageCorrupt, "storage_corrupt", KindFatal, http.StatusInternalServerError},
}

// HTTPStatus maps err to the status code the HTTP surfaces answer with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// Code returns a stable snake_case code for err ("ok" for nil, "internal"
// for anything outside the taxonomy).
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// Kind classifies err.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.kind
		}
	}
	return KindInternal
}

// FromCode maps a wire code back to its sentinel; unknown codes yield nil.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
