// Package wire defines what nodes gossip to each other.
package wire

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zmlAEQ/datachain/internal/domain"
)

// Topic names for pubsub channels (stable identifiers).
const (
	TopicLedger  = "datachain/ledger/v1"
	TopicDecrypt = "datachain/decrypt-audit/v1"
)

// Envelope kinds.
const (
	KindLedger  = "ledger"
	KindDecrypt = "decrypt"
)

// MaxMessageSize bounds one encoded envelope.
const MaxMessageSize = 64 << 10

var (
	ErrTooLarge     = errors.New("wire: message too large")
	ErrUnknownKind  = errors.New("wire: unknown kind")
	ErrBadSignature = errors.New("wire: bad origin signature")
)

// Envelope carries one exported record. Node is the origin's principal and
// Sig its ed25519 signature over SigningBytes.
type Envelope struct {
	Node    domain.Principal `json:"node"`
	Kind    string           `json:"kind"`
	Seq     uint64           `json:"seq,omitempty"`
	TraceID string           `json:"trace_id,omitempty"`
	Body    json.RawMessage  `json:"body"`
	Sig     []byte           `json:"sig,omitempty"`
}

// TopicFor maps a kind to its topic.
func TopicFor(kind string) (string, error) {
	switch kind {
	case KindLedger:
		return TopicLedger, nil
	case KindDecrypt:
		return TopicDecrypt, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func (e Envelope) SigningBytes() []byte {
	b := make([]byte, 0, 32+len(e.Kind)+len(e.Body))
	b = append(b, "DATACHAIN-GOSSIP-V1"...)
	b = append(b, e.Node...)
	b = append(b, 0)
	b = append(b, e.Kind...)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint64(b, e.Seq)
	return append(b, e.Body...)
}

// Seal sets Node and Sig from priv.
func (e *Envelope) Seal(priv ed25519.PrivateKey) {
	e.Node = domain.PrincipalOf(priv.Public().(ed25519.PublicKey))
	e.Sig = ed25519.Sign(priv, e.SigningBytes())
}

// Verify checks kind and origin signature.
func (e Envelope) Verify() error {
	if _, err := TopicFor(e.Kind); err != nil { return err }
	pub, err := e.Node.PublicKey()
	if err != nil { return fmt.Errorf("%w: %v", ErrBadSignature, err) }
	if !ed25519.Verify(pub, e.SigningBytes(), e.Sig) { return ErrBadSignature }
	return nil
}

// Encode marshals e, refusing oversized messages.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil { return nil, err }
	if len(b) > MaxMessageSize { return nil, ErrTooLarge }
	return b, nil
}

func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if len(b) > MaxMessageSize { return e, ErrTooLarge }
	if err := json.Unmarshal(b, &e); err != nil { return e, err }
	return e, nil
}

// LedgerEvent decodes the body of a ledger envelope.
func (e Envelope) LedgerEvent() (domain.Event, error) {
	var ev domain.Event
	if e.Kind != KindLedger { return ev, fmt.Errorf("%w: %q is not a ledger envelope", ErrUnknownKind, e.Kind) }
	if err := json.Unmarshal(e.Body, &ev); err != nil { return ev, err }
	if ev.Seq != e.Seq { return ev, fmt.Errorf("wire: seq %d does not match body seq %d", e.Seq, ev.Seq) }
	return ev, nil
}
