package proof

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

// Verifier checks input proofs for one program instance against the input
// verifier's public key. It is stateless; duplicate handles are the ledger's
// concern because only the ledger knows what has been admitted.
type Verifier struct {
	program domain.ProgramID
	pk      []byte
}

// NewVerifier builds a verifier for program trusting inputPK.
func NewVerifier(program domain.ProgramID, inputPK []byte) (*Verifier, error) {
	if !ValidPublicKey(inputPK) {
		return nil, errors.New("invalid input verifier public key")
	}
	cp := make([]byte, len(inputPK))
	copy(cp, inputPK)
	return &Verifier{program: program, pk: cp}, nil
}

// Program returns the program identity proofs must be bound to.
func (v *Verifier) Program() domain.ProgramID { return v.program }

// Verify checks that raw binds h to (this program, submitter).
func (v *Verifier) Verify(h domain.Handle, raw []byte, submitter domain.Principal) error {
	err := v.verify(h, raw, submitter)
	metrics.Inc("proof_verify_total", map[string]string{"result": domain.Code(err)})
	return err
}

func (v *Verifier) verify(h domain.Handle, raw []byte, submitter domain.Principal) error {
	p, err := Decode(raw)
	if err != nil {
		return err
	}
	sub := submitter.Bytes()
	if sub == nil {
		return domain.ErrInvalidPrincipal
	}
	if p.Program != v.program {
		return fmt.Errorf("%w: program %s", domain.ErrContextMismatch, p.Program)
	}
	if !bytes.Equal(p.Submitter[:], sub) {
		return fmt.Errorf("%w: submitter", domain.ErrContextMismatch)
	}
	if p.Handle != h {
		return fmt.Errorf("%w: handle", domain.ErrContextMismatch)
	}
	ok, wellFormed := verifySig(v.pk, p.Sig[:], Message(p.Program, p.Submitter[:], p.Handle))
	if !wellFormed {
		return fmt.Errorf("%w: signature encoding", domain.ErrMalformedProof)
	}
	if !ok {
		return fmt.Errorf("%w: signature", domain.ErrContextMismatch)
	}
	return nil
}

// Sign produces an encoded proof binding h to (program, submitter).
func (s *Signer) Sign(program domain.ProgramID, submitter domain.Principal, h domain.Handle) ([]byte, error) {
	sub := submitter.Bytes()
	if sub == nil {
		return nil, domain.ErrInvalidPrincipal
	}
	p := Proof{Program: program, Handle: h}
	copy(p.Submitter[:], sub)
	p.Sig = s.SignRaw(Message(program, sub, h))
	return p.Encode(), nil
}
