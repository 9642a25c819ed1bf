package scheme

import (
	"context"
	"time"

	"lukechampine.com/blake3"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/internal/proof"
	"github.com/zmlAEQ/datachain/pkg/logger"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

// DeriveHandle binds a ciphertext to (program, submitter):
// blake3(program || submitter || ciphertext).
func DeriveHandle(program domain.ProgramID, submitter domain.Principal, ciphertext []byte) domain.Handle {
	h := blake3.New(32, nil)
	_, _ = h.Write(program[:])
	_, _ = h.Write(submitter.Bytes())
	_, _ = h.Write(ciphertext)
	var out domain.Handle
	copy(out[:], h.Sum(nil))
	return out
}

// Input is the result of encrypting one payload.
type Input struct {
	Handle     domain.Handle `json:"handle"`
	Ciphertext []byte        `json:"ciphertext"`
	Proof      []byte        `json:"proof"`
}

// InputService is the scheme's input endpoint: it encrypts a payload for one
// (program, submitter) pair, stores the ciphertext and issues the input
// proof the ledger verifies on submit.
type InputService struct {
	program domain.ProgramID
	engine  Engine
	signer  *proof.Signer
	vault   Vault
}

func NewInputService(program domain.ProgramID, e Engine, s *proof.Signer, v Vault) *InputService {
	return &InputService{program: program, engine: e, signer: s, vault: v}
}

func (s *InputService) Program() domain.ProgramID { return s.program }

func (s *InputService) Encrypt(ctx context.Context, submitter domain.Principal, plaintext []byte) (Input, error) {
	begin := time.Now()
	in, err := s.encrypt(ctx, submitter, plaintext)
	res := "ok"
	if err != nil { res = "error" }
	metrics.Inc("scheme_inputs_total", map[string]string{"result": res})
	fields := map[string]any{"op": "encrypt", "result": res, "latency_ms": time.Since(begin).Milliseconds()}
	if err != nil {
		fields["err"] = err.Error()
		logger.ErrorJ("scheme_input", fields)
	} else {
		fields["handle"] = in.Handle.String()
		logger.InfoJ("scheme_input", fields)
	}
	return in, err
}

func (s *InputService) encrypt(ctx context.Context, submitter domain.Principal, plaintext []byte) (Input, error) {
	if _, err := domain.ParsePrincipal(string(submitter)); err != nil { return Input{}, err }
	rec := Record{Program: s.program, Submitter: submitter}
	ct, err := s.engine.Encrypt(rec.aad(), plaintext)
	if err != nil { return Input{}, err }
	rec.Ciphertext = ct
	rec.Handle = DeriveHandle(s.program, submitter, ct)
	if err := s.vault.Put(ctx, rec); err != nil { return Input{}, err }
	pf, err := s.signer.Sign(s.program, submitter, rec.Handle)
	if err != nil { return Input{}, err }
	return Input{Handle: rec.Handle, Ciphertext: ct, Proof: pf}, nil
}
