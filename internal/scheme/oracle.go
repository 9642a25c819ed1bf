package scheme

import (
	"context"
	"errors"
	"fmt"

	"github.com/zmlAEQ/datachain/internal/domain"
)

// DecryptContext scopes one oracle call to the request being served.
type DecryptContext struct {
	Program   domain.ProgramID `json:"program"`
	Requester domain.Principal `json:"requester"`
	RequestID string           `json:"request_id"`
}

// Oracle turns a handle into plaintext. It performs no authorisation; the
// relayer checks entitlements before calling it.
type Oracle interface {
	Decrypt(ctx context.Context, h domain.Handle, dc DecryptContext) (domain.Plaintext, error)
}

// LocalOracle decrypts from a vault with an in-process engine.
type LocalOracle struct {
	vault  Vault
	engine Engine
}

func NewLocalOracle(v Vault, e Engine) *LocalOracle { return &LocalOracle{vault: v, engine: e} }

func (o *LocalOracle) Decrypt(ctx context.Context, h domain.Handle, dc DecryptContext) (domain.Plaintext, error) {
	if err := ctx.Err(); err != nil { return nil, errors.Join(ErrUnavailable, err) }
	rec, err := o.vault.Get(ctx, h)
	if err != nil { return nil, err }
	if rec.Program != dc.Program {
		return nil, fmt.Errorf("%w: handle belongs to program %s", ErrIntegrity, rec.Program)
	}
	if DeriveHandle(rec.Program, rec.Submitter, rec.Ciphertext) != h {
		return nil, fmt.Errorf("%w: handle does not match ciphertext", ErrIntegrity)
	}
	pt, err := o.engine.Decrypt(rec.aad(), rec.Ciphertext)
	if errors.Is(err, ErrNotEnabled) { return nil, errors.Join(ErrUnavailable, err) }
	if err != nil { return nil, err }
	return domain.Plaintext(pt), nil
}

var _ Oracle = (*LocalOracle)(nil)
