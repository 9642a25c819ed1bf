package audit

import (
	"errors"
	"fmt"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/pkg/logger"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

// ErrLagging means the journal and the ledger were not at the same Seq
// when compared; the check should simply be retried later.
var ErrLagging = errors.New("audit: journal not caught up with ledger")

// LedgerView is the live state a journal is checked against.
// *ledger.Ledger satisfies it.
type LedgerView interface {
	Seq() uint64
	Balances() map[domain.Principal]uint64
	AllEntitlements() []domain.Entitlement
}

// Verify replays j and compares the result with v.
func Verify(j *Journal, v LedgerView) ([]Mismatch, error) {
	before := v.Seq()
	bal, ents := v.Balances(), v.AllEntitlements()
	if v.Seq() != before {
		metrics.Inc("audit_verify_total", map[string]string{"result": "lagging"})
		return nil, ErrLagging
	}
	evs, err := j.ReadAll()
	if err != nil {
		metrics.Inc("audit_verify_total", map[string]string{"result": "error"})
		return nil, err
	}
	rc, err := Replay(evs)
	if err != nil {
		metrics.Inc("audit_verify_total", map[string]string{"result": "error"})
		return nil, err
	}
	if rc.Seq != before {
		metrics.Inc("audit_verify_total", map[string]string{"result": "lagging"})
		return nil, fmt.Errorf("%w: journal %d, ledger %d", ErrLagging, rc.Seq, before)
	}
	d := rc.Compare(bal, ents)
	metrics.SetGauge("audit_mismatches", nil, int64(len(d)))
	if len(d) > 0 {
		metrics.Inc("audit_verify_total", map[string]string{"result": "mismatch"})
		logger.ErrorJ("audit_verify", map[string]any{"result": "mismatch", "seq": before, "mismatches": d})
		return d, nil
	}
	metrics.Inc("audit_verify_total", map[string]string{"result": "ok"})
	return nil, nil
}
