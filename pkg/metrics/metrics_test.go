package metrics

import (
	"strings"
	"testing"
)

func TestInc_DumpProm(t *testing.T) {
	Reset()
	Inc("ledger_ops_total", map[string]string{"op": "purchase", "result": "ok"})
	Inc("ledger_ops_total", map[string]string{"op": "purchase", "result": "ok"})
	Inc("ledger_ops_total", map[string]string{"op": "claim", "result": "ok"})
	dump := DumpProm()
	if !strings.Contains(dump, `ledger_ops_total{op="purchase",result="ok"} 2`) {
		t.Fatalf("missing purchase counter in %q", dump)
	}
	if !strings.Contains(dump, `ledger_ops_total{op="claim",result="ok"} 1`) {
		t.Fatalf("missing claim counter in %q", dump)
	}
}

func TestGauge_SetAndAdd(t *testing.T) {
	Reset()
	SetGauge("relayer_inflight", nil, 3)
	AddGauge("relayer_inflight", nil, -1)
	if dump := DumpProm(); !strings.Contains(dump, "relayer_inflight 2") {
		t.Fatalf("want gauge 2, got %q", dump)
	}
}

func TestLabelSetFixedOnFirstUse(t *testing.T) {
	Reset()
	Inc("proof_admit_total", map[string]string{"result": "ok"})
	// extra label is dropped rather than panicking
	Inc("proof_admit_total", map[string]string{"result": "ok", "extra": "x"})
	if dump := DumpProm(); !strings.Contains(dump, `proof_admit_total{result="ok"} 2`) {
		t.Fatalf("got %q", dump)
	}
}

func TestObserveSummary(t *testing.T) {
	Reset()
	ObserveSummary("relayer_oracle_ms", map[string]string{"result": "ok"}, 12)
	if dump := DumpProm(); !strings.Contains(dump, `relayer_oracle_ms_count{result="ok"} 1`) {
		t.Fatalf("got %q", dump)
	}
}

func TestValue(t *testing.T) {
	Reset()
	Add("escrow_claimed_units_total", map[string]string{"result": "ok"}, 500)
	SetGauge("ledger_seq", nil, 42)
	if v, ok := Value("escrow_claimed_units_total", map[string]string{"result": "ok"}); !ok || v != 500 {
		t.Fatalf("counter = %v %v", v, ok)
	}
	if v, ok := Value("ledger_seq", nil); !ok || v != 42 {
		t.Fatalf("gauge = %v %v", v, ok)
	}
	if _, ok := Value("escrow_claimed_units_total", map[string]string{"result": "error"}); ok {
		t.Fatalf("unexpected series")
	}
}
