package scheme

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/internal/proof"
)

var prog = domain.ProgramID{0x11}

func principal(seed byte) domain.Principal {
	var sd [32]byte
	sd[0] = seed
	return domain.PrincipalOf(ed25519.NewKeyFromSeed(sd[:]).Public().(ed25519.PublicKey))
}

func newInput(t *testing.T, v Vault) (*InputService, Engine, *proof.Signer) {
	t.Helper()
	s, err := proof.NewSigner([]byte("scheme-test-input-verifier-ikm-0123456789"))
	if err != nil { t.Fatalf("signer: %v", err) }
	e := NewEngine([]byte("engine-key"))
	return NewInputService(prog, e, s, v), e, s
}

func TestEngine_RoundTripAndTamper(t *testing.T) {
	e := NewEngine([]byte("k"))
	ct, err := e.Encrypt([]byte("aad"), []byte("hello"))
	if err != nil { t.Fatalf("encrypt: %v", err) }
	pt, err := e.Decrypt([]byte("aad"), ct)
	if err != nil || string(pt) != "hello" { t.Fatalf("decrypt: %q %v", pt, err) }
	if _, err := e.Decrypt([]byte("other"), ct); !errors.Is(err, ErrIntegrity) { t.Fatalf("aad: %v", err) }
	ct[len(ct)-1] ^= 1
	if _, err := e.Decrypt([]byte("aad"), ct); !errors.Is(err, ErrIntegrity) { t.Fatalf("tamper: %v", err) }
	if _, err := NewEngine(nil).Encrypt(nil, nil); !errors.Is(err, ErrNotEnabled) { t.Fatalf("noop: %v", err) }
}

func TestInput_ProofVerifiesAndOracleDecrypts(t *testing.T) {
	v := NewMemoryVault()
	in, e, s := newInput(t, v)
	sub := principal(1)
	res, err := in.Encrypt(context.Background(), sub, []byte("blood type O+"))
	if err != nil { t.Fatalf("encrypt: %v", err) }
	if res.Handle != DeriveHandle(prog, sub, res.Ciphertext) { t.Fatalf("handle not derived from ciphertext") }
	ver, _ := proof.NewVerifier(prog, s.PublicKey())
	if err := ver.Verify(res.Handle, res.Proof, sub); err != nil { t.Fatalf("proof: %v", err) }

	o := NewLocalOracle(v, e)
	pt, err := o.Decrypt(context.Background(), res.Handle, DecryptContext{Program: prog, Requester: principal(2)})
	if err != nil || string(pt) != "blood type O+" { t.Fatalf("decrypt: %q %v", pt, err) }
	if _, err := o.Decrypt(context.Background(), domain.Handle{9}, DecryptContext{Program: prog}); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("unknown: %v", err)
	}
	if _, err := o.Decrypt(context.Background(), res.Handle, DecryptContext{Program: domain.ProgramID{2}}); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("program: %v", err)
	}
}

func TestOracle_CorruptCiphertextIsIntegrity(t *testing.T) {
	v := NewMemoryVault()
	in, e, _ := newInput(t, v)
	sub := principal(1)
	res, _ := in.Encrypt(context.Background(), sub, []byte("x"))
	// a second engine with a different key stands in for a broken scheme
	o := NewLocalOracle(v, NewEngine([]byte("wrong")))
	if _, err := o.Decrypt(context.Background(), res.Handle, DecryptContext{Program: prog}); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("want integrity, got %v", err)
	}
	_ = e
}

func TestFileVault_PersistsAndDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	v := NewFileVault(dir)
	in, e, _ := newInput(t, v)
	res, err := in.Encrypt(context.Background(), principal(1), []byte("payload"))
	if err != nil { t.Fatalf("encrypt: %v", err) }

	v2 := NewFileVault(dir)
	pt, err := NewLocalOracle(v2, e).Decrypt(context.Background(), res.Handle, DecryptContext{Program: prog})
	if err != nil || string(pt) != "payload" { t.Fatalf("reload: %q %v", pt, err) }

	p := filepath.Join(dir, res.Handle.String()+".rec")
	b, _ := os.ReadFile(p)
	b[len(b)-3] ^= 0xff
	_ = os.WriteFile(p, b, 0o600)
	if _, err := v2.Get(context.Background(), res.Handle); !errors.Is(err, ErrIntegrity) { t.Fatalf("want integrity, got %v", err) }
	if _, err := v2.Get(context.Background(), domain.Handle{7}); !errors.Is(err, ErrUnknownHandle) { t.Fatalf("missing: %v", err) }
}

func TestKeyStore_CreateReloadSealed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.key")
	wrap := bytes.Repeat([]byte{0xab}, 32)
	ks := NewKeyStoreSealed(path, append([]byte(nil), wrap...))
	k1, err := ks.LoadOrCreate(context.Background())
	if err != nil || len(k1) != 32 { t.Fatalf("create: %v len=%d", err, len(k1)) }
	k2, err := NewKeyStoreSealed(path, append([]byte(nil), wrap...)).LoadOrCreate(context.Background())
	if err != nil || !bytes.Equal(k1, k2) { t.Fatalf("reload mismatch: %v", err) }
	// unsealed reader cannot open a sealed key, and must not overwrite it
	if _, err := NewKeyStore(path).LoadOrCreate(context.Background()); err == nil { t.Fatalf("want error without wrapping key") }
}

func TestKeyStore_BackupFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.key")
	ks := NewKeyStore(path)
	ctx := context.Background()
	_ = ks.Save(ctx, []byte("first-key"))
	_ = ks.Save(ctx, []byte("second-key"))
	_ = os.WriteFile(path, []byte("garbage"), 0o600)
	k, err := ks.Load(ctx)
	if err != nil || string(k) != "first-key" { t.Fatalf("fallback: %q %v", k, err) }
}

func TestKeyStore_FromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.key")
	t.Setenv("DATACHAIN_KEYSTORE_KEY", hex.EncodeToString(bytes.Repeat([]byte{1}, 32)))
	ks := NewKeyStoreFromEnv(path)
	if ks.aead == nil { t.Fatalf("env key not applied") }
	if _, err := ks.LoadOrCreate(context.Background()); err != nil { t.Fatalf("create: %v", err) }
}

func TestHTTPOracle_StatusMapping(t *testing.T) {
	v := NewMemoryVault()
	in, e, s := newInput(t, v)
	res, _ := in.Encrypt(context.Background(), principal(1), []byte("secret"))
	h := NewOracleHandler(NewLocalOracle(v, e), in, Info{Program: prog, InputVerifier: hex.EncodeToString(s.PublicKey())}, "tok")
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	o := &HTTPOracle{BaseURL: srv.URL, Token: "tok", Timeout: time.Second}
	ctx := context.Background()
	pt, err := o.Decrypt(ctx, res.Handle, DecryptContext{Program: prog, Requester: principal(2), RequestID: "r1"})
	if err != nil || string(pt) != "secret" { t.Fatalf("decrypt: %q %v", pt, err) }
	if _, err := o.Decrypt(ctx, domain.Handle{5}, DecryptContext{Program: prog}); !errors.Is(err, ErrUnknownHandle) { t.Fatalf("404: %v", err) }
	if _, err := o.Decrypt(ctx, res.Handle, DecryptContext{Program: domain.ProgramID{3}}); !errors.Is(err, ErrIntegrity) { t.Fatalf("422: %v", err) }
	info, err := o.Info(ctx)
	if err != nil || info.Program != prog { t.Fatalf("info: %+v %v", info, err) }
	got, err := o.Encrypt(ctx, principal(4), []byte("remote"))
	if err != nil || got.Handle.IsZero() || len(got.Proof) != proof.Size { t.Fatalf("remote encrypt: %+v %v", got, err) }

	bad := &HTTPOracle{BaseURL: srv.URL, Token: "nope"}
	if _, err := bad.Decrypt(ctx, res.Handle, DecryptContext{Program: prog}); err == nil { t.Fatalf("want auth error") }
}

func TestHTTPOracle_UnavailableOnTimeoutAnd5xx(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	o := &HTTPOracle{BaseURL: slow.URL, Timeout: 50 * time.Millisecond}
	if _, err := o.Decrypt(context.Background(), domain.Handle{1}, DecryptContext{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("timeout: %v", err)
	}
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(503) }))
	defer down.Close()
	o = &HTTPOracle{BaseURL: down.URL}
	if _, err := o.Decrypt(context.Background(), domain.Handle{1}, DecryptContext{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("503: %v", err)
	}
}
