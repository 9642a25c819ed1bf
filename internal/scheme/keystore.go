package scheme

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/zmlAEQ/datachain/pkg/logger"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

const magicKey uint32 = 0x44434b59 // 'DCKY'

// ErrNoKey is returned by Load when neither the key file nor its backup
// can be read.
var ErrNoKey = errors.New("engine key not found")

// KeyStore persists the engine key material. The file can optionally be
// sealed with a 32-byte wrapping key.
type KeyStore struct {
	mu   sync.Mutex
	path string
	aead cipher.AEAD
}

func NewKeyStore(path string) *KeyStore { return &KeyStore{path: path} }

// NewKeyStoreSealed seals the key file with wrap (32 bytes). An invalid
// wrapping key leaves the store unsealed.
func NewKeyStoreSealed(path string, wrap []byte) *KeyStore {
	ks := &KeyStore{path: path}
	if len(wrap) == 32 {
		if a, err := newAESGCM(wrap); err == nil { ks.aead = a }
	}
	zero(wrap)
	return ks
}

// NewKeyStoreFromEnv seals with DATACHAIN_KEYSTORE_KEY (64 hex chars) when set.
func NewKeyStoreFromEnv(path string) *KeyStore {
	if s := os.Getenv("DATACHAIN_KEYSTORE_KEY"); s != "" {
		if b, err := hex.DecodeString(s); err == nil { return NewKeyStoreSealed(path, b) }
		logger.WarnJ("scheme_keystore", map[string]any{"op": "env", "result": "bad_key"})
	}
	return NewKeyStore(path)
}

func (s *KeyStore) Save(_ context.Context, key []byte) error {
	begin := time.Now()
	s.mu.Lock(); defer s.mu.Unlock()
	if err := writeRecord(s.path, magicKey, key, s.aead); err != nil {
		metrics.Inc("scheme_keystore_errors_total", nil)
		logger.ErrorJ("scheme_keystore", map[string]any{"op": "persist", "result": "error", "err": err.Error()})
		return err
	}
	ms := time.Since(begin).Milliseconds()
	metrics.ObserveSummary("scheme_keystore_persist_ms", nil, float64(ms))
	logger.InfoJ("scheme_keystore", map[string]any{"op": "persist", "result": "ok", "latency_ms": ms})
	return nil
}

// Load reads the key, falling back to the .bak copy if the primary file is
// damaged.
func (s *KeyStore) Load(_ context.Context) ([]byte, error) {
	s.mu.Lock(); defer s.mu.Unlock()
	if k, err := readRecord(s.path, magicKey, s.aead); err == nil {
		metrics.Inc("scheme_keystore_recovery_total", map[string]string{"result": "ok"})
		return k, nil
	}
	if k, err := readRecord(s.path+".bak", magicKey, s.aead); err == nil {
		metrics.Inc("scheme_keystore_recovery_total", map[string]string{"result": "fallback"})
		logger.WarnJ("scheme_keystore", map[string]any{"op": "recovery", "result": "fallback"})
		return k, nil
	}
	metrics.Inc("scheme_keystore_recovery_total", map[string]string{"result": "miss"})
	return nil, ErrNoKey
}

// LoadOrCreate returns the stored key, generating and persisting a fresh
// 32-byte key on first use.
func (s *KeyStore) LoadOrCreate(ctx context.Context) ([]byte, error) {
	k, err := s.Load(ctx)
	if err == nil { return k, nil }
	if _, statErr := os.Stat(s.path); statErr == nil {
		// a file exists but is unreadable: never silently replace it
		return nil, err
	}
	k = make([]byte, 32)
	if _, err := rand.Read(k); err != nil { return nil, err }
	if err := s.Save(ctx, k); err != nil { return nil, err }
	return k, nil
}
