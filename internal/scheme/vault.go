package scheme

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/zmlAEQ/datachain/internal/domain"
)

// Record is one stored ciphertext together with the context it was
// encrypted for. The context is the engine's additional data, so a record
// moved to another program or submitter fails authentication.
type Record struct {
	Handle     domain.Handle    `json:"handle"`
	Program    domain.ProgramID `json:"program"`
	Submitter  domain.Principal `json:"submitter"`
	Ciphertext []byte           `json:"ciphertext"`
}

func (r Record) aad() []byte {
	out := append([]byte{}, r.Program[:]...)
	return append(out, r.Submitter.Bytes()...)
}

// Vault stores ciphertexts by handle.
type Vault interface {
	Put(ctx context.Context, r Record) error
	Get(ctx context.Context, h domain.Handle) (Record, error)
}

type MemoryVault struct {
	mu   sync.RWMutex
	recs map[domain.Handle]Record
}

func NewMemoryVault() *MemoryVault { return &MemoryVault{recs: map[domain.Handle]Record{}} }

func (v *MemoryVault) Put(_ context.Context, r Record) error {
	v.mu.Lock(); defer v.mu.Unlock()
	r.Ciphertext = append([]byte(nil), r.Ciphertext...)
	v.recs[r.Handle] = r
	return nil
}

func (v *MemoryVault) Get(_ context.Context, h domain.Handle) (Record, error) {
	v.mu.RLock(); defer v.mu.RUnlock()
	r, ok := v.recs[h]
	if !ok { return Record{}, ErrUnknownHandle }
	r.Ciphertext = append([]byte(nil), r.Ciphertext...)
	return r, nil
}

const magicVault uint32 = 0x44435652 // 'DCVR'

// FileVault keeps one checksummed record file per handle under dir.
type FileVault struct {
	mu  sync.Mutex
	dir string
}

func NewFileVault(dir string) *FileVault { return &FileVault{dir: dir} }

func (v *FileVault) path(h domain.Handle) string { return filepath.Join(v.dir, h.String()+".rec") }

func (v *FileVault) Put(_ context.Context, r Record) error {
	b, err := json.Marshal(r)
	if err != nil { return err }
	v.mu.Lock(); defer v.mu.Unlock()
	return writeRecord(v.path(r.Handle), magicVault, b, nil)
}

func (v *FileVault) Get(_ context.Context, h domain.Handle) (Record, error) {
	b, err := readRecord(v.path(h), magicVault, nil)
	if errors.Is(err, os.ErrNotExist) { return Record{}, ErrUnknownHandle }
	if err != nil { return Record{}, errors.Join(ErrIntegrity, err) }
	var r Record
	if err := json.Unmarshal(b, &r); err != nil { return Record{}, errors.Join(ErrIntegrity, err) }
	if r.Handle != h { return Record{}, errors.Join(ErrIntegrity, errors.New("record handle mismatch")) }
	return r, nil
}

var (
	_ Vault = (*MemoryVault)(nil)
	_ Vault = (*FileVault)(nil)
)
