// Package audit keeps an independent, append-only copy of the ledger's event
// log and rebuilds entitlements and escrow balances from it, so the ledger
// can be checked against its own history.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/pkg/logger"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

// ErrCorruptJournal is returned when a line other than a torn tail fails to
// decode.
var ErrCorruptJournal = errors.New("audit: corrupt journal")

// Journal is a JSON-line event file, one fsync'd line per event. Appends
// with a Seq at or below the last written one are ignored, so replaying a
// backfill is harmless.
type Journal struct {
	mu     sync.Mutex
	path   string
	last   uint64
	loaded bool
}

func NewJournal(path string) *Journal { return &Journal{path: path} }

func (j *Journal) Path() string { return j.path }

// LastSeq returns the highest Seq on disk, 0 for a missing or empty file.
func (j *Journal) LastSeq() (uint64, error) {
	j.mu.Lock(); defer j.mu.Unlock()
	if err := j.loadLocked(); err != nil { return 0, err }
	return j.last, nil
}

func (j *Journal) loadLocked() error {
	if j.loaded { return nil }
	evs, good, torn, err := scanJournal(j.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) { return err }
	if torn {
		// drop the partial line so the next append starts on a fresh one
		if err := os.Truncate(j.path, good); err != nil { return err }
	}
	if n := len(evs); n > 0 { j.last = evs[n-1].Seq }
	j.loaded = true
	return nil
}

// Append writes ev as one line and syncs the file.
func (j *Journal) Append(ev domain.Event) error {
	if j == nil { return nil }
	j.mu.Lock(); defer j.mu.Unlock()
	if err := j.loadLocked(); err != nil { return err }
	if ev.Seq <= j.last {
		metrics.Inc("audit_journal_appends_total", map[string]string{"result": "skipped"})
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil { return err }
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil { return err }
	b, err := json.Marshal(ev)
	if err != nil { _ = f.Close(); return err }
	if _, err = f.Write(append(b, '\n')); err != nil { _ = f.Close(); return err }
	if err = f.Sync(); err != nil { _ = f.Close(); return err }
	if err = f.Close(); err != nil { return err }
	j.last = ev.Seq
	metrics.Inc("audit_journal_appends_total", map[string]string{"result": "ok"})
	return nil
}

// ReadAll returns every event in file order.
func (j *Journal) ReadAll() ([]domain.Event, error) {
	j.mu.Lock(); defer j.mu.Unlock()
	return readJournal(j.path)
}

// ReadJournal reads a journal file without opening it for append.
func ReadJournal(path string) ([]domain.Event, error) { return readJournal(path) }

// readJournal tolerates a torn final line (crash mid-write); any other
// undecodable line is corruption.
func readJournal(path string) ([]domain.Event, error) {
	evs, _, _, err := scanJournal(path)
	return evs, err
}

// scanJournal also reports the length of the well-formed prefix and whether
// a torn tail follows it.
func scanJournal(path string) (out []domain.Event, good int64, torn bool, err error) {
	f, err := os.Open(path)
	if err != nil { return nil, 0, false, err }
	defer f.Close()
	r := bufio.NewReader(f)
	for line := 1; ; line++ {
		b, rerr := r.ReadBytes('\n')
		if len(bytes.TrimSpace(b)) > 0 {
			var ev domain.Event
			if uerr := json.Unmarshal(b, &ev); uerr != nil {
				if rerr == io.EOF {
					metrics.Inc("audit_journal_recover_total", map[string]string{"result": "torn_tail"})
					logger.WarnJ("audit_journal", map[string]any{"op": "read", "result": "torn_tail", "line": line})
					return out, good, true, nil
				}
				return out, good, false, fmt.Errorf("%w: line %d: %v", ErrCorruptJournal, line, uerr)
			}
			if rerr == io.EOF {
				// records are written with their newline in one call; a missing
				// one means the write was cut short
				return out, good, true, nil
			}
			out = append(out, ev)
		}
		good += int64(len(b))
		if rerr == io.EOF { return out, good, false, nil }
		if rerr != nil { return out, good, false, rerr }
	}
}
