package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/pkg/logger"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

// SQLiteStore persists the ledger in a single SQLite database in WAL mode.
// Each Batch is one SQL transaction.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS listings (
	id            INTEGER PRIMARY KEY,
	owner         TEXT NOT NULL,
	category      TEXT NOT NULL,
	handle        TEXT NOT NULL UNIQUE,
	price         INTEGER NOT NULL,
	listed        INTEGER NOT NULL,
	superseded    INTEGER NOT NULL,
	superseded_by INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_listings_owner ON listings(owner, category);
CREATE TABLE IF NOT EXISTS entitlements (
	handle     TEXT NOT NULL,
	grantee    TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	granted_at INTEGER NOT NULL,
	PRIMARY KEY (handle, grantee)
);
CREATE TABLE IF NOT EXISTS escrow_balances (
	principal TEXT PRIMARY KEY,
	amount    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS purchases (
	seq        INTEGER PRIMARY KEY,
	receipt_id TEXT NOT NULL UNIQUE,
	listing_id INTEGER NOT NULL,
	buyer      TEXT NOT NULL,
	seller     TEXT NOT NULL,
	handle     TEXT NOT NULL,
	price      INTEGER NOT NULL,
	at         INTEGER NOT NULL,
	nonce      TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS events (
	seq  INTEGER PRIMARY KEY,
	type TEXT NOT NULL,
	body TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	logger.InfoJ("state_sqlite", map[string]any{"op": "open", "result": "ok", "path": path})
	return &SQLiteStore{db: db}, nil
}

// migrate brings databases created before purchase nonces up to date. The
// partial unique index makes a spent (buyer, nonce) pair unwritable.
func migrate(db *sql.DB) error {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('purchases') WHERE name = 'nonce'`).Scan(&n); err != nil { return err }
	if n == 0 {
		if _, err := db.Exec(`ALTER TABLE purchases ADD COLUMN nonce TEXT NOT NULL DEFAULT ''`); err != nil { return err }
		logger.InfoJ("state_sqlite", map[string]any{"op": "migrate", "result": "ok", "column": "purchases.nonce"})
	}
	_, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_purchases_nonce ON purchases(buyer, nonce) WHERE nonce != ''`)
	return err
}

func corrupt(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStorageCorrupt, what, err)
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// rowIter is the part of *sql.Rows that Load walks.
type rowIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// eachRow calls fn for every row and closes rows. An iteration error after
// the last row is reported as corruption of what, so a snapshot is never
// silently cut short.
func eachRow(rows rowIter, what string, fn func() error) error {
	defer rows.Close()
	for rows.Next() {
		if err := fn(); err != nil { return err }
	}
	if err := rows.Err(); err != nil { return corrupt(what, err) }
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (snap Snapshot, err error) {
	s.mu.Lock(); defer s.mu.Unlock()
	if s.db == nil { return Snapshot{}, ErrClosed }
	defer func() {
		if err != nil {
			metrics.Inc("state_load_total", map[string]string{"store": "sqlite", "result": "error"})
			logger.ErrorJ("state_sqlite", map[string]any{"op": "load", "result": "error", "err": err.Error()})
		}
	}()
	snap = Snapshot{NextListing: 1, Balances: map[domain.Principal]uint64{}}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil { return snap, err }
	err = eachRow(rows, "meta", func() error {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil { return corrupt("meta", err) }
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil { return corrupt("meta "+k, err) }
		switch k {
		case "seq":
			snap.Seq = n
		case "next_listing":
			snap.NextListing = domain.ListingID(n)
		}
		return nil
	})
	if err != nil { return snap, err }

	rows, err = s.db.QueryContext(ctx, `SELECT id, owner, category, handle, price, listed, superseded, superseded_by, created_at, updated_at FROM listings ORDER BY id`)
	if err != nil { return snap, err }
	err = eachRow(rows, "listings", func() error {
		var (
			l                  domain.Listing
			owner, cat, h      string
			price, sup, ca, ua int64
			listed, superseded bool
			err                error
		)
		if err = rows.Scan(&l.ID, &owner, &cat, &h, &price, &listed, &superseded, &sup, &ca, &ua); err != nil { return corrupt("listings", err) }
		if l.Owner, err = domain.ParsePrincipal(owner); err != nil { return corrupt("listing owner", err) }
		if l.Category, err = domain.ParseCategory(cat); err != nil { return corrupt("listing category", err) }
		if l.Handle, err = domain.ParseHandle(h); err != nil { return corrupt("listing handle", err) }
		l.Price, l.Listed, l.Superseded = uint64(price), listed, superseded
		l.SupersededBy = domain.ListingID(sup)
		l.CreatedAt, l.UpdatedAt = fromNanos(ca), fromNanos(ua)
		snap.Listings = append(snap.Listings, l)
		return nil
	})
	if err != nil { return snap, err }

	rows, err = s.db.QueryContext(ctx, `SELECT handle, grantee, seq, granted_at FROM entitlements ORDER BY seq`)
	if err != nil { return snap, err }
	err = eachRow(rows, "entitlements", func() error {
		var (
			e       domain.Entitlement
			h, g    string
			seq, at int64
			err     error
		)
		if err = rows.Scan(&h, &g, &seq, &at); err != nil { return corrupt("entitlements", err) }
		if e.Handle, err = domain.ParseHandle(h); err != nil { return corrupt("entitlement handle", err) }
		if e.Grantee, err = domain.ParsePrincipal(g); err != nil { return corrupt("entitlement grantee", err) }
		e.Seq, e.GrantedAt = uint64(seq), fromNanos(at)
		snap.Entitlements = append(snap.Entitlements, e)
		return nil
	})
	if err != nil { return snap, err }

	rows, err = s.db.QueryContext(ctx, `SELECT principal, amount FROM escrow_balances WHERE amount > 0`)
	if err != nil { return snap, err }
	err = eachRow(rows, "balances", func() error {
		var p string
		var amt int64
		if err := rows.Scan(&p, &amt); err != nil { return corrupt("balances", err) }
		pr, err := domain.ParsePrincipal(p)
		if err != nil { return corrupt("balance principal", err) }
		snap.Balances[pr] = uint64(amt)
		return nil
	})
	if err != nil { return snap, err }

	rows, err = s.db.QueryContext(ctx, `SELECT seq, receipt_id, listing_id, buyer, seller, handle, price, at, nonce FROM purchases ORDER BY seq`)
	if err != nil { return snap, err }
	err = eachRow(rows, "purchases", func() error {
		var (
			r              domain.PurchaseRecord
			b, sl, h       string
			seq, price, at int64
			err            error
		)
		if err = rows.Scan(&seq, &r.ReceiptID, &r.ListingID, &b, &sl, &h, &price, &at, &r.Nonce); err != nil { return corrupt("purchases", err) }
		if r.Buyer, err = domain.ParsePrincipal(b); err != nil { return corrupt("purchase buyer", err) }
		if r.Seller, err = domain.ParsePrincipal(sl); err != nil { return corrupt("purchase seller", err) }
		if r.Handle, err = domain.ParseHandle(h); err != nil { return corrupt("purchase handle", err) }
		r.Seq, r.Price, r.At = uint64(seq), uint64(price), fromNanos(at)
		snap.Purchases = append(snap.Purchases, r)
		return nil
	})
	if err != nil { return snap, err }

	metrics.Inc("state_load_total", map[string]string{"store": "sqlite", "result": "ok"})
	logger.InfoJ("state_sqlite", map[string]any{"op": "load", "result": "ok", "seq": snap.Seq, "listings": len(snap.Listings)})
	return snap, nil
}

func (s *SQLiteStore) Commit(ctx context.Context, b Batch) (err error) {
	start := time.Now()
	s.mu.Lock(); defer s.mu.Unlock()
	if s.db == nil { return ErrClosed }
	defer func() {
		res := "ok"
		if err != nil { res = "error" }
		metrics.Inc("state_commit_total", map[string]string{"store": "sqlite", "result": res})
		metrics.ObserveSummary("state_commit_ms", map[string]string{"store": "sqlite"}, float64(time.Since(start).Milliseconds()))
	}()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil { return err }
	defer func() {
		if err != nil { _ = tx.Rollback() }
	}()

	for _, l := range b.Listings {
		_, err = tx.ExecContext(ctx, `INSERT INTO listings (id, owner, category, handle, price, listed, superseded, superseded_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET price=excluded.price, listed=excluded.listed, superseded=excluded.superseded,
				superseded_by=excluded.superseded_by, updated_at=excluded.updated_at`,
			int64(l.ID), string(l.Owner), string(l.Category), l.Handle.String(), int64(l.Price), l.Listed, l.Superseded,
			int64(l.SupersededBy), nanos(l.CreatedAt), nanos(l.UpdatedAt))
		if err != nil { return fmt.Errorf("upsert listing %d: %w", l.ID, err) }
	}
	for _, e := range b.Entitlements {
		_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO entitlements (handle, grantee, seq, granted_at) VALUES (?, ?, ?, ?)`,
			e.Handle.String(), string(e.Grantee), int64(e.Seq), nanos(e.GrantedAt))
		if err != nil { return fmt.Errorf("insert entitlement: %w", err) }
	}
	for p, amt := range b.Balances {
		_, err = tx.ExecContext(ctx, `INSERT INTO escrow_balances (principal, amount) VALUES (?, ?)
			ON CONFLICT(principal) DO UPDATE SET amount=excluded.amount`, string(p), int64(amt))
		if err != nil { return fmt.Errorf("set balance: %w", err) }
	}
	for _, r := range b.Purchases {
		_, err = tx.ExecContext(ctx, `INSERT INTO purchases (seq, receipt_id, listing_id, buyer, seller, handle, price, at, nonce) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(r.Seq), r.ReceiptID, int64(r.ListingID), string(r.Buyer), string(r.Seller), r.Handle.String(), int64(r.Price), nanos(r.At), r.Nonce)
		if err != nil { return fmt.Errorf("append purchase: %w", err) }
	}
	for _, ev := range b.Events {
		body, _ := json.Marshal(ev)
		_, err = tx.ExecContext(ctx, `INSERT INTO events (seq, type, body) VALUES (?, ?, ?)`, int64(ev.Seq), string(ev.Type), string(body))
		if err != nil { return fmt.Errorf("append event %d: %w", ev.Seq, err) }
	}
	if b.Seq > 0 {
		if _, err = tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('seq', ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
			strconv.FormatUint(b.Seq, 10)); err != nil { return err }
	}
	if b.NextListing > 0 {
		if _, err = tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('next_listing', ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
			strconv.FormatUint(uint64(b.NextListing), 10)); err != nil { return err }
	}
	return tx.Commit()
}

func (s *SQLiteStore) Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error) {
	s.mu.Lock(); defer s.mu.Unlock()
	if s.db == nil { return nil, ErrClosed }
	if limit <= 0 { limit = -1 }
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM events WHERE seq > ? ORDER BY seq LIMIT ?`, int64(after), limit)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil { return nil, corrupt("events", err) }
		var ev domain.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil { return nil, corrupt("event body", err) }
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock(); defer s.mu.Unlock()
	if s.db == nil { return nil }
	err := s.db.Close()
	s.db = nil
	return err
}

var _ Store = (*SQLiteStore)(nil)
