// Package history implements the encrypted ring of recent clipboard
// entries: an on-disk embedded relational store (SQLite via
// github.com/mattn/go-sqlite3) capped at a configurable number of rows,
// per-entry AEAD, and lazy decryption. Grounded on the spec's literal
// schema in §4.2; the single-writer-mutex-plus-short-read-transactions
// concurrency shape follows the teacher daemon's hub (one mutex guarding
// shared state, readers taking a snapshot).
package history

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"

	"github.com/clipsync/clipsync/internal/aead"
	"github.com/clipsync/clipsync/internal/clipsyncerr"
	"github.com/clipsync/clipsync/internal/config"
)

const (
	schema = `
CREATE TABLE IF NOT EXISTS clipboard_history (
	row_id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT UNIQUE NOT NULL,
	ciphertext BLOB NOT NULL,
	mime_type TEXT NOT NULL,
	plaintext_size INTEGER NOT NULL,
	plaintext_sha256 TEXT NOT NULL,
	origin_node TEXT NOT NULL,
	nonce BLOB NOT NULL,
	compressed INTEGER NOT NULL DEFAULT 0,
	inserted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_inserted_at ON clipboard_history(inserted_at DESC);
CREATE INDEX IF NOT EXISTS idx_history_mime_type ON clipboard_history(mime_type);
`
	databaseBusyTimeout = 5 * time.Second
)

// Payload is the minimal shape insert needs; it mirrors clipboard.Payload
// without importing that package, avoiding an import cycle (clipboard
// providers never need to know about history internals).
type Payload struct {
	MIMEType        string
	Bytes           []byte
	OriginNode      string
	OriginTimestamp int64
}

// Entry is one row of the history ring. Ciphertext is decrypted lazily —
// Plaintext() performs the AEAD open only when called.
type Entry struct {
	RowID           int64
	UUID            string
	MIMEType        string
	PlaintextSize   int
	PlaintextSHA256 string
	OriginNode      string
	InsertedAt      time.Time

	ciphertext []byte
	nonce      []byte
	compressed bool
	store      *Store
}

// Plaintext decrypts (and decompresses, if applicable) the entry's
// ciphertext. Safe to call repeatedly; it does no caching since history
// entries are small and accessed rarely relative to inserts.
func (e *Entry) Plaintext() ([]byte, error) {
	aad := aadFor(e.MIMEType, e.OriginNode, e.UUID)
	pt, err := e.store.cipher.Open(e.nonce, e.ciphertext, aad)
	if err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindCryptoError, "history.Entry.Plaintext", err)
	}
	if e.compressed {
		pt, err = decompress(pt)
		if err != nil {
			return nil, clipsyncerr.New(clipsyncerr.KindCryptoError, "history.Entry.Plaintext", err)
		}
	}
	return pt, nil
}

// Store is the encrypted, size-capped history ring. One instance per node;
// safe for concurrent use — writes are serialized via an internal mutex,
// reads use short implicit transactions.
type Store struct {
	db     *sql.DB
	cipher aead.Cipher
	cap    int
	compressionThreshold int64
	compression          config.Compression

	mu sync.Mutex // serializes writers; see spec §4.2 concurrency
}

// Open opens (creating if necessary) the history database at cfg's
// configured path, and the detached symmetric key file alongside it. Both
// paths' parent directories are created 0700; the key file is 0600.
func Open(cfg config.Config) (*Store, error) {
	const op = "history.Open"

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}

	key, err := loadOrGenerateKey(cfg.HistoryKeyPath())
	if err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}

	cipher, err := aead.New(cfg.Encryption, key)
	if err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindConfigInvalid, op, err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", cfg.HistoryDBPath(), databaseBusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 + WAL: one writer connection, serialized above anyway

	if _, err := db.Exec(schema); err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, fmt.Errorf("schema: %w", err))
	}

	return &Store{
		db:                   db,
		cipher:               cipher,
		cap:                  cfg.HistorySize,
		compressionThreshold: cfg.CompressionThreshold,
		compression:          cfg.Compression,
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Insert encrypts and stores payload as the new history head, evicting the
// oldest entry if the ring is already at capacity. If the current head has
// the same plaintext SHA-256, the insert is a no-op and the existing head
// is returned unchanged (idempotent head insert, per spec).
func (s *Store) Insert(ctx context.Context, p Payload) (*Entry, error) {
	const op = "history.Store.Insert"

	sum := sha256.Sum256(p.Bytes)
	shaHex := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if head, err := s.headLocked(ctx); err == nil && head != nil && head.PlaintextSHA256 == shaHex {
		return head, nil
	}

	id := uuid.NewString()
	plaintext := p.Bytes
	compressed := false
	if s.compression == config.CompressionZstd && int64(len(plaintext)) >= s.compressionThreshold {
		compressed = true
		var err error
		plaintext, err = compress(plaintext)
		if err != nil {
			return nil, clipsyncerr.New(clipsyncerr.KindCryptoError, op, err)
		}
	}

	aad := aadFor(p.MIMEType, p.OriginNode, id)
	nonce, ciphertext, err := s.cipher.Seal(plaintext, aad)
	if err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindCryptoError, op, err)
	}

	now := time.Now()
	compressedInt := 0
	if compressed {
		compressedInt = 1
	}

	if err := withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO clipboard_history
			 (uuid, ciphertext, mime_type, plaintext_size, plaintext_sha256, origin_node, nonce, compressed, inserted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, ciphertext, p.MIMEType, len(p.Bytes), shaHex, p.OriginNode, nonce, compressedInt, now.UnixNano(),
		)
		return err
	}); err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindDatabaseBusy, op, err)
	}

	if err := s.evictBeyondCapLocked(ctx); err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindDatabaseBusy, op, err)
	}

	return &Entry{
		RowID:           0, // row_id is internal bookkeeping; callers use index-based lookup
		UUID:            id,
		MIMEType:        p.MIMEType,
		PlaintextSize:   len(p.Bytes),
		PlaintextSHA256: shaHex,
		OriginNode:      p.OriginNode,
		InsertedAt:      now,
		ciphertext:      ciphertext,
		nonce:           nonce,
		compressed:      compressed,
		store:           s,
	}, nil
}

// evictBeyondCapLocked deletes rows beyond the configured ring capacity,
// oldest-first by inserted_at. Must be called with s.mu held.
func (s *Store) evictBeyondCapLocked(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM clipboard_history
		WHERE row_id IN (
			SELECT row_id FROM clipboard_history
			ORDER BY inserted_at DESC
			LIMIT -1 OFFSET ?
		)`, s.cap)
	return err
}

// headLocked returns the most recent entry, or nil if the ring is empty.
// Must be called with s.mu held.
func (s *Store) headLocked(ctx context.Context) (*Entry, error) {
	entries, err := s.queryLocked(ctx, `ORDER BY inserted_at DESC LIMIT 1`)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// Recent returns the n most recent entries, newest first. Decryption is
// lazy — call Entry.Plaintext() to read contents.
func (s *Store) Recent(ctx context.Context, n int) ([]*Entry, error) {
	return s.query(ctx, fmt.Sprintf(`ORDER BY inserted_at DESC LIMIT %d`, n))
}

// GetByIndex returns the entry at position i, where 0 is the most recent.
func (s *Store) GetByIndex(ctx context.Context, i int) (*Entry, error) {
	entries, err := s.query(ctx, fmt.Sprintf(`ORDER BY inserted_at DESC LIMIT 1 OFFSET %d`, i))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("history: index %d out of range", i)
	}
	return entries[0], nil
}

// Search scans decrypted text/* entries for a case-sensitive substring
// match. Local-only access — constant-time comparison is not required.
func (s *Store) Search(ctx context.Context, substring string) ([]*Entry, error) {
	entries, err := s.query(ctx, `ORDER BY inserted_at DESC`)
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, e := range entries {
		if len(e.MIMEType) < 5 || e.MIMEType[:5] != "text/" {
			continue
		}
		pt, err := e.Plaintext()
		if err != nil {
			continue // CryptoError on a single entry is skipped, not fatal (spec §4.2)
		}
		if bytes.Contains(pt, []byte(substring)) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Clear truncates the history table.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM clipboard_history`)
	return err
}

// Count returns the number of rows currently stored.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clipboard_history`).Scan(&n)
	return n, err
}

func (s *Store) query(ctx context.Context, tail string) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked(ctx, tail)
}

func (s *Store) queryLocked(ctx context.Context, tail string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_id, uuid, ciphertext, mime_type, plaintext_size, plaintext_sha256, origin_node, nonce, compressed, inserted_at
		FROM clipboard_history `+tail)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e          Entry
			insertedNS int64
			compressed int
		)
		if err := rows.Scan(&e.RowID, &e.UUID, &e.ciphertext, &e.MIMEType, &e.PlaintextSize,
			&e.PlaintextSHA256, &e.OriginNode, &e.nonce, &compressed, &insertedNS); err != nil {
			return nil, err
		}
		e.compressed = compressed != 0
		e.InsertedAt = time.Unix(0, insertedNS)
		e.store = s
		out = append(out, &e)
	}
	return out, rows.Err()
}

func aadFor(mimeType, originNode, uuid string) []byte {
	return []byte(mimeType + "\x00" + originNode + "\x00" + uuid)
}

func compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(b []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func loadOrGenerateKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != aead.KeySize {
			return nil, fmt.Errorf("history key at %s has wrong length %d", path, len(raw))
		}
		return raw, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key, err := aead.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// withBusyRetry retries fn for up to databaseBusyTimeout if it fails,
// matching the spec's "DatabaseBusy retried for up to 5s" requirement.
// SQLite's own busy_timeout pragma (set via the DSN) handles the common
// case; this is a belt-and-suspenders loop for driver-level busy errors
// that surface as plain errors rather than blocking internally.
func withBusyRetry(ctx context.Context, fn func() error) error {
	deadline := time.Now().Add(databaseBusyTimeout)
	var err error
	for {
		err = fn()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
