// Package trust implements TrustStore: the on-disk record of which peer
// public keys this node has decided to trust (TOFU — Trust On First Use),
// plus the authorized_keys file that mirrors those decisions into a
// standard OpenSSH-compatible format. Grounded on the teacher's pattern of
// small, mutex-guarded, atomically-rewritten JSON state files.
package trust

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/clipsync/clipsync/internal/clipsyncerr"
	"github.com/clipsync/clipsync/internal/identity"
)

// Decision records why a peer is or isn't trusted.
type Decision string

const (
	DecisionTrusted Decision = "trusted"
	DecisionRevoked Decision = "revoked"
)

// Record is one peer's trust entry, keyed by fingerprint in Store.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	PublicKey   string    `json:"public_key"` // OpenSSH authorized_keys line
	Name        string    `json:"name"`
	Decision    Decision  `json:"decision"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// snapshot is the on-disk JSON shape.
type snapshot struct {
	Records map[string]Record `json:"records"`
}

// Store is the in-memory, persisted table of trust decisions. All methods
// are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	path    string
	akPath  string
	records map[string]Record
}

// Open loads path (creating an empty store if it doesn't exist yet).
func Open(path, authorizedKeysPath string) (*Store, error) {
	const op = "trust.Open"

	s := &Store{path: path, akPath: authorizedKeysPath, records: map[string]Record{}}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindTrustStoreCorrupt, op, err)
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindTrustStoreCorrupt, op, err)
	}
	if snap.Records != nil {
		s.records = snap.Records
	}
	return s, nil
}

// Lookup returns the record for fingerprint, if any.
func (s *Store) Lookup(fingerprint string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[fingerprint]
	return r, ok
}

// IsTrusted reports whether fingerprint is currently trusted.
func (s *Store) IsTrusted(fingerprint string) bool {
	r, ok := s.Lookup(fingerprint)
	return ok && r.Decision == DecisionTrusted
}

// Trust records fingerprint/publicKeyLine/name as trusted (first contact,
// or re-trusting a previously revoked peer), updates LastSeen, persists the
// snapshot, and appends the key to the authorized_keys file if not already
// present.
func (s *Store) Trust(fingerprint, publicKeyLine, name string) error {
	const op = "trust.Trust"
	now := time.Now()

	s.mu.Lock()
	existing, had := s.records[fingerprint]
	rec := Record{
		Fingerprint: fingerprint,
		PublicKey:   publicKeyLine,
		Name:        name,
		Decision:    DecisionTrusted,
		FirstSeen:   now,
		LastSeen:    now,
	}
	if had {
		rec.FirstSeen = existing.FirstSeen
	}
	s.records[fingerprint] = rec
	err := s.persistLocked()
	s.mu.Unlock()

	if err != nil {
		return clipsyncerr.New(clipsyncerr.KindTrustStoreCorrupt, op, err)
	}
	return s.appendAuthorizedKey(publicKeyLine)
}

// Revoke marks fingerprint as revoked. Revoked peers are never
// re-trusted automatically; a future Trust call is required.
func (s *Store) Revoke(fingerprint string) error {
	const op = "trust.Revoke"
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[fingerprint]
	if !ok {
		return clipsyncerr.New(clipsyncerr.KindUnknownPeer, op, fmt.Errorf("no trust record for %s", fingerprint))
	}
	rec.Decision = DecisionRevoked
	rec.LastSeen = time.Now()
	s.records[fingerprint] = rec
	return s.persistLocked()
}

// Touch updates LastSeen for an already-trusted peer without changing its
// decision. Callers invoke this on every successful handshake.
func (s *Store) Touch(fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fingerprint]
	if !ok {
		return nil
	}
	rec.LastSeen = time.Now()
	s.records[fingerprint] = rec
	return s.persistLocked()
}

// All returns a snapshot slice of every known record.
func (s *Store) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

// persistLocked writes the current record set to s.path via a
// write-temp-then-rename, so a crash mid-write never corrupts the
// existing file. Caller must hold s.mu.
func (s *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot{Records: s.records}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// appendAuthorizedKey appends line to the authorized_keys file if an
// identical line isn't already present, deduplicating by exact match.
func (s *Store) appendAuthorizedKey(line string) error {
	if s.akPath == "" || line == "" {
		return nil
	}
	const op = "trust.appendAuthorizedKey"

	if err := os.MkdirAll(filepath.Dir(s.akPath), 0o700); err != nil {
		return clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}

	existing, err := os.ReadFile(s.akPath)
	if err != nil && !os.IsNotExist(err) {
		return clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}

	lines := splitLines(string(existing))
	for _, l := range lines {
		if l == line {
			return nil
		}
	}

	f, err := os.OpenFile(s.akPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, line); err != nil {
		return clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}
	return nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// ParseAuthorizedKeyLine validates line as a single OpenSSH
// authorized_keys entry and returns its fingerprint, used when an
// operator pre-seeds trust via the config file's [[peers]] public_key.
func ParseAuthorizedKeyLine(line string) (fingerprint string, err error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return "", fmt.Errorf("trust: parse authorized key: %w", err)
	}
	return identity.Fingerprint(pub), nil
}
