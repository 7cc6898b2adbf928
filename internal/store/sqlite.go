package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/spacedatanetwork/sdn-namesys/internal/namerec"
)

var log = logging.Logger("namesys-store")

// SQLite is a record store that survives restarts. The record blob is
// the source of truth; the sequence and validity columns exist for
// inspection and sweeping.
type SQLite struct {
	db     *sql.DB
	locks  *keyedLocks
	clock  clock.Clock
	dbPath string
}

// NewSQLite opens (or creates) the record database under basePath.
func NewSQLite(basePath string, clk clock.Clock) (*SQLite, error) {
	if clk == nil {
		clk = clock.New()
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	dbPath := filepath.Join(basePath, "namesys.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLite{
		db:     db,
		locks:  newKeyedLocks(),
		clock:  clk,
		dbPath: dbPath,
	}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}
	return s, nil
}

func (s *SQLite) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS name_records (
			peer_id TEXT PRIMARY KEY,
			record BLOB NOT NULL,
			sequence INTEGER NOT NULL,
			validity INTEGER NOT NULL,
			received_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_name_records_validity
		ON name_records (validity)
	`); err != nil {
		return fmt.Errorf("failed to create validity index: %w", err)
	}
	return nil
}

// Put advances the stored record for pid when rec orders after the
// current row. Writes for the same identity are serialized.
func (s *SQLite) Put(pid peer.ID, rec *namerec.Record, raw []byte) (bool, error) {
	l := s.locks.lock(pid)
	defer l.Unlock()

	now := s.clock.Now()

	var curBlob []byte
	err := s.db.QueryRow(
		`SELECT record FROM name_records WHERE peer_id = ?`, pid.String(),
	).Scan(&curBlob)
	switch {
	case err == nil:
		cur, uerr := namerec.Unmarshal(curBlob)
		if uerr != nil {
			// A row we can no longer parse never blocks a fresh record.
			log.Warnf("Dropping unreadable record row for %s: %v", pid, uerr)
		} else if !advances(rec, cur, now) {
			return false, nil
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return false, fmt.Errorf("failed to query record: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO name_records (peer_id, record, sequence, validity, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		pid.String(), raw, int64(rec.Sequence), rec.Validity.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to store record: %w", err)
	}
	return true, nil
}

// Get returns the live entry for pid, or ErrNotFound when no row exists
// or the stored record has expired.
func (s *SQLite) Get(pid peer.ID) (*Entry, error) {
	var blob []byte
	var receivedAt int64
	err := s.db.QueryRow(
		`SELECT record, received_at FROM name_records WHERE peer_id = ?`, pid.String(),
	).Scan(&blob, &receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}

	rec, err := namerec.Unmarshal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored record: %w", err)
	}
	if s.clock.Now().After(rec.Validity) {
		s.sweep(pid)
		return nil, ErrNotFound
	}
	return &Entry{
		PeerID:     pid,
		Record:     rec,
		Raw:        blob,
		ReceivedAt: timeFromUnixNano(receivedAt),
	}, nil
}

// Entries returns all live entries.
func (s *SQLite) Entries() ([]*Entry, error) {
	rows, err := s.db.Query(`SELECT peer_id, record, received_at FROM name_records`)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	now := s.clock.Now()
	var entries []*Entry
	for rows.Next() {
		var pidStr string
		var blob []byte
		var receivedAt int64
		if err := rows.Scan(&pidStr, &blob, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		pid, err := peer.Decode(pidStr)
		if err != nil {
			log.Warnf("Skipping row with bad peer ID %q: %v", pidStr, err)
			continue
		}
		rec, err := namerec.Unmarshal(blob)
		if err != nil {
			log.Warnf("Skipping unreadable record row for %s: %v", pid, err)
			continue
		}
		if now.After(rec.Validity) {
			continue
		}
		entries = append(entries, &Entry{
			PeerID:     pid,
			Record:     rec,
			Raw:        blob,
			ReceivedAt: timeFromUnixNano(receivedAt),
		})
	}
	return entries, rows.Err()
}

// Remove drops the row for pid.
func (s *SQLite) Remove(pid peer.ID) error {
	l := s.locks.lock(pid)
	defer l.Unlock()

	if _, err := s.db.Exec(`DELETE FROM name_records WHERE peer_id = ?`, pid.String()); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) sweep(pid peer.ID) {
	if _, err := s.db.Exec(`DELETE FROM name_records WHERE peer_id = ?`, pid.String()); err != nil {
		log.Debugf("Failed to sweep expired record for %s: %v", pid, err)
	}
}
