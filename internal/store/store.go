package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/gwillem/signal-session/internal/libsignal"
)

// Store wraps a SQLite database and implements libsignal.ProtocolStore.
// Records are kept as opaque blobs, one table per record kind.
type Store struct {
	db *sql.DB

	mu      sync.RWMutex
	account *Account // cached local identity from account table
}

// Compile-time interface checks.
var (
	_ libsignal.ProtocolStore = (*Store)(nil)
	_ libsignal.KeyLister     = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS session (
	id TEXT PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS sender_key (
	id TEXT PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS pre_key (
	id TEXT PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS signed_pre_key (
	id TEXT PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS identity (
	id TEXT PRIMARY KEY,
	record BLOB NOT NULL
);
`

// tables maps record kinds to their table names.
var tables = map[libsignal.RecordKind]string{
	libsignal.RecordSession:      "session",
	libsignal.RecordSenderKey:    "sender_key",
	libsignal.RecordPreKey:       "pre_key",
	libsignal.RecordSignedPreKey: "signed_pre_key",
	libsignal.RecordIdentity:     "identity",
}

func tableFor(kind libsignal.RecordKind) (string, error) {
	t, ok := tables[kind]
	if !ok {
		return "", fmt.Errorf("store: unknown record kind %q", kind)
	}
	return t, nil
}

// DefaultDataDir returns the default data directory for signal-session databases.
// Uses $XDG_DATA_HOME/signal-session, falling back to ~/.local/share/signal-session.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "signal-session")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/signal-session/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	s := &Store{db: db}
	acct, err := s.LoadAccount()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.account = acct
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored records of kind for keys. Missing keys are omitted.
func (s *Store) Get(ctx context.Context, kind libsignal.RecordKind, keys []string) (map[string][]byte, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	query := fmt.Sprintf("SELECT id, record FROM %s WHERE id IN (%s)",
		table, strings.TrimSuffix(strings.Repeat("?,", len(keys)), ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id     string
			record []byte
		)
		if err := rows.Scan(&id, &record); err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", kind, err)
		}
		out[id] = record
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load %s: %w", kind, err)
	}
	return out, nil
}

// Set applies batch in a single transaction. A nil value deletes the key.
func (s *Store) Set(ctx context.Context, batch libsignal.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	for kind, records := range batch {
		table, err := tableFor(kind)
		if err != nil {
			return err
		}
		for id, record := range records {
			if record == nil {
				_, err = tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
			} else {
				_, err = tx.ExecContext(ctx,
					"INSERT OR REPLACE INTO "+table+" (id, record) VALUES (?, ?)",
					id, record,
				)
			}
			if err != nil {
				return fmt.Errorf("store: write %s %s: %w", kind, id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Keys returns every key stored under kind in ascending order.
func (s *Store) Keys(ctx context.Context, kind libsignal.RecordKind) ([]string, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM "+table+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", kind, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", kind, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
