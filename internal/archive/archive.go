// Package archive stores explicitly saved room snapshots in SQLite. Saving
// is always a deliberate operator or API action: the live registry never
// writes here, so room teardown and process restarts still discard all
// in-flight collaborative state.
package archive

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("archive: snapshot not found")

type Store struct {
	db *sql.DB
}

// Snapshot is one saved copy of a room's full document state.
type Snapshot struct {
	ID          int64     `json:"id"`
	Room        string    `json:"room"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	State       []byte    `json:"-"`
	StateHash   string    `json:"state_hash"`
	UpdateCount int       `json:"update_count"`
	CreatedAt   time.Time `json:"created_at"`
}

func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("archive dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	// WAL keeps reads from blocking the occasional save.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		state BLOB NOT NULL,
		state_hash TEXT NOT NULL,
		update_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_room ON snapshots(room, created_at DESC);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores one snapshot and returns it with its assigned id and hash.
func (s *Store) Save(room, name, description string, state []byte, updateCount int) (*Snapshot, error) {
	if room == "" || name == "" {
		return nil, errors.New("archive: room and name are required")
	}

	hash := sha256.Sum256(state)
	hashHex := hex.EncodeToString(hash[:])

	res, err := s.db.Exec(
		`INSERT INTO snapshots (room, name, description, state, state_hash, update_count) VALUES (?, ?, ?, ?, ?, ?)`,
		room, name, description, state, hashHex, updateCount,
	)
	if err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

// Get fetches one snapshot, state included.
func (s *Store) Get(id int64) (*Snapshot, error) {
	row := s.db.QueryRow(
		`SELECT id, room, name, description, state, state_hash, update_count, created_at FROM snapshots WHERE id = ?`,
		id,
	)

	var snap Snapshot
	err := row.Scan(&snap.ID, &snap.Room, &snap.Name, &snap.Description,
		&snap.State, &snap.StateHash, &snap.UpdateCount, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &snap, nil
}

// ListByRoom returns snapshot metadata for a room, newest first. State
// blobs are not loaded.
func (s *Store) ListByRoom(room string, limit, offset int) ([]Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT id, room, name, description, state_hash, update_count, created_at
		 FROM snapshots WHERE room = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		room, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.Room, &snap.Name, &snap.Description,
			&snap.StateHash, &snap.UpdateCount, &snap.CreatedAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Delete removes one snapshot.
func (s *Store) Delete(id int64) error {
	res, err := s.db.Exec(`DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the total number of stored snapshots.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&n)
	return n, err
}
