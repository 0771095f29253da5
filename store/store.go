// Package store provides the node-local media library index and settings,
// backed by an embedded SQLite database. Only local metadata lives here —
// the replicated playlist and playback state are in-memory by design.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — local media library index
	`CREATE TABLE IF NOT EXISTS library (
		path       TEXT PRIMARY KEY,
		title      TEXT NOT NULL,
		artist     TEXT NOT NULL DEFAULT '',
		duration_s REAL NOT NULL DEFAULT 0,
		size       INTEGER NOT NULL DEFAULT 0,
		mtime      INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — title lookup index for playlist path resolution
	`CREATE INDEX IF NOT EXISTS idx_library_title ON library(title)`,
	// v4 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// LibraryTrack is one indexed media file.
type LibraryTrack struct {
	Path     string  `json:"path"`
	Title    string  `json:"title"`
	Artist   string  `json:"artist,omitempty"`
	Duration float64 `json:"duration"`
	Size     int64   `json:"size"`
	MTime    int64   `json:"mtime"`
}

// Store wraps a SQLite database and exposes library and settings operations.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
	}
	return nil
}

// GetSetting returns a setting value and whether it exists.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, true, nil
}

// SetSetting inserts or updates a setting.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// GetAllSettings returns every setting as a map.
func (s *Store) GetAllSettings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// UpsertTrack inserts or refreshes one library entry, keyed by path.
func (s *Store) UpsertTrack(t LibraryTrack) error {
	_, err := s.db.Exec(
		`INSERT INTO library(path, title, artist, duration_s, size, mtime)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   title = excluded.title, artist = excluded.artist,
		   duration_s = excluded.duration_s, size = excluded.size,
		   mtime = excluded.mtime`,
		t.Path, t.Title, t.Artist, t.Duration, t.Size, t.MTime,
	)
	if err != nil {
		return fmt.Errorf("upsert track %q: %w", t.Path, err)
	}
	return nil
}

// GetTracks returns the whole library ordered by title.
func (s *Store) GetTracks() ([]LibraryTrack, error) {
	rows, err := s.db.Query(
		`SELECT path, title, artist, duration_s, size, mtime FROM library ORDER BY title`,
	)
	if err != nil {
		return nil, fmt.Errorf("list library: %w", err)
	}
	defer rows.Close()

	var out []LibraryTrack
	for rows.Next() {
		var t LibraryTrack
		if err := rows.Scan(&t.Path, &t.Title, &t.Artist, &t.Duration, &t.Size, &t.MTime); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindByPath returns the library entry for an exact path.
func (s *Store) FindByPath(path string) (LibraryTrack, bool, error) {
	var t LibraryTrack
	err := s.db.QueryRow(
		`SELECT path, title, artist, duration_s, size, mtime FROM library WHERE path = ?`,
		path,
	).Scan(&t.Path, &t.Title, &t.Artist, &t.Duration, &t.Size, &t.MTime)
	if err == sql.ErrNoRows {
		return LibraryTrack{}, false, nil
	}
	if err != nil {
		return LibraryTrack{}, false, fmt.Errorf("find by path %q: %w", path, err)
	}
	return t, true, nil
}

// FindByTitleArtist returns the first library entry matching title (and
// artist, when non-empty). Used to resolve tracks queued by other peers to a
// local copy of the same song.
func (s *Store) FindByTitleArtist(title, artist string) (LibraryTrack, bool, error) {
	var (
		t   LibraryTrack
		err error
	)
	if artist != "" {
		err = s.db.QueryRow(
			`SELECT path, title, artist, duration_s, size, mtime FROM library
			 WHERE title = ? AND artist = ? LIMIT 1`, title, artist,
		).Scan(&t.Path, &t.Title, &t.Artist, &t.Duration, &t.Size, &t.MTime)
	} else {
		err = s.db.QueryRow(
			`SELECT path, title, artist, duration_s, size, mtime FROM library
			 WHERE title = ? LIMIT 1`, title,
		).Scan(&t.Path, &t.Title, &t.Artist, &t.Duration, &t.Size, &t.MTime)
	}
	if err == sql.ErrNoRows {
		return LibraryTrack{}, false, nil
	}
	if err != nil {
		return LibraryTrack{}, false, fmt.Errorf("find by title %q: %w", title, err)
	}
	return t, true, nil
}

// TrackCount returns the number of indexed media files.
func (s *Store) TrackCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM library`).Scan(&n); err != nil {
		return 0, fmt.Errorf("track count: %w", err)
	}
	return n, nil
}

// Optimize asks SQLite to refresh query-planner statistics.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

// Backup copies the database file to outPath using VACUUM INTO when
// available, falling back to a file copy.
func (s *Store) Backup(outPath string) error {
	if _, err := s.db.Exec(`VACUUM INTO ?`, outPath); err == nil {
		return nil
	}
	var seq int
	var name, file string
	if err := s.db.QueryRow(`PRAGMA database_list`).Scan(&seq, &name, &file); err != nil {
		return fmt.Errorf("resolve db path: %w", err)
	}
	if file == "" {
		return fmt.Errorf("cannot back up an in-memory database")
	}
	src, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()
	dst, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}
