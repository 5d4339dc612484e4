package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go-bookshelf-download/internal/models"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a key is not found in the database.
var ErrNotFound = errors.New("key not found")

// ErrClosed is returned by operations on a closed database.
var ErrClosed = errors.New("database is closed")

// DB wraps the SQLite database instance and provides helper methods.
type DB struct {
	db *sql.DB
	sync.RWMutex
	closeOnce sync.Once
	closed    bool
	closeErr  error
}

// Open initializes and returns a DB instance.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database at %s: %w", path, err)
	}

	dbWrapper := &DB{db: db}
	if err := dbWrapper.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	log.Debugf("SQLite database opened at %s", path)
	return dbWrapper, nil
}

func (d *DB) initSchema() error {
	schema := `
	-- Captured session cookies, one row per site
	CREATE TABLE IF NOT EXISTS sessions (
		site TEXT PRIMARY KEY,
		cookies TEXT NOT NULL, -- JSON array
		captured_at DATETIME NOT NULL
	);

	-- Every file saved by a run
	CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		format TEXT NOT NULL CHECK (format IN ('PDF', 'EPUB')),
		path TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		hash_blake3 TEXT,
		run_id TEXT NOT NULL,
		saved_at DATETIME NOT NULL
	);

	-- Last scanned catalog per site
	CREATE TABLE IF NOT EXISTS catalog_entries (
		site TEXT NOT NULL,
		row_index INTEGER NOT NULL,
		title TEXT NOT NULL,
		product_key TEXT,
		formats TEXT NOT NULL, -- JSON object format -> token
		ambiguous TEXT, -- JSON object format -> bool
		controls TEXT, -- JSON array
		scanned_at DATETIME NOT NULL,
		PRIMARY KEY (site, row_index)
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_title_format ON downloads(title, format);
	CREATE INDEX IF NOT EXISTS idx_downloads_run ON downloads(run_id);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Close safely closes the database connection.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		d.Lock()
		defer d.Unlock()

		d.closeErr = d.db.Close()
		d.closed = true

		if d.closeErr != nil {
			log.Errorf("Error during database close operation: %v", d.closeErr)
		} else {
			log.Debug("Database closed.")
		}
	})

	return d.closeErr
}

// LoadToken returns the stored session for site, or ErrNotFound.
func (d *DB) LoadToken(site string) (*models.SessionToken, error) {
	d.RLock()
	defer d.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	var raw string
	var captured time.Time
	err := d.db.QueryRow("SELECT cookies, captured_at FROM sessions WHERE site = ?", site).Scan(&raw, &captured)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("error reading session for %s: %w", site, err)
	}

	tok := &models.SessionToken{Site: site, CapturedAt: captured}
	if err := json.Unmarshal([]byte(raw), &tok.Cookies); err != nil {
		return nil, fmt.Errorf("error decoding session cookies for %s: %w", site, err)
	}
	return tok, nil
}

// SaveToken stores tok, replacing whatever was stored for its site.
func (d *DB) SaveToken(tok *models.SessionToken) error {
	if tok == nil {
		return errors.New("nil session token")
	}
	raw, err := json.Marshal(tok.Cookies)
	if err != nil {
		return fmt.Errorf("error encoding session cookies: %w", err)
	}

	d.Lock()
	defer d.Unlock()
	if d.closed {
		return ErrClosed
	}

	captured := tok.CapturedAt
	if captured.IsZero() {
		captured = time.Now()
	}
	_, err = d.db.Exec(`
		INSERT OR REPLACE INTO sessions (site, cookies, captured_at)
		VALUES (?, ?, ?)
	`, tok.Site, string(raw), captured.UTC())
	if err != nil {
		return fmt.Errorf("error saving session for %s: %w", tok.Site, err)
	}
	log.WithField("site", tok.Site).Debugf("Saved session with %d cookies", len(tok.Cookies))
	return nil
}

// DeleteToken removes the stored session for site. It reports whether one existed.
func (d *DB) DeleteToken(site string) (bool, error) {
	d.Lock()
	defer d.Unlock()
	if d.closed {
		return false, ErrClosed
	}

	res, err := d.db.Exec("DELETE FROM sessions WHERE site = ?", site)
	if err != nil {
		return false, fmt.Errorf("error deleting session for %s: %w", site, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecordDownload appends rec to the download history.
func (d *DB) RecordDownload(rec models.HistoryRecord) error {
	d.Lock()
	defer d.Unlock()
	if d.closed {
		return ErrClosed
	}

	savedAt := rec.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	_, err := d.db.Exec(`
		INSERT INTO downloads (title, format, path, size, hash_blake3, run_id, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.Title, string(rec.Format), rec.Path, rec.Size, rec.BLAKE3, rec.RunID, savedAt.UTC())
	if err != nil {
		return fmt.Errorf("error recording download of %q (%s): %w", rec.Title, rec.Format, err)
	}
	return nil
}

// History returns the most recent downloads first. limit <= 0 means all.
func (d *DB) History(limit int) ([]models.HistoryRecord, error) {
	d.RLock()
	defer d.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	query := "SELECT title, format, path, size, COALESCE(hash_blake3, ''), run_id, saved_at FROM downloads ORDER BY saved_at DESC, id DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying download history: %w", err)
	}
	defer rows.Close()

	var out []models.HistoryRecord
	for rows.Next() {
		var rec models.HistoryRecord
		var format string
		if err := rows.Scan(&rec.Title, &format, &rec.Path, &rec.Size, &rec.BLAKE3, &rec.RunID, &rec.SavedAt); err != nil {
			log.WithError(err).Warn("History: error scanning row")
			continue
		}
		rec.Format = models.Format(format)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HasDownload reports whether title was ever saved in format.
func (d *DB) HasDownload(title string, format models.Format) bool {
	d.RLock()
	defer d.RUnlock()
	if d.closed {
		return false
	}

	var exists bool
	err := d.db.QueryRow("SELECT EXISTS(SELECT 1 FROM downloads WHERE title = ? AND format = ?)", title, string(format)).Scan(&exists)
	return err == nil && exists
}

// SaveCatalog replaces the stored catalog snapshot for site.
func (d *DB) SaveCatalog(site string, entries []models.CatalogEntry) error {
	d.Lock()
	defer d.Unlock()
	if d.closed {
		return ErrClosed
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("error starting catalog transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec("DELETE FROM catalog_entries WHERE site = ?", site); err != nil {
		return fmt.Errorf("error clearing catalog for %s: %w", site, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO catalog_entries (site, row_index, title, product_key, formats, ambiguous, controls, scanned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("error preparing catalog insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, e := range entries {
		formats, _ := json.Marshal(e.Formats)
		ambiguous, _ := json.Marshal(e.Ambiguous)
		controls, _ := json.Marshal(e.Controls)
		if _, err := stmt.Exec(site, e.RowIndex, e.Title, e.Key, string(formats), string(ambiguous), string(controls), now); err != nil {
			return fmt.Errorf("error saving catalog entry %q: %w", e.Title, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing catalog for %s: %w", site, err)
	}
	log.WithField("site", site).Debugf("Saved catalog snapshot with %d entries", len(entries))
	return nil
}

// LoadCatalog returns the stored catalog snapshot for site in row order.
func (d *DB) LoadCatalog(site string) ([]models.CatalogEntry, error) {
	d.RLock()
	defer d.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	rows, err := d.db.Query(`
		SELECT row_index, title, COALESCE(product_key, ''), formats, COALESCE(ambiguous, 'null'), COALESCE(controls, '[]')
		FROM catalog_entries WHERE site = ? ORDER BY row_index
	`, site)
	if err != nil {
		return nil, fmt.Errorf("error querying catalog for %s: %w", site, err)
	}
	defer rows.Close()

	var out []models.CatalogEntry
	for rows.Next() {
		var e models.CatalogEntry
		var formats, ambiguous, controls string
		if err := rows.Scan(&e.RowIndex, &e.Title, &e.Key, &formats, &ambiguous, &controls); err != nil {
			log.WithError(err).Warn("LoadCatalog: error scanning row")
			continue
		}
		if err := json.Unmarshal([]byte(formats), &e.Formats); err != nil {
			log.WithError(err).Warnf("LoadCatalog: bad formats for %q", e.Title)
		}
		_ = json.Unmarshal([]byte(ambiguous), &e.Ambiguous)
		_ = json.Unmarshal([]byte(controls), &e.Controls)
		out = append(out, e)
	}
	return out, rows.Err()
}
