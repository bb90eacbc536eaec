package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"
)

// CatalogFile is the catalog database name inside the cache directory.
const CatalogFile = "catalog.db"

// Identity records which model produced the cached vectors.
type Identity struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

// Entry is the catalog record of one cached vector.
type Entry struct {
	Name       string    `json:"name"`
	Key        string    `json:"cache_key"`
	SourceHash string    `json:"source_hash"`
	SourceSize int64     `json:"source_size"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
	CreatedAt  time.Time `json:"created_at"`
}

// Catalog persists the canonical ordering and entry metadata in SQLite.
type Catalog struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenCatalog opens or creates the catalog at dbPath.
func OpenCatalog(dbPath string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create cache directory: %v", ErrIO, err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open catalog: %v", ErrIO, err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to initialize catalog: %v", ErrIO, err)
	}

	log.Debug("Opened catalog", "path", dbPath)

	return &Catalog{db: db}, nil
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Identity returns the recorded model identity, or nil for a fresh cache.
func (c *Catalog) Identity() (*Identity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	values, err := c.metaValues("provider", "model", "dimensions")
	if err != nil {
		return nil, err
	}
	if values["model"] == "" {
		return nil, nil
	}

	dims, _ := strconv.Atoi(values["dimensions"])
	return &Identity{
		Provider:   values["provider"],
		Model:      values["model"],
		Dimensions: dims,
	}, nil
}

// SetIdentity records the model identity.
func (c *Catalog) SetIdentity(id Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for k, v := range map[string]string{
		"provider":   id.Provider,
		"model":      id.Model,
		"dimensions": strconv.Itoa(id.Dimensions),
	} {
		if err := setMeta(tx, k, v); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LastBuild returns the time of the last completed build, zero if none.
func (c *Catalog) LastBuild() (time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	values, err := c.metaValues("last_build")
	if err != nil {
		return time.Time{}, err
	}
	if values["last_build"] == "" {
		return time.Time{}, nil
	}

	t, _ := time.Parse(time.RFC3339, values["last_build"])
	return t, nil
}

// Entries returns every entry keyed by image name.
func (c *Catalog) Entries() (map[string]Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.Query(`
		SELECT name, cache_key, source_hash, source_size, model, dimensions, created_at
		FROM entries
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]Entry)
	for rows.Next() {
		var e Entry
		var createdAt string

		if err := rows.Scan(&e.Name, &e.Key, &e.SourceHash, &e.SourceSize, &e.Model, &e.Dimensions, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}

		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries[e.Name] = e
	}

	return entries, rows.Err()
}

// PutEntry inserts or replaces an entry. An entry holding the same cache key
// under another name is replaced.
func (c *Catalog) PutEntry(e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO entries (name, cache_key, source_hash, source_size, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Name, e.Key, e.SourceHash, e.SourceSize, e.Model, e.Dimensions, e.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to put entry %s: %w", e.Name, err)
	}

	return nil
}

// Manifest returns the persisted canonical ordering.
func (c *Catalog) Manifest() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.Query("SELECT name FROM manifest ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan manifest: %w", err)
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

// ReplaceManifest stores names as the new canonical ordering, drops entries
// for names no longer present and stamps the build time, in one transaction.
func (c *Catalog) ReplaceManifest(names []string, builtAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM manifest"); err != nil {
		return fmt.Errorf("failed to clear manifest: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO manifest (position, name) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare manifest insert: %w", err)
	}
	defer stmt.Close()

	for i, name := range names {
		if _, err := stmt.Exec(i, name); err != nil {
			return fmt.Errorf("failed to insert manifest row %d: %w", i, err)
		}
	}

	if _, err := tx.Exec("DELETE FROM entries WHERE name NOT IN (SELECT name FROM manifest)"); err != nil {
		return fmt.Errorf("failed to prune entries: %w", err)
	}

	if err := setMeta(tx, "last_build", builtAt.UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	return tx.Commit()
}

// metaValues reads meta keys; absent keys map to "".
func (c *Catalog) metaValues(keys ...string) (map[string]string, error) {
	values := make(map[string]string, len(keys))
	for _, k := range keys {
		var v string
		err := c.db.QueryRow("SELECT value FROM meta WHERE key = ?", k).Scan(&v)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to read meta %s: %w", k, err)
		}
		values[k] = v
	}
	return values, nil
}

func setMeta(tx *sql.Tx, key, value string) error {
	if _, err := tx.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value); err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}
