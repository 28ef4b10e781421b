// Package index keeps a SQLite mirror of the vault's note metadata and
// answers the query directive against it.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// SQLite driver (required for database/sql registration).
	_ "github.com/mattn/go-sqlite3"

	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/vault"
)

// Note is one indexed note.
type Note struct {
	Path        string
	Title       string
	Folder      string
	ModTime     time.Time
	Size        int64
	Frontmatter map[string]any
	Tags        []string
	Links       []string
}

// SyncStats reports what a Sync changed.
type SyncStats struct {
	Added   int
	Updated int
	Removed int
}

// Store is the note index database.
type Store struct {
	db *sql.DB
}

// Open opens (and creates) the index database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Wrap(err, errors.CodeIndexFailed, "cannot create index directory", errors.CategorySystem)
	}
	db, err := openDB(dbPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeIndexFailed, "cannot open index", errors.CategorySystem)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CodeIndexFailed, "cannot initialize index schema", errors.CategorySystem)
	}
	return s, nil
}

// openDB opens a single SQLite database with WAL and the usual pragmas.
func openDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		description TEXT
	);

	CREATE TABLE IF NOT EXISTS notes (
		path             TEXT PRIMARY KEY,
		title            TEXT NOT NULL,
		folder           TEXT NOT NULL,
		mtime            INTEGER NOT NULL,
		size             INTEGER NOT NULL DEFAULT 0,
		frontmatter_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_notes_folder ON notes(folder);
	CREATE INDEX IF NOT EXISTS idx_notes_title ON notes(title COLLATE NOCASE);

	CREATE TABLE IF NOT EXISTS tags (
		path TEXT NOT NULL,
		tag  TEXT NOT NULL,
		FOREIGN KEY (path) REFERENCES notes(path) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tags_tag ON tags(tag);
	CREATE INDEX IF NOT EXISTS idx_tags_path ON tags(path);

	CREATE TABLE IF NOT EXISTS links (
		path   TEXT NOT NULL,
		target TEXT NOT NULL,
		FOREIGN KEY (path) REFERENCES notes(path) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_links_target ON links(target COLLATE NOCASE);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return ensureSchemaVersion(s.db, 1, "Initial note index schema")
}

func ensureSchemaVersion(db *sql.DB, version int, description string) error {
	var current sql.NullInt64
	if err := db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&current); err != nil {
		return err
	}
	if !current.Valid || int(current.Int64) < version {
		_, err := db.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			version,
			description,
		)
		return err
	}
	return nil
}

// Sync brings the index in line with the vault. Notes whose modification
// time is unchanged are skipped.
func (s *Store) Sync(ctx context.Context, v *vault.Vault) (SyncStats, error) {
	var stats SyncStats

	files, err := v.MarkdownFiles()
	if err != nil {
		return stats, err
	}

	known := map[string]int64{}
	rows, err := s.db.QueryContext(ctx, "SELECT path, mtime FROM notes")
	if err != nil {
		return stats, errors.Wrap(err, errors.CodeIndexFailed, "cannot read index", errors.CategorySystem)
	}
	for rows.Next() {
		var p string
		var mt int64
		if err := rows.Scan(&p, &mt); err != nil {
			rows.Close()
			return stats, errors.Wrap(err, errors.CodeIndexFailed, "cannot read index", errors.CategorySystem)
		}
		known[p] = mt
	}
	rows.Close()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, errors.Wrap(err, errors.CodeIndexFailed, "cannot begin index sync", errors.CategorySystem)
	}
	defer tx.Rollback()

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		seen[f] = true

		mt, err := v.ModTime(f)
		if err != nil {
			continue
		}
		prev, exists := known[f]
		if exists && prev == mt.UnixNano() {
			continue
		}

		meta, err := v.Metadata(f)
		if err != nil {
			continue
		}
		raw, _ := v.ReadBytes(f)
		if err := upsert(ctx, tx, meta, mt, int64(len(raw))); err != nil {
			return stats, errors.Wrap(err, errors.CodeIndexFailed, "cannot index "+f, errors.CategorySystem)
		}
		if exists {
			stats.Updated++
		} else {
			stats.Added++
		}
	}

	for p := range known {
		if seen[p] {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM notes WHERE path = ?", p); err != nil {
			return stats, errors.Wrap(err, errors.CodeIndexFailed, "cannot remove "+p, errors.CategorySystem)
		}
		stats.Removed++
	}

	if err := tx.Commit(); err != nil {
		return stats, errors.Wrap(err, errors.CodeIndexFailed, "cannot commit index sync", errors.CategorySystem)
	}
	return stats, nil
}

func upsert(ctx context.Context, tx *sql.Tx, meta *vault.Metadata, mt time.Time, size int64) error {
	fmJSON := []byte("{}")
	if meta.Frontmatter != nil {
		b, err := json.Marshal(meta.Frontmatter)
		if err == nil {
			fmJSON = b
		}
	}

	folder := filepath.ToSlash(filepath.Dir(meta.Path))
	if folder == "." {
		folder = ""
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM notes WHERE path = ?", meta.Path); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO notes (path, title, folder, mtime, size, frontmatter_json) VALUES (?, ?, ?, ?, ?, ?)",
		meta.Path, meta.Title, folder, mt.UnixNano(), size, string(fmJSON),
	); err != nil {
		return err
	}
	for _, tag := range noteTags(meta.Frontmatter) {
		if _, err := tx.ExecContext(ctx, "INSERT INTO tags (path, tag) VALUES (?, ?)", meta.Path, tag); err != nil {
			return err
		}
	}
	for _, l := range meta.Links {
		if _, err := tx.ExecContext(ctx, "INSERT INTO links (path, target) VALUES (?, ?)", meta.Path, l.Target); err != nil {
			return err
		}
	}
	return nil
}

// noteTags reads the front matter "tags" key, which may be a list or a
// comma/space separated string.
func noteTags(fm map[string]any) []string {
	var tags []string
	switch t := fm["tags"].(type) {
	case []any:
		for _, v := range t {
			if s := strings.TrimPrefix(strings.TrimSpace(fmt.Sprint(v)), "#"); s != "" {
				tags = append(tags, s)
			}
		}
	case string:
		for _, s := range strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == ' ' }) {
			if s = strings.TrimPrefix(s, "#"); s != "" {
				tags = append(tags, s)
			}
		}
	}
	return tags
}

// Notes returns the indexed notes under folder ("" for all), sorted by path.
func (s *Store) Notes(ctx context.Context, folder string) ([]Note, error) {
	query := "SELECT path, title, folder, mtime, size, frontmatter_json FROM notes"
	var args []any
	if folder = strings.Trim(folder, "/"); folder != "" {
		query += " WHERE folder = ? OR folder LIKE ?"
		args = append(args, folder, folder+"/%")
	}
	query += " ORDER BY path"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeIndexFailed, "cannot query notes", errors.CategorySystem)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		var mt int64
		var fmJSON sql.NullString
		if err := rows.Scan(&n.Path, &n.Title, &n.Folder, &mt, &n.Size, &fmJSON); err != nil {
			return nil, errors.Wrap(err, errors.CodeIndexFailed, "cannot scan note", errors.CategorySystem)
		}
		n.ModTime = time.Unix(0, mt)
		if fmJSON.Valid && fmJSON.String != "" {
			_ = json.Unmarshal([]byte(fmJSON.String), &n.Frontmatter)
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range notes {
		if notes[i].Tags, err = s.strings(ctx, "SELECT tag FROM tags WHERE path = ? ORDER BY rowid", notes[i].Path); err != nil {
			return nil, err
		}
		if notes[i].Links, err = s.strings(ctx, "SELECT target FROM links WHERE path = ? ORDER BY rowid", notes[i].Path); err != nil {
			return nil, err
		}
	}
	return notes, nil
}

// Backlinks returns the paths of notes linking to title.
func (s *Store) Backlinks(ctx context.Context, title string) ([]string, error) {
	return s.strings(ctx,
		"SELECT DISTINCT path FROM links WHERE target = ? COLLATE NOCASE OR target LIKE ? ORDER BY path",
		title, "%/"+title)
}

// Tagged returns the paths of notes carrying tag.
func (s *Store) Tagged(ctx context.Context, tag string) ([]string, error) {
	return s.strings(ctx, "SELECT DISTINCT path FROM tags WHERE tag = ? ORDER BY path", strings.TrimPrefix(tag, "#"))
}

func (s *Store) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeIndexFailed, "index query failed", errors.CategorySystem)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
