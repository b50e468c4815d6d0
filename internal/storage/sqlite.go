package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding briefs, credit accounts, referrals
// and the background job queue.
type Store struct {
	db *sql.DB
}

// dbFile is the database file name inside the data directory.
const dbFile = "briefai.db"

// pragmas run on every connection before migrations. A single connection
// keeps writers serialized, so busy_timeout only covers other processes.
var pragmas = []string{
	"PRAGMA busy_timeout = 5000",
	"PRAGMA journal_mode = WAL",
	"PRAGMA foreign_keys = ON",
}

// Open opens or creates the database under dataDir and applies pending
// migrations. ":memory:" gives a private in-memory database.
func Open(dataDir string) (*Store, error) {
	dsn := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, dbFile)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := s.migrate(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migration is one embedded NNN_name.sql file.
type migration struct {
	version int
	file    string
}

func pendingMigrations(applied map[int]bool) ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		v, err := parseMigrationVersion(e.Name())
		if err != nil {
			return nil, err
		}
		if !applied[v] {
			out = append(out, migration{version: v, file: e.Name()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		file       TEXT NOT NULL DEFAULT '',
		applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	versions, err := s.AppliedMigrations()
	if err != nil {
		return err
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}

	pending, err := pendingMigrations(applied)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := s.apply(m); err != nil {
			return err
		}
	}
	return nil
}

// apply runs one migration and records it in the same transaction.
func (s *Store) apply(m migration) error {
	body, err := migrationsFS.ReadFile("migrations/" + m.file)
	if err != nil {
		return fmt.Errorf("reading %s: %w", m.file, err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: %w", m.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return fmt.Errorf("applying migration %d: %w", m.version, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version, file) VALUES (?, ?)`, m.version, m.file); err != nil {
		return fmt.Errorf("recording migration %d: %w", m.version, err)
	}
	return tx.Commit()
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("migration %q has no numeric prefix: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query(`SELECT version FROM schema_version ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

const timeFormat = time.RFC3339

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(timeFormat, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// --- Briefs ---

const briefColumns = `id, share_id, user_id, topic, locale, degraded, document, created_at, request_id`

func (s *Store) SaveBrief(b BriefRecord) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO briefs (`+briefColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ShareID, b.UserID, b.Topic, b.Locale, b.Degraded, b.Document, formatTime(b.CreatedAt), b.RequestID,
	)
	if err != nil {
		return fmt.Errorf("inserting brief: %w", err)
	}
	return nil
}

func (s *Store) GetBrief(id string) (BriefRecord, error) {
	return scanBrief(s.db.QueryRow(`SELECT `+briefColumns+` FROM briefs WHERE id = ?`, id))
}

func (s *Store) GetBriefByShareID(shareID string) (BriefRecord, error) {
	return scanBrief(s.db.QueryRow(`SELECT `+briefColumns+` FROM briefs WHERE share_id = ?`, shareID))
}

// GetBriefByRequest returns the brief userID saved under requestID.
func (s *Store) GetBriefByRequest(userID, requestID string) (BriefRecord, error) {
	if requestID == "" {
		return BriefRecord{}, ErrNotFound
	}
	return scanBrief(s.db.QueryRow(`SELECT `+briefColumns+` FROM briefs WHERE user_id = ? AND request_id = ?`, userID, requestID))
}

// ListBriefs returns a user's briefs, newest first. An empty userID lists
// every user's briefs.
func (s *Store) ListBriefs(userID string, limit int) ([]BriefRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if userID == "" {
		rows, err = s.db.Query(`SELECT `+briefColumns+` FROM briefs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+briefColumns+` FROM briefs WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []BriefRecord
	for rows.Next() {
		b, err := scanBrief(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, b)
	}
	return results, rows.Err()
}

func (s *Store) DeleteBrief(id string) error {
	res, err := s.db.Exec(`DELETE FROM briefs WHERE id = ?`, id)
	if err != nil {
		return err
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

func scanBrief(row rowScanner) (BriefRecord, error) {
	var b BriefRecord
	var createdAt string
	err := row.Scan(&b.ID, &b.ShareID, &b.UserID, &b.Topic, &b.Locale, &b.Degraded, &b.Document, &createdAt, &b.RequestID)
	if err == sql.ErrNoRows {
		return BriefRecord{}, ErrNotFound
	}
	if err != nil {
		return BriefRecord{}, err
	}
	if b.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return BriefRecord{}, err
	}
	return b, nil
}
