// Package state persists instances, challenges, settings, per-user activity
// and coordination primitives in a single SQLite database.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrConflict is returned when a write would break a uniqueness invariant,
// such as a second active instance for one user or one port.
var ErrConflict = errors.New("state_conflict")

type Store struct {
	db  *sql.DB
	now func() time.Time
}

type OpenOptions struct {
	MaxOpenConns int
}

const defaultMaxOpenConns = 10

func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions opens the database at path, enables WAL and runs migrations.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	// busy_timeout is per connection, so it travels in the DSN.
	dsn := path + sep + "_pragma=busy_timeout(5000)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite setup (journal_mode): %w", err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates all tables and indexes if they do not already exist.
// Timestamps are stored as unix nanoseconds.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS instances (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL,
	challenge_id TEXT NOT NULL,
	port INTEGER NOT NULL DEFAULT 0,
	flag TEXT NOT NULL,
	container_id TEXT NOT NULL DEFAULT '',
	container_name TEXT NOT NULL DEFAULT '',
	internal_address TEXT NOT NULL DEFAULT '',
	route_name TEXT NOT NULL DEFAULT '',
	start_time INTEGER NOT NULL,
	renew_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	destroyed_at INTEGER NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_active_user ON instances(user_id) WHERE status = 'active';
CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_active_port ON instances(port) WHERE status = 'active' AND port > 0;
CREATE INDEX IF NOT EXISTS idx_instances_status_start ON instances(status, start_time);
CREATE TABLE IF NOT EXISTS challenges (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	image TEXT NOT NULL,
	redirect_type TEXT NOT NULL,
	redirect_port INTEGER NOT NULL,
	memory_limit TEXT NOT NULL DEFAULT '',
	cpu_limit REAL NOT NULL DEFAULT 0,
	env TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS settings_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS user_activity (
	user_id TEXT PRIMARY KEY,
	last_op_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS locks (
	key TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pool_members (
	pool TEXT NOT NULL,
	value INTEGER NOT NULL,
	PRIMARY KEY (pool, value)
);
CREATE TABLE IF NOT EXISTS pool_claims (
	pool TEXT NOT NULL,
	value INTEGER NOT NULL,
	claimed_at INTEGER NOT NULL,
	PRIMARY KEY (pool, value)
);
INSERT OR IGNORE INTO settings_meta(id, version) VALUES (1, 0);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o750)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(v int64) time.Time { return time.Unix(0, v).UTC() }
