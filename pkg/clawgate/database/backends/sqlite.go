// Package backends provides database backend implementations.
package backends

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names registered by the SQLite packages.
const (
	// DriverCGO is registered by github.com/mattn/go-sqlite3.
	DriverCGO = "sqlite3"
	// DriverPure is registered by modernc.org/sqlite.
	DriverPure = "sqlite"
)

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// Pure selects the CGO-free modernc.org/sqlite driver.
	Pure bool `yaml:"pure"`
}

// OpenSQLite opens or creates a SQLite database with the given configuration.
// Foreign keys are always enabled.
func OpenSQLite(ctx context.Context, config SQLiteConfig) (*sql.DB, error) {
	if config.Path == "" {
		config.Path = "./data/clawgate.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5000
	}

	if config.Path != ":memory:" {
		dir := filepath.Dir(config.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	driver, dsn := sqliteDSN(config)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", config.Path, err)
	}

	// SQLite allows a single writer; one connection avoids SQLITE_BUSY
	// storms under concurrent sessions.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// sqliteDSN builds the driver name and DSN. The two drivers spell pragmas
// differently.
func sqliteDSN(config SQLiteConfig) (string, string) {
	if config.Pure {
		params := []string{
			fmt.Sprintf("_pragma=journal_mode(%s)", strings.ToLower(config.JournalMode)),
			fmt.Sprintf("_pragma=busy_timeout(%d)", config.BusyTimeout),
			"_pragma=foreign_keys(1)",
		}
		return DriverPure, "file:" + config.Path + "?" + strings.Join(params, "&")
	}
	return DriverCGO, fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON",
		config.Path, config.JournalMode, config.BusyTimeout)
}

// SQLiteVersion returns the library version reported by the engine.
func SQLiteVersion(ctx context.Context, db *sql.DB) string {
	var version string
	if err := db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
		return "unknown"
	}
	return version
}

// SQLiteMigrations returns the ordered schema migrations for SQLite.
// Index i holds the statements of version i+1.
func SQLiteMigrations() []string {
	return []string{
		`
CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	external_id    TEXT NOT NULL UNIQUE,
	channel        TEXT NOT NULL DEFAULT '',
	chat_id        TEXT NOT NULL DEFAULT '',
	username       TEXT NOT NULL DEFAULT '',
	display_name   TEXT NOT NULL DEFAULT '',
	trust_state    TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	last_active_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pairing_requests (
	code       TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL UNIQUE REFERENCES users(id),
	issued_at  INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL UNIQUE REFERENCES users(id),
	summary        TEXT NOT NULL DEFAULT '',
	summary_tokens INTEGER NOT NULL DEFAULT 0,
	context_start  INTEGER NOT NULL DEFAULT 1,
	degraded       INTEGER NOT NULL DEFAULT 0,
	model          TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	last_activity  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	session_id     TEXT NOT NULL REFERENCES sessions(id),
	seq            INTEGER NOT NULL,
	role           TEXT NOT NULL,
	content        TEXT NOT NULL,
	tool_call_id   TEXT NOT NULL DEFAULT '',
	tool_name      TEXT NOT NULL DEFAULT '',
	tool_calls     TEXT NOT NULL DEFAULT '',
	token_estimate INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS pending_approvals (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL REFERENCES users(id),
	session_id   TEXT NOT NULL,
	tool_name    TEXT NOT NULL,
	tool_call_id TEXT NOT NULL DEFAULT '',
	arguments    TEXT NOT NULL DEFAULT '',
	risk         TEXT NOT NULL,
	status       TEXT NOT NULL,
	requested_at INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL,
	resolved_at  INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_approvals_one_per_user
	ON pending_approvals(user_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_pending_approvals_status_expiry
	ON pending_approvals(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_pairing_requests_expiry
	ON pairing_requests(expires_at);
`,
		`
CREATE TABLE IF NOT EXISTS reminders (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id),
	message    TEXT NOT NULL,
	schedule   TEXT NOT NULL DEFAULT '',
	next_run   INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reminders_next_run
	ON reminders(next_run);
CREATE INDEX IF NOT EXISTS idx_reminders_user
	ON reminders(user_id);
`,
	}
}
