package backends

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// PostgreSQLConfig holds PostgreSQL-specific configuration.
type PostgreSQLConfig struct {
	// URL is a full connection string (postgres://...). When set it wins
	// over the discrete fields.
	URL string `yaml:"url"`

	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// OpenPostgreSQL opens a PostgreSQL connection pool through pgx's
// database/sql driver.
func OpenPostgreSQL(ctx context.Context, config PostgreSQLConfig) (*sql.DB, error) {
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 25
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 30 * time.Minute
	}
	if config.ConnMaxIdleTime == 0 {
		config.ConnMaxIdleTime = 5 * time.Minute
	}

	db, err := sql.Open("pgx", buildPostgreSQLDSN(config))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func buildPostgreSQLDSN(config PostgreSQLConfig) string {
	if config.URL != "" {
		return config.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode)
}

// PostgreSQLVersion returns the server version string.
func PostgreSQLVersion(ctx context.Context, db *sql.DB) string {
	var version string
	if err := db.QueryRowContext(ctx, "SHOW server_version").Scan(&version); err != nil {
		return "unknown"
	}
	return version
}

// PostgreSQLMigrations returns the ordered schema migrations for PostgreSQL.
func PostgreSQLMigrations() []string {
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
	created_at     BIGINT NOT NULL,
	updated_at     BIGINT NOT NULL,
	last_active_at BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pairing_requests (
	code       TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL UNIQUE REFERENCES users(id),
	issued_at  BIGINT NOT NULL,
	expires_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL UNIQUE REFERENCES users(id),
	summary        TEXT NOT NULL DEFAULT '',
	summary_tokens INTEGER NOT NULL DEFAULT 0,
	context_start  BIGINT NOT NULL DEFAULT 1,
	degraded       INTEGER NOT NULL DEFAULT 0,
	model          TEXT NOT NULL DEFAULT '',
	created_at     BIGINT NOT NULL,
	last_activity  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	session_id     TEXT NOT NULL REFERENCES sessions(id),
	seq            BIGINT NOT NULL,
	role           TEXT NOT NULL,
	content        TEXT NOT NULL,
	tool_call_id   TEXT NOT NULL DEFAULT '',
	tool_name      TEXT NOT NULL DEFAULT '',
	tool_calls     TEXT NOT NULL DEFAULT '',
	token_estimate INTEGER NOT NULL,
	created_at     BIGINT NOT NULL,
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
	requested_at BIGINT NOT NULL,
	expires_at   BIGINT NOT NULL,
	resolved_at  BIGINT NOT NULL DEFAULT 0
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
	next_run   BIGINT NOT NULL,
	created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reminders_next_run
	ON reminders(next_run);
CREATE INDEX IF NOT EXISTS idx_reminders_user
	ON reminders(user_id);
`,
	}
}
