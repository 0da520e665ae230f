// Package database opens the relational backend behind the row store and
// keeps its schema current. SQLite is the default backend and needs no
// configuration; PostgreSQL is available for shared deployments.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/database/backends"
)

// BackendType identifies the type of database backend.
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendSQLitePure BackendType = "sqlite-pure"
	BackendPostgreSQL BackendType = "postgresql"
)

// Backend is an open database connection plus the dialect knowledge the
// store needs to build portable queries.
type Backend struct {
	DB   *sql.DB
	Type BackendType

	logger *slog.Logger
}

// Open connects to the configured backend and applies pending migrations.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()

	var (
		db  *sql.DB
		err error
	)
	switch cfg.Backend {
	case BackendSQLite, BackendSQLitePure:
		db, err = backends.OpenSQLite(ctx, cfg.SQLite)
	case BackendPostgreSQL:
		db, err = backends.OpenPostgreSQL(ctx, cfg.PostgreSQL)
	default:
		return nil, fmt.Errorf("unsupported database backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	b := &Backend{
		DB:     db,
		Type:   cfg.Backend,
		logger: logger.With("component", "database", "backend", string(cfg.Backend)),
	}
	if err := b.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// Close closes the underlying connection pool.
func (b *Backend) Close() error {
	return b.DB.Close()
}

// Rebind rewrites '?' placeholders into the backend's native form.
// Queries must not carry literal question marks.
func (b *Backend) Rebind(query string) string {
	if b.Type != BackendPostgreSQL {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// IsDuplicateKey reports whether err is a unique constraint violation.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

func (b *Backend) migrations() []string {
	if b.Type == BackendPostgreSQL {
		return backends.PostgreSQLMigrations()
	}
	return backends.SQLiteMigrations()
}

// CurrentVersion returns the applied schema version, 0 for a fresh database.
func (b *Backend) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := b.DB.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Migrate applies every migration newer than the recorded version. Each
// version runs in its own transaction.
func (b *Backend) Migrate(ctx context.Context) error {
	_, err := b.DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := b.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for i, stmt := range b.migrations() {
		version := i + 1
		if version <= current {
			continue
		}
		if err := b.applyMigration(ctx, version, stmt); err != nil {
			return err
		}
		b.logger.Info("schema migrated", "version", version)
	}
	return nil
}

func (b *Backend) applyMigration(ctx context.Context, version int, stmt string) error {
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("apply migration %d: %w", version, err)
	}
	_, err = tx.ExecContext(ctx,
		b.Rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"),
		version, time.Now().Unix())
	if err != nil && !IsDuplicateKey(err) {
		return fmt.Errorf("record migration %d: %w", version, err)
	}
	return tx.Commit()
}

// NeedsMigration reports whether the schema is older than the code.
func (b *Backend) NeedsMigration(ctx context.Context) (bool, error) {
	current, err := b.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	return current < len(b.migrations()), nil
}

// HealthStatus represents the health state of the backend.
type HealthStatus struct {
	Healthy         bool          `json:"healthy"`
	Backend         BackendType   `json:"backend"`
	Latency         time.Duration `json:"latency"`
	Version         string        `json:"version"`
	SchemaVersion   int           `json:"schema_version"`
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
	Error           string        `json:"error,omitempty"`
}

// Status pings the backend and reports pool statistics.
func (b *Backend) Status(ctx context.Context) HealthStatus {
	st := HealthStatus{Backend: b.Type}
	start := time.Now()
	if err := b.DB.PingContext(ctx); err != nil {
		st.Error = err.Error()
		return st
	}
	st.Latency = time.Since(start)
	st.Healthy = true

	if b.Type == BackendPostgreSQL {
		st.Version = backends.PostgreSQLVersion(ctx, b.DB)
	} else {
		st.Version = backends.SQLiteVersion(ctx, b.DB)
	}
	if v, err := b.CurrentVersion(ctx); err == nil {
		st.SchemaVersion = v
	}

	stats := b.DB.Stats()
	st.OpenConnections = stats.OpenConnections
	st.InUse = stats.InUse
	st.Idle = stats.Idle
	return st
}
