package database

import (
	"strings"

	"github.com/jholhewres/clawgate/pkg/clawgate/database/backends"
)

// Config selects and configures the storage backend.
type Config struct {
	// Backend is "sqlite" (default), "sqlite-pure" or "postgresql".
	Backend BackendType `yaml:"backend" envconfig:"DATABASE_BACKEND"`

	// URL, when set, overrides the backend-specific settings. A postgres://
	// URL selects PostgreSQL; anything else is treated as a SQLite path.
	URL string `yaml:"url" envconfig:"DATABASE_URL"`

	SQLite     backends.SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL backends.PostgreSQLConfig `yaml:"postgresql"`
}

// DefaultConfig returns the zero-configuration SQLite setup.
func DefaultConfig() Config {
	return Config{
		Backend: BackendSQLite,
		SQLite: backends.SQLiteConfig{
			Path:        "./data/clawgate.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
	}
}

// Effective returns a copy with URL resolution and defaults applied.
func (c Config) Effective() Config {
	out := c
	if out.URL != "" {
		if strings.HasPrefix(out.URL, "postgres://") || strings.HasPrefix(out.URL, "postgresql://") {
			out.Backend = BackendPostgreSQL
			out.PostgreSQL.URL = out.URL
		} else {
			if out.Backend != BackendSQLitePure {
				out.Backend = BackendSQLite
			}
			out.SQLite.Path = strings.TrimPrefix(out.URL, "sqlite://")
		}
	}
	switch out.Backend {
	case "", "sqlite3":
		out.Backend = BackendSQLite
	case "postgres", "pg":
		out.Backend = BackendPostgreSQL
	}
	if out.Backend == BackendSQLitePure {
		out.SQLite.Pure = true
	}
	return out
}
