package database

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Backend = BackendSQLitePure
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "test.db")

	b, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestOpen_MigratesFreshDatabase(t *testing.T) {
	t.Parallel()
	b := openTestBackend(t)
	ctx := context.Background()

	v, err := b.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v != len(b.migrations()) {
		t.Errorf("version = %d, want %d", v, len(b.migrations()))
	}

	for _, table := range []string{"users", "pairing_requests", "sessions", "turns", "pending_approvals", "reminders"} {
		var n int
		err := b.DB.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
		if err != nil {
			t.Fatalf("query %s: %v", table, err)
		}
		if n != 1 {
			t.Errorf("table %s missing", table)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	t.Parallel()
	b := openTestBackend(t)
	ctx := context.Background()

	if err := b.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	needs, err := b.NeedsMigration(ctx)
	if err != nil {
		t.Fatalf("NeedsMigration: %v", err)
	}
	if needs {
		t.Error("NeedsMigration = true after migrating twice")
	}
}

func TestStatus_Healthy(t *testing.T) {
	t.Parallel()
	b := openTestBackend(t)

	st := b.Status(context.Background())
	if !st.Healthy {
		t.Fatalf("Status unhealthy: %s", st.Error)
	}
	if st.Version == "" || st.Version == "unknown" {
		t.Errorf("Version = %q, want sqlite version", st.Version)
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		backend BackendType
		in      string
		want    string
	}{
		{BackendSQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{BackendPostgreSQL, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{BackendPostgreSQL, "SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		b := &Backend{Type: tt.backend}
		if got := b.Rebind(tt.in); got != tt.want {
			t.Errorf("Rebind(%q) [%s] = %q, want %q", tt.in, tt.backend, got, tt.want)
		}
	}
}

func TestConfig_Effective(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		cfg         Config
		wantBackend BackendType
		wantPath    string
	}{
		{"default", Config{}, BackendSQLite, ""},
		{"postgres url", Config{URL: "postgres://u:p@db/x"}, BackendPostgreSQL, ""},
		{"sqlite url", Config{URL: "sqlite:///tmp/a.db"}, BackendSQLite, "/tmp/a.db"},
		{"pure keeps driver", Config{Backend: BackendSQLitePure, URL: "/tmp/b.db"}, BackendSQLitePure, "/tmp/b.db"},
		{"pg alias", Config{Backend: "pg"}, BackendPostgreSQL, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.cfg.Effective()
			if got.Backend != tt.wantBackend {
				t.Errorf("Backend = %q, want %q", got.Backend, tt.wantBackend)
			}
			if tt.wantPath != "" && got.SQLite.Path != tt.wantPath {
				t.Errorf("SQLite.Path = %q, want %q", got.SQLite.Path, tt.wantPath)
			}
		})
	}
}

func TestIsDuplicateKey(t *testing.T) {
	t.Parallel()
	b := openTestBackend(t)
	ctx := context.Background()

	insert := "INSERT INTO schema_version (version, applied_at) VALUES (?, 0)"
	_, err := b.DB.ExecContext(ctx, insert, 1)
	if !IsDuplicateKey(err) {
		t.Errorf("IsDuplicateKey(%v) = false, want true", err)
	}
	if IsDuplicateKey(nil) {
		t.Error("IsDuplicateKey(nil) = true")
	}
}
