package stores

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hostpanel/hostpanel/pkg/billing"
)

var testNumbering = billing.Numbering{
	Prefixes: map[billing.BillType]string{
		billing.Invoice:          "I",
		billing.AmendmentInvoice: "A",
		billing.Fee:              "F",
		billing.AmendmentFee:     "B",
		billing.Proforma:         "P",
	},
	Width: 4,
}

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// setupFileStore creates a store backed by a file, allowing several
// connections.
func setupFileStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "panel.db")})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("in-memory store must use one connection, got %d", store.cfg.MaxOpenConns)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"bills", "bill_lines", "bill_sublines", "transactions", "resources", "runs", "run_results", "scripts"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	if err := store.Migrate(ctx); err != nil {
		t.Errorf("re-running migrations should be a no-op: %v", err)
	}

	var fk int
	if err := store.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil || fk != 1 {
		t.Errorf("foreign keys not enabled: %d %v", fk, err)
	}
}

func TestDSN(t *testing.T) {
	mem, _ := NewSQLiteStore(Config{Path: ":memory:"})
	file, _ := NewSQLiteStore(Config{Path: "/var/lib/panel.db", BusyTimeout: time.Second})

	for _, want := range []string{"foreign_keys%281%29", "_txlock=immediate"} {
		if !strings.Contains(mem.dsn(), want) {
			t.Errorf("memory DSN %q missing %q", mem.dsn(), want)
		}
	}
	if strings.Contains(mem.dsn(), "journal_mode") {
		t.Errorf("memory DSN must not enable WAL: %q", mem.dsn())
	}
	if !strings.Contains(file.dsn(), "busy_timeout%281000%29") || !strings.Contains(file.dsn(), "journal_mode%28WAL%29") {
		t.Errorf("unexpected file DSN %q", file.dsn())
	}
}

func TestToHundredths(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"121", 12100, false},
		{"0.01", 1, false},
		{"-10.5", -1050, false},
		{"21.00", 2100, false},
		{"0.001", 0, true},
	}
	for _, tt := range tests {
		got, err := toHundredths("amount", dec(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %d want %d", tt.in, got, tt.want)
		}
		if !tt.wantErr && !fromHundredths(got).Equal(dec(tt.in)) {
			t.Errorf("%s does not round-trip", tt.in)
		}
	}
}

func TestNotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.GetBill(ctx, 99); !errors.Is(err, billing.ErrNotFound) {
		t.Errorf("expected billing.ErrNotFound, got %v", err)
	}
	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetResource(ctx, "webapp/acme/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.SetTransactionState(ctx, 99, billing.Secured); !errors.Is(err, billing.ErrNotFound) {
		t.Errorf("expected billing.ErrNotFound, got %v", err)
	}
}
