package commands

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostpanel/hostpanel/pkg/billing"
	"github.com/hostpanel/hostpanel/pkg/stores"
)

func runPanel(t *testing.T, args ...string) (int, error) {
	t.Helper()
	root := newRootCommand("test", "none", "today")
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code, err
	}
	return 0, err
}

func writeLedgerSettings(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	db := filepath.Join(dir, "panel.db")
	path := filepath.Join(dir, "panel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ledgerSettingsFor(db)), 0o644))
	return path, db
}

func ledgerSettingsFor(db string) string {
	return "database:\n  path: " + db + "\n" +
		"telemetry:\n  logging: {level: error, format: json}\n  tracing: {enabled: false, exporter: none}\n  metrics: {enabled: false}\n"
}

func TestInitValidatePlan(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "panel.yaml")

	_, err := runPanel(t, "init", "--config", cfg)
	require.NoError(t, err)

	for _, p := range []string{cfg, filepath.Join(dir, "resources.cue"), filepath.Join(dir, "data", "panel.db"), filepath.Join(dir, "data", "keys", "default-ed25519.pub")} {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}

	// A second init keeps the existing files.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "resources.cue"), []byte("resources: []\n"), 0o644))
	_, err = runPanel(t, "init", "--config", cfg)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "resources.cue"))
	require.NoError(t, err)
	assert.Equal(t, "resources: []\n", string(data))

	_, err = runPanel(t, "init", "--config", cfg, "--force")
	require.NoError(t, err)

	code, err := runPanel(t, "validate", "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	_, err = runPanel(t, "plan", "--config", cfg, "--no-diff")
	require.NoError(t, err)
}

func TestValidateReportsPolicyViolations(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "panel.yaml")
	_, err := runPanel(t, "init", "--config", cfg)
	require.NoError(t, err)

	bad := `resources: [{kind: "webapp", name: "big", account: "acme", type: "php", php_version: "8.2-fpm", options: {processes: 50}}]` + "\n"
	manifest := filepath.Join(dir, "bad.cue")
	require.NoError(t, os.WriteFile(manifest, []byte(bad), 0o644))

	code, err := runPanel(t, "validate", "--config", cfg, manifest)
	require.Error(t, err)
	assert.Equal(t, 1, code)
}

func TestBillLifecycle(t *testing.T) {
	cfg, db := writeLedgerSettings(t)

	_, err := runPanel(t, "bill", "create", "--config", cfg, "--account", "acme", "--type", "invoice")
	require.NoError(t, err)
	_, err = runPanel(t, "bill", "add-line", "--config", cfg, "--bill", "1", "--description", "Hosting",
		"--subtotal", "100", "--tax", "21", "--subline", "volume:Discount:-10")
	require.NoError(t, err)
	_, err = runPanel(t, "bill", "close", "1", "--config", cfg, "--method", "transfer")
	require.NoError(t, err)

	store, err := stores.Open(context.Background(), stores.Config{Path: db})
	require.NoError(t, err)
	defer store.Close()

	b, err := store.GetBill(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, b.IsOpen)
	assert.Regexp(t, `^I\d{4}\d{4}$`, b.Number)
	assert.Equal(t, "108.90", billing.ComputeTotal(b.Lines).StringFixed(2))
	require.Len(t, b.Transactions, 1)
	assert.Equal(t, billing.WaitingProcessing, b.Transactions[0].State)

	_, err = runPanel(t, "bill", "set-state", "--config", cfg, "1", "executed")
	require.NoError(t, err)
	_, err = runPanel(t, "bill", "state", "--config", cfg, "1")
	require.NoError(t, err)

	// Closing twice is rejected.
	_, err = runPanel(t, "bill", "close", "1", "--config", cfg)
	require.Error(t, err)
	assert.True(t, billing.IsValidation(err))

	_, err = runPanel(t, "bill", "create", "--config", cfg, "--amend-of", "1")
	require.NoError(t, err)
	amend, err := store.GetBill(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, billing.AmendmentInvoice, amend.Type)
	assert.Equal(t, int64(1), amend.AmendOf)

	_, err = runPanel(t, "bill", "list", "--config", cfg, "--open")
	require.NoError(t, err)
	_, err = runPanel(t, "bill", "show", "1", "--config", cfg, "--html")
	require.NoError(t, err)
}

// A transaction state the ledger cannot interpret fails the command instead
// of being printed as some default.
func TestBillStateFailsOnCorruptLedger(t *testing.T) {
	cfg, db := writeLedgerSettings(t)

	_, err := runPanel(t, "bill", "create", "--config", cfg, "--account", "acme", "--type", "invoice")
	require.NoError(t, err)
	_, err = runPanel(t, "bill", "add-line", "--config", cfg, "--bill", "1", "--description", "Hosting", "--subtotal", "100")
	require.NoError(t, err)
	_, err = runPanel(t, "bill", "close", "1", "--config", cfg, "--method", "transfer")
	require.NoError(t, err)

	conn, err := sql.Open("sqlite", db)
	require.NoError(t, err)
	_, err = conn.Exec(`UPDATE transactions SET state = 'LOST' WHERE bill_id = 1`)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	for _, args := range [][]string{
		{"bill", "state", "--config", cfg, "1"},
		{"bill", "list", "--config", cfg},
	} {
		_, err = runPanel(t, args...)
		require.Error(t, err, args[1])
		assert.True(t, billing.IsLedger(err), args[1])
		assert.Contains(t, err.Error(), "LOST")
	}
}

func TestBillCreateRejectsUnknownType(t *testing.T) {
	cfg, _ := writeLedgerSettings(t)
	_, err := runPanel(t, "bill", "create", "--config", cfg, "--account", "acme", "--type", "receipt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown bill type")
}

func TestParseSubline(t *testing.T) {
	sl, err := parseSubline("compensation:Downtime credit:-2.50")
	require.NoError(t, err)
	assert.Equal(t, billing.SublineCompensation, sl.Type)
	assert.Equal(t, "Downtime credit", sl.Description)
	assert.Equal(t, "-2.5", sl.Total.String())

	_, err = parseSubline("nope")
	assert.Error(t, err)
	_, err = parseSubline("OTHER:x:abc")
	assert.Error(t, err)
}

func TestMarkersLocalHost(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state")
	require.NoError(t, os.MkdirAll(state, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(state, "restart.apache2"), []byte("php\n"), 0o644))

	cfg := filepath.Join(dir, "panel.yaml")
	content := ledgerSettingsFor(filepath.Join(dir, "panel.db")) +
		"hosts:\n  - {name: local, local: true, state_dir: " + state + "}\n"
	require.NoError(t, os.WriteFile(cfg, []byte(content), 0o644))

	_, err := runPanel(t, "markers", "list", "--config", cfg)
	require.NoError(t, err)
	_, err = runPanel(t, "markers", "clear", "--config", cfg, "--host", "local", "apache2")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(state, "restart.apache2"))
	assert.True(t, os.IsNotExist(err))

	_, err = runPanel(t, "markers", "list", "--config", cfg, "--host", "missing")
	assert.Error(t, err)
}
