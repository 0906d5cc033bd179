package policy

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hostpanel/hostpanel/pkg/engine"
	"github.com/hostpanel/hostpanel/pkg/resources"
)

const quotaRego = `# Accounts may run at most four PHP processes.
# severity: error
package site.quota

import rego.v1

deny contains "too many processes" if {
	input.kind == "webapp"
	input.attributes.options.processes > 4
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	path := filepath.Join(t.TempDir(), "quota.rego")
	writeFile(t, path, quotaRego)

	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "quota" {
		t.Errorf("Expected name 'quota', got '%s'", policy.Name)
	}
	if policy.Description != "Accounts may run at most four PHP processes." {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected severity from header, got %s", policy.Severity)
	}
	if policy.Source != path || !policy.Enabled {
		t.Errorf("Unexpected policy %+v", policy)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	good := filepath.Join(dir, "ports.json")
	writeFile(t, good, `{"name": "ports", "enabled": true, "rego": "package site.ports\n\nimport rego.v1\n\ndeny contains \"no\" if { false }"}`)
	policy, err := loader.loadFromFile(good)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "ports" || policy.Severity != SeverityWarning {
		t.Errorf("Unexpected policy %+v", policy)
	}

	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, `{"name": `)
	if _, err := loader.loadFromFile(bad); err == nil {
		t.Error("Expected error for invalid JSON")
	}

	nameless := filepath.Join(dir, "nameless.json")
	writeFile(t, nameless, `{"rego": "package x"}`)
	if _, err := loader.loadFromFile(nameless); err == nil {
		t.Error("Expected error for a policy without name")
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writeFile(t, path, "name: x")

	if _, err := loader.loadFromFile(path); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "quota.rego"), quotaRego)
	writeFile(t, filepath.Join(dir, "nested", "deep", "other.rego"), "package site.other\n")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    header
	}{
		{"none", "package x\n", header{}},
		{"description", "# First line\n# second line\npackage x\n# later\n", header{description: "First line second line"}},
		{"severity only", "# severity: critical\npackage x\n", header{severity: SeverityCritical}},
		{"blank lines before", "\n\n# Hello\npackage x\n", header{description: "Hello"}},
		{
			"scoped",
			"# Note: mail only\n# kinds: list, website\n# Actions: save\npackage x\n",
			header{description: "Note: mail only", kinds: []string{"list", "website"}, actions: []string{"save"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseHeader(tt.content)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestScopedPolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "freeze.rego"), `# Nothing may be deleted during the freeze.
# severity: error
# actions: delete
package site.freeze

import rego.v1

deny contains "deletes are frozen" if { true }
`)
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	db := &resources.Database{Name: "shop", Account: "acme", Type: "mysql"}
	if err := eng.Admit(ctx, save(db)); err != nil {
		t.Errorf("save should not be in scope: %v", err)
	}
	if err := eng.Admit(ctx, engine.Operation{Action: engine.ActionDelete, Resource: db}); err == nil {
		t.Error("expected delete to be denied")
	}

	result, err := eng.Evaluate(ctx, save(db))
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range result.Evaluated {
		if name == "freeze" || name == "php-limits" {
			t.Errorf("policy %s evaluated out of scope", name)
		}
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	path := filepath.Join(t.TempDir(), "quota.rego")
	writeFile(t, path, quotaRego)

	if _, err := loader.loadFromFile(path); err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, "# changed\npackage site.quota\n")

	cached, _ := loader.loadFromFile(path)
	if cached.Description == "changed" {
		t.Error("expected cached policy before ClearCache")
	}
	loader.ClearCache()
	fresh, _ := loader.loadFromFile(path)
	if fresh.Description != "changed" {
		t.Errorf("expected reloaded policy, got %q", fresh.Description)
	}
}

func TestWatchReloadsEngine(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	loader.ReloadDelay = 10 * time.Millisecond
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		return eng.SetPolicies(ctx, policies)
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	op := save(&resources.WebApp{Name: "blog", Account: "acme", Type: "php", PHPVersion: "8.2", Options: resources.WebAppOptions{Processes: 6}})
	if err := eng.Admit(ctx, op); err != nil {
		t.Fatalf("expected admission before the policy exists: %v", err)
	}

	writeFile(t, filepath.Join(dir, "quota.rego"), quotaRego)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetPolicy("quota"); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := eng.Admit(ctx, op); err == nil {
		t.Error("expected the reloaded policy to deny")
	}
}
