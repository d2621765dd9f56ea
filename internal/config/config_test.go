package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimal = `
version: "1"
session:
  targets: [windows, linux]
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Session.Traversal != "follow" {
		t.Errorf("traversal = %q, want follow", cfg.Session.Traversal)
	}
	if cfg.Session.BatchSize != 1000 {
		t.Errorf("batch_size = %d, want 1000", cfg.Session.BatchSize)
	}
	if cfg.Session.PollInterval() != 500*time.Millisecond {
		t.Errorf("poll interval = %v", cfg.Session.PollInterval())
	}
	if cfg.Fetch.Workers != 8 || cfg.Fetch.ChunkSize != 256 {
		t.Errorf("fetch defaults = %+v", cfg.Fetch)
	}
	if cfg.Storage.GCInterval() != 5*time.Minute {
		t.Errorf("gc interval = %v", cfg.Storage.GCInterval())
	}
	if cfg.Policy.ScriptPrefix != "/Script/" {
		t.Errorf("script prefix = %q", cfg.Policy.ScriptPrefix)
	}
}

func TestParseFullConfig(t *testing.T) {
	data := `
version: "1"
session:
  targets: [ps5]
  incremental: true
  allow_soft_dependencies: true
  traversal: fetch_edges
  batch_size: 64
fetch:
  workers: 2
  timeout_ms: 250
storage:
  index_path: graph.db
  manifest_dir: manifests
policy:
  never_build: [/Game/Broken]
  build_unit_root: /DLC1/
  filters:
    - id: no-editor
      expression: 'item.class startswith "Editor"'
      reason: filtered
      explore: false
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.Session.Incremental || !cfg.Session.AllowSoft {
		t.Errorf("session flags not decoded: %+v", cfg.Session)
	}
	if cfg.Fetch.Timeout() != 250*time.Millisecond {
		t.Errorf("timeout = %v", cfg.Fetch.Timeout())
	}
	if len(cfg.Policy.Filters) != 1 || cfg.Policy.Filters[0].Explore == nil || *cfg.Policy.Filters[0].Explore {
		t.Errorf("filters = %+v", cfg.Policy.Filters)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "missing version",
			yaml: `session: {targets: [a]}`,
			want: []string{"version is required"},
		},
		{
			name: "no targets",
			yaml: `version: "1"`,
			want: []string{"session.targets must not be empty"},
		},
		{
			name: "reserved and duplicate targets",
			yaml: `
version: "1"
session: {targets: ["@loading", a, a, ""]}`,
			want: []string{"reserved @ prefix", `duplicate target "a"`, "target name is required"},
		},
		{
			name: "bad traversal",
			yaml: `
version: "1"
session: {targets: [a], traversal: sideways}`,
			want: []string{`unknown traversal "sideways"`},
		},
		{
			name: "negative numbers",
			yaml: `
version: "1"
session: {targets: [a], batch_size: -1}
fetch: {workers: -2}`,
			want: []string{"session.batch_size must not be negative", "fetch.workers must not be negative"},
		},
		{
			name: "bad filters",
			yaml: `
version: "1"
session: {targets: [a]}
policy:
  filters:
    - {id: f1, expression: 'item.size == "1"'}
    - {id: f1, expression: 'item.class == "x"', reason: bogus}
    - {id: f3, expression: 'item.class == "x"', reason: not_suppressed}
    - {expression: 'target == "a"'}`,
			want: []string{"unknown field(s) item.size", `duplicate filter id "f1"`, `unknown suppress reason "bogus"`, "does not suppress", "policy.filters[3]: id is required"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			for _, w := range tc.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestLoaderReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookgraph.yaml")
	if err := os.WriteFile(path, []byte(minimal), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := NewLoader(path, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	var seen []*Config
	l.OnChange(func(c *Config) { seen = append(seen, c) })

	updated := strings.Replace(minimal, "[windows, linux]", "[switch]", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := l.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(cfg.Session.Targets) != 1 || cfg.Session.Targets[0] != "switch" {
		t.Errorf("targets = %v", cfg.Session.Targets)
	}
	if l.Config() != cfg || len(seen) != 1 || seen[0] != cfg {
		t.Error("reload did not publish the new config")
	}

	if err := os.WriteFile(path, []byte("version: \"1\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reload(); err == nil {
		t.Fatal("expected invalid config to fail reload")
	}
	if l.Config() != cfg {
		t.Error("failed reload replaced the current config")
	}
}

func TestNewLoaderMissingFile(t *testing.T) {
	if _, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}
