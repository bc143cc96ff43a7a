package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/artpar/modhost/config"
	"github.com/google/go-cmp/cmp"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
server:
  host: "0.0.0.0"
  port: 9090
  request_timeout: 5s

modules:
  dir: ./plugins
  watch: false
  auto_start: false
  debounce: 1s
  builtin: [greeter]

locks:
  timeout: 2s

journal:
  dsn: ":memory:"

logging:
  level: debug
  format: console
`

	cfg := writeAndLoad(t, content)

	if cfg.Server.Addr() != "0.0.0.0:9090" {
		t.Errorf("Addr() = %s, want 0.0.0.0:9090", cfg.Server.Addr())
	}
	if cfg.Server.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", cfg.Server.RequestTimeout)
	}
	want := config.ModulesConfig{
		Dir:         "./plugins",
		Watch:       false,
		AutoResolve: true,
		AutoStart:   false,
		Debounce:    time.Second,
		Builtin:     []string{"greeter"},
	}
	if diff := cmp.Diff(want, cfg.Modules); diff != "" {
		t.Errorf("Modules mismatch (-want +got):\n%s", diff)
	}
	if cfg.Locks.Timeout != 2*time.Second {
		t.Errorf("Locks.Timeout = %v, want 2s", cfg.Locks.Timeout)
	}
	if !cfg.Journal.Enabled || cfg.Journal.DSN != ":memory:" || cfg.Journal.Driver != "sqlite" {
		t.Errorf("Journal = %+v, want enabled with :memory:", cfg.Journal)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := writeAndLoad(t, "")

	if diff := cmp.Diff(config.Default(), cfg); diff != "" {
		t.Errorf("empty file differs from Default() (-want +got):\n%s", diff)
	}
	if cfg.Server.Addr() != "127.0.0.1:8380" {
		t.Errorf("Addr() = %s, want 127.0.0.1:8380", cfg.Server.Addr())
	}
	if cfg.Locks.Timeout != 30*time.Second {
		t.Errorf("Locks.Timeout = %v, want 30s", cfg.Locks.Timeout)
	}
	if !cfg.Modules.Watch || !cfg.Modules.AutoResolve || !cfg.Modules.AutoStart {
		t.Errorf("Modules switches = %+v, want all on", cfg.Modules)
	}
	if cfg.Modules.Debounce != 250*time.Millisecond {
		t.Errorf("Debounce = %v, want 250ms", cfg.Modules.Debounce)
	}
	if cfg.Metrics.Path != "/metrics" || !cfg.Metrics.Enabled {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_MODULES_DIR", "/srv/modules")

	cfg := writeAndLoad(t, `
modules:
  dir: "${TEST_MODULES_DIR}"
`)
	if cfg.Modules.Dir != "/srv/modules" {
		t.Errorf("Modules.Dir = %s, want /srv/modules", cfg.Modules.Dir)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad port", "server:\n  port: 70000\n", "server.port"},
		{"negative lock timeout", "locks:\n  timeout: -1s\n", "locks.timeout"},
		{"negative debounce", "modules:\n  debounce: -5ms\n", "modules.debounce"},
		{"log level", "logging:\n  level: verbose\n", "logging.level"},
		{"log format", "logging:\n  format: xml\n", "logging.format"},
		{"metrics path", "metrics:\n  path: metrics\n", "metrics.path"},
		{"journal driver", "journal:\n  driver: postgres\n", "journal.driver"},
		{"invalid yaml", "server: [\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := writeAndLoadErr(t, tt.content)
			if err == nil {
				t.Fatal("Load() error = nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_ReportsEveryProblem(t *testing.T) {
	_, err := writeAndLoadErr(t, "logging:\n  level: loud\n  format: xml\n")
	if err == nil {
		t.Fatal("Load() error = nil")
	}
	for _, want := range []string{"logging.level", "logging.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}

// ----- Environment -----

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("MODHOST_SERVER_PORT", "9999")
	t.Setenv("MODHOST_MODULES_DIR", "/env/modules")
	t.Setenv("MODHOST_MODULES_WATCH", "off")
	t.Setenv("MODHOST_MODULES_BUILTIN", "greeter, , clock")
	t.Setenv("MODHOST_LOCKS_TIMEOUT", "750ms")
	t.Setenv("MODHOST_JOURNAL_ENABLED", "no")
	t.Setenv("MODHOST_LOG_LEVEL", "warn")

	cfg := writeAndLoad(t, `
server:
  port: 8000
modules:
  dir: /file/modules
  watch: true
logging:
  level: debug
`)

	if cfg.Server.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Modules.Dir != "/env/modules" {
		t.Errorf("Modules.Dir = %s, want /env/modules", cfg.Modules.Dir)
	}
	if cfg.Modules.Watch {
		t.Error("Modules.Watch = true, want false")
	}
	if diff := cmp.Diff([]string{"greeter", "clock"}, cfg.Modules.Builtin); diff != "" {
		t.Errorf("Builtin mismatch (-want +got):\n%s", diff)
	}
	if cfg.Locks.Timeout != 750*time.Millisecond {
		t.Errorf("Locks.Timeout = %v, want 750ms", cfg.Locks.Timeout)
	}
	if cfg.Journal.Enabled {
		t.Error("Journal.Enabled = true, want false")
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %s, want warn", cfg.Logging.Level)
	}
}

func TestEnvOverrides_InvalidValuesIgnored(t *testing.T) {
	t.Setenv("MODHOST_SERVER_PORT", "not-a-number")
	t.Setenv("MODHOST_LOCKS_TIMEOUT", "soon")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Server.Port != 8380 {
		t.Errorf("Port = %d, want default 8380", cfg.Server.Port)
	}
	if cfg.Locks.Timeout != 30*time.Second {
		t.Errorf("Locks.Timeout = %v, want default 30s", cfg.Locks.Timeout)
	}
}

func TestParseBoolValues(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"yes", true},
		{" on ", true},
		{"false", false},
		{"0", false},
		{"off", false},
		{"maybe", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("MODHOST_METRICS_ENABLED", tt.value)
			cfg, err := config.LoadFromEnv()
			if err != nil {
				t.Fatalf("LoadFromEnv() error = %v", err)
			}
			if cfg.Metrics.Enabled != tt.want {
				t.Errorf("Metrics.Enabled for %q = %v, want %v", tt.value, cfg.Metrics.Enabled, tt.want)
			}
		})
	}
}

func TestLoadWithFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modhost.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.LoadWithFallback(path)
	if err != nil {
		t.Fatalf("LoadWithFallback(file) error = %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Port = %d, want 9100 from file", cfg.Server.Port)
	}

	cfg, err = config.LoadWithFallback(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFallback(missing) error = %v", err)
	}
	if cfg.Server.Port != 8380 {
		t.Errorf("Port = %d, want default 8380", cfg.Server.Port)
	}

	if _, err := config.LoadWithFallback(""); err != nil {
		t.Errorf("LoadWithFallback(\"\") error = %v", err)
	}
}

func writeAndLoad(t *testing.T, content string) *config.Config {
	t.Helper()
	cfg, err := writeAndLoadErr(t, content)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	return cfg
}

func writeAndLoadErr(t *testing.T, content string) (*config.Config, error) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return config.Load(path)
}
