package loader_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/artpar/modhost/adapters/hasher"
	"github.com/artpar/modhost/adapters/loader"
	"github.com/artpar/modhost/core/capability"
	"github.com/artpar/modhost/core/module"
	"github.com/google/go-cmp/cmp"
)

const ordersManifest = `
name: orders
version: 1.4.0
activator: orders
requires:
  - type: Database
    filter: env == "prod"
  - type: Cache
    optional: true
provides: [OrderService]
settings:
  batch_size: 50
`

func newActivators(t *testing.T) *loader.Activators {
	t.Helper()
	acts := loader.NewActivators()
	if err := acts.Register("orders", func() module.Activator { return module.ActivatorFuncs{} }); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return acts
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// =============================================================================
// Manifest parsing
// =============================================================================

func TestParseManifest(t *testing.T) {
	m, err := loader.ParseManifest([]byte(ordersManifest))
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	want := []module.Requirement{
		{Type: "Database", Filter: `env == "prod"`},
		{Type: "Cache", Optional: true},
	}
	if diff := cmp.Diff(want, m.Requires); diff != "" {
		t.Errorf("Requires mismatch (-want +got):\n%s", diff)
	}
	if m.Settings["batch_size"] != 50 {
		t.Errorf("Settings = %v", m.Settings)
	}
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"no name", "activator: x\n"},
		{"no activator", "name: x\n"},
		{"unknown field", "name: x\nactivator: x\nimports: [y]\n"},
		{"malformed", "name: [x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loader.ParseManifest([]byte(tt.yaml)); !errors.Is(err, module.ErrArtifactInvalid) {
				t.Errorf("ParseManifest() error = %v, want ErrArtifactInvalid", err)
			}
		})
	}
}

// =============================================================================
// Activators
// =============================================================================

func TestActivators(t *testing.T) {
	acts := newActivators(t)
	if err := acts.Register("orders", func() module.Activator { return module.ActivatorFuncs{} }); err == nil {
		t.Error("duplicate Register() should fail")
	}
	acts.MustRegister("billing", func() module.Activator { return module.ActivatorFuncs{} })

	if diff := cmp.Diff([]string{"billing", "orders"}, acts.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
	if _, ok := acts.New("missing"); ok {
		t.Error("New() of an unknown name succeeded")
	}
}

// =============================================================================
// Dir loader
// =============================================================================

func TestDir_LoadAndScan(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "orders", "module.yaml"), ordersManifest)
	writeFile(t, filepath.Join(root, "billing.module.yaml"), "name: billing\nactivator: orders\n")
	writeFile(t, filepath.Join(root, "notes.yaml"), "not a manifest")
	writeFile(t, filepath.Join(root, ".hidden", "module.yaml"), "name: hidden\nactivator: orders\n")

	d, err := loader.NewDir(root, newActivators(t), hasher.Blake2b{})
	if err != nil {
		t.Fatalf("NewDir() error = %v", err)
	}

	paths, err := d.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	want := []string{filepath.Join(root, "billing.module.yaml"), filepath.Join(root, "orders", "module.yaml")}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("Scan() mismatch (-want +got):\n%s", diff)
	}

	art, err := d.Load(context.Background(), "orders/module.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if art.Name != "orders" || art.Version != "1.4.0" || art.Location != want[1] {
		t.Errorf("artifact = %+v", art)
	}
	if diff := cmp.Diff([]capability.Type{"OrderService"}, art.Provides); diff != "" {
		t.Errorf("Provides mismatch (-want +got):\n%s", diff)
	}
	if !strings.HasPrefix(art.Digest, hasher.Blake2bPrefix) {
		t.Errorf("Digest = %q", art.Digest)
	}
	if digest, _ := d.Digest(want[1]); digest != art.Digest {
		t.Errorf("Digest() = %q, want %q", digest, art.Digest)
	}
}

func TestDir_LoadErrors(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ghost.module.yaml"), "name: ghost\nactivator: nobody\n")
	d, _ := loader.NewDir(root, newActivators(t), hasher.Blake2b{})

	if _, err := d.Load(context.Background(), "ghost.module.yaml"); !errors.Is(err, module.ErrArtifactInvalid) {
		t.Errorf("unknown activator error = %v, want ErrArtifactInvalid", err)
	}
	if _, err := d.Load(context.Background(), "missing.module.yaml"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing manifest error = %v, want ErrNotExist", err)
	}
}

// =============================================================================
// Static & Chain
// =============================================================================

func TestStatic(t *testing.T) {
	s := loader.NewStatic()
	s.Add("builtin:greeter", &module.Artifact{Name: "greeter", Activator: module.ActivatorFuncs{}})

	a, err := s.Load(context.Background(), "builtin:greeter")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	a.Name = "mutated"
	b, _ := s.Load(context.Background(), "builtin:greeter")
	if b.Name != "greeter" || b.Location != "builtin:greeter" {
		t.Errorf("second Load() = %+v, want an unmodified copy", b)
	}

	s.Remove("builtin:greeter")
	if _, err := s.Load(context.Background(), "builtin:greeter"); err == nil {
		t.Error("Load() after Remove should fail")
	}
}

func TestChain(t *testing.T) {
	s := loader.NewStatic()
	s.Add("builtin:a", &module.Artifact{Name: "a", Activator: module.ActivatorFuncs{}})
	chain := loader.Chain{
		{Match: func(loc string) bool { return strings.HasPrefix(loc, "builtin:") }, Loader: s},
	}

	if art, err := chain.Load(context.Background(), "builtin:a"); err != nil || art.Name != "a" {
		t.Errorf("Load(builtin:a) = %v, %v", art, err)
	}
	if _, err := chain.Load(context.Background(), "/etc/x.module.yaml"); err == nil {
		t.Error("Load() with no matching loader should fail")
	}
}
