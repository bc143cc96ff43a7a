package watcher_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/modhost/adapters/hasher"
	"github.com/artpar/modhost/adapters/loader"
	"github.com/artpar/modhost/adapters/watcher"
	"github.com/artpar/modhost/core/module"
	"github.com/artpar/modhost/core/runtime"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

type fixture struct {
	root string
	rt   *runtime.Runtime
	dir  *loader.Dir
}

func setup(t *testing.T) *fixture {
	t.Helper()
	acts := loader.NewActivators()
	acts.MustRegister("noop", func() module.Activator { return module.ActivatorFuncs{} })

	root := t.TempDir()
	dir, err := loader.NewDir(root, acts, hasher.Blake2b{})
	if err != nil {
		t.Fatalf("NewDir() error = %v", err)
	}
	rt, err := runtime.New(runtime.Config{Loader: dir, Logger: zerolog.Nop(), LockTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("runtime.New() error = %v", err)
	}
	t.Cleanup(func() { rt.Close(context.Background()) })
	return &fixture{root: dir.Root(), rt: rt, dir: dir}
}

func (f *fixture) write(t *testing.T, rel, name, version string) string {
	t.Helper()
	path := filepath.Join(f.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	content := []byte("name: " + name + "\nversion: " + version + "\nactivator: noop\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (f *fixture) newWatcher(autoStart bool) *watcher.Watcher {
	return watcher.New(watcher.Config{
		Dir:       f.dir,
		Modules:   f.rt.Modules(),
		Debounce:  20 * time.Millisecond,
		AutoStart: autoStart,
		Logger:    zerolog.Nop(),
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ===== Sync =====

func TestSync_InstallsRefreshesAndUninstalls(t *testing.T) {
	f := setup(t)
	w := f.newWatcher(true)
	ctx := context.Background()

	orders := f.write(t, "orders/module.yaml", "orders", "1.0.0")
	f.write(t, "billing.module.yaml", "billing", "1.0.0")
	f.write(t, "notes.yaml", "ignored", "1.0.0")

	res, err := w.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res != (watcher.SyncResult{Installed: 2}) {
		t.Errorf("first Sync() = %+v, want 2 installed", res)
	}
	m, err := f.rt.Modules().GetByLocation(orders)
	if err != nil {
		t.Fatalf("GetByLocation() error = %v", err)
	}
	if m.State() != module.Active {
		t.Errorf("orders state = %s, want ACTIVE", m.State())
	}

	res, err = w.Sync(ctx)
	if err != nil || res != (watcher.SyncResult{}) {
		t.Errorf("unchanged Sync() = %+v, %v, want no changes", res, err)
	}

	f.write(t, "orders/module.yaml", "orders", "1.1.0")
	res, err = w.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res != (watcher.SyncResult{Refreshed: 1}) {
		t.Errorf("Sync() after edit = %+v, want 1 refreshed", res)
	}
	if got := m.Revision().Version(); got != "1.1.0" {
		t.Errorf("revision version = %q, want 1.1.0", got)
	}
	if m.State() != module.Active {
		t.Errorf("state after refresh = %s, want ACTIVE", m.State())
	}

	if err := os.RemoveAll(filepath.Dir(orders)); err != nil {
		t.Fatal(err)
	}
	res, err = w.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res != (watcher.SyncResult{Uninstalled: 1}) {
		t.Errorf("Sync() after removal = %+v, want 1 uninstalled", res)
	}
	if _, err := f.rt.Modules().GetByLocation(orders); err == nil {
		t.Error("orders still installed after its manifest was removed")
	}
}

func TestSync_WithoutAutoStartLeavesModulesInstalled(t *testing.T) {
	f := setup(t)
	path := f.write(t, "orders/module.yaml", "orders", "1.0.0")

	if _, err := f.newWatcher(false).Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	m, err := f.rt.Modules().GetByLocation(path)
	if err != nil {
		t.Fatalf("GetByLocation() error = %v", err)
	}
	if m.State() != module.Installed {
		t.Errorf("state = %s, want INSTALLED", m.State())
	}
}

func TestSetAutoStart_AppliesToLaterInstalls(t *testing.T) {
	f := setup(t)
	w := f.newWatcher(true)
	w.SetAutoStart(false)

	path := f.write(t, "orders/module.yaml", "orders", "1.0.0")
	if _, err := w.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	m, err := f.rt.Modules().GetByLocation(path)
	if err != nil {
		t.Fatalf("GetByLocation() error = %v", err)
	}
	if m.State() != module.Installed {
		t.Errorf("state = %s, want INSTALLED", m.State())
	}
}

func TestSync_BadManifestDoesNotBlockOthers(t *testing.T) {
	f := setup(t)
	good := f.write(t, "good/module.yaml", "good", "1.0.0")
	bad := filepath.Join(f.root, "bad", "module.yaml")
	if err := os.MkdirAll(filepath.Dir(bad), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("version: 1.0.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := f.newWatcher(true).Sync(context.Background())
	if err == nil {
		t.Fatal("Sync() error = nil, want the bad manifest reported")
	}
	if res.Installed != 1 {
		t.Errorf("Installed = %d, want 1", res.Installed)
	}
	if _, err := f.rt.Modules().GetByLocation(good); err != nil {
		t.Errorf("good module not installed: %v", err)
	}
}

func TestSync_IgnoresModulesOutsideTheDirectory(t *testing.T) {
	f := setup(t)
	w := f.newWatcher(true)

	// Installed from elsewhere: the directory does not own it.
	other := filepath.Join(t.TempDir(), "module.yaml")
	if err := os.WriteFile(other, []byte("name: other\nversion: 1.0.0\nactivator: noop\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.rt.Modules().Install(context.Background(), other); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	res, err := w.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res != (watcher.SyncResult{}) {
		t.Errorf("Sync() = %+v, want no changes", res)
	}
	if _, err := f.rt.Modules().GetByLocation(other); err != nil {
		t.Errorf("foreign module was removed: %v", err)
	}
}

// ===== Watching =====

func TestWatcher_PicksUpChanges(t *testing.T) {
	f := setup(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	w := f.newWatcher(true)
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	// A directory created after Start is watched too.
	path := f.write(t, "late/module.yaml", "late", "1.0.0")
	waitFor(t, "late module to start", func() bool {
		m, err := f.rt.Modules().GetByLocation(path)
		return err == nil && m.State() == module.Active
	})

	f.write(t, "late/module.yaml", "late", "2.0.0")
	waitFor(t, "late module refresh", func() bool {
		m, err := f.rt.Modules().GetByLocation(path)
		return err == nil && m.Revision().Version() == "2.0.0"
	})

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "late module uninstall", func() bool {
		_, err := f.rt.Modules().GetByLocation(path)
		return err != nil
	})
}

func TestWatcher_StopIsSafeWithoutStart(t *testing.T) {
	f := setup(t)
	f.newWatcher(false).Stop()
}
