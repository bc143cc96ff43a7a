// Package watcher keeps the module catalog in step with a modules directory: new
// manifests are installed, edited ones refreshed and deleted ones uninstalled.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/artpar/modhost/adapters/loader"
	"github.com/artpar/modhost/core/module"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the directory must be quiet before a sync.
const DefaultDebounce = 250 * time.Millisecond

// Config configures a Watcher.
type Config struct {
	Dir      *loader.Dir
	Modules  *module.Catalog
	Debounce time.Duration

	// AutoStart starts newly installed modules.
	AutoStart bool

	Logger zerolog.Logger
}

// Watcher syncs a modules directory into the catalog.
type Watcher struct {
	cfg       Config
	logger    zerolog.Logger
	autoStart atomic.Bool

	syncMu sync.Mutex

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	done   chan struct{}
}

// New creates a watcher. Nothing happens until Sync or Start.
func New(cfg Config) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	w := &Watcher{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "watcher").Logger(),
	}
	w.autoStart.Store(cfg.AutoStart)
	return w
}

// SetAutoStart changes whether modules installed from now on are started.
func (w *Watcher) SetAutoStart(v bool) { w.autoStart.Store(v) }

// SyncResult counts what a sync changed.
type SyncResult struct {
	Installed   int
	Refreshed   int
	Uninstalled int
}

// Sync makes the catalog match the directory once. Failures for one manifest are
// logged and joined; the rest of the directory is still processed.
func (w *Watcher) Sync(ctx context.Context) (SyncResult, error) {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	var (
		res  SyncResult
		errs []error
	)
	paths, err := w.cfg.Dir.Scan()
	if err != nil {
		return res, err
	}
	present := make(map[string]bool, len(paths))
	for _, p := range paths {
		present[p] = true
	}

	mods, err := w.cfg.Modules.List()
	if err != nil {
		return res, err
	}
	known := make(map[string]*module.Module)
	for _, m := range mods {
		if w.owns(m.Location()) {
			known[m.Location()] = m
		}
	}

	for loc, m := range known {
		if present[loc] {
			continue
		}
		if err := w.cfg.Modules.Uninstall(ctx, m); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Uninstalled++
		w.logger.Info().Str("location", loc).Msg("manifest removed, module uninstalled")
	}

	for _, path := range paths {
		m, ok := known[path]
		if !ok {
			if err := w.install(ctx, path); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Installed++
			continue
		}

		digest, err := w.cfg.Dir.Digest(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rev := m.Revision(); rev != nil && rev.Digest() == digest {
			continue
		}
		if err := w.cfg.Modules.Refresh(ctx, m); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Refreshed++
		w.logger.Info().Str("location", path).Msg("manifest changed, module refreshed")
	}

	if res.Installed > 0 && w.autoStart.Load() {
		if err := w.cfg.Modules.Reconcile(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		w.logger.Warn().Err(err).Msg("module directory sync incomplete")
		return res, err
	}
	return res, nil
}

func (w *Watcher) install(ctx context.Context, path string) error {
	m, err := w.cfg.Modules.Install(ctx, path)
	if err != nil {
		return err
	}
	w.logger.Info().Str("location", path).Str("module", m.String()).Msg("manifest found, module installed")
	if !w.autoStart.Load() {
		return nil
	}
	if err := w.cfg.Modules.Start(ctx, m); err != nil && !errors.Is(err, module.ErrDependencyUnsatisfied) {
		return err
	}
	return nil
}

func (w *Watcher) owns(location string) bool {
	root := w.cfg.Dir.Root()
	return strings.HasPrefix(location, root+string(filepath.Separator))
}

// Start watches the directory tree and syncs after every burst of changes.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.addTree(fsw, w.cfg.Dir.Root()); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})

	go w.watchLoop()

	w.logger.Info().Str("dir", w.cfg.Dir.Root()).Dur("debounce", w.cfg.Debounce).Msg("watching modules directory")
	return nil
}

// Stop ends watching and waits for an in-flight sync to finish.
func (w *Watcher) Stop() {
	if w.fsw == nil {
		return
	}
	close(w.stopCh)
	<-w.done
	w.fsw.Close()
	w.fsw = nil
}

// addTree watches dir and every non-hidden subdirectory; fsnotify is not recursive.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(entry.Name(), ".") {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) watchLoop() {
	defer close(w.done)

	timer := time.NewTimer(w.cfg.Debounce)
	timer.Stop()

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("modules directory changed")
			timer.Reset(w.cfg.Debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("file watcher error")

		case <-timer.C:
			if _, err := w.Sync(context.Background()); err != nil {
				w.logger.Error().Err(err).Msg("module sync failed")
			}

		case <-w.stopCh:
			timer.Stop()
			return
		}
	}
}

// relevant reports whether an event can change the set of manifests. New
// directories are watched as they appear.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(w.fsw, event.Name); err != nil {
				w.logger.Warn().Err(err).Str("dir", event.Name).Msg("watch new directory")
			}
			return true
		}
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	// A removed directory shows up as a plain name; let the sync sort it out.
	return loader.IsManifest(filepath.Base(event.Name)) || event.Op&(fsnotify.Remove|fsnotify.Rename) != 0
}
