package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Holder serves the current configuration to concurrent readers and swaps
// it when the file on disk changes or the process receives SIGHUP.
type Holder struct {
	mu        sync.RWMutex
	config    *Config
	path      string
	logger    zerolog.Logger
	fsw       *fsnotify.Watcher
	onChange  []func(*Config)
	onAttempt []func(error)

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// NewHolder loads path and returns a holder for it.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config path %q: %w", path, err)
	}
	cfg, err := Load(abs)
	if err != nil {
		return nil, err
	}
	return &Holder{
		config: cfg,
		path:   abs,
		logger: logger.With().Str("component", "config").Logger(),
		quit:   make(chan struct{}),
	}, nil
}

// Path is the absolute location of the watched file.
func (h *Holder) Path() string { return h.path }

// Get returns the active configuration. Callers must not mutate it.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Reload re-reads the file. On failure the active configuration is kept.
func (h *Holder) Reload() error {
	next, err := Load(h.path)
	if err != nil {
		err = fmt.Errorf("reload %s: %w", h.path, err)
		h.logger.Error().Err(err).Msg("keeping previous configuration")
		h.notifyAttempt(err)
		return err
	}

	h.mu.Lock()
	prev := h.config
	h.config = next
	fns := slices.Clone(h.onChange)
	h.mu.Unlock()

	h.logChanges(prev, next)
	for _, fn := range fns {
		fn(next)
	}
	h.notifyAttempt(nil)
	h.logger.Info().Str("path", h.path).Msg("configuration reloaded")
	return nil
}

func (h *Holder) notifyAttempt(err error) {
	h.mu.RLock()
	fns := slices.Clone(h.onAttempt)
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

// OnChange adds fn to the listeners run after each successful reload.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	h.onChange = append(h.onChange, fn)
	h.mu.Unlock()
}

// OnReload adds fn to the listeners run after every reload attempt with its
// outcome.
func (h *Holder) OnReload(fn func(err error)) {
	h.mu.Lock()
	h.onAttempt = append(h.onAttempt, fn)
	h.mu.Unlock()
}

// WatchFile reloads whenever the file is written or replaced. The parent
// directory is watched so rename-over saves are seen.
func (h *Holder) WatchFile() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(h.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("config watcher: %w", err)
	}
	h.fsw = fsw

	h.wg.Add(1)
	go h.watchFile()
	h.logger.Info().Str("path", h.path).Msg("watching configuration file")
	return nil
}

// WatchSignals reloads on SIGHUP until Stop.
func (h *Holder) WatchSignals() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer signal.Stop(hup)
		for {
			select {
			case <-h.quit:
				return
			case <-hup:
				h.logger.Info().Msg("SIGHUP")
				_ = h.Reload()
			}
		}
	}()
}

// Stop ends file and signal watching and waits for both loops. Repeated
// calls are no-ops.
func (h *Holder) Stop() {
	h.quitOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		if h.fsw != nil {
			h.fsw.Close()
		}
	})
}

func (h *Holder) watchFile() {
	defer h.wg.Done()
	name := filepath.Base(h.path)

	for {
		select {
		case <-h.quit:
			return
		case err, ok := <-h.fsw.Errors:
			if !ok {
				return
			}
			h.logger.Warn().Err(err).Msg("config watcher")
		case ev, ok := <-h.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			h.logger.Debug().Stringer("op", ev.Op).Msg("configuration file touched")
			_ = h.Reload()
		}
	}
}

func (h *Holder) logChanges(prev, next *Config) {
	if prev.Logging.Level != next.Logging.Level {
		h.logger.Info().Str("from", prev.Logging.Level).Str("to", next.Logging.Level).Msg("logging.level")
	}
	for _, f := range []struct {
		key        string
		prev, next bool
	}{
		{"modules.auto_resolve", prev.Modules.AutoResolve, next.Modules.AutoResolve},
		{"modules.auto_start", prev.Modules.AutoStart, next.Modules.AutoStart},
	} {
		if f.prev != f.next {
			h.logger.Info().Bool("from", f.prev).Bool("to", f.next).Msg(f.key)
		}
	}
	for _, key := range RestartRequired(prev, next) {
		h.logger.Warn().Str("field", key).Msg("change ignored until restart")
	}
}

// RestartRequired lists the non-reloadable fields that differ between old and new.
func RestartRequired(old, new *Config) []string {
	var changed []string
	if old.Server.Host != new.Server.Host {
		changed = append(changed, "server.host")
	}
	if old.Server.Port != new.Server.Port {
		changed = append(changed, "server.port")
	}
	if old.Modules.Dir != new.Modules.Dir {
		changed = append(changed, "modules.dir")
	}
	if old.Modules.Watch != new.Modules.Watch {
		changed = append(changed, "modules.watch")
	}
	if old.Locks.Timeout != new.Locks.Timeout {
		changed = append(changed, "locks.timeout")
	}
	if old.Journal != new.Journal {
		changed = append(changed, "journal")
	}
	if old.Metrics != new.Metrics {
		changed = append(changed, "metrics")
	}
	return changed
}

// ReloadableFields names the fields applied by a live reload.
func ReloadableFields() []string {
	return []string{
		"logging.level",
		"modules.auto_resolve",
		"modules.auto_start",
	}
}

// NonReloadableFields names the fields read only at startup.
func NonReloadableFields() []string {
	return []string{
		"server.host",
		"server.port",
		"modules.dir",
		"modules.watch",
		"locks.timeout",
		"journal",
		"metrics",
	}
}
