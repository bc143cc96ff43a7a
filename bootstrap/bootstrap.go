// Package bootstrap wires the host together from configuration: the runtime, module
// loaders, journal, metrics, directory watcher and admin HTTP server.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/artpar/modhost/adapters/clock"
	"github.com/artpar/modhost/adapters/hasher"
	adminhttp "github.com/artpar/modhost/adapters/http"
	"github.com/artpar/modhost/adapters/idgen"
	"github.com/artpar/modhost/adapters/loader"
	"github.com/artpar/modhost/adapters/memory"
	"github.com/artpar/modhost/adapters/metrics"
	"github.com/artpar/modhost/adapters/sqlite"
	"github.com/artpar/modhost/adapters/watcher"
	"github.com/artpar/modhost/config"
	"github.com/artpar/modhost/core/events"
	"github.com/artpar/modhost/core/module"
	"github.com/artpar/modhost/core/runtime"
	"github.com/artpar/modhost/modules/greeter"
	"github.com/artpar/modhost/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// BuiltinPrefix marks locations served by the built-in activators.
const BuiltinPrefix = "builtin:"

// Options configure New.
type Options struct {
	// ConfigPath is the YAML config file. Empty or missing falls back to MODHOST_*
	// environment variables.
	ConfigPath string

	// Config is used as-is when set, bypassing ConfigPath.
	Config *config.Config

	// Version is reported by /version and stamped on built-in modules.
	Version string

	// Activators available to manifests (default: Builtins()).
	Activators *loader.Activators

	// LogOutput overrides stdout.
	LogOutput io.Writer
}

// App represents the running host.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	Runtime    *runtime.Runtime
	Dir        *loader.Dir
	Static     *loader.Static
	Watcher    *watcher.Watcher
	DB         *sqlite.DB
	Journal    ports.Journal
	Metrics    *metrics.Collector
	Registry   *prometheus.Registry
	HTTPServer *http.Server

	version       string
	configPath    string
	holder        *config.Holder
	activators    *loader.Activators
	detachMetrics func()
	stopJournal   func()
}

// Builtins returns the activators compiled into the host.
func Builtins() *loader.Activators {
	acts := loader.NewActivators()
	if err := greeter.Register(acts); err != nil {
		panic(err)
	}
	return acts
}

// New creates and wires the application. Nothing is installed or served until Start.
func New(opts Options) (*App, error) {
	a := &App{version: opts.Version, activators: opts.Activators}
	if a.activators == nil {
		a.activators = Builtins()
	}

	if err := a.initConfig(opts); err != nil {
		return nil, err
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stdout
	}
	a.Logger = setupLogger(a.Config.Logging, out)
	a.Logger.Info().Str("version", a.version).Msg("initializing modhost")

	if a.configPath != "" {
		holder, err := config.NewHolder(a.configPath, a.Logger)
		if err != nil {
			return nil, err
		}
		a.holder = holder
		a.Config = holder.Get()
	}

	if err := a.initJournal(); err != nil {
		return nil, fmt.Errorf("init journal: %w", err)
	}
	if err := a.initRuntime(); err != nil {
		a.closeJournal()
		return nil, fmt.Errorf("init runtime: %w", err)
	}
	a.initHTTPServer()

	return a, nil
}

func (a *App) initConfig(opts Options) error {
	if opts.Config != nil {
		a.Config = opts.Config
		return nil
	}
	if opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err == nil {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			a.Config = cfg
			a.configPath = opts.ConfigPath
			return nil
		}
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	a.Config = cfg
	return nil
}

func (a *App) initJournal() error {
	cfg := a.Config.Journal
	if !cfg.Enabled {
		return nil
	}
	if cfg.Driver == "memory" {
		a.Journal = memory.NewJournalStore(cfg.Capacity, idgen.TimeOrdered{}, clock.Real{})
		a.Logger.Info().Int("capacity", cfg.Capacity).Msg("in-memory journal initialized")
		return nil
	}

	db, err := sqlite.Open(cfg.DSN)
	if err != nil {
		return err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	a.DB = db
	a.Journal = sqlite.NewJournalStore(db, idgen.TimeOrdered{}, clock.Real{})
	a.Logger.Info().Str("dsn", cfg.DSN).Msg("journal initialized")
	return nil
}

func (a *App) initRuntime() error {
	cfg := a.Config

	dir, err := loader.NewDir(cfg.Modules.Dir, a.activators, hasher.Blake2b{})
	if err != nil {
		return err
	}
	a.Dir = dir
	a.Static = loader.NewStatic()
	for _, name := range cfg.Modules.Builtin {
		act, ok := a.activators.New(name)
		if !ok {
			return fmt.Errorf("builtin module %q: %w: no such activator", name, module.ErrArtifactInvalid)
		}
		a.Static.Add(BuiltinPrefix+name, &module.Artifact{Name: name, Version: a.version, Activator: act})
	}
	chain := loader.Chain{
		{Match: func(loc string) bool { return strings.HasPrefix(loc, BuiltinPrefix) }, Loader: a.Static},
		{Match: func(string) bool { return true }, Loader: dir},
	}

	rtCfg := runtime.Config{
		Loader:      chain,
		Logger:      a.Logger,
		LockTimeout: cfg.Locks.Timeout,
		AutoResolve: cfg.Modules.AutoResolve,
		Clock:       clock.Real{},
	}
	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.Metrics = metrics.NewWithRegistry(a.Registry)
		rtCfg.Observer = a.Metrics
		a.Logger.Info().Str("path", cfg.Metrics.Path).Msg("prometheus metrics enabled")
	}

	rt, err := runtime.New(rtCfg)
	if err != nil {
		return err
	}
	a.Runtime = rt

	if a.Metrics != nil {
		detach, err := a.Metrics.Attach(rt, clock.Real{})
		if err != nil {
			rt.Close(context.Background())
			return err
		}
		a.detachMetrics = detach
	}
	if a.Journal != nil {
		a.stopJournal = events.Record(rt.Bus(), a.Journal)
	}

	a.Watcher = watcher.New(watcher.Config{
		Dir:       dir,
		Modules:   rt.Modules(),
		Debounce:  cfg.Modules.Debounce,
		AutoStart: cfg.Modules.AutoStart,
		Logger:    a.Logger,
	})
	return nil
}

func (a *App) initHTTPServer() {
	cfg := a.Config
	routerCfg := adminhttp.RouterConfig{
		Runtime:        a.Runtime,
		Journal:        a.Journal,
		Version:        a.version,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         a.Logger,
	}
	if a.Registry != nil {
		routerCfg.MetricsHandler = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
		routerCfg.MetricsPath = cfg.Metrics.Path
	}

	a.HTTPServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      adminhttp.NewRouter(routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler { return a.HTTPServer.Handler }

// Start installs the built-in modules and the modules directory, then begins watching
// for changes when configured. It does not serve HTTP.
func (a *App) Start(ctx context.Context) error {
	cfg := a.Config

	builtins := make([]string, 0, len(cfg.Modules.Builtin))
	for _, name := range cfg.Modules.Builtin {
		builtins = append(builtins, BuiltinPrefix+name)
	}
	var errs []error
	if _, err := a.Runtime.InstallAll(ctx, builtins, cfg.Modules.AutoStart); err != nil {
		errs = append(errs, err)
	}

	if _, err := os.Stat(a.Dir.Root()); err == nil {
		res, err := a.Watcher.Sync(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		a.Logger.Info().
			Str("dir", a.Dir.Root()).
			Int("installed", res.Installed).
			Msg("modules directory loaded")
		if cfg.Modules.Watch {
			if err := a.Watcher.Start(); err != nil {
				errs = append(errs, err)
			}
		}
	} else {
		a.Logger.Warn().Str("dir", a.Dir.Root()).Msg("modules directory not found, skipping")
	}

	if a.holder != nil {
		a.watchConfig()
	}
	return errors.Join(errs...)
}

// watchConfig applies reloadable settings as the config file changes.
func (a *App) watchConfig() {
	h := a.holder
	h.OnChange(func(cfg *config.Config) {
		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}
		if err := a.Runtime.Modules().SetAutoResolve(cfg.Modules.AutoResolve); err != nil {
			a.Logger.Error().Err(err).Msg("apply modules.auto_resolve")
		}
		a.Watcher.SetAutoStart(cfg.Modules.AutoStart)
	})
	if a.Metrics != nil {
		h.OnReload(a.Metrics.ConfigReloaded)
	}
	if err := h.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch disabled")
	}
	h.WatchSignals()
}

// Run starts the host and serves HTTP until ctx ends, SIGINT or SIGTERM arrives, or
// the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		// A broken module does not keep the rest of the host down.
		a.Logger.Warn().Err(err).Msg("some modules failed to start")
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case err := <-errCh:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
		a.Logger.Info().Msg("context done, shutting down")
	}

	return errors.Join(runErr, a.Shutdown())
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if a.holder != nil {
		a.holder.Stop()
	}
	if a.Watcher != nil {
		a.Watcher.Stop()
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
			errs = append(errs, err)
		}
	}

	if a.Runtime != nil {
		if err := a.Runtime.Close(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("runtime close error")
			errs = append(errs, err)
		}
	}
	if a.detachMetrics != nil {
		a.detachMetrics()
		a.detachMetrics = nil
	}
	a.closeJournal()

	a.Logger.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeJournal() {
	if a.stopJournal != nil {
		a.stopJournal()
		a.stopJournal = nil
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
		a.DB = nil
	}
}

// JournalReader opens the journal named by cfg for reading.
func JournalReader(cfg *config.Config) (ports.Journal, func() error, error) {
	if !cfg.Journal.Enabled {
		return nil, nil, errors.New("journal is disabled")
	}
	if cfg.Journal.Driver == "memory" {
		return nil, nil, errors.New("the in-memory journal lives inside the serving process; use GET /journal")
	}
	db, err := sqlite.Open(cfg.Journal.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return sqlite.NewJournalStore(db, idgen.TimeOrdered{}, clock.Real{}), db.Close, nil
}

func setupLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}
