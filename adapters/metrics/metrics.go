// Package metrics provides Prometheus metrics collection for modhost.
package metrics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/artpar/modhost/core/capability"
	"github.com/artpar/modhost/core/events"
	"github.com/artpar/modhost/core/intercept"
	"github.com/artpar/modhost/core/runtime"
	"github.com/artpar/modhost/core/syncx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for modhost.
type Collector struct {
	// Module metrics
	ModuleEvents  *prometheus.CounterVec
	ModulesActive prometheus.Gauge

	// Capability metrics
	Capabilities   *prometheus.GaugeVec
	ListenerPanics *prometheus.CounterVec
	LockTimeouts   *prometheus.CounterVec

	// Endpoint metrics
	EndpointCalls       *prometheus.CounterVec
	EndpointDuration    *prometheus.HistogramVec
	InterceptorFailures *prometheus.CounterVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a collector registered with reg.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		ModuleEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modhost",
				Name:      "module_events_total",
				Help:      "Module lifecycle events by name",
			},
			[]string{"event"},
		),
		ModulesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "modhost",
				Name:      "modules_active",
				Help:      "Number of modules currently active",
			},
		),
		Capabilities: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "modhost",
				Name:      "capability_registrations",
				Help:      "Registered capabilities by type",
			},
			[]string{"type"},
		),
		ListenerPanics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modhost",
				Name:      "listener_panics_total",
				Help:      "Capability listener panics recovered by the catalog",
			},
			[]string{"type"},
		),
		LockTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modhost",
				Name:      "lock_timeouts_total",
				Help:      "Catalog lock acquisitions that timed out",
			},
			[]string{"lock", "mode"},
		),
		EndpointCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modhost",
				Name:      "endpoint_invocations_total",
				Help:      "Endpoint invocations through the interception pipeline",
			},
			[]string{"type", "method", "outcome"},
		),
		EndpointDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "modhost",
				Name:      "endpoint_duration_seconds",
				Help:      "Endpoint call duration in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"type", "method"},
		),
		InterceptorFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modhost",
				Name:      "interceptor_failures_total",
				Help:      "Interceptor failures by interceptor and phase",
			},
			[]string{"interceptor", "phase"},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "modhost",
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "modhost",
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "modhost",
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// LockTimeout implements runtime.Observer.
func (c *Collector) LockTimeout(name string, mode syncx.Mode) {
	c.LockTimeouts.WithLabelValues(name, string(mode)).Inc()
}

// ListenerFailure implements runtime.Observer.
func (c *Collector) ListenerFailure(typ capability.Type, _ error) {
	c.ListenerPanics.WithLabelValues(string(typ)).Inc()
}

// InterceptorFailure implements runtime.Observer.
func (c *Collector) InterceptorFailure(err *intercept.InterceptorError) {
	c.InterceptorFailures.WithLabelValues(err.Interceptor, string(err.Phase)).Inc()
}

// ObserveCall records one endpoint call.
func (c *Collector) ObserveCall(site intercept.CallSite, d time.Duration, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	c.EndpointCalls.WithLabelValues(site.Type, site.Method, outcome).Inc()
	c.EndpointDuration.WithLabelValues(site.Type, site.Method).Observe(d.Seconds())
}

// ConfigReloaded records a config reload attempt; err is nil on success.
func (c *Collector) ConfigReloaded(err error) {
	if err != nil {
		c.ConfigReloadErrors.Inc()
		return
	}
	c.ConfigReloads.Inc()
	c.ConfigLastReload.SetToCurrentTime()
}

// TimingRank places the timing interceptor after every other before hook, so the
// measured duration covers the call alone.
const TimingRank = math.MaxInt32

// Attach follows rt's lifecycle events and capability registrations and registers a
// timing interceptor for endpoint calls. The returned function detaches again.
func (c *Collector) Attach(rt *runtime.Runtime, clock intercept.Clock) (func(), error) {
	unsubscribe := rt.Bus().Subscribe("module.*", func(_ context.Context, e events.Event) error {
		c.ModuleEvents.WithLabelValues(e.Name).Inc()
		switch e.Name {
		case events.ModuleStarted:
			c.ModulesActive.Inc()
		case events.ModuleStopped:
			c.ModulesActive.Dec()
		}
		return nil
	})

	handle, err := rt.Capabilities().AddListener(nil, capability.Wildcard, nil, capability.ListenerFuncs{
		OnRegistered:   func(reg *capability.Registration) { c.Capabilities.WithLabelValues(string(reg.Type())).Inc() },
		OnUnregistered: func(reg *capability.Registration) { c.Capabilities.WithLabelValues(string(reg.Type())).Dec() },
	})
	if err != nil {
		unsubscribe()
		return nil, fmt.Errorf("attach metrics: %w", err)
	}

	timing := &intercept.Timing{Clock: clock, Observe: c.ObserveCall}
	reg, err := intercept.Register(rt.Capabilities(), nil, timing, TimingRank, capability.Properties{"name": "metrics.timing"})
	if err != nil {
		unsubscribe()
		_ = handle.Remove()
		return nil, fmt.Errorf("attach metrics: %w", err)
	}

	return func() {
		unsubscribe()
		_ = reg.Unregister()
		_ = handle.Remove()
	}, nil
}
