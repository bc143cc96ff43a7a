package metrics_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/modhost/adapters/clock"
	"github.com/artpar/modhost/adapters/metrics"
	"github.com/artpar/modhost/core/capability"
	"github.com/artpar/modhost/core/endpoint"
	"github.com/artpar/modhost/core/intercept"
	"github.com/artpar/modhost/core/module"
	"github.com/artpar/modhost/core/runtime"
	"github.com/artpar/modhost/core/syncx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// value returns the value of the series of family name whose labels include want.
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	series:
		for _, m := range f.GetMetric() {
			for k, v := range want {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == k && lp.GetValue() == v {
						found = true
					}
				}
				if !found {
					continue series
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	if m.ModuleEvents == nil || m.Capabilities == nil || m.EndpointDuration == nil || m.ConfigReloads == nil {
		t.Fatal("collector has nil metrics")
	}

	m.LockTimeout("capabilities", syncx.ModeWrite)
	m.ListenerFailure("Greeter", errors.New("panic"))
	m.InterceptorFailure(&intercept.InterceptorError{Interceptor: "audit", Phase: intercept.PhaseBefore})

	if got := value(t, reg, "modhost_lock_timeouts_total", map[string]string{"lock": "capabilities", "mode": "write"}); got != 1 {
		t.Errorf("lock timeouts = %v, want 1", got)
	}
	if got := value(t, reg, "modhost_listener_panics_total", map[string]string{"type": "Greeter"}); got != 1 {
		t.Errorf("listener panics = %v, want 1", got)
	}
	if got := value(t, reg, "modhost_interceptor_failures_total", map[string]string{"interceptor": "audit", "phase": "before"}); got != 1 {
		t.Errorf("interceptor failures = %v, want 1", got)
	}
}

func TestConfigReloaded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.ConfigReloaded(nil)
	m.ConfigReloaded(nil)
	m.ConfigReloaded(errors.New("bad yaml"))

	if got := value(t, reg, "modhost_config_reloads_total", nil); got != 2 {
		t.Errorf("reloads = %v, want 2", got)
	}
	if got := value(t, reg, "modhost_config_reload_errors_total", nil); got != 1 {
		t.Errorf("reload errors = %v, want 1", got)
	}
	if got := value(t, reg, "modhost_config_last_reload_timestamp", nil); got <= 0 {
		t.Errorf("last reload = %v, want a timestamp", got)
	}
}

type Greeter interface{ Greet() string }

type hello struct{}

func (hello) Greet() string { return "hello" }

func TestAttach_TracksRuntime(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	art := &module.Artifact{
		Name: "greeter",
		Activator: module.ActivatorFuncs{
			OnActivate: func(_ context.Context, mc *module.Context) error {
				_, err := module.Provide[Greeter](mc, hello{}, nil)
				return err
			},
		},
	}
	rt, err := runtime.New(runtime.Config{
		Loader: module.LoaderFunc(func(context.Context, string) (*module.Artifact, error) {
			cp := *art
			return &cp, nil
		}),
		Logger:   zerolog.Nop(),
		Observer: m,
	})
	if err != nil {
		t.Fatalf("runtime.New() error = %v", err)
	}
	defer rt.Close(context.Background())

	fake := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	fake.AutoAdvance(10 * time.Millisecond)
	detach, err := m.Attach(rt, fake)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	ctx := context.Background()
	mods, err := rt.InstallAll(ctx, []string{"mem://greeter"}, true)
	if err != nil {
		t.Fatalf("InstallAll() error = %v", err)
	}
	if got := value(t, reg, "modhost_modules_active", nil); got != 1 {
		t.Errorf("modules_active = %v, want 1", got)
	}
	greeterType := string(capability.TypeOf[Greeter]())
	if got := value(t, reg, "modhost_capability_registrations", map[string]string{"type": greeterType}); got != 1 {
		t.Errorf("capability gauge = %v, want 1", got)
	}

	ep, _ := endpoint.New("Command", "greet", func() (string, error) { return "", errors.New("nope") })
	endpoint.NewInvoker(ep, rt.Pipeline()).Call(ctx, nil, nil)
	if got := value(t, reg, "modhost_endpoint_invocations_total", map[string]string{"type": "Command", "method": "greet", "outcome": "error"}); got != 1 {
		t.Errorf("failed invocations = %v, want 1", got)
	}
	if got := value(t, reg, "modhost_endpoint_duration_seconds", map[string]string{"method": "greet"}); got != 1 {
		t.Errorf("duration samples = %v, want 1", got)
	}

	rt.Modules().Stop(ctx, mods[0])
	if got := value(t, reg, "modhost_modules_active", nil); got != 0 {
		t.Errorf("modules_active after stop = %v, want 0", got)
	}
	if got := value(t, reg, "modhost_module_events_total", map[string]string{"event": "module.stopped"}); got != 1 {
		t.Errorf("stopped events = %v, want 1", got)
	}

	detach()
	if left, _ := capability.LookupAll[intercept.Interceptor](rt.Capabilities(), nil); len(left) != 0 {
		t.Errorf("%d interceptors still registered after detach", len(left))
	}
}
