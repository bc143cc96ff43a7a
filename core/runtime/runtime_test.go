package runtime_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/artpar/modhost/core/capability"
	"github.com/artpar/modhost/core/endpoint"
	"github.com/artpar/modhost/core/intercept"
	"github.com/artpar/modhost/core/module"
	"github.com/artpar/modhost/core/runtime"
	"github.com/artpar/modhost/core/syncx"
	"github.com/rs/zerolog"
)

type Greeter interface {
	Greet(name string) string
}

type prefixGreeter string

func (p prefixGreeter) Greet(name string) string { return string(p) + ", " + name }

// greeterModule publishes a Greeter with the given rank.
func greeterModule(name, prefix string, rank int) *module.Artifact {
	return &module.Artifact{
		Name:     name,
		Version:  "1.0.0",
		Provides: []capability.Type{capability.TypeOf[Greeter]()},
		Activator: module.ActivatorFuncs{
			OnActivate: func(_ context.Context, mc *module.Context) error {
				_, err := module.Provide[Greeter](mc, prefixGreeter(prefix), capability.Properties{capability.RankKey: rank})
				return err
			},
		},
	}
}

func staticLoader(arts map[string]*module.Artifact) module.Loader {
	return module.LoaderFunc(func(_ context.Context, location string) (*module.Artifact, error) {
		art, ok := arts[location]
		if !ok {
			return nil, fmt.Errorf("unknown location %s", location)
		}
		cp := *art
		return &cp, nil
	})
}

func newRuntime(t *testing.T, arts map[string]*module.Artifact) *runtime.Runtime {
	t.Helper()
	rt, err := runtime.New(runtime.Config{
		Loader:      staticLoader(arts),
		Logger:      zerolog.Nop(),
		LockTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { rt.Close(context.Background()) })
	return rt
}

func TestNew_RequiresLoader(t *testing.T) {
	if _, err := runtime.New(runtime.Config{Logger: zerolog.Nop()}); err == nil {
		t.Error("New() without a loader should fail")
	}
}

func TestGreeterScenario(t *testing.T) {
	rt := newRuntime(t, map[string]*module.Artifact{
		"mem://a": greeterModule("greeter-a", "Hello", 0),
		"mem://b": greeterModule("greeter-b", "Hi", 5),
	})
	ctx := context.Background()

	mods, err := rt.InstallAll(ctx, []string{"mem://a", "mem://b"}, true)
	if err != nil {
		t.Fatalf("InstallAll() error = %v", err)
	}

	g, err := capability.Lookup[Greeter](rt.Capabilities(), nil)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got := g.Greet("Ada"); got != "Hi, Ada" {
		t.Errorf("best greeter says %q, want the rank 5 one", got)
	}

	if err := rt.Modules().Stop(ctx, mods[1]); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	g, err = capability.Lookup[Greeter](rt.Capabilities(), nil)
	if err != nil {
		t.Fatalf("Lookup() after stop error = %v", err)
	}
	if got := g.Greet("Ada"); got != "Hello, Ada" {
		t.Errorf("after stopping b greeter says %q", got)
	}
}

func TestInstallAll_StartsInDependencyOrder(t *testing.T) {
	consumer := &module.Artifact{
		Name:         "consumer",
		Requirements: []module.Requirement{{Type: capability.TypeOf[Greeter]()}},
		Activator:    module.ActivatorFuncs{},
	}
	rt := newRuntime(t, map[string]*module.Artifact{
		"mem://consumer": consumer,
		"mem://greeter":  greeterModule("greeter", "Hello", 0),
	})

	mods, err := rt.InstallAll(context.Background(), []string{"mem://consumer", "mem://greeter"}, true)
	if err != nil {
		t.Fatalf("InstallAll() error = %v", err)
	}
	for _, m := range mods {
		if m.State() != module.Active {
			t.Errorf("%s state = %s, want ACTIVE", m, m.State())
		}
	}
}

func TestInstallAll_ReportsFailuresAndContinues(t *testing.T) {
	rt := newRuntime(t, map[string]*module.Artifact{
		"mem://ok":  greeterModule("ok", "Hello", 0),
		"mem://bad": {Name: ""},
	})

	mods, err := rt.InstallAll(context.Background(), []string{"mem://bad", "mem://missing", "mem://ok"}, false)
	if !errors.Is(err, module.ErrArtifactInvalid) {
		t.Errorf("InstallAll() error = %v, want ErrArtifactInvalid among failures", err)
	}
	if len(mods) != 1 || mods[0].Name() != "ok" {
		t.Errorf("installed = %v, want only ok", mods)
	}
	if mods[0].State() != module.Installed {
		t.Errorf("state = %s, want INSTALLED when start is off", mods[0].State())
	}
}

type recordingObserver struct {
	interceptorFailures int
	listenerFailures    int
}

func (o *recordingObserver) LockTimeout(string, syncx.Mode)                 {}
func (o *recordingObserver) ListenerFailure(capability.Type, error)         { o.listenerFailures++ }
func (o *recordingObserver) InterceptorFailure(*intercept.InterceptorError) { o.interceptorFailures++ }

type failingInterceptor struct{ intercept.Base }

func (failingInterceptor) Before(*intercept.Invocation) (intercept.Decision, error) {
	return intercept.Continue(), errors.New("audit store down")
}

func TestObserver_ReceivesFailures(t *testing.T) {
	obs := &recordingObserver{}
	rt, err := runtime.New(runtime.Config{
		Loader:   staticLoader(nil),
		Logger:   zerolog.Nop(),
		Observer: obs,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer rt.Close(context.Background())

	rt.Capabilities().AddListener(nil, capability.TypeOf[Greeter](), nil, capability.ListenerFuncs{
		OnRegistered: func(*capability.Registration) { panic("listener bug") },
	})
	capability.Provide[Greeter](rt.Capabilities(), nil, prefixGreeter("Hey"), nil)
	if obs.listenerFailures != 1 {
		t.Errorf("listener failures = %d, want 1", obs.listenerFailures)
	}

	intercept.Register(rt.Capabilities(), nil, failingInterceptor{}, 0, nil)
	ep, err := endpoint.New("Command", "ping", func() string { return "pong" })
	if err != nil {
		t.Fatalf("endpoint.New() error = %v", err)
	}
	_, err = endpoint.NewInvoker(ep, rt.Pipeline()).Call(context.Background(), nil, nil)
	if !errors.Is(err, intercept.ErrInterceptorFailure) {
		t.Errorf("Call() error = %v, want ErrInterceptorFailure", err)
	}
	if obs.interceptorFailures != 1 {
		t.Errorf("interceptor failures = %d, want 1", obs.interceptorFailures)
	}
}

func TestClose_StopsModulesAndIsIdempotent(t *testing.T) {
	rt := newRuntime(t, map[string]*module.Artifact{"mem://a": greeterModule("a", "Hello", 0)})
	ctx := context.Background()

	mods, err := rt.InstallAll(ctx, []string{"mem://a"}, true)
	if err != nil {
		t.Fatalf("InstallAll() error = %v", err)
	}
	if err := rt.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if mods[0].State() != module.Resolved {
		t.Errorf("state after Close = %s, want RESOLVED", mods[0].State())
	}
	if _, err := capability.Lookup[Greeter](rt.Capabilities(), nil); !errors.Is(err, capability.ErrNotFound) {
		t.Errorf("Lookup() after Close error = %v, want ErrNotFound", err)
	}
	if err := rt.Close(ctx); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
