package intercept

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/artpar/modhost/core/capability"
	"github.com/rs/zerolog"
)

// Call is the wrapped operation.
type Call func(ctx context.Context) (any, error)

// Config configures a Pipeline.
type Config struct {
	Catalog *capability.Catalog
	Logger  zerolog.Logger

	// OnFailure is called for every interceptor failure, after logging.
	OnFailure func(err *InterceptorError)
}

type entry struct {
	reg  *capability.Registration
	ic   Interceptor
	name string
}

// chainKey identifies a cached chain: the site plus a rendering of the site
// context, since interest may depend on both.
type chainKey struct {
	site  CallSite
	attrs string
}

type siteChain struct {
	gen     uint64
	entries []entry
}

// Pipeline runs interested interceptors around calls.
type Pipeline struct {
	logger    zerolog.Logger
	onFailure func(*InterceptorError)
	tracker   *capability.Tracker

	mu    sync.Mutex
	gen   uint64
	cache map[chainKey]siteChain
}

// NewPipeline starts tracking interceptors in the catalog.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("intercept: catalog is required")
	}
	p := &Pipeline{
		logger:    cfg.Logger.With().Str("component", "intercept").Logger(),
		onFailure: cfg.OnFailure,
		cache:     make(map[chainKey]siteChain),
	}
	p.tracker = capability.NewTracker(cfg.Catalog, nil, InterceptorType, nil)
	p.tracker.AddEventHandler(capability.ListenerFuncs{
		OnRegistered:   func(*capability.Registration) { p.invalidate() },
		OnUnregistered: func(*capability.Registration) { p.invalidate() },
	})
	if err := p.tracker.Start(); err != nil {
		return nil, fmt.Errorf("track interceptors: %w", err)
	}
	return p, nil
}

// Close stops tracking interceptors.
func (p *Pipeline) Close() error {
	return p.tracker.Stop()
}

func (p *Pipeline) invalidate() {
	p.mu.Lock()
	p.gen++
	clear(p.cache)
	p.mu.Unlock()
}

// Interested returns the names of interceptors that apply to site, in Before order.
func (p *Pipeline) Interested(site CallSite, siteContext map[string]any) []string {
	chain := p.chain(site, siteContext)
	names := make([]string, len(chain))
	for i, e := range chain {
		names[i] = e.name
	}
	return names
}

// chain returns the interested interceptors for site in ascending rank order, ties in
// registration order. Results are cached per site and site context until
// interceptors change.
func (p *Pipeline) chain(site CallSite, siteContext map[string]any) []entry {
	key := chainKey{site: site, attrs: fingerprint(siteContext)}
	p.mu.Lock()
	if c, ok := p.cache[key]; ok && c.gen == p.gen {
		p.mu.Unlock()
		return c.entries
	}
	gen := p.gen
	p.mu.Unlock()

	regs := p.tracker.Registrations()
	slices.SortStableFunc(regs, func(a, b *capability.Registration) int {
		if a.Rank() != b.Rank() {
			return a.Rank() - b.Rank()
		}
		if a.ID() < b.ID() {
			return -1
		}
		return 1
	})

	var entries []entry
	for _, reg := range regs {
		ic, ok := reg.Instance().(Interceptor)
		if !ok {
			continue
		}
		e := entry{reg: reg, ic: ic, name: interceptorName(reg)}
		interested, err := guard(func() (bool, error) { return ic.InterestedIn(site, siteContext), nil })
		if err != nil {
			p.logger.Error().Err(err).Str("interceptor", e.name).Str("site", site.String()).Msg("interceptor interest check failed")
			continue
		}
		if interested {
			entries = append(entries, e)
		}
	}

	p.mu.Lock()
	if p.gen == gen {
		p.cache[key] = siteChain{gen: gen, entries: entries}
	}
	p.mu.Unlock()
	return entries
}

// fingerprint renders m with sorted keys. Equal contents give equal strings.
func fingerprint(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(m)) {
		fmt.Fprintf(&b, "%q=%#v;", k, m[k])
	}
	return b.String()
}

// Invoke runs call wrapped by the interceptors interested in site.
func (p *Pipeline) Invoke(ctx context.Context, site CallSite, siteContext map[string]any, target any, args []any, call Call) (any, error) {
	chain := p.chain(site, siteContext)
	if len(chain) == 0 {
		return call(ctx)
	}

	inv := newInvocation(ctx, site, siteContext, target, args, len(chain))

	var (
		result  any
		err     error
		ran     int
		aborted bool
	)
	for i, e := range chain {
		inv.current = i
		d, herr := guard(func() (Decision, error) { return e.ic.Before(inv) })
		if herr != nil {
			return nil, p.fail(e, site, PhaseBefore, herr)
		}
		ran = i + 1
		if d.Aborted() {
			result = d.Value()
			aborted = true
			p.logger.Debug().Str("interceptor", e.name).Str("site", site.String()).Msg("call aborted by interceptor")
			break
		}
	}

	if !aborted {
		result, err = call(ctx)
	}

	for i := ran - 1; i >= 0; i-- {
		e := chain[i]
		inv.current = i
		if err != nil {
			failed := err
			v, perr := guardPanic(func() (any, error) { return e.ic.AfterError(inv, failed) })
			if perr != nil {
				return nil, p.fail(e, site, PhaseAfterError, perr)
			}
			// A nil error swallows the failure; later hooks then see After.
			result, err = v.value, v.err
			continue
		}
		v, herr := guard(func() (any, error) { return e.ic.After(inv, result) })
		if herr != nil {
			return nil, p.fail(e, site, PhaseAfter, herr)
		}
		result = v
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) fail(e entry, site CallSite, phase Phase, err error) *InterceptorError {
	ierr := &InterceptorError{Interceptor: e.name, Site: site, Phase: phase, Err: err}
	p.logger.Error().
		Err(err).
		Str("interceptor", e.name).
		Str("site", site.String()).
		Str("phase", string(phase)).
		Msg("interceptor failed")
	if p.onFailure != nil {
		p.onFailure(ierr)
	}
	return ierr
}

func interceptorName(reg *capability.Registration) string {
	if n, ok := reg.Property("name").(string); ok && n != "" {
		return n
	}
	return fmt.Sprintf("%T", reg.Instance())
}

// guard runs fn and turns a panic into an error.
func guard[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

type outcome struct {
	value any
	err   error
}

// guardPanic runs fn and reports only a panic as an error; fn's own error is part of
// the outcome.
func guardPanic(fn func() (any, error)) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	v, ferr := fn()
	return outcome{value: v, err: ferr}, nil
}
