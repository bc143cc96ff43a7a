// Package events carries module lifecycle notifications from the module catalog to
// observers such as the journal, metrics, and the directory watcher.
package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Lifecycle event names.
const (
	ModuleInstalled   = "module.installed"
	ModuleResolved    = "module.resolved"
	ModuleUnresolved  = "module.unresolved"
	ModuleStarting    = "module.starting"
	ModuleStarted     = "module.started"
	ModuleStopping    = "module.stopping"
	ModuleStopped     = "module.stopped"
	ModuleFailed      = "module.failed"
	ModuleRefreshed   = "module.refreshed"
	ModuleUninstalled = "module.uninstalled"
)

// Event describes one lifecycle step of a module.
type Event struct {
	// Name is the event name, e.g. "module.started".
	Name string

	// ModuleID and Module identify the module.
	ModuleID int64
	Module   string

	// Revision is the module revision the event applies to.
	Revision int

	// From and To are the states around the transition, when there was one.
	From string
	To   string

	// Err is set for failures.
	Err error

	// Data carries event specific details, such as unsatisfied requirements.
	Data map[string]any

	// Time is when the event was published.
	Time time.Time
}

// Handler processes an event. Returned errors are logged.
type Handler func(ctx context.Context, event Event) error

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Bus is a synchronous publish/subscribe bus.
type Bus struct {
	mu     sync.RWMutex
	seq    uint64
	subs   []subscription
	logger zerolog.Logger
	now    func() time.Time
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "events").Logger(),
		now:    time.Now,
	}
}

// Subscribe registers handler for pattern and returns a function that removes it.
// Patterns are matched as:
//   - "module.started" - exact name
//   - "module.*" - every event with that prefix
//   - "*" - all events
func (b *Bus) Subscribe(pattern string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers event to every matching handler in subscription order on the
// calling goroutine. Handlers run without the bus lock held, so they may publish or
// subscribe themselves. A failing or panicking handler does not stop delivery.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = b.now()
	}

	b.mu.RLock()
	var matched []subscription
	for _, s := range b.subs {
		if matches(s.pattern, event.Name) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	b.logger.Debug().
		Str("event", event.Name).
		Int64("module_id", event.ModuleID).
		Str("module", event.Module).
		Int("handlers", len(matched)).
		Msg("event published")

	for _, s := range matched {
		if err := invoke(ctx, s.handler, event); err != nil {
			b.logger.Error().
				Err(err).
				Str("event", event.Name).
				Str("pattern", s.pattern).
				Msg("event handler error")
		}
	}
}

// HasSubscribers reports whether any handler would receive name.
func (b *Bus) HasSubscribers(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if matches(s.pattern, name) {
			return true
		}
	}
	return false
}

func matches(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	prefix, ok := strings.CutSuffix(pattern, ".*")
	if !ok {
		return false
	}
	head, _, found := strings.Cut(name, ".")
	return found && head == prefix
}

func invoke(ctx context.Context, h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, event)
}
