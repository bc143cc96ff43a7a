package capability

import (
	"errors"
	"slices"
	"sync"
)

// ErrTrackerStopped is returned when starting a tracker that was already stopped.
var ErrTrackerStopped = errors.New("tracker stopped")

type trackerState int

const (
	trackerNew trackerState = iota
	trackerOpen
	trackerClosed
)

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// Weak makes the catalog hold the tracker through a weak pointer. The caller must keep
// the tracker reachable for as long as it wants events.
func Weak() TrackerOption {
	return func(t *Tracker) { t.weak = true }
}

// Tracker follows the registrations of one capability type that satisfy a filter,
// keeps them in rank order, and forwards changes to its event handlers.
type Tracker struct {
	catalog *Catalog
	owner   Owner
	typ     Type
	filter  Filter
	weak    bool

	mu       sync.Mutex
	state    trackerState
	handlers []Listener
	tracked  []*Registration
	handle   *ListenerHandle
}

// NewTracker creates a tracker. It does nothing until Start.
func NewTracker(c *Catalog, owner Owner, typ Type, filter Filter, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		catalog: c,
		owner:   owner,
		typ:     typ,
		filter:  filter,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddEventHandler adds h. Handlers added after Start only see later changes.
func (t *Tracker) AddEventHandler(h Listener) *Tracker {
	t.mu.Lock()
	t.handlers = append(t.handlers, h)
	t.mu.Unlock()
	return t
}

// Type returns the tracked capability type.
func (t *Tracker) Type() Type { return t.typ }

// IsWeak reports whether the catalog holds this tracker weakly.
func (t *Tracker) IsWeak() bool { return t.weak }

// Start subscribes to the catalog and, before returning, delivers a registered event
// for every capability that already matches, in rank order. Starting twice is a no-op.
func (t *Tracker) Start() error {
	t.mu.Lock()
	switch t.state {
	case trackerOpen:
		t.mu.Unlock()
		return nil
	case trackerClosed:
		t.mu.Unlock()
		return ErrTrackerStopped
	}
	t.state = trackerOpen
	t.mu.Unlock()

	var existing []*Registration
	snapshot := func() { existing = t.catalog.snapshotLocked(t.typ) }

	var (
		handle *ListenerHandle
		err    error
	)
	if t.weak {
		handle, err = t.catalog.addListener(t.owner, t.typ, t.filter, weakResolver[Tracker](t), snapshot)
	} else {
		handle, err = t.catalog.addListener(t.owner, t.typ, t.filter, func() Listener { return t }, snapshot)
	}
	if err != nil {
		t.mu.Lock()
		t.state = trackerNew
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	t.handle = handle
	t.mu.Unlock()

	for _, reg := range existing {
		if t.filter.Match(reg.props) {
			t.Registered(reg)
		}
	}
	return nil
}

// Stop unsubscribes the tracker. Deliveries already in flight complete; no new ones
// start. Stopping twice is a no-op.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	if t.state == trackerClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = trackerClosed
	handle := t.handle
	t.tracked = nil
	t.mu.Unlock()

	if handle != nil {
		return handle.Remove()
	}
	return nil
}

// Registered implements Listener. It records reg and notifies handlers once per
// registration.
func (t *Tracker) Registered(reg *Registration) {
	t.mu.Lock()
	if t.state != trackerOpen || !reg.Active() || slices.Contains(t.tracked, reg) {
		t.mu.Unlock()
		return
	}
	i, _ := slices.BinarySearchFunc(t.tracked, reg, func(a, b *Registration) int {
		if a.before(b) {
			return -1
		}
		return 1
	})
	t.tracked = slices.Insert(t.tracked, i, reg)
	handlers := slices.Clone(t.handlers)
	t.mu.Unlock()

	for _, h := range handlers {
		if err := safeCall(func() { h.Registered(reg) }); err != nil {
			logHandlerFailure(t.catalog.logger, reg.typ, err)
		}
	}
}

// Unregistered implements Listener.
func (t *Tracker) Unregistered(reg *Registration) {
	t.mu.Lock()
	i := slices.Index(t.tracked, reg)
	if t.state != trackerOpen || i < 0 {
		t.mu.Unlock()
		return
	}
	t.tracked = slices.Delete(t.tracked, i, i+1)
	handlers := slices.Clone(t.handlers)
	t.mu.Unlock()

	for _, h := range handlers {
		if err := safeCall(func() { h.Unregistered(reg) }); err != nil {
			logHandlerFailure(t.catalog.logger, reg.typ, err)
		}
	}
}

// Registrations returns the tracked registrations in rank order.
func (t *Tracker) Registrations() []*Registration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.tracked)
}

// Instances returns the tracked instances in rank order.
func (t *Tracker) Instances() []any {
	regs := t.Registrations()
	out := make([]any, len(regs))
	for i, r := range regs {
		out[i] = r.instance
	}
	return out
}

// Best returns the highest ranked tracked registration.
func (t *Tracker) Best() (*Registration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.tracked) == 0 {
		return nil, false
	}
	return t.tracked[0], true
}

// Size returns the number of tracked registrations.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}
