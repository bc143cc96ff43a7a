package module

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/artpar/modhost/core/syncx"
)

// Module is an installed unit of code with a lifecycle.
type Module struct {
	id          int64
	location    string
	installedAt time.Time
	op          *syncx.RWLock // serializes lifecycle operations on this module

	mu          sync.RWMutex
	state       State
	current     *Revision
	history     []*Revision
	unsatisfied []Requirement
	lastErr     error
	wantActive  bool
}

// ID returns the id assigned on install.
func (m *Module) ID() int64 { return m.id }

// Location returns where the module was installed from.
func (m *Module) Location() string { return m.location }

// InstalledAt returns when the module was installed.
func (m *Module) InstalledAt() time.Time { return m.installedAt }

// Name returns the current revision's artifact name.
func (m *Module) Name() string {
	if rev := m.Revision(); rev != nil {
		return rev.Name()
	}
	return fmt.Sprintf("module-%d", m.id)
}

// State returns the lifecycle state.
func (m *Module) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Revision returns the current revision.
func (m *Module) Revision() *Revision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Revisions returns every revision installed so far, oldest first.
func (m *Module) Revisions() []*Revision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.history)
}

// Unsatisfied returns the requirements that failed at the last resolution attempt.
func (m *Module) Unsatisfied() []Requirement {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.unsatisfied)
}

// LastError returns the most recent activation or deactivation failure.
func (m *Module) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// WantsActive reports whether the module was started and should be restarted when its
// dependencies return.
func (m *Module) WantsActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.wantActive
}

func (m *Module) String() string {
	return fmt.Sprintf("%s#%d", m.Name(), m.id)
}

// transition moves the module along one edge of the lifecycle graph.
func (m *Module) transition(to State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	if !CanTransition(from, to) {
		return from, &TransitionError{Module: m.describeLocked(), From: from, To: to}
	}
	m.state = to
	return from, nil
}

func (m *Module) describeLocked() string {
	if m.current != nil {
		return fmt.Sprintf("%s#%d", m.current.Name(), m.id)
	}
	return fmt.Sprintf("module-%d", m.id)
}

func (m *Module) setUnsatisfied(reqs []Requirement) {
	m.mu.Lock()
	m.unsatisfied = reqs
	m.mu.Unlock()
}

func (m *Module) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Module) setWantActive(v bool) {
	m.mu.Lock()
	m.wantActive = v
	m.mu.Unlock()
}

// newRevision appends a revision built from art and makes it current.
func (m *Module) newRevision(art *Artifact, reqs []compiledRequirement, now time.Time) *Revision {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev := &Revision{
		module:       m,
		id:           len(m.history) + 1,
		artifact:     art,
		requirements: reqs,
		createdAt:    now,
	}
	m.history = append(m.history, rev)
	m.current = rev
	return rev
}
