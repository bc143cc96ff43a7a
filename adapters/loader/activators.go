// Package loader turns module locations into artifacts: YAML manifests on disk, or
// artifacts registered in memory.
package loader

import (
	"fmt"
	"slices"
	"sync"

	"github.com/artpar/modhost/core/module"
)

// Factory creates a fresh activator for one revision.
type Factory func() module.Activator

// Activators maps the activator names used in manifests to Go code. Activators are
// registered explicitly at startup; nothing is discovered by scanning.
type Activators struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewActivators creates an empty table.
func NewActivators() *Activators {
	return &Activators{factories: make(map[string]Factory)}
}

// Register adds a factory. Names are unique.
func (a *Activators) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("register activator: name and factory are required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.factories[name]; ok {
		return fmt.Errorf("register activator: %q already registered", name)
	}
	a.factories[name] = f
	return nil
}

// MustRegister is Register for init-time wiring; it panics on error.
func (a *Activators) MustRegister(name string, f Factory) {
	if err := a.Register(name, f); err != nil {
		panic(err)
	}
}

// New creates an activator by name.
func (a *Activators) New(name string) (module.Activator, bool) {
	a.mu.RLock()
	f, ok := a.factories[name]
	a.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}

// Names returns the registered names, sorted.
func (a *Activators) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.factories))
	for name := range a.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
