package loader

import (
	"context"
	"fmt"
	"sync"

	"github.com/artpar/modhost/core/module"
)

// Static serves artifacts registered in memory, for built-in modules and tests.
type Static struct {
	mu   sync.RWMutex
	arts map[string]*module.Artifact
}

// NewStatic creates an empty static loader.
func NewStatic() *Static {
	return &Static{arts: make(map[string]*module.Artifact)}
}

// Add registers or replaces the artifact at location.
func (s *Static) Add(location string, art *module.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arts[location] = art
}

// Remove forgets location.
func (s *Static) Remove(location string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.arts, location)
}

// Load implements module.Loader. Each call returns a copy.
func (s *Static) Load(_ context.Context, location string) (*module.Artifact, error) {
	s.mu.RLock()
	art, ok := s.arts[location]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no artifact registered at %s", location)
	}
	cp := *art
	cp.Location = location
	return &cp, nil
}

// Chain tries each loader in turn: the first that claims the location wins.
type Chain []Router

// Router pairs a loader with the locations it serves.
type Router struct {
	Match  func(location string) bool
	Loader module.Loader
}

// Load implements module.Loader.
func (c Chain) Load(ctx context.Context, location string) (*module.Artifact, error) {
	for _, r := range c {
		if r.Match(location) {
			return r.Loader.Load(ctx, location)
		}
	}
	return nil, fmt.Errorf("no loader for %s", location)
}

var (
	_ module.Loader = (*Static)(nil)
	_ module.Loader = Chain(nil)
)
