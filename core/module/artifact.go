package module

import (
	"context"
	"fmt"
	"strings"

	"github.com/artpar/modhost/core/capability"
)

// Loader fetches artifacts. It is the only collaborator the catalog performs I/O through.
type Loader interface {
	Load(ctx context.Context, location string) (*Artifact, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, location string) (*Artifact, error)

func (f LoaderFunc) Load(ctx context.Context, location string) (*Artifact, error) {
	return f(ctx, location)
}

// FilterCompiler turns requirement filter expressions into capability filters.
type FilterCompiler interface {
	Compile(expression string) (capability.Filter, error)
}

// Activator is the executable part of a module revision.
type Activator interface {
	// Activate publishes the module's contributions through mc. Returning an error
	// rolls back everything registered so far.
	Activate(ctx context.Context, mc *Context) error

	// Deactivate runs before contributions are retracted on stop.
	Deactivate(ctx context.Context, mc *Context) error
}

// ActivatorFuncs adapts functions to Activator. Nil fields do nothing.
type ActivatorFuncs struct {
	OnActivate   func(ctx context.Context, mc *Context) error
	OnDeactivate func(ctx context.Context, mc *Context) error
}

func (a ActivatorFuncs) Activate(ctx context.Context, mc *Context) error {
	if a.OnActivate == nil {
		return nil
	}
	return a.OnActivate(ctx, mc)
}

func (a ActivatorFuncs) Deactivate(ctx context.Context, mc *Context) error {
	if a.OnDeactivate == nil {
		return nil
	}
	return a.OnDeactivate(ctx, mc)
}

// Requirement is a dependency on capabilities published by others.
type Requirement struct {
	// Type is the capability type that must be present.
	Type capability.Type `yaml:"type" json:"type"`

	// Filter is an optional property expression the capability must satisfy.
	Filter string `yaml:"filter,omitempty" json:"filter,omitempty"`

	// MinCount is how many matching capabilities are needed (default 1).
	MinCount int `yaml:"min_count,omitempty" json:"min_count,omitempty"`

	// Optional requirements are recorded but never block resolution.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`
}

func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(string(r.Type))
	if r.Filter != "" {
		fmt.Fprintf(&b, "[%s]", r.Filter)
	}
	if r.MinCount > 1 {
		fmt.Fprintf(&b, "x%d", r.MinCount)
	}
	return b.String()
}

// Artifact is what a Loader produces: module metadata plus executable content.
type Artifact struct {
	Name         string
	Version      string
	Location     string
	Digest       string
	Requirements []Requirement
	Provides     []capability.Type
	Settings     map[string]any
	Activator    Activator
}

// Validate checks metadata and requirement filters. Failures match ErrArtifactInvalid.
func (a *Artifact) Validate(filters FilterCompiler) error {
	_, err := a.compile(filters)
	return err
}

func (a *Artifact) compile(filters FilterCompiler) ([]compiledRequirement, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil artifact", ErrArtifactInvalid)
	}
	if strings.TrimSpace(a.Name) == "" {
		return nil, fmt.Errorf("%w: %s: name is required", ErrArtifactInvalid, a.Location)
	}
	if a.Activator == nil {
		return nil, fmt.Errorf("%w: %s: activator is required", ErrArtifactInvalid, a.Name)
	}

	compiled := make([]compiledRequirement, 0, len(a.Requirements))
	for i, req := range a.Requirements {
		if req.Type == "" || req.Type == capability.Wildcard {
			return nil, fmt.Errorf("%w: %s: requirements[%d]: type is required", ErrArtifactInvalid, a.Name, i)
		}
		if req.MinCount < 0 {
			return nil, fmt.Errorf("%w: %s: requirements[%d]: min_count must not be negative", ErrArtifactInvalid, a.Name, i)
		}
		if req.MinCount == 0 {
			req.MinCount = 1
		}
		var f capability.Filter
		if req.Filter != "" {
			if filters == nil {
				return nil, fmt.Errorf("%w: %s: requirements[%d]: filters are not supported", ErrArtifactInvalid, a.Name, i)
			}
			var err error
			if f, err = filters.Compile(req.Filter); err != nil {
				return nil, fmt.Errorf("%w: %s: requirements[%d]: %v", ErrArtifactInvalid, a.Name, i, err)
			}
		}
		compiled = append(compiled, compiledRequirement{Requirement: req, filter: f})
	}
	return compiled, nil
}

type compiledRequirement struct {
	Requirement
	filter capability.Filter
}
