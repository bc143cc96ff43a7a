package module

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/artpar/modhost/core/capability"
)

// contribution is something a revision added to a shared registry while active.
type contribution struct {
	kind    string
	desc    string
	retract func() error
}

// Revision is an immutable snapshot of a module's artifact. While its module is
// active it owns the capabilities, endpoints, trackers and interceptors registered
// through its Context.
type Revision struct {
	module       *Module
	id           int
	artifact     *Artifact
	requirements []compiledRequirement
	createdAt    time.Time

	mu            sync.Mutex
	contributions []contribution
	live          bool
}

// OwnerName implements capability.Owner.
func (r *Revision) OwnerName() string {
	return fmt.Sprintf("%s@%s#%d.%d", r.artifact.Name, r.artifact.Version, r.module.id, r.id)
}

// ID returns the per-module revision number, starting at 1.
func (r *Revision) ID() int { return r.id }

// Module returns the module this revision belongs to.
func (r *Revision) Module() *Module { return r.module }

// Name returns the artifact name.
func (r *Revision) Name() string { return r.artifact.Name }

// Version returns the artifact version.
func (r *Revision) Version() string { return r.artifact.Version }

// Digest returns the artifact digest, if the loader computed one.
func (r *Revision) Digest() string { return r.artifact.Digest }

// CreatedAt returns when the revision was installed.
func (r *Revision) CreatedAt() time.Time { return r.createdAt }

// Requirements returns the declared requirements with defaults applied.
func (r *Revision) Requirements() []Requirement {
	out := make([]Requirement, len(r.requirements))
	for i, req := range r.requirements {
		out[i] = req.Requirement
	}
	return out
}

// Provides returns the capability types the artifact declares.
func (r *Revision) Provides() []capability.Type { return slices.Clone(r.artifact.Provides) }

// Contributions returns how many live contributions the revision holds.
func (r *Revision) Contributions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contributions)
}

// open marks the revision as accepting contributions.
func (r *Revision) open() {
	r.mu.Lock()
	r.live = true
	r.mu.Unlock()
}

// add records a contribution. It fails when the revision is not accepting any, in
// which case the caller must undo what it registered.
func (r *Revision) add(c contribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live {
		return fmt.Errorf("%w: revision %s is not active", ErrIllegalState, r.OwnerName())
	}
	r.contributions = append(r.contributions, c)
	return nil
}

// close stops accepting contributions and returns them newest first.
func (r *Revision) close() []contribution {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = false
	out := r.contributions
	r.contributions = nil
	slices.Reverse(out)
	return out
}
