package module

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// State is a module lifecycle state.
type State string

const (
	Installed   State = "INSTALLED"
	Resolved    State = "RESOLVED"
	Starting    State = "STARTING"
	Active      State = "ACTIVE"
	Stopping    State = "STOPPING"
	Uninstalled State = "UNINSTALLED"
)

func (s State) String() string { return string(s) }

// transitions lists the allowed edges of the lifecycle graph. Uninstalled is terminal.
var transitions = map[State][]State{
	Installed: {Resolved, Uninstalled},
	Resolved:  {Installed, Starting, Uninstalled},
	Starting:  {Active, Resolved, Uninstalled},
	Active:    {Stopping, Uninstalled},
	Stopping:  {Resolved, Uninstalled},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

var (
	// ErrArtifactInvalid marks artifacts whose metadata cannot be installed.
	ErrArtifactInvalid = errors.New("invalid module artifact")

	// ErrDependencyUnsatisfied is returned by Start when requirements do not hold.
	ErrDependencyUnsatisfied = errors.New("module dependencies unsatisfied")

	// ErrModuleNotFound is returned by lookups of unknown or uninstalled modules.
	ErrModuleNotFound = errors.New("module not found")

	// ErrIllegalState is returned for operations the current state does not allow.
	ErrIllegalState = errors.New("illegal module state")

	// ErrClosed is returned once the catalog has been closed.
	ErrClosed = errors.New("module catalog closed")
)

// DependencyError lists the requirements that kept a module from starting.
type DependencyError struct {
	Module      string
	Unsatisfied []Requirement
}

func (e *DependencyError) Error() string {
	parts := make([]string, len(e.Unsatisfied))
	for i, r := range e.Unsatisfied {
		parts[i] = r.String()
	}
	return fmt.Sprintf("module %s: unsatisfied requirements: %s", e.Module, strings.Join(parts, ", "))
}

// Is makes errors.Is(err, ErrDependencyUnsatisfied) succeed.
func (e *DependencyError) Is(target error) bool { return target == ErrDependencyUnsatisfied }

// TransitionError reports an edge that is not part of the lifecycle graph.
type TransitionError struct {
	Module string
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("module %s: illegal transition %s -> %s", e.Module, e.From, e.To)
}

// Is makes errors.Is(err, ErrIllegalState) succeed.
func (e *TransitionError) Is(target error) bool { return target == ErrIllegalState }
