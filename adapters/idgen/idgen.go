// Package idgen provides ID generators for journal entries and invocations.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/artpar/modhost/ports"
	"github.com/google/uuid"
)

// TimeOrdered generates UUIDv7 identifiers, which sort by creation time. It falls back
// to a random v4 UUID if the v7 generator fails.
type TimeOrdered struct{}

// New returns a new identifier.
func (TimeOrdered) New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

var _ ports.IDGenerator = TimeOrdered{}

// Sequential generates prefix1, prefix2, ... for tests.
type Sequential struct {
	prefix  string
	counter atomic.Uint64
}

// NewSequential creates a sequential generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New returns the next identifier.
func (s *Sequential) New() string {
	return s.prefix + strconv.FormatUint(s.counter.Add(1), 10)
}

var _ ports.IDGenerator = (*Sequential)(nil)
