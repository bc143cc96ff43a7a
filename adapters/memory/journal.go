// Package memory provides in-memory implementations of the ports, for hosts that run
// without a journal database and for tests.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/artpar/modhost/ports"
)

// DefaultJournalCapacity bounds a journal created with capacity 0.
const DefaultJournalCapacity = 1000

// JournalStore is an in-memory implementation of ports.Journal. It keeps the newest
// capacity entries and forgets older ones.
type JournalStore struct {
	mu       sync.RWMutex
	entries  []ports.JournalEntry // ring buffer
	next     int
	full     bool
	ids      ports.IDGenerator
	clock    ports.Clock
	capacity int
}

// NewJournalStore creates a journal holding up to capacity entries.
func NewJournalStore(capacity int, ids ports.IDGenerator, clock ports.Clock) *JournalStore {
	if capacity <= 0 {
		capacity = DefaultJournalCapacity
	}
	return &JournalStore{
		entries:  make([]ports.JournalEntry, capacity),
		ids:      ids,
		clock:    clock,
		capacity: capacity,
	}
}

// Append records an entry. Missing ID and CreatedAt are filled in.
func (s *JournalStore) Append(ctx context.Context, e ports.JournalEntry) error {
	if e.ID == "" {
		e.ID = s.ids.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[s.next] = e
	s.next = (s.next + 1) % s.capacity
	if s.next == 0 {
		s.full = true
	}
	return nil
}

// Len returns the number of entries held.
func (s *JournalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return s.capacity
	}
	return s.next
}

// Recent returns up to limit entries, newest first.
func (s *JournalStore) Recent(ctx context.Context, limit int) ([]ports.JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []ports.JournalEntry
	s.newestFirst(func(e ports.JournalEntry) bool {
		out = append(out, e)
		return len(out) < limit
	})
	return out, nil
}

// ForModule returns every held entry for a module, oldest first.
func (s *JournalStore) ForModule(ctx context.Context, moduleID int64) ([]ports.JournalEntry, error) {
	var out []ports.JournalEntry
	s.newestFirst(func(e ports.JournalEntry) bool {
		if e.ModuleID == moduleID {
			out = append(out, e)
		}
		return true
	})
	slices.Reverse(out)
	return out, nil
}

func (s *JournalStore) newestFirst(yield func(ports.JournalEntry) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.next
	if s.full {
		n = s.capacity
	}
	for i := 0; i < n; i++ {
		idx := (s.next - 1 - i + s.capacity) % s.capacity
		if !yield(s.entries[idx]) {
			return
		}
	}
}

var _ ports.Journal = (*JournalStore)(nil)
