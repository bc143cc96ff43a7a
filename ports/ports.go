// Package ports defines the contracts between the host core and its adapters.
// Implementations live in adapters/.
package ports

import (
	"context"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// JournalEntry is one recorded module lifecycle event.
type JournalEntry struct {
	ID        string
	ModuleID  int64
	Module    string
	Revision  int
	Event     string
	FromState string
	ToState   string
	Error     string
	Detail    string
	CreatedAt time.Time
}

// Journal persists module lifecycle history.
type Journal interface {
	// Append records an entry.
	Append(ctx context.Context, e JournalEntry) error

	// Recent returns the newest entries first.
	Recent(ctx context.Context, limit int) ([]JournalEntry, error)

	// ForModule returns a module's entries, oldest first.
	ForModule(ctx context.Context, moduleID int64) ([]JournalEntry, error)
}

// Digester fingerprints artifact contents so changes can be detected.
type Digester interface {
	Sum(data []byte) string
}
