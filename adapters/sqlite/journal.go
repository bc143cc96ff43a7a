package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/artpar/modhost/ports"
)

// JournalStore implements ports.Journal using SQLite.
type JournalStore struct {
	db    *DB
	ids   ports.IDGenerator
	clock ports.Clock
}

// NewJournalStore creates a journal store.
func NewJournalStore(db *DB, ids ports.IDGenerator, clock ports.Clock) *JournalStore {
	return &JournalStore{db: db, ids: ids, clock: clock}
}

// Append records an entry. Missing ID and CreatedAt are filled in.
func (s *JournalStore) Append(ctx context.Context, e ports.JournalEntry) error {
	if e.ID == "" {
		e.ID = s.ids.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO module_journal (id, seq, module_id, module, revision, event, from_state, to_state, error, detail, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM module_journal), ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ModuleID, e.Module, e.Revision, e.Event, e.FromState, e.ToState,
		e.Error, e.Detail, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *JournalStore) Recent(ctx context.Context, limit int) ([]ports.JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, module_id, module, revision, event, from_state, to_state, error, detail, created_at
		FROM module_journal
		ORDER BY seq DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	return scanEntries(rows)
}

// ForModule returns every entry for a module, oldest first.
func (s *JournalStore) ForModule(ctx context.Context, moduleID int64) ([]ports.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, module_id, module, revision, event, from_state, to_state, error, detail, created_at
		FROM module_journal
		WHERE module_id = ?
		ORDER BY seq ASC
	`, moduleID)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]ports.JournalEntry, error) {
	defer rows.Close()

	var out []ports.JournalEntry
	for rows.Next() {
		var (
			e       ports.JournalEntry
			created time.Time
		)
		if err := rows.Scan(&e.ID, &e.ModuleID, &e.Module, &e.Revision, &e.Event,
			&e.FromState, &e.ToState, &e.Error, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.CreatedAt = created.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return out, nil
}
