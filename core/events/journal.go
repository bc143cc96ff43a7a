package events

import (
	"context"
	"encoding/json"

	"github.com/artpar/modhost/ports"
)

// Entry converts an event to a journal entry. ID is left for the journal to assign.
func Entry(ev Event) ports.JournalEntry {
	e := ports.JournalEntry{
		ModuleID:  ev.ModuleID,
		Module:    ev.Module,
		Revision:  ev.Revision,
		Event:     ev.Name,
		FromState: ev.From,
		ToState:   ev.To,
		CreatedAt: ev.Time,
	}
	if ev.Err != nil {
		e.Error = ev.Err.Error()
	}
	if len(ev.Data) > 0 {
		if b, err := json.Marshal(ev.Data); err == nil {
			e.Detail = string(b)
		}
	}
	return e
}

// Record appends every module lifecycle event published on bus to j. It returns the
// unsubscribe function.
func Record(bus *Bus, j ports.Journal) func() {
	return bus.Subscribe("module.*", func(ctx context.Context, ev Event) error {
		return j.Append(context.WithoutCancel(ctx), Entry(ev))
	})
}
