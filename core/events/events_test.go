package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// TestPublish_PatternMatching verifies exact, prefix, and global subscriptions
func TestPublish_PatternMatching(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var exact, prefix, global, other atomic.Int32
	bus.Subscribe(ModuleStarted, func(context.Context, Event) error { exact.Add(1); return nil })
	bus.Subscribe("module.*", func(context.Context, Event) error { prefix.Add(1); return nil })
	bus.Subscribe("*", func(context.Context, Event) error { global.Add(1); return nil })
	bus.Subscribe("config.*", func(context.Context, Event) error { other.Add(1); return nil })

	bus.Publish(context.Background(), Event{Name: ModuleStarted})
	bus.Publish(context.Background(), Event{Name: ModuleStopped})

	if exact.Load() != 1 {
		t.Errorf("exact handler called %d times, want 1", exact.Load())
	}
	if prefix.Load() != 2 {
		t.Errorf("prefix handler called %d times, want 2", prefix.Load())
	}
	if global.Load() != 2 {
		t.Errorf("global handler called %d times, want 2", global.Load())
	}
	if other.Load() != 0 {
		t.Errorf("unrelated handler called %d times, want 0", other.Load())
	}
}

// TestPublish_ErrorsAndPanicsContinue verifies a bad handler does not stop delivery
func TestPublish_ErrorsAndPanicsContinue(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var reached atomic.Bool
	bus.Subscribe("*", func(context.Context, Event) error { return errors.New("boom") })
	bus.Subscribe("*", func(context.Context, Event) error { panic("bad handler") })
	bus.Subscribe("*", func(context.Context, Event) error { reached.Store(true); return nil })

	bus.Publish(context.Background(), Event{Name: ModuleFailed})

	if !reached.Load() {
		t.Error("last handler was not reached")
	}
}

// TestPublish_SetsTime verifies events are stamped
func TestPublish_SetsTime(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.now = func() time.Time { return fixed }

	var got Event
	bus.Subscribe("*", func(_ context.Context, e Event) error { got = e; return nil })
	bus.Publish(context.Background(), Event{Name: ModuleInstalled, ModuleID: 7})

	if !got.Time.Equal(fixed) {
		t.Errorf("Time = %v, want %v", got.Time, fixed)
	}
	if got.ModuleID != 7 {
		t.Errorf("ModuleID = %d, want 7", got.ModuleID)
	}
}

// TestSubscribe_Unsubscribe verifies the returned function removes the handler
func TestSubscribe_Unsubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var calls atomic.Int32
	unsubscribe := bus.Subscribe(ModuleStarted, func(context.Context, Event) error { calls.Add(1); return nil })
	unsubscribe()
	unsubscribe()

	bus.Publish(context.Background(), Event{Name: ModuleStarted})
	if calls.Load() != 0 {
		t.Errorf("handler called %d times after unsubscribe", calls.Load())
	}
	if bus.HasSubscribers(ModuleStarted) {
		t.Error("HasSubscribers() = true after unsubscribe")
	}
}

// TestPublish_HandlerMayPublish verifies handlers can publish without deadlocking
func TestPublish_HandlerMayPublish(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var nested atomic.Bool
	bus.Subscribe(ModuleStopped, func(ctx context.Context, _ Event) error {
		bus.Publish(ctx, Event{Name: ModuleUninstalled})
		return nil
	})
	bus.Subscribe(ModuleUninstalled, func(context.Context, Event) error { nested.Store(true); return nil })

	done := make(chan struct{})
	go func() {
		bus.Publish(context.Background(), Event{Name: ModuleStopped})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested publish deadlocked")
	}
	if !nested.Load() {
		t.Error("nested event not delivered")
	}
}

// TestMatches covers the pattern rules directly
func TestMatches(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"*", "anything", true},
		{"module.started", "module.started", true},
		{"module.*", "module.started", true},
		{"module.*", "modules.started", false},
		{"module.*", "module", false},
		{"module.started", "module.stopped", false},
	}
	for _, tt := range tests {
		if got := matches(tt.pattern, tt.name); got != tt.want {
			t.Errorf("matches(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestEntry(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := Entry(Event{
		Name:     ModuleUnresolved,
		ModuleID: 4,
		Module:   "billing",
		Revision: 2,
		To:       "INSTALLED",
		Data:     map[string]any{"unsatisfied": []string{"Db"}},
		Time:     at,
	})
	if e.ID != "" {
		t.Errorf("ID = %q, want it left for the journal", e.ID)
	}
	if e.ModuleID != 4 || e.Module != "billing" || e.Revision != 2 || e.Event != ModuleUnresolved {
		t.Errorf("entry = %+v", e)
	}
	if e.Detail != `{"unsatisfied":["Db"]}` || e.Error != "" || !e.CreatedAt.Equal(at) {
		t.Errorf("entry detail/error/time = %q %q %v", e.Detail, e.Error, e.CreatedAt)
	}
}
