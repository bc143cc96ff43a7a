package idgen_test

import (
	"sync"
	"testing"

	"github.com/artpar/modhost/adapters/idgen"
	"github.com/google/uuid"
)

func TestTimeOrdered_New(t *testing.T) {
	g := idgen.TimeOrdered{}

	id, err := uuid.Parse(g.New())
	if err != nil {
		t.Fatalf("New() is not a UUID: %v", err)
	}
	if id.Version() != 7 {
		t.Errorf("Version() = %d, want 7", id.Version())
	}
}

func TestTimeOrdered_Sorts(t *testing.T) {
	g := idgen.TimeOrdered{}
	prev := g.New()
	for i := 0; i < 100; i++ {
		next := g.New()
		if next <= prev {
			t.Fatalf("IDs not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestSequential_New(t *testing.T) {
	g := idgen.NewSequential("entry_")
	if got := g.New(); got != "entry_1" {
		t.Errorf("first New() = %s, want entry_1", got)
	}
	if got := g.New(); got != "entry_2" {
		t.Errorf("second New() = %s, want entry_2", got)
	}
}

func TestSequential_Concurrent(t *testing.T) {
	g := idgen.NewSequential("")
	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := g.New()
			mu.Lock()
			defer mu.Unlock()
			if seen[id] {
				t.Errorf("duplicate ID %s", id)
			}
			seen[id] = true
		}()
	}
	wg.Wait()
}
