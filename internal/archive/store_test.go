package archive

import (
	"path/filepath"
	"testing"
	"time"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndRecentTurns(t *testing.T) {
	store := createTestStore(t)
	base := time.Unix(1_700_000_000, 0)

	first, err := store.SaveTurn(Turn{
		Query:      "history of tea",
		Outcome:    OutcomeCompleted,
		Report:     "# Tea",
		Sources:    []string{"https://a.example", "https://b.example"},
		StartedAt:  base,
		FinishedAt: base.Add(30 * time.Second),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(first) != 36 {
		t.Errorf("id = %q, want a uuid", first)
	}

	_, err = store.SaveTurn(Turn{
		Query:      "fusion",
		Outcome:    OutcomeFailed,
		Error:      "An error occurred during research: quota",
		StartedAt:  base.Add(time.Minute),
		FinishedAt: base.Add(time.Minute + 2*time.Second),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	turns, err := store.RecentTurns(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Query != "fusion" || turns[1].Query != "history of tea" {
		t.Errorf("order = %q, %q, want newest first", turns[0].Query, turns[1].Query)
	}
	if turns[0].Outcome != OutcomeFailed || turns[0].Error == "" {
		t.Errorf("failed turn = %+v", turns[0])
	}
	if turns[0].Sources == nil || len(turns[0].Sources) != 0 {
		t.Errorf("nil sources should round-trip as empty, got %#v", turns[0].Sources)
	}
	if len(turns[1].Sources) != 2 || turns[1].Sources[1] != "https://b.example" {
		t.Errorf("sources = %v", turns[1].Sources)
	}
	if got := turns[1].Duration(); got != 30*time.Second {
		t.Errorf("duration = %v, want 30s", got)
	}
}

func TestRecentTurnsLimit(t *testing.T) {
	store := createTestStore(t)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		if _, err := store.SaveTurn(Turn{
			Query:      "q",
			Outcome:    OutcomeCompleted,
			StartedAt:  base,
			FinishedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	turns, err := store.RecentTurns(3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 3 {
		t.Errorf("expected 3 turns, got %d", len(turns))
	}

	none, err := store.RecentTurns(0)
	if err != nil || none != nil {
		t.Errorf("RecentTurns(0) = %v, %v", none, err)
	}
}

func TestSaveTurnKeepsID(t *testing.T) {
	store := createTestStore(t)
	id, err := store.SaveTurn(Turn{ID: "fixed", Query: "q", Outcome: OutcomeCompleted})
	if err != nil || id != "fixed" {
		t.Fatalf("save = %q, %v", id, err)
	}

	got, err := store.Turn("fixed")
	if err != nil || got == nil {
		t.Fatalf("turn = %v, %v", got, err)
	}
	if _, err := store.SaveTurn(Turn{ID: "fixed", Query: "q", Outcome: OutcomeCompleted}); err == nil {
		t.Error("duplicate id should fail")
	}
}

func TestTurnNotFound(t *testing.T) {
	store := createTestStore(t)
	got, err := store.Turn("missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil turn, got %+v", got)
	}
}

func TestSaveTurnRejectsUnknownOutcome(t *testing.T) {
	store := createTestStore(t)
	if _, err := store.SaveTurn(Turn{Query: "q", Outcome: "pending"}); err == nil {
		t.Error("expected error for unknown outcome")
	}
}

func TestOpenFileCreatesSchemaOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "turns.sqlite")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.SaveTurn(Turn{Query: "q", Outcome: OutcomeCompleted}); err != nil {
		t.Fatalf("save: %v", err)
	}
	store.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	turns, err := reopened.RecentTurns(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 1 {
		t.Errorf("expected 1 turn after reopen, got %d", len(turns))
	}
}

func TestTimeRoundTrip(t *testing.T) {
	want := time.Unix(1_700_000_123, 500_000_000)
	got := timeFromUnix(unixFromTime(want))
	if d := got.Sub(want); d > time.Millisecond || d < -time.Millisecond {
		t.Errorf("round trip drift = %v", d)
	}
}
