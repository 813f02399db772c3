package history

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"nets-observer/internal/artifact"
)

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "observer_history.jsonl"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func entryAt(ts int64) Entry {
	return Entry{TS: ts, State: artifact.State{
		Balances: []artifact.Balance{{Agent: "alice", Amount: ts}},
	}}
}

func TestRecentReturnsLastKChronologically(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()
	for i := int64(1); i <= 10; i++ {
		if err := store.Append(ctx, entryAt(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := store.Recent(ctx, 4)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(got))
	}
	for i, want := range []int64{7, 8, 9, 10} {
		if got[i].TS != want {
			t.Fatalf("entry %d: got ts %d want %d", i, got[i].TS, want)
		}
	}
	if bal, _ := got[3].State.Balance("alice"); bal != 10 {
		t.Fatalf("state not round tripped: %d", bal)
	}

	all, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent default: %v", err)
	}
	if len(all) != 10 || all[0].TS != 1 {
		t.Fatalf("default limit should return everything in order, got %d entries", len(all))
	}
}

func TestRecentSkipsPartialAndCorruptLines(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()
	if err := store.Append(ctx, entryAt(1)); err != nil {
		t.Fatalf("append: %v", err)
	}

	f, err := os.OpenFile(store.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString("not json\n")
	f.WriteString(`{"ts": 3, "state": {"balan`)
	f.Close()

	got, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].TS != 1 {
		t.Fatalf("expected only the complete entry, got %+v", got)
	}
}

func TestConcurrentAppendsStayWhole(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(ts int64) {
			defer wg.Done()
			if err := store.Append(ctx, entryAt(ts)); err != nil {
				t.Errorf("append: %v", err)
			}
		}(int64(i))
	}
	wg.Wait()

	got, err := store.Recent(ctx, MaxLimit)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 50 {
		t.Fatalf("expected 50 whole entries, got %d", len(got))
	}
}

func TestRecentOnMissingFile(t *testing.T) {
	store := newFileStore(t)
	if err := os.Remove(store.Path()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, err := store.Recent(context.Background(), 5)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty history, got %v %v", got, err)
	}
}

func TestNormalizeLimit(t *testing.T) {
	cases := map[int]int{-1: DefaultLimit, 0: DefaultLimit, 1: 1, 200: 200, 9999: MaxLimit}
	for in, want := range cases {
		if got := NormalizeLimit(in); got != want {
			t.Errorf("NormalizeLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
