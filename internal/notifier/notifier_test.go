package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nets-observer/internal/artifact"
	"nets-observer/internal/config"
	"nets-observer/internal/history"
	"nets-observer/internal/relay"
)

type memoryHistory struct {
	mu      sync.Mutex
	entries []history.Entry
	err     error
}

func (m *memoryHistory) Append(_ context.Context, entry history.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryHistory) Recent(_ context.Context, limit int) ([]history.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) > limit {
		return append([]history.Entry(nil), m.entries[len(m.entries)-limit:]...), nil
	}
	return append([]history.Entry(nil), m.entries...), nil
}

func (m *memoryHistory) Close() error { return nil }

func (m *memoryHistory) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type fixture struct {
	root    string
	paths   config.PathsConfig
	store   *artifact.Store
	history *memoryHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	paths := config.PathsConfig{
		StatePath: filepath.Join(root, "cli", "state.json"),
		TracesDir: filepath.Join(root, "traces"),
		FraudDir:  filepath.Join(root, "fraud"),
	}
	for _, dir := range []string{filepath.Dir(paths.StatePath), paths.TracesDir, paths.FraudDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	return &fixture{root: root, paths: paths, store: artifact.NewStore(paths), history: &memoryHistory{}}
}

func (f *fixture) writeState(t *testing.T, body string) {
	t.Helper()
	if err := os.WriteFile(f.paths.StatePath, []byte(body), 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.UnixMilli(1700000000123) }
}

func TestClassify(t *testing.T) {
	f := newFixture(t)
	n := New(f.store, nil, nil)

	cases := map[string]EventType{
		f.paths.StatePath: EventState,
		filepath.Join(f.paths.TracesDir, "snake", "alice.json"): EventTrace,
		filepath.Join(f.paths.FraudDir, "alice.json"):           EventFraud,
		filepath.Join(f.root, "traces-old", "x.json"):           EventChange,
		filepath.Join(f.root, "cli", "other.json"):              EventChange,
	}
	for path, want := range cases {
		if got := n.Classify(path); got != want {
			t.Fatalf("classify %s: got %s want %s", path, got, want)
		}
	}
}

func TestStateChangeAppendsHistoryBeforeBroadcast(t *testing.T) {
	f := newFixture(t)
	f.writeState(t, `{"balances":[["alice",10]],"commitments":[]}`)
	n := New(f.store, f.history, NewRegistry(4), WithClock(fixedClock()))
	obs := n.Registry().Add()

	ev := n.Handle(context.Background(), f.paths.StatePath)
	if ev.Type != EventState || ev.TS != 1700000000123 || ev.ID == "" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	got := <-obs.Events()
	if got.ID != ev.ID {
		t.Fatalf("observer got a different event: %+v", got)
	}
	if f.history.len() != 1 {
		t.Fatalf("history should hold one entry when the event arrives, got %d", f.history.len())
	}
	items, err := n.History(context.Background(), 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if bal, ok := items[0].State.Balance("alice"); !ok || bal != 10 {
		t.Fatalf("unexpected snapshot: %+v", items[0].State)
	}
}

func TestUnreadableStateStillBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.writeState(t, `{"balances":[["alice",`)
	n := New(f.store, f.history, NewRegistry(4))
	obs := n.Registry().Add()

	n.Handle(context.Background(), f.paths.StatePath)
	select {
	case got := <-obs.Events():
		if got.Type != EventState {
			t.Fatalf("unexpected event type: %s", got.Type)
		}
	default:
		t.Fatalf("expected a broadcast")
	}
	if f.history.len() != 0 {
		t.Fatalf("malformed state must not be recorded")
	}
}

func TestHistoryFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.writeState(t, `{"balances":[]}`)
	f.history.err = errors.New("disk full")
	n := New(f.store, f.history, NewRegistry(4))
	obs := n.Registry().Add()

	n.Handle(context.Background(), f.paths.StatePath)
	if len(obs.Events()) != 1 {
		t.Fatalf("event should still be broadcast")
	}
}

func TestNonStateEventsSkipHistory(t *testing.T) {
	f := newFixture(t)
	f.writeState(t, `{"balances":[]}`)
	n := New(f.store, f.history, nil)

	n.Handle(context.Background(), filepath.Join(f.paths.TracesDir, "snake", "alice.json"))
	n.Handle(context.Background(), filepath.Join(f.paths.FraudDir, "alice.json"))
	if f.history.len() != 0 {
		t.Fatalf("only state changes are recorded")
	}
}

func TestSlowObserverDropsOnlyItsOwnEvents(t *testing.T) {
	reg := NewRegistry(1)
	slow := reg.Add()
	fast := reg.Add()

	var received []Event
	for i := 0; i < 3; i++ {
		delivered, dropped := reg.Broadcast(Event{ID: string(rune('a' + i)), Type: EventTrace})
		received = append(received, <-fast.Events())
		if i == 0 && (delivered != 2 || dropped != 0) {
			t.Fatalf("first broadcast: delivered=%d dropped=%d", delivered, dropped)
		}
		if i > 0 && (delivered != 1 || dropped != 1) {
			t.Fatalf("broadcast %d: delivered=%d dropped=%d", i, delivered, dropped)
		}
	}
	if len(received) != 3 {
		t.Fatalf("fast observer should see every event")
	}
	if got := <-slow.Events(); got.ID != "a" {
		t.Fatalf("slow observer should keep the first event, got %+v", got)
	}
}

func TestRemoveClosesObserver(t *testing.T) {
	reg := NewRegistry(1)
	obs := reg.Add()
	if reg.Len() != 1 {
		t.Fatalf("unexpected len: %d", reg.Len())
	}
	reg.Remove(obs.ID)
	reg.Remove(obs.ID)
	if reg.Len() != 0 {
		t.Fatalf("observer should be removed")
	}
	if _, ok := <-obs.Events(); ok {
		t.Fatalf("channel should be closed")
	}
	if delivered, dropped := reg.Broadcast(Event{Type: EventChange}); delivered+dropped != 0 {
		t.Fatalf("removed observer must not receive events")
	}
}

func TestEventsAreRelayed(t *testing.T) {
	f := newFixture(t)
	mem := relay.NewMemory(4)
	n := New(f.store, nil, nil, WithRelay(mem))

	ev := n.Handle(context.Background(), filepath.Join(f.paths.FraudDir, "bob.json"))
	msg := <-mem.Messages()
	if msg.ID != ev.ID || msg.Type != string(EventFraud) {
		t.Fatalf("unexpected relay message: %+v", msg)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("decode relay body: %v", err)
	}
	if decoded.Path != ev.Path {
		t.Fatalf("unexpected relay body: %+v", decoded)
	}
}

// startRun 启动 Run 并等待初始监听建立。
func startRun(t *testing.T, n *Notifier) {
	t.Helper()
	ready := make(chan struct{})
	n.onReady = func() { close(ready) }
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run: %v", err)
		}
	})
	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("watcher never became ready")
	}
}

// collect 收集 window 内的全部事件。
func collect(obs *Observer, window time.Duration) []Event {
	var got []Event
	timeout := time.After(window)
	for {
		select {
		case ev := <-obs.Events():
			got = append(got, ev)
		case <-timeout:
			return got
		}
	}
}

func countType(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestRunOneStateWriteOneHistoryEntry(t *testing.T) {
	f := newFixture(t)
	// 覆盖已有文件：O_TRUNC 与写入各产生一次 inotify 事件。
	f.writeState(t, `{"balances":[["alice",1]],"commitments":[]}`)
	n := New(f.store, f.history, NewRegistry(16), WithDebounce(30*time.Millisecond))
	obs := n.Registry().Add()
	startRun(t, n)

	f.writeState(t, `{"balances":[["alice",2]],"commitments":[]}`)
	events := collect(obs, 500*time.Millisecond)

	if got := countType(events, EventState); got != 1 {
		t.Fatalf("expected one state event for one write, got %d: %+v", got, events)
	}
	if got := f.history.len(); got != 1 {
		t.Fatalf("expected one history entry for one write, got %d", got)
	}
	items, _ := n.History(context.Background(), 0)
	if bal, ok := items[0].State.Balance("alice"); !ok || bal != 2 {
		t.Fatalf("history should hold the written snapshot: %+v", items[0].State)
	}
}

func TestRunReportsTraceWrites(t *testing.T) {
	f := newFixture(t)
	n := New(f.store, f.history, NewRegistry(16), WithDebounce(20*time.Millisecond))
	obs := n.Registry().Add()
	startRun(t, n)

	target := filepath.Join(f.paths.TracesDir, "snake", "alice.json")
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// 先给新目录加入监听的时间，再以临时文件加重命名的方式发布。
	time.Sleep(100 * time.Millisecond)
	tmp := artifact.TempPath(target)
	if err := os.WriteFile(tmp, []byte(`{"steps":[]}`), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		t.Fatalf("rename: %v", err)
	}

	events := collect(obs, 500*time.Millisecond)
	if len(events) != 1 || events[0].Type != EventTrace || events[0].Path != target {
		t.Fatalf("expected one trace event for %s, got %+v", target, events)
	}
	if f.history.len() != 0 {
		t.Fatalf("trace writes must not touch history")
	}
}

func TestRunPicksUpRootCreatedLater(t *testing.T) {
	root := t.TempDir()
	paths := config.PathsConfig{
		StatePath: filepath.Join(root, "cli", "state.json"),
		TracesDir: filepath.Join(root, "out", "traces"),
		FraudDir:  filepath.Join(root, "out", "fraud"),
	}
	store := artifact.NewStore(paths)
	n := New(store, nil, NewRegistry(16), WithDebounce(20*time.Millisecond))
	obs := n.Registry().Add()
	startRun(t, n)

	if err := os.MkdirAll(paths.FraudDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	target := filepath.Join(paths.FraudDir, "alice.json")
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		// 目录逐级出现后监听才会补上，期间的写入可能错过。
		if err := os.WriteFile(target, []byte(`{"proof":null}`), 0o644); err != nil {
			t.Fatalf("write fraud: %v", err)
		}
		for _, ev := range collect(obs, 100*time.Millisecond) {
			if ev.Type == EventFraud && ev.Path == target {
				return
			}
		}
	}
	t.Fatalf("fraud root created after startup was never watched")
}
