package session

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/storage"
)

type recordingSubscriber struct {
	mu     sync.Mutex
	events []bus.Event
}

func (s *recordingSubscriber) Send(payload []byte) error {
	var evt bus.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return err
	}
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	return nil
}

func (s *recordingSubscriber) countType(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T, cfg *config.Config) *Registry {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	return NewRegistry(func() *config.Config { return cfg }, nil, bus.New())
}

func newTestRegistryWithStore(t *testing.T, cfg *config.Config) (*Registry, *storage.Store) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	store, err := storage.Open(filepath.Join(t.TempDir(), "voxgate.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewRegistry(func() *config.Config { return cfg }, store, bus.New()), store
}

func TestGetOrCreateAllocatesAndReuses(t *testing.T) {
	r := newTestRegistry(t, nil)

	id := r.GetOrCreate("")
	if id == "" {
		t.Fatal("expected a generated session id")
	}
	if got := r.GetOrCreate(id); got != id {
		t.Fatalf("expected same id back, got %s", got)
	}
	if r.Generation(id) != 0 {
		t.Fatalf("new session should start at generation 0, got %d", r.Generation(id))
	}
}

func TestResetBumpsGenerationAndPurgesState(t *testing.T) {
	r := newTestRegistry(t, nil)
	id := r.GetOrCreate("call-1")
	r.Append(id, "user", "hello")
	r.QueueInject(id, "queued", "")
	gen := r.Generation(id)

	r.Reset(id)

	if r.Generation(id) != gen+1 {
		t.Fatalf("expected generation %d after reset, got %d", gen+1, r.Generation(id))
	}
	if len(r.History(id)) != 0 {
		t.Fatal("expected history purged on reset")
	}
	if _, ok := r.DrainInject(id); ok {
		t.Fatal("expected injects purged on reset")
	}
}

func TestGenerationIsMonotonicAcrossResets(t *testing.T) {
	r := newTestRegistry(t, nil)
	id := r.GetOrCreate("call-1")

	var last uint64
	for i := 0; i < 5; i++ {
		r.Reset(id)
		gen := r.Generation(id)
		if gen <= last {
			t.Fatalf("generation not strictly increasing: %d after %d", gen, last)
		}
		last = gen
	}
}

func TestEndIsIdempotentAndPublishesOnce(t *testing.T) {
	cfg := config.Default()
	eventBus := bus.New()
	sub := &recordingSubscriber{}
	eventBus.Subscribe(sub)
	r := NewRegistry(func() *config.Config { return cfg }, nil, eventBus)

	id := r.GetOrCreate("call-1")
	if !r.End(id) {
		t.Fatal("first End should report true")
	}
	if r.End(id) {
		t.Fatal("second End should report false")
	}
	if r.End("unknown") {
		t.Fatal("End on unknown session should report false")
	}
	if n := sub.countType("session.ended"); n != 1 {
		t.Fatalf("expected exactly one session.ended event, got %d", n)
	}
	if !r.IsEnded(id) {
		t.Fatal("expected session to be marked ended")
	}
	if _, ok := r.EndedAt(id); !ok {
		t.Fatal("expected an end timestamp")
	}
}

func TestEndBumpsGeneration(t *testing.T) {
	r := newTestRegistry(t, nil)
	id := r.GetOrCreate("call-1")
	gen := r.Generation(id)
	r.End(id)
	if r.Generation(id) != gen+1 {
		t.Fatalf("expected generation bump on end, got %d", r.Generation(id))
	}
}

func TestSweepStaleEndsIdleSessions(t *testing.T) {
	r := newTestRegistry(t, nil)
	idle := r.GetOrCreate("idle")
	fresh := r.GetOrCreate("fresh")

	// Backdate the idle session by touching it and then waiting out a
	// tiny TTL.
	time.Sleep(20 * time.Millisecond)
	r.Touch(fresh)

	ended := r.SweepStale(10 * time.Millisecond)
	if len(ended) != 1 || ended[0] != idle {
		t.Fatalf("expected only the idle session swept, got %v", ended)
	}
	if !r.IsEnded(idle) {
		t.Fatal("idle session should be ended")
	}
	if r.IsEnded(fresh) {
		t.Fatal("fresh session should survive the sweep")
	}
}

func TestAcquireLockSerializesPerSession(t *testing.T) {
	r := newTestRegistry(t, nil)
	id := r.GetOrCreate("call-1")

	a := r.AcquireLock(id)
	b := r.AcquireLock(id)
	if a != b {
		t.Fatal("expected the same lock for the same session")
	}
	other := r.AcquireLock(r.GetOrCreate("call-2"))
	if a == other {
		t.Fatal("expected distinct locks for distinct sessions")
	}

	// After a reset the session gets a fresh lock.
	r.Reset(id)
	if r.AcquireLock(id) == a {
		t.Fatal("expected a new lock after reset")
	}
}

func TestInjectQueueIsFIFO(t *testing.T) {
	r := newTestRegistry(t, nil)
	id := r.GetOrCreate("call-1")
	r.QueueInject(id, "first", "")
	r.QueueInject(id, "second", "")

	inj, ok := r.DrainInject(id)
	if !ok || inj.Text != "first" {
		t.Fatalf("expected first inject, got %+v ok=%v", inj, ok)
	}
	inj, ok = r.DrainInject(id)
	if !ok || inj.Text != "second" {
		t.Fatalf("expected second inject, got %+v ok=%v", inj, ok)
	}
	if _, ok := r.DrainInject(id); ok {
		t.Fatal("expected queue to be empty")
	}
}

func TestAuthAttemptsAndAuthentication(t *testing.T) {
	r := newTestRegistry(t, nil)
	id := r.GetOrCreate("call-1")

	if r.Authenticated(id) {
		t.Fatal("new session should not be authenticated")
	}
	if n := r.RecordAuthAttempt(id); n != 1 {
		t.Fatalf("expected attempt count 1, got %d", n)
	}
	if n := r.RecordAuthAttempt(id); n != 2 {
		t.Fatalf("expected attempt count 2, got %d", n)
	}
	r.MarkAuthenticated(id)
	if !r.Authenticated(id) {
		t.Fatal("expected session to be authenticated")
	}

	// Reset clears the authenticated flag.
	r.Reset(id)
	if r.Authenticated(id) {
		t.Fatal("reset should clear authentication")
	}
}

func TestMostRecentActivePrefersLatestActivity(t *testing.T) {
	r := newTestRegistry(t, nil)
	first := r.GetOrCreate("first")
	time.Sleep(5 * time.Millisecond)
	second := r.GetOrCreate("second")

	if got := r.MostRecentActive(); got != second {
		t.Fatalf("expected %s, got %s", second, got)
	}

	time.Sleep(5 * time.Millisecond)
	r.Touch(first)
	if got := r.MostRecentActive(); got != first {
		t.Fatalf("expected %s after touch, got %s", first, got)
	}

	r.End(first)
	if got := r.MostRecentActive(); got != second {
		t.Fatalf("ended sessions must not be selected, got %s", got)
	}
}

func TestPurgeHooksRunOnResetAndEnd(t *testing.T) {
	r := newTestRegistry(t, nil)
	var purged []string
	r.OnPurge(func(id string) { purged = append(purged, id) })

	id := r.GetOrCreate("call-1")
	r.Reset(id)
	r.End(id)

	if len(purged) != 2 {
		t.Fatalf("expected purge hook to run on reset and end, got %v", purged)
	}
}

func TestCallerHistoryRoundTripAcrossReset(t *testing.T) {
	cfg := config.Default()
	cfg.Call.KeepHistory = true
	r, _ := newTestRegistryWithStore(t, cfg)

	id := r.GetOrCreate("call-1")
	r.SetCallerInfo(id, "+1 (555) 123-4567", "incoming")
	r.Append(id, "user", "my name is Ada")
	r.Append(id, "assistant", "hello Ada")

	// Reset persists the old call into the caller record, then a fresh
	// session for the same caller restores it.
	r.Reset(id)
	if len(r.History(id)) != 0 {
		t.Fatal("reset should clear live history")
	}
	r.RestoreCallerHistory(id, "+1 (555) 123-4567")

	history := r.History(id)
	if len(history) != 2 || history[0].Content != "my name is Ada" {
		t.Fatalf("expected restored history, got %+v", history)
	}
}

func TestCallerHistoryNoDuplicationAcrossCalls(t *testing.T) {
	cfg := config.Default()
	cfg.Call.KeepHistory = true
	r, store := newTestRegistryWithStore(t, cfg)
	number := "+15551234567"

	// Call 1: two messages, then the call ends.
	id := r.GetOrCreate("call-1")
	r.SetCallerInfo(id, number, "incoming")
	r.Append(id, "user", "first question")
	r.Append(id, "assistant", "first answer")
	r.End(id)

	rec, err := store.LoadCallerHistory(number)
	if err != nil {
		t.Fatalf("load caller history: %v", err)
	}
	if len(rec.History) != 2 || rec.CallCount != 1 {
		t.Fatalf("after call 1: history=%d count=%d", len(rec.History), rec.CallCount)
	}

	// Call 2 reuses the id: reset must not re-merge the ended call, and the
	// restored prefix must not be appended onto the record a second time.
	r.Reset(id)
	r.RestoreCallerHistory(id, number)
	r.SetCallerInfo(id, number, "incoming")
	r.Append(id, "user", "second question")
	r.Append(id, "assistant", "second answer")
	r.End(id)

	rec, err = store.LoadCallerHistory(number)
	if err != nil {
		t.Fatalf("load caller history: %v", err)
	}
	if len(rec.History) != 4 {
		t.Fatalf("expected 4 cumulative messages, got %d", len(rec.History))
	}
	if rec.CallCount != 2 {
		t.Fatalf("expected call_count 2, got %d", rec.CallCount)
	}
	if rec.History[0].Content != "first question" || rec.History[2].Content != "second question" {
		t.Fatalf("unexpected cumulative order: %+v", rec.History)
	}
}

func TestCallerHistoryDeletedWhenRetentionOff(t *testing.T) {
	cfg := config.Default()
	cfg.Call.KeepHistory = false
	r, store := newTestRegistryWithStore(t, cfg)

	// Seed a record as if retention had been on earlier.
	if err := store.SaveCallerHistory("+15551234567", []storage.Message{{Role: "user", Content: "old"}}, ""); err != nil {
		t.Fatalf("seed caller history: %v", err)
	}

	id := r.GetOrCreate("call-1")
	r.SetCallerInfo(id, "+15551234567", "incoming")
	r.End(id)

	rec, err := store.LoadCallerHistory("+15551234567")
	if err != nil {
		t.Fatalf("load caller history: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected record deleted with retention off, got %+v", rec)
	}
}

func TestNormalizeNumber(t *testing.T) {
	if got := NormalizeNumber(" +1 (555) 123-4567 "); got != "+15551234567" {
		t.Fatalf("unexpected normalization: %q", got)
	}
	if got := NormalizeNumber(""); got != "" {
		t.Fatalf("empty number should stay empty, got %q", got)
	}
}

func TestSaveSnapshotPersistsState(t *testing.T) {
	r, store := newTestRegistryWithStore(t, nil)
	id := r.GetOrCreate("call-1")
	r.Append(id, "user", "hello")
	r.RecordTurn(id, TurnRecord{Transcript: "hello", Reply: "hi"})

	r.SaveSnapshot(id)

	snap, err := store.GetSession(id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if snap == nil {
		t.Fatal("expected a persisted snapshot")
	}
	if len(snap.History) != 1 {
		t.Fatalf("expected 1 history message, got %d", len(snap.History))
	}
	var turns []TurnRecord
	if err := json.Unmarshal(snap.Turns, &turns); err != nil {
		t.Fatalf("unmarshal turns: %v", err)
	}
	if len(turns) != 1 || turns[0].Reply != "hi" {
		t.Fatalf("expected recorded turn, got %+v", turns)
	}
}
