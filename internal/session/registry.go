// Package session provides the authoritative in-memory call state: per-call
// history, metadata, generation counters for staleness detection, and the
// history compaction policy.
package session

import (
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/provider"
	"github.com/voxgate/voxgate/internal/storage"
)

// Message is one history entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Inject is an operator-queued reply waiting for the next turn poll.
type Inject struct {
	Text     string `json:"text"`
	AudioB64 string `json:"audio_base64"`
}

// Metrics holds per-stage latencies for one turn.
type Metrics struct {
	ASRMs   float64 `json:"asr_ms"`
	LLMMs   float64 `json:"llm_ms"`
	TTSMs   float64 `json:"tts_ms"`
	TotalMs float64 `json:"total_ms"`
	Model   string  `json:"llm_model"`
}

// TurnRecord is the committed record of one completed turn.
type TurnRecord struct {
	Transcript string    `json:"transcript"`
	Reply      string    `json:"reply"`
	Metrics    Metrics   `json:"metrics"`
	Forced     bool      `json:"forced_reply"`
	Timestamp  time.Time `json:"timestamp"`
}

// Meta is the list view of an in-memory session.
type Meta struct {
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	Ended      bool      `json:"ended"`
	TurnCount  int       `json:"turn_count"`
	Caller     string    `json:"caller,omitempty"`
	Generation uint64    `json:"generation"`
}

// state is the full mutable record for one session id.
type state struct {
	id            string
	createdAt     time.Time
	lastActive    time.Time
	ended         bool
	endedAt       time.Time
	generation    uint64
	history       []Message
	summary       string
	callerNumber  string
	callDirection string
	authenticated bool
	authAttempts  int
	injects       []Inject
	turns         []TurnRecord

	// restored marks a session seeded from the caller's stored record; its
	// history already contains that record, so persisting must replace the
	// stored history rather than append to it.
	restored bool
}

// Registry owns every session. All exported methods are safe for concurrent
// use. The registry lock guards the maps and per-session fields only; it is
// never held across I/O.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*state
	locks    map[string]*sync.Mutex

	cfg        func() *config.Config
	store      *storage.Store    // nil disables persistence
	bus        *bus.Bus          // nil disables events
	summarizer provider.Provider // nil disables LLM summarization

	// purgeHooks run after a session's state is purged on reset or end,
	// outside the registry lock. Used to clear instruction layers and
	// release operator takeovers.
	purgeHooks []func(sessionID string)
}

// NewRegistry creates a session registry. store and eventBus may be nil.
func NewRegistry(cfg func() *config.Config, store *storage.Store, eventBus *bus.Bus) *Registry {
	return &Registry{
		sessions: make(map[string]*state),
		locks:    make(map[string]*sync.Mutex),
		cfg:      cfg,
		store:    store,
		bus:      eventBus,
	}
}

// OnPurge registers a hook invoked with the session id after every reset
// and end.
func (r *Registry) OnPurge(fn func(sessionID string)) {
	r.purgeHooks = append(r.purgeHooks, fn)
}

var numberNoiseRe = regexp.MustCompile(`[\s\-()]`)

// NormalizeNumber strips formatting noise from a caller number so the same
// caller maps to one history record across calls.
func NormalizeNumber(number string) string {
	return numberNoiseRe.ReplaceAllString(number, "")
}

func newState(id string) *state {
	now := time.Now()
	return &state{
		id:         id,
		createdAt:  now,
		lastActive: now,
	}
}

// GetOrCreate returns the id of an existing session, creating one at
// generation 0 when needed. An empty id allocates a fresh session id.
func (r *Registry) GetOrCreate(id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		r.sessions[id] = newState(id)
	}
	return id
}

// Generation returns the current generation for id. Unknown ids report
// generation 0.
func (r *Registry) Generation(id string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[id]; ok {
		return st.generation
	}
	return 0
}

// Reset purges all state for id and recreates it empty under a strictly
// greater generation. Any in-flight turn holding the old generation is
// stale from this point. Prior history is merged into the caller's
// persistent record when retention is on, or the record is deleted when
// retention is off.
func (r *Registry) Reset(id string) string {
	r.mu.Lock()
	old := r.sessions[id]
	next := newState(id)
	if old != nil {
		next.generation = old.generation + 1
	}
	r.sessions[id] = next
	delete(r.locks, id)
	r.mu.Unlock()

	if old != nil && !old.ended {
		// Ended state was already merged into the caller record by End;
		// persisting it again would double the history and the call count.
		r.persistCallerHistory(old)
	}
	r.runPurgeHooks(id)
	return id
}

// End marks the session ended, bumps the generation, snapshots it, and
// purges transient state. Idempotent: returns false for unknown or
// already-ended sessions, and only the first call publishes session.ended.
func (r *Registry) End(id string) bool {
	r.mu.Lock()
	st, ok := r.sessions[id]
	if !ok || st.ended {
		r.mu.Unlock()
		return false
	}
	st.ended = true
	st.endedAt = time.Now()
	st.generation++
	st.injects = nil
	delete(r.locks, id)
	snap := r.snapshotLocked(st)
	r.mu.Unlock()

	r.persistSnapshot(snap)
	r.persistCallerHistory(st)
	r.runPurgeHooks(id)
	if r.bus != nil {
		r.bus.Publish("session.ended", map[string]any{"session_id": id}, id)
	}
	return true
}

// IsEnded reports whether id exists and has ended.
func (r *Registry) IsEnded(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[id]
	return ok && st.ended
}

// EndedAt returns the end time for an ended session.
func (r *Registry) EndedAt(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[id]
	if !ok || !st.ended {
		return time.Time{}, false
	}
	return st.endedAt, true
}

// Touch updates the last-activity timestamp used by the idle sweep.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[id]; ok {
		st.lastActive = time.Now()
	}
}

// SweepStale ends every non-ended session idle longer than ttl and returns
// the ended ids. Zero ttl applies the configured default.
func (r *Registry) SweepStale(ttl time.Duration) []string {
	if ttl <= 0 {
		ttl = r.cfg().Session.IdleTTL
	}
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	var idle []string
	for id, st := range r.sessions {
		if !st.ended && st.lastActive.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.Unlock()

	var ended []string
	for _, id := range idle {
		if r.End(id) {
			ended = append(ended, id)
			slog.Info("Idle session swept", "session_id", id, "ttl", ttl)
		}
	}
	return ended
}

// Append adds one message to the session history. Compaction is a separate
// explicit step after both sides of a turn are committed.
func (r *Registry) Append(id, role, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[id]
	if !ok {
		st = newState(id)
		r.sessions[id] = st
	}
	st.history = append(st.history, Message{Role: role, Content: content})
}

// History returns a copy of the verbatim message history.
func (r *Registry) History(id string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[id]
	if !ok {
		return nil
	}
	out := make([]Message, len(st.history))
	copy(out, st.history)
	return out
}

// Summary returns the rolling summary text, empty if none.
func (r *Registry) Summary(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[id]; ok {
		return st.summary
	}
	return ""
}

// AcquireLock returns the session's exclusive reply-generation lock,
// creating it lazily. One lock per id, never shared across ids.
func (r *Registry) AcquireLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}

// SetCallerInfo records the caller number and direction for a session.
func (r *Registry) SetCallerInfo(id, number, direction string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[id]; ok {
		st.callerNumber = number
		st.callDirection = direction
	}
}

// CallerInfo returns the caller number and direction for a session.
func (r *Registry) CallerInfo(id string) (number, direction string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[id]; ok {
		return st.callerNumber, st.callDirection
	}
	return "", ""
}

// Authenticated reports whether the session passed the passphrase gate.
func (r *Registry) Authenticated(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[id]
	return ok && st.authenticated
}

// MarkAuthenticated marks the session as passed.
func (r *Registry) MarkAuthenticated(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[id]; ok {
		st.authenticated = true
	}
}

// RecordAuthAttempt counts one failed passphrase attempt and returns the
// total so far.
func (r *Registry) RecordAuthAttempt(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[id]
	if !ok {
		return 0
	}
	st.authAttempts++
	return st.authAttempts
}

// QueueInject appends an operator message to the session's pending queue.
func (r *Registry) QueueInject(id, text, audioB64 string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[id]; ok && !st.ended {
		st.injects = append(st.injects, Inject{Text: text, AudioB64: audioB64})
	}
}

// DrainInject pops the oldest pending injection, if any.
func (r *Registry) DrainInject(id string) (Inject, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[id]
	if !ok || len(st.injects) == 0 {
		return Inject{}, false
	}
	inj := st.injects[0]
	st.injects = st.injects[1:]
	return inj, true
}

// RecordTurn appends a completed turn to the session's metadata.
func (r *Registry) RecordTurn(id string, rec TurnRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[id]; ok {
		st.turns = append(st.turns, rec)
	}
}

// Turns returns a copy of the session's committed turn records.
func (r *Registry) Turns(id string) []TurnRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[id]
	if !ok {
		return nil
	}
	out := make([]TurnRecord, len(st.turns))
	copy(out, st.turns)
	return out
}

// ActiveSessions lists metadata for all non-ended sessions.
func (r *Registry) ActiveSessions() []Meta {
	return r.list(false)
}

// AllSessions lists metadata for every in-memory session, ended included.
func (r *Registry) AllSessions() []Meta {
	return r.list(true)
}

func (r *Registry) list(includeEnded bool) []Meta {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Meta
	for _, st := range r.sessions {
		if st.ended && !includeEnded {
			continue
		}
		out = append(out, Meta{
			SessionID:  st.id,
			CreatedAt:  st.createdAt,
			LastActive: st.lastActive,
			Ended:      st.ended,
			TurnCount:  len(st.turns),
			Caller:     st.callerNumber,
			Generation: st.generation,
		})
	}
	return out
}

// MostRecentActive returns the id of the most recently active non-ended
// session, or empty when none exists.
func (r *Registry) MostRecentActive() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		best   string
		bestAt time.Time
	)
	for id, st := range r.sessions {
		if !st.ended && st.lastActive.After(bestAt) {
			best = id
			bestAt = st.lastActive
		}
	}
	return best
}

// RestoreCallerHistory seeds a fresh session with the caller's persisted
// history and summary, when retention is on and a record exists.
func (r *Registry) RestoreCallerHistory(id, number string) {
	if r.store == nil || !r.cfg().Call.KeepHistory {
		return
	}
	normalized := NormalizeNumber(number)
	if normalized == "" {
		return
	}
	rec, err := r.store.LoadCallerHistory(normalized)
	if err != nil {
		slog.Warn("Caller history load failed", "number", normalized, "error", err)
		return
	}
	if rec == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[id]
	if !ok {
		return
	}
	for _, m := range rec.History {
		st.history = append(st.history, Message{Role: m.Role, Content: m.Content})
	}
	if rec.Summary != "" {
		st.summary = rec.Summary
	}
	st.restored = true
}

// SaveSnapshot persists the session's current state, best-effort.
func (r *Registry) SaveSnapshot(id string) {
	r.mu.Lock()
	st, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	snap := r.snapshotLocked(st)
	r.mu.Unlock()
	r.persistSnapshot(snap)
}

func (r *Registry) snapshotLocked(st *state) *storage.SessionSnapshot {
	history := make([]storage.Message, len(st.history))
	for i, m := range st.history {
		history[i] = storage.Message{Role: m.Role, Content: m.Content}
	}
	snap := &storage.SessionSnapshot{
		SessionID: st.id,
		CreatedAt: st.createdAt,
		History:   history,
		Summary:   st.summary,
		Caller:    st.callerNumber,
		Direction: st.callDirection,
	}
	if st.ended {
		endedAt := st.endedAt
		snap.EndedAt = &endedAt
	}
	if blob, err := marshalTurns(st.turns); err == nil {
		snap.Turns = blob
	}
	return snap
}

func (r *Registry) persistSnapshot(snap *storage.SessionSnapshot) {
	if r.store == nil || snap == nil {
		return
	}
	if err := r.store.SaveSnapshot(snap); err != nil {
		slog.Warn("Session snapshot failed", "session_id", snap.SessionID, "error", err)
	}
}

// persistCallerHistory applies the retention side effect on reset/end: fold
// the call into the caller's record, or delete the record when retention is
// disabled. A session that was seeded from the stored record replaces it
// (its history already contains the record); otherwise the call is appended.
func (r *Registry) persistCallerHistory(st *state) {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	number := NormalizeNumber(st.callerNumber)
	history := make([]storage.Message, len(st.history))
	for i, m := range st.history {
		history[i] = storage.Message{Role: m.Role, Content: m.Content}
	}
	summary := st.summary
	restored := st.restored
	r.mu.Unlock()

	if number == "" {
		return
	}
	if r.cfg().Call.KeepHistory {
		var err error
		if restored {
			err = r.store.ReplaceCallerHistory(number, history, summary)
		} else {
			err = r.store.SaveCallerHistory(number, history, summary)
		}
		if err != nil {
			slog.Warn("Caller history save failed", "number", number, "error", err)
		}
	} else {
		if _, err := r.store.DeleteCallerHistory(number); err != nil {
			slog.Warn("Caller history delete failed", "number", number, "error", err)
		}
	}
}

func (r *Registry) runPurgeHooks(id string) {
	for _, hook := range r.purgeHooks {
		hook(id)
	}
}
