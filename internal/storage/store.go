// Package storage provides SQLite-backed persistence for session snapshots
// and per-caller conversation history. All writes are best-effort and
// last-write-wins; the gateway never blocks a call on a failed write.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the gateway database.
type Store struct {
	db *sql.DB
}

// Message mirrors one history entry inside persisted JSON blobs.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionSnapshot is the persisted view of one session.
type SessionSnapshot struct {
	SessionID string          `json:"session_id"`
	CreatedAt time.Time       `json:"created_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Turns     json.RawMessage `json:"turns"`
	History   []Message       `json:"history"`
	Summary   string          `json:"summary,omitempty"`
	Caller    string          `json:"caller,omitempty"`
	Direction string          `json:"direction,omitempty"`
}

// CallerRecord is the merged history for one caller number across calls.
type CallerRecord struct {
	Number    string    `json:"number"`
	History   []Message `json:"history"`
	Summary   string    `json:"summary"`
	CallCount int       `json:"call_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	ended_at   TIMESTAMP,
	snapshot   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS caller_history (
	number     TEXT PRIMARY KEY,
	history    TEXT NOT NULL DEFAULT '[]',
	summary    TEXT NOT NULL DEFAULT '',
	call_count INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
`

// Open opens (creating if needed) the gateway database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open gateway db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot upserts a session snapshot.
func (s *Store) SaveSnapshot(snap *SessionSnapshot) error {
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	var endedAt any
	if snap.EndedAt != nil {
		endedAt = snap.EndedAt.UTC()
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (session_id, created_at, ended_at, snapshot)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			ended_at = excluded.ended_at,
			snapshot = excluded.snapshot
	`, snap.SessionID, snap.CreatedAt.UTC(), endedAt, string(blob))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// GetSession returns the persisted snapshot for a session id, or nil when
// none exists.
func (s *Store) GetSession(sessionID string) (*SessionSnapshot, error) {
	var blob string
	err := s.db.QueryRow(`SELECT snapshot FROM sessions WHERE session_id = ?`, sessionID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap SessionSnapshot
	if err := json.Unmarshal([]byte(blob), &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snap, nil
}

// SessionInfo is the list view of a persisted session.
type SessionInfo struct {
	SessionID string     `json:"session_id"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	TurnCount int        `json:"turn_count"`
}

// ListSessions returns persisted sessions, most recent first. A limit of
// zero or less returns all of them.
func (s *Store) ListSessions(limit int) ([]SessionInfo, error) {
	query := `SELECT snapshot FROM sessions ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var infos []SessionInfo
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		var snap SessionSnapshot
		if err := json.Unmarshal([]byte(blob), &snap); err != nil {
			continue
		}
		var turns []json.RawMessage
		_ = json.Unmarshal(snap.Turns, &turns)
		infos = append(infos, SessionInfo{
			SessionID: snap.SessionID,
			CreatedAt: snap.CreatedAt,
			EndedAt:   snap.EndedAt,
			TurnCount: len(turns),
		})
	}
	return infos, rows.Err()
}

// SaveCallerHistory merges one call's history into the caller's persistent
// record: history entries are appended, the rolling summary replaced, and
// the call count incremented.
func (s *Store) SaveCallerHistory(number string, history []Message, summary string) error {
	prev, err := s.LoadCallerHistory(number)
	if err != nil {
		return err
	}
	merged := history
	count := 1
	if prev != nil {
		merged = append(append([]Message{}, prev.History...), history...)
		count = prev.CallCount + 1
		if summary == "" {
			summary = prev.Summary
		}
	}
	blob, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal caller history: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO caller_history (number, history, summary, call_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(number) DO UPDATE SET
			history = excluded.history,
			summary = excluded.summary,
			call_count = excluded.call_count,
			updated_at = excluded.updated_at
	`, number, string(blob), summary, count, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save caller history: %w", err)
	}
	return nil
}

// ReplaceCallerHistory overwrites the caller's stored history and summary
// while still counting one more call. Used when the session was seeded from
// the stored record, so its history is already the cumulative one.
func (s *Store) ReplaceCallerHistory(number string, history []Message, summary string) error {
	prev, err := s.LoadCallerHistory(number)
	if err != nil {
		return err
	}
	count := 1
	if prev != nil {
		count = prev.CallCount + 1
		if summary == "" {
			summary = prev.Summary
		}
	}
	blob, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal caller history: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO caller_history (number, history, summary, call_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(number) DO UPDATE SET
			history = excluded.history,
			summary = excluded.summary,
			call_count = excluded.call_count,
			updated_at = excluded.updated_at
	`, number, string(blob), summary, count, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("replace caller history: %w", err)
	}
	return nil
}

// LoadCallerHistory returns the stored record for a caller number, or nil.
func (s *Store) LoadCallerHistory(number string) (*CallerRecord, error) {
	var (
		blob    string
		summary string
		count   int
		updated time.Time
	)
	err := s.db.QueryRow(`
		SELECT history, summary, call_count, updated_at
		FROM caller_history WHERE number = ?
	`, number).Scan(&blob, &summary, &count, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load caller history: %w", err)
	}
	rec := &CallerRecord{Number: number, Summary: summary, CallCount: count, UpdatedAt: updated}
	if err := json.Unmarshal([]byte(blob), &rec.History); err != nil {
		return nil, fmt.Errorf("parse caller history: %w", err)
	}
	return rec, nil
}

// DeleteCallerHistory removes the stored record for a caller number.
// Returns false when no record existed.
func (s *Store) DeleteCallerHistory(number string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM caller_history WHERE number = ?`, number)
	if err != nil {
		return false, fmt.Errorf("delete caller history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListCallerHistories returns summaries of all stored caller records.
func (s *Store) ListCallerHistories() ([]CallerRecord, error) {
	rows, err := s.db.Query(`
		SELECT number, history, summary, call_count, updated_at
		FROM caller_history ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list caller histories: %w", err)
	}
	defer rows.Close()

	var records []CallerRecord
	for rows.Next() {
		var rec CallerRecord
		var blob string
		if err := rows.Scan(&rec.Number, &blob, &rec.Summary, &rec.CallCount, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan caller row: %w", err)
		}
		_ = json.Unmarshal([]byte(blob), &rec.History)
		records = append(records, rec)
	}
	return records, rows.Err()
}
