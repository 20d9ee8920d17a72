// Package instructions manages the layered system-prompt state: an immutable
// base from config, per-session overrides, one-shot turn addenda, and
// operator-injected knowledge. All mutable state is strictly per-session.
package instructions

import (
	"context"
	"strings"
	"sync"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/provider"
)

const knowledgeHeader = "IMPORTANT — use the following facts when answering:"

// Store holds instruction layers for all sessions.
type Store struct {
	mu        sync.Mutex
	session   map[string]string
	turn      map[string]string
	knowledge map[string]string

	cfg       func() *config.Config
	compactor *promptCache
}

// NewStore creates an instruction store. The base layer is read from the
// config on every compose, so config reloads take effect immediately.
func NewStore(cfg func() *config.Config, llm provider.Provider) *Store {
	return &Store{
		session:   make(map[string]string),
		turn:      make(map[string]string),
		knowledge: make(map[string]string),
		cfg:       cfg,
		compactor: newPromptCache(llm),
	}
}

// Base returns the immutable default system prompt from config.
func (s *Store) Base() string {
	return s.cfg().Model.SystemPrompt
}

// Session returns the session-scoped override, empty if none.
func (s *Store) Session(sid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session[sid]
}

// SetSession installs a session-scoped override.
func (s *Store) SetSession(sid, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session[sid] = text
}

// ClearSession removes the session-scoped override.
func (s *Store) ClearSession(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.session, sid)
}

// Turn returns the pending one-shot addendum without consuming it.
func (s *Store) Turn(sid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn[sid]
}

// SetTurn installs a one-shot addendum consumed by the next compose.
func (s *Store) SetTurn(sid, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn[sid] = text
}

// SetKnowledge installs operator-injected knowledge, held until cleared or
// the session ends.
func (s *Store) SetKnowledge(sid, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knowledge[sid] = text
}

// Knowledge returns the operator-injected knowledge, empty if none.
func (s *Store) Knowledge(sid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knowledge[sid]
}

// ClearKnowledge removes operator-injected knowledge.
func (s *Store) ClearKnowledge(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.knowledge, sid)
}

// ClearAll removes every instruction layer for a session. Hooked into
// session reset and end.
func (s *Store) ClearAll(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.session, sid)
	delete(s.turn, sid)
	delete(s.knowledge, sid)
}

// Compose builds the effective system prompt for one turn: the session
// override (else base), the one-shot turn addendum (consumed here), and any
// operator knowledge, joined with explicit section separators. Prompts over
// the configured character threshold are replaced by a cached LLM
// compression.
func (s *Store) Compose(ctx context.Context, sid string) string {
	s.mu.Lock()
	base := s.session[sid]
	turnExtra := s.turn[sid]
	delete(s.turn, sid)
	knowledge := s.knowledge[sid]
	s.mu.Unlock()

	if base == "" {
		base = s.Base()
	}

	parts := []string{base}
	if turnExtra != "" {
		parts = append(parts, turnExtra)
	}
	if knowledge != "" {
		parts = append(parts, knowledgeHeader+"\n"+knowledge)
	}
	prompt := strings.Join(parts, "\n\n")

	threshold := s.cfg().Session.InstructionCompactChars
	if threshold > 0 && len(prompt) > threshold {
		prompt = s.compactor.compact(ctx, prompt, threshold)
	}
	return prompt
}

// Snapshot reports the base prompt and all session overrides, for the
// inspection endpoint.
func (s *Store) Snapshot() map[string]any {
	s.mu.Lock()
	sessions := make(map[string]string, len(s.session))
	for k, v := range s.session {
		sessions[k] = v
	}
	s.mu.Unlock()
	return map[string]any{
		"base":     s.Base(),
		"sessions": sessions,
	}
}
