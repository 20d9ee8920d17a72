package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/voxgate/voxgate/internal/provider"
)

const summarizerPrompt = "Summarize this phone conversation history into a concise paragraph. " +
	"Preserve: caller identity, key facts mentioned, decisions made, " +
	"questions asked, and any commitments. " +
	"Drop: filler, greetings, repetition. " +
	"Output only the summary, nothing else."

// SetSummarizer attaches the language model used for history compaction.
func (r *Registry) SetSummarizer(p provider.Provider) {
	r.summarizer = p
}

// Compact folds history older than the verbatim window into the rolling
// summary. Invoked once per committed turn, after both the user and
// assistant messages are appended. The verbatim window is maxHistoryTurns
// exchanges, shrunk in exchange-sized steps when a token budget derived
// from the model's context window is tighter, with a floor of one exchange.
func (r *Registry) Compact(ctx context.Context, id string) {
	cfg := r.cfg()

	r.mu.Lock()
	st, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	gen := st.generation
	history := make([]Message, len(st.history))
	copy(history, st.history)
	prevSummary := st.summary
	r.mu.Unlock()

	maxTurns := cfg.Session.MaxHistoryTurns
	if maxTurns < 1 {
		maxTurns = 1
	}
	keep := maxTurns * 2

	contextLimit := cfg.Model.ContextTokens
	if contextLimit == 0 && r.summarizer != nil {
		contextLimit = r.summarizer.ContextWindow()
	}
	if contextLimit > 0 {
		// Leave headroom for the model output and the system prompt;
		// chars/4 approximates the token count.
		budget := contextLimit - cfg.Model.MaxTokens - 300
		for keep > 2 {
			recent := history
			if len(history) > keep {
				recent = history[len(history)-keep:]
			}
			totalChars := 0
			for _, m := range recent {
				totalChars += len(m.Content)
			}
			if totalChars/4 <= budget {
				break
			}
			keep -= 2
		}
	}

	if len(history) <= keep {
		return
	}

	toSummarize := history[:len(history)-keep]
	recent := history[len(history)-keep:]

	var parts []string
	if prevSummary != "" {
		parts = append(parts, "Previous summary:\n"+prevSummary)
	}
	for _, m := range toSummarize {
		parts = append(parts, m.Role+": "+m.Content)
	}
	input := strings.Join(parts, "\n")

	summary := prevSummary
	switch {
	case r.summarizer == nil:
		// No model available: carry the raw text so context is not lost.
		if summary == "" {
			summary = input
		}
	default:
		resp, err := r.summarizer.Chat(ctx, &provider.ChatRequest{
			Messages: []provider.Message{
				{Role: "system", Content: summarizerPrompt},
				{Role: "user", Content: input},
			},
			MaxTokens:   cfg.Model.MaxTokens,
			Temperature: cfg.Model.Temperature,
		})
		if err != nil {
			slog.Warn("History summarization failed", "session_id", id, "error", err)
			if summary == "" {
				summary = input
			}
		} else {
			summary = strings.TrimSpace(resp.Content)
			if summary == "" {
				summary = prevSummary
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok = r.sessions[id]
	if !ok || st.generation != gen {
		// Session was reset or ended while summarizing; the result belongs
		// to a dead generation.
		return
	}
	if len(st.history) < len(history) {
		// A concurrent compaction already rewrote the history; our snapshot
		// is no longer a prefix of the live slice. Keep that result.
		return
	}
	// Messages appended during summarization stay verbatim.
	tail := st.history[len(history):]
	st.history = append(append([]Message{}, recent...), tail...)
	st.summary = summary
}

func marshalTurns(turns []TurnRecord) (json.RawMessage, error) {
	blob, err := json.Marshal(turns)
	if err != nil {
		return nil, fmt.Errorf("marshal turns: %w", err)
	}
	return blob, nil
}
