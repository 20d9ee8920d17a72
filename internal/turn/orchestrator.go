// Package turn implements the per-turn orchestration state machine: caller
// admission, transcription, passphrase gating, reply generation via model or
// operator, synthesis, and commit — with generation-based staleness checks
// at every suspension point.
package turn

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/voxgate/voxgate/internal/agent"
	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/instructions"
	"github.com/voxgate/voxgate/internal/provider"
	"github.com/voxgate/voxgate/internal/session"
)

// Request is one inbound turn from the phone bridge.
type Request struct {
	SessionID      string
	Reset          bool
	AudioPath      string
	TranscriptHint string
	SkipASR        bool
	ForcedReply    string
	CallerNumber   string
	CallDirection  string
}

// Result is the outcome of one orchestration pass.
type Result struct {
	OK         bool            `json:"ok"`
	SessionID  string          `json:"session_id"`
	Stale      bool            `json:"stale,omitempty"`
	Rejected   bool            `json:"rejected,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Hangup     bool            `json:"hangup,omitempty"`
	Transcript string          `json:"transcript"`
	Reply      string          `json:"reply"`
	AudioB64   string          `json:"audio_base64,omitempty"`
	Metrics    session.Metrics `json:"metrics"`
}

// StageError reports which pipeline stage failed and whether the fault lies
// with the caller's input (4xx-equivalent) or a collaborator (5xx).
type StageError struct {
	Stage  string
	Client bool
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

const (
	authSuccessReply = "Authentication successful. How can I help you?"
	authRetryReply   = "That's not correct. Please try again."
	unheardReply     = "I could not hear that clearly. Please try again."
	modelInject      = "inject"
	modelAgent       = "agent"
)

// Orchestrator drives turns through the pipeline. One instance serves all
// sessions; per-session exclusivity comes from the registry's locks.
type Orchestrator struct {
	sessions     *session.Registry
	instructions *instructions.Store
	agents       *agent.Registry
	bus          *bus.Bus
	llm          provider.Provider
	cfg          func() *config.Config

	callCount  atomic.Int64
	errorCount atomic.Int64
}

// New creates an orchestrator with its collaborators injected.
func New(
	sessions *session.Registry,
	instr *instructions.Store,
	agents *agent.Registry,
	eventBus *bus.Bus,
	llm provider.Provider,
	cfg func() *config.Config,
) *Orchestrator {
	return &Orchestrator{
		sessions:     sessions,
		instructions: instr,
		agents:       agents,
		bus:          eventBus,
		llm:          llm,
		cfg:          cfg,
	}
}

// CallCount returns the number of turns that reached the pipeline.
func (o *Orchestrator) CallCount() int64 { return o.callCount.Load() }

// ErrorCount returns the number of turns that failed.
func (o *Orchestrator) ErrorCount() int64 { return o.errorCount.Load() }

var punctRe = regexp.MustCompile(`[^\w\s]`)

// passphraseMatches applies the fuzzy gate: case-insensitive,
// punctuation-stripped substring. Deliberately tolerant — the passphrase
// embedded in a longer utterance still passes.
func passphraseMatches(passphrase, transcript string) bool {
	phrase := strings.TrimSpace(punctRe.ReplaceAllString(strings.ToLower(passphrase), ""))
	input := strings.TrimSpace(punctRe.ReplaceAllString(strings.ToLower(transcript), ""))
	return phrase != "" && strings.Contains(input, phrase)
}

// HandleTurn runs one turn end to end. Collaborator failures return a
// *StageError; a stale result (session reset mid-turn) is not an error.
func (o *Orchestrator) HandleTurn(ctx context.Context, req *Request) (*Result, error) {
	cfg := o.cfg()

	// --- Admit ---
	sid := o.sessions.GetOrCreate(provider.SafeText(req.SessionID))
	if req.Reset {
		o.sessions.Reset(sid)
		if req.CallerNumber != "" {
			o.sessions.RestoreCallerHistory(sid, req.CallerNumber)
		}
	}
	gen := o.sessions.Generation(sid)

	callerNumber := provider.SafeText(req.CallerNumber)
	if callerNumber != "" {
		o.sessions.SetCallerInfo(sid, callerNumber, provider.SafeText(req.CallDirection))
	}

	if res := o.admitCaller(ctx, cfg, sid, callerNumber); res != nil {
		return res, nil
	}

	o.sessions.Touch(sid)
	o.sessions.SweepStale(0)

	// --- Pending injection: return it immediately, skipping ASR and LLM ---
	if inj, ok := o.sessions.DrainInject(sid); ok {
		o.bus.Publish("turn.started", map[string]any{"session_id": sid}, sid)
		o.bus.Publish("turn.reply", map[string]any{"reply": inj.Text}, sid)
		metrics := session.Metrics{Model: modelInject}
		o.bus.Publish("turn.complete", map[string]any{
			"metrics": metrics, "transcript": "", "reply": inj.Text, "model": modelInject,
		}, sid)
		return &Result{
			OK:        true,
			SessionID: sid,
			Reply:     inj.Text,
			AudioB64:  inj.AudioB64,
			Metrics:   metrics,
		}, nil
	}

	start := time.Now()
	o.callCount.Add(1)
	o.bus.Publish("turn.started", map[string]any{"session_id": sid}, sid)

	var (
		transcript string
		reply      string
		model      string
		metrics    session.Metrics
		forced     = provider.SafeText(req.ForcedReply)
	)

	if forced != "" {
		reply = forced
	} else {
		// --- Acquire transcript ---
		var err error
		transcript, metrics.ASRMs, err = o.acquireTranscript(ctx, cfg, req)
		if err != nil {
			o.errorCount.Add(1)
			return nil, &StageError{Stage: "transcription", Client: true, Err: err}
		}
		o.bus.Publish("turn.transcript", map[string]any{"transcript": transcript}, sid)

		if stale := o.staleResult(sid, gen); stale != nil {
			return stale, nil
		}

		// --- Passphrase gate ---
		if cfg.Call.AuthPassphrase != "" && transcript != "" && !o.sessions.Authenticated(sid) {
			return o.handleAuthGate(ctx, cfg, sid, gen, transcript, metrics, start)
		}

		// --- Reply generation ---
		if transcript == "" {
			reply = unheardReply
		} else {
			reply, model, metrics.LLMMs, err = o.generateReply(ctx, cfg, sid, transcript)
			if err != nil {
				o.errorCount.Add(1)
				o.bus.Publish("turn.error", map[string]any{"error": err.Error()}, sid)
				return nil, &StageError{Stage: "generation", Err: err}
			}

			if stale := o.staleResult(sid, gen); stale != nil {
				return stale, nil
			}

			// Commit both sides, operator-sourced replies included, then
			// compact once per committed turn.
			o.sessions.Append(sid, "user", transcript)
			o.sessions.Append(sid, "assistant", reply)
			o.sessions.Compact(ctx, sid)
		}
	}

	o.bus.Publish("turn.reply", map[string]any{"reply": reply}, sid)

	if stale := o.staleResult(sid, gen); stale != nil {
		return stale, nil
	}

	// --- Synthesize ---
	audio, ttsMs, err := o.synthesize(ctx, cfg, reply)
	if err != nil {
		o.errorCount.Add(1)
		o.bus.Publish("turn.error", map[string]any{"error": err.Error()}, sid)
		return nil, &StageError{Stage: "synthesis", Err: err}
	}
	metrics.TTSMs = ttsMs

	// Synthesis can be slow; re-check before committing.
	if stale := o.staleResult(sid, gen); stale != nil {
		return stale, nil
	}

	// --- Commit ---
	metrics.TotalMs = msSince(start)
	metrics.Model = model
	o.sessions.RecordTurn(sid, session.TurnRecord{
		Transcript: transcript,
		Reply:      reply,
		Metrics:    metrics,
		Forced:     forced != "",
	})
	o.sessions.SaveSnapshot(sid)
	o.bus.Publish("turn.complete", map[string]any{
		"metrics": metrics, "transcript": transcript, "reply": reply, "session_id": sid,
	}, sid)

	return &Result{
		OK:         true,
		SessionID:  sid,
		Transcript: transcript,
		Reply:      reply,
		AudioB64:   base64.StdEncoding.EncodeToString(audio),
		Metrics:    metrics,
	}, nil
}

// admitCaller applies blocklist, allowlist, and unknown-caller policy.
// A rejection short-circuits to a synthesized reject message without
// consuming the auth or generation stages.
func (o *Orchestrator) admitCaller(ctx context.Context, cfg *config.Config, sid, callerNumber string) *Result {
	normalized := session.NormalizeNumber(callerNumber)

	reason := ""
	switch {
	case normalized != "" && contains(cfg.Call.Blocklist, normalized):
		reason = "blocklisted"
	case len(cfg.Call.Allowlist) > 0 && normalized != "" && !contains(cfg.Call.Allowlist, normalized):
		reason = "not_allowlisted"
	case normalized == "" && !cfg.Call.UnknownCallersAllowed:
		reason = "unknown_caller"
	default:
		return nil
	}

	o.bus.Publish("turn.caller_rejected", map[string]any{"number": normalized, "reason": reason}, sid)
	slog.Info("Caller rejected", "session_id", sid, "reason", reason)

	result := &Result{
		SessionID: sid,
		Rejected:  true,
		Reason:    reason,
		Reply:     cfg.Call.AuthRejectMessage,
	}
	audio, _, err := o.synthesize(ctx, cfg, result.Reply)
	if err == nil {
		result.AudioB64 = base64.StdEncoding.EncodeToString(audio)
	}
	return result
}

// acquireTranscript resolves the turn transcript from the skip-ASR hint or
// the transcription service, falling back to the hint when transcription
// comes back empty.
func (o *Orchestrator) acquireTranscript(ctx context.Context, cfg *config.Config, req *Request) (string, float64, error) {
	hint := provider.SafeText(req.TranscriptHint)
	if req.SkipASR && hint != "" {
		return hint, 0, nil
	}

	start := time.Now()
	resp, err := o.llm.Transcribe(ctx, &provider.AudioRequest{
		FilePath: req.AudioPath,
		Model:    cfg.Voice.STTModel,
		Language: cfg.Voice.STTLanguage,
	})
	if err != nil {
		return "", 0, err
	}
	transcript := provider.SafeText(resp.Text)
	if transcript == "" {
		transcript = hint
	}
	return transcript, msSince(start), nil
}

// handleAuthGate runs the passphrase check and finishes the turn on its own:
// both branches skip reply generation and go straight to synthesis.
func (o *Orchestrator) handleAuthGate(
	ctx context.Context,
	cfg *config.Config,
	sid string,
	gen uint64,
	transcript string,
	metrics session.Metrics,
	start time.Time,
) (*Result, error) {
	hangup := false
	var reply string

	if passphraseMatches(cfg.Call.AuthPassphrase, transcript) {
		o.sessions.MarkAuthenticated(sid)
		reply = authSuccessReply
		o.bus.Publish("turn.authenticated", map[string]any{"session_id": sid}, sid)
	} else {
		attempts := o.sessions.RecordAuthAttempt(sid)
		o.bus.Publish("turn.auth_failed", map[string]any{"session_id": sid, "attempt": attempts}, sid)
		if cfg.Call.AuthMaxAttempts > 0 && attempts >= cfg.Call.AuthMaxAttempts {
			reply = cfg.Call.AuthRejectMessage
			hangup = true
		} else {
			reply = authRetryReply
		}
	}

	o.bus.Publish("turn.reply", map[string]any{"reply": reply}, sid)

	audio, ttsMs, err := o.synthesize(ctx, cfg, reply)
	if err != nil {
		o.errorCount.Add(1)
		o.bus.Publish("turn.error", map[string]any{"error": err.Error()}, sid)
		return nil, &StageError{Stage: "synthesis", Err: err}
	}
	metrics.TTSMs = ttsMs

	if stale := o.staleResult(sid, gen); stale != nil {
		return stale, nil
	}

	metrics.TotalMs = msSince(start)
	o.sessions.RecordTurn(sid, session.TurnRecord{Transcript: transcript, Reply: reply, Metrics: metrics})
	o.sessions.SaveSnapshot(sid)
	o.bus.Publish("turn.complete", map[string]any{
		"metrics": metrics, "transcript": transcript, "reply": reply, "session_id": sid,
	}, sid)

	return &Result{
		OK:         true,
		SessionID:  sid,
		Transcript: transcript,
		Reply:      reply,
		AudioB64:   base64.StdEncoding.EncodeToString(audio),
		Metrics:    metrics,
		Hangup:     hangup,
	}, nil
}

// generateReply produces the assistant reply: routed to the operator holding
// takeover when one exists (falling back to the model on failure or
// timeout), otherwise generated under the session's exclusive lock so at
// most one model call per session is ever in flight.
func (o *Orchestrator) generateReply(ctx context.Context, cfg *config.Config, sid, transcript string) (reply, model string, llmMs float64, err error) {
	if owner := o.agents.TakeoverOwner(sid); owner != nil {
		if text, reqErr := o.agents.SendTurnRequest(ctx, owner, sid, transcript); reqErr == nil {
			return provider.SafeText(text), modelAgent, 0, nil
		} else {
			slog.Warn("Operator turn routing failed, falling back to model",
				"session_id", sid, "error", reqErr)
		}
	}

	lock := o.sessions.AcquireLock(sid)
	lock.Lock()
	defer lock.Unlock()

	systemPrompt := o.instructions.Compose(ctx, sid)
	messages := []provider.Message{{Role: "system", Content: systemPrompt}}
	if summary := o.sessions.Summary(sid); summary != "" {
		messages = append(messages, provider.Message{
			Role:    "system",
			Content: "Summary of earlier conversation:\n" + summary,
		})
	}
	for _, m := range o.sessions.History(sid) {
		messages = append(messages, provider.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, provider.Message{Role: "user", Content: transcript})

	start := time.Now()
	resp, err := o.llm.Chat(ctx, &provider.ChatRequest{
		Messages:    messages,
		Model:       cfg.Model.Name,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
	})
	if err != nil {
		return "", "", 0, err
	}
	reply = provider.TrimForSpeech(resp.Content)
	if reply == "" {
		reply = "Got it. Please continue."
	}
	return reply, resp.Model, msSince(start), nil
}

func (o *Orchestrator) synthesize(ctx context.Context, cfg *config.Config, text string) ([]byte, float64, error) {
	start := time.Now()
	resp, err := o.llm.Speak(ctx, &provider.TTSRequest{
		Text:  text,
		Model: cfg.Voice.TTSModel,
		Voice: cfg.Voice.TTSVoice,
		Speed: cfg.Voice.TTSSpeed,
	})
	if err != nil {
		return nil, 0, err
	}
	return resp.AudioData, msSince(start), nil
}

// staleResult returns a discard result when the session's generation moved
// past the snapshot taken at turn entry, nil otherwise.
func (o *Orchestrator) staleResult(sid string, gen uint64) *Result {
	if o.sessions.Generation(sid) == gen {
		return nil
	}
	o.bus.Publish("turn.stale", map[string]any{"session_id": sid, "reason": "generation_changed"}, sid)
	slog.Info("Stale turn discarded", "session_id", sid, "generation", gen)
	return &Result{SessionID: sid, Stale: true}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if session.NormalizeNumber(item) == v {
			return true
		}
	}
	return false
}
