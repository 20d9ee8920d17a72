package turn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/agent"
	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/instructions"
	"github.com/voxgate/voxgate/internal/provider"
	"github.com/voxgate/voxgate/internal/session"
)

// scriptedProvider lets each test script the three pipeline collaborators.
type scriptedProvider struct {
	chatFn       func(req *provider.ChatRequest) (*provider.ChatResponse, error)
	transcribeFn func(req *provider.AudioRequest) (*provider.AudioResponse, error)
	speakFn      func(req *provider.TTSRequest) (*provider.TTSResponse, error)
}

func (p *scriptedProvider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	if p.chatFn != nil {
		return p.chatFn(req)
	}
	return &provider.ChatResponse{Content: "model reply", Model: "fake-model"}, nil
}

func (p *scriptedProvider) Transcribe(ctx context.Context, req *provider.AudioRequest) (*provider.AudioResponse, error) {
	if p.transcribeFn != nil {
		return p.transcribeFn(req)
	}
	return &provider.AudioResponse{Text: "caller words"}, nil
}

func (p *scriptedProvider) Speak(ctx context.Context, req *provider.TTSRequest) (*provider.TTSResponse, error) {
	if p.speakFn != nil {
		return p.speakFn(req)
	}
	return &provider.TTSResponse{AudioData: []byte("wav-bytes"), Format: "wav"}, nil
}

func (p *scriptedProvider) DefaultModel() string { return "fake-model" }
func (p *scriptedProvider) ContextWindow() int   { return 8192 }

type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) Send(payload []byte) error {
	var evt bus.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *eventRecorder) has(eventType string) bool {
	for _, t := range r.types() {
		if t == eventType {
			return true
		}
	}
	return false
}

type harness struct {
	orch     *Orchestrator
	sessions *session.Registry
	instr    *instructions.Store
	agents   *agent.Registry
	events   *eventRecorder
	cfg      *config.Config
}

func newHarness(t *testing.T, cfg *config.Config, prov provider.Provider) *harness {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
		cfg.Call.UnknownCallersAllowed = true
	}
	if prov == nil {
		prov = &scriptedProvider{}
	}
	getCfg := func() *config.Config { return cfg }

	eventBus := bus.New()
	rec := &eventRecorder{}
	eventBus.Subscribe(rec)

	sessions := session.NewRegistry(getCfg, nil, eventBus)
	sessions.SetSummarizer(prov)
	instr := instructions.NewStore(getCfg, prov)
	agents := agent.NewRegistry(eventBus, cfg.Session.OperatorReplyTimeout)
	sessions.OnPurge(instr.ClearAll)
	sessions.OnPurge(agents.ReleaseSession)

	return &harness{
		orch:     New(sessions, instr, agents, eventBus, prov, getCfg),
		sessions: sessions,
		instr:    instr,
		agents:   agents,
		events:   rec,
		cfg:      cfg,
	}
}

func TestHandleTurnHappyPath(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.orch.HandleTurn(context.Background(), &Request{
		SessionID:      "call-1",
		SkipASR:        true,
		TranscriptHint: "what time is it",
	})
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if !res.OK || res.Stale {
		t.Fatalf("expected a clean result, got %+v", res)
	}
	if res.Transcript != "what time is it" {
		t.Fatalf("unexpected transcript %q", res.Transcript)
	}
	if res.Reply != "model reply" {
		t.Fatalf("unexpected reply %q", res.Reply)
	}
	if res.AudioB64 == "" {
		t.Fatal("expected synthesized audio")
	}
	if res.Metrics.Model != "fake-model" {
		t.Fatalf("expected model in metrics, got %q", res.Metrics.Model)
	}

	history := h.sessions.History("call-1")
	if len(history) != 2 || history[0].Content != "what time is it" || history[1].Content != "model reply" {
		t.Fatalf("expected committed history, got %+v", history)
	}
	if turns := h.sessions.Turns("call-1"); len(turns) != 1 {
		t.Fatalf("expected one recorded turn, got %d", len(turns))
	}
	for _, want := range []string{"turn.started", "turn.transcript", "turn.reply", "turn.complete"} {
		if !h.events.has(want) {
			t.Fatalf("expected %s event, got %v", want, h.events.types())
		}
	}
	if h.orch.CallCount() != 1 {
		t.Fatalf("expected call count 1, got %d", h.orch.CallCount())
	}
}

func TestHandleTurnTranscribesAudio(t *testing.T) {
	prov := &scriptedProvider{
		transcribeFn: func(req *provider.AudioRequest) (*provider.AudioResponse, error) {
			if req.FilePath != "/tmp/turn.wav" {
				return nil, errors.New("wrong file")
			}
			return &provider.AudioResponse{Text: "spoken words"}, nil
		},
	}
	h := newHarness(t, nil, prov)

	res, err := h.orch.HandleTurn(context.Background(), &Request{
		SessionID: "call-1",
		AudioPath: "/tmp/turn.wav",
	})
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if res.Transcript != "spoken words" {
		t.Fatalf("unexpected transcript %q", res.Transcript)
	}
	if res.Metrics.ASRMs < 0 {
		t.Fatal("expected non-negative asr timing")
	}
}

func TestTranscriptionFailureIsClientStageError(t *testing.T) {
	prov := &scriptedProvider{
		transcribeFn: func(req *provider.AudioRequest) (*provider.AudioResponse, error) {
			return nil, errors.New("bad audio")
		},
	}
	h := newHarness(t, nil, prov)

	_, err := h.orch.HandleTurn(context.Background(), &Request{SessionID: "call-1", AudioPath: "x.wav"})
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected a StageError, got %v", err)
	}
	if !stageErr.Client || stageErr.Stage != "transcription" {
		t.Fatalf("unexpected stage error %+v", stageErr)
	}
	if h.orch.ErrorCount() != 1 {
		t.Fatalf("expected error count 1, got %d", h.orch.ErrorCount())
	}
}

func TestEmptyTranscriptGetsRetryPromptWithoutLLM(t *testing.T) {
	chatCalls := atomic.Int64{}
	prov := &scriptedProvider{
		transcribeFn: func(req *provider.AudioRequest) (*provider.AudioResponse, error) {
			return &provider.AudioResponse{Text: "   "}, nil
		},
		chatFn: func(req *provider.ChatRequest) (*provider.ChatResponse, error) {
			chatCalls.Add(1)
			return &provider.ChatResponse{Content: "x"}, nil
		},
	}
	h := newHarness(t, nil, prov)

	res, err := h.orch.HandleTurn(context.Background(), &Request{SessionID: "call-1", AudioPath: "x.wav"})
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if res.Reply != unheardReply {
		t.Fatalf("expected the unheard prompt, got %q", res.Reply)
	}
	if chatCalls.Load() != 0 {
		t.Fatal("LLM must not be called for an empty transcript")
	}
	if len(h.sessions.History("call-1")) != 0 {
		t.Fatal("no history must be committed for an empty transcript")
	}
}

func TestBlocklistedCallerIsRejected(t *testing.T) {
	cfg := config.Default()
	cfg.Call.UnknownCallersAllowed = true
	cfg.Call.Blocklist = []string{"+1 (555) 000-1111"}
	h := newHarness(t, cfg, nil)

	res, err := h.orch.HandleTurn(context.Background(), &Request{
		SessionID:    "call-1",
		CallerNumber: "+15550001111",
	})
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if !res.Rejected || res.Reason != "blocklisted" {
		t.Fatalf("expected blocklist rejection, got %+v", res)
	}
	if res.Reply != cfg.Call.AuthRejectMessage {
		t.Fatalf("expected the reject message, got %q", res.Reply)
	}
	if !h.events.has("turn.caller_rejected") {
		t.Fatal("expected a turn.caller_rejected event")
	}
}

func TestAllowlistExcludesStrangers(t *testing.T) {
	cfg := config.Default()
	cfg.Call.UnknownCallersAllowed = true
	cfg.Call.Allowlist = []string{"+15551234567"}
	h := newHarness(t, cfg, nil)

	res, err := h.orch.HandleTurn(context.Background(), &Request{
		SessionID:    "call-1",
		CallerNumber: "+15559999999",
	})
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if !res.Rejected || res.Reason != "not_allowlisted" {
		t.Fatalf("expected allowlist rejection, got %+v", res)
	}

	// The listed number passes.
	res, err = h.orch.HandleTurn(context.Background(), &Request{
		SessionID:      "call-2",
		CallerNumber:   "+1 555 123 4567",
		SkipASR:        true,
		TranscriptHint: "hello",
	})
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if res.Rejected {
		t.Fatalf("allowlisted caller must pass, got %+v", res)
	}
}

func TestUnknownCallerPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Call.UnknownCallersAllowed = false
	h := newHarness(t, cfg, nil)

	res, err := h.orch.HandleTurn(context.Background(), &Request{SessionID: "call-1"})
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if !res.Rejected || res.Reason != "unknown_caller" {
		t.Fatalf("expected unknown-caller rejection, got %+v", res)
	}
}

func TestPassphraseGate(t *testing.T) {
	cfg := config.Default()
	cfg.Call.UnknownCallersAllowed = true
	cfg.Call.AuthPassphrase = "open sesame"
	cfg.Call.AuthMaxAttempts = 2
	h := newHarness(t, cfg, nil)

	// Wrong phrase: retry prompt, one attempt consumed.
	res, err := h.orch.HandleTurn(context.Background(), &Request{
		SessionID:      "call-1",
		SkipASR:        true,
		TranscriptHint: "the magic word",
	})
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if res.Reply != authRetryReply || res.Hangup {
		t.Fatalf("expected retry prompt, got %+v", res)
	}
	if !h.events.has("turn.auth_failed") {
		t.Fatal("expected a turn.auth_failed event")
	}

	// Fuzzy match: embedded, mixed case, extra punctuation.
	res, err = h.orch.HandleTurn(context.Background(), &Request{
		SessionID:      "call-1",
		SkipASR:        true,
		TranscriptHint: "well, OPEN Sesame! please",
	})
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if res.Reply != authSuccessReply {
		t.Fatalf("expected auth success, got %q", res.Reply)
	}
	if !h.sessions.Authenticated("call-1") {
		t.Fatal("session should be authenticated")
	}
	if !h.events.has("turn.authenticated") {
		t.Fatal("expected a turn.authenticated event")
	}

	// Once authenticated, turns flow to the model.
	res, err = h.orch.HandleTurn(context.Background(), &Request{
		SessionID:      "call-1",
		SkipASR:        true,
		TranscriptHint: "what now",
	})
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if res.Reply != "model reply" {
		t.Fatalf("expected model reply after auth, got %q", res.Reply)
	}
}

func TestPassphraseMaxAttemptsHangsUp(t *testing.T) {
	cfg := config.Default()
	cfg.Call.UnknownCallersAllowed = true
	cfg.Call.AuthPassphrase = "open sesame"
	cfg.Call.AuthMaxAttempts = 2
	h := newHarness(t, cfg, nil)

	req := &Request{SessionID: "call-1", SkipASR: true, TranscriptHint: "wrong"}
	if _, err := h.orch.HandleTurn(context.Background(), req); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	res, err := h.orch.HandleTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if !res.Hangup {
		t.Fatal("expected hangup after max attempts")
	}
	if res.Reply != cfg.Call.AuthRejectMessage {
		t.Fatalf("expected reject message, got %q", res.Reply)
	}
}

func TestInjectShortCircuitsTurn(t *testing.T) {
	chatCalls := atomic.Int64{}
	prov := &scriptedProvider{
		chatFn: func(req *provider.ChatRequest) (*provider.ChatResponse, error) {
			chatCalls.Add(1)
			return &provider.ChatResponse{Content: "x"}, nil
		},
	}
	h := newHarness(t, nil, prov)

	sid := h.sessions.GetOrCreate("call-1")
	h.sessions.QueueInject(sid, "hold please", "YXVkaW8=")

	res, err := h.orch.HandleTurn(context.Background(), &Request{
		SessionID:      "call-1",
		SkipASR:        true,
		TranscriptHint: "ignored",
	})
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if res.Reply != "hold please" {
		t.Fatalf("expected injected reply, got %q", res.Reply)
	}
	if res.AudioB64 != "YXVkaW8=" {
		t.Fatalf("expected injected audio passthrough, got %q", res.AudioB64)
	}
	if res.Metrics.Model != modelInject {
		t.Fatalf("expected inject model marker, got %q", res.Metrics.Model)
	}
	if chatCalls.Load() != 0 {
		t.Fatal("LLM must be skipped for injected replies")
	}
}

func TestForcedReplySkipsASRAndLLM(t *testing.T) {
	chatCalls := atomic.Int64{}
	transcribeCalls := atomic.Int64{}
	prov := &scriptedProvider{
		chatFn: func(req *provider.ChatRequest) (*provider.ChatResponse, error) {
			chatCalls.Add(1)
			return &provider.ChatResponse{Content: "x"}, nil
		},
		transcribeFn: func(req *provider.AudioRequest) (*provider.AudioResponse, error) {
			transcribeCalls.Add(1)
			return &provider.AudioResponse{Text: "x"}, nil
		},
	}
	h := newHarness(t, nil, prov)

	res, err := h.orch.HandleTurn(context.Background(), &Request{
		SessionID:   "call-1",
		ForcedReply: "Goodbye now.",
	})
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if res.Reply != "Goodbye now." {
		t.Fatalf("expected forced reply, got %q", res.Reply)
	}
	if chatCalls.Load() != 0 || transcribeCalls.Load() != 0 {
		t.Fatal("forced replies must skip both ASR and LLM")
	}
	turns := h.sessions.Turns("call-1")
	if len(turns) != 1 || !turns[0].Forced {
		t.Fatalf("expected a forced turn record, got %+v", turns)
	}
}

func TestResetMidGenerationDiscardsTurn(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	prov := &scriptedProvider{
		chatFn: func(req *provider.ChatRequest) (*provider.ChatResponse, error) {
			once.Do(func() { close(started) })
			<-release
			return &provider.ChatResponse{Content: "late reply", Model: "fake-model"}, nil
		},
	}
	h := newHarness(t, nil, prov)

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.orch.HandleTurn(context.Background(), &Request{
			SessionID:      "call-1",
			SkipASR:        true,
			TranscriptHint: "slow question",
		})
		done <- outcome{res, err}
	}()

	<-started
	h.sessions.Reset("call-1")
	close(release)

	out := <-done
	if out.err != nil {
		t.Fatalf("handle turn: %v", out.err)
	}
	if !out.res.Stale {
		t.Fatalf("expected a stale result, got %+v", out.res)
	}
	if len(h.sessions.History("call-1")) != 0 {
		t.Fatal("a stale turn must not commit history")
	}
	if len(h.sessions.Turns("call-1")) != 0 {
		t.Fatal("a stale turn must not record metrics")
	}
	if !h.events.has("turn.stale") {
		t.Fatal("expected a turn.stale event")
	}
}

func TestEndMidGenerationDiscardsTurn(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	prov := &scriptedProvider{
		chatFn: func(req *provider.ChatRequest) (*provider.ChatResponse, error) {
			once.Do(func() { close(started) })
			<-release
			return &provider.ChatResponse{Content: "late reply"}, nil
		},
	}
	h := newHarness(t, nil, prov)

	done := make(chan *Result, 1)
	go func() {
		res, _ := h.orch.HandleTurn(context.Background(), &Request{
			SessionID:      "call-1",
			SkipASR:        true,
			TranscriptHint: "slow question",
		})
		done <- res
	}()

	<-started
	h.sessions.End("call-1")
	close(release)

	if res := <-done; !res.Stale {
		t.Fatalf("expected a stale result after end, got %+v", res)
	}
}

func TestSingleGenerationInFlightPerSession(t *testing.T) {
	var inFlight, violations atomic.Int64
	prov := &scriptedProvider{
		chatFn: func(req *provider.ChatRequest) (*provider.ChatResponse, error) {
			if inFlight.Add(1) > 1 {
				violations.Add(1)
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return &provider.ChatResponse{Content: "reply"}, nil
		},
	}
	h := newHarness(t, nil, prov)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.orch.HandleTurn(context.Background(), &Request{
				SessionID:      "call-1",
				SkipASR:        true,
				TranscriptHint: "question",
			})
		}()
	}
	wg.Wait()

	if violations.Load() != 0 {
		t.Fatalf("expected at most one generation in flight per session, got %d overlaps", violations.Load())
	}
}

func TestOperatorTakeoverRoutesTurn(t *testing.T) {
	chatCalls := atomic.Int64{}
	prov := &scriptedProvider{
		chatFn: func(req *provider.ChatRequest) (*provider.ChatResponse, error) {
			chatCalls.Add(1)
			return &provider.ChatResponse{Content: "model reply"}, nil
		},
	}
	h := newHarness(t, nil, prov)

	sid := h.sessions.GetOrCreate("call-1")
	op := &answeringConn{agents: h.agents, reply: "operator here"}
	h.agents.Connect(op, "alice")
	if !h.agents.Takeover(op, sid) {
		t.Fatal("takeover failed")
	}

	res, err := h.orch.HandleTurn(context.Background(), &Request{
		SessionID:      "call-1",
		SkipASR:        true,
		TranscriptHint: "can I speak to a person",
	})
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if res.Reply != "operator here" {
		t.Fatalf("expected operator reply, got %q", res.Reply)
	}
	if res.Metrics.Model != modelAgent {
		t.Fatalf("expected agent model marker, got %q", res.Metrics.Model)
	}
	if chatCalls.Load() != 0 {
		t.Fatal("model must not be called while the operator holds the session")
	}
	// Operator replies are committed to history like any other.
	if len(h.sessions.History("call-1")) != 2 {
		t.Fatalf("expected committed history, got %d messages", len(h.sessions.History("call-1")))
	}
}

func TestOperatorTimeoutFallsBackToModel(t *testing.T) {
	cfg := config.Default()
	cfg.Call.UnknownCallersAllowed = true
	cfg.Session.OperatorReplyTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, nil)

	sid := h.sessions.GetOrCreate("call-1")
	op := &answeringConn{agents: h.agents} // never answers
	h.agents.Connect(op, "alice")
	h.agents.Takeover(op, sid)

	res, err := h.orch.HandleTurn(context.Background(), &Request{
		SessionID:      "call-1",
		SkipASR:        true,
		TranscriptHint: "hello?",
	})
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if res.Reply != "model reply" {
		t.Fatalf("expected model fallback, got %q", res.Reply)
	}
}

func TestSynthesisFailureIsServerStageError(t *testing.T) {
	prov := &scriptedProvider{
		speakFn: func(req *provider.TTSRequest) (*provider.TTSResponse, error) {
			return nil, errors.New("tts down")
		},
	}
	h := newHarness(t, nil, prov)

	_, err := h.orch.HandleTurn(context.Background(), &Request{
		SessionID:      "call-1",
		SkipASR:        true,
		TranscriptHint: "hello",
	})
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected a StageError, got %v", err)
	}
	if stageErr.Client || stageErr.Stage != "synthesis" {
		t.Fatalf("unexpected stage error %+v", stageErr)
	}
	if !h.events.has("turn.error") {
		t.Fatal("expected a turn.error event")
	}
}

func TestPassphraseMatching(t *testing.T) {
	cases := []struct {
		phrase, input string
		want          bool
	}{
		{"open sesame", "open sesame", true},
		{"open sesame", "OPEN SESAME", true},
		{"open sesame", "well, open sesame, I say", true},
		{"open sesame", "open seseme", false},
		{"open sesame", "", false},
		{"", "anything", false},
	}
	for _, tc := range cases {
		if got := passphraseMatches(tc.phrase, tc.input); got != tc.want {
			t.Errorf("passphraseMatches(%q, %q) = %v, want %v", tc.phrase, tc.input, got, tc.want)
		}
	}
}

// answeringConn is an operator connection that answers every turn request
// with a canned reply, or never answers when reply is empty.
type answeringConn struct {
	agents *agent.Registry
	reply  string
}

func (c *answeringConn) Send(v any) error {
	msg, ok := v.(map[string]any)
	if !ok || msg["type"] != "turn.request" || c.reply == "" {
		return nil
	}
	id, _ := msg["request_id"].(string)
	go c.agents.ResolveReply(id, c.reply)
	return nil
}
