package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxgate/voxgate/internal/agent"
	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/dial"
	"github.com/voxgate/voxgate/internal/instructions"
	"github.com/voxgate/voxgate/internal/notify"
	"github.com/voxgate/voxgate/internal/provider"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/storage"
	"github.com/voxgate/voxgate/internal/turn"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the call-handling gateway",
	Run:   runGateway,
}

func runGateway(cmd *cobra.Command, args []string) {
	printHeader("🌐 VoxGate Gateway")
	fmt.Println("Starting VoxGate Gateway...")

	// 1. Load Config
	path, err := config.ConfigPath()
	if err != nil {
		fmt.Printf("Config path error: %v\n", err)
		os.Exit(1)
	}
	mgr, err := config.NewManager(path)
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}
	cfg := mgr.Current()

	// 2. Setup Store
	if err := os.MkdirAll(cfg.Gateway.DataDir, 0o755); err != nil {
		fmt.Printf("Data dir error: %v\n", err)
		os.Exit(1)
	}
	store, err := storage.Open(filepath.Join(cfg.Gateway.DataDir, "voxgate.db"))
	if err != nil {
		fmt.Printf("Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	// 3. Setup Bus + sinks
	eventBus := bus.New()
	if cfg.Events.KafkaEnabled && cfg.Events.KafkaBrokers != "" {
		sink := bus.NewKafkaSink(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		eventBus.Subscribe(sink)
		defer sink.Close()
		fmt.Println("📡 Kafka event mirror enabled:", cfg.Events.KafkaTopic)
	}
	if notifier := notify.NewSlackNotifier(cfg.Alerts); notifier != nil {
		eventBus.Subscribe(notifier)
		fmt.Println("🔔 Slack alerts enabled:", cfg.Alerts.SlackChannel)
	}

	// 4. Setup Provider
	prov := provider.Resolve(cfg)
	if cfg.Voice.LocalWhisper.Enabled {
		fmt.Println("🎤 Local whisper transcription enabled")
	}

	// 5. Setup Core Services
	sessions := session.NewRegistry(mgr.Current, store, eventBus)
	sessions.SetSummarizer(prov)
	instr := instructions.NewStore(mgr.Current, prov)
	agents := agent.NewRegistry(eventBus, cfg.Session.OperatorReplyTimeout)

	// Reset and end purge per-session operator and instruction state.
	sessions.OnPurge(instr.ClearAll)
	sessions.OnPurge(agents.ReleaseSession)

	orch := turn.New(sessions, instr, agents, eventBus, prov, mgr.Current)
	dialer := dial.NewDialer(cfg.Call.ADBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 6. Background idle sweep
	go func() {
		interval := cfg.Session.SweepInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if swept := sessions.SweepStale(0); len(swept) > 0 {
					fmt.Printf("🧹 Swept %d idle session(s)\n", len(swept))
				}
			}
		}
	}()

	gatewayStartTime := time.Now()

	authorized := func(r *http.Request) bool {
		token := mgr.Current().Gateway.AuthToken
		if token == "" {
			return true
		}
		h := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if h == "" {
			h = r.URL.Query().Get("token")
		}
		return h == token
	}

	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}

	// spoolAudio copies an uploaded "audio" part to a temp file and returns
	// its path plus a cleanup func. Empty path when no file was sent.
	spoolAudio := func(r *http.Request) (string, func(), error) {
		file, hdr, err := r.FormFile("audio")
		if err != nil {
			return "", func() {}, nil
		}
		defer file.Close()
		tmp, err := os.CreateTemp(cfg.Gateway.DataDir, "turn-*"+filepath.Ext(hdr.Filename))
		if err != nil {
			return "", func() {}, err
		}
		if _, err := io.Copy(tmp, file); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", func() {}, err
		}
		tmp.Close()
		return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
	}

	mux := http.NewServeMux()

	// Health (unauthenticated)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	// API: Status (unauthenticated health check)
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"version":         version,
			"uptime_seconds":  int(time.Since(gatewayStartTime).Seconds()),
			"active_sessions": len(sessions.ActiveSessions()),
			"agent_count":     agents.Count(),
			"call_count":      orch.CallCount(),
			"error_count":     orch.ErrorCount(),
		})
	})

	// API: Turn (POST, multipart)
	mux.HandleFunc("/api/turn", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, "invalid multipart body", http.StatusBadRequest)
			return
		}

		req := &turn.Request{
			SessionID:      r.FormValue("session_id"),
			Reset:          r.FormValue("reset") == "true",
			TranscriptHint: r.FormValue("transcript"),
			SkipASR:        r.FormValue("skip_asr") == "true",
			ForcedReply:    r.FormValue("forced_reply"),
			CallerNumber:   r.FormValue("caller_number"),
			CallDirection:  r.FormValue("direction"),
		}

		audioPath, cleanup, err := spoolAudio(r)
		if err != nil {
			http.Error(w, "audio spool failed", http.StatusInternalServerError)
			return
		}
		defer cleanup()
		req.AudioPath = audioPath

		result, err := orch.HandleTurn(r.Context(), req)
		if err != nil {
			status := http.StatusBadGateway
			var stageErr *turn.StageError
			if errors.As(err, &stageErr) && stageErr.Client {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	// API: ASR (POST, multipart) — transcription only, no turn
	mux.HandleFunc("/api/asr", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, "invalid multipart body", http.StatusBadRequest)
			return
		}
		audioPath, cleanup, err := spoolAudio(r)
		if err != nil {
			http.Error(w, "audio spool failed", http.StatusInternalServerError)
			return
		}
		defer cleanup()
		if audioPath == "" {
			http.Error(w, "audio file required", http.StatusBadRequest)
			return
		}
		cur := mgr.Current()
		resp, err := prov.Transcribe(r.Context(), &provider.AudioRequest{
			FilePath: audioPath,
			Model:    cur.Voice.STTModel,
			Language: cur.Voice.STTLanguage,
		})
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "transcript": resp.Text})
	})

	// API: Greeting (GET) — synthesized opener for a new call
	mux.HandleFunc("/api/greeting", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		cur := mgr.Current()
		text := greetingText(cur, r.URL.Query().Get("direction"))
		resp := map[string]any{"text": text}
		tts, err := prov.Speak(r.Context(), &provider.TTSRequest{
			Text:  text,
			Model: cur.Voice.TTSModel,
			Voice: cur.Voice.TTSVoice,
			Speed: cur.Voice.TTSSpeed,
		})
		if err == nil {
			resp["audio_base64"] = encodeB64(tts.AudioData)
		}
		writeJSON(w, http.StatusOK, resp)
	})

	// API: New session (POST) — allocate an id without running a turn
	mux.HandleFunc("/api/session/new", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		sid := sessions.GetOrCreate("")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": sid})
	})

	// API: Live sessions
	mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("all") == "true" {
			writeJSON(w, http.StatusOK, sessions.AllSessions())
			return
		}
		writeJSON(w, http.StatusOK, sessions.ActiveSessions())
	})

	// API: Stored sessions (from the snapshot database)
	mux.HandleFunc("/api/sessions/stored", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		infos, err := store.ListSessions(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if infos == nil {
			infos = []storage.SessionInfo{}
		}
		writeJSON(w, http.StatusOK, infos)
	})

	// API: Session detail and actions (/api/sessions/{id}[/end|/reset])
	mux.HandleFunc("/api/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
		if rest == "stored" {
			http.NotFound(w, r)
			return
		}
		sid, action, _ := strings.Cut(rest, "/")
		if sid == "" {
			http.Error(w, "session id required", http.StatusBadRequest)
			return
		}

		switch action {
		case "":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"session_id": sid,
				"history":    sessions.History(sid),
				"summary":    sessions.Summary(sid),
				"turns":      sessions.Turns(sid),
				"ended":      sessions.IsEnded(sid),
				"generation": sessions.Generation(sid),
			})
		case "end":
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			ended := sessions.End(sid)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ended": ended})
		case "reset":
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			newID := sessions.Reset(sid)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": newID})
		default:
			http.NotFound(w, r)
		}
	})

	// API: Inject (POST) — queue a reply for the session's next turn
	mux.HandleFunc("/api/inject", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			SessionID string `json:"session_id"`
			Text      string `json:"text"`
			AudioB64  string `json:"audio_base64"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		sid := body.SessionID
		if sid == "" {
			sid = sessions.MostRecentActive()
		}
		if sid == "" {
			http.Error(w, "no active session", http.StatusNotFound)
			return
		}
		if strings.TrimSpace(body.Text) == "" {
			http.Error(w, "text required", http.StatusBadRequest)
			return
		}
		sessions.QueueInject(sid, body.Text, body.AudioB64)
		eventBus.Publish("agent.inject", map[string]any{"session_id": sid}, sid)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": sid})
	})

	// API: Dial (POST) — outbound call via the phone bridge
	mux.HandleFunc("/api/dial", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Number string `json:"number"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := dialer.Dial(r.Context(), body.Number); err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		eventBus.Publish("call.dial", map[string]any{"number": session.NormalizeNumber(body.Number)}, "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	// API: Config (GET, secrets redacted)
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		cur := *mgr.Current()
		cur.Gateway.AuthToken = ""
		cur.Model.APIKey = ""
		cur.Call.AuthPassphrase = ""
		cur.Alerts.SlackToken = ""
		writeJSON(w, http.StatusOK, cur)
	})

	// API: Config reload (POST) — re-read the config file
	mux.HandleFunc("/api/config/reload", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if _, err := mgr.Reload(); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		eventBus.Publish("config.reloaded", nil, "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	// API: Call config update (POST) — security keys rejected here too
	mux.HandleFunc("/api/config/call", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var updates map[string]any
		if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		applied, err := applyCallConfig(mgr, updates)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		eventBus.Publish("config.call_updated", map[string]any{"applied": applied}, "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "applied": applied})
	})

	// API: Caller history (GET list; GET/DELETE per number)
	mux.HandleFunc("/api/caller-history", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		records, err := store.ListCallerHistories()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []storage.CallerRecord{}
		}
		writeJSON(w, http.StatusOK, records)
	})
	mux.HandleFunc("/api/caller-history/", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		number := session.NormalizeNumber(strings.TrimPrefix(r.URL.Path, "/api/caller-history/"))
		if number == "" {
			http.Error(w, "number required", http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodGet:
			rec, err := store.LoadCallerHistory(number)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if rec == nil {
				http.NotFound(w, r)
				return
			}
			writeJSON(w, http.StatusOK, rec)
		case http.MethodDelete:
			deleted, err := store.DeleteCallerHistory(number)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": deleted})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// API: Instructions (GET snapshot, POST session/turn override)
	mux.HandleFunc("/api/instructions", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, instr.Snapshot())
		case http.MethodPost:
			var body struct {
				Scope     string `json:"scope"`
				SessionID string `json:"session_id"`
				Text      string `json:"text"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "invalid body", http.StatusBadRequest)
				return
			}
			if err := applyInstructions(instr, sessions, body.Scope, body.SessionID, body.Text); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			eventBus.Publish("instructions.updated", map[string]any{"scope": body.Scope}, body.SessionID)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// API: Operators (GET)
	mux.HandleFunc("/api/agents", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, agents.List())
	})

	// Websockets: event stream + operator control channel
	mux.HandleFunc("/ws/events", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		handleEventsWS(w, r, eventBus)
	})
	mux.HandleFunc("/api/agent/ws", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		handleOperatorWS(w, r, &operatorDeps{
			sessions: sessions,
			instr:    instr,
			agents:   agents,
			bus:      eventBus,
			dialer:   dialer,
			mgr:      mgr,
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		fmt.Printf("📡 Gateway listening on http://%s\n", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Gateway server error: %v\n", err)
			cancel()
		}
	}()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		fmt.Println("\nShutting down...")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	// Persist whatever is still live before exit.
	for _, meta := range sessions.ActiveSessions() {
		sessions.SaveSnapshot(meta.SessionID)
	}
	fmt.Println("Goodbye.")
}

// greetingText picks the greeting template for a call direction and
// substitutes the {owner} placeholder with the configured owner name.
func greetingText(cfg *config.Config, direction string) string {
	text := cfg.Call.GreetingIncoming
	if direction == "outgoing" {
		text = cfg.Call.GreetingOutgoing
	}
	owner := cfg.Call.GreetingOwner
	if owner == "" {
		owner = "the owner"
	}
	return strings.ReplaceAll(text, "{owner}", owner)
}

// applyInstructions validates scope and routes an instruction update. The
// global scope is rejected on this channel: the base prompt is config-owned.
func applyInstructions(instr *instructions.Store, sessions *session.Registry, scope, sessionID, text string) error {
	if sessionID == "" {
		sessionID = sessions.MostRecentActive()
	}
	switch scope {
	case "session":
		if sessionID == "" {
			return fmt.Errorf("no active session")
		}
		if strings.TrimSpace(text) == "" {
			instr.ClearSession(sessionID)
			return nil
		}
		instr.SetSession(sessionID, text)
	case "turn":
		if sessionID == "" {
			return fmt.Errorf("no active session")
		}
		instr.SetTurn(sessionID, text)
	case "global":
		return fmt.Errorf("Global scope disabled. Use session or turn scope.")
	default:
		return fmt.Errorf("unknown scope %q", scope)
	}
	return nil
}
