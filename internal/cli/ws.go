package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxgate/voxgate/internal/agent"
	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/dial"
	"github.com/voxgate/voxgate/internal/instructions"
	"github.com/voxgate/voxgate/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = 30 * time.Second
	wsMaxMsgSize   = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func encodeB64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// wsEventClient adapts one events websocket into a bus subscriber. Writes
// are serialized; a failed write gets the client evicted by the bus.
type wsEventClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsEventClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsEventClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// handleEventsWS streams the live event feed to a websocket client until it
// disconnects.
func handleEventsWS(w http.ResponseWriter, r *http.Request, eventBus *bus.Bus) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsEventClient{conn: conn}
	eventBus.Subscribe(client)
	defer func() {
		eventBus.Unsubscribe(client)
		conn.Close()
	}()

	conn.SetReadLimit(wsMaxMsgSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := client.ping(); err != nil {
					return
				}
			}
		}
	}()

	// Inbound traffic on this socket is ignored; the read loop only
	// notices the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			close(done)
			return
		}
	}
}

// wsOperatorConn adapts the operator websocket to the agent registry's Conn.
type wsOperatorConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsOperatorConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

type operatorDeps struct {
	sessions *session.Registry
	instr    *instructions.Store
	agents   *agent.Registry
	bus      *bus.Bus
	dialer   *dial.Dialer
	mgr      *config.Manager
}

type operatorMsg struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Reply     string         `json:"reply"`
	SessionID string         `json:"session_id"`
	Scope     string         `json:"scope"`
	Text      string         `json:"text"`
	AudioB64  string         `json:"audio_base64"`
	Number    string         `json:"number"`
	Config    map[string]any `json:"config"`
}

// handleOperatorWS runs one operator's control channel: registration,
// turn-request replies, and control actions, each acknowledged in kind.
func handleOperatorWS(w http.ResponseWriter, r *http.Request, deps *operatorDeps) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "operator"
	}
	op := &wsOperatorConn{conn: conn}
	deps.agents.Connect(op, name)
	defer func() {
		deps.agents.Disconnect(op)
		conn.Close()
	}()

	conn.SetReadLimit(wsMaxMsgSize)

	for {
		var msg operatorMsg
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		// Correlation replies are dispatched before control actions so a
		// pending turn is never blocked behind slower handling. Any message
		// tagged with a request id is a reply, whatever its type; unknown
		// or already-resolved ids are dropped.
		if msg.RequestID != "" {
			deps.agents.ResolveReply(msg.RequestID, msg.Reply)
			continue
		}

		handleOperatorAction(op, deps, &msg)
	}
}

func handleOperatorAction(op *wsOperatorConn, deps *operatorDeps, msg *operatorMsg) {
	ack := func(ok bool, err error) {
		payload := map[string]any{"type": msg.Type + ".ack", "ok": ok}
		if err != nil {
			payload["error"] = err.Error()
		}
		_ = op.Send(payload)
	}

	sid := msg.SessionID
	if sid == "" {
		sid = deps.sessions.MostRecentActive()
	}

	switch msg.Type {
	case "ping":
		_ = op.Send(map[string]any{"type": "pong"})

	case "takeover":
		if sid == "" {
			ack(false, fmt.Errorf("no active session"))
			return
		}
		ack(deps.agents.Takeover(op, sid), nil)

	case "release":
		if sid == "" {
			ack(false, fmt.Errorf("no active session"))
			return
		}
		ack(deps.agents.Release(op, sid), nil)

	case "inject":
		if sid == "" {
			ack(false, fmt.Errorf("no active session"))
			return
		}
		if msg.Text == "" {
			ack(false, fmt.Errorf("text required"))
			return
		}
		deps.sessions.QueueInject(sid, msg.Text, msg.AudioB64)
		deps.bus.Publish("agent.inject", map[string]any{"session_id": sid}, sid)
		ack(true, nil)

	case "set_instructions":
		if err := applyInstructions(deps.instr, deps.sessions, msg.Scope, msg.SessionID, msg.Text); err != nil {
			ack(false, err)
			return
		}
		deps.bus.Publish("instructions.updated", map[string]any{"scope": msg.Scope, "session_id": sid}, sid)
		ack(true, nil)

	case "set_call_config":
		applied, err := applyCallConfig(deps.mgr, msg.Config)
		if err != nil {
			ack(false, err)
			return
		}
		_ = op.Send(map[string]any{"type": "set_call_config.ack", "ok": true, "applied": applied})

	case "dial":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := deps.dialer.Dial(ctx, msg.Number); err != nil {
			ack(false, err)
			return
		}
		deps.bus.Publish("call.dial", map[string]any{"number": session.NormalizeNumber(msg.Number)}, "")
		ack(true, nil)

	case "get_call_state":
		_ = op.Send(map[string]any{
			"type":     "call_state",
			"sessions": deps.sessions.AllSessions(),
			"agents":   deps.agents.List(),
		})

	case "inject_context":
		if sid == "" {
			ack(false, fmt.Errorf("no active session"))
			return
		}
		deps.instr.SetKnowledge(sid, msg.Text)
		ack(true, nil)

	case "clear_context":
		if sid == "" {
			ack(false, fmt.Errorf("no active session"))
			return
		}
		deps.instr.ClearKnowledge(sid)
		ack(true, nil)

	case "end_session":
		if sid == "" {
			ack(false, fmt.Errorf("no active session"))
			return
		}
		ack(deps.sessions.End(sid), nil)

	default:
		ack(false, fmt.Errorf("unknown action %q", msg.Type))
	}
}

// applyCallConfig applies operator-supplied call settings, silently skipping
// the security-sensitive keys. Returns the keys actually applied.
func applyCallConfig(mgr *config.Manager, updates map[string]any) ([]string, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("config required")
	}
	applied := make([]string, 0, len(updates))
	_, err := mgr.Update(func(cfg *config.Config) {
		for key, raw := range updates {
			if config.CallSecurityKeys[key] {
				continue
			}
			switch key {
			case "keepHistory":
				if v, ok := raw.(bool); ok {
					cfg.Call.KeepHistory = v
					applied = append(applied, key)
				}
			case "greetingIncoming":
				if v, ok := raw.(string); ok {
					cfg.Call.GreetingIncoming = v
					applied = append(applied, key)
				}
			case "greetingOutgoing":
				if v, ok := raw.(string); ok {
					cfg.Call.GreetingOutgoing = v
					applied = append(applied, key)
				}
			case "greetingOwner":
				if v, ok := raw.(string); ok {
					cfg.Call.GreetingOwner = v
					applied = append(applied, key)
				}
			case "adbPath":
				if v, ok := raw.(string); ok {
					cfg.Call.ADBPath = v
					applied = append(applied, key)
				}
			}
		}
	})
	return applied, err
}
