// Package agent tracks connected human operators, session takeover
// ownership, and the request/reply correlation used to route turns over an
// operator's single bidirectional connection.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/bus"
)

// Conn is one operator connection. Implementations must make Send safe for
// concurrent use and bounded in time. Identity is the interface value: the
// registry compares conns, never names.
type Conn interface {
	Send(v any) error
}

// ErrReplyTimeout is returned when an operator does not answer a routed
// turn within the deadline.
var ErrReplyTimeout = errors.New("operator reply timed out")

// Info describes one connected operator for the status endpoint.
type Info struct {
	Name             string    `json:"name"`
	ConnectedAt      time.Time `json:"connected_at"`
	TakeoverSessions []string  `json:"takeover_sessions"`
}

type operator struct {
	name        string
	connectedAt time.Time
	takeovers   map[string]struct{}
}

// pending is a single-resolution reply slot: the first writer wins, later
// resolutions are ignored.
type pending struct {
	once sync.Once
	ch   chan string
}

func (p *pending) resolve(reply string) (first bool) {
	p.once.Do(func() {
		p.ch <- reply
		first = true
	})
	return first
}

// Registry owns the operator set, the session→operator takeover map, and
// the pending correlation table. The lock is held only around map mutation,
// never across sends or waits.
type Registry struct {
	mu        sync.Mutex
	operators map[Conn]*operator
	takeover  map[string]Conn
	pendings  map[string]*pending

	bus          *bus.Bus
	replyTimeout time.Duration
}

// NewRegistry creates an operator registry. eventBus may be nil.
func NewRegistry(eventBus *bus.Bus, replyTimeout time.Duration) *Registry {
	if replyTimeout <= 0 {
		replyTimeout = 30 * time.Second
	}
	return &Registry{
		operators:    make(map[Conn]*operator),
		takeover:     make(map[string]Conn),
		pendings:     make(map[string]*pending),
		bus:          eventBus,
		replyTimeout: replyTimeout,
	}
}

// Connect registers an operator connection.
func (r *Registry) Connect(conn Conn, name string) {
	if name == "" {
		name = "operator"
	}
	r.mu.Lock()
	r.operators[conn] = &operator{
		name:        name,
		connectedAt: time.Now(),
		takeovers:   make(map[string]struct{}),
	}
	count := len(r.operators)
	r.mu.Unlock()

	slog.Info("Operator connected", "name", name, "operators", count)
	r.publish("agent.connected", map[string]any{"agent_count": count}, "")
}

// Disconnect removes an operator and releases every takeover it held.
func (r *Registry) Disconnect(conn Conn) {
	r.mu.Lock()
	op, ok := r.operators[conn]
	if ok {
		delete(r.operators, conn)
		for sid := range op.takeovers {
			if r.takeover[sid] == conn {
				delete(r.takeover, sid)
			}
		}
	}
	count := len(r.operators)
	r.mu.Unlock()

	if !ok {
		return
	}
	slog.Info("Operator disconnected", "name", op.name, "operators", count)
	r.publish("agent.disconnected", map[string]any{"agent_count": count}, "")
}

// Takeover installs conn as the session's reply author, overwriting any
// previous owner. Fails when conn is not a known connected operator.
func (r *Registry) Takeover(conn Conn, sessionID string) bool {
	r.mu.Lock()
	op, ok := r.operators[conn]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if prev, held := r.takeover[sessionID]; held && prev != conn {
		if prevOp, live := r.operators[prev]; live {
			delete(prevOp.takeovers, sessionID)
		}
	}
	r.takeover[sessionID] = conn
	op.takeovers[sessionID] = struct{}{}
	r.mu.Unlock()

	r.publish("agent.takeover", map[string]any{"session_id": sessionID}, sessionID)
	return true
}

// Release clears the takeover, but only when conn is the current owner.
// Ownership is compared by connection identity, not by name.
func (r *Registry) Release(conn Conn, sessionID string) bool {
	r.mu.Lock()
	if r.takeover[sessionID] != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.takeover, sessionID)
	if op, ok := r.operators[conn]; ok {
		delete(op.takeovers, sessionID)
	}
	r.mu.Unlock()

	r.publish("agent.release", map[string]any{"session_id": sessionID}, sessionID)
	return true
}

// ReleaseSession drops any takeover of sessionID regardless of owner. Hooked
// into session end and reset.
func (r *Registry) ReleaseSession(sessionID string) {
	r.mu.Lock()
	conn, held := r.takeover[sessionID]
	if held {
		delete(r.takeover, sessionID)
		if op, ok := r.operators[conn]; ok {
			delete(op.takeovers, sessionID)
		}
	}
	r.mu.Unlock()
}

// TakeoverOwner returns the connection owning the session's takeover, nil
// when none. A mapping whose owner vanished without a clean release is
// evicted here.
func (r *Registry) TakeoverOwner(sessionID string) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.takeover[sessionID]
	if !ok {
		return nil
	}
	if _, live := r.operators[conn]; !live {
		delete(r.takeover, sessionID)
		return nil
	}
	return conn
}

// List returns connected operator info.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.operators))
	for _, op := range r.operators {
		sessions := make([]string, 0, len(op.takeovers))
		for sid := range op.takeovers {
			sessions = append(sessions, sid)
		}
		out = append(out, Info{
			Name:             op.name,
			ConnectedAt:      op.connectedAt,
			TakeoverSessions: sessions,
		})
	}
	return out
}

// Count returns the number of connected operators.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.operators)
}

// SendTurnRequest routes one transcript to the operator and waits for the
// correlated reply. The request is tagged with a fresh request id; the
// operator's inbound read loop resolves it via ResolveReply. On timeout,
// send failure, or ctx cancellation the pending slot is discarded and an
// error returned so the caller can fall back to the automated backend.
func (r *Registry) SendTurnRequest(ctx context.Context, conn Conn, sessionID, transcript string) (string, error) {
	requestID := uuid.NewString()
	slot := &pending{ch: make(chan string, 1)}

	r.mu.Lock()
	r.pendings[requestID] = slot
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pendings, requestID)
		r.mu.Unlock()
	}()

	err := conn.Send(map[string]any{
		"type":       "turn.request",
		"session_id": sessionID,
		"transcript": transcript,
		"request_id": requestID,
	})
	if err != nil {
		return "", err
	}

	timer := time.NewTimer(r.replyTimeout)
	defer timer.Stop()
	select {
	case reply := <-slot.ch:
		return reply, nil
	case <-timer.C:
		return "", ErrReplyTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ResolveReply delivers an inbound reply to the waiter for requestID.
// First resolution wins; unknown or already-resolved ids are ignored and
// reported as false.
func (r *Registry) ResolveReply(requestID, reply string) bool {
	r.mu.Lock()
	slot, ok := r.pendings[requestID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return slot.resolve(reply)
}

func (r *Registry) publish(eventType string, data map[string]any, sessionID string) {
	if r.bus != nil {
		r.bus.Publish(eventType, data, sessionID)
	}
}
