// Package bus provides the publish/subscribe event fanout for live observers.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Event is the envelope delivered to every subscriber.
type Event struct {
	Type      string         `json:"type"`
	Timestamp float64        `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data"`
}

// Subscriber is an observer connection registered with the bus. Send must be
// bounded: a slow or broken subscriber may fail, but must not block forever.
type Subscriber interface {
	Send(payload []byte) error
}

// Bus fans serialized events out to all current subscribers. Delivery is
// best-effort: subscribers whose Send fails are dropped after the broadcast
// pass. Events from one Publish call reach each live subscriber in call order.
type Bus struct {
	mu   sync.Mutex
	subs map[Subscriber]struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Subscriber]struct{})}
}

// Subscribe registers an observer connection.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub] = struct{}{}
}

// Unsubscribe removes an observer connection.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish stamps, serializes once, and fans the event out to every current
// subscriber. The subscriber set is snapshotted before the fanout so it is
// never mutated while being iterated; dead subscribers are removed after.
func (b *Bus) Publish(eventType string, data map[string]any, sessionID string) {
	if data == nil {
		data = map[string]any{}
	}
	event := Event{
		Type:      eventType,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		SessionID: sessionID,
		Data:      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("Event serialization failed", "type", eventType, "error", err)
		return
	}

	b.mu.Lock()
	targets := make([]Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	var dead []Subscriber
	for _, sub := range targets {
		if err := sub.Send(payload); err != nil {
			dead = append(dead, sub)
		}
	}
	if len(dead) > 0 {
		b.mu.Lock()
		for _, sub := range dead {
			delete(b.subs, sub)
		}
		b.mu.Unlock()
		slog.Debug("Dropped dead subscribers", "count", len(dead), "type", eventType)
	}
}
