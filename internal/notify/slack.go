// Package notify forwards selected bus events to external alert channels.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/voxgate/voxgate/internal/config"
)

// SlackNotifier is a bus subscriber that posts a short alert message for
// each event whose type matches the configured filter. Posting happens on
// the publisher's goroutine, so delivery uses a bounded timeout.
type SlackNotifier struct {
	api     *slack.Client
	channel string
	types   map[string]struct{}
}

// NewSlackNotifier builds a notifier from alert config. Returns nil when
// Slack alerting is disabled or incompletely configured.
func NewSlackNotifier(cfg config.AlertsConfig) *SlackNotifier {
	if !cfg.SlackEnabled || cfg.SlackToken == "" || cfg.SlackChannel == "" {
		return nil
	}
	types := make(map[string]struct{}, len(cfg.EventTypes))
	for _, t := range cfg.EventTypes {
		types[strings.TrimSpace(t)] = struct{}{}
	}
	return &SlackNotifier{
		api:     slack.New(cfg.SlackToken),
		channel: cfg.SlackChannel,
		types:   types,
	}
}

// Send implements bus.Subscriber. A Slack delivery failure is logged but
// never reported back, so an unreachable Slack API cannot get the notifier
// evicted from the bus.
func (n *SlackNotifier) Send(payload []byte) error {
	var evt struct {
		Type      string         `json:"type"`
		SessionID string         `json:"session_id"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil
	}
	if _, ok := n.types[evt.Type]; !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(formatAlert(evt.Type, evt.SessionID, evt.Data), false))
	if err != nil {
		slog.Warn("Slack alert delivery failed", "event", evt.Type, "error", err)
	}
	return nil
}

func formatAlert(eventType, sessionID string, data map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":telephone_receiver: *%s*", eventType)
	if sessionID != "" {
		fmt.Fprintf(&b, " session `%s`", sessionID)
	}
	for _, key := range []string{"reason", "error", "agent", "number"} {
		if v, ok := data[key]; ok {
			fmt.Fprintf(&b, "\n%s: %v", key, v)
		}
	}
	return b.String()
}
