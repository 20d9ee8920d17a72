// Package config provides configuration types and loading for voxgate.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Gateway, Model, Voice, Call, Session, Events, Alerts.
type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Model   ModelConfig   `json:"model"`
	Voice   VoiceConfig   `json:"voice"`
	Call    CallConfig    `json:"call"`
	Session SessionConfig `json:"session"`
	Events  EventsConfig  `json:"events"`
	Alerts  AlertsConfig  `json:"alerts"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP server settings
// ---------------------------------------------------------------------------

// GatewayConfig contains gateway server settings.
type GatewayConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
	DataDir   string `json:"dataDir" envconfig:"DATA_DIR"`
}

// ---------------------------------------------------------------------------
// Model – LLM behaviour
// ---------------------------------------------------------------------------

// ModelConfig groups LLM model and generation settings.
type ModelConfig struct {
	Name          string  `json:"name" envconfig:"MODEL"`
	APIKey        string  `json:"apiKey" envconfig:"API_KEY"`
	APIBase       string  `json:"apiBase" envconfig:"API_BASE"`
	MaxTokens     int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature   float64 `json:"temperature" envconfig:"TEMPERATURE"`
	ContextTokens int     `json:"contextTokens" envconfig:"CONTEXT_TOKENS"`
	SystemPrompt  string  `json:"systemPrompt" envconfig:"SYSTEM_PROMPT"`
}

// ---------------------------------------------------------------------------
// Voice – speech-to-text and text-to-speech
// ---------------------------------------------------------------------------

// VoiceConfig contains speech service settings. AudioBase points at an
// OpenAI-compatible audio server handling both transcription and synthesis.
type VoiceConfig struct {
	AudioBase    string       `json:"audioBase" envconfig:"AUDIO_BASE"`
	STTModel     string       `json:"sttModel" envconfig:"STT_MODEL"`
	STTLanguage  string       `json:"sttLanguage" envconfig:"STT_LANGUAGE"`
	TTSModel     string       `json:"ttsModel" envconfig:"TTS_MODEL"`
	TTSVoice     string       `json:"ttsVoice" envconfig:"TTS_VOICE"`
	TTSSpeed     float64      `json:"ttsSpeed" envconfig:"TTS_SPEED"`
	LocalWhisper LocalWhisper `json:"localWhisper"`
}

// LocalWhisper contains settings for local Whisper transcription.
type LocalWhisper struct {
	Enabled    bool   `json:"enabled" envconfig:"WHISPER_ENABLED"`
	Model      string `json:"model" envconfig:"WHISPER_MODEL"`
	BinaryPath string `json:"binaryPath" envconfig:"WHISPER_BINARY_PATH"`
	Language   string `json:"language" envconfig:"WHISPER_LANGUAGE"`
}

// ---------------------------------------------------------------------------
// Call – caller policy, greetings, passphrase auth
// ---------------------------------------------------------------------------

// CallConfig contains per-call policy settings.
type CallConfig struct {
	Allowlist             []string `json:"allowlist"`
	Blocklist             []string `json:"blocklist"`
	UnknownCallersAllowed bool     `json:"unknownCallersAllowed" envconfig:"UNKNOWN_CALLERS_ALLOWED"`
	AuthPassphrase        string   `json:"authPassphrase" envconfig:"AUTH_PASSPHRASE"`
	AuthMaxAttempts       int      `json:"authMaxAttempts" envconfig:"AUTH_MAX_ATTEMPTS"`
	AuthRejectMessage     string   `json:"authRejectMessage" envconfig:"AUTH_REJECT_MESSAGE"`
	KeepHistory           bool     `json:"keepHistory" envconfig:"KEEP_HISTORY"`
	// Greeting templates may reference {owner}; GreetingOwner is the owner
	// display name substituted into them.
	GreetingIncoming string `json:"greetingIncoming"`
	GreetingOutgoing string `json:"greetingOutgoing"`
	GreetingOwner    string `json:"greetingOwner"`
	ADBPath          string `json:"adbPath" envconfig:"ADB_PATH"`
}

// CallSecurityKeys lists call config fields operators may NOT change over
// the websocket channel. Changing auth policy stays an admin-only action.
var CallSecurityKeys = map[string]bool{
	"authPassphrase":        true,
	"authMaxAttempts":       true,
	"authRejectMessage":     true,
	"allowlist":             true,
	"blocklist":             true,
	"unknownCallersAllowed": true,
}

// ---------------------------------------------------------------------------
// Session – registry and compaction behaviour
// ---------------------------------------------------------------------------

// SessionConfig contains session registry settings.
type SessionConfig struct {
	IdleTTL                 time.Duration `json:"idleTTL"`
	SweepInterval           time.Duration `json:"sweepInterval"`
	MaxHistoryTurns         int           `json:"maxHistoryTurns" envconfig:"MAX_HISTORY_TURNS"`
	InstructionCompactChars int           `json:"instructionCompactChars" envconfig:"INSTRUCTION_COMPACT_CHARS"`
	OperatorReplyTimeout    time.Duration `json:"operatorReplyTimeout"`
}

// ---------------------------------------------------------------------------
// Events – Kafka event mirroring
// ---------------------------------------------------------------------------

// EventsConfig configures the optional Kafka mirror of the event bus.
type EventsConfig struct {
	KafkaEnabled bool   `json:"kafkaEnabled" envconfig:"KAFKA_ENABLED"`
	KafkaBrokers string `json:"kafkaBrokers" envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string `json:"kafkaTopic" envconfig:"KAFKA_TOPIC"`
}

// ---------------------------------------------------------------------------
// Alerts – Slack operator notifications
// ---------------------------------------------------------------------------

// AlertsConfig configures the optional Slack alert channel.
type AlertsConfig struct {
	SlackEnabled bool     `json:"slackEnabled" envconfig:"SLACK_ENABLED"`
	SlackToken   string   `json:"slackToken" envconfig:"SLACK_TOKEN"`
	SlackChannel string   `json:"slackChannel" envconfig:"SLACK_CHANNEL"`
	EventTypes   []string `json:"eventTypes"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8790,
		},
		Model: ModelConfig{
			Name:        "qwen2.5-7b-instruct",
			APIBase:     "http://127.0.0.1:8080/v1",
			MaxTokens:   400,
			Temperature: 0.2,
			SystemPrompt: "You are a polite phone assistant answering calls on behalf of the owner. " +
				"Keep replies short and conversational.",
		},
		Voice: VoiceConfig{
			AudioBase:   "http://127.0.0.1:8788",
			STTModel:    "whisper-large-v3-turbo",
			STTLanguage: "en",
			TTSModel:    "kokoro",
			TTSVoice:    "am_adam",
			TTSSpeed:    1.2,
		},
		Call: CallConfig{
			UnknownCallersAllowed: true,
			AuthMaxAttempts:       3,
			AuthRejectMessage:     "I'm sorry, I can't help you right now. Goodbye.",
			GreetingIncoming:      "Hello! You've reached {owner}'s assistant. How can I help you?",
			GreetingOutgoing:      "Hello! I'm calling on behalf of {owner}.",
			GreetingOwner:         "the owner",
			ADBPath:               "adb",
		},
		Session: SessionConfig{
			IdleTTL:                 300 * time.Second,
			SweepInterval:           30 * time.Second,
			MaxHistoryTurns:         8,
			InstructionCompactChars: 6000,
			OperatorReplyTimeout:    30 * time.Second,
		},
		Events: EventsConfig{
			KafkaTopic: "voxgate.events",
		},
		Alerts: AlertsConfig{
			EventTypes: []string{
				"session.ended", "agent.takeover", "agent.release",
				"turn.error", "turn.caller_rejected",
			},
		},
	}
}
