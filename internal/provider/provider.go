// Package provider implements the external collaborator clients: language
// model completion, speech-to-text, and text-to-speech.
package provider

import (
	"context"
)

// Provider is the interface the turn orchestrator depends on. Implementations
// must honor ctx cancellation on every call.
type Provider interface {
	// Chat sends a completion request and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// Transcribe converts audio to text.
	Transcribe(ctx context.Context, req *AudioRequest) (*AudioResponse, error)
	// Speak converts text to audio.
	Speak(ctx context.Context, req *TTSRequest) (*TTSResponse, error)
	// DefaultModel returns the configured default model.
	DefaultModel() string
	// ContextWindow returns the model's context size in tokens, 0 if unknown.
	ContextWindow() int
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest contains the parameters for a chat completion request.
type ChatRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
}

// ChatResponse contains the response from a chat completion request.
type ChatResponse struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
}

// Usage tracks token consumption for a request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AudioRequest contains parameters for transcription.
type AudioRequest struct {
	FilePath string
	Model    string
	Language string
}

// AudioResponse contains the transcribed text.
type AudioResponse struct {
	Text string
}

// TTSRequest contains parameters for speech synthesis.
type TTSRequest struct {
	Text  string
	Model string
	Voice string
	Speed float64
}

// TTSResponse contains the synthesized audio.
type TTSResponse struct {
	AudioData []byte
	Format    string
}
