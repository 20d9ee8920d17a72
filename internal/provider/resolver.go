package provider

import (
	"github.com/voxgate/voxgate/internal/config"
)

// Resolve builds the Provider stack from config: an OpenAI-compatible client
// for chat and synthesis, wrapped by local Whisper transcription when enabled.
func Resolve(cfg *config.Config) Provider {
	remote := NewOpenAIProvider(
		cfg.Model.APIKey,
		cfg.Model.APIBase,
		cfg.Voice.AudioBase,
		cfg.Model.Name,
		cfg.Model.ContextTokens,
	)
	if cfg.Voice.LocalWhisper.Enabled {
		return NewLocalWhisperProvider(cfg.Voice.LocalWhisper, remote)
	}
	return remote
}
