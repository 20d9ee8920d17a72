package provider

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/voxgate/voxgate/internal/config"
)

// LocalWhisperProvider implements transcription using a local Whisper binary;
// chat and synthesis are delegated to the wrapped remote provider.
type LocalWhisperProvider struct {
	config config.LocalWhisper
	remote *OpenAIProvider
}

// NewLocalWhisperProvider creates a new local Whisper provider.
func NewLocalWhisperProvider(cfg config.LocalWhisper, remote *OpenAIProvider) *LocalWhisperProvider {
	return &LocalWhisperProvider{
		config: cfg,
		remote: remote,
	}
}

func (p *LocalWhisperProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return p.remote.Chat(ctx, req)
}

func (p *LocalWhisperProvider) Speak(ctx context.Context, req *TTSRequest) (*TTSResponse, error) {
	return p.remote.Speak(ctx, req)
}

func (p *LocalWhisperProvider) DefaultModel() string {
	return p.remote.DefaultModel()
}

func (p *LocalWhisperProvider) ContextWindow() int {
	return p.remote.ContextWindow()
}

// Transcribe converts audio to text using a command-line Whisper binary.
func (p *LocalWhisperProvider) Transcribe(ctx context.Context, req *AudioRequest) (*AudioResponse, error) {
	if !p.config.Enabled {
		return p.remote.Transcribe(ctx, req)
	}

	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	language := req.Language
	if language == "" {
		language = p.config.Language
	}

	tmpDir, err := os.MkdirTemp("", "whisper-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	args := []string{
		req.FilePath,
		"--model", model,
		"--output_dir", tmpDir,
		"--output_format", "txt",
		"--verbose", "False",
	}
	if language != "" {
		args = append(args, "--language", language)
	}

	cmd := exec.CommandContext(ctx, p.config.BinaryPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("whisper command failed: %w (output: %s)", err, string(output))
	}

	// Whisper writes <input-name>.txt into the output dir.
	base := filepath.Base(req.FilePath)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	txtPath := filepath.Join(tmpDir, name+".txt")

	txtData, err := os.ReadFile(txtPath)
	if err != nil {
		return nil, fmt.Errorf("read transcription output: %w", err)
	}
	return &AudioResponse{Text: SafeText(string(txtData))}, nil
}
