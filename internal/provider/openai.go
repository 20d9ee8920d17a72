package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// OpenAIProvider implements Provider against OpenAI-compatible APIs. Chat
// completions go to apiBase; transcription and synthesis go to audioBase,
// which may point at a separate local audio server.
type OpenAIProvider struct {
	apiKey        string
	apiBase       string
	audioBase     string
	defaultModel  string
	contextTokens int
	httpClient    *http.Client
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(apiKey, apiBase, audioBase, defaultModel string, contextTokens int) *OpenAIProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	if audioBase == "" {
		audioBase = apiBase
	}
	return &OpenAIProvider{
		apiKey:        apiKey,
		apiBase:       strings.TrimSuffix(apiBase, "/"),
		audioBase:     strings.TrimSuffix(audioBase, "/"),
		defaultModel:  defaultModel,
		contextTokens: contextTokens,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// DefaultModel returns the configured default model.
func (p *OpenAIProvider) DefaultModel() string {
	return p.defaultModel
}

// ContextWindow returns the configured context size, 0 when not set.
func (p *OpenAIProvider) ContextWindow() int {
	return p.contextTokens
}

// Chat sends a completion request to the OpenAI-compatible API.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	body := map[string]any{
		"model":       model,
		"messages":    req.Messages,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
		"stream":      false,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := apiResp.Choices[0]
	respModel := apiResp.Model
	if respModel == "" {
		respModel = model
	}
	return &ChatResponse{
		Content:      choice.Message.Content,
		Model:        respModel,
		FinishReason: choice.FinishReason,
		Usage:        apiResp.Usage,
	}, nil
}

// openAI API response types.
type openAIResponse struct {
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   Usage          `json:"usage"`
}

type openAIChoice struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// Transcribe converts audio to text via the audio server's Whisper endpoint.
func (p *OpenAIProvider) Transcribe(ctx context.Context, req *AudioRequest) (*AudioResponse, error) {
	model := req.Model
	if model == "" {
		model = "whisper-1"
	}

	file, err := os.Open(req.FilePath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(req.FilePath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("copy file to form: %w", err)
	}
	_ = writer.WriteField("model", model)
	if req.Language != "" {
		_ = writer.WriteField("language", req.Language)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close form writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.audioBase+"/v1/audio/transcriptions", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transcription API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var audioResp struct {
		Text       string `json:"text"`
		Transcript string `json:"transcript"`
		Segments   []struct {
			Text string `json:"text"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(respBody, &audioResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	text := audioResp.Text
	if text == "" {
		text = audioResp.Transcript
	}
	if text == "" && len(audioResp.Segments) > 0 {
		var parts []string
		for _, seg := range audioResp.Segments {
			if s := strings.TrimSpace(seg.Text); s != "" {
				parts = append(parts, s)
			}
		}
		text = strings.Join(parts, " ")
	}
	return &AudioResponse{Text: SafeText(text)}, nil
}

// Speak synthesizes text via the audio server's speech endpoint.
func (p *OpenAIProvider) Speak(ctx context.Context, req *TTSRequest) (*TTSResponse, error) {
	body := map[string]any{
		"model":           req.Model,
		"input":           TrimForSpeech(req.Text),
		"voice":           req.Voice,
		"speed":           req.Speed,
		"response_format": "wav",
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.audioBase+"/v1/audio/speech", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("speech API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return &TTSResponse{AudioData: respBody, Format: "wav"}, nil
}
