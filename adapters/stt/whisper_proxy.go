package stt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/domain/repositories"
)

const (
	MethodWhisper = "whisper"
	MethodPrompt  = "prompt"

	defaultProxyPrompt  = "Please transcribe this audio accurately, preserving all words and maintaining proper punctuation."
	defaultProxyTimeout = 60 * time.Second
)

// WhisperProxyConfig holds configuration for the transcription proxy client
// Required fields:
// - BaseURL: the proxy root, e.g. https://example.vercel.app/api
// Optional fields with defaults:
// - Method: "whisper" or "prompt" (default: "whisper")
// - CustomPrompt: prompt sent in "prompt" mode
// - Timeout: HTTP client timeout (default: 60s)
type WhisperProxyConfig struct {
	BaseURL      string
	Method       string
	CustomPrompt string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// ProxyTranscribeRequest is the body of POST /transcribe
type ProxyTranscribeRequest struct {
	AudioData    string `json:"audioData"`
	Format       string `json:"format"`
	CustomPrompt string `json:"customPrompt,omitempty"`
}

// ProxyTranscribeResponse is the success body of POST /transcribe
type ProxyTranscribeResponse struct {
	Success  bool    `json:"success"`
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Error    string  `json:"error,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// WhisperProxy calls a hosted Whisper proxy over HTTP
type WhisperProxy struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger

	mu     sync.RWMutex
	method string
	prompt string
}

// Ensure WhisperProxy implements the Transcriber interface
var _ repositories.Transcriber = (*WhisperProxy)(nil)

// ValidateWhisperProxyConfig validates the WhisperProxyConfig
func ValidateWhisperProxyConfig(config WhisperProxyConfig) error {
	if config.BaseURL == "" {
		return fmt.Errorf("%w: proxy URL is required", domain.ErrProviderUnavailable)
	}

	if config.Method != "" && config.Method != MethodWhisper && config.Method != MethodPrompt {
		return fmt.Errorf("method must be %q or %q, got %q", MethodWhisper, MethodPrompt, config.Method)
	}

	if config.Timeout < 0 {
		return fmt.Errorf("timeout must be positive, got %v", config.Timeout)
	}

	return nil
}

// NewWhisperProxy creates a new proxy client
func NewWhisperProxy(config WhisperProxyConfig, logger *zap.Logger) (*WhisperProxy, error) {
	if err := ValidateWhisperProxyConfig(config); err != nil {
		return nil, err
	}

	method := config.Method
	if method == "" {
		method = MethodWhisper
		logger.Info("Using default transcription method", zap.String("method", method))
	}

	client := config.HTTPClient
	if client == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = defaultProxyTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &WhisperProxy{
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		client:  client,
		logger:  logger,
		method:  method,
		prompt:  config.CustomPrompt,
	}, nil
}

func (w *WhisperProxy) Provider() entities.Provider {
	return entities.ProviderProxyWhisper
}

// SetMethod switches between plain Whisper and prompt-guided transcription
func (w *WhisperProxy) SetMethod(method, prompt string) error {
	if method != MethodWhisper && method != MethodPrompt {
		return fmt.Errorf("unknown transcription method %q", method)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.method = method
	w.prompt = prompt
	return nil
}

// Method returns the active method and custom prompt
func (w *WhisperProxy) Method() (string, string) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.method, w.prompt
}

func (w *WhisperProxy) activePrompt() string {
	method, prompt := w.Method()
	if method == MethodPrompt && strings.TrimSpace(prompt) != "" {
		return prompt
	}
	return defaultProxyPrompt
}

// Transcribe posts the base64 chunk to /transcribe
func (w *WhisperProxy) Transcribe(ctx context.Context, chunk entities.AudioChunk) (repositories.Transcription, error) {
	if len(chunk.Data) == 0 {
		return repositories.Transcription{}, fmt.Errorf("audio data is empty")
	}

	request := ProxyTranscribeRequest{
		AudioData:    base64.StdEncoding.EncodeToString(chunk.Data),
		Format:       "json",
		CustomPrompt: w.activePrompt(),
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return repositories.Transcription{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/transcribe", bytes.NewReader(requestBody))
	if err != nil {
		return repositories.Transcription{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return repositories.Transcription{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return repositories.Transcription{}, fmt.Errorf("failed to read response: %w", err)
	}

	var result ProxyTranscribeResponse
	if err := json.Unmarshal(body, &result); err != nil && resp.StatusCode == http.StatusOK {
		return repositories.Transcription{}, fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return repositories.Transcription{}, fmt.Errorf("proxy error: %s", msg)
	}

	if strings.TrimSpace(result.Text) == "" {
		return repositories.Transcription{}, fmt.Errorf("no transcription returned from proxy")
	}

	w.logger.Debug("Proxy transcription received",
		zap.String("chunkID", chunk.ID()),
		zap.String("language", result.Language),
		zap.Float64("duration", result.Duration))

	return repositories.Transcription{Text: result.Text, Language: result.Language}, nil
}

// Probe checks GET /test for readiness
func (w *WhisperProxy) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/test", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("proxy unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxy not ready: HTTP %d", resp.StatusCode)
	}
	return nil
}
