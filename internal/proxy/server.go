// Package proxy is a reference implementation of the hosted transcription
// proxy contract (POST /transcribe, GET /test) backed by OpenAI Whisper.
package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/adapters/stt"
)

// OpenAIClient is the slice of the OpenAI client the proxy needs
type OpenAIClient interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config tunes the proxy
type Config struct {
	Model    string
	Language string
	Timeout  time.Duration
	// CleanupModel, when set, post-processes each transcript with a chat model.
	CleanupModel string
}

const cleanupPrompt = `You clean up raw speech-to-text output from meetings and calls.
Fix misheard words, punctuation and casing. Keep the speaker's meaning and wording.
Do not summarize, add commentary or translate. Reply with the cleaned text only.`

// Server answers transcription requests
type Server struct {
	client OpenAIClient
	cfg    Config
	logger *zap.Logger
}

// NewServer creates a proxy. A nil client makes /transcribe report a missing key.
func NewServer(client OpenAIClient, cfg Config, logger *zap.Logger) *Server {
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Server{client: client, cfg: cfg, logger: logger}
}

// InitRoutes registers the proxy endpoints
func (s *Server) InitRoutes(e *echo.Echo) {
	e.POST("/transcribe", s.transcribe)
	e.GET("/test", s.test)
}

func (s *Server) transcribe(c echo.Context) error {
	if s.client == nil {
		return c.JSON(http.StatusInternalServerError, stt.ProxyTranscribeResponse{
			Error: "OpenAI API key not configured. Please set OPENAI_API_KEY.",
		})
	}

	var req stt.ProxyTranscribeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, stt.ProxyTranscribeResponse{Error: "Invalid request format"})
	}
	if req.AudioData == "" {
		return c.JSON(http.StatusBadRequest, stt.ProxyTranscribeResponse{Error: "Audio data is required"})
	}
	audio, err := base64.StdEncoding.DecodeString(req.AudioData)
	if err != nil {
		return c.JSON(http.StatusBadRequest, stt.ProxyTranscribeResponse{Error: "Audio data must be base64"})
	}

	format := openai.AudioResponseFormatText
	if req.Format == "" || req.Format == "json" {
		format = openai.AudioResponseFormatVerboseJSON
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.Timeout)
	defer cancel()

	started := time.Now()
	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    s.cfg.Model,
		FilePath: "chunk.wav",
		Reader:   bytes.NewReader(audio),
		Prompt:   req.CustomPrompt,
		Language: s.cfg.Language,
		Format:   format,
	})
	if err != nil {
		s.logger.Error("Transcription failed",
			zap.Int("bytes", len(audio)),
			zap.Error(err))

		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
			return c.JSON(apiErr.HTTPStatusCode, stt.ProxyTranscribeResponse{
				Error: fmt.Sprintf("OpenAI API Error: %s", apiErr.Message),
			})
		}
		return c.JSON(http.StatusInternalServerError, stt.ProxyTranscribeResponse{
			Error:   "Internal server error",
			Message: err.Error(),
		})
	}

	text := resp.Text
	if s.cfg.CleanupModel != "" && text != "" {
		cleaned, err := s.cleanup(ctx, text, req.CustomPrompt)
		if err != nil {
			s.logger.Warn("Transcript cleanup failed, returning raw text", zap.Error(err))
		} else {
			text = cleaned
		}
	}

	s.logger.Info("Chunk transcribed",
		zap.Int("bytes", len(audio)),
		zap.Bool("customPrompt", req.CustomPrompt != ""),
		zap.Duration("elapsed", time.Since(started)))

	return c.JSON(http.StatusOK, stt.ProxyTranscribeResponse{
		Success:  true,
		Text:     text,
		Language: resp.Language,
		Duration: resp.Duration,
	})
}

func (s *Server) cleanup(ctx context.Context, transcript, hint string) (string, error) {
	system := cleanupPrompt
	if hint != "" {
		system += "\nContext: " + hint
	}
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.cfg.CleanupModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("cleanup completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("cleanup completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (s *Server) test(c echo.Context) error {
	ready := s.client != nil
	instructions := "Ready to transcribe audio!"
	if !ready {
		instructions = "Please set OPENAI_API_KEY"
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":      true,
		"message":      "Backend is running!",
		"timestamp":    time.Now().UTC(),
		"ready":        ready,
		"instructions": instructions,
	})
}
