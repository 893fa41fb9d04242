package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/domain/repositories"
)

const (
	defaultModel       = "gemini-2.0-flash"
	defaultTemperature = 0.0

	transcribePrompt = "Transcribe the following audio to text. Return only the transcribed text without any additional commentary or formatting."
)

// GeminiConfig configures the Gemini transcriber
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float32
	// BaseURL overrides the Gemini API endpoint
	BaseURL    string
	HTTPClient *http.Client
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("%w: Gemini API key is required", domain.ErrProviderUnavailable)
	}

	// Validate temperature is in the valid range
	if config.Temperature < 0 || config.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", config.Temperature)
	}

	return nil
}

// GeminiTranscriber sends chunks inline to Gemini with a fixed instruction prompt
type GeminiTranscriber struct {
	client      *genai.Client
	logger      *zap.Logger
	model       string
	temperature float32
}

// NewGeminiTranscriber creates a new Gemini transcriber
func NewGeminiTranscriber(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiTranscriber, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	clientConfig := &genai.ClientConfig{
		APIKey:     config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: config.HTTPClient,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := config.Model
	if model == "" {
		model = defaultModel
		logger.Info("Using default model", zap.String("model", model))
	}

	temperature := config.Temperature
	if temperature == 0 {
		temperature = float32(defaultTemperature)
	}

	return &GeminiTranscriber{
		client:      client,
		logger:      logger,
		model:       model,
		temperature: temperature,
	}, nil
}

func (g *GeminiTranscriber) Provider() entities.Provider {
	return entities.ProviderPrimaryCloud
}

// Transcribe sends the chunk audio inline; an empty answer is a failure
func (g *GeminiTranscriber) Transcribe(ctx context.Context, chunk entities.AudioChunk) (repositories.Transcription, error) {
	mimeType := chunk.MimeType
	if mimeType == "" {
		mimeType = "audio/wav"
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(transcribePrompt),
			genai.NewPartFromBytes(chunk.Data, mimeType),
		}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temperature),
	}

	response, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return repositories.Transcription{}, fmt.Errorf("Gemini API error: %w", err)
	}

	text := strings.TrimSpace(response.Text())
	if text == "" {
		return repositories.Transcription{}, fmt.Errorf("no transcription returned from Gemini")
	}

	g.logger.Debug("Gemini transcription received",
		zap.String("chunkID", chunk.ID()),
		zap.String("model", g.model),
		zap.Int("chars", len(text)))

	return repositories.Transcription{Text: text}, nil
}

// Probe checks that the configured model answers a metadata lookup
func (g *GeminiTranscriber) Probe(ctx context.Context) error {
	if _, err := g.client.Models.Get(ctx, g.model, nil); err != nil {
		return fmt.Errorf("Gemini probe: %w", err)
	}
	return nil
}
