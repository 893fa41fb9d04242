package stt

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/domain/repositories"
)

const defaultRecognizerTimeout = 30 * time.Second

// RecognizerTranscriber puts a continuous recognizer in the provider chain
type RecognizerTranscriber struct {
	recognizer repositories.SpeechRecognizer
	language   string
	timeout    time.Duration
	logger     *zap.Logger
}

var _ repositories.Transcriber = (*RecognizerTranscriber)(nil)

// NewRecognizerTranscriber wraps recognizer; each chunk gets at most timeout
func NewRecognizerTranscriber(recognizer repositories.SpeechRecognizer, language string, timeout time.Duration, logger *zap.Logger) *RecognizerTranscriber {
	if timeout <= 0 {
		timeout = defaultRecognizerTimeout
	}
	if language == "" {
		language = "en-US"
	}
	return &RecognizerTranscriber{recognizer: recognizer, language: language, timeout: timeout, logger: logger}
}

func (r *RecognizerTranscriber) Provider() entities.Provider {
	return entities.ProviderInBrowserSpeech
}

func (r *RecognizerTranscriber) Transcribe(ctx context.Context, chunk entities.AudioChunk) (repositories.Transcription, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	text, err := r.recognizer.Recognize(ctx, chunk.Data, repositories.AudioConfig{
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Encoding:   "WAV",
		Language:   r.language,
		MimeType:   chunk.MimeType,
	})
	if err != nil {
		return repositories.Transcription{}, err
	}

	r.logger.Debug("Recognizer transcription received", zap.String("chunkID", chunk.ID()), zap.Int("chars", len(text)))
	return repositories.Transcription{Text: text, Language: r.language}, nil
}
