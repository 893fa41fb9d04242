package repositories

import (
	"context"

	"github.com/satriahrh/tabscribe/domain/entities"
)

// Transcriber is one provider in the dispatch chain
type Transcriber interface {
	// Provider identifies the segments this transcriber produces
	Provider() entities.Provider
	// Transcribe turns one chunk into text
	Transcribe(ctx context.Context, chunk entities.AudioChunk) (Transcription, error)
}

// Transcription is the raw provider output for a chunk
type Transcription struct {
	Text     string
	Language string
}

// AudioConfig represents audio configuration for speech recognition
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
	MimeType   string `json:"mime_type"`
}

// SpeechRecognizer abstracts a continuous recognizer that only reports final results
type SpeechRecognizer interface {
	Recognize(ctx context.Context, audioData []byte, config AudioConfig) (string, error)
}
