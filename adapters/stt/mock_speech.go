package stt

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/domain/repositories"
)

// ScriptedTranscriber is a deterministic provider for local runs and tests
type ScriptedTranscriber struct {
	provider entities.Provider
	logger   *zap.Logger

	mu      sync.Mutex
	failing bool
	calls   int
}

var _ repositories.Transcriber = (*ScriptedTranscriber)(nil)

// NewScriptedTranscriber creates a scripted provider reporting as provider
func NewScriptedTranscriber(provider entities.Provider, logger *zap.Logger) *ScriptedTranscriber {
	return &ScriptedTranscriber{provider: provider, logger: logger}
}

func (s *ScriptedTranscriber) Provider() entities.Provider {
	return s.provider
}

// SetFailing makes every following call fail
func (s *ScriptedTranscriber) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

// Calls returns how many chunks were submitted
func (s *ScriptedTranscriber) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Transcribe returns a canned line chosen by chunk size
func (s *ScriptedTranscriber) Transcribe(ctx context.Context, chunk entities.AudioChunk) (repositories.Transcription, error) {
	s.mu.Lock()
	s.calls++
	failing := s.failing
	s.mu.Unlock()

	s.logger.Info("Processing scripted transcription",
		zap.String("chunkID", chunk.ID()),
		zap.Int("audioSize", chunk.Size()),
		zap.Bool("failing", failing))

	if failing {
		return repositories.Transcription{}, fmt.Errorf("scripted %s failure", s.provider)
	}
	if err := ctx.Err(); err != nil {
		return repositories.Transcription{}, err
	}

	var text string
	switch {
	case chunk.Size() > 1_000_000:
		text = "Thanks everyone for joining, let's go through the agenda."
	case chunk.Size() > 100_000:
		text = "Can everyone hear me okay?"
	case chunk.Size() > 1000:
		text = "Hello."
	default:
		text = "Hi"
	}
	return repositories.Transcription{Text: fmt.Sprintf("%s (chunk %d)", text, chunk.Sequence), Language: "en"}, nil
}
