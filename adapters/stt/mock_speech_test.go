package stt

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/domain/repositories"
)

func TestScriptedTranscriber(t *testing.T) {
	s := NewScriptedTranscriber(entities.ProviderProxyWhisper, zap.NewNop())

	result, err := s.Transcribe(context.Background(), entities.AudioChunk{Sequence: 4, Data: make([]byte, 2000)})
	if err != nil {
		t.Fatalf("Failed to transcribe: %v", err)
	}
	if result.Text != "Hello. (chunk 4)" {
		t.Errorf("Unexpected text %q", result.Text)
	}

	s.SetFailing(true)
	if _, err := s.Transcribe(context.Background(), entities.AudioChunk{}); err == nil {
		t.Error("Expected failure after SetFailing")
	}
	if s.Calls() != 2 {
		t.Errorf("Expected 2 calls, got %d", s.Calls())
	}
}

type stubRecognizer struct {
	text        string
	err         error
	config      repositories.AudioConfig
	hasDeadline bool
}

func (s *stubRecognizer) Recognize(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	s.config = config
	_, s.hasDeadline = ctx.Deadline()
	return s.text, s.err
}

func TestRecognizerTranscriber(t *testing.T) {
	rec := &stubRecognizer{text: "from the browser"}
	tr := NewRecognizerTranscriber(rec, "", 0, zap.NewNop())

	if tr.Provider() != entities.ProviderInBrowserSpeech {
		t.Errorf("Unexpected provider %s", tr.Provider())
	}

	result, err := tr.Transcribe(context.Background(), entities.AudioChunk{SampleRate: 48000, Channels: 2, MimeType: "audio/wav"})
	if err != nil {
		t.Fatalf("Failed to transcribe: %v", err)
	}
	if result.Text != "from the browser" || result.Language != "en-US" {
		t.Errorf("Unexpected result %+v", result)
	}
	if rec.config.SampleRate != 48000 || rec.config.Encoding != "WAV" {
		t.Errorf("Unexpected recognizer config %+v", rec.config)
	}
	if !rec.hasDeadline {
		t.Error("Expected recognizer calls to be bounded by a timeout")
	}

	rec.err = errors.New("no-speech")
	if _, err := tr.Transcribe(context.Background(), entities.AudioChunk{}); err == nil || !strings.Contains(err.Error(), "no-speech") {
		t.Errorf("Expected recognizer error, got %v", err)
	}
}
