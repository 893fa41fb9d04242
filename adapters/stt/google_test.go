package stt

import (
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/satriahrh/tabscribe/domain/repositories"
	"github.com/satriahrh/tabscribe/internal/audio"
)

func TestGetAudioEncoding(t *testing.T) {
	tests := []struct {
		in      string
		want    speechpb.RecognitionConfig_AudioEncoding
		wantErr bool
	}{
		{"WAV", speechpb.RecognitionConfig_LINEAR16, false},
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16, false},
		{"WEBM_OPUS", speechpb.RecognitionConfig_WEBM_OPUS, false},
		{"MP3", speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, true},
	}

	for _, tt := range tests {
		got, err := getAudioEncoding(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: expected error %v, got %v", tt.in, tt.wantErr, err)
		}
		if got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestToLinear16StripsWAV(t *testing.T) {
	wav, err := audio.EncodeWAV(audio.NewBuffer([]int{100, -100, 200, -200}, 16000, 2))
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	pcm, cfg, err := toLinear16(wav, repositories.AudioConfig{Encoding: "WAV", Language: "en-US"})
	if err != nil {
		t.Fatalf("Failed to convert: %v", err)
	}
	if len(pcm) != 8 {
		t.Errorf("Expected 4 samples of raw PCM16, got %d bytes", len(pcm))
	}
	if cfg.Encoding != "LINEAR16" || cfg.SampleRate != 16000 || cfg.Channels != 2 {
		t.Errorf("Unexpected config %+v", cfg)
	}
	if cfg.Language != "en-US" {
		t.Error("Language should be kept")
	}

	if _, _, err := toLinear16([]byte("not a wav"), repositories.AudioConfig{Encoding: "WAV"}); err == nil {
		t.Error("Expected error for invalid WAV")
	}
}
