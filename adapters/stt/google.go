package stt

import (
	"context"
	"fmt"
	"io"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain/repositories"
	"github.com/satriahrh/tabscribe/internal/audio"
)

// streaming requests carry at most this many audio bytes each
const streamingFrameBytes = 16 * 1024

// GoogleRecognizer implements SpeechRecognizer with Cloud Speech streaming recognition
type GoogleRecognizer struct {
	logger *zap.Logger
}

var _ repositories.SpeechRecognizer = (*GoogleRecognizer)(nil)

func NewGoogleRecognizer(logger *zap.Logger) *GoogleRecognizer {
	return &GoogleRecognizer{logger: logger}
}

// Recognize streams one chunk and joins the final results
func (g *GoogleRecognizer) Recognize(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	pcm, config, err := toLinear16(audioData, config)
	if err != nil {
		return "", err
	}

	stream, err := g.initStreaming(ctx, config)
	if err != nil {
		return "", fmt.Errorf("failed to initialize streaming: %w", err)
	}

	for off := 0; off < len(pcm); off += streamingFrameBytes {
		end := min(off+streamingFrameBytes, len(pcm))
		if err := stream.send(pcm[off:end]); err != nil {
			stream.cleanup()
			return "", fmt.Errorf("failed to stream audio data: %w", err)
		}
	}

	return stream.end()
}

// toLinear16 strips a WAV container so Google receives raw samples
func toLinear16(data []byte, config repositories.AudioConfig) ([]byte, repositories.AudioConfig, error) {
	if config.Encoding != "" && config.Encoding != "WAV" && config.Encoding != "LINEAR16" {
		return data, config, nil
	}

	buf, err := audio.DecodeWAV(data)
	if err != nil {
		if config.Encoding == "LINEAR16" {
			return data, config, nil
		}
		return nil, config, fmt.Errorf("failed to decode WAV chunk: %w", err)
	}
	config.Encoding = "LINEAR16"
	config.SampleRate = buf.Format.SampleRate
	config.Channels = buf.Format.NumChannels
	return audio.EncodePCM16LE(buf.Data), config, nil
}

func (g *GoogleRecognizer) initStreaming(ctx context.Context, config repositories.AudioConfig) (*googleStream, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		stream.CloseSend()
		client.Close()
		return nil, err
	}

	recognitionConfig := &speechpb.RecognitionConfig{
		Encoding:          encoding,
		SampleRateHertz:   int32(config.SampleRate),
		AudioChannelCount: int32(max(config.Channels, 1)),
		LanguageCode:      config.Language,
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         recognitionConfig,
				InterimResults: false, // We only want final results
			},
		},
	}); err != nil {
		stream.CloseSend()
		client.Close()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	s := &googleStream{
		client:     client,
		stream:     stream,
		ctx:        ctx,
		resultChan: make(chan string, 1),
		errorChan:  make(chan error, 1),
	}
	go s.receiveResults()
	return s, nil
}

type googleStream struct {
	client        *speech.Client
	stream        speechpb.Speech_StreamingRecognizeClient
	ctx           context.Context
	audioReceived bool
	resultChan    chan string
	errorChan     chan error
}

func (g *googleStream) send(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	g.audioReceived = true

	return g.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: data,
		},
	})
}

func (g *googleStream) end() (string, error) {
	defer g.cleanup()

	if !g.audioReceived {
		return "", fmt.Errorf("no audio data received")
	}

	// Close the send stream to signal end of audio
	if err := g.stream.CloseSend(); err != nil {
		return "", fmt.Errorf("failed to close send stream: %w", err)
	}

	select {
	case <-g.ctx.Done():
		return "", fmt.Errorf("context cancelled while waiting for result: %w", g.ctx.Err())
	case err := <-g.errorChan:
		return "", err
	case result := <-g.resultChan:
		if result == "" {
			return "", fmt.Errorf("no speech detected in audio")
		}
		return result, nil
	}
}

func (g *googleStream) receiveResults() {
	var finals []string

	for {
		resp, err := g.stream.Recv()
		if err == io.EOF {
			g.resultChan <- strings.Join(finals, " ")
			return
		}
		if err != nil {
			g.errorChan <- fmt.Errorf("failed to receive response: %w", err)
			return
		}

		for _, result := range resp.Results {
			if result.IsFinal && len(result.Alternatives) > 0 {
				finals = append(finals, strings.TrimSpace(result.Alternatives[0].Transcript))
			}
		}
	}
}

func (g *googleStream) cleanup() {
	if g.client != nil {
		g.client.Close()
	}
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
