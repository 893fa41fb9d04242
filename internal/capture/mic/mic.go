// Package mic captures the local input device through PortAudio.
package mic

import (
	"context"
	"fmt"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/internal/capture"
)

const framesPerBuffer = 1024

// Method is the last-resort capture method: the default microphone, mono
type Method struct {
	logger *zap.Logger
}

// NewMethod creates the microphone capture method
func NewMethod(logger *zap.Logger) *Method {
	return &Method{logger: logger}
}

func (m *Method) Name() string { return "microphone" }

// Open starts the default input device at the target sample rate
func (m *Method) Open(ctx context.Context, target capture.Target) (capture.Stream, entities.Source, error) {
	source := entities.Source{Kind: entities.SourceKindMicrophone, Title: "microphone"}
	if err := ctx.Err(); err != nil {
		return nil, source, err
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, source, fmt.Errorf("portaudio init failed: %w", err)
	}

	in := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(target.Format.SampleRate), len(in), in)
	if err != nil {
		portaudio.Terminate()
		return nil, source, fmt.Errorf("open input stream failed: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, source, fmt.Errorf("start input stream failed: %w", err)
	}

	quit := make(chan struct{})
	out := capture.NewPushStream(capture.Format{SampleRate: target.Format.SampleRate, Channels: 1}, 256, func() {
		close(quit)
	})

	go func() {
		defer func() {
			_ = stream.Stop()
			_ = stream.Close()
			portaudio.Terminate()
		}()

		for {
			select {
			case <-quit:
				return
			default:
			}

			if err := stream.Read(); err != nil {
				m.logger.Error("Microphone read failed", zap.Error(err))
				out.Fail(fmt.Errorf("microphone read failed: %w", err))
				return
			}
			samples := make([]int, len(in))
			for i, s := range in {
				samples[i] = int(s)
			}
			out.Push(samples)
		}
	}()

	m.logger.Info("Microphone capture started", zap.Int("sampleRate", target.Format.SampleRate))
	return out, source, nil
}
