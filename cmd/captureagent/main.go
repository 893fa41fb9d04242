// Command captureagent stands in for the browser side of the extension. It
// registers as a capture agent, advertises one audible tab and streams PCM16LE
// audio from a WAV file (or the default microphone) when asked to capture.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"math"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/internal/audio"
	"github.com/satriahrh/tabscribe/internal/auth"
	"github.com/satriahrh/tabscribe/internal/capture"
	"github.com/satriahrh/tabscribe/internal/capture/mic"
)

const frameInterval = 100 * time.Millisecond

type inbound struct {
	Type domain.MessageType `json:"type"`
	Data json.RawMessage    `json:"data"`
}

type agent struct {
	conn   *websocket.Conn
	writeM sync.Mutex
	logger *zap.Logger

	wavPath  string
	useMic   bool
	tabTitle string

	mu      sync.Mutex
	streams map[string]context.CancelFunc
}

func main() {
	_ = godotenv.Load()

	server := flag.String("server", "localhost:8080", "orchestrator host:port")
	secret := flag.String("secret", os.Getenv("EXTENSION_SECRET"), "extension secret used to obtain a token")
	wavPath := flag.String("wav", "sample_audio.wav", "WAV file streamed as tab audio")
	useMic := flag.Bool("mic", false, "stream the default microphone instead of the WAV file")
	title := flag.String("title", "Simulated meeting", "title of the advertised tab")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	clientID := "agent-" + uuid.NewString()[:8]
	token, err := auth.RequestToken(context.Background(), nil, "http://"+*server, clientID, auth.RoleCapture, *secret)
	if err != nil {
		logger.Fatal("Failed to obtain capture token", zap.Error(err))
	}

	u := url.URL{Scheme: "ws", Host: *server, Path: "/ws/capture", RawQuery: "token=" + url.QueryEscape(token.Token)}
	logger.Info("Connecting", zap.String("url", u.Redacted()))

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		logger.Fatal("dial failed", zap.Error(err))
	}
	defer conn.Close()

	a := &agent{
		conn:     conn,
		logger:   logger,
		wavPath:  *wavPath,
		useMic:   *useMic,
		tabTitle: *title,
		streams:  make(map[string]context.CancelFunc),
	}

	if err := a.announce(); err != nil {
		logger.Fatal("Failed to announce agent", zap.Error(err))
	}

	done := make(chan struct{})
	go a.readLoop(done)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case <-done:
	case <-interrupt:
		logger.Info("interrupt")
		a.stopAll()
		a.writeMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func (a *agent) announce() error {
	if err := a.send(domain.MessageTypeAgentHello, domain.AgentHelloData{
		Name:         "captureagent",
		Capabilities: []string{capture.CapabilityStreamID, capture.CapabilityTab, capture.CapabilityDisplay},
	}); err != nil {
		return err
	}
	return a.send(domain.MessageTypeAudioSourceUpdate, domain.AudioSourceUpdateData{
		Sources: []entities.AudioSource{{
			ID:      "tab-1",
			Kind:    entities.SourceKindTab,
			TabID:   1,
			Title:   a.tabTitle,
			URL:     "https://meet.example.com/simulated",
			Audible: true,
		}},
	})
}

func (a *agent) readLoop(done chan struct{}) {
	defer close(done)
	for {
		messageType, message, err := a.conn.ReadMessage()
		if err != nil {
			a.logger.Info("read loop ended", zap.Error(err))
			a.stopAll()
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			a.logger.Warn("unmarshal error", zap.Error(err))
			continue
		}

		switch msg.Type {
		case domain.MessageTypeCaptureStart:
			var req domain.CaptureStartData
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				a.logger.Warn("bad capture_start", zap.Error(err))
				continue
			}
			a.startCapture(req)
		case domain.MessageTypeCaptureStop:
			var req domain.CaptureStopData
			if err := json.Unmarshal(msg.Data, &req); err == nil {
				a.stopCapture(req.RequestID)
			}
		case domain.MessageTypeTranscribeRequest:
			var req domain.TranscribeRequestData
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				continue
			}
			a.send(domain.MessageTypeTranscribeResult, domain.TranscribeResultData{
				RequestID: req.RequestID,
				Error:     "speech recognition is not available in this agent",
			})
		case domain.MessageTypeHeartbeat:
			a.send(domain.MessageTypeHeartbeatAck, domain.HeartbeatData{Timestamp: time.Now().UnixMilli()})
		default:
			a.logger.Info("unhandled message", zap.String("type", string(msg.Type)))
		}
	}
}

func (a *agent) startCapture(req domain.CaptureStartData) {
	frames, format, err := a.openSource(req)
	if err != nil {
		a.logger.Error("capture failed", zap.String("requestId", req.RequestID), zap.Error(err))
		a.send(domain.MessageTypeCaptureError, domain.CaptureErrorData{RequestID: req.RequestID, Error: err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.streams[req.RequestID] = cancel
	a.mu.Unlock()

	if err := a.send(domain.MessageTypeCaptureStarted, domain.CaptureStartedData{
		RequestID:  req.RequestID,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Title:      a.tabTitle,
	}); err != nil {
		cancel()
		frames(ctx)
		return
	}

	a.logger.Info("capture started",
		zap.String("requestId", req.RequestID),
		zap.String("kind", req.Kind),
		zap.Int("sampleRate", format.SampleRate),
		zap.Int("channels", format.Channels))

	go func() {
		defer cancel()
		in := frames(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case samples, ok := <-in:
				if !ok {
					if ctx.Err() != nil {
						return
					}
					a.send(domain.MessageTypeCaptureError, domain.CaptureErrorData{RequestID: req.RequestID, Error: "audio source ended"})
					return
				}
				if err := a.writeMessage(websocket.BinaryMessage, audio.EncodePCM16LE(samples)); err != nil {
					a.logger.Warn("failed to send audio", zap.Error(err))
					return
				}
			}
		}
	}()
}

func (a *agent) stopCapture(requestID string) {
	a.mu.Lock()
	cancel, ok := a.streams[requestID]
	delete(a.streams, requestID)
	a.mu.Unlock()
	if ok {
		cancel()
		a.logger.Info("capture stopped", zap.String("requestId", requestID))
	}
}

func (a *agent) stopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, cancel := range a.streams {
		cancel()
		delete(a.streams, id)
	}
}

// openSource returns a frame channel factory, so both the microphone and the
// paced WAV loop can be consumed the same way.
func (a *agent) openSource(req domain.CaptureStartData) (func(context.Context) <-chan []int, capture.Format, error) {
	if a.useMic {
		stream, _, err := mic.NewMethod(a.logger).Open(context.Background(), capture.Target{
			TabID:  req.TabID,
			Format: capture.Format{SampleRate: req.SampleRate, Channels: 1},
		})
		if err != nil {
			return nil, capture.Format{}, err
		}
		return func(ctx context.Context) <-chan []int {
			go func() {
				<-ctx.Done()
				stream.Close()
			}()
			return stream.Frames()
		}, stream.Format(), nil
	}

	samples, format := a.loadWAV(req)
	return func(ctx context.Context) <-chan []int {
		ch := make(chan []int)
		go pace(ctx, samples, format, ch)
		return ch
	}, format, nil
}

func (a *agent) loadWAV(req domain.CaptureStartData) ([]int, capture.Format) {
	data, err := os.ReadFile(a.wavPath)
	if err == nil {
		buf, err := audio.DecodeWAV(data)
		if err == nil && len(buf.Data) > 0 {
			a.logger.Info("streaming wav", zap.String("path", a.wavPath), zap.Duration("length", audio.Duration(buf)))
			return buf.Data, capture.Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}
		}
		a.logger.Warn("unusable wav, falling back to a test tone", zap.Error(err))
	} else {
		a.logger.Warn("wav not found, falling back to a test tone", zap.String("path", a.wavPath))
	}
	rate := req.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	return tone(rate, 440, 2*time.Second), capture.Format{SampleRate: rate, Channels: 1}
}

// pace loops samples forever in real time, one frameInterval per send.
func pace(ctx context.Context, samples []int, format capture.Format, out chan<- []int) {
	step := int(float64(format.SampleRate)*frameInterval.Seconds()) * format.Channels
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	pos := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame := make([]int, step)
		for i := range frame {
			frame[i] = samples[pos]
			pos = (pos + 1) % len(samples)
		}

		select {
		case out <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func tone(sampleRate int, hz float64, length time.Duration) []int {
	n := int(length.Seconds() * float64(sampleRate))
	out := make([]int, n)
	for i := range out {
		out[i] = int(8000 * math.Sin(2*math.Pi*hz*float64(i)/float64(sampleRate)))
	}
	return out
}

func (a *agent) send(t domain.MessageType, data interface{}) error {
	payload, err := json.Marshal(domain.NewMessage(t, data))
	if err != nil {
		return err
	}
	return a.writeMessage(websocket.TextMessage, payload)
}

func (a *agent) writeMessage(messageType int, data []byte) error {
	a.writeM.Lock()
	defer a.writeM.Unlock()
	return a.conn.WriteMessage(messageType, data)
}
