package capture

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/internal/audio"
)

// State of the chunking recorder
type State string

const (
	StateIdle      State = "idle"
	StateCapturing State = "capturing"
	StatePaused    State = "paused"
)

// RecorderConfig tunes chunk emission
type RecorderConfig struct {
	ChunkDuration time.Duration
	// Continuous keeps emitting chunks; otherwise the recorder stops after the first one
	Continuous bool
}

// ChunkHandler receives chunks in sequence order
type ChunkHandler func(chunk entities.AudioChunk)

// ErrorHandler receives a capture failure after the recorder went idle
type ErrorHandler func(err error)

// Recorder turns a live stream into fixed-duration chunks. Boundaries are
// counted in captured samples, so paused time never ends up in a chunk.
type Recorder struct {
	cfg    RecorderConfig
	clock  clock.Clock
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	stream     Stream
	sessionID  string
	source     string
	seq        int
	buf        []int
	chunkStart time.Time
	onChunk    ChunkHandler
	onError    ErrorHandler
	stopping   bool
	stop       chan struct{}
	done       chan struct{}
}

// NewRecorder creates an idle recorder
func NewRecorder(cfg RecorderConfig, clk clock.Clock, logger *zap.Logger) *Recorder {
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 30 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Recorder{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		state:  StateIdle,
	}
}

// State returns the current recorder state
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// NextSequence returns the sequence the next chunk will carry
func (r *Recorder) NextSequence() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// SetContinuous switches between continuous and single-chunk mode. Only
// allowed while idle.
func (r *Recorder) SetContinuous(continuous bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateIdle {
		return fmt.Errorf("%w: recorder is %s", domain.ErrInvalidState, r.state)
	}
	r.cfg.Continuous = continuous
	return nil
}

// Start begins chunking stream. Sequence numbers restart at 0.
func (r *Recorder) Start(stream Stream, sessionID, source string, onChunk ChunkHandler, onError ErrorHandler) error {
	f := stream.Format()
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("invalid stream format %dHz/%dch", f.SampleRate, f.Channels)
	}

	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return fmt.Errorf("%w: recorder is %s", domain.ErrInvalidState, r.state)
	}
	r.state = StateCapturing
	r.stream = stream
	r.sessionID = sessionID
	r.source = source
	r.seq = 0
	r.buf = nil
	r.onChunk = onChunk
	r.onError = onError
	r.stopping = false
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	stop, done := r.stop, r.done
	r.mu.Unlock()

	r.logger.Info("Recorder started",
		zap.String("sessionID", sessionID),
		zap.Duration("chunkDuration", r.cfg.ChunkDuration),
		zap.Bool("continuous", r.cfg.Continuous))

	go r.loop(stream, stop, done)
	return nil
}

// Pause stops accepting samples without losing buffered audio
func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateCapturing {
		return fmt.Errorf("%w: cannot pause while %s", domain.ErrInvalidState, r.state)
	}
	r.state = StatePaused
	return nil
}

// Resume continues a paused recording
func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused {
		return fmt.Errorf("%w: cannot resume while %s", domain.ErrInvalidState, r.state)
	}
	r.state = StateCapturing
	return nil
}

// Stop ends emission, flushes the partial chunk and releases the stream.
// Stopping an idle recorder is a no-op.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if r.state == StateIdle {
		r.mu.Unlock()
		return nil
	}
	stop, done := r.stop, r.done
	first := !r.stopping
	r.stopping = true
	r.mu.Unlock()

	if first {
		close(stop)
	}
	<-done

	// the loop may have finished the recording on its own meanwhile
	r.mu.Lock()
	if r.state == StateIdle || !first {
		r.mu.Unlock()
		return nil
	}
	wasCapturing := r.state == StateCapturing
	r.state = StateIdle
	r.mu.Unlock()

	if wasCapturing {
		r.drainPending()
	}
	r.finish("stopped")
	return nil
}

func (r *Recorder) loop(stream Stream, stop, done chan struct{}) {
	defer close(done)

	frames := stream.Frames()
	for {
		select {
		case <-stop:
			return
		case samples, ok := <-frames:
			if !ok {
				r.handleEnded(stream)
				return
			}
			if r.ingest(samples) {
				return
			}
		}
	}
}

// ingest buffers samples and emits every completed chunk; it reports true
// when a single-shot recorder is done.
func (r *Recorder) ingest(samples []int) bool {
	r.mu.Lock()
	if r.state != StateCapturing {
		r.mu.Unlock()
		return false
	}

	ready := r.appendLocked(samples)
	single := !r.cfg.Continuous && len(ready) > 0
	if single {
		r.state = StateIdle
		r.buf = nil
	}
	handler := r.onChunk
	r.mu.Unlock()

	emit(handler, ready)

	if single {
		r.finish("single chunk captured")
	}
	return single
}

func (r *Recorder) appendLocked(samples []int) []entities.AudioChunk {
	if len(samples) == 0 {
		return nil
	}
	if len(r.buf) == 0 {
		r.chunkStart = r.clock.Now()
	}
	r.buf = append(r.buf, samples...)

	per := samplesPerChunk(r.cfg.ChunkDuration, r.stream.Format())
	var ready []entities.AudioChunk
	for len(r.buf) >= per {
		if c, ok := r.cutLocked(r.buf[:per]); ok {
			ready = append(ready, c)
		}
		r.buf = append([]int(nil), r.buf[per:]...)
		if !r.cfg.Continuous {
			break
		}
	}
	return ready
}

// drainPending takes frames the stream delivered before Stop was called
func (r *Recorder) drainPending() {
	r.mu.Lock()
	if r.stream == nil {
		r.mu.Unlock()
		return
	}
	frames := r.stream.Frames()
	var ready []entities.AudioChunk
	for pending := true; pending; {
		select {
		case samples, ok := <-frames:
			if !ok {
				pending = false
				break
			}
			ready = append(ready, r.appendLocked(samples)...)
		default:
			pending = false
		}
	}
	handler := r.onChunk
	r.mu.Unlock()

	emit(handler, ready)
}

func emit(handler ChunkHandler, chunks []entities.AudioChunk) {
	if handler == nil {
		return
	}
	for _, c := range chunks {
		handler(c)
	}
}

func (r *Recorder) handleEnded(stream Stream) {
	err := stream.Err()

	r.mu.Lock()
	if r.state == StateIdle || err == nil {
		r.mu.Unlock()
		return
	}
	r.state = StateIdle
	sessionID, onError := r.sessionID, r.onError
	r.mu.Unlock()

	r.logger.Error("Audio stream failed", zap.String("sessionID", sessionID), zap.Error(err))
	r.finish("stream failed")

	if onError != nil {
		onError(fmt.Errorf("%w: %w", domain.ErrCaptureError, err))
	}
}

// finish flushes the buffered tail as a final chunk and releases the stream
func (r *Recorder) finish(reason string) {
	r.mu.Lock()
	var final *entities.AudioChunk
	if len(r.buf) > 0 {
		if c, ok := r.cutLocked(r.buf); ok {
			final = &c
		}
	}
	r.buf = nil
	stream := r.stream
	r.stream = nil
	handler := r.onChunk
	sessionID, emitted := r.sessionID, r.seq
	r.mu.Unlock()

	if final != nil && handler != nil {
		handler(*final)
	}
	if stream != nil {
		stream.Close()
	}

	r.logger.Info("Recorder stopped",
		zap.String("sessionID", sessionID),
		zap.String("reason", reason),
		zap.Int("chunks", emitted))
}

func (r *Recorder) cutLocked(samples []int) (entities.AudioChunk, bool) {
	f := r.stream.Format()
	pcm := make([]int, len(samples))
	copy(pcm, samples)

	data, err := audio.EncodeWAV(audio.NewBuffer(pcm, f.SampleRate, f.Channels))
	if err != nil {
		r.logger.Error("Failed to encode chunk", zap.String("sessionID", r.sessionID), zap.Error(err))
		return entities.AudioChunk{}, false
	}

	duration := audio.FramesDuration(len(pcm)/f.Channels, f.SampleRate)
	chunk := entities.AudioChunk{
		SessionID:  r.sessionID,
		Sequence:   r.seq,
		CapturedAt: r.chunkStart,
		Duration:   duration,
		Data:       data,
		MimeType:   audio.MimeTypeWAV,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Source:     r.source,
	}
	r.seq++
	r.chunkStart = r.chunkStart.Add(duration)

	r.logger.Debug("Chunk emitted",
		zap.String("sessionID", r.sessionID),
		zap.Int("sequence", chunk.Sequence),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", duration))

	return chunk, true
}

func samplesPerChunk(d time.Duration, f Format) int {
	frames := int(math.Round(d.Seconds() * float64(f.SampleRate)))
	if frames < 1 {
		frames = 1
	}
	return frames * f.Channels
}
