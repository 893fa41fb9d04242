package capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/internal/audio"
)

// fakeStream hands frames over an unbuffered channel so every send completes
// only once the recorder received it.
type fakeStream struct {
	format Format
	frames chan []int

	mu     sync.Mutex
	err    error
	closed int
}

func newFakeStream(rate, channels int) *fakeStream {
	return &fakeStream{format: Format{SampleRate: rate, Channels: channels}, frames: make(chan []int)}
}

func (s *fakeStream) Format() Format       { return s.format }
func (s *fakeStream) Frames() <-chan []int { return s.frames }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.frames)
}

// send pushes samples and then an empty frame, which guarantees the first was processed
func (s *fakeStream) send(t *testing.T, samples []int) {
	t.Helper()
	for _, frame := range [][]int{samples, {}} {
		select {
		case s.frames <- frame:
		case <-time.After(2 * time.Second):
			t.Fatal("Recorder did not consume frame")
		}
	}
}

func seqSamples(n, start int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = start + i
	}
	return out
}

type chunkSink struct {
	mu     sync.Mutex
	chunks []entities.AudioChunk
	errs   []error
}

func (c *chunkSink) onChunk(chunk entities.AudioChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
}

func (c *chunkSink) onError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *chunkSink) snapshot() ([]entities.AudioChunk, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]entities.AudioChunk(nil), c.chunks...), append([]error(nil), c.errs...)
}

func decodeChunk(t *testing.T, c entities.AudioChunk) []int {
	t.Helper()
	buf, err := audio.DecodeWAV(c.Data)
	if err != nil {
		t.Fatalf("Failed to decode chunk %d: %v", c.Sequence, err)
	}
	return buf.Data
}

func newTestRecorder(t *testing.T, continuous bool) (*Recorder, *clock.Mock) {
	mock := clock.NewMock()
	return NewRecorder(RecorderConfig{ChunkDuration: time.Second, Continuous: continuous}, mock, zaptest.NewLogger(t)), mock
}

func TestRecorderEmitsFixedChunks(t *testing.T) {
	rec, _ := newTestRecorder(t, true)
	stream := newFakeStream(1000, 1)
	sink := &chunkSink{}

	if err := rec.Start(stream, "s1", "tab", sink.onChunk, sink.onError); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	if rec.State() != StateCapturing {
		t.Errorf("Expected capturing, got %s", rec.State())
	}

	for i := 0; i < 10; i++ {
		stream.send(t, seqSamples(250, i*250))
	}

	chunks, _ := sink.snapshot()
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks before stop, got %d", len(chunks))
	}

	if err := rec.Stop(); err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}

	chunks, errs := sink.snapshot()
	if len(errs) != 0 {
		t.Errorf("Unexpected errors: %v", errs)
	}
	if len(chunks) != 3 {
		t.Fatalf("Expected partial final chunk on stop, got %d chunks", len(chunks))
	}

	wantLens := []int{1000, 1000, 500}
	next := 0
	for i, c := range chunks {
		if c.Sequence != i {
			t.Errorf("Expected sequence %d, got %d", i, c.Sequence)
		}
		if c.SessionID != "s1" || c.MimeType != audio.MimeTypeWAV {
			t.Errorf("Unexpected chunk metadata %+v", c)
		}
		samples := decodeChunk(t, c)
		if len(samples) != wantLens[i] {
			t.Errorf("Chunk %d: expected %d samples, got %d", i, wantLens[i], len(samples))
		}
		if len(samples) > 0 && samples[0] != next {
			t.Errorf("Chunk %d: expected to start at sample %d, got %d", i, next, samples[0])
		}
		next += len(samples)
	}

	if chunks[0].Duration != time.Second || chunks[2].Duration != 500*time.Millisecond {
		t.Errorf("Unexpected durations %v, %v", chunks[0].Duration, chunks[2].Duration)
	}
	if rec.State() != StateIdle {
		t.Errorf("Expected idle after stop, got %s", rec.State())
	}
	if stream.closeCount() != 1 {
		t.Errorf("Expected stream to be released once, got %d", stream.closeCount())
	}
}

func TestRecorderPauseDropsAudioKeepsSequence(t *testing.T) {
	rec, _ := newTestRecorder(t, true)
	stream := newFakeStream(1000, 1)
	sink := &chunkSink{}
	rec.Start(stream, "s1", "tab", sink.onChunk, sink.onError)

	stream.send(t, seqSamples(1000, 0))

	if err := rec.Pause(); err != nil {
		t.Fatalf("Failed to pause: %v", err)
	}
	if err := rec.Pause(); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState pausing twice, got %v", err)
	}

	stream.send(t, seqSamples(1500, 50000))

	if err := rec.Resume(); err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}
	stream.send(t, seqSamples(1000, 2000))
	rec.Stop()

	chunks, _ := sink.snapshot()
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	if chunks[1].Sequence != 1 {
		t.Errorf("Pause must not skip or reset the sequence, got %d", chunks[1].Sequence)
	}
	for _, s := range decodeChunk(t, chunks[1]) {
		if s >= 50000 {
			t.Fatal("Audio delivered while paused must not be recorded")
		}
	}
}

func TestRecorderStreamFailure(t *testing.T) {
	rec, _ := newTestRecorder(t, true)
	stream := newFakeStream(1000, 1)
	errCh := make(chan error, 1)
	rec.Start(stream, "s1", "tab", func(entities.AudioChunk) {}, func(err error) { errCh <- err })

	stream.send(t, seqSamples(100, 0))
	stream.fail(ErrStreamEnded)

	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrCaptureError) {
			t.Errorf("Expected ErrCaptureError, got %v", err)
		}
		if !errors.Is(err, ErrStreamEnded) {
			t.Errorf("Expected cause to be kept, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stream failure was not reported")
	}

	if rec.State() != StateIdle {
		t.Errorf("Expected idle after failure, got %s", rec.State())
	}
	if err := rec.Stop(); err != nil {
		t.Errorf("Stop after failure should be a no-op, got %v", err)
	}
}

func TestRecorderSingleShot(t *testing.T) {
	rec, _ := newTestRecorder(t, false)
	stream := newFakeStream(1000, 2)
	sink := &chunkSink{}
	rec.Start(stream, "s1", "tab", sink.onChunk, sink.onError)

	// 750 stereo frames, then 750 more: one 1s chunk, remainder discarded
	stream.frames <- seqSamples(1500, 0)
	stream.frames <- seqSamples(1500, 1500)

	deadline := time.After(2 * time.Second)
	for stream.closeCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("Single-shot recorder did not stop after its chunk")
		case <-time.After(5 * time.Millisecond):
		}
	}

	chunks, _ := sink.snapshot()
	if len(chunks) != 1 {
		t.Fatalf("Expected exactly one chunk, got %d", len(chunks))
	}
	if got := len(decodeChunk(t, chunks[0])); got != 2000 {
		t.Errorf("Expected 1000 stereo frames, got %d samples", got)
	}
	if rec.State() != StateIdle {
		t.Errorf("Expected idle after the single chunk, got %s", rec.State())
	}
}

func TestRecorderRejectsDoubleStart(t *testing.T) {
	rec, _ := newTestRecorder(t, true)
	rec.Start(newFakeStream(1000, 1), "s1", "tab", nil, nil)
	defer rec.Stop()

	err := rec.Start(newFakeStream(1000, 1), "s2", "tab", nil, nil)
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
}

func TestRecorderCapturedAt(t *testing.T) {
	rec, mock := newTestRecorder(t, true)
	mock.Set(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	stream := newFakeStream(1000, 1)
	sink := &chunkSink{}
	rec.Start(stream, "s1", "tab", sink.onChunk, sink.onError)

	stream.send(t, seqSamples(2000, 0))
	rec.Stop()

	chunks, _ := sink.snapshot()
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	if got := chunks[1].CapturedAt.Sub(chunks[0].CapturedAt); got != time.Second {
		t.Errorf("Expected consecutive chunks one duration apart, got %v", got)
	}
}
