package capture

import (
	"errors"
	"sync"
)

// Format describes the PCM16 layout of a stream
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// Stream is a live source of interleaved PCM16 samples
type Stream interface {
	Format() Format
	// Frames is closed when the stream ends
	Frames() <-chan []int
	// Err reports why the stream ended; nil after a local Close
	Err() error
	// Close releases the underlying source
	Close() error
}

var ErrStreamEnded = errors.New("audio track ended")

// PushStream is a Stream fed by Push calls
type PushStream struct {
	format  Format
	frames  chan []int
	onClose func()

	mu      sync.Mutex
	closed  bool
	err     error
	dropped int
}

// NewPushStream creates a stream; onClose runs once when the consumer releases it
func NewPushStream(format Format, buffer int, onClose func()) *PushStream {
	if buffer < 1 {
		buffer = 256
	}
	return &PushStream{
		format:  format,
		frames:  make(chan []int, buffer),
		onClose: onClose,
	}
}

func (s *PushStream) Format() Format {
	return s.format
}

func (s *PushStream) Frames() <-chan []int {
	return s.frames
}

func (s *PushStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Push delivers samples without blocking; it reports false when they were dropped
func (s *PushStream) Push(samples []int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- samples:
		return true
	default:
		s.dropped++
		return false
	}
}

// Dropped returns how many pushes were discarded because the consumer lagged
func (s *PushStream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Fail ends the stream from the producer side
func (s *PushStream) Fail(err error) {
	if err == nil {
		err = ErrStreamEnded
	}
	s.finish(err, false)
}

// Close ends the stream from the consumer side and releases the source
func (s *PushStream) Close() error {
	s.finish(nil, true)
	return nil
}

func (s *PushStream) finish(err error, local bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.frames)
	s.mu.Unlock()

	if local && s.onClose != nil {
		s.onClose()
	}
}
