package overlap

import (
	"math"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/internal/audio"
)

// Splicer prepends the trailing window of the previous chunk to each chunk.
// Chunks must be processed in sequence order.
type Splicer struct {
	window time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	tail    *goaudio.IntBuffer
	tailSeq int
}

// NewSplicer creates a splicer holding window of trailing audio
func NewSplicer(window time.Duration, logger *zap.Logger) *Splicer {
	return &Splicer{
		window:  window,
		logger:  logger,
		tailSeq: -1,
	}
}

// WindowFrames is the number of frames kept for a given sample rate
func WindowFrames(window time.Duration, sampleRate int) int {
	return int(math.Round(float64(window.Milliseconds()) / 1000 * float64(sampleRate)))
}

// Process returns the chunk to dispatch and remembers its tail for the next one.
// A failed splice is never fatal: the raw chunk goes out unmarked.
func (s *Splicer) Process(chunk entities.AudioChunk) entities.AudioChunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	if chunk.Sequence == 0 {
		s.tail = nil
		s.tailSeq = -1
	}

	raw, decodeErr := audio.DecodeWAV(chunk.Data)
	out := chunk
	out.HasOverlap = false

	if s.tail != nil && s.window > 0 {
		if decodeErr != nil {
			s.logger.Warn("Overlap splice skipped, chunk could not be decoded",
				zap.String("sessionID", chunk.SessionID),
				zap.Int("sequence", chunk.Sequence),
				zap.Error(decodeErr))
		} else if spliced, err := s.splice(chunk, raw); err != nil {
			s.logger.Warn("Overlap splice failed, dispatching raw chunk",
				zap.String("sessionID", chunk.SessionID),
				zap.Int("sequence", chunk.Sequence),
				zap.Error(err))
		} else {
			out = spliced
		}
	}

	// The next window always comes from the raw audio, never the spliced output.
	if decodeErr != nil || s.window <= 0 {
		s.tail = nil
		s.tailSeq = -1
	} else {
		s.tail = audio.Tail(raw, WindowFrames(s.window, raw.Format.SampleRate))
		s.tailSeq = chunk.Sequence
	}

	return out
}

func (s *Splicer) splice(chunk entities.AudioChunk, raw *goaudio.IntBuffer) (entities.AudioChunk, error) {
	joined, err := audio.Concat(s.tail, raw)
	if err != nil {
		return chunk, err
	}
	data, err := audio.EncodeWAV(joined)
	if err != nil {
		return chunk, err
	}

	out := chunk
	out.Data = data
	out.Duration = chunk.Duration + audio.Duration(s.tail)
	out.HasOverlap = true

	s.logger.Debug("Applied overlap",
		zap.String("sessionID", chunk.SessionID),
		zap.Int("sequence", chunk.Sequence),
		zap.Int("fromSequence", s.tailSeq),
		zap.Int("overlapFrames", audio.Frames(s.tail)))

	return out, nil
}

// Reset forgets the stored window
func (s *Splicer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tail = nil
	s.tailSeq = -1
}
