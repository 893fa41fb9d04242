package entities

import (
	"fmt"
	"time"
)

// Provider identifies what produced a transcript segment
type Provider string

const (
	ProviderPrimaryCloud      Provider = "primary-cloud"
	ProviderProxyWhisper      Provider = "proxy-whisper"
	ProviderInBrowserSpeech   Provider = "in-browser-speech"
	ProviderFallbackAnalysis  Provider = "fallback-analysis"
	ProviderQueuedPlaceholder Provider = "queued-placeholder"
)

// Confidence is the fixed heuristic score attached to segments of a provider
func (p Provider) Confidence() float64 {
	switch p {
	case ProviderPrimaryCloud:
		return 0.9
	case ProviderProxyWhisper:
		return 0.85
	case ProviderInBrowserSpeech:
		return 0.7
	case ProviderFallbackAnalysis:
		return 0.3
	case ProviderQueuedPlaceholder:
		return 0.1
	}
	return 0
}

// AudioChunk is one fixed-duration unit of captured audio.
// Values are never mutated after creation; splicing produces a new chunk.
type AudioChunk struct {
	SessionID  string        `json:"session_id"`
	Sequence   int           `json:"sequence"`
	CapturedAt time.Time     `json:"captured_at"`
	Duration   time.Duration `json:"duration"`
	Data       []byte        `json:"-"`
	MimeType   string        `json:"mime_type"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	HasOverlap bool          `json:"has_overlap"`
	Source     string        `json:"source,omitempty"`
}

// ID returns the chunk identifier used for retry bookkeeping. Sequences
// restart with every session, so the session is part of the key.
func (c AudioChunk) ID() string {
	return ChunkID(c.SessionID, c.Sequence)
}

// Size returns the encoded size in bytes
func (c AudioChunk) Size() int {
	return len(c.Data)
}

// ChunkID formats the identifier of chunk seq of a session
func ChunkID(sessionID string, seq int) string {
	if sessionID == "" {
		return fmt.Sprintf("chunk-%d", seq)
	}
	return fmt.Sprintf("%s-chunk-%d", sessionID, seq)
}

// QueueItem is a deferred chunk waiting in the offline queue
type QueueItem struct {
	Chunk      AudioChunk `json:"chunk"`
	RetryCount int        `json:"retry_count"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// Segment is the transcription result for one chunk
type Segment struct {
	ChunkID    string        `json:"chunk_id" bson:"chunk_id"`
	Sequence   int           `json:"sequence" bson:"sequence"`
	SessionID  string        `json:"session_id" bson:"session_id"`
	Text       string        `json:"text" bson:"text"`
	Timestamp  time.Time     `json:"timestamp" bson:"timestamp"`
	Provider   Provider      `json:"provider" bson:"provider"`
	Confidence float64       `json:"confidence" bson:"confidence"`
	HasOverlap bool          `json:"has_overlap" bson:"has_overlap"`
	Duration   time.Duration `json:"duration" bson:"duration"`
	Language   string        `json:"language,omitempty" bson:"language,omitempty"`
}

// NewSegment builds a segment for a chunk with the provider's fixed confidence
func NewSegment(chunk AudioChunk, provider Provider, text string, at time.Time) Segment {
	return Segment{
		ChunkID:    chunk.ID(),
		Sequence:   chunk.Sequence,
		SessionID:  chunk.SessionID,
		Text:       text,
		Timestamp:  at,
		Provider:   provider,
		Confidence: provider.Confidence(),
		HasOverlap: chunk.HasOverlap,
		Duration:   chunk.Duration,
	}
}

// AudioSource is one capturable source advertised by a capture agent
type AudioSource struct {
	ID      string     `json:"id"`
	AgentID string     `json:"agent_id,omitempty"`
	Kind    SourceKind `json:"kind" validate:"required,oneof=tab display microphone"`
	TabID   int        `json:"tab_id,omitempty"`
	Title   string     `json:"title,omitempty"`
	URL     string     `json:"url,omitempty"`
	Audible bool       `json:"audible"`
}

// TranscriptRecord is the archived copy of a finished session transcript
type TranscriptRecord struct {
	SessionID string     `json:"session_id" bson:"session_id"`
	Source    Source     `json:"source" bson:"source"`
	StartedAt time.Time  `json:"started_at" bson:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
	Segments  []Segment  `json:"segments" bson:"segments"`
	SavedAt   time.Time  `json:"saved_at" bson:"saved_at"`
}

// NewTranscriptRecord snapshots a session for archiving
func NewTranscriptRecord(s *Session, now time.Time) TranscriptRecord {
	segs := make([]Segment, len(s.Segments))
	copy(segs, s.Segments)
	return TranscriptRecord{
		SessionID: s.ID,
		Source:    s.Source,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
		Segments:  segs,
		SavedAt:   now,
	}
}
