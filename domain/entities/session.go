package entities

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the status of a recording session
type SessionStatus string

const (
	SessionStatusStarting  SessionStatus = "starting"
	SessionStatusRecording SessionStatus = "recording"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusStopping  SessionStatus = "stopping"
	SessionStatusStopped   SessionStatus = "stopped"
	SessionStatusError     SessionStatus = "error"
)

// SourceKind describes where captured audio came from
type SourceKind string

const (
	SourceKindTab        SourceKind = "tab"
	SourceKindDisplay    SourceKind = "display"
	SourceKindMicrophone SourceKind = "microphone"
)

// Source describes the captured audio source of a session
type Source struct {
	Kind   SourceKind `json:"kind" bson:"kind"`
	TabID  int        `json:"tab_id,omitempty" bson:"tab_id,omitempty"`
	Title  string     `json:"title,omitempty" bson:"title,omitempty"`
	Method string     `json:"method,omitempty" bson:"method,omitempty"`
}

// Describe returns a short human readable label for the source
func (s Source) Describe() string {
	switch {
	case s.Kind == SourceKindMicrophone:
		return "microphone"
	case s.Title != "":
		return s.Title
	case s.Kind == SourceKindDisplay:
		return "display"
	default:
		return "tab"
	}
}

// Session represents one recording episode
type Session struct {
	ID        string        `json:"id" bson:"session_id"`
	StartedAt time.Time     `json:"started_at" bson:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
	Source    Source        `json:"source" bson:"source"`
	Status    SessionStatus `json:"status" bson:"status"`
	Segments  []Segment     `json:"segments" bson:"segments"`
}

// NewSession creates a session in the starting state
func NewSession(source Source, now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartedAt: now,
		Source:    source,
		Status:    SessionStatusStarting,
		Segments:  make([]Segment, 0),
	}
}

// IsActive reports whether the session still accepts control operations
func (s *Session) IsActive() bool {
	switch s.Status {
	case SessionStatusStarting, SessionStatusRecording, SessionStatusPaused:
		return true
	}
	return false
}

// AppendSegment records a segment in completion order
func (s *Session) AppendSegment(seg Segment) {
	s.Segments = append(s.Segments, seg)
}

// SortedSegments returns a copy of the segments ordered by chunk sequence.
// Segments sharing a sequence keep their arrival order.
func (s *Session) SortedSegments() []Segment {
	out := make([]Segment, len(s.Segments))
	copy(out, s.Segments)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// ClearSegments drops all transcript segments
func (s *Session) ClearSegments() {
	s.Segments = make([]Segment, 0)
}

// End marks the session stopped
func (s *Session) End(now time.Time) {
	s.Status = SessionStatusStopped
	s.EndedAt = &now
}

// Fail marks the session as errored
func (s *Session) Fail(now time.Time) {
	s.Status = SessionStatusError
	s.EndedAt = &now
}

// Duration returns the elapsed session time up to now or the end time
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// Validate validates the session data
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}

	switch s.Status {
	case SessionStatusStarting, SessionStatusRecording, SessionStatusPaused,
		SessionStatusStopping, SessionStatusStopped, SessionStatusError:
	default:
		return errors.New("invalid session status")
	}

	if s.EndedAt != nil && s.EndedAt.Before(s.StartedAt) {
		return errors.New("ended_at must not precede started_at")
	}

	return nil
}
