package usecase

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/domain/entities"
)

const (
	ExportFormatJSON = "json"
	ExportFormatTxt  = "txt"
)

type exportedSession struct {
	SessionID   string          `json:"session_id"`
	Source      entities.Source `json:"source"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     time.Time       `json:"end_time"`
	DurationMs  int64           `json:"duration_ms"`
	TotalChunks int             `json:"total_chunks"`
}

type exportedSegment struct {
	ID            string            `json:"id"`
	Sequence      int               `json:"sequence"`
	Text          string            `json:"text"`
	Timestamp     time.Time         `json:"timestamp"`
	Provider      entities.Provider `json:"provider"`
	Confidence    float64           `json:"confidence"`
	FormattedTime string            `json:"formatted_time"`
}

type exportedTranscript struct {
	Session        exportedSession   `json:"session"`
	Transcriptions []exportedSegment `json:"transcriptions"`
}

// Export renders the transcript of the current or last session in arrival
// order. An empty format means json.
func (s *RecordingService) Export(format string) (domain.TranscriptExportData, error) {
	if format == "" {
		format = ExportFormatJSON
	}
	if format != ExportFormatJSON && format != ExportFormatTxt {
		return domain.TranscriptExportData{}, fmt.Errorf("unsupported export format %q", format)
	}

	now := s.clock.Now()
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return domain.TranscriptExportData{}, domain.ErrNoSession
	}
	session := s.session
	segments := make([]entities.Segment, len(session.Segments))
	copy(segments, session.Segments)
	end := now
	if session.EndedAt != nil {
		end = *session.EndedAt
	}
	meta := exportedSession{
		SessionID:   session.ID,
		Source:      session.Source,
		StartTime:   session.StartedAt,
		EndTime:     end,
		DurationMs:  end.Sub(session.StartedAt).Milliseconds(),
		TotalChunks: len(segments),
	}
	s.mu.Unlock()

	out := domain.TranscriptExportData{
		Format:   format,
		Filename: fmt.Sprintf("transcript-%s.%s", now.Format("2006-01-02"), format),
	}

	if format == ExportFormatTxt {
		out.Content = FormatText(segments)
		return out, nil
	}

	doc := exportedTranscript{Session: meta, Transcriptions: make([]exportedSegment, len(segments))}
	for i, seg := range segments {
		doc.Transcriptions[i] = exportedSegment{
			ID:            seg.ChunkID,
			Sequence:      seg.Sequence,
			Text:          seg.Text,
			Timestamp:     seg.Timestamp,
			Provider:      seg.Provider,
			Confidence:    seg.Confidence,
			FormattedTime: seg.Timestamp.Format("15:04:05"),
		}
	}
	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return domain.TranscriptExportData{}, fmt.Errorf("failed to encode transcript: %w", err)
	}
	out.Content = string(content)
	return out, nil
}

// FormatText renders one "[15:04:05] text" line per segment
func FormatText(segments []entities.Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		fmt.Fprintf(&b, "[%s] %s\n", seg.Timestamp.Format("15:04:05"), seg.Text)
	}
	return b.String()
}
