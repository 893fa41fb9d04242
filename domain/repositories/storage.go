package repositories

import (
	"context"

	"github.com/satriahrh/tabscribe/domain/entities"
)

// TranscriptRepository archives finished session transcripts
type TranscriptRepository interface {
	Save(ctx context.Context, record entities.TranscriptRecord) error
	// GetBySessionID returns nil without error when nothing was archived
	GetBySessionID(ctx context.Context, sessionID string) (*entities.TranscriptRecord, error)
	ListRecent(ctx context.Context, limit int) ([]entities.TranscriptRecord, error)
}
