package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/domain/repositories"
)

type TranscriptRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewTranscriptRepository creates a MongoDB transcript archive
func NewTranscriptRepository(db *mongo.Database, logger *zap.Logger) repositories.TranscriptRepository {
	collection := db.Collection("transcripts")

	// Create indexes for better performance
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "session_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "saved_at", Value: -1}},
			},
		})
		if err != nil {
			logger.Error("Failed to create transcript indexes", zap.Error(err))
		}
	}()

	return &TranscriptRepository{
		collection: collection,
		logger:     logger,
	}
}

// Save implements repositories.TranscriptRepository; saving a session again replaces it
func (r *TranscriptRepository) Save(ctx context.Context, record entities.TranscriptRecord) error {
	if record.SessionID == "" {
		return errors.New("session ID cannot be empty")
	}
	if record.SavedAt.IsZero() {
		record.SavedAt = time.Now()
	}

	_, err := r.collection.ReplaceOne(ctx,
		bson.M{"session_id": record.SessionID},
		record,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}

	r.logger.Info("Transcript archived",
		zap.String("sessionID", record.SessionID),
		zap.Int("segments", len(record.Segments)))
	return nil
}

// GetBySessionID implements repositories.TranscriptRepository
func (r *TranscriptRepository) GetBySessionID(ctx context.Context, sessionID string) (*entities.TranscriptRecord, error) {
	if sessionID == "" {
		return nil, errors.New("session ID cannot be empty")
	}

	var record entities.TranscriptRecord
	err := r.collection.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transcript for session %s: %w", sessionID, err)
	}

	return &record, nil
}

// ListRecent implements repositories.TranscriptRepository
func (r *TranscriptRepository) ListRecent(ctx context.Context, limit int) ([]entities.TranscriptRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "saved_at", Value: -1}}). // Most recent first
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	defer cursor.Close(ctx)

	records := make([]entities.TranscriptRecord, 0)
	for cursor.Next(ctx) {
		var record entities.TranscriptRecord
		if err := cursor.Decode(&record); err != nil {
			r.logger.Error("Failed to decode transcript", zap.Error(err))
			continue
		}
		records = append(records, record)
	}

	return records, cursor.Err()
}
