package sqlite

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/tabscribe/domain/entities"
)

func openTestRepo(t *testing.T) *TranscriptRepository {
	t.Helper()
	repo, err := Open(":memory:", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to open archive: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleRecord(title string, savedAt time.Time) entities.TranscriptRecord {
	start := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	session := entities.NewSession(entities.Source{Kind: entities.SourceKindTab, TabID: 12, Title: title, Method: "tab"}, start)
	session.AppendSegment(entities.Segment{
		ChunkID: "chunk-1", Sequence: 1, Text: "second", Timestamp: start.Add(70 * time.Second),
		Provider: entities.ProviderPrimaryCloud, Confidence: 0.9, HasOverlap: true, Duration: 33 * time.Second,
	})
	session.AppendSegment(entities.Segment{
		ChunkID: "chunk-0", Sequence: 0, Text: "first", Timestamp: start.Add(75 * time.Second),
		Provider: entities.ProviderProxyWhisper, Confidence: 0.85, Duration: 30 * time.Second, Language: "english",
	})
	session.End(start.Add(2 * time.Minute))
	return entities.NewTranscriptRecord(session, savedAt)
}

func TestSaveAndGet(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	record := sampleRecord("Planning", time.Now())

	if err := repo.Save(ctx, record); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	got, err := repo.GetBySessionID(ctx, record.SessionID)
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if got == nil {
		t.Fatal("Expected archived transcript")
	}

	if got.Source != record.Source {
		t.Errorf("Expected source %+v, got %+v", record.Source, got.Source)
	}
	if !got.StartedAt.Equal(record.StartedAt) || got.EndedAt == nil || !got.EndedAt.Equal(*record.EndedAt) {
		t.Errorf("Unexpected times %v - %v", got.StartedAt, got.EndedAt)
	}
	if len(got.Segments) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(got.Segments))
	}

	// arrival order is kept
	first := got.Segments[0]
	if first.ChunkID != "chunk-1" || !first.HasOverlap || first.Duration != 33*time.Second {
		t.Errorf("Unexpected first segment %+v", first)
	}
	if got.Segments[1].Language != "english" || got.Segments[1].Provider != entities.ProviderProxyWhisper {
		t.Errorf("Unexpected second segment %+v", got.Segments[1])
	}
	if got.Segments[1].SessionID != record.SessionID {
		t.Error("Expected segments to carry the session ID")
	}
}

func TestSaveReplaces(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	record := sampleRecord("Planning", time.Now())
	repo.Save(ctx, record)

	record.Segments = record.Segments[:1]
	record.Source.Title = "Renamed"
	if err := repo.Save(ctx, record); err != nil {
		t.Fatalf("Failed to save again: %v", err)
	}

	got, _ := repo.GetBySessionID(ctx, record.SessionID)
	if len(got.Segments) != 1 || got.Source.Title != "Renamed" {
		t.Errorf("Expected replaced transcript, got %d segments titled %q", len(got.Segments), got.Source.Title)
	}
}

func TestGetMissing(t *testing.T) {
	repo := openTestRepo(t)
	got, err := repo.GetBySessionID(context.Background(), "nope")
	if err != nil || got != nil {
		t.Errorf("Expected nil without error, got %v, %v", got, err)
	}
}

func TestListRecent(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Now()

	for i, title := range []string{"oldest", "middle", "newest"} {
		if err := repo.Save(ctx, sampleRecord(title, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Failed to save: %v", err)
		}
	}

	records, err := repo.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Source.Title != "newest" || records[1].Source.Title != "middle" {
		t.Errorf("Expected newest first, got %s, %s", records[0].Source.Title, records[1].Source.Title)
	}
	if len(records[0].Segments) != 2 {
		t.Errorf("Expected segments to be loaded, got %d", len(records[0].Segments))
	}
}
