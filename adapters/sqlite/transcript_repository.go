package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/domain/repositories"
)

const schema = `
CREATE TABLE IF NOT EXISTS transcripts (
	session_id  TEXT PRIMARY KEY,
	source_kind TEXT NOT NULL,
	tab_id      INTEGER NOT NULL DEFAULT 0,
	title       TEXT NOT NULL DEFAULT '',
	method      TEXT NOT NULL DEFAULT '',
	started_at  REAL NOT NULL,
	ended_at    REAL,
	saved_at    REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS transcripts_saved_at ON transcripts(saved_at DESC);
CREATE TABLE IF NOT EXISTS segments (
	session_id  TEXT NOT NULL REFERENCES transcripts(session_id) ON DELETE CASCADE,
	position    INTEGER NOT NULL,
	chunk_id    TEXT NOT NULL,
	sequence    INTEGER NOT NULL,
	text        TEXT NOT NULL,
	timestamp   REAL NOT NULL,
	provider    TEXT NOT NULL,
	confidence  REAL NOT NULL,
	has_overlap INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	language    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, position)
);`

// TranscriptRepository archives transcripts in a local SQLite file
type TranscriptRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ repositories.TranscriptRepository = (*TranscriptRepository)(nil)

// Open opens (or creates) the archive at path; ":memory:" keeps it in memory
func Open(path string, logger *zap.Logger) (*TranscriptRepository, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Info("Transcript archive opened", zap.String("path", path))
	return &TranscriptRepository{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (r *TranscriptRepository) Close() error {
	return r.db.Close()
}

// Save stores record, replacing an earlier copy of the same session
func (r *TranscriptRepository) Save(ctx context.Context, record entities.TranscriptRecord) error {
	if record.SessionID == "" {
		return errors.New("session ID cannot be empty")
	}
	if record.SavedAt.IsZero() {
		record.SavedAt = time.Now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var endedAt sql.NullFloat64
	if record.EndedAt != nil {
		endedAt = sql.NullFloat64{Float64: unixFromTime(*record.EndedAt), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE session_id = ?`, record.SessionID); err != nil {
		return fmt.Errorf("clear segments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO transcripts (session_id, source_kind, tab_id, title, method, started_at, ended_at, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, record.SessionID, string(record.Source.Kind), record.Source.TabID, record.Source.Title, record.Source.Method,
		unixFromTime(record.StartedAt), endedAt, unixFromTime(record.SavedAt)); err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO segments (session_id, position, chunk_id, sequence, text, timestamp, provider, confidence, has_overlap, duration_ms, language)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare segment insert: %w", err)
	}
	defer stmt.Close()

	for i, s := range record.Segments {
		if _, err := stmt.ExecContext(ctx, record.SessionID, i, s.ChunkID, s.Sequence, s.Text,
			unixFromTime(s.Timestamp), string(s.Provider), s.Confidence, s.HasOverlap,
			s.Duration.Milliseconds(), s.Language); err != nil {
			return fmt.Errorf("insert segment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transcript: %w", err)
	}

	r.logger.Info("Transcript archived",
		zap.String("sessionID", record.SessionID),
		zap.Int("segments", len(record.Segments)))
	return nil
}

// GetBySessionID returns the archived transcript, or nil if there is none
func (r *TranscriptRepository) GetBySessionID(ctx context.Context, sessionID string) (*entities.TranscriptRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT session_id, source_kind, tab_id, title, method, started_at, ended_at, saved_at
		FROM transcripts
		WHERE session_id = ?
	`, sessionID)

	record, err := scanTranscript(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if record.Segments, err = r.segments(ctx, sessionID); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListRecent returns the most recently saved transcripts, newest first
func (r *TranscriptRepository) ListRecent(ctx context.Context, limit int) ([]entities.TranscriptRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, source_kind, tab_id, title, method, started_at, ended_at, saved_at
		FROM transcripts
		ORDER BY saved_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}

	records := make([]entities.TranscriptRecord, 0)
	for rows.Next() {
		record, err := scanTranscript(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// segments are loaded after the cursor is closed; the pool has one connection
	for i := range records {
		if records[i].Segments, err = r.segments(ctx, records[i].SessionID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (r *TranscriptRepository) segments(ctx context.Context, sessionID string) ([]entities.Segment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT chunk_id, sequence, text, timestamp, provider, confidence, has_overlap, duration_ms, language
		FROM segments
		WHERE session_id = ?
		ORDER BY position ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	segments := make([]entities.Segment, 0)
	for rows.Next() {
		var s entities.Segment
		var timestamp float64
		var provider string
		var durationMs int64
		if err := rows.Scan(&s.ChunkID, &s.Sequence, &s.Text, &timestamp, &provider,
			&s.Confidence, &s.HasOverlap, &durationMs, &s.Language); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		s.SessionID = sessionID
		s.Timestamp = timeFromUnix(timestamp)
		s.Provider = entities.Provider(provider)
		s.Duration = time.Duration(durationMs) * time.Millisecond
		segments = append(segments, s)
	}
	return segments, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTranscript(row scanner) (entities.TranscriptRecord, error) {
	var record entities.TranscriptRecord
	var kind string
	var startedAt, savedAt float64
	var endedAt sql.NullFloat64

	if err := row.Scan(&record.SessionID, &kind, &record.Source.TabID, &record.Source.Title,
		&record.Source.Method, &startedAt, &endedAt, &savedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record, err
		}
		return record, fmt.Errorf("scan transcript: %w", err)
	}

	record.Source.Kind = entities.SourceKind(kind)
	record.StartedAt = timeFromUnix(startedAt)
	record.SavedAt = timeFromUnix(savedAt)
	if endedAt.Valid {
		t := timeFromUnix(endedAt.Float64)
		record.EndedAt = &t
	}
	return record, nil
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// timeFromUnix converts seconds since the epoch with a fractional part
func timeFromUnix(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*1e3)
}
