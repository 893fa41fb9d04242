package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/domain/repositories"
	"github.com/satriahrh/tabscribe/internal/capture"
	"github.com/satriahrh/tabscribe/internal/overlap"
	"github.com/satriahrh/tabscribe/internal/retry"
	"github.com/satriahrh/tabscribe/internal/saga"
)

// Broadcaster delivers a message to every display surface
type Broadcaster interface {
	Broadcast(msg domain.Message)
}

// CaptureResolver obtains the audio stream for a start request
type CaptureResolver interface {
	Resolve(ctx context.Context, target capture.Target) (capture.Stream, entities.Source, error)
}

// ChunkDispatcher transcribes live chunks through the provider chain
type ChunkDispatcher interface {
	Dispatch(ctx context.Context, chunk entities.AudioChunk) (entities.Segment, error)
	SetProvider(t repositories.Transcriber)
	Ready() map[string]bool
}

// OfflineQueue holds chunks that wait for connectivity
type OfflineQueue interface {
	Trigger()
	Clear()
	Status() domain.QueueStatus
}

// ConnectivityMonitor owns the online flag
type ConnectivityMonitor interface {
	Online() bool
	Set(online bool, reason string) bool
	Subscribe(fn func(online bool))
}

// ResultRelay routes in-browser recognizer answers back to waiting requests
type ResultRelay interface {
	HandleResult(agentID string, data domain.TranscribeResultData)
	FailAgent(agentID string)
}

// ProxySettings switches the proxy transcription method at runtime
type ProxySettings interface {
	SetMethod(method, prompt string) error
	Method() (string, string)
}

// TranscriberFactory builds the primary cloud transcriber for a new key
type TranscriberFactory func(ctx context.Context, apiKey string) (repositories.Transcriber, error)

// CredentialStore persists the primary cloud key
type CredentialStore func(apiKey string) error

// RecordingConfig tunes the session coordinator
type RecordingConfig struct {
	Format            capture.Format
	Continuous        bool
	CaptureRetryDelay time.Duration
	ArchiveTimeout    time.Duration
}

// Dependencies are the collaborators of RecordingService. Archive, Relay,
// Proxy, NewPrimary and SaveCredential are optional.
type Dependencies struct {
	Resolver     CaptureResolver
	Recorder     *capture.Recorder
	Splicer      *overlap.Splicer
	Dispatcher   ChunkDispatcher
	Registry     *capture.Registry
	Connectivity ConnectivityMonitor
	Sagas        *saga.Manager

	Archive        repositories.TranscriptRepository
	Relay          ResultRelay
	Proxy          ProxySettings
	NewPrimary     TranscriberFactory
	SaveCredential CredentialStore

	Clock clock.Clock
}

// RecordingService owns the single active session and wires capture,
// splicing, dispatch and the offline queue together
type RecordingService struct {
	cfg    RecordingConfig
	deps   Dependencies
	clock  clock.Clock
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	session     *entities.Session
	continuous  bool
	queue       OfflineQueue
	broadcaster Broadcaster

	archiveMu sync.Mutex
	inflight  sync.WaitGroup
}

// NewRecordingService creates the coordinator. Call SetQueue and
// SetBroadcaster once those exist.
func NewRecordingService(cfg RecordingConfig, deps Dependencies, logger *zap.Logger) *RecordingService {
	if cfg.CaptureRetryDelay <= 0 {
		cfg.CaptureRetryDelay = time.Second
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 10 * time.Second
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	if deps.Sagas == nil {
		deps.Sagas = saga.NewManager(clk, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RecordingService{
		cfg:    cfg,
		deps:   deps,
		clock:  clk,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if deps.Registry != nil {
		deps.Registry.OnSourcesChanged(func(sources []entities.AudioSource) {
			s.broadcast(domain.NewMessage(domain.MessageTypeAudioSourcesUpdate, domain.AudioSourceUpdateData{Sources: sources}))
		})
	}
	if deps.Connectivity != nil {
		deps.Connectivity.Subscribe(s.onConnectivityChanged)
	}
	return s
}

// SetQueue attaches the offline queue
func (s *RecordingService) SetQueue(q OfflineQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = q
}

// SetBroadcaster attaches the display fan-out
func (s *RecordingService) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcaster = b
}

// Close cancels in-flight dispatches and waits for them to finish
func (s *RecordingService) Close() {
	s.cancel()
	s.inflight.Wait()
}

// WaitIdle blocks until every in-flight dispatch and archive write is done
func (s *RecordingService) WaitIdle() {
	s.inflight.Wait()
}

// StartRecording resolves a capture source and starts chunk emission
func (s *RecordingService) StartRecording(ctx context.Context, req domain.StartRecordingData) (*domain.SessionInfo, error) {
	s.mu.Lock()
	if s.session != nil && s.session.IsActive() {
		s.mu.Unlock()
		return nil, domain.ErrSessionActive
	}
	session := entities.NewSession(entities.Source{Kind: entities.SourceKindTab, TabID: req.TabID, Title: req.Title}, s.clock.Now())
	s.session = session
	continuous := s.cfg.Continuous
	if req.Continuous != nil {
		continuous = *req.Continuous
	}
	s.continuous = continuous
	s.mu.Unlock()

	target := capture.Target{TabID: req.TabID, Title: req.Title, Format: s.cfg.Format}
	def := saga.Definition{
		Name: "start_recording",
		Steps: []saga.Step{
			saga.StepFunc{
				Name: "resolve_capture",
				Do: func(ctx context.Context, data saga.SagaData) error {
					stream, source, err := s.resolve(ctx, target)
					if err != nil {
						return err
					}
					data["stream"] = stream
					data["source"] = source
					return nil
				},
				Undo: func(ctx context.Context, data saga.SagaData) error {
					if stream, ok := data["stream"].(capture.Stream); ok {
						return stream.Close()
					}
					return nil
				},
			},
			saga.StepFunc{
				Name: "start_recorder",
				Do: func(ctx context.Context, data saga.SagaData) error {
					stream := data["stream"].(capture.Stream)
					source := data["source"].(entities.Source)

					s.deps.Splicer.Reset()
					if err := s.deps.Recorder.SetContinuous(continuous); err != nil {
						return err
					}
					return s.deps.Recorder.Start(stream, session.ID, source.Describe(),
						s.chunkHandler(session.ID, continuous), s.captureErrorHandler(session.ID))
				},
				Undo: func(ctx context.Context, data saga.SagaData) error {
					return s.deps.Recorder.Stop()
				},
			},
			saga.StepFunc{
				Name: "activate_session",
				Do: func(ctx context.Context, data saga.SagaData) error {
					s.mu.Lock()
					defer s.mu.Unlock()
					if s.session != session {
						return fmt.Errorf("%w: session replaced during start", domain.ErrInvalidState)
					}
					session.Source = data["source"].(entities.Source)
					session.Status = entities.SessionStatusRecording
					return nil
				},
			},
		},
	}

	if _, err := s.deps.Sagas.Run(ctx, def, saga.SagaData{}); err != nil {
		s.mu.Lock()
		if s.session == session {
			s.session = nil
		}
		s.mu.Unlock()

		s.logger.Error("Failed to start recording", zap.String("sessionID", session.ID), zap.Error(err))
		return nil, err
	}

	info := s.SessionInfo()
	s.logger.Info("Recording started",
		zap.String("sessionID", session.ID),
		zap.String("source", session.Source.Describe()),
		zap.String("method", session.Source.Method),
		zap.Bool("continuous", continuous))
	s.broadcast(domain.NewMessage(domain.MessageTypeRecordingStarted, info))
	return &info, nil
}

// resolve tries the capture methods, and once more after a short delay
func (s *RecordingService) resolve(ctx context.Context, target capture.Target) (capture.Stream, entities.Source, error) {
	policy := retry.Policy{
		MaxAttempts: 2,
		BaseDelay:   s.cfg.CaptureRetryDelay,
		Clock:       s.clock,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			s.logger.Warn("Audio capture failed, retrying",
				zap.Int("tabID", target.TabID),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	}

	var (
		stream capture.Stream
		source entities.Source
	)
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		stream, source, err = s.deps.Resolver.Resolve(ctx, target)
		return err
	})
	return stream, source, err
}

// PauseRecording stops accepting audio until resumed
func (s *RecordingService) PauseRecording() (*domain.SessionInfo, error) {
	s.mu.Lock()
	session := s.session
	if session == nil || !session.IsActive() {
		s.mu.Unlock()
		return nil, domain.ErrNoSession
	}
	if session.Status != entities.SessionStatusRecording {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session is %s", domain.ErrInvalidState, session.Status)
	}
	if err := s.deps.Recorder.Pause(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	session.Status = entities.SessionStatusPaused
	info := s.infoLocked(session, s.clock.Now())
	s.mu.Unlock()

	s.logger.Info("Recording paused", zap.String("sessionID", session.ID))
	s.broadcast(domain.NewMessage(domain.MessageTypeRecordingPaused, info))
	return &info, nil
}

// ResumeRecording continues a paused session
func (s *RecordingService) ResumeRecording() (*domain.SessionInfo, error) {
	s.mu.Lock()
	session := s.session
	if session == nil || !session.IsActive() {
		s.mu.Unlock()
		return nil, domain.ErrNoSession
	}
	if session.Status != entities.SessionStatusPaused {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session is %s", domain.ErrInvalidState, session.Status)
	}
	if err := s.deps.Recorder.Resume(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	session.Status = entities.SessionStatusRecording
	info := s.infoLocked(session, s.clock.Now())
	s.mu.Unlock()

	s.logger.Info("Recording resumed", zap.String("sessionID", session.ID))
	s.broadcast(domain.NewMessage(domain.MessageTypeRecordingResumed, info))
	return &info, nil
}

// StopRecording stops chunk emission, requests a final queue pass and ends
// the session. In-flight dispatches and the queue pass still deliver their
// segments afterwards.
func (s *RecordingService) StopRecording(ctx context.Context) (*domain.SessionInfo, error) {
	s.mu.Lock()
	session := s.session
	if session == nil || !session.IsActive() {
		s.mu.Unlock()
		return nil, domain.ErrNoSession
	}
	session.Status = entities.SessionStatusStopping
	q := s.queue
	s.mu.Unlock()

	if err := s.deps.Recorder.Stop(); err != nil {
		s.logger.Warn("Failed to stop recorder", zap.String("sessionID", session.ID), zap.Error(err))
	}

	if q != nil && s.online() {
		q.Trigger()
	}

	info := s.finishSession(session, nil)
	return &info, nil
}

// finishSession marks session ended or failed, notifies the panels and
// archives the transcript
func (s *RecordingService) finishSession(session *entities.Session, cause error) domain.SessionInfo {
	now := s.clock.Now()
	s.mu.Lock()
	if cause != nil {
		session.Fail(now)
	} else {
		session.End(now)
	}
	info := s.infoLocked(session, now)
	s.mu.Unlock()

	if cause != nil {
		s.broadcast(domain.NewErrorMessage("Recording Failed", cause.Error()))
	}
	s.logger.Info("Recording stopped",
		zap.String("sessionID", session.ID),
		zap.Int("segments", info.SegmentCount),
		zap.Int64("durationMs", info.DurationMs),
		zap.Bool("failed", cause != nil))
	s.broadcast(domain.NewMessage(domain.MessageTypeRecordingStopped, info))

	s.archiveAsync(session)
	return info
}

func (s *RecordingService) chunkHandler(sessionID string, continuous bool) capture.ChunkHandler {
	return func(chunk entities.AudioChunk) {
		s.HandleChunk(chunk)
		if !continuous {
			go s.autoStop(sessionID)
		}
	}
}

// autoStop ends a single-chunk session once its chunk was emitted
func (s *RecordingService) autoStop(sessionID string) {
	s.mu.Lock()
	active := s.session != nil && s.session.ID == sessionID && s.session.IsActive()
	s.mu.Unlock()
	if !active {
		return
	}
	if _, err := s.StopRecording(s.ctx); err != nil && !errors.Is(err, domain.ErrNoSession) {
		s.logger.Warn("Failed to stop single-chunk session", zap.String("sessionID", sessionID), zap.Error(err))
	}
}

func (s *RecordingService) captureErrorHandler(sessionID string) capture.ErrorHandler {
	return func(err error) {
		s.mu.Lock()
		session := s.session
		if session == nil || session.ID != sessionID || !session.IsActive() {
			s.mu.Unlock()
			return
		}
		session.Status = entities.SessionStatusStopping
		s.mu.Unlock()

		s.logger.Error("Capture failed mid-session", zap.String("sessionID", sessionID), zap.Error(err))
		s.finishSession(session, err)
	}
}

// HandleChunk splices chunk with its predecessor and dispatches it. It is
// called in sequence order; dispatch runs concurrently so segments are
// delivered in completion order.
func (s *RecordingService) HandleChunk(chunk entities.AudioChunk) {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil || session.ID != chunk.SessionID {
		s.logger.Warn("Dropping chunk of an inactive session",
			zap.String("sessionID", chunk.SessionID),
			zap.Int("sequence", chunk.Sequence))
		return
	}

	spliced := s.deps.Splicer.Process(chunk)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		seg, err := s.deps.Dispatcher.Dispatch(s.ctx, spliced)
		if err != nil {
			s.logger.Error("Chunk could not be dispatched", zap.String("chunkID", spliced.ID()), zap.Error(err))
			s.broadcast(domain.NewMessage(domain.MessageTypeTranscriptionError, domain.TranscriptionErrorData{
				ChunkID: spliced.ID(),
				Title:   "Transcription Failed",
				Message: err.Error(),
			}))
			return
		}
		s.appendSegment(seg)
	}()
}

// appendSegment records seg on its session and broadcasts it. Segments of a
// session that already stopped are still recorded and re-archived.
func (s *RecordingService) appendSegment(seg entities.Segment) {
	s.mu.Lock()
	session := s.session
	stopped := false
	if session != nil && session.ID == seg.SessionID {
		session.AppendSegment(seg)
		stopped = !session.IsActive() && session.Status != entities.SessionStatusStopping
	}
	s.mu.Unlock()

	s.broadcast(domain.NewMessage(domain.MessageTypeTranscriptionUpdate, seg))
	if stopped {
		s.archiveAsync(session)
	}
}

// OnDelivered implements queue.Listener
func (s *RecordingService) OnDelivered(seg entities.Segment) {
	s.appendSegment(seg)
}

// OnDropped implements queue.Listener
func (s *RecordingService) OnDropped(chunk entities.AudioChunk, err error) {
	s.broadcast(domain.NewMessage(domain.MessageTypeTranscriptionError, domain.TranscriptionErrorData{
		ChunkID: chunk.ID(),
		Title:   "Transcription Failed",
		Message: err.Error(),
	}))
}

// OnQueueChanged implements queue.Listener
func (s *RecordingService) OnQueueChanged(status domain.QueueStatus) {
	s.broadcast(domain.NewMessage(domain.MessageTypeQueueStatusUpdate, status))
}

func (s *RecordingService) onConnectivityChanged(online bool) {
	s.broadcast(domain.NewMessage(domain.MessageTypeConnectivityChange, domain.ConnectivityData{Online: online}))
	if !online {
		return
	}
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q != nil {
		q.Trigger()
	}
}

// SetOnline feeds a connectivity report into the monitor
func (s *RecordingService) SetOnline(online bool, reason string) {
	if s.deps.Connectivity != nil {
		s.deps.Connectivity.Set(online, reason)
	}
}

func (s *RecordingService) online() bool {
	return s.deps.Connectivity == nil || s.deps.Connectivity.Online()
}

// ClearTranscript drops every segment, pending chunk and retry counter
func (s *RecordingService) ClearTranscript() {
	s.mu.Lock()
	if s.session != nil {
		s.session.ClearSegments()
	}
	q := s.queue
	s.mu.Unlock()

	if q != nil {
		q.Clear()
	}
	s.logger.Info("Transcript cleared")
	s.broadcast(domain.NewMessage(domain.MessageTypeTranscriptCleared, nil))
}

// SessionInfo returns the display view of the current or last session
func (s *RecordingService) SessionInfo() domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return domain.SessionInfo{}
	}
	return s.infoLocked(s.session, s.clock.Now())
}

// Segments returns the transcript in arrival order
func (s *RecordingService) Segments() []entities.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	out := make([]entities.Segment, len(s.session.Segments))
	copy(out, s.session.Segments)
	return out
}

func (s *RecordingService) infoLocked(session *entities.Session, now time.Time) domain.SessionInfo {
	started := session.StartedAt
	end := now
	if session.EndedAt != nil {
		end = *session.EndedAt
	}
	source := session.Source
	return domain.SessionInfo{
		SessionID:    session.ID,
		Status:       session.Status,
		Source:       &source,
		StartedAt:    &started,
		DurationMs:   end.Sub(started).Milliseconds(),
		SegmentCount: len(session.Segments),
	}
}

// Snapshot is the state a newly connected panel starts from
func (s *RecordingService) Snapshot() domain.Snapshot {
	s.mu.Lock()
	var info *domain.SessionInfo
	recording := false
	length := 0
	if s.session != nil {
		i := s.infoLocked(s.session, s.clock.Now())
		info = &i
		recording = s.session.IsActive()
		length = len(s.session.Segments)
	}
	q := s.queue
	s.mu.Unlock()

	snapshot := domain.Snapshot{
		IsRecording:      recording,
		Session:          info,
		AudioSources:     []entities.AudioSource{},
		IsOnline:         s.online(),
		ProvidersReady:   s.deps.Dispatcher.Ready(),
		TranscriptLength: length,
	}
	if s.deps.Registry != nil {
		snapshot.AudioSources = s.deps.Registry.Sources()
	}
	if q != nil {
		snapshot.QueueStatus = q.Status()
	}
	return snapshot
}

// SetAPIKey validates, persists and activates a new primary cloud key
func (s *RecordingService) SetAPIKey(ctx context.Context, apiKey string) error {
	if s.deps.NewPrimary == nil {
		return fmt.Errorf("%w: primary cloud provider cannot be configured", domain.ErrProviderUnavailable)
	}
	transcriber, err := s.deps.NewPrimary(ctx, apiKey)
	if err != nil {
		return err
	}
	if s.deps.SaveCredential != nil {
		if err := s.deps.SaveCredential(apiKey); err != nil {
			return err
		}
	}
	s.deps.Dispatcher.SetProvider(transcriber)
	s.logger.Info("Primary cloud credential updated")
	return nil
}

// UpdateSettings switches the proxy transcription method
func (s *RecordingService) UpdateSettings(settings domain.TranscriptionSettingsData) error {
	if s.deps.Proxy == nil {
		return fmt.Errorf("%w: no transcription proxy configured", domain.ErrProviderUnavailable)
	}
	if err := s.deps.Proxy.SetMethod(settings.Method, settings.CustomPrompt); err != nil {
		return err
	}
	s.logger.Info("Transcription settings updated", zap.String("method", settings.Method))
	s.broadcast(domain.NewMessage(domain.MessageTypeSettingsUpdated, settings))
	return nil
}

// Settings returns the active proxy method and custom prompt
func (s *RecordingService) Settings() (domain.TranscriptionSettingsData, bool) {
	if s.deps.Proxy == nil {
		return domain.TranscriptionSettingsData{}, false
	}
	method, prompt := s.deps.Proxy.Method()
	return domain.TranscriptionSettingsData{Method: method, CustomPrompt: prompt}, true
}

// archiveAsync stores the latest snapshot of session. Writes are serialized
// and each one snapshots under the lock, so the last write is the newest.
func (s *RecordingService) archiveAsync(session *entities.Session) {
	if s.deps.Archive == nil {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		s.archiveMu.Lock()
		defer s.archiveMu.Unlock()

		s.mu.Lock()
		record := entities.NewTranscriptRecord(session, s.clock.Now())
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ArchiveTimeout)
		defer cancel()
		if err := s.deps.Archive.Save(ctx, record); err != nil {
			s.logger.Error("Failed to archive transcript", zap.String("sessionID", record.SessionID), zap.Error(err))
			return
		}
		s.logger.Debug("Transcript archived", zap.String("sessionID", record.SessionID), zap.Int("segments", len(record.Segments)))
	}()
}

func (s *RecordingService) broadcast(msg domain.Message) {
	s.mu.Lock()
	b := s.broadcaster
	s.mu.Unlock()
	if b != nil {
		b.Broadcast(msg)
	}
}
