package domain

import (
	"time"

	"github.com/satriahrh/tabscribe/domain/entities"
)

// MessageType is the discriminator of every cross-context message
type MessageType string

// Panel to server
const (
	MessageTypeStartRecording     MessageType = "start_recording"
	MessageTypePauseRecording     MessageType = "pause_recording"
	MessageTypeResumeRecording    MessageType = "resume_recording"
	MessageTypeStopRecording      MessageType = "stop_recording"
	MessageTypeGetSessionInfo     MessageType = "get_session_info"
	MessageTypeExportTranscript   MessageType = "export_transcript"
	MessageTypeClearTranscript    MessageType = "clear_transcript"
	MessageTypeGetAudioSources    MessageType = "get_audio_sources"
	MessageTypeSetAPIKey          MessageType = "set_api_key"
	MessageTypeUpdateSettings     MessageType = "update_transcription_settings"
	MessageTypeConnectivityChange MessageType = "connectivity_change"
	MessageTypeHeartbeat          MessageType = "heartbeat"
	MessageTypeHeartbeatAck       MessageType = "heartbeat_ack"
)

// Capture agent to server
const (
	MessageTypeAgentHello        MessageType = "agent_hello"
	MessageTypeAudioSourceUpdate MessageType = "audio_source_update"
	MessageTypeCaptureStarted    MessageType = "capture_started"
	MessageTypeCaptureError      MessageType = "capture_error"
	MessageTypeTranscribeResult  MessageType = "transcribe_result"
)

// Server to capture agent
const (
	MessageTypeCaptureStart      MessageType = "capture_start"
	MessageTypeCaptureStop       MessageType = "capture_stop"
	MessageTypeTranscribeRequest MessageType = "transcribe_request"
)

// Server to panel
const (
	MessageTypeConnectionEstablished MessageType = "connection_established"
	MessageTypeRecordingStarted      MessageType = "recording_started"
	MessageTypeRecordingPaused       MessageType = "recording_paused"
	MessageTypeRecordingResumed      MessageType = "recording_resumed"
	MessageTypeRecordingStopped      MessageType = "recording_stopped"
	MessageTypeSessionInfo           MessageType = "session_info"
	MessageTypeTranscriptionUpdate   MessageType = "transcription_update"
	MessageTypeTranscriptionError    MessageType = "transcription_error"
	MessageTypeQueueStatusUpdate     MessageType = "queue_status_update"
	MessageTypeAudioSourcesUpdate    MessageType = "audio_sources_update"
	MessageTypeTranscriptExport      MessageType = "transcript_export"
	MessageTypeTranscriptCleared     MessageType = "transcript_cleared"
	MessageTypeAPIKeyResponse        MessageType = "api_key_response"
	MessageTypeSettingsUpdated       MessageType = "settings_updated"
	MessageTypeError                 MessageType = "error"
)

// Message is an outbound envelope
type Message struct {
	Type MessageType `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// NewMessage builds an outbound message
func NewMessage(t MessageType, data interface{}) Message {
	return Message{Type: t, Data: data}
}

// ErrorData is the payload of every user-visible failure
type ErrorData struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// NewErrorMessage builds a typed error message
func NewErrorMessage(title, message string) Message {
	return NewMessage(MessageTypeError, ErrorData{Title: title, Message: message})
}

// StartRecordingData requests a new session for a tab
type StartRecordingData struct {
	TabID      int    `json:"tab_id" validate:"min=0"`
	Title      string `json:"title,omitempty"`
	Continuous *bool  `json:"continuous,omitempty"`
}

// ExportTranscriptData selects the export format
type ExportTranscriptData struct {
	Format string `json:"format" validate:"omitempty,oneof=json txt"`
}

// SetAPIKeyData updates the primary cloud credential
type SetAPIKeyData struct {
	APIKey string `json:"api_key" validate:"required,min=10"`
}

// TranscriptionSettingsData switches the proxy transcription method
type TranscriptionSettingsData struct {
	Method       string `json:"method" validate:"required,oneof=whisper prompt"`
	CustomPrompt string `json:"custom_prompt,omitempty" validate:"max=2000"`
}

// ConnectivityData reports the online state of a context
type ConnectivityData struct {
	Online bool `json:"online"`
}

// HeartbeatData carries the sender timestamp
type HeartbeatData struct {
	Timestamp int64 `json:"timestamp"`
}

// AgentHelloData announces a capture agent and what it can do
type AgentHelloData struct {
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities" validate:"dive,oneof=stream_id tab display speech"`
}

// AudioSourceUpdateData replaces the source list of an agent
type AudioSourceUpdateData struct {
	Sources []entities.AudioSource `json:"sources" validate:"dive"`
}

// CaptureStartData asks an agent to open a stream
type CaptureStartData struct {
	RequestID  string `json:"request_id"`
	Kind       string `json:"kind"`
	TabID      int    `json:"tab_id,omitempty"`
	StreamID   string `json:"stream_id,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// CaptureStopData asks an agent to release a stream
type CaptureStopData struct {
	RequestID string `json:"request_id"`
}

// CaptureStartedData acknowledges an opened stream
type CaptureStartedData struct {
	RequestID  string `json:"request_id" validate:"required"`
	SampleRate int    `json:"sample_rate" validate:"required,min=8000,max=192000"`
	Channels   int    `json:"channels" validate:"required,min=1,max=8"`
	Title      string `json:"title,omitempty"`
}

// CaptureErrorData reports a failed open or a dead stream
type CaptureErrorData struct {
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error" validate:"required"`
}

// TranscribeRequestData asks an agent to run its in-browser recognizer
type TranscribeRequestData struct {
	RequestID string `json:"request_id"`
	AudioData string `json:"audio_data"`
	MimeType  string `json:"mime_type"`
	Language  string `json:"language,omitempty"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// TranscribeResultData answers a transcribe request
type TranscribeResultData struct {
	RequestID string `json:"request_id" validate:"required"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
}

// QueueStatus summarizes the offline queue
type QueueStatus struct {
	Pending       int `json:"pending"`
	RetryAttempts int `json:"retry_attempts"`
	Capacity      int `json:"capacity"`
}

// SessionInfo is the display view of the active session
type SessionInfo struct {
	SessionID    string                 `json:"session_id,omitempty"`
	Status       entities.SessionStatus `json:"status,omitempty"`
	Source       *entities.Source       `json:"source,omitempty"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	DurationMs   int64                  `json:"duration_ms"`
	SegmentCount int                    `json:"segment_count"`
}

// Snapshot is the full state sent to a newly connected panel
type Snapshot struct {
	IsRecording      bool                   `json:"is_recording"`
	Session          *SessionInfo           `json:"session,omitempty"`
	AudioSources     []entities.AudioSource `json:"audio_sources"`
	IsOnline         bool                   `json:"is_online"`
	ProvidersReady   map[string]bool        `json:"providers_ready"`
	QueueStatus      QueueStatus            `json:"queue_status"`
	TranscriptLength int                    `json:"transcript_length"`
}

// TranscriptionErrorData reports a chunk that will not be transcribed
type TranscriptionErrorData struct {
	ChunkID string `json:"chunk_id"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// TranscriptExportData carries an exported transcript
type TranscriptExportData struct {
	Format   string `json:"format"`
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// APIKeyResponseData acknowledges a credential update
type APIKeyResponseData struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
