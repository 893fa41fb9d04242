package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/satriahrh/tabscribe/domain"
)

// ErrUnknownMessageType is returned for a well-formed envelope whose type no
// receiver handles. Callers ignore such messages.
var ErrUnknownMessageType = errors.New("unknown message type")

// Envelope is the wire form of every inbound message
type Envelope struct {
	Type domain.MessageType `json:"type"`
	Data json.RawMessage    `json:"data,omitempty"`
}

// MessageValidator decodes envelopes into typed, validated payloads
type MessageValidator struct {
	validate *validator.Validate
}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// ValidateMessage parses message and returns its type with a pointer to the
// decoded payload. Types without a payload return a nil payload.
func (v *MessageValidator) ValidateMessage(message []byte) (domain.MessageType, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return "", nil, fmt.Errorf("invalid JSON format: %w", err)
	}
	if env.Type == "" {
		return "", nil, errors.New("message type is required")
	}

	var (
		payload interface{}
		err     error
	)
	switch env.Type {
	case domain.MessageTypePauseRecording,
		domain.MessageTypeResumeRecording,
		domain.MessageTypeStopRecording,
		domain.MessageTypeGetSessionInfo,
		domain.MessageTypeClearTranscript,
		domain.MessageTypeGetAudioSources:
		return env.Type, nil, nil
	case domain.MessageTypeStartRecording:
		payload, err = decode[domain.StartRecordingData](v.validate, env.Data)
	case domain.MessageTypeExportTranscript:
		payload, err = decode[domain.ExportTranscriptData](v.validate, env.Data)
	case domain.MessageTypeSetAPIKey:
		payload, err = decode[domain.SetAPIKeyData](v.validate, env.Data)
	case domain.MessageTypeUpdateSettings:
		payload, err = decode[domain.TranscriptionSettingsData](v.validate, env.Data)
	case domain.MessageTypeConnectivityChange:
		payload, err = decode[domain.ConnectivityData](v.validate, env.Data)
	case domain.MessageTypeHeartbeat, domain.MessageTypeHeartbeatAck:
		payload, err = decode[domain.HeartbeatData](v.validate, env.Data)
	case domain.MessageTypeAgentHello:
		payload, err = decode[domain.AgentHelloData](v.validate, env.Data)
	case domain.MessageTypeAudioSourceUpdate:
		payload, err = decode[domain.AudioSourceUpdateData](v.validate, env.Data)
	case domain.MessageTypeCaptureStarted:
		payload, err = decode[domain.CaptureStartedData](v.validate, env.Data)
	case domain.MessageTypeCaptureError:
		payload, err = decode[domain.CaptureErrorData](v.validate, env.Data)
	case domain.MessageTypeTranscribeResult:
		payload, err = decode[domain.TranscribeResultData](v.validate, env.Data)
	default:
		return env.Type, nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, env.Type)
	}
	if err != nil {
		return env.Type, nil, fmt.Errorf("invalid %s message: %w", env.Type, err)
	}
	return env.Type, payload, nil
}

func decode[T any](validate *validator.Validate, raw json.RawMessage) (*T, error) {
	out := new(T)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, err
		}
	}
	if err := validate.Struct(out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeMessage serializes an outbound message
func EncodeMessage(msg domain.Message) ([]byte, error) {
	return json.Marshal(msg)
}
