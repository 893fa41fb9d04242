package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/internal/capture"
)

// HandlePanelMessage serves one panel request. The returned messages go to
// the requesting panel; state changes are broadcast by the operations.
func (s *RecordingService) HandlePanelMessage(ctx context.Context, t domain.MessageType, payload interface{}) []domain.Message {
	switch t {
	case domain.MessageTypeStartRecording:
		req := domain.StartRecordingData{}
		if p, ok := payload.(*domain.StartRecordingData); ok && p != nil {
			req = *p
		}
		if _, err := s.StartRecording(ctx, req); err != nil {
			return failure("Recording Failed", err)
		}

	case domain.MessageTypePauseRecording:
		if _, err := s.PauseRecording(); err != nil {
			return failure("Pause Failed", err)
		}

	case domain.MessageTypeResumeRecording:
		if _, err := s.ResumeRecording(); err != nil {
			return failure("Resume Failed", err)
		}

	case domain.MessageTypeStopRecording:
		if _, err := s.StopRecording(ctx); err != nil {
			return failure("Stop Failed", err)
		}

	case domain.MessageTypeGetSessionInfo:
		return reply(domain.MessageTypeSessionInfo, s.SessionInfo())

	case domain.MessageTypeExportTranscript:
		format := ""
		if p, ok := payload.(*domain.ExportTranscriptData); ok && p != nil {
			format = p.Format
		}
		export, err := s.Export(format)
		if err != nil {
			return failure("Export Failed", err)
		}
		return reply(domain.MessageTypeTranscriptExport, export)

	case domain.MessageTypeClearTranscript:
		s.ClearTranscript()

	case domain.MessageTypeGetAudioSources:
		sources := s.Snapshot().AudioSources
		return reply(domain.MessageTypeAudioSourcesUpdate, domain.AudioSourceUpdateData{Sources: sources})

	case domain.MessageTypeSetAPIKey:
		p, ok := payload.(*domain.SetAPIKeyData)
		if !ok || p == nil {
			return reply(domain.MessageTypeAPIKeyResponse, domain.APIKeyResponseData{Error: "api key is required"})
		}
		if err := s.SetAPIKey(ctx, p.APIKey); err != nil {
			s.logger.Warn("Rejected API key", zap.Error(err))
			return reply(domain.MessageTypeAPIKeyResponse, domain.APIKeyResponseData{Error: err.Error()})
		}
		return reply(domain.MessageTypeAPIKeyResponse, domain.APIKeyResponseData{Success: true})

	case domain.MessageTypeUpdateSettings:
		p, ok := payload.(*domain.TranscriptionSettingsData)
		if !ok || p == nil {
			return nil
		}
		if err := s.UpdateSettings(*p); err != nil {
			return failure("Settings Error", err)
		}

	case domain.MessageTypeConnectivityChange:
		if p, ok := payload.(*domain.ConnectivityData); ok && p != nil {
			s.SetOnline(p.Online, "panel report")
		}

	default:
		s.logger.Debug("Ignoring panel message", zap.String("messageType", string(t)))
	}
	return nil
}

// AgentConnected registers a capture agent
func (s *RecordingService) AgentConnected(agent capture.Agent) {
	if s.deps.Registry != nil {
		s.deps.Registry.AddAgent(agent)
	}
}

// AgentDisconnected ends the agent's stream and its pending recognizer requests
func (s *RecordingService) AgentDisconnected(agentID string) {
	if s.deps.Registry != nil {
		s.deps.Registry.RemoveAgent(agentID)
	}
	if s.deps.Relay != nil {
		s.deps.Relay.FailAgent(agentID)
	}
}

// HandleAgentMessage routes capture agent traffic to the registry and the relay
func (s *RecordingService) HandleAgentMessage(ctx context.Context, agentID string, t domain.MessageType, payload interface{}) {
	registry := s.deps.Registry
	switch p := payload.(type) {
	case *domain.AgentHelloData:
		if registry != nil {
			registry.SetCapabilities(agentID, p.Capabilities)
		}
		s.logger.Info("Capture agent ready",
			zap.String("agentID", agentID),
			zap.String("name", p.Name),
			zap.Strings("capabilities", p.Capabilities))
	case *domain.AudioSourceUpdateData:
		if registry != nil {
			registry.UpdateSources(agentID, p.Sources)
		}
	case *domain.CaptureStartedData:
		if registry != nil {
			registry.HandleCaptureStarted(agentID, *p)
		}
	case *domain.CaptureErrorData:
		if registry != nil {
			registry.HandleCaptureError(agentID, *p)
		}
	case *domain.TranscribeResultData:
		if s.deps.Relay != nil {
			s.deps.Relay.HandleResult(agentID, *p)
		}
	case *domain.ConnectivityData:
		s.SetOnline(p.Online, "agent report")
	default:
		s.logger.Debug("Ignoring agent message", zap.String("agentID", agentID), zap.String("messageType", string(t)))
	}
}

// HandleAgentAudio feeds PCM16LE frames into the agent's live stream
func (s *RecordingService) HandleAgentAudio(agentID string, pcm []byte) {
	if s.deps.Registry != nil {
		s.deps.Registry.PushAudio(agentID, pcm)
	}
}

func reply(t domain.MessageType, data interface{}) []domain.Message {
	return []domain.Message{domain.NewMessage(t, data)}
}

func failure(title string, err error) []domain.Message {
	msg := err.Error()
	if errors.Is(err, domain.ErrCaptureUnavailable) {
		msg = "No audio source could be captured: " + msg
	}
	return []domain.Message{domain.NewErrorMessage(title, msg)}
}
