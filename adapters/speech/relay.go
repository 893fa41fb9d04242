package speech

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/domain/repositories"
	"github.com/satriahrh/tabscribe/internal/capture"
)

// AgentFinder locates a capture agent able to run the in-browser recognizer
type AgentFinder interface {
	SpeechAgent() (capture.Agent, bool)
}

type pendingRequest struct {
	agentID string
	result  chan domain.TranscribeResultData
}

// RelayRecognizer asks a connected capture agent to recognize a chunk and
// waits for its transcribe_result
type RelayRecognizer struct {
	agents AgentFinder
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]pendingRequest
}

var _ repositories.SpeechRecognizer = (*RelayRecognizer)(nil)

func NewRelayRecognizer(agents AgentFinder, logger *zap.Logger) *RelayRecognizer {
	return &RelayRecognizer{
		agents:  agents,
		logger:  logger,
		pending: make(map[string]pendingRequest),
	}
}

// Recognize relays audioData and blocks until the agent answers or ctx ends
func (r *RelayRecognizer) Recognize(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	agent, ok := r.agents.SpeechAgent()
	if !ok {
		return "", fmt.Errorf("%w: no agent offers in-browser speech", domain.ErrProviderUnavailable)
	}

	requestID := uuid.NewString()
	result := make(chan domain.TranscribeResultData, 1)

	r.mu.Lock()
	r.pending[requestID] = pendingRequest{agentID: agent.ID(), result: result}
	r.mu.Unlock()
	defer r.forget(requestID)

	var timeoutMs int64
	if deadline, ok := ctx.Deadline(); ok {
		timeoutMs = time.Until(deadline).Milliseconds()
	}

	err := agent.Send(domain.NewMessage(domain.MessageTypeTranscribeRequest, domain.TranscribeRequestData{
		RequestID: requestID,
		AudioData: base64.StdEncoding.EncodeToString(audioData),
		MimeType:  config.MimeType,
		Language:  config.Language,
		TimeoutMs: timeoutMs,
	}))
	if err != nil {
		return "", fmt.Errorf("failed to reach speech agent: %w", err)
	}

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("speech recognition timed out: %w", ctx.Err())
	case res := <-result:
		if res.Error != "" {
			return "", fmt.Errorf("speech recognition failed: %s", res.Error)
		}
		if res.Text == "" {
			return "", errors.New("no speech detected in audio")
		}
		return res.Text, nil
	}
}

// HandleResult completes a pending request from agentID
func (r *RelayRecognizer) HandleResult(agentID string, data domain.TranscribeResultData) {
	r.mu.Lock()
	p, ok := r.pending[data.RequestID]
	if ok && p.agentID == agentID {
		delete(r.pending, data.RequestID)
	}
	r.mu.Unlock()

	if !ok || p.agentID != agentID {
		r.logger.Warn("Ignoring transcribe_result for unknown request",
			zap.String("agentID", agentID),
			zap.String("requestID", data.RequestID))
		return
	}
	p.result <- data
}

// FailAgent ends every request waiting on a disconnected agent
func (r *RelayRecognizer) FailAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.pending {
		if p.agentID == agentID {
			p.result <- domain.TranscribeResultData{RequestID: id, Error: capture.ErrAgentGone.Error()}
			delete(r.pending, id)
		}
	}
}

func (r *RelayRecognizer) forget(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, requestID)
}
