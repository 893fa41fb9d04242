package capture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/internal/audio"
)

// Agent capabilities announced in agent_hello
const (
	CapabilityStreamID = "stream_id"
	CapabilityTab      = "tab"
	CapabilityDisplay  = "display"
	CapabilitySpeech   = "speech"
)

var (
	ErrNoAgent         = errors.New("no capture agent can serve the request")
	ErrUnknownStreamID = errors.New("unknown or expired stream id")
	ErrAgentGone       = errors.New("capture agent disconnected")
)

// Agent is a connected recording surface
type Agent interface {
	ID() string
	Send(msg domain.Message) error
}

// OpenRequest selects what an agent should capture
type OpenRequest struct {
	Kind     entities.SourceKind
	TabID    int
	StreamID string
	Format   Format
}

type agentEntry struct {
	agent        Agent
	capabilities map[string]bool
	sources      []entities.AudioSource
	active       *PushStream
	activeReq    string
}

type openResult struct {
	stream *PushStream
	title  string
	err    error
}

type pendingOpen struct {
	agentID string
	result  chan openResult
}

type streamGrant struct {
	agentID string
	tabID   int
}

// Registry tracks capture agents, their sources and live streams
type Registry struct {
	logger *zap.Logger

	mu        sync.Mutex
	agents    map[string]*agentEntry
	pending   map[string]pendingOpen
	grants    map[string]streamGrant
	onSources func([]entities.AudioSource)
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger,
		agents:  make(map[string]*agentEntry),
		pending: make(map[string]pendingOpen),
		grants:  make(map[string]streamGrant),
	}
}

// OnSourcesChanged registers a callback fired whenever the source list changes
func (r *Registry) OnSourcesChanged(fn func([]entities.AudioSource)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSources = fn
}

// AddAgent registers a connected agent
func (r *Registry) AddAgent(a Agent) {
	r.mu.Lock()
	r.agents[a.ID()] = &agentEntry{agent: a, capabilities: make(map[string]bool)}
	r.mu.Unlock()

	r.logger.Info("Capture agent registered", zap.String("agentID", a.ID()))
}

// SetCapabilities records what an agent can do
func (r *Registry) SetCapabilities(agentID string, caps []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.agents[agentID]
	if !ok {
		return
	}
	entry.capabilities = make(map[string]bool, len(caps))
	for _, c := range caps {
		entry.capabilities[c] = true
	}
}

// UpdateSources replaces the sources advertised by an agent
func (r *Registry) UpdateSources(agentID string, sources []entities.AudioSource) {
	r.mu.Lock()
	entry, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.sources = make([]entities.AudioSource, len(sources))
	for i, s := range sources {
		s.AgentID = agentID
		if s.ID == "" {
			s.ID = fmt.Sprintf("%s:%s:%d", agentID, s.Kind, s.TabID)
		}
		entry.sources[i] = s
	}
	all, cb := r.sourcesLocked(), r.onSources
	r.mu.Unlock()

	if cb != nil {
		cb(all)
	}
}

// RemoveAgent drops an agent and ends its live stream
func (r *Registry) RemoveAgent(agentID string) {
	r.mu.Lock()
	entry, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.agents, agentID)
	for id, p := range r.pending {
		if p.agentID == agentID {
			p.result <- openResult{err: ErrAgentGone}
			delete(r.pending, id)
		}
	}
	for id, g := range r.grants {
		if g.agentID == agentID {
			delete(r.grants, id)
		}
	}
	active := entry.active
	all, cb := r.sourcesLocked(), r.onSources
	r.mu.Unlock()

	if active != nil {
		active.Fail(fmt.Errorf("%w: %w", ErrStreamEnded, ErrAgentGone))
	}
	r.logger.Info("Capture agent unregistered", zap.String("agentID", agentID))
	if cb != nil {
		cb(all)
	}
}

// Sources lists every advertised source
func (r *Registry) Sources() []entities.AudioSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sourcesLocked()
}

func (r *Registry) sourcesLocked() []entities.AudioSource {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]entities.AudioSource, 0)
	for _, id := range ids {
		out = append(out, r.agents[id].sources...)
	}
	return out
}

// SpeechAgent returns an agent able to run the in-browser recognizer
func (r *Registry) SpeechAgent() (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.sortedAgentIDs() {
		if e := r.agents[id]; e.capabilities[CapabilitySpeech] {
			return e.agent, true
		}
	}
	return nil, false
}

func (r *Registry) sortedAgentIDs() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IssueStreamID grants a single-use handle for capturing a tab
func (r *Registry) IssueStreamID(tabID int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agentID, ok := r.findTabAgentLocked(tabID, CapabilityStreamID)
	if !ok {
		return "", fmt.Errorf("%w: stream id for tab %d", ErrNoAgent, tabID)
	}
	id := uuid.NewString()
	r.grants[id] = streamGrant{agentID: agentID, tabID: tabID}
	return id, nil
}

func (r *Registry) findTabAgentLocked(tabID int, capability string) (string, bool) {
	for _, id := range r.sortedAgentIDs() {
		e := r.agents[id]
		if !e.capabilities[capability] {
			continue
		}
		for _, s := range e.sources {
			if s.Kind == entities.SourceKindTab && s.TabID == tabID {
				return id, true
			}
		}
	}
	return "", false
}

func (r *Registry) findCapableAgentLocked(capability string) (string, bool) {
	for _, id := range r.sortedAgentIDs() {
		if r.agents[id].capabilities[capability] {
			return id, true
		}
	}
	return "", false
}

// Open asks the owning agent to start capturing and waits for its answer or ctx
func (r *Registry) Open(ctx context.Context, req OpenRequest) (Stream, string, error) {
	r.mu.Lock()
	var agentID string
	var ok bool
	switch {
	case req.StreamID != "":
		var g streamGrant
		g, ok = r.grants[req.StreamID]
		if ok {
			delete(r.grants, req.StreamID)
			agentID, req.TabID = g.agentID, g.tabID
			_, ok = r.agents[agentID]
		}
		if !ok {
			r.mu.Unlock()
			return nil, "", ErrUnknownStreamID
		}
	case req.Kind == entities.SourceKindTab:
		agentID, ok = r.findTabAgentLocked(req.TabID, CapabilityTab)
	case req.Kind == entities.SourceKindDisplay:
		agentID, ok = r.findCapableAgentLocked(CapabilityDisplay)
	}
	if !ok {
		r.mu.Unlock()
		return nil, "", fmt.Errorf("%w: %s capture", ErrNoAgent, req.Kind)
	}

	requestID := uuid.NewString()
	result := make(chan openResult, 1)
	r.pending[requestID] = pendingOpen{agentID: agentID, result: result}
	agent := r.agents[agentID].agent
	r.mu.Unlock()

	err := agent.Send(domain.NewMessage(domain.MessageTypeCaptureStart, domain.CaptureStartData{
		RequestID:  requestID,
		Kind:       string(req.Kind),
		TabID:      req.TabID,
		StreamID:   req.StreamID,
		SampleRate: req.Format.SampleRate,
		Channels:   req.Format.Channels,
	}))
	if err != nil {
		r.mu.Lock()
		delete(r.pending, requestID)
		r.mu.Unlock()
		return nil, "", fmt.Errorf("failed to reach capture agent: %w", err)
	}

	select {
	case res := <-result:
		if res.err != nil {
			return nil, "", res.err
		}
		return res.stream, res.title, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, requestID)
		r.mu.Unlock()
		select {
		case res := <-result:
			if res.stream != nil {
				res.stream.Close()
			}
		default:
			_ = agent.Send(domain.NewMessage(domain.MessageTypeCaptureStop, domain.CaptureStopData{RequestID: requestID}))
		}
		return nil, "", ctx.Err()
	}
}

// HandleCaptureStarted completes a pending Open
func (r *Registry) HandleCaptureStarted(agentID string, data domain.CaptureStartedData) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[data.RequestID]
	if !ok || p.agentID != agentID {
		r.logger.Warn("Ignoring capture_started for unknown request",
			zap.String("agentID", agentID),
			zap.String("requestID", data.RequestID))
		return
	}
	delete(r.pending, data.RequestID)

	entry := r.agents[agentID]
	if entry.active != nil {
		// one live stream per agent
		entry.active.Fail(fmt.Errorf("%w: replaced by a new capture", ErrStreamEnded))
	}

	requestID := data.RequestID
	stream := NewPushStream(Format{SampleRate: data.SampleRate, Channels: data.Channels}, 256, func() {
		r.release(agentID, requestID)
	})
	entry.active = stream
	entry.activeReq = requestID
	p.result <- openResult{stream: stream, title: data.Title}
}

// HandleCaptureError fails a pending Open or the agent's live stream
func (r *Registry) HandleCaptureError(agentID string, data domain.CaptureErrorData) {
	r.mu.Lock()
	if p, ok := r.pending[data.RequestID]; ok && p.agentID == agentID {
		delete(r.pending, data.RequestID)
		r.mu.Unlock()
		p.result <- openResult{err: errors.New(data.Error)}
		return
	}

	entry, ok := r.agents[agentID]
	var active *PushStream
	if ok && entry.active != nil && (data.RequestID == "" || data.RequestID == entry.activeReq) {
		active = entry.active
		entry.active = nil
		entry.activeReq = ""
	}
	r.mu.Unlock()

	if active != nil {
		active.Fail(fmt.Errorf("%w: %s", ErrStreamEnded, data.Error))
	}
}

// PushAudio feeds PCM16LE bytes from an agent into its live stream
func (r *Registry) PushAudio(agentID string, pcm []byte) {
	r.mu.Lock()
	entry, ok := r.agents[agentID]
	var active *PushStream
	if ok {
		active = entry.active
	}
	r.mu.Unlock()

	if active == nil {
		r.logger.Debug("Dropping audio frame without an active capture", zap.String("agentID", agentID))
		return
	}
	if !active.Push(audio.DecodePCM16LE(pcm)) {
		r.logger.Warn("Audio frame dropped, recorder is lagging", zap.String("agentID", agentID))
	}
}

func (r *Registry) release(agentID, requestID string) {
	r.mu.Lock()
	entry, ok := r.agents[agentID]
	if !ok || entry.activeReq != requestID {
		r.mu.Unlock()
		return
	}
	entry.active = nil
	entry.activeReq = ""
	agent := entry.agent
	r.mu.Unlock()

	if err := agent.Send(domain.NewMessage(domain.MessageTypeCaptureStop, domain.CaptureStopData{RequestID: requestID})); err != nil {
		r.logger.Warn("Failed to ask agent to stop capture", zap.String("agentID", agentID), zap.Error(err))
	}
}
