package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/domain/repositories"
	"github.com/satriahrh/tabscribe/internal/capture"
)

type fakeAgent struct {
	id string

	mu   sync.Mutex
	sent []domain.Message
}

func (a *fakeAgent) ID() string { return a.id }

func (a *fakeAgent) Send(msg domain.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
	return nil
}

type fakeRelay struct {
	mu      sync.Mutex
	results []domain.TranscribeResultData
	failed  []string
}

func (r *fakeRelay) HandleResult(agentID string, data domain.TranscribeResultData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, data)
}

func (r *fakeRelay) FailAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, agentID)
}

type fakeProxy struct {
	method, prompt string
}

func (p *fakeProxy) SetMethod(method, prompt string) error {
	if method != "whisper" && method != "prompt" {
		return errors.New("unknown method")
	}
	p.method, p.prompt = method, prompt
	return nil
}

func (p *fakeProxy) Method() (string, string) { return p.method, p.prompt }

func singleReply(t *testing.T, replies []domain.Message, want domain.MessageType) domain.Message {
	t.Helper()
	if len(replies) != 1 {
		t.Fatalf("Expected 1 reply, got %d", len(replies))
	}
	if replies[0].Type != want {
		t.Fatalf("Expected %s reply, got %s", want, replies[0].Type)
	}
	return replies[0]
}

func TestRouterRecordingLifecycle(t *testing.T) {
	p := newPipeline(t, true, &fakeTranscriber{provider: entities.ProviderPrimaryCloud, text: "x"})
	ctx := context.Background()

	if replies := p.svc.HandlePanelMessage(ctx, domain.MessageTypeStartRecording, &domain.StartRecordingData{TabID: 7}); len(replies) != 0 {
		t.Fatalf("Expected no direct reply on start, got %+v", replies)
	}
	if !p.svc.Snapshot().IsRecording {
		t.Fatal("Expected recording after start")
	}

	reply := singleReply(t, p.svc.HandlePanelMessage(ctx, domain.MessageTypeGetSessionInfo, nil), domain.MessageTypeSessionInfo)
	if info := reply.Data.(domain.SessionInfo); info.Status != entities.SessionStatusRecording {
		t.Errorf("Expected recording status, got %s", info.Status)
	}

	reply = singleReply(t, p.svc.HandlePanelMessage(ctx, domain.MessageTypeStartRecording, nil), domain.MessageTypeError)
	if data := reply.Data.(domain.ErrorData); data.Title != "Recording Failed" {
		t.Errorf("Expected Recording Failed, got %s", data.Title)
	}

	if replies := p.svc.HandlePanelMessage(ctx, domain.MessageTypePauseRecording, nil); len(replies) != 0 {
		t.Errorf("Expected no reply on pause, got %+v", replies)
	}
	reply = singleReply(t, p.svc.HandlePanelMessage(ctx, domain.MessageTypePauseRecording, nil), domain.MessageTypeError)
	if data := reply.Data.(domain.ErrorData); data.Title != "Pause Failed" {
		t.Errorf("Expected Pause Failed, got %s", data.Title)
	}
	if replies := p.svc.HandlePanelMessage(ctx, domain.MessageTypeResumeRecording, nil); len(replies) != 0 {
		t.Errorf("Expected no reply on resume, got %+v", replies)
	}
	if replies := p.svc.HandlePanelMessage(ctx, domain.MessageTypeStopRecording, nil); len(replies) != 0 {
		t.Errorf("Expected no reply on stop, got %+v", replies)
	}
	reply = singleReply(t, p.svc.HandlePanelMessage(ctx, domain.MessageTypeStopRecording, nil), domain.MessageTypeError)
	if data := reply.Data.(domain.ErrorData); data.Title != "Stop Failed" {
		t.Errorf("Expected Stop Failed, got %s", data.Title)
	}

	reply = singleReply(t, p.svc.HandlePanelMessage(ctx, domain.MessageTypeExportTranscript, &domain.ExportTranscriptData{Format: "txt"}), domain.MessageTypeTranscriptExport)
	if data := reply.Data.(domain.TranscriptExportData); data.Format != "txt" {
		t.Errorf("Expected txt export, got %s", data.Format)
	}
}

func TestRouterStartFailureMessage(t *testing.T) {
	p := newPipeline(t, true)
	p.resolver.failures = 5

	reply := singleReply(t, p.svc.HandlePanelMessage(context.Background(), domain.MessageTypeStartRecording, &domain.StartRecordingData{TabID: 7}), domain.MessageTypeError)
	data := reply.Data.(domain.ErrorData)
	if !strings.HasPrefix(data.Message, "No audio source could be captured") {
		t.Errorf("Unexpected message %q", data.Message)
	}
}

func TestRouterExportWithoutSession(t *testing.T) {
	p := newPipeline(t, true)

	reply := singleReply(t, p.svc.HandlePanelMessage(context.Background(), domain.MessageTypeExportTranscript, nil), domain.MessageTypeError)
	if data := reply.Data.(domain.ErrorData); data.Title != "Export Failed" {
		t.Errorf("Expected Export Failed, got %s", data.Title)
	}
}

func TestRouterAPIKey(t *testing.T) {
	p := newPipelineWith(t, true, func(deps *Dependencies) {
		deps.NewPrimary = func(ctx context.Context, apiKey string) (repositories.Transcriber, error) {
			if apiKey == "rejected-key-000" {
				return nil, errors.New("invalid api key")
			}
			return &fakeTranscriber{provider: entities.ProviderPrimaryCloud, text: "x"}, nil
		}
	})
	ctx := context.Background()

	reply := singleReply(t, p.svc.HandlePanelMessage(ctx, domain.MessageTypeSetAPIKey, &domain.SetAPIKeyData{APIKey: "rejected-key-000"}), domain.MessageTypeAPIKeyResponse)
	if data := reply.Data.(domain.APIKeyResponseData); data.Success || data.Error != "invalid api key" {
		t.Errorf("Expected rejection, got %+v", data)
	}

	reply = singleReply(t, p.svc.HandlePanelMessage(ctx, domain.MessageTypeSetAPIKey, &domain.SetAPIKeyData{APIKey: "accepted-key-000"}), domain.MessageTypeAPIKeyResponse)
	if data := reply.Data.(domain.APIKeyResponseData); !data.Success {
		t.Errorf("Expected success, got %+v", data)
	}
}

func TestRouterSettings(t *testing.T) {
	ctx := context.Background()
	settings := &domain.TranscriptionSettingsData{Method: "prompt", CustomPrompt: "Speakers: Ada"}

	bare := newPipeline(t, true)
	reply := singleReply(t, bare.svc.HandlePanelMessage(ctx, domain.MessageTypeUpdateSettings, settings), domain.MessageTypeError)
	if data := reply.Data.(domain.ErrorData); data.Title != "Settings Error" {
		t.Errorf("Expected Settings Error, got %s", data.Title)
	}

	proxy := &fakeProxy{method: "whisper"}
	p := newPipelineWith(t, true, func(deps *Dependencies) { deps.Proxy = proxy })
	if replies := p.svc.HandlePanelMessage(ctx, domain.MessageTypeUpdateSettings, settings); len(replies) != 0 {
		t.Fatalf("Expected no reply, got %+v", replies)
	}
	if proxy.method != "prompt" || proxy.prompt != "Speakers: Ada" {
		t.Errorf("Expected proxy to switch to prompt, got %s/%s", proxy.method, proxy.prompt)
	}
	if got := len(p.broadcaster.ofType(domain.MessageTypeSettingsUpdated)); got != 1 {
		t.Errorf("Expected 1 settings_updated, got %d", got)
	}
	if current, ok := p.svc.Settings(); !ok || current.Method != "prompt" {
		t.Errorf("Expected current method prompt, got %+v", current)
	}
}

func TestRouterConnectivityReport(t *testing.T) {
	p := newPipeline(t, true)

	p.svc.HandlePanelMessage(context.Background(), domain.MessageTypeConnectivityChange, &domain.ConnectivityData{Online: false})

	if p.monitor.Online() {
		t.Error("Expected monitor to go offline")
	}
	msgs := p.broadcaster.ofType(domain.MessageTypeConnectivityChange)
	if len(msgs) != 1 || msgs[0].Data.(domain.ConnectivityData).Online {
		t.Errorf("Expected one offline broadcast, got %+v", msgs)
	}
}

func TestRouterAgentTraffic(t *testing.T) {
	relay := &fakeRelay{}
	p := newPipelineWith(t, true, func(deps *Dependencies) { deps.Relay = relay })
	ctx := context.Background()
	agent := &fakeAgent{id: "ext-1"}

	p.svc.AgentConnected(agent)
	p.svc.HandleAgentMessage(ctx, agent.id, domain.MessageTypeAgentHello, &domain.AgentHelloData{
		Name:         "extension",
		Capabilities: []string{capture.CapabilityTab, capture.CapabilitySpeech},
	})
	p.svc.HandleAgentMessage(ctx, agent.id, domain.MessageTypeAudioSourceUpdate, &domain.AudioSourceUpdateData{
		Sources: []entities.AudioSource{{Kind: entities.SourceKindTab, TabID: 7, Title: "Lecture", Audible: true}},
	})

	if _, ok := p.registry.SpeechAgent(); !ok {
		t.Error("Expected agent to advertise speech")
	}
	reply := singleReply(t, p.svc.HandlePanelMessage(ctx, domain.MessageTypeGetAudioSources, nil), domain.MessageTypeAudioSourcesUpdate)
	sources := reply.Data.(domain.AudioSourceUpdateData).Sources
	if len(sources) != 1 || sources[0].AgentID != "ext-1" || sources[0].Title != "Lecture" {
		t.Errorf("Unexpected sources %+v", sources)
	}
	if got := len(p.broadcaster.ofType(domain.MessageTypeAudioSourcesUpdate)); got != 1 {
		t.Errorf("Expected 1 audio_sources_update broadcast, got %d", got)
	}

	p.svc.HandleAgentMessage(ctx, agent.id, domain.MessageTypeTranscribeResult, &domain.TranscribeResultData{RequestID: "r1", Text: "hi"})
	if len(relay.results) != 1 || relay.results[0].RequestID != "r1" {
		t.Errorf("Expected result to reach the relay, got %+v", relay.results)
	}

	p.svc.AgentDisconnected(agent.id)
	if len(relay.failed) != 1 || relay.failed[0] != "ext-1" {
		t.Errorf("Expected pending requests of ext-1 to fail, got %v", relay.failed)
	}
	if got := len(p.registry.Sources()); got != 0 {
		t.Errorf("Expected sources to be removed with the agent, got %d", got)
	}
}
