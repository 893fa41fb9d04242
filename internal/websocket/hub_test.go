package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/internal/capture"
)

type fakeController struct {
	mu       sync.Mutex
	received []domain.MessageType
}

func (f *fakeController) Snapshot() domain.Snapshot {
	return domain.Snapshot{IsOnline: true, QueueStatus: domain.QueueStatus{Capacity: 100}}
}

func (f *fakeController) HandlePanelMessage(ctx context.Context, t domain.MessageType, payload interface{}) []domain.Message {
	f.mu.Lock()
	f.received = append(f.received, t)
	f.mu.Unlock()

	if t == domain.MessageTypeGetSessionInfo {
		return []domain.Message{domain.NewMessage(domain.MessageTypeSessionInfo, domain.SessionInfo{SegmentCount: 3})}
	}
	return nil
}

func (f *fakeController) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

type agentEvent struct {
	kind    string
	agentID string
	msgType domain.MessageType
	payload interface{}
	audio   []byte
}

type fakeAgentHandler struct {
	events chan agentEvent
}

func newFakeAgentHandler() *fakeAgentHandler {
	return &fakeAgentHandler{events: make(chan agentEvent, 16)}
}

func (f *fakeAgentHandler) AgentConnected(agent capture.Agent) {
	f.events <- agentEvent{kind: "connected", agentID: agent.ID()}
}

func (f *fakeAgentHandler) AgentDisconnected(agentID string) {
	f.events <- agentEvent{kind: "disconnected", agentID: agentID}
}

func (f *fakeAgentHandler) HandleAgentMessage(ctx context.Context, agentID string, t domain.MessageType, payload interface{}) {
	f.events <- agentEvent{kind: "message", agentID: agentID, msgType: t, payload: payload}
}

func (f *fakeAgentHandler) HandleAgentAudio(agentID string, pcm []byte) {
	f.events <- agentEvent{kind: "audio", agentID: agentID, audio: pcm}
}

func (f *fakeAgentHandler) next(t *testing.T) agentEvent {
	t.Helper()
	select {
	case e := <-f.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("Agent event not received within timeout")
	}
	return agentEvent{}
}

func setupTestHub(t *testing.T) (*Hub, *fakeController, *fakeAgentHandler, string) {
	t.Helper()
	controller := &fakeController{}
	agents := newFakeAgentHandler()
	hub := NewHub(controller, agents, clock.New(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	e := echo.New()
	e.GET("/ws/panel", func(c echo.Context) error {
		return HandlePanel(hub, c, c.QueryParam("id"))
	})
	e.GET("/ws/capture", func(c echo.Context) error {
		return HandleCapture(hub, c, c.QueryParam("id"))
	})
	server := httptest.NewServer(e)

	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return hub, controller, agents, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

type wireMessage struct {
	Type domain.MessageType `json:"type"`
	Data json.RawMessage    `json:"data"`
}

func readMessage(t *testing.T, ws *websocket.Conn) wireMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wireMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not met within timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_PanelReceivesSnapshot(t *testing.T) {
	hub, _, _, url := setupTestHub(t)
	ws := dial(t, url+"/ws/panel?id=panel-1")

	msg := readMessage(t, ws)
	if msg.Type != domain.MessageTypeConnectionEstablished {
		t.Fatalf("Expected connection_established, got %s", msg.Type)
	}
	var snapshot domain.Snapshot
	if err := json.Unmarshal(msg.Data, &snapshot); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if !snapshot.IsOnline || snapshot.QueueStatus.Capacity != 100 {
		t.Errorf("Unexpected snapshot %+v", snapshot)
	}
	if hub.ClientCount() != 1 {
		t.Errorf("Expected 1 panel, got %d", hub.ClientCount())
	}
}

func TestHub_PanelRequestReply(t *testing.T) {
	_, controller, _, url := setupTestHub(t)
	ws := dial(t, url+"/ws/panel?id=panel-1")
	readMessage(t, ws)

	ws.WriteJSON(map[string]interface{}{"type": "heartbeat", "data": map[string]int64{"timestamp": 1}})
	if msg := readMessage(t, ws); msg.Type != domain.MessageTypeHeartbeatAck {
		t.Errorf("Expected heartbeat_ack, got %s", msg.Type)
	}

	// unknown types are dropped silently
	ws.WriteJSON(map[string]string{"type": "offscreen_ready"})

	ws.WriteJSON(map[string]string{"type": "get_session_info"})
	msg := readMessage(t, ws)
	if msg.Type != domain.MessageTypeSessionInfo {
		t.Fatalf("Expected session_info, got %s", msg.Type)
	}
	var info domain.SessionInfo
	json.Unmarshal(msg.Data, &info)
	if info.SegmentCount != 3 {
		t.Errorf("Expected 3 segments, got %d", info.SegmentCount)
	}

	ws.WriteJSON(map[string]interface{}{"type": "set_api_key", "data": map[string]string{"api_key": "x"}})
	if msg := readMessage(t, ws); msg.Type != domain.MessageTypeError {
		t.Errorf("Expected error for invalid payload, got %s", msg.Type)
	}

	if controller.count() != 1 {
		t.Errorf("Expected only the valid request to reach the controller, got %d", controller.count())
	}
}

func TestHub_HeartbeatAckRecorded(t *testing.T) {
	hub, _, _, url := setupTestHub(t)
	ws := dial(t, url+"/ws/panel?id=panel-1")
	readMessage(t, ws)

	if _, ok := hub.LastAck("panel-1"); ok {
		t.Error("Expected no ack before the panel answered")
	}

	hub.Heartbeat()
	if msg := readMessage(t, ws); msg.Type != domain.MessageTypeHeartbeat {
		t.Fatalf("Expected heartbeat, got %s", msg.Type)
	}
	ws.WriteJSON(map[string]interface{}{"type": "heartbeat_ack", "data": map[string]int64{"timestamp": 1}})

	waitFor(t, func() bool {
		_, ok := hub.LastAck("panel-1")
		return ok
	})
}

func TestHub_BroadcastReachesAllPanels(t *testing.T) {
	hub, _, _, url := setupTestHub(t)
	first := dial(t, url+"/ws/panel?id=panel-1")
	second := dial(t, url+"/ws/panel?id=panel-2")
	readMessage(t, first)
	readMessage(t, second)

	hub.Broadcast(domain.NewMessage(domain.MessageTypeRecordingPaused, nil))

	for _, ws := range []*websocket.Conn{first, second} {
		if msg := readMessage(t, ws); msg.Type != domain.MessageTypeRecordingPaused {
			t.Errorf("Expected recording_paused, got %s", msg.Type)
		}
	}
}

func TestHub_BroadcastPrunesFailingPanel(t *testing.T) {
	hub := NewHub(&fakeController{}, nil, clock.New(), zaptest.NewLogger(t))

	stuck := &Client{hub: hub, id: "stuck", role: RolePanel, send: make(chan WriteData), logger: hub.logger}
	healthy := &Client{hub: hub, id: "healthy", role: RolePanel, send: make(chan WriteData, 4), logger: hub.logger}
	hub.clients[stuck.id] = stuck
	hub.clients[healthy.id] = healthy

	hub.Broadcast(domain.NewMessage(domain.MessageTypeTranscriptCleared, nil))

	if hub.ClientCount() != 1 {
		t.Fatalf("Expected failing panel to be removed, got %d panels", hub.ClientCount())
	}
	if _, ok := hub.clients["healthy"]; !ok {
		t.Error("Healthy panel should stay registered")
	}
	if len(healthy.send) != 1 {
		t.Errorf("Expected healthy panel to receive the broadcast, got %d", len(healthy.send))
	}
	if err := stuck.Send(domain.NewMessage(domain.MessageTypeHeartbeat, nil)); err != errClientClosed {
		t.Errorf("Expected removed panel to be closed, got %v", err)
	}
}

func TestHub_CaptureAgentLifecycle(t *testing.T) {
	hub, controller, agents, url := setupTestHub(t)
	ws := dial(t, url+"/ws/capture?id=agent-1")

	if e := agents.next(t); e.kind != "connected" || e.agentID != "agent-1" {
		t.Fatalf("Expected connected event, got %+v", e)
	}

	ws.WriteJSON(map[string]interface{}{"type": "capture_started", "data": map[string]interface{}{
		"request_id": "r1", "sample_rate": 48000, "channels": 2,
	}})
	e := agents.next(t)
	if e.kind != "message" || e.msgType != domain.MessageTypeCaptureStarted {
		t.Fatalf("Expected capture_started, got %+v", e)
	}
	if started, ok := e.payload.(*domain.CaptureStartedData); !ok || started.RequestID != "r1" {
		t.Errorf("Unexpected payload %#v", e.payload)
	}

	ws.WriteMessage(websocket.BinaryMessage, []byte{1, 0, 2, 0})
	if e := agents.next(t); e.kind != "audio" || len(e.audio) != 4 {
		t.Errorf("Expected 4 audio bytes, got %+v", e)
	}

	// agent messages never reach the panel controller
	if controller.count() != 0 {
		t.Errorf("Expected no panel requests, got %d", controller.count())
	}

	ws.Close()
	if e := agents.next(t); e.kind != "disconnected" || e.agentID != "agent-1" {
		t.Errorf("Expected disconnected event, got %+v", e)
	}
	waitFor(t, func() bool { return hub.AgentCount() == 0 })
}

func TestHub_AgentSend(t *testing.T) {
	hub, _, agents, url := setupTestHub(t)
	ws := dial(t, url+"/ws/capture?id=agent-1")
	agents.next(t)

	hub.mu.RLock()
	agent := hub.agents["agent-1"]
	hub.mu.RUnlock()

	err := agent.Send(domain.NewMessage(domain.MessageTypeCaptureStart, domain.CaptureStartData{RequestID: "r9", Kind: "tab"}))
	if err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	msg := readMessage(t, ws)
	if msg.Type != domain.MessageTypeCaptureStart {
		t.Fatalf("Expected capture_start, got %s", msg.Type)
	}
	var start domain.CaptureStartData
	json.Unmarshal(msg.Data, &start)
	if start.RequestID != "r9" {
		t.Errorf("Expected request r9, got %s", start.RequestID)
	}
}

func TestHeartbeatService(t *testing.T) {
	mock := clock.NewMock()
	hub := NewHub(&fakeController{}, nil, mock, zaptest.NewLogger(t))
	panel := &Client{hub: hub, id: "p", role: RolePanel, send: make(chan WriteData, 4), logger: hub.logger}
	hub.clients[panel.id] = panel

	svc := NewHeartbeatService(hub, 30*time.Second, mock, zaptest.NewLogger(t))
	svc.Start()
	defer svc.Stop()

	mock.Add(30 * time.Second)

	select {
	case data := <-panel.send:
		var msg wireMessage
		json.Unmarshal(data.Payload, &msg)
		if msg.Type != domain.MessageTypeHeartbeat {
			t.Errorf("Expected heartbeat, got %s", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Heartbeat not sent within timeout")
	}

	svc.Stop()
}
