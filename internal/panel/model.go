// Package panel is a terminal side panel for the orchestrator: it mirrors the
// session state pushed over /ws/panel and sends session commands.
package panel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/domain/entities"
)

// Key bindings
const (
	KeyQuit       = "q"
	KeyCtrlC      = "ctrl+c"
	KeyStart      = "s"
	KeyPause      = "p"
	KeyStop       = "x"
	KeyExportTxt  = "e"
	KeyExportJSON = "E"
	KeyClear      = "c"
	KeyRefresh    = "r"
)

// Messages
type (
	ConnectedMsg      struct{ Conn Conn }
	ConnectErrorMsg   struct{ Err error }
	ServerMsg         struct{ Envelope Envelope }
	ReadErrorMsg      struct{ Err error }
	SendErrorMsg      struct{ Err error }
	clearTransientMsg struct{}
	reconnectTickMsg  struct{}
)

// ExportSavedMsg reports where an exported transcript was written
type ExportSavedMsg struct {
	Path string
	Err  error
}

// Model is the root bubbletea model of the panel
type Model struct {
	dial func() (Conn, error)
	conn Conn

	connected    bool
	reconnecting bool
	attempt      int
	statusText   string

	recording bool
	paused    bool
	session   *domain.SessionInfo
	sources   []entities.AudioSource
	online    bool
	providers map[string]bool
	queue     domain.QueueStatus
	segments  []entities.Segment

	errorMessage string
	exportDir    string

	width  int
	height int
}

// New creates a panel model. dial is called on start and after every disconnect.
func New(dial func() (Conn, error), exportDir string) Model {
	if exportDir == "" {
		exportDir = "."
	}
	return Model{
		dial:       dial,
		exportDir:  exportDir,
		statusText: "Connecting...",
		online:     true,
	}
}

func (m Model) Init() tea.Cmd {
	return dialCmd(m.dial)
}

func dialCmd(dial func() (Conn, error)) tea.Cmd {
	return func() tea.Msg {
		conn, err := dial()
		if err != nil {
			return ConnectErrorMsg{Err: err}
		}
		return ConnectedMsg{Conn: conn}
	}
}

func readCmd(conn Conn) tea.Cmd {
	return func() tea.Msg {
		env, err := conn.Next()
		if err != nil {
			return ReadErrorMsg{Err: err}
		}
		return ServerMsg{Envelope: env}
	}
}

func sendCmd(conn Conn, t domain.MessageType, data interface{}) tea.Cmd {
	return func() tea.Msg {
		if err := conn.Send(t, data); err != nil {
			return SendErrorMsg{Err: err}
		}
		return nil
	}
}

func saveExportCmd(dir string, export domain.TranscriptExportData) tea.Cmd {
	return func() tea.Msg {
		path := filepath.Join(dir, filepath.Base(export.Filename))
		err := os.WriteFile(path, []byte(export.Content), 0o644)
		return ExportSavedMsg{Path: path, Err: err}
	}
}

func clearTransientCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg { return clearTransientMsg{} })
}

func reconnectCmd(attempt int) tea.Cmd {
	delay := time.Duration(1<<min(attempt, 4)) * time.Second
	return tea.Tick(delay, func(time.Time) tea.Msg { return reconnectTickMsg{} })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case ConnectedMsg:
		m.conn = msg.Conn
		m.connected = true
		m.reconnecting = false
		m.attempt = 0
		m.statusText = "Connected"
		return m, readCmd(m.conn)

	case ConnectErrorMsg:
		m.connected = false
		m.reconnecting = true
		m.statusText = "Orchestrator unreachable. Reconnecting..."
		m.errorMessage = msg.Err.Error()
		return m, reconnectCmd(m.attempt)

	case ReadErrorMsg:
		m.connected = false
		m.reconnecting = true
		m.statusText = "Disconnected. Reconnecting..."
		if m.conn != nil {
			m.conn.Close()
			m.conn = nil
		}
		return m, reconnectCmd(m.attempt)

	case reconnectTickMsg:
		m.attempt++
		return m, dialCmd(m.dial)

	case ServerMsg:
		cmd := m.handleServerMessage(msg.Envelope)
		if m.conn == nil {
			return m, cmd
		}
		return m, tea.Batch(cmd, readCmd(m.conn))

	case SendErrorMsg:
		m.errorMessage = msg.Err.Error()
		return m, clearTransientCmd()

	case ExportSavedMsg:
		if msg.Err != nil {
			m.errorMessage = "Export failed: " + msg.Err.Error()
			return m, clearTransientCmd()
		}
		m.statusText = "Transcript saved to " + msg.Path
		return m, nil

	case clearTransientMsg:
		m.errorMessage = ""
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case KeyQuit, KeyCtrlC:
		if m.conn != nil {
			m.conn.Close()
		}
		return m, tea.Quit
	}

	if m.conn == nil {
		return m, nil
	}

	switch msg.String() {
	case KeyStart:
		if m.recording {
			return m, nil
		}
		start := domain.StartRecordingData{}
		if src, ok := m.audibleTab(); ok {
			start.TabID = src.TabID
			start.Title = src.Title
		}
		m.statusText = "Starting..."
		return m, sendCmd(m.conn, domain.MessageTypeStartRecording, start)
	case KeyPause:
		switch {
		case m.paused:
			return m, sendCmd(m.conn, domain.MessageTypeResumeRecording, nil)
		case m.recording:
			return m, sendCmd(m.conn, domain.MessageTypePauseRecording, nil)
		}
	case KeyStop:
		if m.recording || m.paused {
			m.statusText = "Stopping..."
			return m, sendCmd(m.conn, domain.MessageTypeStopRecording, nil)
		}
	case KeyExportTxt:
		return m, sendCmd(m.conn, domain.MessageTypeExportTranscript, domain.ExportTranscriptData{Format: "txt"})
	case KeyExportJSON:
		return m, sendCmd(m.conn, domain.MessageTypeExportTranscript, domain.ExportTranscriptData{Format: "json"})
	case KeyClear:
		return m, sendCmd(m.conn, domain.MessageTypeClearTranscript, nil)
	case KeyRefresh:
		return m, tea.Batch(
			sendCmd(m.conn, domain.MessageTypeGetSessionInfo, nil),
			sendCmd(m.conn, domain.MessageTypeGetAudioSources, nil),
		)
	}
	return m, nil
}

func (m *Model) handleServerMessage(env Envelope) tea.Cmd {
	switch env.Type {
	case domain.MessageTypeConnectionEstablished:
		var snap domain.Snapshot
		if decode(env.Data, &snap) {
			m.session = snap.Session
			m.paused = snap.Session != nil && snap.Session.Status == entities.SessionStatusPaused
			m.recording = snap.IsRecording && !m.paused
			m.sources = snap.AudioSources
			m.online = snap.IsOnline
			m.providers = snap.ProvidersReady
			m.queue = snap.QueueStatus
		}

	case domain.MessageTypeRecordingStarted, domain.MessageTypeRecordingResumed:
		m.applySession(env.Data)
		m.recording, m.paused = true, false
		m.statusText = "Recording"

	case domain.MessageTypeRecordingPaused:
		m.applySession(env.Data)
		m.recording, m.paused = false, true
		m.statusText = "Paused"

	case domain.MessageTypeRecordingStopped:
		m.applySession(env.Data)
		m.recording, m.paused = false, false
		m.statusText = "Stopped"

	case domain.MessageTypeSessionInfo:
		m.applySession(env.Data)

	case domain.MessageTypeTranscriptionUpdate:
		var seg entities.Segment
		if decode(env.Data, &seg) {
			m.addSegment(seg)
		}

	case domain.MessageTypeTranscriptionError:
		var data domain.TranscriptionErrorData
		if decode(env.Data, &data) {
			m.errorMessage = data.Title + ": " + data.Message
			return clearTransientCmd()
		}

	case domain.MessageTypeQueueStatusUpdate:
		decode(env.Data, &m.queue)

	case domain.MessageTypeConnectivityChange:
		var data domain.ConnectivityData
		if decode(env.Data, &data) {
			m.online = data.Online
		}

	case domain.MessageTypeAudioSourcesUpdate:
		var data domain.AudioSourceUpdateData
		if decode(env.Data, &data) {
			m.sources = data.Sources
		}

	case domain.MessageTypeTranscriptExport:
		var data domain.TranscriptExportData
		if decode(env.Data, &data) {
			return saveExportCmd(m.exportDir, data)
		}

	case domain.MessageTypeTranscriptCleared:
		m.segments = nil
		m.statusText = "Transcript cleared"

	case domain.MessageTypeSettingsUpdated:
		m.statusText = "Transcription settings updated"

	case domain.MessageTypeAPIKeyResponse:
		var data domain.APIKeyResponseData
		if decode(env.Data, &data) && !data.Success {
			m.errorMessage = "API key rejected: " + data.Error
			return clearTransientCmd()
		}
		m.statusText = "API key saved"

	case domain.MessageTypeError:
		var data domain.ErrorData
		if decode(env.Data, &data) {
			m.errorMessage = data.Title + ": " + data.Message
			if m.statusText == "Starting..." || m.statusText == "Stopping..." {
				m.statusText = "Connected"
			}
			return clearTransientCmd()
		}

	case domain.MessageTypeHeartbeat:
		if m.conn != nil {
			return sendCmd(m.conn, domain.MessageTypeHeartbeatAck, domain.HeartbeatData{Timestamp: time.Now().UnixMilli()})
		}
	}
	return nil
}

func decode(raw json.RawMessage, v interface{}) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

func (m *Model) applySession(raw json.RawMessage) {
	var info domain.SessionInfo
	if decode(raw, &info) && info.SessionID != "" {
		m.session = &info
	}
}

// addSegment keeps the transcript ordered by sequence. A real transcription
// replaces the queued placeholder for the same chunk of the same session.
func (m *Model) addSegment(seg entities.Segment) {
	for i, existing := range m.segments {
		if existing.SessionID == seg.SessionID && existing.ChunkID == seg.ChunkID &&
			existing.Provider == entities.ProviderQueuedPlaceholder {
			m.segments[i] = seg
			return
		}
	}
	m.segments = append(m.segments, seg)
	sort.SliceStable(m.segments, func(i, j int) bool {
		return m.segments[i].Sequence < m.segments[j].Sequence
	})
}

func (m Model) audibleTab() (entities.AudioSource, bool) {
	for _, src := range m.sources {
		if src.Kind == entities.SourceKindTab && src.Audible {
			return src, true
		}
	}
	for _, src := range m.sources {
		if src.Kind == entities.SourceKindTab {
			return src, true
		}
	}
	return entities.AudioSource{}, false
}

func (m Model) View() string {
	width := m.width
	if width <= 0 {
		width = 80
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(m.renderTranscript(width))
	b.WriteString("\n")
	if m.errorMessage != "" {
		b.WriteString(errorStyle.Render(m.errorMessage))
		b.WriteString("\n")
	}
	b.WriteString(footerStyle.Render("[s] start  [p] pause/resume  [x] stop  [e/E] export txt/json  [c] clear  [r] refresh  [q] quit"))
	return b.String()
}

func (m Model) renderHeader() string {
	state := statusStyle.Render("○ idle")
	switch {
	case m.recording:
		state = recordingStyle.Render("● REC")
	case m.paused:
		state = pausedStyle.Render("❚❚ PAUSED")
	}

	network := onlineStyle.Render("online")
	if !m.online {
		network = offlineStyle.Render("offline")
	}

	parts := []string{titleStyle.Render("tabscribe"), state, network}
	if m.session != nil {
		parts = append(parts, statusStyle.Render(fmt.Sprintf("%s %s", shortID(m.session.SessionID), formatDuration(m.session.DurationMs))))
		if m.session.Source != nil {
			parts = append(parts, statusStyle.Render(m.session.Source.Describe()))
		}
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderStatus() string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	providers := make([]string, 0, len(names))
	for _, name := range names {
		mark := offlineStyle.Render("✗")
		if m.providers[name] {
			mark = onlineStyle.Render("✓")
		}
		providers = append(providers, name+" "+mark)
	}

	line := fmt.Sprintf("queue %d/%d (retries %d)", m.queue.Pending, m.queue.Capacity, m.queue.RetryAttempts)
	if len(providers) > 0 {
		line += "  " + strings.Join(providers, "  ")
	}
	if !m.connected {
		line = "disconnected  " + line
	}
	return statusStyle.Render(line) + "\n" + statusStyle.Render(m.statusText)
}

func (m Model) renderTranscript(width int) string {
	lines := make([]string, 0, len(m.segments))
	for _, seg := range m.segments {
		label := providerStyle.Render(fmt.Sprintf("#%d", seg.Sequence))
		text := seg.Text
		switch seg.Provider {
		case entities.ProviderFallbackAnalysis, entities.ProviderQueuedPlaceholder:
			text = fallbackStyle.Render(text)
		}
		lines = append(lines, label+" "+text)
	}
	if len(lines) == 0 {
		lines = append(lines, statusStyle.Render("No transcript yet"))
	}

	visible := m.height - 8
	if visible < 3 {
		visible = 3
	}
	if len(lines) > visible {
		lines = lines[len(lines)-visible:]
	}

	return transcriptBox.Width(max(width-4, 20)).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
