package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/internal/capture"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for PCM frames and relay results
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

var (
	errClientClosed    = errors.New("client connection closed")
	errSendBufferFull  = errors.New("client send buffer full")
	errHubNotAccepting = errors.New("hub is not running")
)

// Role tells panels and capture agents apart
type Role string

const (
	RolePanel   Role = "panel"
	RoleCapture Role = "capture"
)

// Controller serves panel requests. Replies go back to the requesting panel only.
type Controller interface {
	Snapshot() domain.Snapshot
	HandlePanelMessage(ctx context.Context, t domain.MessageType, payload interface{}) []domain.Message
}

// AgentHandler serves capture agent traffic
type AgentHandler interface {
	AgentConnected(agent capture.Agent)
	AgentDisconnected(agentID string)
	HandleAgentMessage(ctx context.Context, agentID string, t domain.MessageType, payload interface{})
	HandleAgentAudio(agentID string, pcm []byte)
}

// Hub maintains the set of connected panels and capture agents
type Hub struct {
	// Registered panels and agents, keyed by client id.
	clients map[string]*Client
	agents  map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when Run returns.
	done chan struct{}

	// Mutex for thread-safe access to the client maps
	mu sync.RWMutex

	controller   Controller
	agentHandler AgentHandler
	validator    *MessageValidator
	clock        clock.Clock

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(controller Controller, agentHandler AgentHandler, clk clock.Clock, logger *zap.Logger) *Hub {
	if clk == nil {
		clk = clock.New()
	}
	return &Hub{
		clients:      make(map[string]*Client),
		agents:       make(map[string]*Client),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		done:         make(chan struct{}),
		controller:   controller,
		agentHandler: agentHandler,
		validator:    NewMessageValidator(),
		clock:        clk,
		logger:       logger,
	}
}

// Run starts the hub's main loop. All connections are closed when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	if client.role == RoleCapture {
		h.agents[client.id] = client
	} else {
		h.clients[client.id] = client
	}
	h.mu.Unlock()

	h.logger.Info("Client registered", zap.String("clientID", client.id), zap.String("role", string(client.role)))

	if client.role == RoleCapture {
		if h.agentHandler != nil {
			h.agentHandler.AgentConnected(client)
		}
		return
	}

	if h.controller == nil {
		return
	}
	snapshot := domain.NewMessage(domain.MessageTypeConnectionEstablished, h.controller.Snapshot())
	if err := client.Send(snapshot); err != nil {
		h.logger.Warn("Failed to send snapshot", zap.String("clientID", client.id), zap.Error(err))
		h.remove(client)
	}
}

// remove drops client from the port set. Removing twice is a no-op.
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	set := h.clients
	if client.role == RoleCapture {
		set = h.agents
	}
	current, ok := set[client.id]
	if ok && current == client {
		delete(set, client.id)
	}
	h.mu.Unlock()

	client.closeSend()
	if !ok || current != client {
		return
	}

	h.logger.Info("Client unregistered", zap.String("clientID", client.id), zap.String("role", string(client.role)))
	if client.role == RoleCapture && h.agentHandler != nil {
		h.agentHandler.AgentDisconnected(client.id)
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients)+len(h.agents))
	for _, c := range h.clients {
		all = append(all, c)
	}
	for _, c := range h.agents {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.remove(c)
	}
}

// Broadcast sends msg to every panel. A panel whose send fails is removed.
func (h *Hub) Broadcast(msg domain.Message) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			h.logger.Warn("Dropping unreachable panel",
				zap.String("clientID", c.id),
				zap.String("messageType", string(msg.Type)),
				zap.Error(err))
			h.remove(c)
		}
	}
}

// Heartbeat broadcasts a heartbeat carrying the current time
func (h *Hub) Heartbeat() {
	h.Broadcast(domain.NewMessage(domain.MessageTypeHeartbeat, domain.HeartbeatData{
		Timestamp: h.clock.Now().UnixMilli(),
	}))
}

// ClientCount returns the number of connected panels
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// AgentCount returns the number of connected capture agents
func (h *Hub) AgentCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.agents)
}

// LastAck returns when the panel last acknowledged a heartbeat
func (h *Hub) LastAck(clientID string) (time.Time, bool) {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return c.lastAckAt()
}

func (h *Hub) enqueueRegister(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.done:
		return errHubNotAccepting
	}
}

func (h *Hub) enqueueUnregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		h.remove(client)
	}
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and the hub.
// Capture clients implement capture.Agent.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	id     string
	role   Role
	logger *zap.Logger

	mu      sync.Mutex
	closed  bool
	lastAck time.Time
}

func newClient(hub *Hub, conn *websocket.Conn, id string, role Role) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan WriteData, 256),
		id:     id,
		role:   role,
		logger: hub.logger.With(zap.String("clientID", id), zap.String("role", string(role))),
	}
}

// ID returns the authenticated client id
func (c *Client) ID() string {
	return c.id
}

// Send queues msg without blocking
func (c *Client) Send(msg domain.Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) recordAck() {
	c.mu.Lock()
	c.lastAck = c.hub.clock.Now()
	c.mu.Unlock()
}

func (c *Client) lastAckAt() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAck, !c.lastAck.IsZero()
}

// HandlePanel upgrades a display surface connection
func HandlePanel(hub *Hub, c echo.Context, clientID string) error {
	return serve(hub, c, clientID, RolePanel)
}

// HandleCapture upgrades a capture agent connection
func HandleCapture(hub *Hub, c echo.Context, agentID string) error {
	return serve(hub, c, agentID, RoleCapture)
}

func serve(hub *Hub, c echo.Context, id string, role Role) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := newClient(hub, conn, id, role)
	if err := hub.enqueueRegister(client); err != nil {
		conn.Close()
		return err
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.hub.enqueueUnregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket closed unexpectedly", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(ctx, message)
		case websocket.BinaryMessage:
			c.processBinary(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Warn("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) processMessage(ctx context.Context, message []byte) {
	msgType, payload, err := c.hub.validator.ValidateMessage(message)
	if errors.Is(err, ErrUnknownMessageType) {
		c.logger.Debug("Ignoring message", zap.String("messageType", string(msgType)))
		return
	}
	if err != nil {
		c.logger.Warn("Invalid message", zap.Error(err))
		c.reply(domain.NewErrorMessage("Invalid message", err.Error()))
		return
	}

	switch msgType {
	case domain.MessageTypeHeartbeat:
		c.reply(domain.NewMessage(domain.MessageTypeHeartbeatAck, domain.HeartbeatData{
			Timestamp: c.hub.clock.Now().UnixMilli(),
		}))
		return
	case domain.MessageTypeHeartbeatAck:
		c.recordAck()
		return
	}

	if c.role == RoleCapture {
		if c.hub.agentHandler != nil {
			c.hub.agentHandler.HandleAgentMessage(ctx, c.id, msgType, payload)
		}
		return
	}

	if c.hub.controller == nil {
		return
	}
	for _, r := range c.hub.controller.HandlePanelMessage(ctx, msgType, payload) {
		c.reply(r)
	}
}

func (c *Client) processBinary(frame []byte) {
	if c.role != RoleCapture {
		c.logger.Warn("Binary frame from a panel ignored", zap.Int("bytes", len(frame)))
		return
	}
	if c.hub.agentHandler != nil {
		c.hub.agentHandler.HandleAgentAudio(c.id, frame)
	}
}

func (c *Client) reply(msg domain.Message) {
	if err := c.Send(msg); err != nil {
		c.logger.Debug("Reply not delivered", zap.String("messageType", string(msg.Type)), zap.Error(err))
	}
}
