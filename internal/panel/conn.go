package panel

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/satriahrh/tabscribe/domain"
)

// Envelope is one message received from the orchestrator
type Envelope struct {
	Type domain.MessageType `json:"type"`
	Data json.RawMessage    `json:"data,omitempty"`
}

// Conn is the panel's link to the orchestrator
type Conn interface {
	Send(t domain.MessageType, data interface{}) error
	Next() (Envelope, error)
	Close() error
}

type wsConn struct {
	conn   *websocket.Conn
	writeM sync.Mutex
}

// Dial opens the panel websocket at host with a panel token
func Dial(host, token string) (Conn, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/ws/panel", RawQuery: "token=" + url.QueryEscape(token)}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return &wsConn{conn: c}, nil
}

func (w *wsConn) Send(t domain.MessageType, data interface{}) error {
	payload, err := json.Marshal(domain.NewMessage(t, data))
	if err != nil {
		return err
	}
	w.writeM.Lock()
	defer w.writeM.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsConn) Next() (Envelope, error) {
	for {
		messageType, message, err := w.conn.ReadMessage()
		if err != nil {
			return Envelope{}, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			return Envelope{}, fmt.Errorf("invalid message: %w", err)
		}
		return env, nil
	}
}

func (w *wsConn) Close() error {
	w.writeM.Lock()
	w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.writeM.Unlock()
	return w.conn.Close()
}
