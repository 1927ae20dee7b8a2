package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// WSState is the connection state of a WebSocket transport.
type WSState string

const (
	WSStateDisconnected WSState = "disconnected"
	WSStateConnecting   WSState = "connecting"
	WSStateConnected    WSState = "connected"
	WSStateClosed       WSState = "closed"
)

// WebSocketTransport frames JSON-RPC messages as WebSocket text
// messages. Failed connections are not transparently re-dialed:
// in-flight calls cannot survive a reconnect anyway, so the owning
// registry re-registers the extension instead.
type WebSocketTransport struct {
	url    string
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	state   WSState
	onState func(WSState)
}

// NewWebSocketTransport prepares a transport for the given ws:// or
// wss:// URL. Connect must be called before use.
func NewWebSocketTransport(url string, logger *zap.Logger) *WebSocketTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketTransport{
		url:    url,
		logger: logger.With(zap.String("component", "mcp_ws_transport")),
		state:  WSStateDisconnected,
	}
}

// OnStateChange registers a callback fired on every state transition.
func (t *WebSocketTransport) OnStateChange(fn func(WSState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

// State returns the current connection state.
func (t *WebSocketTransport) State() WSState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *WebSocketTransport) setState(s WSState) {
	t.mu.Lock()
	t.state = s
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Connect dials the server with the "mcp" subprotocol.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.setState(WSStateConnecting)

	conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		Subprotocols: []string{"mcp"},
	})
	if err != nil {
		t.setState(WSStateDisconnected)
		return fmt.Errorf("websocket connect %s: %w", t.url, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.setState(WSStateConnected)
	return nil
}

// Send writes one message. Writes are serialized; the WebSocket
// protocol forbids concurrent writers.
func (t *WebSocketTransport) Send(ctx context.Context, msg *Message) error {
	body, err := msg.encode()
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	state := t.state
	t.mu.Unlock()

	if state == WSStateClosed {
		return fmt.Errorf("websocket: transport is closed")
	}
	if conn == nil {
		return fmt.Errorf("websocket: not connected")
	}
	return conn.Write(ctx, websocket.MessageText, body)
}

// Receive reads the next message.
func (t *WebSocketTransport) Receive(ctx context.Context) (*Message, error) {
	t.mu.Lock()
	conn := t.conn
	state := t.state
	t.mu.Unlock()

	if state == WSStateClosed {
		return nil, fmt.Errorf("websocket: transport is closed")
	}
	if conn == nil {
		return nil, fmt.Errorf("websocket: not connected")
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

// Close performs a normal closure handshake.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.state == WSStateClosed {
		t.mu.Unlock()
		return nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.setState(WSStateClosed)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "closing")
	}
	return nil
}
