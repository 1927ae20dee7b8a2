package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newEchoWSServer upgrades to WebSocket and echoes every message back.
func newEchoWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"mcp"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketTransport_RoundTrip(t *testing.T) {
	srv := newEchoWSServer(t)
	tr := NewWebSocketTransport(wsURL(srv), zap.NewNop())

	var states []WSState
	tr.OnStateChange(func(s WSState) { states = append(states, s) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, tr.Connect(ctx))
	assert.Equal(t, WSStateConnected, tr.State())

	req, err := NewRequest(42, "tools/list", nil)
	require.NoError(t, err)
	require.NoError(t, tr.Send(ctx, req))

	echo, err := tr.Receive(ctx)
	require.NoError(t, err)
	id, ok := echo.ResponseID()
	require.True(t, ok)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, "tools/list", echo.Method)

	require.NoError(t, tr.Close())
	assert.Equal(t, WSStateClosed, tr.State())
	assert.Equal(t, []WSState{WSStateConnecting, WSStateConnected, WSStateClosed}, states)
}

func TestWebSocketTransport_NotConnected(t *testing.T) {
	tr := NewWebSocketTransport("ws://127.0.0.1:1", zap.NewNop())

	msg, _ := NewRequest(1, "ping", nil)
	err := tr.Send(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	_, err = tr.Receive(context.Background())
	require.Error(t, err)
}

func TestWebSocketTransport_ConnectRefused(t *testing.T) {
	tr := NewWebSocketTransport("ws://127.0.0.1:1", zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := tr.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, WSStateDisconnected, tr.State())
}

func TestWebSocketTransport_UseAfterClose(t *testing.T) {
	srv := newEchoWSServer(t)
	tr := NewWebSocketTransport(wsURL(srv), zap.NewNop())

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	msg, _ := NewRequest(1, "ping", nil)
	err := tr.Send(ctx, msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}
