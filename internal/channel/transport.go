// ============================================================================
// Falcon-Monitor Channel Transport
// ============================================================================
//
// Package: internal/channel
// File: transport.go
// Purpose: Defines the transport abstraction the supervisor drives, plus the
// production WebSocket implementation.
//
// Motivation:
//   The supervisor's contract (reconnect, replay, heartbeat) must hold for
//   any framed message stream. Decoupling it from the socket lets tests use
//   an in-memory fake and keeps framing concerns out of the supervisor.
//
// ============================================================================

package channel

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one established channel connection.
type Conn interface {
	// ReadMessage blocks until the next inbound frame or a transport error.
	ReadMessage() ([]byte, error)
	// WriteJSON sends one control message.
	WriteJSON(v interface{}) error
	Close() error
}

// Transport establishes channel connections.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketTransport dials a WebSocket endpoint speaking JSON envelopes.
type WebSocketTransport struct {
	URL    string
	dialer *websocket.Dialer
}

// NewWebSocketTransport creates a transport for the given ws:// or wss:// URL.
func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{
		URL: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial opens one WebSocket connection.
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	c, resp, err := t.dialer.DialContext(ctx, t.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteJSON(v interface{}) error {
	return w.c.WriteJSON(v)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}
