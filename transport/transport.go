// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport abstracts the bidirectional, ordered, length-
// preserving message channel between a peer and the relay. The
// concrete implementation is a github.com/gorilla/websocket
// connection: every relay<->peer and (via relay forwarding)
// peer<->peer byte string travels as a single binary websocket
// message, which already gives the ordering and framing guarantees
// the rest of this module assumes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send/Receive once the connection has been
// closed locally or by the peer.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a single bidirectional message channel. Implementations must
// allow concurrent Send and Receive calls from separate goroutines,
// but need not support concurrent Send calls with each other, nor
// concurrent Receive calls with each other.
type Conn interface {
	Send(ctx context.Context, message []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

const (
	writeWait = 10 * time.Second
	// pongWait/pingPeriod implement the standard gorilla/websocket
	// keepalive pattern; the session's own 60s liveness timer layers on
	// top of this.
	pongWait   = 90 * time.Second
	pingPeriod = pongWait * 8 / 10
)

// wsConn adapts a *websocket.Conn to Conn, serializing writes with a
// mutex (gorilla/websocket forbids concurrent writers) and running a
// ping loop to keep NAT/proxy idle timeouts from severing the socket.
type wsConn struct {
	ws        *websocket.Conn
	writeMu   chan struct{} // 1-buffered, acts as a non-reentrant lock
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:      ws,
		writeMu: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	c.writeMu <- struct{}{}
	ws.SetReadLimit(int64(DefaultMaxMessageBytes))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop()
	return c
}

// DefaultMaxMessageBytes bounds a single websocket message, matching
// wire.DefaultMaxFrameSize so an oversize peer-to-peer packet is
// rejected at the transport layer before it ever reaches the decoder.
const DefaultMaxMessageBytes = 16 << 20

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			<-c.writeMu
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu <- struct{}{}
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) Send(ctx context.Context, message []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	select {
	case <-c.writeMu:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { c.writeMu <- struct{}{} }()

	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	out := make(chan result, 1)
	go func() {
		_, data, err := c.ws.ReadMessage()
		out <- result{data, err}
	}()

	select {
	case r := <-out:
		if r.err != nil {
			if websocket.IsCloseError(r.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("transport: read: %w", r.err)
		}
		return r.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}
}

// Close is idempotent: second and later calls (from any goroutine) are
// no-ops returning nil.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

// Dial opens a client-side websocket connection to a relay listening
// at url (e.g. "wss://relay.example.org/ws").
func Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return newWSConn(ws), nil
}

// upgrader turns an incoming HTTP request into a Conn on the relay
// side. CheckOrigin is permissive: this is a point-to-point relay
// protocol, not a browser-facing API that needs CSRF-style origin
// pinning.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Upgrade promotes an HTTP handler's request to a websocket Conn.
func Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade: %w", err)
	}
	return newWSConn(ws), nil
}
