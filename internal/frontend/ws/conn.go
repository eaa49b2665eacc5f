// Package ws provides the WebSocket acceptor and per-connection transport
// for realtime clients.
package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Envelope is the wire format for every server-to-client event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Conn wraps a websocket connection with a buffered outbound queue and a
// single writer goroutine. It implements session.Transport.
type Conn struct {
	id   string
	sock *websocket.Conn

	sendCh       chan Envelope
	writeTimeout time.Duration
	pongTimeout  time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewConn wraps an upgraded websocket connection. The returned Conn's write
// pump runs until Close; sends after close or with a full buffer are
// dropped with an error rather than blocking the caller.
//
// Precondition: sock must be an open websocket connection; sendBuffer must be >= 1.
func NewConn(sock *websocket.Conn, sendBuffer int, writeTimeout, pongTimeout time.Duration) *Conn {
	if sendBuffer < 1 {
		sendBuffer = 64
	}
	c := &Conn{
		id:           uuid.NewString(),
		sock:         sock,
		sendCh:       make(chan Envelope, sendBuffer),
		writeTimeout: writeTimeout,
		pongTimeout:  pongTimeout,
		done:         make(chan struct{}),
	}
	if pongTimeout > 0 {
		_ = sock.SetReadDeadline(time.Now().Add(pongTimeout))
		sock.SetPongHandler(func(string) error {
			return sock.SetReadDeadline(time.Now().Add(pongTimeout))
		})
	}
	go c.writePump()
	return c
}

// ID returns the unique connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() string {
	return c.sock.RemoteAddr().String()
}

// Emit queues a named event for delivery. Never blocks: a closed connection
// or a full outbound buffer returns an error and the event is dropped.
//
// Postcondition: The event is queued for the write pump, or an error is returned.
func (c *Conn) Emit(event string, data any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("connection %s is closed", c.id)
	}

	select {
	case c.sendCh <- Envelope{Event: event, Data: data}:
		return nil
	default:
		return fmt.Errorf("connection %s send buffer full", c.id)
	}
}

// writePump serializes all websocket writes onto one goroutine. Keepalive
// pings go out often enough that a responsive peer never trips the read
// deadline installed by NewConn.
func (c *Conn) writePump() {
	var pingC <-chan time.Time
	if c.pongTimeout > 0 {
		ticker := time.NewTicker(c.pongTimeout * 8 / 10)
		defer ticker.Stop()
		pingC = ticker.C
	}
	for {
		select {
		case env := <-c.sendCh:
			if c.writeTimeout > 0 {
				_ = c.sock.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-pingC:
			if c.writeTimeout > 0 {
				_ = c.sock.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadEnvelope blocks until the next client message arrives and decodes it.
//
// Postcondition: Returns the decoded envelope, or the underlying read error
// when the connection is gone.
func (c *Conn) ReadEnvelope() (Envelope, error) {
	_, data, err := c.sock.ReadMessage()
	if err != nil {
		return Envelope{}, fmt.Errorf("reading message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding message: %w", err)
	}
	return env, nil
}

// Close shuts down the write pump and the underlying socket. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.sock.Close()
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
