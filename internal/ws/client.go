package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// client is one open WebSocket connection. The server owns the registry of
// clients; nothing outside this package holds a reference.
type client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	remoteAddr  string
	connectedAt time.Time

	mu       sync.Mutex
	subs     map[string]struct{}
	isAlive  bool
	lastPong time.Time
	closed   bool
}

func newClient(id string, conn *websocket.Conn, sendBuffer int) *client {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		remoteAddr:  conn.RemoteAddr().String(),
		connectedAt: time.Now(),
		subs:        make(map[string]struct{}),
		isAlive:     true,
	}
}

// writePump drains the send channel onto the connection. One writer per
// connection; closing the channel ends the pump and the connection.
func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// trySend queues a message without blocking. Returns false when the send
// buffer is saturated — the caller evicts the client. Sends to an
// already-shut-down client are silently dropped.
func (c *client) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// shutdown closes the send channel (ending the write pump) and the
// connection. Safe to call more than once.
func (c *client) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	c.conn.Close()
}

func (c *client) subscribe(channel string) {
	c.mu.Lock()
	c.subs[channel] = struct{}{}
	c.mu.Unlock()
}

func (c *client) unsubscribe(channel string) {
	c.mu.Lock()
	delete(c.subs, channel)
	c.mu.Unlock()
}

func (c *client) subscribedTo(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[channel]
	return ok
}

func (c *client) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	return channels
}

// markPonged records a protocol pong: the client survives the next
// heartbeat sweep.
func (c *client) markPonged(at time.Time) {
	c.mu.Lock()
	c.isAlive = true
	c.lastPong = at
	c.mu.Unlock()
}

// sweep implements one heartbeat cycle for this client: a client that never
// ponged since the last sweep reports dead; a live one is re-armed and will
// be pinged again.
func (c *client) sweep() (alive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isAlive {
		return false
	}
	c.isAlive = false
	return true
}

func (c *client) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAlive
}
