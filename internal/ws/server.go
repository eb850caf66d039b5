// Package ws implements the WebSocket fan-out server: it accepts dashboard
// connections on the shared HTTP listener, tracks per-client subscription
// channels, evicts dead connections via protocol-level heartbeats, and
// broadcasts state-change, refresh, and system events to subscribed clients.
package ws

import (
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentdash/backend/internal/config"
	"github.com/agentdash/backend/internal/metrics"
)

const controlWriteTimeout = 5 * time.Second

type Server struct {
	cfg     config.WSConfig
	monitor *metrics.Monitor
	log     zerolog.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	running bool

	// consoleResponder receives console_response payloads; the server
	// treats them as opaque passthrough.
	consoleResponder func(json.RawMessage)

	heartbeatDone chan struct{}
	closeOnce     sync.Once
}

func NewServer(cfg config.WSConfig, monitor *metrics.Monitor, log zerolog.Logger) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Server{
		cfg:     cfg,
		monitor: monitor,
		log:     log.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:       make(map[string]*client),
		heartbeatDone: make(chan struct{}),
	}
}

// SetConsoleResponder registers the external collaborator that handles
// interactive tool prompts. Must be called before Start.
func (s *Server) SetConsoleResponder(fn func(json.RawMessage)) {
	s.consoleResponder = fn
}

// Start marks the server running and launches the heartbeat loop. The HTTP
// binding itself happens when Handler() is mounted; a bind failure surfaces
// from the enclosing http.Server and is fatal to the process.
func (s *Server) Start() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	go s.heartbeatLoop()
}

// Handler returns the upgrade endpoint to mount at the configured path.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	// A connection accepted after Close would never be swept: the
	// heartbeat loop is already gone.
	if !running {
		http.Error(w, "server is not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Upgrade failed")
		return
	}

	c := newClient(uuid.NewString(), conn, s.cfg.SendBuffer)
	conn.SetPongHandler(func(string) error {
		c.markPonged(time.Now())
		return nil
	})

	s.mu.Lock()
	s.clients[c.id] = c
	count := len(s.clients)
	s.mu.Unlock()

	s.log.Info().Str("clientId", c.id).Str("remote", c.remoteAddr).Int("clients", count).Msg("Client connected")
	if s.monitor != nil {
		s.monitor.RecordWebSocket("connect", count)
	}

	go c.writePump()
	s.sendTo(c, MsgConnection, map[string]any{
		"clientId": c.id,
		"message":  "connected",
	})

	go s.readPump(c)
}

// readPump is the per-connection read loop. It exits on any read error
// (close, protocol violation, dead TCP) and removes the client.
func (s *Server) readPump(c *client) {
	defer s.removeClient(c, "read loop ended")
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleClientMessage(c, raw)
	}
}

// handleClientMessage decodes and dispatches one inbound frame. Unparsable
// payloads are logged and dropped without closing the connection.
func (s *Server) handleClientMessage(c *client, raw []byte) {
	msg, err := decodeClientMessage(raw)
	if err != nil {
		s.log.Debug().Err(err).Str("clientId", c.id).Msg("Dropping client message")
		return
	}

	switch m := msg.(type) {
	case Subscribe:
		c.subscribe(m.Channel)
		s.sendTo(c, MsgSubscriptionConfirmed, map[string]any{"channel": m.Channel})
	case Unsubscribe:
		c.unsubscribe(m.Channel)
	case Ping:
		s.sendTo(c, MsgPong, nil)
	case ConsoleResponse:
		if s.consoleResponder != nil {
			s.consoleResponder(m.Data)
		}
	}
}

// Broadcast sends a message to every client subscribed to channel; an empty
// channel reaches all clients. A failed or saturated client is removed
// immediately so it never blocks delivery to others.
func (s *Server) Broadcast(msgType MessageType, data any, channel string) {
	payload, err := json.Marshal(Envelope{Type: msgType, Data: data})
	if err != nil {
		s.log.Error().Err(err).Str("type", string(msgType)).Msg("Broadcast marshal failed")
		return
	}

	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if channel == "" || c.subscribedTo(channel) {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if !c.trySend(payload) {
			s.log.Warn().Str("clientId", c.id).Msg("Client too slow, disconnecting")
			s.removeClient(c, "send buffer full")
		}
	}

	if s.monitor != nil {
		s.monitor.RecordWebSocket("broadcast", len(targets))
	}
}

// sendTo delivers one message to a single client, evicting it on a
// saturated buffer.
func (s *Server) sendTo(c *client, msgType MessageType, data any) {
	payload, err := json.Marshal(Envelope{Type: msgType, Data: data})
	if err != nil {
		s.log.Error().Err(err).Str("type", string(msgType)).Msg("Send marshal failed")
		return
	}
	if !c.trySend(payload) {
		s.removeClient(c, "send buffer full")
	}
}

// removeClient drops the client from the registry and closes its
// connection. Idempotent: concurrent removal of the same client is safe.
func (s *Server) removeClient(c *client, reason string) {
	s.mu.Lock()
	_, present := s.clients[c.id]
	if present {
		delete(s.clients, c.id)
	}
	count := len(s.clients)
	s.mu.Unlock()

	if !present {
		return
	}
	c.shutdown()

	s.log.Info().Str("clientId", c.id).Str("reason", reason).Int("clients", count).Msg("Client removed")
	if s.monitor != nil {
		s.monitor.RecordWebSocket("disconnect", count)
	}
}

func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.heartbeatDone:
			return
		case <-ticker.C:
			s.sweepClients()
		}
	}
}

// sweepClients runs one heartbeat cycle: clients that never answered the
// previous ping are terminated; the rest are marked pending and pinged
// again. A client that misses two consecutive cycles is gone.
func (s *Server) sweepClients() {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if !c.sweep() {
			s.log.Info().Str("clientId", c.id).Msg("Heartbeat timeout, terminating client")
			s.removeClient(c, "heartbeat timeout")
			continue
		}
		deadline := time.Now().Add(controlWriteTimeout)
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			s.removeClient(c, "ping failed")
		}
	}
}

// NotifyConversationStateChange broadcasts a state transition on the
// conversation_updates channel.
func (s *Server) NotifyConversationStateChange(conversationID, newState string, extra map[string]any) {
	data := map[string]any{
		"conversationId": conversationID,
		"newState":       newState,
	}
	for k, v := range extra {
		data[k] = v
	}
	s.Broadcast(MsgConversationStateChange, data, ChannelConversations)
}

// NotifyNewMessage broadcasts the arrival of new conversation records on
// the conversation_updates channel.
func (s *Server) NotifyNewMessage(conversationID string, data map[string]any) {
	payload := map[string]any{"conversationId": conversationID}
	for k, v := range data {
		payload[k] = v
	}
	s.Broadcast(MsgNewMessage, payload, ChannelConversations)
}

// NotifyDataRefresh broadcasts an arbitrary payload on the data_updates
// channel.
func (s *Server) NotifyDataRefresh(payload any) {
	s.Broadcast(MsgDataRefresh, payload, ChannelData)
}

// NotifySystemStatus broadcasts a status message on the system_updates
// channel.
func (s *Server) NotifySystemStatus(message, level string) {
	s.Broadcast(MsgSystemStatus, map[string]any{
		"message": message,
		"level":   level,
	}, ChannelSystem)
}

// Close sends a close frame to every open client, clears the registry, and
// stops the heartbeat.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.heartbeatDone) })

	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*client)
	s.running = false
	s.mu.Unlock()

	deadline := time.Now().Add(controlWriteTimeout)
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		c.shutdown()
	}
	s.log.Info().Int("clients", len(clients)).Msg("WebSocket server closed")
}

type ClientStats struct {
	ID            string    `json:"id"`
	IP            string    `json:"ip"`
	ConnectedAt   time.Time `json:"connectedAt"`
	Subscriptions []string  `json:"subscriptions"`
	IsAlive       bool      `json:"isAlive"`
}

type ServerStats struct {
	IsRunning      bool          `json:"isRunning"`
	ClientCount    int           `json:"clientCount"`
	Clients        []ClientStats `json:"clients"`
	QueuedMessages int           `json:"queuedMessages"`
}

func (s *Server) GetStats() ServerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := ServerStats{
		IsRunning:   s.running,
		ClientCount: len(s.clients),
		Clients:     make([]ClientStats, 0, len(s.clients)),
	}
	for _, c := range s.clients {
		stats.QueuedMessages += len(c.send)
		stats.Clients = append(stats.Clients, ClientStats{
			ID:            c.id,
			IP:            c.remoteAddr,
			ConnectedAt:   c.connectedAt,
			Subscriptions: c.subscriptions(),
			IsAlive:       c.alive(),
		})
	}
	return stats
}

// ClientCount reports the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
