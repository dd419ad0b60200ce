// Package websocket streams committed pool events to WebSocket subscribers.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/lend/pkg/events"
	"github.com/luxfi/lend/pkg/lending"
)

// Channel names. Per-account channels take a lowercase hex address suffix.
const (
	ChannelEvents   = "events"
	ChannelStats    = "stats"
	PrefixKind      = "events:"
	PrefixLender    = "lender:"
	PrefixBorrower  = "borrower:"
	welcomeType     = "welcome"
	eventType       = "event"
	statsType       = "stats"
	errorType       = "error"
	subscribedType  = "subscribed"
	unsubscribeType = "unsubscribed"
)

// StatsSource provides the stats channel snapshot. *lending.Pool satisfies it.
type StatsSource interface {
	Stats() lending.Stats
}

// Server fans pool events out to WebSocket clients
type Server struct {
	stats  StatsSource
	logger log.Logger
	config Config

	// Client management
	clients    map[*Client]bool
	clientsMu  sync.Mutex
	unregister chan *Client
	broadcast  chan events.Event

	// Subscription management
	subscriptions map[string]map[*Client]bool // channel -> clients
	subMu         sync.RWMutex

	// Stats
	messagesOut uint64
	dropped     uint64
	clientCount int32

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running sync.Once
}

// Client represents a WebSocket client connection
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	channels map[string]bool
	closed   bool
	mu       sync.RWMutex
}

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

// SubscribeRequest represents a subscription request
type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// Config holds WebSocket server configuration
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
	// SendBuffer is the per-client queue; a client that falls this far behind
	// is disconnected.
	SendBuffer int
	// EventBuffer queues published events for the hub. Events beyond it are
	// dropped, never blocking the publisher.
	EventBuffer int
}

// DefaultConfig returns default WebSocket configuration
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 * 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
		SendBuffer:      256,
		EventBuffer:     1024,
	}
}

// NewServer creates a new WebSocket server. stats may be nil, in which case
// the stats channel is not offered.
func NewServer(stats StatsSource, logger log.Logger, config Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		stats:         stats,
		logger:        logger,
		config:        config,
		clients:       make(map[*Client]bool),
		unregister:    make(chan *Client, 100),
		broadcast:     make(chan events.Event, config.EventBuffer),
		subscriptions: make(map[string]map[*Client]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Handler serves /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Run starts the hub. It is called by Start and is safe to call more than once.
func (s *Server) Run() {
	s.running.Do(func() {
		s.wg.Add(1)
		go s.runHub()
	})
}

// Start runs the hub and serves WebSocket connections on addr until Stop.
func (s *Server) Start(addr string) error {
	s.Run()
	s.logger.Info("WebSocket server starting", "addr", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-s.ctx.Done()
		server.Shutdown(context.Background())
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("WebSocket server error: %w", err)
	}
	return nil
}

// Stop shuts down the WebSocket server
func (s *Server) Stop() {
	s.logger.Info("Stopping WebSocket server")
	s.cancel()
	s.wg.Wait()
}

// Publish queues ev for subscribers without blocking.
func (s *Server) Publish(ev events.Event) {
	select {
	case s.broadcast <- ev:
	default:
		n := atomic.AddUint64(&s.dropped, 1)
		s.logger.Warn("WebSocket event dropped", "seq", ev.Seq, "kind", ev.Kind, "dropped", n)
	}
}

// runHub manages client connections and message routing
func (s *Server) runHub() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.clientsMu.Lock()
			clients := make([]*Client, 0, len(s.clients))
			for client := range s.clients {
				clients = append(clients, client)
			}
			s.clientsMu.Unlock()
			for _, client := range clients {
				s.removeClient(client)
			}
			return

		case client := <-s.unregister:
			s.removeClient(client)

		case ev := <-s.broadcast:
			s.broadcastEvent(ev)

		case <-ticker.C:
			s.logger.Debug("WebSocket stats",
				"clients", atomic.LoadInt32(&s.clientCount),
				"messages", atomic.LoadUint64(&s.messagesOut),
				"dropped", atomic.LoadUint64(&s.dropped))
		}
	}
}

// addClient registers a client unless the server is stopping.
func (s *Server) addClient(client *Client) bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.clients[client] = true
	atomic.AddInt32(&s.clientCount, 1)
	s.logger.Debug("Client connected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))
	return true
}

// removeClient runs on the hub goroutine, which alone closes send channels.
func (s *Server) removeClient(client *Client) {
	s.clientsMu.Lock()
	_, ok := s.clients[client]
	delete(s.clients, client)
	s.clientsMu.Unlock()
	if !ok {
		return
	}
	client.mu.Lock()
	client.closed = true
	close(client.send)
	client.mu.Unlock()
	atomic.AddInt32(&s.clientCount, -1)
	s.unsubscribeAll(client)
	s.logger.Debug("Client disconnected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))
}

// handleWebSocket handles WebSocket upgrade and client connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.config.ReadBufferSize,
		WriteBufferSize: s.config.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:       uuid.NewString(),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, s.config.SendBuffer),
		channels: make(map[string]bool),
	}

	// Queue the welcome before any event can be delivered.
	client.sendMessage(Message{
		Type:      welcomeType,
		Data:      map[string]interface{}{"id": client.id},
		Timestamp: time.Now().Unix(),
	})
	if !s.addClient(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// handleHealth provides health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "healthy",
		"clients":  atomic.LoadInt32(&s.clientCount),
		"messages": atomic.LoadUint64(&s.messagesOut),
		"dropped":  atomic.LoadUint64(&s.dropped),
	})
}

// readPump handles incoming messages from client
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.conn.Close()
	}()

	cfg := c.server.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	for {
		var msg json.RawMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("WebSocket read error", "id", c.id, "error", err)
			}
			return
		}
		c.handleMessage(msg)
	}
}

// writePump handles outgoing messages to client
func (c *Client) writePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			atomic.AddUint64(&c.server.messagesOut, 1)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes incoming client messages
func (c *Client) handleMessage(raw json.RawMessage) {
	var req SubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("Invalid message format")
		return
	}

	switch req.Type {
	case "subscribe":
		c.handleSubscribe(req.Channels)
	case "unsubscribe":
		c.handleUnsubscribe(req.Channels)
	case "ping":
		c.sendMessage(Message{Type: "pong", Timestamp: time.Now().Unix()})
	case "":
		c.sendError("Missing message type")
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

// handleSubscribe handles subscription requests
func (c *Client) handleSubscribe(channels []string) {
	if len(channels) == 0 {
		c.sendError("Invalid channels format")
		return
	}
	accepted := make([]string, 0, len(channels))
	for _, ch := range channels {
		channel, err := c.server.normalize(ch)
		if err != nil {
			c.sendError(err.Error())
			continue
		}

		c.mu.Lock()
		c.channels[channel] = true
		c.mu.Unlock()
		c.server.subscribe(channel, c)
		accepted = append(accepted, channel)
	}

	c.sendMessage(Message{
		Type:      subscribedType,
		Data:      map[string]interface{}{"channels": accepted},
		Timestamp: time.Now().Unix(),
	})

	for _, channel := range accepted {
		if channel == ChannelStats {
			c.sendStats()
		}
	}
}

// handleUnsubscribe handles unsubscription requests
func (c *Client) handleUnsubscribe(channels []string) {
	removed := make([]string, 0, len(channels))
	for _, ch := range channels {
		channel, err := c.server.normalize(ch)
		if err != nil {
			continue
		}

		c.mu.Lock()
		delete(c.channels, channel)
		c.mu.Unlock()
		c.server.unsubscribe(channel, c)
		removed = append(removed, channel)
	}

	c.sendMessage(Message{
		Type:      unsubscribeType,
		Data:      map[string]interface{}{"channels": removed},
		Timestamp: time.Now().Unix(),
	})
}

func (c *Client) sendStats() {
	c.sendMessage(Message{
		Type:      statsType,
		Channel:   ChannelStats,
		Data:      c.server.stats.Stats(),
		Timestamp: time.Now().Unix(),
	})
}

// sendMessage queues a message for the client. A client whose queue is full
// loses the message and is disconnected.
func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to marshal message", "error", err)
		return
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	full := false
	select {
	case c.send <- data:
	default:
		full = true
	}
	c.mu.RUnlock()

	if full {
		select {
		case c.server.unregister <- c:
		default:
		}
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(message string) {
	c.sendMessage(Message{
		Type:      errorType,
		Data:      map[string]interface{}{"message": message},
		Timestamp: time.Now().Unix(),
	})
}

// normalize validates a channel name and lowercases account suffixes.
func (s *Server) normalize(channel string) (string, error) {
	switch {
	case channel == ChannelEvents:
		return channel, nil
	case channel == ChannelStats:
		if s.stats == nil {
			return "", fmt.Errorf("channel %q not available", channel)
		}
		return channel, nil
	case strings.HasPrefix(channel, PrefixKind):
		kind := events.Kind(strings.TrimPrefix(channel, PrefixKind))
		for _, k := range events.Kinds {
			if k == kind {
				return channel, nil
			}
		}
	case strings.HasPrefix(channel, PrefixLender), strings.HasPrefix(channel, PrefixBorrower):
		i := strings.Index(channel, ":")
		addr := channel[i+1:]
		if len(addr) == 42 && strings.HasPrefix(addr, "0x") {
			return channel[:i+1] + strings.ToLower(addr), nil
		}
	}
	return "", fmt.Errorf("unknown channel %q", channel)
}

// subscribe adds a client to a channel
func (s *Server) subscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subscriptions[channel] == nil {
		s.subscriptions[channel] = make(map[*Client]bool)
	}
	s.subscriptions[channel][client] = true
}

// unsubscribe removes a client from a channel
func (s *Server) unsubscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if clients, ok := s.subscriptions[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// unsubscribeAll removes a client from all channels
func (s *Server) unsubscribeAll(client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for channel, clients := range s.subscriptions {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// Channels lists the channels ev is delivered on.
func Channels(ev events.Event) []string {
	out := []string{ChannelEvents, PrefixKind + string(ev.Kind)}
	if ev.Lender != (common.Address{}) {
		out = append(out, PrefixLender+strings.ToLower(ev.Lender.Hex()))
	}
	if ev.Borrower != (common.Address{}) {
		out = append(out, PrefixBorrower+strings.ToLower(ev.Borrower.Hex()))
	}
	return out
}

// broadcastEvent sends ev once to every client subscribed to any of its
// channels, then refreshes stats subscribers.
func (s *Server) broadcastEvent(ev events.Event) {
	targets := make(map[*Client]bool)
	s.subMu.RLock()
	for _, ch := range Channels(ev) {
		for client := range s.subscriptions[ch] {
			targets[client] = true
		}
	}
	statsSubs := make([]*Client, 0, len(s.subscriptions[ChannelStats]))
	for client := range s.subscriptions[ChannelStats] {
		statsSubs = append(statsSubs, client)
	}
	s.subMu.RUnlock()

	if len(targets) > 0 {
		data, err := json.Marshal(Message{
			Type:      eventType,
			Channel:   PrefixKind + string(ev.Kind),
			Data:      ev,
			Timestamp: ev.Time.Unix(),
			Sequence:  ev.Seq,
		})
		if err != nil {
			s.logger.Error("Failed to marshal broadcast message", "error", err)
			return
		}
		for client := range targets {
			s.deliver(client, data)
		}
	}

	if len(statsSubs) > 0 && s.stats != nil {
		data, err := json.Marshal(Message{
			Type:      statsType,
			Channel:   ChannelStats,
			Data:      s.stats.Stats(),
			Timestamp: time.Now().Unix(),
			Sequence:  ev.Seq,
		})
		if err != nil {
			s.logger.Error("Failed to marshal stats message", "error", err)
			return
		}
		for _, client := range statsSubs {
			s.deliver(client, data)
		}
	}
}

// deliver runs on the hub goroutine.
func (s *Server) deliver(client *Client, data []byte) {
	s.clientsMu.Lock()
	registered := s.clients[client]
	s.clientsMu.Unlock()
	if !registered {
		return
	}
	select {
	case client.send <- data:
	default:
		s.logger.Warn("Slow WebSocket client disconnected", "id", client.id)
		s.removeClient(client)
	}
}

// GetStats returns server statistics
func (s *Server) GetStats() map[string]interface{} {
	s.subMu.RLock()
	numChannels := len(s.subscriptions)
	s.subMu.RUnlock()

	return map[string]interface{}{
		"clients":       atomic.LoadInt32(&s.clientCount),
		"messages_sent": atomic.LoadUint64(&s.messagesOut),
		"dropped":       atomic.LoadUint64(&s.dropped),
		"channels":      numChannels,
	}
}
