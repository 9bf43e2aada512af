package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/bus"
	"github.com/lexiqai/voice-assistant/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameSize   = 1 << 20
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	// Browser clients are served from anywhere during development
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type frame struct {
	messageType int
	data        []byte
}

// client is one connected browser
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan frame
	logger zerolog.Logger

	// capturing is set between the first audio frame and END_OF_STREAM
	capturing bool
}

// Hub bridges websocket clients onto the bus. Binary frames are audio
// chunks for voice/stream and a text END_OF_STREAM frame ends the capture.
// Replies from voice/response/stream (text, JSON) and voice/response
// (binary, WAV) are sent to every connected client.
type Hub struct {
	bus    bus.Bus
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a hub publishing to b
func NewHub(b bus.Bus, logger zerolog.Logger) *Hub {
	return &Hub{
		bus:     b,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Subscribe starts relaying replies to clients
func (h *Hub) Subscribe(ctx context.Context) error {
	if err := h.bus.Subscribe(ctx, bus.TopicResponseStream, func(topic string, payload []byte) {
		h.broadcast(frame{messageType: websocket.TextMessage, data: payload})
	}); err != nil {
		return err
	}
	return h.bus.Subscribe(ctx, bus.TopicResponse, func(topic string, payload []byte) {
		h.broadcast(frame{messageType: websocket.BinaryMessage, data: payload})
	})
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the client until it disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan frame, sendBufferSize),
	}
	c.logger = h.logger.With().Str("client_id", c.id).Str("remote", r.RemoteAddr).Logger()

	h.register(c)
	c.logger.Info().Msg("WebSocket client connected")

	go h.writePump(c)
	h.readPump(context.WithoutCancel(r.Context()), c)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- f:
		default:
			// A client that cannot keep up is dropped rather than stalling the bus
			c.logger.Warn().Msg("Client send buffer full, disconnecting")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// readPump publishes the client's frames until the connection ends
func (h *Hub) readPump(ctx context.Context, c *client) {
	defer func() {
		if c.capturing {
			// The capture was cut off, so end it for the orchestrator
			c.logger.Info().Msg("Client left mid-capture, ending stream")
			h.publish(ctx, c, bus.TopicStream, []byte(bus.EndOfStream))
		}
		h.unregister(c)
		_ = c.conn.Close()
		c.logger.Info().Msg("WebSocket client disconnected")
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			c.capturing = true
			h.publish(ctx, c, bus.TopicStream, data)
		case websocket.TextMessage:
			if !bus.IsEndOfStream(data) {
				c.logger.Debug().Str("text", string(data)).Msg("Ignoring unknown text frame")
				continue
			}
			c.capturing = false
			h.publish(ctx, c, bus.TopicStream, data)
		}
	}
}

func (h *Hub) publish(ctx context.Context, c *client, topic string, data []byte) {
	if err := h.bus.Publish(ctx, topic, data); err != nil {
		observability.RecordError("transport", "gateway")
		c.logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish client frame")
	}
}

// writePump sends queued frames and keeps the connection alive with pings
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(f.messageType, f.data); err != nil {
				c.logger.Warn().Err(err).Msg("WebSocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
