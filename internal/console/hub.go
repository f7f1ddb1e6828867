package console

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/thebranchdriftcatalyst/robot-console/internal/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Scripts travel inside edit messages
	maxMessageSize = 256 * 1024

	sendBuffer = 64

	// Intents waiting behind one that is talking to the robot
	intentBuffer = 32
)

// IntentHandler checks and applies operator intents. Errors from either
// method are reported to the sending client only.
type IntentHandler interface {
	// Validate performs the local checks of an intent without I/O
	Validate(msg *InboundMessage) error
	// Apply carries the intent out, possibly waiting on the robot
	Apply(ctx context.Context, msg *InboundMessage) error
}

// Client is one connected operator. Intents from one client are applied in
// arrival order on a worker goroutine, except stop and script_stop, which
// bypass the queue and supersede the motion and run intents queued before
// them.
type Client struct {
	ID      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	intents chan queuedIntent

	motionStops atomic.Uint64
	scriptStops atomic.Uint64
}

type queuedIntent struct {
	msg         *InboundMessage
	motionStops uint64
	scriptStops uint64
}

// Hub keeps the connected operators and fans state out to them
type Hub struct {
	clients   map[*Client]bool
	broadcast chan OutboundMessage
	done      chan struct{}
	stopped   bool
	handler   IntentHandler
	logger    zerolog.Logger

	mu sync.RWMutex
}

// NewHub creates a hub that passes inbound intents to handler
func NewHub(handler IntentHandler, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:   make(map[*Client]bool),
		broadcast: make(chan OutboundMessage, 16),
		done:      make(chan struct{}),
		handler:   handler,
		logger:    logger.With().Str("component", "hub").Logger(),
	}
}

// Run is the hub's main loop. It returns when ctx is cancelled, closing every
// client's send channel.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		h.stopped = true
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
		h.mu.Unlock()
		metrics.ConsoleClients.Set(0)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// Broadcast queues msg for every client. It drops the message when the hub
// has stopped.
func (h *Hub) Broadcast(msg OutboundMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

func (h *Hub) fanOut(msg OutboundMessage) {
	data := msg.ToJSON()

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Slow reader; drop it rather than stall everyone else
			close(client.send)
			delete(h.clients, client)
			h.logger.Warn().Str("client", client.ID).Msg("Client buffer full, dropping")
		}
	}
	metrics.ConsoleClients.Set(float64(len(h.clients)))
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient registers conn with the hub. initial, if set, is queued before
// any broadcast. It returns nil when the hub has stopped.
func (h *Hub) NewClient(conn *websocket.Conn, initial *OutboundMessage) *Client {
	client := &Client{
		ID:      uuid.NewString(),
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		intents: make(chan queuedIntent, intentBuffer),
	}
	if initial != nil {
		client.send <- initial.ToJSON()
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ConsoleClients.Set(float64(n))
	h.logger.Info().Str("client", client.ID).Int("total", n).Msg("Client registered")
	return client
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	stopped := h.stopped
	h.mu.Unlock()

	if !stopped {
		metrics.ConsoleClients.Set(float64(n))
	}
	h.logger.Info().Str("client", client.ID).Int("total", n).Msg("Client unregistered")
}

// ReadPump reads intents from the connection until it fails. Reading never
// waits on the robot.
func (c *Client) ReadPump(ctx context.Context) {
	go c.applyQueued(ctx)
	defer func() {
		close(c.intents)
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Str("client", c.ID).Msg("WebSocket error")
			}
			return
		}

		msg, err := ParseInbound(data)
		if err != nil {
			c.Send(NewErrorMessage("invalid message: " + err.Error()))
			continue
		}

		if msg.Type == TypePing {
			c.Send(NewPongMessage())
			continue
		}

		if err := c.hub.handler.Validate(msg); err != nil {
			c.Send(NewErrorMessage(err.Error()))
			continue
		}

		switch msg.Type {
		case TypeStop:
			c.motionStops.Add(1)
			go c.apply(ctx, msg)
			continue
		case TypeScriptStop:
			c.scriptStops.Add(1)
			go c.apply(ctx, msg)
			continue
		}

		select {
		case c.intents <- queuedIntent{msg: msg, motionStops: c.motionStops.Load(), scriptStops: c.scriptStops.Load()}:
		default:
			c.Send(NewErrorMessage("too many pending intents, dropped " + string(msg.Type)))
		}
	}
}

func (c *Client) applyQueued(ctx context.Context) {
	for q := range c.intents {
		if c.superseded(q) {
			c.hub.logger.Debug().Str("client", c.ID).Str("type", string(q.msg.Type)).Msg("Dropped intent queued before a stop")
			continue
		}
		c.apply(ctx, q.msg)
	}
}

func (c *Client) superseded(q queuedIntent) bool {
	switch q.msg.Type {
	case TypeMove, TypeRotate:
		return q.motionStops != c.motionStops.Load()
	case TypeRun:
		return q.scriptStops != c.scriptStops.Load()
	}
	return false
}

func (c *Client) apply(ctx context.Context, msg *InboundMessage) {
	if err := c.hub.handler.Apply(ctx, msg); err != nil {
		c.Send(NewErrorMessage(err.Error()))
	}
}

// WritePump writes queued messages to the connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch pending messages, one per line
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues msg for this client only. It is dropped if the buffer is full
// or the client is gone.
func (c *Client) Send(msg OutboundMessage) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- msg.ToJSON():
	default:
	}
}
