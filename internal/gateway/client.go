package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goattend/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 20
	sendBuffer     = 256
)

// Client is one operator console connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte

	authenticated atomic.Bool
	mu            sync.RWMutex
	agentID       uuid.UUID

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Authenticated reports whether the connect handshake succeeded.
func (c *Client) Authenticated() bool { return c.authenticated.Load() }

// AgentID returns the agent bound at connect, or uuid.Nil.
func (c *Client) AgentID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

func (c *Client) authenticate(agentID uuid.UUID) {
	c.mu.Lock()
	c.agentID = agentID
	c.mu.Unlock()
	c.authenticated.Store(true)
}

// Run pumps frames until the connection drops or ctx is cancelled.
// Requests from one client are handled in order.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump(ctx)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("gateway: read failed", "client", c.id, "error", err)
			}
			return
		}
		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.FrameTypeRequest {
			c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid request frame"))
			continue
		}
		c.server.router.Handle(ctx, c, &req)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("gateway: write failed", "client", c.id, "error", err)
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

func (c *Client) enqueue(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("gateway: marshal frame", "error", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		slog.Warn("gateway: client send buffer full, dropping frame", "client", c.id)
	}
}

// SendResponse queues a response frame.
func (c *Client) SendResponse(resp *protocol.ResponseFrame) { c.enqueue(resp) }

// SendEvent queues an event frame.
func (c *Client) SendEvent(event protocol.EventFrame) { c.enqueue(event) }

// Close stops the writer and closes the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.conn.Close()
	})
}
