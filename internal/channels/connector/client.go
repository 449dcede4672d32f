// Package connector is the client side of the persistent socket to the
// channel-connector process, which performs the actual delivery to
// WhatsApp, Telegram and the web widget.
//
// Frames are JSON text messages:
//
//	connector → gateway  {"type":"inbound","id":"…","envelope":{…}}
//	gateway → connector  {"type":"ack","id":"…","ok":true}
//	gateway → connector  {"type":"outbound","id":"…","message":{…}}
//	connector → gateway  {"type":"delivery","id":"…","ok":false,"error":"…"}
//
// An inbound frame is acked only after it has been processed. ok:false
// tells the connector to redeliver.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/channels"
)

const (
	frameInbound  = "inbound"
	frameAck      = "ack"
	frameOutbound = "outbound"
	frameDelivery = "delivery"

	readLimit = 8 << 20 // attachments travel inline
)

var errNotConnected = errors.New("connector: not connected")

// Processor handles one inbound message before it is acked. A non-nil
// error is returned to the connector in the ack.
type Processor func(ctx context.Context, msg bus.InboundMessage) error

type frame struct {
	Type     string               `json:"type"`
	ID       string               `json:"id,omitempty"`
	Envelope *channels.Envelope   `json:"envelope,omitempty"`
	Message  *bus.OutboundMessage `json:"message,omitempty"`
	OK       bool                 `json:"ok,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Client keeps one socket to the connector open, reconnecting with
// exponential backoff, and implements channels.Gateway.
type Client struct {
	*channels.BaseGateway
	url        string
	token      string
	ackTimeout time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration

	process Processor

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan error
	inflight sync.WaitGroup

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Client for the connector at url (ws:// or wss://).
func New(url, token string, router bus.MessageRouter) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("connector: url is required")
	}
	return &Client{
		BaseGateway: channels.NewBaseGateway("connector", router),
		url:         url,
		token:       token,
		ackTimeout:  10 * time.Second,
		minBackoff:  time.Second,
		maxBackoff:  30 * time.Second,
		pending:     make(map[string]chan error),
	}, nil
}

// SetProcessor makes inbound acks wait for p. Without one, inbound
// messages are published to the bus and acked immediately. Call before Start.
func (c *Client) SetProcessor(p Processor) { c.process = p }

// Start launches the connect/read loop. A failed first dial is retried in
// the background.
func (c *Client) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	slog.Info("connector: starting", "url", c.url)
	go c.run(ctx)
	return nil
}

// Stop closes the socket and waits for the loop to exit.
func (c *Client) Stop(_ context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	<-c.done
	c.inflight.Wait()
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, c.url, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return nil, fmt.Errorf("connector: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	backoff := c.minBackoff

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("connector: connect failed, will retry", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}
		backoff = c.minBackoff

		c.setConn(conn)
		slog.Info("connector: connected", "url", c.url)
		err = c.readLoop(ctx, conn)
		c.clearConn(err)
		conn.Close(websocket.StatusNormalClosure, "")

		if ctx.Err() != nil {
			return
		}
		slog.Warn("connector: connection lost, reconnecting", "error", err)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.SetRunning(true)
}

// clearConn drops the socket and fails every send awaiting delivery.
func (c *Client) clearConn(cause error) {
	c.mu.Lock()
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan error)
	c.mu.Unlock()
	c.SetRunning(false)

	for _, ch := range pending {
		ch <- fmt.Errorf("connector: connection lost: %w", cause)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		switch f.Type {
		case frameInbound:
			c.handleInbound(ctx, conn, f)
		case frameDelivery:
			c.resolve(f)
		default:
			slog.Debug("connector: ignoring frame", "type", f.Type)
		}
	}
}

func (c *Client) handleInbound(ctx context.Context, conn *websocket.Conn, f frame) {
	ack := frame{Type: frameAck, ID: f.ID, OK: true}
	if f.Envelope == nil {
		ack.OK, ack.Error = false, "missing envelope"
		c.writeAck(ctx, conn, ack)
		return
	}
	msg, err := channels.Normalize(*f.Envelope)
	if err != nil {
		slog.Warn("connector: inbound rejected", "id", f.ID, "kind", f.Envelope.Kind, "error", err)
		ack.OK, ack.Error = false, err.Error()
		c.writeAck(ctx, conn, ack)
		return
	}
	if c.process == nil {
		c.Publish(msg)
		c.writeAck(ctx, conn, ack)
		return
	}

	// processing may block on the store; the read loop keeps serving
	// delivery reports meanwhile
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		if err := c.process(ctx, msg); err != nil {
			ack.OK, ack.Error = false, err.Error()
		}
		c.writeAck(ctx, conn, ack)
	}()
}

func (c *Client) writeAck(ctx context.Context, conn *websocket.Conn, ack frame) {
	if err := wsjson.Write(ctx, conn, ack); err != nil {
		slog.Warn("connector: ack failed", "id", ack.ID, "ok", ack.OK, "error", err)
	}
}

func (c *Client) resolve(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if f.OK {
		ch <- nil
		return
	}
	ch <- fmt.Errorf("connector: delivery failed: %s", f.Error)
}

// Send writes an outbound frame and waits for the connector's delivery
// report.
func (c *Client) Send(ctx context.Context, msg bus.OutboundMessage) error {
	id := uuid.NewString()
	result := make(chan error, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return errNotConnected
	}
	c.pending[id] = result
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := wsjson.Write(ctx, conn, frame{Type: frameOutbound, ID: id, Message: &msg}); err != nil {
		forget()
		return fmt.Errorf("connector: write: %w", err)
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		forget()
		return fmt.Errorf("connector: no delivery report for %s after %s", id, c.ackTimeout)
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}
