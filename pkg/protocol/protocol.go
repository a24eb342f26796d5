// Package protocol implements the per-connection session state machine over
// a WebSocket transport.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/minoru/kensaku/pkg/event"
)

// MessageType represents the type of Nostr protocol message
type MessageType string

const (
	MessageTypeEvent  MessageType = "EVENT"
	MessageTypeReq    MessageType = "REQ"
	MessageTypeClose  MessageType = "CLOSE"
	MessageTypeEOSE   MessageType = "EOSE"   // End of stored events
	MessageTypeOK     MessageType = "OK"     // Command result
	MessageTypeNotice MessageType = "NOTICE" // Human-readable message
	MessageTypeCount  MessageType = "COUNT"  // Event counting
	MessageTypeClosed MessageType = "CLOSED" // Subscription rejection
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// maxProtocolErrors closes connections that keep sending garbage.
	maxProtocolErrors = 10
)

// ErrQueueFull is returned by Send when the outbound queue overflows.
var ErrQueueFull = errors.New("outbound queue full")

// Handler processes parsed protocol messages.
type Handler interface {
	HandleEvent(ctx context.Context, c *Client, evt *event.Event) error
	HandleReq(ctx context.Context, c *Client, subID string, filters []*event.Filter) error
	HandleClose(ctx context.Context, c *Client, subID string) error
	HandleCount(ctx context.Context, c *Client, countID string, filters []*event.Filter) error
	HandleDisconnect(c *Client)
}

// Limiter gates inbound messages. Allow reports whether one more message may
// be processed now.
type Limiter interface {
	Allow() bool
}

// Client represents one WebSocket connection. Connection id, outbound queue
// and cancellation all live here: the connection is the unit of backpressure.
type Client struct {
	id      string
	conn    *websocket.Conn
	handler Handler
	logger  *zap.Logger
	limiter Limiter

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	protocolErrors int
}

// Options configure a Client.
type Options struct {
	// QueueSize bounds the outbound queue. A full queue closes the
	// connection rather than blocking or silently dropping.
	QueueSize int
	// Limiter, when set, rate limits inbound messages.
	Limiter Limiter
}

// NewClient wraps an upgraded WebSocket connection.
func NewClient(conn *websocket.Conn, handler Handler, logger *zap.Logger, opts Options) *Client {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	id := uuid.NewString()
	logger.Debug("new connection",
		zap.String("conn_id", id),
		zap.String("remote", conn.RemoteAddr().String()))
	return &Client{
		id:      id,
		conn:    conn,
		handler: handler,
		logger:  logger.With(zap.String("conn_id", id)),
		limiter: opts.Limiter,
		sendCh:  make(chan []byte, opts.QueueSize),
		closeCh: make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// RemoteAddr returns the remote address of the client.
func (c *Client) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Start processes messages until the connection closes. It blocks.
func (c *Client) Start(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.readPump(ctx)
	}()

	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()

	wg.Wait()
	c.handler.HandleDisconnect(c)
}

// readPump reads messages from the WebSocket connection. Inbound messages
// are processed in receipt order.
func (c *Client) readPump(ctx context.Context) {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		default:
		}

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.SendNotice("rate limited: slow down")
			continue
		}

		if err := c.handleMessage(ctx, message); err != nil {
			c.SendNotice(fmt.Sprintf("error: %v", err))
			c.protocolErrors++
			if c.protocolErrors >= maxProtocolErrors {
				c.logger.Warn("too many protocol errors, closing connection")
				return
			}
		}
	}
}

// writePump sends queued messages and keepalive pings.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case message := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
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

// handleMessage dispatches a single protocol message.
func (c *Client) handleMessage(ctx context.Context, message []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(message, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if len(raw) == 0 {
		return fmt.Errorf("empty message")
	}

	var msgType string
	if err := json.Unmarshal(raw[0], &msgType); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	switch MessageType(msgType) {
	case MessageTypeEvent:
		return c.handleEventMessage(ctx, raw)
	case MessageTypeReq:
		return c.handleReqMessage(ctx, raw)
	case MessageTypeClose:
		return c.handleCloseMessage(ctx, raw)
	case MessageTypeCount:
		return c.handleCountMessage(ctx, raw)
	default:
		return fmt.Errorf("unknown message type: %s", msgType)
	}
}

func (c *Client) handleEventMessage(ctx context.Context, raw []json.RawMessage) error {
	if len(raw) != 2 {
		return fmt.Errorf("EVENT message must have 2 elements")
	}

	var evt event.Event
	if err := json.Unmarshal(raw[1], &evt); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	return c.handler.HandleEvent(ctx, c, &evt)
}

func (c *Client) handleReqMessage(ctx context.Context, raw []json.RawMessage) error {
	subID, filters, err := parseSubMessage(raw, "REQ")
	if err != nil {
		return err
	}
	return c.handler.HandleReq(ctx, c, subID, filters)
}

func (c *Client) handleCloseMessage(ctx context.Context, raw []json.RawMessage) error {
	if len(raw) != 2 {
		return fmt.Errorf("CLOSE message must have 2 elements")
	}

	var subID string
	if err := json.Unmarshal(raw[1], &subID); err != nil {
		return fmt.Errorf("invalid subscription ID: %w", err)
	}

	return c.handler.HandleClose(ctx, c, subID)
}

func (c *Client) handleCountMessage(ctx context.Context, raw []json.RawMessage) error {
	countID, filters, err := parseSubMessage(raw, "COUNT")
	if err != nil {
		return err
	}
	return c.handler.HandleCount(ctx, c, countID, filters)
}

func parseSubMessage(raw []json.RawMessage, kind string) (string, []*event.Filter, error) {
	if len(raw) < 3 {
		return "", nil, fmt.Errorf("%s message must have at least 3 elements", kind)
	}

	var subID string
	if err := json.Unmarshal(raw[1], &subID); err != nil {
		return "", nil, fmt.Errorf("invalid subscription ID: %w", err)
	}
	if subID == "" {
		return "", nil, fmt.Errorf("empty subscription ID")
	}

	var filters []*event.Filter
	for i := 2; i < len(raw); i++ {
		var filter event.Filter
		if err := json.Unmarshal(raw[i], &filter); err != nil {
			return "", nil, fmt.Errorf("invalid filter: %w", err)
		}
		filters = append(filters, &filter)
	}

	return subID, filters, nil
}

// queue enqueues a frame without blocking; a full queue is an overflow.
func (c *Client) queue(data []byte) error {
	select {
	case <-c.closeCh:
		return fmt.Errorf("client closed")
	case c.sendCh <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Client) sendJSON(msg []interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.queue(data)
}

// Send queues an EVENT frame for a subscription. It satisfies the fan-out
// engine's Sink contract.
func (c *Client) Send(subID string, evt *event.Event) error {
	return c.sendJSON([]interface{}{MessageTypeEvent, subID, evt})
}

// Fail notifies the client and closes the connection. Part of the Sink
// contract: slow consumers are failed, not throttled.
func (c *Client) Fail(reason string) {
	c.SendNotice(fmt.Sprintf("closing: %s", reason))
	c.Close()
}

// SendEvent sends an event to the client for a subscription
func (c *Client) SendEvent(subID string, evt *event.Event) error {
	return c.Send(subID, evt)
}

// SendEOSE sends an end-of-stored-events marker.
func (c *Client) SendEOSE(subID string) error {
	return c.sendJSON([]interface{}{MessageTypeEOSE, subID})
}

// SendOK sends the accept/reject acknowledgment for a published event.
func (c *Client) SendOK(eventID string, accepted bool, message string) error {
	return c.sendJSON([]interface{}{MessageTypeOK, eventID, accepted, message})
}

// SendNotice sends a human-readable notice message
func (c *Client) SendNotice(message string) error {
	return c.sendJSON([]interface{}{MessageTypeNotice, message})
}

// SendClosed rejects or terminates a subscription with a reason.
func (c *Client) SendClosed(subID string, reason string) error {
	return c.sendJSON([]interface{}{MessageTypeClosed, subID, reason})
}

// SendCount sends a COUNT response to the client
func (c *Client) SendCount(countID string, count int) error {
	return c.sendJSON([]interface{}{MessageTypeCount, countID, map[string]interface{}{"count": count}})
}

// Close closes the client connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.conn.Close()
	})
}
