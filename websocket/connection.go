// Package websocket provides the WebSocket half of the connection
// pipeline: a session-owning transport connection plus a client that
// routes every outbound message through the throttling pipeline while
// delivering inbound messages unthrottled.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned for operations on a session that was
	// never opened or already closed.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrAlreadyConnected is returned when Connect is called twice.
	ErrAlreadyConnected = errors.New("websocket already connected")
	// ErrConnectionClosed is returned when the session closed underneath
	// an in-flight operation.
	ErrConnectionClosed = errors.New("websocket connection closed")
)

const controlWriteTimeout = 5 * time.Second

// Connection owns one WebSocket session's transport state.
type Connection struct {
	dialer *websocket.Dialer
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithDialer replaces the default gorilla dialer.
func WithDialer(dialer *websocket.Dialer) ConnectionOption {
	return func(c *Connection) { c.dialer = dialer }
}

// NewConnection creates an unopened WebSocket connection.
func NewConnection(logger *zap.Logger, opts ...ConnectionOption) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Connection{
		dialer: websocket.DefaultDialer,
		logger: logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Connect opens the session against url.
func (c *Connection) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return ErrAlreadyConnected
	}

	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", url, err)
	}

	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.conn = conn
	c.connected = true

	c.logger.Debug("websocket connected", zap.String("url", url))

	return nil
}

// Connected reports whether the session is open.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

// Disconnect sends a close frame and tears the session down. It is safe
// to call on an already-closed connection.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	c.connected = false

	deadline := time.Now().Add(controlWriteTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

	err := c.conn.Close()
	c.conn = nil

	c.logger.Debug("websocket disconnected")

	return err
}

// Ping sends a ping control frame.
func (c *Connection) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(controlWriteTimeout)
	}

	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Send encodes and writes one outbound message. The client's write loop
// is the sole caller, which satisfies the transport's single-writer rule.
func (c *Connection) Send(ctx context.Context, request *Request) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	data, err := encodeMessage(request)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.markClosed()

		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	return nil
}

// Receive blocks for the next inbound frame. Text frames are decoded as
// JSON when possible and fall back to the raw text otherwise. A close
// frame (or any read failure) marks the session disconnected and returns
// ErrConnectionClosed.
func (c *Connection) Receive(ctx context.Context) (*Response, error) {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()

	if !connected {
		return nil, ErrNotConnected
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		c.markClosed()

		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	resp := &Response{Raw: data, ReceivedAt: time.Now()}

	var decoded any
	if json.Unmarshal(data, &decoded) == nil {
		resp.Data = decoded
	} else {
		resp.Data = string(data)
	}

	return resp, nil
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return
	}

	c.connected = false

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func encodeMessage(request *Request) ([]byte, error) {
	switch request.Kind {
	case KindText:
		text, ok := request.Payload.(string)
		if !ok {
			return nil, fmt.Errorf("text message payload must be a string, got %T", request.Payload)
		}

		return []byte(text), nil
	default:
		data, err := json.Marshal(request.Payload)
		if err != nil {
			return nil, fmt.Errorf("encoding message payload: %w", err)
		}

		return data, nil
	}
}
