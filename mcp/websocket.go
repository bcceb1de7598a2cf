package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowmesh/agentbus/agentbuserr"
)

// WebSocketOptions configures a WebSocketChannel, the fallback transport
// selected by ToolServerMetadata.PreferredTransport when a server advertises
// neither a stdio package nor an SSE/HTTP remote.
type WebSocketOptions struct {
	URL             string
	Headers         map[string]string
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
}

// WebSocketChannel implements Channel over a single long-lived gorilla
// websocket connection, grounded on homeassistant.WSClient's
// dial-then-auth-then-readLoop shape and stdio.go's pending-request-map
// dispatch (generalized from a framed stdin/stdout pipe to a single
// bidirectional socket).
type WebSocketChannel struct {
	opts WebSocketOptions

	conn   *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan rpcResponse
	id        uint64

	notifyMu sync.Mutex
	notify   chan Notification

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewWebSocketChannel constructs a WebSocketChannel. Call Connect before
// Call or Listen.
func NewWebSocketChannel(opts WebSocketOptions) *WebSocketChannel {
	return &WebSocketChannel{
		opts:    opts,
		pending: make(map[uint64]chan rpcResponse),
		closed:  make(chan struct{}),
	}
}

// Connect dials the socket and performs the initialize handshake.
func (c *WebSocketChannel) Connect(ctx context.Context) error {
	if c.opts.URL == "" {
		return &agentbuserr.ChannelConnectionError{Server: "websocket", Cause: errors.New("url is required")}
	}
	header := make(http.Header, len(c.opts.Headers))
	for k, v := range c.opts.Headers {
		header.Set(k, v)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return &agentbuserr.ChannelConnectionError{Server: c.opts.URL, Cause: err}
	}
	c.conn = conn
	go c.readLoop()

	initCtx := ctx
	if c.opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, c.opts.InitTimeout)
		defer cancel()
	}
	params := handshakeParams(c.opts.ProtocolVersion, c.opts.ClientName, c.opts.ClientVersion)
	if err := c.Call(initCtx, "initialize", params, nil); err != nil {
		_ = c.Close()
		return &agentbuserr.ChannelConnectionError{Server: c.opts.URL, Cause: err}
	}
	return nil
}

// Call implements Channel.
func (c *WebSocketChannel) Call(ctx context.Context, method string, params any, out any) error {
	id := atomic.AddUint64(&c.id, 1)
	ch := make(chan rpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(id)
		return &agentbuserr.ProtocolError{Code: 0, Message: err.Error()}
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return &agentbuserr.ProtocolError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if out != nil && resp.Result != nil {
			return json.Unmarshal(resp.Result, out)
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-c.closed:
		return c.closeErr
	}
}

// Listen returns the channel of server-initiated notifications.
func (c *WebSocketChannel) Listen(ctx context.Context) (<-chan Notification, error) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.notify == nil {
		c.notify = make(chan Notification, 32)
	}
	return c.notify, nil
}

// Close terminates the connection, failing any outstanding Call.
func (c *WebSocketChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.New("channel closed")
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.closed)
	})
	return nil
}

func (c *WebSocketChannel) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.failPending(err)
			return
		}

		var frame struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			Result json.RawMessage `json:"result"`
			Error  *rpcError       `json:"error"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}

		if frame.Method != "" && frame.ID == 0 {
			var params map[string]any
			_ = json.Unmarshal(frame.Params, &params)
			c.deliverNotification(frame.Method, params)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[frame.ID]
		delete(c.pending, frame.ID)
		c.pendingMu.Unlock()
		if !ok {
			continue
		}
		ch <- rpcResponse{JSONRPC: "2.0", Result: frame.Result, Error: frame.Error, ID: frame.ID}
	}
}

func (c *WebSocketChannel) deliverNotification(method string, params map[string]any) {
	c.notifyMu.Lock()
	ch := c.notify
	c.notifyMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- Notification{Method: method, Params: params}:
	default:
	}
}

func (c *WebSocketChannel) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcResponse{Error: &rpcError{Code: -1, Message: err.Error()}}
		delete(c.pending, id)
	}
}

func (c *WebSocketChannel) removePending(id uint64) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	delete(c.pending, id)
}
