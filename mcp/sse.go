package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/agentbus/agentbuserr"
)

// SSEOptions configures an SSE-transport channel: a long-lived event stream
// for server-to-client messages, plus a companion POST endpoint for
// client-to-server requests.
type SSEOptions struct {
	StreamURL       string
	PostURL         string
	Client          *http.Client
	Headers         map[string]string
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
}

// SSEChannel implements Channel over an SSE stream (server→client) plus a
// companion HTTP POST endpoint (client→server), adapted from the teacher's
// runtime/mcp SSE event reader and features/mcp/runtime HTTP POST transport.
// Unlike the teacher's single-call adapter, Listen surfaces "notification"
// frames instead of discarding them, since a long-lived channel must
// observe server-initiated pushes between calls.
type SSEChannel struct {
	opts   SSEOptions
	client *http.Client
	id     uint64
	idMu   sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan rpcResponse

	notifyMu sync.Mutex
	notify   chan Notification

	cancelListen context.CancelFunc
	closeOnce    sync.Once
	closed       chan struct{}
}

// NewSSEChannel constructs an SSEChannel. Call Connect before use.
func NewSSEChannel(opts SSEOptions) *SSEChannel {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &SSEChannel{
		opts:    opts,
		client:  client,
		pending: make(map[uint64]chan rpcResponse),
		closed:  make(chan struct{}),
	}
}

// Connect opens the SSE stream reader goroutine and sends initialize.
func (c *SSEChannel) Connect(ctx context.Context) error {
	if c.opts.StreamURL == "" || c.opts.PostURL == "" {
		return &agentbuserr.ChannelConnectionError{Server: "sse", Cause: fmt.Errorf("stream and post URLs are required")}
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	c.cancelListen = cancel
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.opts.StreamURL, nil)
	if err != nil {
		cancel()
		return &agentbuserr.ChannelConnectionError{Server: c.opts.StreamURL, Cause: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return &agentbuserr.ChannelConnectionError{Server: c.opts.StreamURL, Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return &agentbuserr.ChannelConnectionError{Server: c.opts.StreamURL, Cause: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	go c.readLoop(resp.Body)

	initCtx := ctx
	if c.opts.InitTimeout > 0 {
		var icancel context.CancelFunc
		initCtx, icancel = context.WithTimeout(ctx, c.opts.InitTimeout)
		defer icancel()
	}
	params := handshakeParams(c.opts.ProtocolVersion, c.opts.ClientName, c.opts.ClientVersion)
	if err := c.Call(initCtx, "initialize", params, nil); err != nil {
		_ = c.Close()
		return &agentbuserr.ChannelConnectionError{Server: c.opts.StreamURL, Cause: err}
	}
	return nil
}

func (c *SSEChannel) nextID() uint64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	c.id++
	return c.id
}

// Call posts a JSON-RPC request to the companion endpoint and waits for the
// matching response to arrive on the SSE stream.
func (c *SSEChannel) Call(ctx context.Context, method string, params any, out any) error {
	id := c.nextID()
	ch := make(chan rpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params})
	if err != nil {
		c.removePending(id)
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.PostURL, bytes.NewReader(body))
	if err != nil {
		c.removePending(id)
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.removePending(id)
		return &agentbuserr.ChannelConnectionError{Server: c.opts.PostURL, Cause: err}
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.removePending(id)
		return &agentbuserr.ProtocolError{Code: resp.StatusCode, Message: "companion POST endpoint rejected request"}
	}

	select {
	case rpcResp := <-ch:
		if rpcResp.Error != nil {
			return &agentbuserr.ProtocolError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
		}
		if out != nil && rpcResp.Result != nil {
			return json.Unmarshal(rpcResp.Result, out)
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("sse channel closed")
	}
}

// Listen returns the channel of notification frames observed on the SSE
// stream.
func (c *SSEChannel) Listen(ctx context.Context) (<-chan Notification, error) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.notify == nil {
		c.notify = make(chan Notification, 32)
	}
	return c.notify, nil
}

// Close stops the SSE reader and releases resources.
func (c *SSEChannel) Close() error {
	c.closeOnce.Do(func() {
		if c.cancelListen != nil {
			c.cancelListen()
		}
		close(c.closed)
		c.notifyMu.Lock()
		if c.notify != nil {
			close(c.notify)
		}
		c.notifyMu.Unlock()
	})
	return nil
}

func (c *SSEChannel) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *SSEChannel) readLoop(body interface {
	Read([]byte) (int, error)
	Close() error
}) {
	defer func() { _ = body.Close() }()
	reader := bufio.NewReader(body)
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			return
		}
		switch event {
		case "response":
			var resp rpcResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				continue
			}
			c.pendingMu.Lock()
			ch, ok := c.pending[resp.ID]
			if ok {
				delete(c.pending, resp.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- resp
				close(ch)
			}
		case "notification":
			var note rpcNotification
			if err := json.Unmarshal(data, &note); err != nil {
				continue
			}
			params, _ := note.Params.(map[string]any)
			c.notifyMu.Lock()
			ch := c.notify
			c.notifyMu.Unlock()
			if ch != nil {
				select {
				case ch <- Notification{Method: note.Method, Params: params}:
				default:
				}
			}
		default:
			continue
		}
	}
}

// readSSEEvent reads one "event:"/"data:" frame, adapted from the teacher's
// runtime/mcp SSE reader.
func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, after...)
			continue
		}
	}
}
