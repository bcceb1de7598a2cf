package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/flowmesh/agentbus/agentbuserr"
)

// sessionIDHeader is the well-known header a server may use to hand back a
// session identifier instead of embedding it in the response body.
const sessionIDHeader = "Mcp-Session-Id"

// HTTPOptions configures an HTTP-transport channel, adapted from the
// teacher's features/mcp/runtime/httpcaller.go HTTPOptions.
type HTTPOptions struct {
	Endpoint        string
	Client          *http.Client
	Headers         map[string]string
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
}

// HTTPChannel implements Channel over request/response JSON-RPC HTTP calls.
// Per spec §4.8, a server-supplied session id extracted from the first
// response (body field "session_id" or the Mcp-Session-Id header) is echoed
// on subsequent requests; HTTP has no long-lived listen stream, so Listen
// returns an already-closed channel.
type HTTPChannel struct {
	opts      HTTPOptions
	client    *http.Client
	id        uint64
	sessionID atomic.Value // string
}

// NewHTTPChannel constructs an HTTPChannel. Call Connect before use.
func NewHTTPChannel(opts HTTPOptions) *HTTPChannel {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPChannel{opts: opts, client: client}
}

// Connect validates configuration and sends the initialize handshake.
func (c *HTTPChannel) Connect(ctx context.Context) error {
	if c.opts.Endpoint == "" {
		return &agentbuserr.ChannelConnectionError{Server: "http", Cause: fmt.Errorf("endpoint is required")}
	}
	initCtx := ctx
	if c.opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, c.opts.InitTimeout)
		defer cancel()
	}
	params := handshakeParams(c.opts.ProtocolVersion, c.opts.ClientName, c.opts.ClientVersion)
	if err := c.Call(initCtx, "initialize", params, nil); err != nil {
		return &agentbuserr.ChannelConnectionError{Server: c.opts.Endpoint, Cause: err}
	}
	return nil
}

func (c *HTTPChannel) nextID() uint64 { return atomic.AddUint64(&c.id, 1) }

// Call implements Channel.
func (c *HTTPChannel) Call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, ID: c.nextID(), Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	if sid, ok := c.sessionID.Load().(string); ok && sid != "" {
		req.Header.Set(sessionIDHeader, sid)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &agentbuserr.ChannelConnectionError{Server: c.opts.Endpoint, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get(sessionIDHeader); sid != "" {
		c.sessionID.Store(sid)
	}
	if resp.StatusCode != http.StatusOK {
		return &agentbuserr.ProtocolError{Code: resp.StatusCode, Message: fmt.Sprintf("unexpected HTTP status from %q", c.opts.Endpoint)}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if sid, ok := extractSessionID(rpcResp.Result); ok {
		c.sessionID.Store(sid)
	}
	if rpcResp.Error != nil {
		return &agentbuserr.ProtocolError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if out != nil && rpcResp.Result != nil {
		return json.Unmarshal(rpcResp.Result, out)
	}
	return nil
}

func extractSessionID(raw []byte) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var probe struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.SessionID == "" {
		return "", false
	}
	return probe.SessionID, true
}

// Listen returns an already-closed channel: HTTP channels have no long-lived
// listen stream and deliver no notifications, per spec §4.8.
func (c *HTTPChannel) Listen(ctx context.Context) (<-chan Notification, error) {
	ch := make(chan Notification)
	close(ch)
	return ch, nil
}

// Close is a no-op: HTTPChannel holds no persistent connection.
func (c *HTTPChannel) Close() error { return nil }
