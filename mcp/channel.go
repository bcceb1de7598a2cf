// Package mcp implements the Tool-Server Channel Layer: a bidirectional
// JSON-RPC transport to an external tool server (Model-Context-Protocol
// style), the registry client that resolves server metadata, the component
// that wraps a channel and presents it to the framework, and the capability
// cache populated during blocking startup. Grounded throughout on the
// teacher's features/mcp/runtime callers and runtime/mcp's SSE reader,
// generalized from one-shot tool invocation into long-lived channels that
// also listen for server-initiated notifications.
package mcp

import "context"

// Channel is an abstract bidirectional transport carrying JSON-RPC-shaped
// messages, per spec §4.8.
type Channel interface {
	// Connect opens the transport (spawning a subprocess, opening an SSE
	// stream, or validating an HTTP endpoint, depending on implementation).
	Connect(ctx context.Context) error
	// Call sends a JSON-RPC request and waits for its matching response,
	// unmarshaling the result into out if non-nil.
	Call(ctx context.Context, method string, params any, out any) error
	// Listen returns a channel of server-initiated notifications. HTTP
	// channels return a channel that is immediately closed, since that
	// transport has no long-lived listen stream.
	Listen(ctx context.Context) (<-chan Notification, error)
	// Close terminates the transport, cleaning up any subprocess, socket,
	// or stream. Idempotent.
	Close() error
}

// HandshakeOptions configures the MCP "initialize" call every channel
// performs once connected.
type HandshakeOptions struct {
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
}
