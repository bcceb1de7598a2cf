package mcp

import (
	"encoding/json"
	"fmt"
)

// DefaultProtocolVersion is the MCP protocol version sent during initialize
// when a caller does not specify one.
const DefaultProtocolVersion = "2024-11-05"

// JSON-RPC framing types, adapted in shape from the teacher's
// features/mcp/runtime/rpc.go into this module's domain (channels rather
// than one-shot callers).
type (
	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		ID      uint64 `json:"id,omitempty"`
		Params  any    `json:"params,omitempty"`
	}

	rpcNotification struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *rpcError       `json:"error"`
		ID      uint64          `json:"id"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	toolsCallResult struct {
		Content []contentItem `json:"content"`
		IsError bool          `json:"isError"`
	}

	contentItem struct {
		Type     string  `json:"type"`
		Text     *string `json:"text"`
		MimeType *string `json:"mimeType"`
	}
)

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

func (c contentItem) text() string {
	if c.Text == nil {
		return ""
	}
	return *c.Text
}

// normalizeToolResult turns a tools/call result into the string contract
// described in spec §4.10: complex results serialize to a JSON string,
// scalar results stringify, a missing result is empty string. A single
// text content item is the scalar case and is returned as-is; anything
// else (multiple items, or a non-text item carrying structured/binary
// data) is JSON-serialized so callers never silently lose content past
// the first item.
func normalizeToolResult(result toolsCallResult) (string, error) {
	if len(result.Content) == 0 {
		return "", nil
	}
	if len(result.Content) == 1 && (result.Content[0].Type == "" || result.Content[0].Type == "text") {
		return result.Content[0].text(), nil
	}
	b, err := json.Marshal(result.Content)
	if err != nil {
		return "", fmt.Errorf("serializing tool result: %w", err)
	}
	return string(b), nil
}

// Notification is a server-initiated JSON-RPC notification surfaced to
// callers of Channel.Listen, rather than being discarded as the teacher's
// single-call adapters do.
type Notification struct {
	Method string
	Params map[string]any
}

// handshakeParams builds the initialize request payload.
func handshakeParams(protocolVersion, clientName, clientVersion string) map[string]any {
	if protocolVersion == "" {
		protocolVersion = DefaultProtocolVersion
	}
	if clientName == "" {
		clientName = "agentbus"
	}
	if clientVersion == "" {
		clientVersion = "dev"
	}
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"roots":    map[string]any{"listChanged": true},
			"sampling": map[string]any{},
		},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
}
