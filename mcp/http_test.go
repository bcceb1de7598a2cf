package mcp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/agentbus/mcp"
)

// newJSONRPCServer fakes a minimal MCP tool server: initialize, tools/list,
// resources/list, prompts/list, and tools/call all succeed, each delayed by
// delay before responding.
func newJSONRPCServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": mcp.DefaultProtocolVersion}
		case "tools/list":
			result = map[string]any{"tools": []map[string]any{
				{
					"name":        "search",
					"description": "search the web",
					"inputSchema": map[string]any{"type": "object"},
				},
			}}
		case "resources/list":
			result = map[string]any{"resources": []any{}}
		case "prompts/list":
			result = map[string]any{"prompts": []any{}}
		case "tools/call":
			result = map[string]any{"content": []map[string]any{{"type": "text", "text": "ok"}}}
		default:
			http.Error(w, "unknown method "+req.Method, http.StatusNotFound)
			return
		}

		resultBytes, err := json.Marshal(result)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  json.RawMessage(resultBytes),
		})
	}))
}

func TestHTTPChannelCallRoundTrip(t *testing.T) {
	srv := newJSONRPCServer(t, 0)
	defer srv.Close()

	ch := mcp.NewHTTPChannel(mcp.HTTPOptions{Endpoint: srv.URL})
	require.NoError(t, ch.Connect(context.Background()))
	defer ch.Close()

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, ch.Call(context.Background(), "tools/call", map[string]any{"name": "search"}, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "ok", result.Content[0].Text)

	notes, err := ch.Listen(context.Background())
	require.NoError(t, err)
	_, open := <-notes
	assert.False(t, open, "HTTP channels have no listen stream")
}

func TestHTTPChannelConnectFailsOnMissingEndpoint(t *testing.T) {
	ch := mcp.NewHTTPChannel(mcp.HTTPOptions{})
	err := ch.Connect(context.Background())
	require.Error(t, err)
}
