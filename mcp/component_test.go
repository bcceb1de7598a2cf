package mcp_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/agentbus/component"
	"github.com/flowmesh/agentbus/mcp"
	"github.com/flowmesh/agentbus/mcp/registry"
	"github.com/flowmesh/agentbus/runtime"
)

func newFallbackClient(identifier, url string) *registry.Client {
	return registry.NewClient(registry.WithFallback(identifier, registry.ToolServerMetadata{
		Name:        identifier,
		Description: "a search tool server",
		Remotes:     []registry.RemoteDescriptor{{Type: "http", URL: url}},
	}))
}

// TestDescriptionReflectsBlockingStartupLifecycle covers scenario S6 and
// property P6: before AsyncStartup completes, Description falls back to the
// loading sentinel; once it succeeds, Description lists the real tools
// fetched from the server.
func TestDescriptionReflectsBlockingStartupLifecycle(t *testing.T) {
	srv := newJSONRPCServer(t, 0)
	defer srv.Close()

	client := newFallbackClient("search-tool", srv.URL)
	comp := mcp.NewToolServerComponent("search", "search-tool", "1.0.0", client)

	assert.Contains(t, strings.ToLower(comp.Description()), "loading")

	require.NoError(t, comp.AsyncStartup(context.Background()))

	desc := comp.Description()
	assert.Contains(t, desc, "search")
	assert.Contains(t, desc, "search the web")
	assert.NotContains(t, strings.ToLower(desc), "loading")
}

// TestCoordinatorLeavesLoadingSentinelOnTimeout exercises the startup
// Coordinator against a server slower than the configured per-component
// timeout: the component is left not-ready and Description keeps returning
// the loading sentinel rather than a half-populated listing.
func TestCoordinatorLeavesLoadingSentinelOnTimeout(t *testing.T) {
	srv := newJSONRPCServer(t, 50*time.Millisecond)
	defer srv.Close()

	client := newFallbackClient("slow-tool", srv.URL)
	comp := mcp.NewToolServerComponent("slow", "slow-tool", "1.0.0", client)

	coord := runtime.NewCoordinator(5*time.Millisecond, nil)
	coord.RunBlockingInit(context.Background(), []component.Component{comp})

	assert.False(t, coord.Ready("slow"))
	assert.Contains(t, strings.ToLower(comp.Description()), "loading")
	assert.True(t, comp.Degraded())
}

// TestCoordinatorMarksReadyOnSuccessfulStartup is the success twin of the
// timeout test above, confirming Ready flips once AsyncStartup returns
// within the coordinator's timeout.
func TestCoordinatorMarksReadyOnSuccessfulStartup(t *testing.T) {
	srv := newJSONRPCServer(t, 0)
	defer srv.Close()

	client := newFallbackClient("search-tool", srv.URL)
	comp := mcp.NewToolServerComponent("search", "search-tool", "1.0.0", client)

	coord := runtime.NewCoordinator(time.Second, nil)
	coord.RunBlockingInit(context.Background(), []component.Component{comp})

	assert.True(t, coord.Ready("search"))
	assert.NotContains(t, strings.ToLower(comp.Description()), "loading")
}

func TestInputValidatesActionAgainstToolSchema(t *testing.T) {
	srv := newJSONRPCServer(t, 0)
	defer srv.Close()

	client := newFallbackClient("search-tool", srv.URL)
	comp := mcp.NewToolServerComponent("search", "search-tool", "1.0.0", client)
	require.NoError(t, comp.AsyncStartup(context.Background()))

	result, err := comp.Input(context.Background(), map[string]any{
		"action": "search",
		"inputs": map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestInputRejectsMissingAction(t *testing.T) {
	client := newFallbackClient("search-tool", "http://unused.invalid")
	comp := mcp.NewToolServerComponent("search", "search-tool", "1.0.0", client)

	_, err := comp.Input(context.Background(), map[string]any{"inputs": map[string]any{}})
	require.Error(t, err)
}
