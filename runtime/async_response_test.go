package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/agentbus/bus"
	"github.com/flowmesh/agentbus/component"
	"github.com/flowmesh/agentbus/payload"
	"github.com/flowmesh/agentbus/runtime"
)

// asyncAgent never returns a result synchronously from Input; instead it
// echoes the correlation fields it was handed back in a later
// component.response emission, the way a long-running tool-server call
// would once its result is ready.
type asyncAgent struct {
	name string
	bus  *bus.Bus
}

func (a *asyncAgent) Name() string         { return a.name }
func (a *asyncAgent) Kind() component.Kind { return component.KindAgent }
func (a *asyncAgent) To() []string         { return nil }
func (a *asyncAgent) Input(ctx context.Context, raw any) (any, error) {
	m, _ := raw.(map[string]any)
	requestID, _ := m["_request_id"].(string)
	target, _ := m["_response_target"].(string)
	go func() {
		time.Sleep(5 * time.Millisecond)
		a.bus.EmitFromComponent(context.Background(), a.name, payload.EventComponentResponse, map[string]any{
			"_request_id":      requestID,
			"_response_target": target,
			"result":           "done later",
		})
	}()
	return nil, nil
}

func TestAsyncComponentResponseResolvesPendingRequest(t *testing.T) {
	rt := runtime.New(runtime.Config{})
	agent := &asyncAgent{name: "worker", bus: rt.Bus}
	rt.Registry.Register(agent)

	corr := rt.CorrelatorFor("caller")
	result, err := corr.Request(context.Background(), "worker", map[string]any{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done later", result)
}

// asyncErrorAgent is asyncAgent's failing twin: it resolves the pending
// request with an "error" field rather than a "result".
type asyncErrorAgent struct {
	name string
	bus  *bus.Bus
}

func (a *asyncErrorAgent) Name() string         { return a.name }
func (a *asyncErrorAgent) Kind() component.Kind { return component.KindAgent }
func (a *asyncErrorAgent) To() []string         { return nil }
func (a *asyncErrorAgent) Input(ctx context.Context, raw any) (any, error) {
	m, _ := raw.(map[string]any)
	requestID, _ := m["_request_id"].(string)
	target, _ := m["_response_target"].(string)
	go func() {
		time.Sleep(5 * time.Millisecond)
		a.bus.EmitFromComponent(context.Background(), a.name, payload.EventComponentResponse, map[string]any{
			"_request_id":      requestID,
			"_response_target": target,
			"error":            "upstream call failed",
		})
	}()
	return nil, nil
}

func TestAsyncComponentResponseWithErrorFieldSurfacesComponentError(t *testing.T) {
	rt := runtime.New(runtime.Config{})
	errAgent := &asyncErrorAgent{name: "flaky", bus: rt.Bus}
	rt.Registry.Register(errAgent)

	corr := rt.CorrelatorFor("caller2")
	result, reqErr := corr.Request(context.Background(), "flaky", map[string]any{}, time.Second)
	assert.Nil(t, result)
	require.Error(t, reqErr)
}
