package payload_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/agentbus/payload"
)

func TestCreatePayloadKnownSchema(t *testing.T) {
	reg := payload.NewRegistry(nil)
	p := reg.CreatePayload(payload.EventInputReceived, map[string]any{
		"input":      "hello",
		"inputs":     map[string]any{"k": "v"},
		"session_id": "s-1",
		"bogus":      "dropped",
	})
	ir, ok := p.(*payload.InputReceived)
	require.True(t, ok)
	assert.Equal(t, "hello", ir.Input)
	assert.Equal(t, "v", ir.Inputs["k"])
	require.NotNil(t, ir.SessionID)
	assert.Equal(t, "s-1", *ir.SessionID)
	assert.Empty(t, reg.Validate(ir))
}

func TestCreatePayloadUnknownEventIsGeneric(t *testing.T) {
	reg := payload.NewRegistry(nil)
	p := reg.CreatePayload("agent.response", map[string]any{"text": "hi"})
	g, ok := p.(interface{ RawData() map[string]any })
	require.True(t, ok, "unknown events are backed by a Generic payload")
	assert.Equal(t, "agent.response", p.Event())
	assert.Equal(t, "hi", g.RawData()["text"])
}

func TestCreatePayloadJSONStringCoercion(t *testing.T) {
	reg := payload.NewRegistry(nil)
	p := reg.CreatePayload(payload.EventToolCall, `{"tool":"search","args":{"q":"go"}}`)
	tc, ok := p.(*payload.ToolCall)
	require.True(t, ok)
	assert.Equal(t, "search", tc.Tool)
	assert.Equal(t, "go", tc.Args["q"])
}

func TestCreatePayloadCoercionFailureFallsBackToGeneric(t *testing.T) {
	reg := payload.NewRegistry(nil)
	p := reg.CreatePayload(payload.EventToolCall, "{not json")
	_, isToolCall := p.(*payload.ToolCall)
	assert.False(t, isToolCall)
	assert.Equal(t, payload.EventToolCall, p.Event())
}

func TestValidateEmptyRequiredFields(t *testing.T) {
	reg := payload.NewRegistry(nil)
	p := reg.CreatePayload(payload.EventAgentThought, map[string]any{})
	errs := reg.Validate(p)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "thought")
}

func TestIsInputToPeer(t *testing.T) {
	assert.True(t, payload.IsInputToPeer(payload.EventInputReceived))
	assert.False(t, payload.IsInputToPeer(payload.EventAgentThought))
}

func TestRegisterExtensibilityHook(t *testing.T) {
	payload.Register("custom.event", func(data map[string]any) []string {
		if data["required"] == nil {
			return []string{"custom.event: required field missing"}
		}
		return nil
	})
	reg := payload.NewRegistry(nil)
	p := reg.CreatePayload("custom.event", map[string]any{})
	errs := reg.Validate(p)
	require.Len(t, errs, 1)
}

func TestRoundTripFieldEquality(t *testing.T) {
	reg := payload.NewRegistry(nil)
	original := reg.CreatePayload(payload.EventToolCall, map[string]any{
		"tool": "calc",
		"args": map[string]any{"x": float64(1)},
	}).(*payload.ToolCall)

	back := reg.CreatePayload(payload.EventToolCall, map[string]any{
		"tool": original.Tool,
		"args": original.Args,
	}).(*payload.ToolCall)

	assert.Equal(t, original.Tool, back.Tool)
	assert.Equal(t, original.Args, back.Args)
}
