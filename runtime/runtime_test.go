package runtime_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/agentbus/agentbuserr"
	"github.com/flowmesh/agentbus/component"
	"github.com/flowmesh/agentbus/payload"
	"github.com/flowmesh/agentbus/runtime"
)

// echoAgent answers every input with "echo: <input>", grounded on the
// minimal agent stub style used across the teacher's demo wiring.
type echoAgent struct {
	name string
}

func (a *echoAgent) Name() string         { return a.name }
func (a *echoAgent) Kind() component.Kind { return component.KindAgent }
func (a *echoAgent) To() []string         { return nil }
func (a *echoAgent) Input(ctx context.Context, raw any) (any, error) {
	p, ok := raw.(*payload.InputReceived)
	if !ok {
		return nil, nil
	}
	return "echo: " + p.Input, nil
}

type recordingOutput struct {
	name     string
	received []any
}

func (o *recordingOutput) Name() string         { return o.name }
func (o *recordingOutput) Kind() component.Kind { return component.KindOutput }
func (o *recordingOutput) To() []string         { return nil }
func (o *recordingOutput) Input(ctx context.Context, raw any) (any, error) {
	o.received = append(o.received, raw)
	return nil, nil
}

type sliceInputSource struct {
	values []string
	i      int
}

func (s *sliceInputSource) ReadInput(ctx context.Context) (string, bool, error) {
	if s.i >= len(s.values) {
		return "", false, nil
	}
	v := s.values[s.i]
	s.i++
	return v, true, nil
}

func specOf(c component.Component) component.Spec {
	return component.Spec{
		Name:   c.Name(),
		Kind:   c.Kind(),
		Config: map[string]any{},
		Build: func(ctx context.Context, resolved component.Spec, deps map[string]component.Component) (component.Component, error) {
			return c, nil
		},
	}
}

// TestSimpleInputAgentOutput exercises scenario S1: inp -> ag -> out with
// explicit "to" edges.
func TestSimpleInputAgentOutput(t *testing.T) {
	in := simpleComponent{name: "inp", kind: component.KindInput}
	agent := &echoAgent{name: "ag"}
	out := &recordingOutput{name: "out"}

	inSpec := specOf(in)
	inSpec.Config["to"] = "ag"
	agentSpec := specOf(agent)
	agentSpec.Config["to"] = "out"
	outSpec := specOf(out)

	rt := runtime.New(runtime.Config{})
	require.NoError(t, rt.Bootstrap(context.Background(), map[string]component.Spec{
		"inp": inSpec,
		"ag":  agentSpec,
		"out": outSpec,
	}))

	agentResponses := 0
	rt.Bus.AddListener(payload.EventAgentResponse, agentResponseCounter(&agentResponses))

	rt.Bus.EmitFromComponent(context.Background(), "inp", payload.EventInputReceived, map[string]any{"input": "hello"})

	require.Len(t, out.received, 1)
	gen, ok := out.received[0].(payload.Payload)
	require.True(t, ok)
	assert.Equal(t, payload.EventAgentResponse, gen.Event(), "out receives ag's response tagged by ag's kind")
	assert.Equal(t, 1, agentResponses, "exactly one agent.response emission")
}

// TestInferredRouting exercises scenario S2: the same wiring, but without
// explicit "to" — the router infers input-kind to single agent-kind.
func TestInferredRouting(t *testing.T) {
	in := simpleComponent{name: "inp", kind: component.KindInput}
	agent := &echoAgent{name: "ag"}

	inSpec := specOf(in)
	agentSpec := specOf(agent)

	rt := runtime.New(runtime.Config{})
	require.NoError(t, rt.Bootstrap(context.Background(), map[string]component.Spec{
		"inp": inSpec,
		"ag":  agentSpec,
	}))

	assert.Equal(t, []string{"ag"}, rt.Router.Routes("inp"))
}

type simpleComponent struct {
	name string
	kind component.Kind
}

func (s simpleComponent) Name() string                                  { return s.name }
func (s simpleComponent) Kind() component.Kind                          { return s.kind }
func (s simpleComponent) To() []string                                  { return nil }
func (s simpleComponent) Input(ctx context.Context, raw any) (any, error) { return nil, nil }

// TestPipeTransformsPayload exercises scenario S3: a pipe registered on
// input.received mutates the input text. The emission comes from the agent
// itself, so the test checks the text the pipe produced, not what a
// downstream component receives.
func TestPipeTransformsPayload(t *testing.T) {
	agent := &echoAgent{name: "ag"}
	agentSpec := specOf(agent)

	rt := runtime.New(runtime.Config{})
	require.NoError(t, rt.Bootstrap(context.Background(), map[string]component.Spec{
		"ag": agentSpec,
	}))

	var seen string
	rt.Bus.AddPipe(payload.EventInputReceived, prependPipe("[x] ", &seen))

	rt.Bus.EmitFromComponent(context.Background(), "ag", payload.EventInputReceived, map[string]any{"input": "hi"})

	assert.Equal(t, "[x] hi", seen)
}

// TestCycleDetectionFailsBootstrap exercises scenario S7: a routing cycle
// a -> b -> a must fail Bootstrap with a ValidationError naming both.
func TestCycleDetectionFailsBootstrap(t *testing.T) {
	a := simpleComponent{name: "a", kind: component.KindOther}
	b := simpleComponent{name: "b", kind: component.KindOther}
	aSpec := specOf(a)
	aSpec.Config["to"] = "b"
	bSpec := specOf(b)
	bSpec.Config["to"] = "a"

	rt := runtime.New(runtime.Config{})
	err := rt.Bootstrap(context.Background(), map[string]component.Spec{"a": aSpec, "b": bSpec})
	require.Error(t, err)
	var verr *agentbuserr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), `"a"`)
	assert.Contains(t, err.Error(), `"b"`)
}

func agentResponseCounter(n *int) testListener {
	return testListener{fn: func() { *n++ }}
}

type testListener struct{ fn func() }

func (l testListener) Notify(ctx context.Context, p payload.Payload) { l.fn() }

func prependPipe(prefix string, seen *string) testPipe {
	return testPipe{prefix: prefix, seen: seen}
}

type testPipe struct {
	prefix string
	seen   *string
}

func (p testPipe) Transform(ctx context.Context, in payload.Payload) (payload.Payload, error) {
	ir, ok := in.(*payload.InputReceived)
	if !ok {
		return nil, nil
	}
	next := *ir
	next.Input = p.prefix + ir.Input
	*p.seen = next.Input
	return &next, nil
}
