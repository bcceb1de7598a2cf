package bus_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowmesh/agentbus/bus"
	"github.com/flowmesh/agentbus/payload"
	"github.com/flowmesh/agentbus/telemetry"
)

type spyTracer struct {
	mu     sync.Mutex
	starts []string
}

type spySpan struct{}

func (s *spySpan) End(...trace.SpanEndOption)             {}
func (s *spySpan) AddEvent(string, ...any)                {}
func (s *spySpan) SetStatus(codes.Code, string)           {}
func (s *spySpan) RecordError(error, ...trace.EventOption) {}

func (t *spyTracer) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	t.mu.Lock()
	t.starts = append(t.starts, name)
	t.mu.Unlock()
	return ctx, &spySpan{}
}

func TestEmitRunsEveryHookExactlyOnce(t *testing.T) {
	b := bus.New(payload.NewRegistry(nil), nil)
	var calls int64
	const n = 20
	for i := 0; i < n; i++ {
		b.AddHook(payload.EventAgentThought, bus.HookFunc(func(ctx context.Context, p payload.Payload) error {
			atomic.AddInt64(&calls, 1)
			return nil
		}))
	}

	b.Emit(context.Background(), payload.EventAgentThought, map[string]any{"thought": "hi"})

	assert.Equal(t, int64(n), atomic.LoadInt64(&calls))
}

func TestHookErrorDoesNotAbortEmission(t *testing.T) {
	b := bus.New(payload.NewRegistry(nil), nil)
	var secondRan, listenerRan bool

	b.AddHook(payload.EventAgentThought, bus.HookFunc(func(ctx context.Context, p payload.Payload) error {
		panic("boom")
	}))
	b.AddHook(payload.EventAgentThought, bus.HookFunc(func(ctx context.Context, p payload.Payload) error {
		secondRan = true
		return nil
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	b.AddListener(payload.EventAgentThought, bus.ListenerFunc(func(ctx context.Context, p payload.Payload) {
		listenerRan = true
		wg.Done()
	}))

	p := b.Emit(context.Background(), payload.EventAgentThought, map[string]any{"thought": "hi"})
	wg.Wait()

	assert.True(t, secondRan, "a panicking hook must not block sibling hooks")
	assert.True(t, listenerRan, "a panicking hook must not block listeners")
	assert.Equal(t, payload.EventAgentThought, p.Event())
}

func TestPipesThreadPayloadSequentially(t *testing.T) {
	b := bus.New(payload.NewRegistry(nil), nil)

	b.AddPipe(payload.EventInputReceived, bus.PipeFunc(func(ctx context.Context, p payload.Payload) (payload.Payload, error) {
		ir := p.(*payload.InputReceived)
		next := *ir
		next.Input = "[x] " + next.Input
		return &next, nil
	}))
	b.AddPipe(payload.EventInputReceived, bus.PipeFunc(func(ctx context.Context, p payload.Payload) (payload.Payload, error) {
		ir := p.(*payload.InputReceived)
		next := *ir
		next.Input = next.Input + "!"
		return &next, nil
	}))

	out := b.Emit(context.Background(), payload.EventInputReceived, map[string]any{"input": "hello"})
	ir, ok := out.(*payload.InputReceived)
	require.True(t, ok)
	assert.Equal(t, "[x] hello!", ir.Input)
}

func TestPipeReturningNilKeepsPreviousPayload(t *testing.T) {
	b := bus.New(payload.NewRegistry(nil), nil)
	b.AddPipe(payload.EventInputReceived, bus.PipeFunc(func(ctx context.Context, p payload.Payload) (payload.Payload, error) {
		return nil, nil
	}))

	out := b.Emit(context.Background(), payload.EventInputReceived, map[string]any{"input": "hello"})
	ir, ok := out.(*payload.InputReceived)
	require.True(t, ok)
	assert.Equal(t, "hello", ir.Input)
}

func TestPipeMismatchedSchemaIsDiscarded(t *testing.T) {
	b := bus.New(payload.NewRegistry(nil), nil)
	b.AddPipe(payload.EventInputReceived, bus.PipeFunc(func(ctx context.Context, p payload.Payload) (payload.Payload, error) {
		return payload.NewGeneric("something.else", map[string]any{}), nil
	}))

	out := b.Emit(context.Background(), payload.EventInputReceived, map[string]any{"input": "hello"})
	assert.Equal(t, payload.EventInputReceived, out.Event())
}

func TestPipePanicIsIsolated(t *testing.T) {
	b := bus.New(payload.NewRegistry(nil), nil)
	b.AddPipe(payload.EventInputReceived, bus.PipeFunc(func(ctx context.Context, p payload.Payload) (payload.Payload, error) {
		panic("pipe exploded")
	}))
	b.AddPipe(payload.EventInputReceived, bus.PipeFunc(func(ctx context.Context, p payload.Payload) (payload.Payload, error) {
		ir := p.(*payload.InputReceived)
		next := *ir
		next.Input = next.Input + "-ok"
		return &next, nil
	}))

	out := b.Emit(context.Background(), payload.EventInputReceived, map[string]any{"input": "hello"})
	ir, ok := out.(*payload.InputReceived)
	require.True(t, ok)
	assert.Equal(t, "hello-ok", ir.Input)
}

func TestSubscriptionCloseStopsFurtherDelivery(t *testing.T) {
	b := bus.New(payload.NewRegistry(nil), nil)
	var calls int64
	sub := b.AddHook(payload.EventAgentThought, bus.HookFunc(func(ctx context.Context, p payload.Payload) error {
		atomic.AddInt64(&calls, 1)
		return nil
	}))

	b.Emit(context.Background(), payload.EventAgentThought, map[string]any{"thought": "one"})
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close()) // idempotent
	b.Emit(context.Background(), payload.EventAgentThought, map[string]any{"thought": "two"})

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

type recordingRouter struct {
	mu      sync.Mutex
	sources []string
}

func (r *recordingRouter) Deliver(ctx context.Context, source, event string, p payload.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, source)
	return nil
}

func TestEmitFromComponentInvokesRouter(t *testing.T) {
	b := bus.New(payload.NewRegistry(nil), nil)
	r := &recordingRouter{}
	b.SetRouter(r)

	b.EmitFromComponent(context.Background(), "cli_input", payload.EventInputReceived, map[string]any{"input": "hi"})

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.sources, 1)
	assert.Equal(t, "cli_input", r.sources[0])
}

type erroringRouter struct{}

func (erroringRouter) Deliver(ctx context.Context, source, event string, p payload.Payload) error {
	return assert.AnError
}

func TestEmitFromComponentSwallowsRouterError(t *testing.T) {
	b := bus.New(payload.NewRegistry(nil), nil)
	b.SetRouter(erroringRouter{})

	assert.NotPanics(t, func() {
		b.EmitFromComponent(context.Background(), "cli_input", payload.EventInputReceived, map[string]any{"input": "hi"})
	})
}

func TestSetTracerSpansEmitAndRoute(t *testing.T) {
	b := bus.New(payload.NewRegistry(nil), nil)
	tracer := &spyTracer{}
	b.SetTracer(tracer)
	b.SetRouter(&recordingRouter{})

	b.EmitFromComponent(context.Background(), "cli_input", payload.EventInputReceived, map[string]any{"input": "hi"})

	tracer.mu.Lock()
	defer tracer.mu.Unlock()
	assert.Contains(t, tracer.starts, "bus.emit")
	assert.Contains(t, tracer.starts, "bus.route")
}
