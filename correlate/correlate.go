// Package correlate implements the request/response correlator: components
// ask the runtime for a reply from a named peer and get back a value or a
// timeout, rather than hand-rolling their own completion channel for every
// call. The pending-map-plus-timeout shape is grounded on the teacher's
// features/mcp/runtime stdio caller's pending-call table, generalized from a
// uint64 JSON-RPC id to a UUID request id and from a single transport to any
// component reachable through the bus/router.
package correlate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/agentbus/agentbuserr"
	"github.com/flowmesh/agentbus/component"
	"github.com/flowmesh/agentbus/telemetry"
)

const (
	// DefaultTimeout is the request timeout used when a builder does not
	// specify one, per spec §4.4.
	DefaultTimeout = 5 * time.Second
	// ToolCallTimeout is the default used by tool-server components for
	// tools/call requests, per spec §4.10.
	ToolCallTimeout = 30 * time.Second
)

// StreamChunk is one element of a request_stream response.
type StreamChunk struct {
	Data       any
	IsFinal    bool
	ChunkIndex int
	Metadata   map[string]any
}

// pending tracks one outstanding request awaiting its reply.
type pending struct {
	done   chan struct{}
	result any
	err    error
	once   sync.Once
}

func (p *pending) resolve(result any, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// Correlator issues component-to-component requests and resolves them when
// a matching component_response envelope arrives, or on timeout.
type Correlator struct {
	self     string
	registry *component.Registry
	tracer   telemetry.Tracer
	metrics  telemetry.Metrics

	mu      sync.Mutex
	waiting map[string]*pending
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithTracer sets the tracer spanning each Request. Defaults to a no-op
// tracer.
func WithTracer(t telemetry.Tracer) Option { return func(c *Correlator) { c.tracer = t } }

// WithMetrics sets the metrics recorder counting requests. Defaults to a
// no-op recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(c *Correlator) { c.metrics = m } }

// New constructs a Correlator for a caller named self, resolving targets
// through registry.
func New(self string, registry *component.Registry, opts ...Option) *Correlator {
	c := &Correlator{
		self:     self,
		registry: registry,
		tracer:   telemetry.NewNoopTracer(),
		metrics:  telemetry.NewNoopMetrics(),
		waiting:  make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestBuilder is the fluent form described in spec §4.4.
type RequestBuilder struct {
	c       *Correlator
	target  string
	data    any
	timeout time.Duration
}

// NewRequest starts a fluent request builder.
func (c *Correlator) NewRequest(data any) *RequestBuilder {
	return &RequestBuilder{c: c, data: data, timeout: DefaultTimeout}
}

// To sets the request's target component name.
func (b *RequestBuilder) To(target string) *RequestBuilder {
	b.target = target
	return b
}

// WithTimeout overrides the default timeout.
func (b *RequestBuilder) WithTimeout(d time.Duration) *RequestBuilder {
	b.timeout = d
	return b
}

// Do executes the built request.
func (b *RequestBuilder) Do(ctx context.Context) (any, error) {
	if b.target == "" {
		return nil, &agentbuserr.ValidationErrorKind{Reason: "request builder has no target"}
	}
	return b.c.Request(ctx, b.target, b.data, b.timeout)
}

// Request delivers data to target's Input and awaits either target's direct
// return value or, when Input returns nil, a correlated component_response
// envelope. The timeout bounds only that wait for an asynchronous reply:
// the synchronous Input call itself runs to completion and is not
// interrupted when it takes longer than timeout. Per spec §4.4 step 5, an unknown or
// unresponsive target surfaces as ResponseTimeoutError: the correlator
// unifies "not found" with timeout since components may register late.
func (c *Correlator) Request(ctx context.Context, target string, data any, timeout time.Duration) (any, error) {
	ctx, span := c.tracer.Start(ctx, "correlate.request")
	span.AddEvent("request", "target", target)
	c.metrics.IncCounter("correlate.request", 1, "target", target)
	defer span.End()

	result, err := c.request(ctx, target, data, timeout)
	if err != nil {
		span.RecordError(err)
	}
	return result, err
}

func (c *Correlator) request(ctx context.Context, target string, data any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	requestID := uuid.NewString()

	p := &pending{done: make(chan struct{})}
	c.mu.Lock()
	c.waiting[requestID] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiting, requestID)
		c.mu.Unlock()
	}()

	tgt, ok := c.registry.Lookup(target)
	if !ok {
		return nil, &agentbuserr.ResponseTimeoutError{Target: target}
	}

	envelope := envelopeWithCorrelation(data, c.self, requestID)
	result, err := tgt.Input(ctx, envelope)
	if err != nil {
		return nil, &agentbuserr.ComponentError{Target: target, Type: "error", Text: err.Error()}
	}
	if result != nil {
		return result, nil
	}

	// The target did not return synchronously: it may reply later via a
	// component_response envelope resolved through Resolve. Wait for that,
	// or time out.
	select {
	case <-p.done:
		return p.result, p.err
	case <-time.After(timeout):
		return nil, &agentbuserr.ResponseTimeoutError{Target: target}
	case <-ctx.Done():
		return nil, &agentbuserr.ShutdownCancelledError{Op: "request to " + target}
	}
}

// Resolve completes a pending request when a component_response envelope
// carrying requestID arrives. Called by the runtime's bus listener when it
// observes a "component.response" emission.
func (c *Correlator) Resolve(requestID string, result any, err error) bool {
	c.mu.Lock()
	p, ok := c.waiting[requestID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.resolve(result, err)
	return true
}

// CancelAll resolves every outstanding request with ShutdownCancelledError,
// used by the runtime during shutdown.
func (c *Correlator) CancelAll(op string) {
	c.mu.Lock()
	waiting := make([]*pending, 0, len(c.waiting))
	for _, p := range c.waiting {
		waiting = append(waiting, p)
	}
	c.mu.Unlock()
	for _, p := range waiting {
		p.resolve(nil, &agentbuserr.ShutdownCancelledError{Op: op})
	}
}

// RequestMulti issues independent requests to each target and collects
// their results in order. The first error does not cancel the others.
func (c *Correlator) RequestMulti(ctx context.Context, targets []string, data any, timeout time.Duration) ([]any, []error) {
	results := make([]any, len(targets))
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			results[i], errs[i] = c.Request(ctx, target, data, timeout)
		}(i, target)
	}
	wg.Wait()
	return results, errs
}

// RequestStream issues a request and yields chunks on the returned channel.
// It always yields exactly one final chunk wrapping a normal Request (or,
// on failure, one final chunk with Metadata["error"] set); multi-chunk
// streaming from the target is not implemented.
func (c *Correlator) RequestStream(ctx context.Context, target string, data any, timeout time.Duration) <-chan StreamChunk {
	out := make(chan StreamChunk, 1)
	go func() {
		defer close(out)
		result, err := c.Request(ctx, target, data, timeout)
		if err != nil {
			out <- StreamChunk{ChunkIndex: 0, IsFinal: true, Metadata: map[string]any{"error": true, "message": err.Error()}}
			return
		}
		out <- StreamChunk{Data: result, IsFinal: true, ChunkIndex: 0}
	}()
	return out
}

// AskUserTimeoutSentinel is returned verbatim (not as an error) when a
// user.input.request goes unanswered within the caller's timeout.
const AskUserTimeoutSentinel = "(no response received before timeout)"

// AskUser emits user.input.request and awaits a matching user.input.response
// up to timeout. On timeout it returns the sentinel string rather than an
// error, per spec.
func (c *Correlator) AskUser(ctx context.Context, emit func(ctx context.Context, requestID, question string) error, question string, timeout time.Duration) (string, error) {
	requestID := uuid.NewString()
	p := &pending{done: make(chan struct{})}
	c.mu.Lock()
	c.waiting[requestID] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiting, requestID)
		c.mu.Unlock()
	}()

	if err := emit(ctx, requestID, question); err != nil {
		return "", err
	}

	select {
	case <-p.done:
		if p.err != nil {
			return "", p.err
		}
		if s, ok := p.result.(string); ok {
			return s, nil
		}
		return "", nil
	case <-time.After(timeout):
		return AskUserTimeoutSentinel, nil
	case <-ctx.Done():
		return "", &agentbuserr.ShutdownCancelledError{Op: "ask_user"}
	}
}

func envelopeWithCorrelation(data any, responseTarget, requestID string) any {
	m, ok := data.(map[string]any)
	if !ok {
		m = map[string]any{"data": data}
	} else {
		copied := make(map[string]any, len(m)+3)
		for k, v := range m {
			copied[k] = v
		}
		m = copied
	}
	m["_response_target"] = responseTarget
	m["_request_id"] = requestID
	m["_response_required"] = true
	return m
}
