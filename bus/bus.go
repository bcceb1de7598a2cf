// Package bus implements the Unified Event Bus: a single in-process pub/sub
// mechanism supporting three subscription kinds (hooks, pipes, listeners)
// over typed payloads, plus component-to-component delivery driven by a
// Router. The registration/fan-out shape is grounded on the teacher's
// runtime/agent/hooks.Bus (map of subscribers behind a mutex, snapshot the
// slice before iterating); the three-kind contract — concurrent hooks,
// sequential pipes threading a single payload, fire-and-forget listeners —
// is grounded on woodwork/core/unified_event_bus.py's emit().
package bus

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/agentbus/payload"
	"github.com/flowmesh/agentbus/telemetry"
)

type (
	// Hook is a read-only subscriber. Hooks for a single emission run
	// concurrently and do not observe pipe transformations: they all see the
	// pre-pipe payload. Return values are ignored; an error is caught,
	// logged, and does not abort the emission.
	Hook interface {
		Run(ctx context.Context, p payload.Payload) error
	}

	// Pipe is a transforming subscriber. Pipes for a single emission run
	// sequentially in registration order, each threading the payload: a
	// non-nil return becomes the new current payload, nil retains the
	// previous one.
	Pipe interface {
		Transform(ctx context.Context, p payload.Payload) (payload.Payload, error)
	}

	// Listener is a fire-and-forget subscriber; failures are logged and
	// otherwise invisible to the emitter.
	Listener interface {
		Notify(ctx context.Context, p payload.Payload)
	}

	// HookFunc adapts a plain function to Hook.
	HookFunc func(ctx context.Context, p payload.Payload) error
	// PipeFunc adapts a plain function to Pipe.
	PipeFunc func(ctx context.Context, p payload.Payload) (payload.Payload, error)
	// ListenerFunc adapts a plain function to Listener.
	ListenerFunc func(ctx context.Context, p payload.Payload)

	// Subscription represents an active registration. Close removes the
	// subscriber; it is idempotent and safe to call multiple times.
	Subscription interface {
		Close() error
	}

	// Router is the delivery side the bus hands emissions to once hooks,
	// pipes, and listeners have run. It is satisfied by router.Router; kept
	// as an interface here so bus has no import-cycle on router.
	Router interface {
		Deliver(ctx context.Context, source string, event string, p payload.Payload) error
	}

	kind int

	subscription struct {
		bus   *Bus
		event string
		kind  kind
		key   *int
	}

	// Bus holds subscriptions per event name and dispatches emissions.
	// Registration is guarded by a mutex; dispatch only needs a read lock to
	// snapshot the relevant slices before running subscribers, so dispatch
	// itself is concurrency-safe and non-blocking with respect to other
	// emissions.
	Bus struct {
		mu       sync.RWMutex
		registry *payload.Registry
		hooks    map[string][]entry[Hook]
		pipes    map[string][]entry[Pipe]
		listen   map[string][]entry[Listener]
		router   Router
		logger   telemetry.Logger
		tracer   telemetry.Tracer
		metrics  telemetry.Metrics
	}

	entry[T any] struct {
		key int
		sub T
	}
)

const (
	kindHook kind = iota
	kindPipe
	kindListener
)

func (f HookFunc) Run(ctx context.Context, p payload.Payload) error { return f(ctx, p) }
func (f PipeFunc) Transform(ctx context.Context, p payload.Payload) (payload.Payload, error) {
	return f(ctx, p)
}
func (f ListenerFunc) Notify(ctx context.Context, p payload.Payload) { f(ctx, p) }

// New constructs a Bus. logger may be nil (defaults to a no-op logger).
func New(registry *payload.Registry, logger telemetry.Logger) *Bus {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Bus{
		registry: registry,
		hooks:    make(map[string][]entry[Hook]),
		pipes:    make(map[string][]entry[Pipe]),
		listen:   make(map[string][]entry[Listener]),
		logger:   logger,
		tracer:   telemetry.NewNoopTracer(),
		metrics:  telemetry.NewNoopMetrics(),
	}
}

// SetRouter wires the Router invoked by EmitFromComponent after listeners
// have fired. It is normally called once, at startup.
func (b *Bus) SetRouter(r Router) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.router = r
}

// SetTracer wires the tracer used to span each emission. Defaults to a
// no-op tracer.
func (b *Bus) SetTracer(t telemetry.Tracer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t != nil {
		b.tracer = t
	}
}

// SetMetrics wires the metrics recorder used to count emissions. Defaults
// to a no-op recorder.
func (b *Bus) SetMetrics(m telemetry.Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m != nil {
		b.metrics = m
	}
}

var nextKey int64
var nextKeyMu sync.Mutex

func newKey() int {
	nextKeyMu.Lock()
	defer nextKeyMu.Unlock()
	nextKey++
	return int(nextKey)
}

// AddHook registers a hook for event and returns a Subscription to remove it.
func (b *Bus) AddHook(event string, h Hook) Subscription {
	key := newKey()
	b.mu.Lock()
	b.hooks[event] = append(b.hooks[event], entry[Hook]{key: key, sub: h})
	b.mu.Unlock()
	return &subscription{bus: b, event: event, kind: kindHook, key: &key}
}

// AddPipe registers a pipe for event in call order and returns a
// Subscription to remove it.
func (b *Bus) AddPipe(event string, p Pipe) Subscription {
	key := newKey()
	b.mu.Lock()
	b.pipes[event] = append(b.pipes[event], entry[Pipe]{key: key, sub: p})
	b.mu.Unlock()
	return &subscription{bus: b, event: event, kind: kindPipe, key: &key}
}

// AddListener registers a listener for event and returns a Subscription to
// remove it.
func (b *Bus) AddListener(event string, l Listener) Subscription {
	key := newKey()
	b.mu.Lock()
	b.listen[event] = append(b.listen[event], entry[Listener]{key: key, sub: l})
	b.mu.Unlock()
	return &subscription{bus: b, event: event, kind: kindListener, key: &key}
}

func (s *subscription) Close() error {
	if s.key == nil {
		return nil
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	switch s.kind {
	case kindHook:
		s.bus.hooks[s.event] = removeEntry(s.bus.hooks[s.event], *s.key)
	case kindPipe:
		s.bus.pipes[s.event] = removeEntry(s.bus.pipes[s.event], *s.key)
	case kindListener:
		s.bus.listen[s.event] = removeEntry(s.bus.listen[s.event], *s.key)
	}
	s.key = nil
	return nil
}

func removeEntry[T any](entries []entry[T], key int) []entry[T] {
	out := entries[:0:0]
	for _, e := range entries {
		if e.key != key {
			out = append(out, e)
		}
	}
	return out
}

// Emit runs the bus's four-step emission pipeline and returns the final
// payload: build the typed payload, run hooks concurrently, run pipes
// sequentially, fire listeners fire-and-forget.
func (b *Bus) Emit(ctx context.Context, event string, raw any) payload.Payload {
	b.mu.RLock()
	tracer, metrics := b.tracer, b.metrics
	hooks := append([]entry[Hook]{}, b.hooks[event]...)
	pipes := append([]entry[Pipe]{}, b.pipes[event]...)
	listeners := append([]entry[Listener]{}, b.listen[event]...)
	b.mu.RUnlock()

	ctx, span := tracer.Start(ctx, "bus.emit")
	defer span.End()
	span.AddEvent("emit", "event", event)
	metrics.IncCounter("bus.emit", 1, "event", event)

	p := b.registry.CreatePayload(event, raw)

	b.runHooks(ctx, hooks, p)
	p = b.runPipes(ctx, pipes, p)
	b.runListeners(ctx, listeners, p)

	return p
}

// EmitFromComponent emits exactly like Emit, then hands the result to the
// Router (if set) so that component-to-component delivery occurs.
func (b *Bus) EmitFromComponent(ctx context.Context, source, event string, raw any) payload.Payload {
	p := b.Emit(ctx, event, raw)
	b.mu.RLock()
	router, tracer := b.router, b.tracer
	b.mu.RUnlock()
	if router != nil {
		ctx, span := tracer.Start(ctx, "bus.route")
		err := router.Deliver(ctx, source, event, p)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		if err != nil {
			b.logger.Warn(ctx, "router delivery failed", "source", source, "event", event, "error", err)
		}
	}
	return p
}

func (b *Bus) runHooks(ctx context.Context, hooks []entry[Hook], p payload.Payload) {
	if len(hooks) == 0 {
		return
	}
	// Hooks are side-effect-only from the bus's perspective: errors are
	// logged, never propagated to the emitter or to sibling hooks.
	var g errgroup.Group
	for _, h := range hooks {
		h := h
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn(ctx, "hook error", "event", p.Event(), "error", fmt.Errorf("hook panic: %v", r))
				}
			}()
			if err := h.sub.Run(ctx, p); err != nil {
				b.logger.Warn(ctx, "hook error", "event", p.Event(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Bus) runPipes(ctx context.Context, pipes []entry[Pipe], p payload.Payload) payload.Payload {
	current := p
	for _, pipe := range pipes {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn(ctx, "pipe panic", "event", p.Event(), "error", r)
				}
			}()
			next, err := pipe.sub.Transform(ctx, current)
			if err != nil {
				b.logger.Warn(ctx, "pipe error", "event", p.Event(), "error", err)
				return
			}
			if next != nil {
				if next.Event() != current.Event() {
					b.logger.Warn(ctx, "pipe returned mismatched schema, discarding", "event", p.Event())
					return
				}
				current = next
			}
		}()
	}
	return current
}

func (b *Bus) runListeners(ctx context.Context, listeners []entry[Listener], p payload.Payload) {
	for _, l := range listeners {
		l := l
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn(ctx, "listener panic", "event", p.Event(), "error", r)
				}
			}()
			l.sub.Notify(ctx, p)
		}()
	}
}
