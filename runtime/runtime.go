package runtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/agentbus/agentbuserr"
	"github.com/flowmesh/agentbus/bus"
	"github.com/flowmesh/agentbus/component"
	"github.com/flowmesh/agentbus/correlate"
	"github.com/flowmesh/agentbus/payload"
	"github.com/flowmesh/agentbus/router"
	"github.com/flowmesh/agentbus/telemetry"
)

// ExitSentinels are the designated-input values that end the main loop
// cleanly, per spec §6.
var ExitSentinels = map[string]bool{"exit": true, ";": true}

// DefaultShutdownGrace bounds how long Shutdown waits for in-flight work to
// drain before closing components regardless.
const DefaultShutdownGrace = 5 * time.Second

// InputSource is the designated input component's blocking input function,
// abstracted so the runtime's reader goroutine can offload a non-cooperative
// implementation to a worker, per spec §5. ReadInput returns ok=false once
// the source is exhausted (in addition to the string sentinels in
// ExitSentinels, which the caller checks on the returned value).
type InputSource interface {
	ReadInput(ctx context.Context) (value string, ok bool, err error)
}

// Config configures a Runtime. Zero value uses sane defaults throughout.
type Config struct {
	Logger         telemetry.Logger
	Tracer         telemetry.Tracer
	Metrics        telemetry.Metrics
	StartupTimeout time.Duration
	ShutdownGrace  time.Duration
	DeadLetterCap  int
}

// Runtime owns the single cooperative scheduler: the event bus, router,
// component registry, and startup coordinator are all instance fields here
// rather than package-level globals, per spec §9 ("no global mutable state
// beyond the runtime instance") — grounded on the teacher's demo entry point
// wiring a fresh Manager/registry per process rather than relying on
// init()-time globals.
type Runtime struct {
	Bus         *bus.Bus
	Router      *router.Router
	Registry    *component.Registry
	Coordinator *Coordinator
	DeadLetter  *router.DeadLetterBox

	logger  telemetry.Logger
	tracer  telemetry.Tracer
	metrics telemetry.Metrics

	payloadRegistry *payload.Registry

	correlatorsMu sync.Mutex
	correlators   map[string]*correlate.Correlator

	shutdownGrace time.Duration

	runMu        sync.Mutex
	running      bool
	shutdownDone bool
	stopCh       chan struct{}
	stopped      chan struct{}
}

// New constructs a Runtime with an empty registry and the reserved console
// sink registered. Call Bootstrap with component specs before Run.
func New(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	payloadReg := payload.NewRegistry(func(format string, args ...any) {
		logger.Debug(context.Background(), format, args...)
	})
	registry := component.NewRegistry()
	deadLetter := router.NewDeadLetterBox(cfg.DeadLetterCap)
	r := router.New(registry, logger, deadLetter)
	r.SetTracer(tracer)
	r.SetMetrics(metrics)
	b := bus.New(payloadReg, logger)
	b.SetTracer(tracer)
	b.SetMetrics(metrics)
	b.SetRouter(r)
	r.SetEmitter(b)

	registry.Register(NewConsoleOutput(nil))

	rt := &Runtime{
		Bus:             b,
		Router:          r,
		Registry:        registry,
		Coordinator:     NewCoordinator(cfg.StartupTimeout, logger),
		DeadLetter:      deadLetter,
		logger:          logger,
		tracer:          tracer,
		metrics:         metrics,
		payloadRegistry: payloadReg,
		correlators:     make(map[string]*correlate.Correlator),
		shutdownGrace:   grace,
	}

	b.AddListener(payload.EventComponentResponse, bus.ListenerFunc(rt.resolveAsyncResponse))

	return rt
}

// rawDataPayload is satisfied by payload.Generic (and anything embedding
// it), which backs every component.response emission. Declared locally so
// this package does not need an exported accessor interface in package
// payload beyond the RawData method it already carries.
type rawDataPayload interface {
	RawData() map[string]any
}

// resolveAsyncResponse completes the asynchronous half of spec §4.4: a
// target that returned nil from Request's synchronous call later emits
// component.response carrying the same "_request_id"/"_response_target"
// pair Request stamped onto its outbound envelope, which this closes the
// loop on by resolving the caller's pending Correlator.Request.
func (rt *Runtime) resolveAsyncResponse(ctx context.Context, p payload.Payload) {
	rd, ok := p.(rawDataPayload)
	if !ok {
		return
	}
	data := rd.RawData()
	requestID, _ := data["_request_id"].(string)
	target, _ := data["_response_target"].(string)
	if requestID == "" || target == "" {
		return
	}
	var resolveErr error
	if msg, ok := data["error"].(string); ok && msg != "" {
		resolveErr = &agentbuserr.ComponentError{Target: target, Type: "async_response", Text: msg}
	}
	rt.CorrelatorFor(target).Resolve(requestID, data["result"], resolveErr)
}

// Bootstrap resolves specs into components (§4.5), registers each with the
// registry, builds the routing table (§4.3), and runs blocking startup
// (§4.7) — the startup sequence of spec §4.6 steps 1–3 (config parsing
// itself is an external collaborator, out of scope).
func (rt *Runtime) Bootstrap(ctx context.Context, specs map[string]component.Spec) error {
	resolver := component.NewResolver(specs)
	resolved, err := resolver.Resolve(ctx)
	if err != nil {
		return err
	}
	for _, c := range resolved.All() {
		rt.Registry.Register(c)
	}
	if err := rt.Router.Build(specs); err != nil {
		return err
	}
	for _, orphan := range rt.Router.Orphans() {
		rt.logger.Warn(ctx, "orphan component: no inbound or outbound route", "component", orphan)
	}
	rt.Coordinator.RunBlockingInit(ctx, rt.Registry.All())
	return nil
}

// CorrelatorFor returns the request/response correlator for a component
// named self, creating it lazily. Each component gets its own correlator
// instance so pending requests are scoped to their caller, per spec §4.4.
func (rt *Runtime) CorrelatorFor(self string) *correlate.Correlator {
	rt.correlatorsMu.Lock()
	defer rt.correlatorsMu.Unlock()
	c, ok := rt.correlators[self]
	if !ok {
		c = correlate.New(self, rt.Registry, correlate.WithTracer(rt.tracer), correlate.WithMetrics(rt.metrics))
		rt.correlators[self] = c
	}
	return c
}

// Run drives the main loop: read from source until an exit sentinel or
// exhaustion, wrap each item as input.received, and emit it from inputName.
// It blocks until the loop stops (cleanly, via Shutdown, or on a read
// error).
func (rt *Runtime) Run(ctx context.Context, inputName string, source InputSource) error {
	rt.runMu.Lock()
	if rt.running {
		rt.runMu.Unlock()
		return nil
	}
	rt.running = true
	rt.stopCh = make(chan struct{})
	rt.stopped = make(chan struct{})
	rt.runMu.Unlock()
	defer close(rt.stopped)

	for {
		select {
		case <-rt.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		value, ok, err := source.ReadInput(ctx)
		if err != nil {
			rt.logger.Error(ctx, "input source read error", "error", err)
			return err
		}
		if !ok {
			return nil
		}
		if ExitSentinels[strings.TrimSpace(value)] {
			return nil
		}

		rt.Bus.EmitFromComponent(ctx, inputName, payload.EventInputReceived, map[string]any{
			"input":  value,
			"inputs": map[string]any{},
		})
	}
}

// Shutdown stops accepting new input, waits up to the configured grace
// period for in-flight work, closes every registered component in reverse
// construction order, and cancels every outstanding correlated request with
// ShutdownCancelledError, per spec §4.6 step 5. Idempotent (property P7):
// calling it again after the loop has already stopped is a no-op.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.runMu.Lock()
	if rt.shutdownDone {
		rt.runMu.Unlock()
		return nil
	}
	rt.shutdownDone = true
	running := rt.running
	stopCh := rt.stopCh
	stopped := rt.stopped
	rt.running = false
	rt.runMu.Unlock()

	if running && stopCh != nil {
		close(stopCh)
		select {
		case <-stopped:
		case <-time.After(rt.shutdownGrace):
		}
	}

	rt.correlatorsMu.Lock()
	correlators := make([]*correlate.Correlator, 0, len(rt.correlators))
	for _, c := range rt.correlators {
		correlators = append(correlators, c)
	}
	rt.correlatorsMu.Unlock()
	for _, c := range correlators {
		c.CancelAll("runtime shutdown")
	}

	var firstErr error
	for _, c := range rt.Registry.ReverseOrder() {
		closer, ok := c.(component.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(ctx); err != nil {
			rt.logger.Warn(ctx, "component close error", "component", c.Name(), "error", err)
			if firstErr == nil {
				firstErr = &agentbuserr.ComponentError{Target: c.Name(), Type: "close", Text: err.Error()}
			}
		}
	}
	return firstErr
}
