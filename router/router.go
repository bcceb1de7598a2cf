// Package router implements the Declarative Router: a routing table built
// from component configuration (explicit "to" targets plus inference rules)
// and the delivery path that turns a bus emission into calls to component
// Input methods. Table construction and cycle detection are grounded on the
// teacher's runtime/registry.Manager traversal style; the explicit-vs-
// inferred resolution and auto-response behavior are grounded on
// woodwork/core/message_bus/declarative_router.py.
package router

import (
	"context"
	"fmt"

	"github.com/flowmesh/agentbus/agentbuserr"
	"github.com/flowmesh/agentbus/component"
	"github.com/flowmesh/agentbus/payload"
	"github.com/flowmesh/agentbus/telemetry"
)

// ConsoleSink is the reserved routing target name used when an agent has no
// explicit or declared output components.
const ConsoleSink = component.ConsoleOutputName

// Emitter is the subset of bus.Bus the router needs to auto-emit response
// events. Declared locally to avoid an import cycle with package bus. Emit
// runs hooks/pipes/listeners only (no routing); EmitFromComponent additionally
// triggers a fresh round of routing, which Deliver uses for independently
// emitted events but not for its own response continuation (see
// deliverTargets).
type Emitter interface {
	Emit(ctx context.Context, event string, raw any) payload.Payload
	EmitFromComponent(ctx context.Context, source, event string, raw any) payload.Payload
}

// Table is the resolved routing table: source component name to ordered
// target names.
type Table struct {
	Routes map[string][]string
	// Orphans lists components with neither inbound nor outbound routes.
	// Per spec this is a warning, not a build failure.
	Orphans []string
}

// Router builds a Table from component specs and delivers emissions to
// targets.
type Router struct {
	table    Table
	registry *component.Registry
	emitter  Emitter
	logger   telemetry.Logger
	tracer   telemetry.Tracer
	metrics  telemetry.Metrics
	deadLet  *DeadLetterBox
	pending  *pendingQueue
}

// New constructs a Router. logger and deadLetter may be nil.
func New(registry *component.Registry, logger telemetry.Logger, deadLetter *DeadLetterBox) *Router {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if deadLetter == nil {
		deadLetter = NewDeadLetterBox(0)
	}
	return &Router{
		registry: registry,
		logger:   logger,
		tracer:   telemetry.NewNoopTracer(),
		metrics:  telemetry.NewNoopMetrics(),
		deadLet:  deadLetter,
	}
}

// SetEmitter wires the bus used to auto-emit kind-appropriate response
// events. Normally called once at startup, after the bus and router are both
// constructed (they reference each other).
func (r *Router) SetEmitter(e Emitter) { r.emitter = e }

// SetTracer wires the tracer used to span each delivery. Defaults to a
// no-op tracer.
func (r *Router) SetTracer(t telemetry.Tracer) {
	if t != nil {
		r.tracer = t
	}
}

// SetMetrics wires the metrics recorder used to count deliveries. Defaults
// to a no-op recorder.
func (r *Router) SetMetrics(m telemetry.Metrics) {
	if m != nil {
		r.metrics = m
	}
}

// Build constructs the routing table from specs: explicit "to" lists (a
// string, a list of strings, or a dependency reference reduced to its name)
// take priority; components with no explicit "to" get an inferred route.
// Returns a ValidationError on a routing cycle or an explicit target that
// does not exist in specs and is not the reserved console sink.
func (r *Router) Build(specs map[string]component.Spec) error {
	routes := make(map[string][]string, len(specs))

	var agentNames, outputNames []string
	for name, s := range specs {
		if s.Kind == component.KindAgent {
			agentNames = append(agentNames, name)
		}
		if s.Kind == component.KindOutput {
			outputNames = append(outputNames, name)
		}
	}

	for name, s := range specs {
		explicit := extractTo(s.Config)
		if len(explicit) > 0 {
			routes[name] = explicit
			continue
		}
		routes[name] = infer(s, agentNames, outputNames)
	}

	if err := validateTargets(routes, specs); err != nil {
		return err
	}
	if err := detectCycles(routes); err != nil {
		return err
	}

	r.table = Table{Routes: routes, Orphans: findOrphans(routes, specs)}
	return nil
}

// Routes returns the resolved targets for source, or nil if none.
func (r *Router) Routes(source string) []string { return r.table.Routes[source] }

// Orphans returns components with no inbound or outbound route, computed at
// the last successful Build.
func (r *Router) Orphans() []string { return r.table.Orphans }

// extractTo reads config["to"], accepting a string, a []string, a []any of
// strings, or a *component reference* substituted in by the resolver (in
// which case its Name() is used).
func extractTo(cfg map[string]any) []string {
	raw, ok := cfg["to"]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return append([]string{}, v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, toName(item))
		}
		return out
	default:
		if name := toName(v); name != "" {
			return []string{name}
		}
		return nil
	}
}

func toName(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case component.Component:
		return t.Name()
	default:
		return ""
	}
}

// infer applies the two inference rules from spec §4.3.
func infer(s component.Spec, agentNames, outputNames []string) []string {
	switch s.Kind {
	case component.KindInput:
		if len(agentNames) == 1 {
			return []string{agentNames[0]}
		}
		return nil
	case component.KindAgent:
		if len(outputNames) > 0 {
			return append([]string{}, outputNames...)
		}
		return []string{ConsoleSink}
	default:
		return nil
	}
}

func validateTargets(routes map[string][]string, specs map[string]component.Spec) error {
	for source, targets := range routes {
		for _, t := range targets {
			if t == ConsoleSink {
				continue
			}
			if _, ok := specs[t]; !ok {
				return &agentbuserr.ValidationError{Component: source, Reason: fmt.Sprintf("routing target %q does not exist", t)}
			}
		}
	}
	return nil
}

func detectCycles(routes map[string][]string) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(routes))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return &agentbuserr.ValidationError{Component: name, Reason: "routing cycle detected"}
		}
		color[name] = gray
		for _, t := range routes[name] {
			if t == ConsoleSink {
				continue
			}
			if color[t] == gray {
				return &agentbuserr.ValidationError{Component: name, Reason: fmt.Sprintf("routing cycle detected: %q -> %q", name, t)}
			}
			if err := visit(t); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for name := range routes {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

func findOrphans(routes map[string][]string, specs map[string]component.Spec) []string {
	hasInbound := make(map[string]bool, len(specs))
	hasOutbound := make(map[string]bool, len(specs))
	for source, targets := range routes {
		if len(targets) > 0 {
			hasOutbound[source] = true
		}
		for _, t := range targets {
			hasInbound[t] = true
		}
	}
	var orphans []string
	for name := range specs {
		if name == ConsoleSink {
			continue
		}
		if !hasInbound[name] && !hasOutbound[name] {
			orphans = append(orphans, name)
		}
	}
	return orphans
}

// responseEventFor picks the kind-appropriate auto-response event name for a
// target that returned a non-nil result. The router does not check whether
// the target also emitted a response of its own.
func responseEventFor(kind component.Kind) string {
	switch kind {
	case component.KindAgent:
		return payload.EventAgentResponse
	case component.KindTool, component.KindToolServer:
		return payload.EventToolObservation
	default:
		return payload.EventComponentResponse
	}
}

// Deliver routes one emission to its resolved targets. Only events tagged
// input-to-peer invoke Component.Input; all other events are observations
// routed through hooks/pipes alone and are not delivered here. When a
// target's Input returns a non-nil result, the router auto-emits a
// kind-appropriate response event from that target and continues routing
// that response to the target's own downstream targets, so that e.g. an
// agent's reply reaches a terminal output component even though
// "agent.response" itself is not in the input-to-peer set (spec §4.3: "so
// that downstream routing continues"). This response continuation is
// distinct from an independent emission of the same event name elsewhere in
// the graph (e.g. a tool component directly emitting "tool.observation" mid-
// work), which per spec §9's flagged Open Question is NOT delivered as
// input — see DESIGN.md.
func (r *Router) Deliver(ctx context.Context, source, event string, p payload.Payload) error {
	if !payload.IsInputToPeer(event) {
		return nil
	}
	return r.deliverTargets(ctx, source, p)
}

func (r *Router) deliverTargets(ctx context.Context, source string, p payload.Payload) error {
	targets := r.table.Routes[source]
	var firstErr error
	for _, name := range targets {
		target, ok := r.registry.Lookup(name)
		if !ok {
			if r.pending != nil && r.pending.hasLimit(name) {
				if !r.pending.offer(name, p) {
					r.deadLet.DropReason(name, p, "queue full")
					r.logger.Warn(ctx, "delivery queue full", "target", name)
				}
				continue
			}
			r.deadLet.Drop(name, p)
			continue
		}
		deliverCtx, span := r.tracer.Start(ctx, "router.deliver")
		span.AddEvent("deliver", "target", name)
		r.metrics.IncCounter("router.deliver", 1, "target", name)
		result, err := target.Input(deliverCtx, p)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		if err != nil {
			r.logger.Warn(ctx, "component input error", "target", name, "error", err)
			if firstErr == nil {
				firstErr = &agentbuserr.ComponentError{Target: name, Type: fmt.Sprintf("%T", err), Text: err.Error()}
			}
			continue
		}
		if result == nil {
			continue
		}
		responseEvent := responseEventFor(target.Kind())
		var response payload.Payload
		if r.emitter != nil {
			response = r.emitter.Emit(ctx, responseEvent, result)
		}
		if response == nil {
			response = payload.NewGeneric(responseEvent, map[string]any{"response": result})
		}
		if err := r.deliverTargets(ctx, name, response); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
