// Package component defines the Component contract, the declarative
// component spec consumed from configuration, and the dependency resolver
// that constructs a component graph in dependency order — grounded on the
// teacher's runtime/registry.Manager bookkeeping style (a map of entries
// behind a mutex, built once at startup) generalized from registry-client
// wiring to arbitrary component construction.
package component

import (
	"context"
	"fmt"

	"github.com/flowmesh/agentbus/agentbuserr"
)

// Kind tags a component's role in routing inference.
type Kind string

const (
	KindInput      Kind = "input"
	KindAgent      Kind = "agent"
	KindTool       Kind = "tool"
	KindOutput     Kind = "output"
	KindToolServer Kind = "tool_server"
	KindOther      Kind = "other"
)

// ConsoleOutputName is the reserved sentinel sink always registered by the
// runtime.
const ConsoleOutputName = "_console_output"

// Component is the interface every framework-facing unit implements.
type Component interface {
	// Name returns this component's unique logical name.
	Name() string
	// Kind returns the component's role tag.
	Kind() Kind
	// To returns the declared downstream target names, or nil if the
	// component relies on router inference.
	To() []string
	// Input processes one unit of work. It may return a result to be
	// auto-emitted as a response event by the router, or nil.
	Input(ctx context.Context, payload any) (any, error)
}

// Describable is implemented by components that advertise documentation for
// peers (e.g. an LLM agent enumerating available tools).
type Describable interface {
	Description() string
}

// Closer is implemented by components with teardown work.
type Closer interface {
	Close(ctx context.Context) error
}

// AsyncStartup is implemented by components that must complete blocking
// capability discovery (e.g. a tool-server component resolving metadata and
// opening its channel) before peers may observe their description or call
// their tools. See the runtime's startup coordinator.
type AsyncStartup interface {
	AsyncStartup(ctx context.Context) error
}

// Spec is the post-parse shape this package consumes from configuration,
// per spec §6: name, kind, a config map (which may itself carry "to",
// "hooks", "pipes" keys understood by the router/bus wiring layer), and a
// list of dependency names.
type Spec struct {
	Name       string
	Kind       Kind
	Type       string
	Config     map[string]any
	DependsOn  []string
	// Build constructs the concrete Component once all DependsOn entries
	// have themselves been built and substituted into Config. Consumers
	// supply this (the config parser and component factories are external
	// collaborators per spec §1).
	Build func(ctx context.Context, resolved Spec, deps map[string]Component) (Component, error)
}

// Registry maps logical component name to its constructed instance.
type Registry struct {
	byName map[string]Component
	order  []string
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Component)}
}

// Register adds a constructed component, preserving construction order for
// reverse-order shutdown.
func (r *Registry) Register(c Component) {
	if _, exists := r.byName[c.Name()]; !exists {
		r.order = append(r.order, c.Name())
	}
	r.byName[c.Name()] = c
}

// Lookup returns the component registered under name, if any.
func (r *Registry) Lookup(name string) (Component, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// All returns every registered component in construction order.
func (r *Registry) All() []Component {
	out := make([]Component, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// ReverseOrder returns registered components in reverse construction order,
// used for shutdown.
func (r *Registry) ReverseOrder() []Component {
	all := r.All()
	out := make([]Component, len(all))
	for i, c := range all {
		out[len(all)-1-i] = c
	}
	return out
}

// Resolver performs the depth-first, dependency-ordered construction
// described in spec §4.5: a child is constructed before its parent; config
// values equal to a dependency name are substituted with the constructed
// reference, recursively inside maps and lists.
type Resolver struct {
	specs map[string]Spec
}

// NewResolver constructs a Resolver over the given specs, keyed by name.
func NewResolver(specs map[string]Spec) *Resolver {
	return &Resolver{specs: specs}
}

// Resolve constructs every spec, depth-first, and returns a populated
// Registry. Cycles in DependsOn are reported as a ValidationError.
func (r *Resolver) Resolve(ctx context.Context) (*Registry, error) {
	reg := NewRegistry()
	built := make(map[string]Component)
	visiting := make(map[string]bool)

	var construct func(name string) error
	construct = func(name string) error {
		if _, ok := built[name]; ok {
			return nil
		}
		if visiting[name] {
			return &agentbuserr.ValidationError{Component: name, Reason: "dependency cycle detected"}
		}
		spec, ok := r.specs[name]
		if !ok {
			return &agentbuserr.ValidationError{Component: name, Reason: "referenced but not declared"}
		}
		visiting[name] = true
		deps := make(map[string]Component, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			if err := construct(dep); err != nil {
				return err
			}
			deps[dep] = built[dep]
		}
		resolved := spec
		resolved.Config = substitute(spec.Config, deps).(map[string]any)
		if spec.Build == nil {
			return &agentbuserr.ValidationError{Component: name, Reason: "spec has no Build function"}
		}
		c, err := spec.Build(ctx, resolved, deps)
		if err != nil {
			return fmt.Errorf("constructing %q: %w", name, err)
		}
		built[name] = c
		reg.Register(c)
		visiting[name] = false
		return nil
	}

	for name := range r.specs {
		if err := construct(name); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// substitute walks config recursively, replacing any value that equals a
// dependency's name with the constructed component reference.
func substitute(v any, deps map[string]Component) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = substitute(inner, deps)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = substitute(inner, deps)
		}
		return out
	case string:
		if dep, ok := deps[val]; ok {
			return dep
		}
		return val
	default:
		return v
	}
}
