package mcp

import "sync/atomic"

// ToolParameter describes one property of a tool's input schema, extracted
// for the human-readable Description listing in spec §4.10.
type ToolParameter struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

// ToolDescriptor describes one tool advertised by tools/list.
type ToolDescriptor struct {
	Name        string
	Description string
	// InputSchema is the raw JSON Schema object for this tool's arguments,
	// compiled and validated against at call time by santhosh-tekuri/jsonschema.
	InputSchema map[string]any
	Parameters  []ToolParameter
}

// ResourceDescriptor describes one resource advertised by resources/list.
type ResourceDescriptor struct {
	URI         string
	Name        string
	Description string
}

// PromptDescriptor describes one prompt advertised by prompts/list.
type PromptDescriptor struct {
	Name        string
	Description string
}

// Capabilities is one immutable snapshot of a tool server's discovered
// capabilities, populated during blocking startup (§4.7) and replaced
// wholesale on RefreshCapabilities.
type Capabilities struct {
	ServerDescription string
	Tools             []ToolDescriptor
	Resources         []ResourceDescriptor
	Prompts           []PromptDescriptor
}

// CapabilityCache holds the single current Capabilities snapshot for one
// tool-server component, keyed implicitly by (name, version, flags) via the
// component's own identity. Invalidated only by RefreshCapabilities or
// Close — never by a TTL — per spec §4.11 ("invalidation is explicit").
// Grounded on runtime/registry.MemoryCache's entry bookkeeping with the TTL
// machinery removed, and implemented with sync/atomic.Pointer so a read
// during graceful shutdown never blocks on a mutex held by an in-flight
// refresh and always returns the last good value.
type CapabilityCache struct {
	snapshot atomic.Pointer[Capabilities]
	closed   atomic.Bool
}

// NewCapabilityCache constructs an empty cache. Get returns nil until the
// first Set.
func NewCapabilityCache() *CapabilityCache {
	return &CapabilityCache{}
}

// Get returns the current snapshot, or nil if none has been set yet. Safe to
// call concurrently with Set, including during graceful shutdown.
func (c *CapabilityCache) Get() *Capabilities {
	return c.snapshot.Load()
}

// Set installs a new snapshot, replacing any previous one atomically. A
// no-op after Close.
func (c *CapabilityCache) Set(caps *Capabilities) {
	if c.closed.Load() {
		return
	}
	c.snapshot.Store(caps)
}

// Close marks the cache closed: the last good snapshot remains readable via
// Get (per spec §4.11, "reads are safe to return stale during graceful
// shutdown"), but further Set calls are ignored.
func (c *CapabilityCache) Close() {
	c.closed.Store(true)
}

// Ready reports whether a snapshot has been populated at least once.
func (c *CapabilityCache) Ready() bool {
	return c.snapshot.Load() != nil
}
