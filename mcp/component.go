package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowmesh/agentbus/agentbuserr"
	"github.com/flowmesh/agentbus/component"
	"github.com/flowmesh/agentbus/correlate"
	"github.com/flowmesh/agentbus/mcp/registry"
	"github.com/flowmesh/agentbus/payload"
	"github.com/flowmesh/agentbus/runtime"
)

// toolCallMaxRetries bounds the retry loop in Input to the channel-level
// delivery retries described in spec §7; a validation failure or a result
// the caller's own ctx has already cancelled never reaches it.
const toolCallMaxRetries = 2

// isTransientChannelError reports whether err is the kind of connection or
// protocol failure a retry against the same channel might recover from, as
// opposed to a caller mistake (bad arguments) or context cancellation.
func isTransientChannelError(err error) bool {
	var connErr *agentbuserr.ChannelConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var protoErr *agentbuserr.ProtocolError
	return errors.As(err, &protoErr)
}

// EventBus is the subset of bus.Bus a ToolServerComponent needs to surface
// channel notifications, declared locally to avoid an import cycle with
// package bus.
type EventBus interface {
	EmitFromComponent(ctx context.Context, source, event string, raw any) payload.Payload
}

// loadingDescription is returned by Description while blocking startup has
// not yet populated the capability cache, per spec §4.7/§4.10.
const loadingDescription = "loading: tool discovery has not completed for this server"

var braceEscaper = strings.NewReplacer("{", "((", "}", "))")

// ToolServerComponent wraps a Channel, presenting a tool server as a
// framework Component. Its AsyncStartup resolves metadata, connects the
// channel, performs the initialize handshake, and populates the capability
// cache; Input issues tools/call; Description composes the human-readable
// tool listing consumed by LLM agents. Grounded on
// features/mcp/runtime/stdiocaller.go's one-shot construct-then-call shape,
// generalized into a long-lived component with its own startup phase.
type ToolServerComponent struct {
	name       string
	identifier string
	version    string
	flags      registry.Flags
	envValues  map[string]string

	client  *registry.Client
	channel Channel
	caps    *CapabilityCache

	bus EventBus

	mu           sync.Mutex
	pendingByReq map[string]struct{}
	degraded     bool

	listenCancel context.CancelFunc
	listenDone   chan struct{}

	schemas map[string]*jsonschema.Schema
}

// ToolServerOption configures a ToolServerComponent.
type ToolServerOption func(*ToolServerComponent)

// WithEnvValues supplies the environment/header substitution values used to
// template the resolved metadata's headers and subprocess environment.
func WithEnvValues(values map[string]string) ToolServerOption {
	return func(s *ToolServerComponent) { s.envValues = values }
}

// WithFlags sets the feature flags folded into the registry cache key.
func WithFlags(flags registry.Flags) ToolServerOption {
	return func(s *ToolServerComponent) { s.flags = flags }
}

// WithEventBus wires the bus used to emit mapped notification events.
func WithEventBus(b EventBus) ToolServerOption {
	return func(s *ToolServerComponent) { s.bus = b }
}

// NewToolServerComponent constructs a tool-server component named name,
// resolving identifier/version through client during AsyncStartup.
func NewToolServerComponent(name, identifier, version string, client *registry.Client, opts ...ToolServerOption) *ToolServerComponent {
	s := &ToolServerComponent{
		name:         name,
		identifier:   identifier,
		version:      version,
		client:       client,
		caps:         NewCapabilityCache(),
		pendingByReq: make(map[string]struct{}),
		schemas:      make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ToolServerComponent) Name() string         { return s.name }
func (s *ToolServerComponent) Kind() component.Kind { return component.KindToolServer }
func (s *ToolServerComponent) To() []string         { return nil }

// AsyncStartup resolves metadata, opens the preferred transport, performs
// the initialize handshake, fetches tools/resources/prompts, and starts the
// notification listener, per spec §4.7 and §4.10.
func (s *ToolServerComponent) AsyncStartup(ctx context.Context) error {
	meta, err := s.client.Resolve(ctx, s.identifier, s.version, s.flags)
	if err != nil {
		s.setDegraded()
		return err
	}

	transport, err := meta.PreferredTransport()
	if err != nil {
		s.setDegraded()
		return err
	}

	envSpecs := make([]EnvVarSpec, 0, len(meta.EnvVars))
	for _, v := range meta.EnvVars {
		envSpecs = append(envSpecs, EnvVarSpec{Name: v.Name, Required: v.Required, Description: v.Description})
	}
	if err := ValidateEnv(s.name, envSpecs, s.envValues); err != nil {
		s.setDegraded()
		return err
	}

	ch, err := buildChannel(transport, s.envValues)
	if err != nil {
		s.setDegraded()
		return err
	}
	s.channel = ch

	if err := s.channel.Connect(ctx); err != nil {
		s.setDegraded()
		return &agentbuserr.ChannelConnectionError{Server: s.name, Cause: err}
	}

	var toolsResp struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := s.channel.Call(ctx, "tools/list", nil, &toolsResp); err != nil {
		s.setDegraded()
		return err
	}

	var resourcesResp struct {
		Resources []struct {
			URI         string `json:"uri"`
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"resources"`
	}
	_ = s.channel.Call(ctx, "resources/list", nil, &resourcesResp)

	var promptsResp struct {
		Prompts []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"prompts"`
	}
	_ = s.channel.Call(ctx, "prompts/list", nil, &promptsResp)

	tools := make([]ToolDescriptor, 0, len(toolsResp.Tools))
	s.mu.Lock()
	for _, t := range toolsResp.Tools {
		params := parametersFromSchema(t.InputSchema)
		tools = append(tools, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Parameters:  params,
		})
		if schema, err := compileSchema(t.Name, t.InputSchema); err == nil {
			s.schemas[t.Name] = schema
		}
	}
	s.mu.Unlock()

	resources := make([]ResourceDescriptor, 0, len(resourcesResp.Resources))
	for _, r := range resourcesResp.Resources {
		resources = append(resources, ResourceDescriptor{URI: r.URI, Name: r.Name, Description: r.Description})
	}
	prompts := make([]PromptDescriptor, 0, len(promptsResp.Prompts))
	for _, p := range promptsResp.Prompts {
		prompts = append(prompts, PromptDescriptor{Name: p.Name, Description: p.Description})
	}

	s.caps.Set(&Capabilities{
		ServerDescription: meta.Description,
		Tools:             tools,
		Resources:         resources,
		Prompts:           prompts,
	})

	listenCtx, cancel := context.WithCancel(context.Background())
	s.listenCancel = cancel
	s.listenDone = make(chan struct{})
	notes, err := s.channel.Listen(listenCtx)
	if err == nil {
		go s.listenLoop(listenCtx, notes)
	} else {
		close(s.listenDone)
	}

	s.mu.Lock()
	s.degraded = false
	s.mu.Unlock()
	return nil
}

func (s *ToolServerComponent) listenLoop(ctx context.Context, notes <-chan Notification) {
	defer close(s.listenDone)
	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-notes:
			if !ok {
				return
			}
			s.handleNotification(ctx, note)
		}
	}
}

func (s *ToolServerComponent) handleNotification(ctx context.Context, note Notification) {
	if s.bus == nil {
		return
	}
	switch note.Method {
	case "tool/progress":
		s.bus.EmitFromComponent(ctx, s.name, "tool.progress", note.Params)
	case "resource/updated":
		s.bus.EmitFromComponent(ctx, s.name, "resource.changed", note.Params)
	case "server/status":
		s.bus.EmitFromComponent(ctx, s.name, "server.status", note.Params)
	case "notifications/cancelled":
		if reqID, ok := note.Params["requestId"].(string); ok {
			s.mu.Lock()
			delete(s.pendingByReq, reqID)
			s.mu.Unlock()
		}
	}
}

// RefreshCapabilities re-fetches tools/resources/prompts and replaces the
// cached snapshot, the only non-Close way to invalidate it per spec §4.11.
func (s *ToolServerComponent) RefreshCapabilities(ctx context.Context) error {
	return s.AsyncStartup(ctx)
}

// Input issues a tools/call request: raw must be a map carrying "action" (the
// tool name) and "inputs" (arguments), the shape the correlator's envelope
// wraps caller-supplied data in. Tool input_schema is validated before
// dispatch, rejecting malformed arguments before a network round trip.
func (s *ToolServerComponent) Input(ctx context.Context, raw any) (any, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, &agentbuserr.ValidationError{Component: s.name, Reason: "tool-server input must be a map with action/inputs"}
	}
	action, _ := m["action"].(string)
	if action == "" {
		action, _ = m["tool"].(string)
	}
	inputs, _ := m["inputs"].(map[string]any)
	if inputs == nil {
		inputs, _ = m["args"].(map[string]any)
	}
	if action == "" {
		return nil, &agentbuserr.ValidationError{Component: s.name, Reason: "missing \"action\""}
	}
	if s.Degraded() || s.channel == nil {
		return nil, &agentbuserr.ChannelConnectionError{Server: s.name, Cause: errors.New("tool server is degraded or not started")}
	}

	s.mu.Lock()
	schema := s.schemas[action]
	s.mu.Unlock()
	if schema != nil {
		if err := schema.Validate(map[string]any(inputs)); err != nil {
			return nil, &agentbuserr.ValidationError{Component: s.name, Reason: fmt.Sprintf("tool %q arguments: %v", action, err)}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, correlate.ToolCallTimeout)
	defer cancel()

	return s.callWithRetry(ctx, action, inputs)
}

// callWithRetry issues tools/call, retrying transient connection and
// protocol failures with exponential backoff per the envelope retry policy
// of spec §7. A validation error, a non-transient error, or ctx expiring
// ends the loop immediately.
func (s *ToolServerComponent) callWithRetry(ctx context.Context, action string, inputs map[string]any) (any, error) {
	env := runtime.NewEnvelope(payload.EventToolCall, nil)
	env.MaxRetries = toolCallMaxRetries

	for {
		var result toolsCallResult
		err := s.channel.Call(ctx, "tools/call", map[string]any{"name": action, "arguments": inputs}, &result)
		if err == nil {
			return normalizeToolResult(result)
		}
		if !isTransientChannelError(err) || !env.Retryable() {
			return nil, err
		}
		delay := runtime.NextBackoff(env.RetryCount, 100*time.Millisecond, 2*time.Second)
		env.RetryCount++
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Description composes the human-readable tool listing described in spec
// §4.10: server description, then a numbered list per tool with its
// parameters, escaping "{"/"}" since downstream consumers template on them.
func (s *ToolServerComponent) Description() string {
	caps := s.caps.Get()
	if caps == nil {
		return loadingDescription
	}

	var b strings.Builder
	b.WriteString(braceEscaper.Replace(caps.ServerDescription))
	for i, tool := range caps.Tools {
		fmt.Fprintf(&b, "\n%d. %s\n", i+1, tool.Name)
		fmt.Fprintf(&b, "Description: %s\n", braceEscaper.Replace(tool.Description))
		var params, required []string
		for _, p := range tool.Parameters {
			reqTag := "optional"
			if p.Required {
				reqTag = "required"
				required = append(required, p.Name)
			}
			params = append(params, fmt.Sprintf("%s (%s, %s) - %s", p.Name, p.Type, reqTag, braceEscaper.Replace(p.Description)))
		}
		fmt.Fprintf(&b, "Parameters: %s\n", strings.Join(params, "; "))
		fmt.Fprintf(&b, "Required: %s\n", strings.Join(required, ", "))
	}
	return b.String()
}

// Close cancels the listener task, closes the channel, and marks the
// capability cache closed so it stops accepting refreshes but keeps serving
// its last good snapshot.
func (s *ToolServerComponent) Close(ctx context.Context) error {
	if s.listenCancel != nil {
		s.listenCancel()
	}
	if s.listenDone != nil {
		<-s.listenDone
	}
	s.caps.Close()
	if s.channel == nil {
		return nil
	}
	if err := s.channel.Close(); err != nil {
		return &agentbuserr.ComponentError{Target: s.name, Type: "close", Text: err.Error()}
	}
	return nil
}

func (s *ToolServerComponent) setDegraded() {
	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()
}

// Degraded reports whether the last AsyncStartup or RefreshCapabilities
// attempt failed, per the ChannelConnectionError contract: subsequent calls
// should fail fast rather than retry a known-bad channel.
func (s *ToolServerComponent) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func compileSchema(name string, raw map[string]any) (*jsonschema.Schema, error) {
	if raw == nil {
		return nil, fmt.Errorf("tool %q has no input schema", name)
	}
	// Round-trip through json so map[string]any keys normalize exactly as
	// the compiler expects (mirroring registry/service.go's
	// unmarshal-then-AddResource pattern).
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	res := "tool:" + name
	if err := c.AddResource(res, doc); err != nil {
		return nil, err
	}
	return c.Compile(res)
}

func parametersFromSchema(raw map[string]any) []ToolParameter {
	if raw == nil {
		return nil
	}
	props, _ := raw["properties"].(map[string]any)
	var requiredSet map[string]bool
	if reqList, ok := raw["required"].([]any); ok {
		requiredSet = make(map[string]bool, len(reqList))
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				requiredSet[name] = true
			}
		}
	}
	params := make([]ToolParameter, 0, len(props))
	for name, v := range props {
		def, _ := v.(map[string]any)
		typ, _ := def["type"].(string)
		desc, _ := def["description"].(string)
		params = append(params, ToolParameter{
			Name:        name,
			Type:        typ,
			Required:    requiredSet[name],
			Description: desc,
		})
	}
	return params
}

func buildChannel(t registry.PreferredTransport, envValues map[string]string) (Channel, error) {
	switch t.Kind {
	case "stdio":
		return NewStdioChannel(StdioOptions{
			Command: t.Package.Identifier,
			Env:     TemplateEnv(map[string]string{}, envValues),
		}), nil
	case "sse":
		return NewSSEChannel(SSEOptions{
			StreamURL: t.Remote.URL,
			PostURL:   t.Remote.URL,
			Headers:   TemplateHeaders(t.Remote.Headers, envValues),
		}), nil
	case "http":
		return NewHTTPChannel(HTTPOptions{
			Endpoint: t.Remote.URL,
			Headers:  TemplateHeaders(t.Remote.Headers, envValues),
		}), nil
	case "websocket":
		return NewWebSocketChannel(WebSocketOptions{
			URL:     t.Remote.URL,
			Headers: TemplateHeaders(t.Remote.Headers, envValues),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", t.Kind)
	}
}
