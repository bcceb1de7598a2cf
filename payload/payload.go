// Package payload implements the typed payload registry: a closed union of
// known event payloads plus a generic fallback, grounded on the tagged
// hook-event interface pattern used throughout the teacher runtime (each
// concrete type embeds a Base and implements a small accessor interface
// rather than exposing bare maps to callers).
package payload

import (
	"encoding/json"
	"time"
)

// Payload is implemented by every concrete payload type, known or generic.
type Payload interface {
	// Event returns the event name this payload was constructed for.
	Event() string
	// Base returns the fields common to every payload.
	Base() *BaseFields
}

// BaseFields holds the fields every payload carries regardless of schema.
type BaseFields struct {
	Timestamp     time.Time
	ComponentID   *string
	ComponentType *string
}

func newBase() BaseFields {
	return BaseFields{Timestamp: time.Now()}
}

type (
	// InputReceived is the payload for "input.received".
	InputReceived struct {
		BaseFields
		Input     string
		Inputs    map[string]any
		SessionID *string
	}

	// AgentThought is the payload for "agent.thought".
	AgentThought struct {
		BaseFields
		Thought string
	}

	// AgentAction is the payload for "agent.action".
	AgentAction struct {
		BaseFields
		Action map[string]any
	}

	// ToolCall is the payload for "tool.call".
	ToolCall struct {
		BaseFields
		Tool string
		Args map[string]any
	}

	// ToolObservation is the payload for "tool.observation".
	ToolObservation struct {
		BaseFields
		Tool        string
		Observation string
	}

	// AgentStepComplete is the payload for "agent.step_complete".
	AgentStepComplete struct {
		BaseFields
		Step      int
		SessionID *string
	}

	// AgentError is the payload for "agent.error".
	AgentError struct {
		BaseFields
		Error     string
		ErrorType string
		Context   map[string]any
	}

	// UserInputRequest is the payload for "user.input.request".
	UserInputRequest struct {
		BaseFields
		Question       string
		RequestID      string
		TimeoutSeconds float64
	}

	// UserInputResponse is the payload for "user.input.response".
	UserInputResponse struct {
		BaseFields
		RequestID string
		Response  string
	}

	// Generic is the catch-all payload for unknown events, and the schema
	// used by events declared generic on purpose (agent.response,
	// tool.progress, resource.changed).
	Generic struct {
		BaseFields
		Data map[string]any
	}
)

// Event name constants for the closed set of known schemas.
const (
	EventInputReceived     = "input.received"
	EventAgentThought      = "agent.thought"
	EventAgentAction       = "agent.action"
	EventToolCall          = "tool.call"
	EventToolObservation   = "tool.observation"
	EventAgentStepComplete = "agent.step_complete"
	EventAgentError        = "agent.error"
	EventUserInputRequest  = "user.input.request"
	EventUserInputResponse = "user.input.response"
	EventAgentResponse     = "agent.response"
	EventToolProgress      = "tool.progress"
	EventResourceChanged   = "resource.changed"
	EventComponentResponse = "component.response"
)

func (p *InputReceived) Event() string      { return EventInputReceived }
func (p *InputReceived) Base() *BaseFields  { return &p.BaseFields }
func (p *AgentThought) Event() string       { return EventAgentThought }
func (p *AgentThought) Base() *BaseFields   { return &p.BaseFields }
func (p *AgentAction) Event() string        { return EventAgentAction }
func (p *AgentAction) Base() *BaseFields    { return &p.BaseFields }
func (p *ToolCall) Event() string           { return EventToolCall }
func (p *ToolCall) Base() *BaseFields       { return &p.BaseFields }
func (p *ToolObservation) Event() string    { return EventToolObservation }
func (p *ToolObservation) Base() *BaseFields { return &p.BaseFields }
func (p *AgentStepComplete) Event() string  { return EventAgentStepComplete }
func (p *AgentStepComplete) Base() *BaseFields { return &p.BaseFields }
func (p *AgentError) Event() string         { return EventAgentError }
func (p *AgentError) Base() *BaseFields     { return &p.BaseFields }
func (p *UserInputRequest) Event() string   { return EventUserInputRequest }
func (p *UserInputRequest) Base() *BaseFields { return &p.BaseFields }
func (p *UserInputResponse) Event() string  { return EventUserInputResponse }
func (p *UserInputResponse) Base() *BaseFields { return &p.BaseFields }

// taggedGeneric holds the event name a Generic instance was created for,
// since Generic itself is shared by many event names.
type taggedGeneric struct {
	Generic
	event string
}

func (p *taggedGeneric) Event() string     { return p.event }
func (p *taggedGeneric) Base() *BaseFields { return &p.BaseFields }

// RawData returns the underlying field map of a Generic payload. Callers
// outside this package reach it through this accessor rather than a type
// assertion on the unexported taggedGeneric wrapper.
func (p *Generic) RawData() map[string]any { return p.Data }

// NewGeneric constructs a Generic payload tagged with the given event name.
func NewGeneric(event string, data map[string]any) Payload {
	g := &taggedGeneric{event: event}
	g.BaseFields = newBase()
	g.Data = data
	return g
}

// inputToPeerEvents is the set of events the router delivers as work items
// to a target's Input method. All other events are observations only.
var inputToPeerEvents = map[string]bool{
	EventInputReceived: true,
}

// IsInputToPeer reports whether an emission of this event should be
// delivered as input to downstream components, per spec §4.3.
func IsInputToPeer(event string) bool { return inputToPeerEvents[event] }

// Registry maps event names to payload schemas and coerces raw data into
// typed payloads.
type Registry struct {
	debugf func(format string, args ...any)
}

// NewRegistry constructs a Registry. debugf, if non-nil, receives debug-level
// diagnostics (e.g. fields dropped while coercing a known schema).
func NewRegistry(debugf func(format string, args ...any)) *Registry {
	if debugf == nil {
		debugf = func(string, ...any) {}
	}
	return &Registry{debugf: debugf}
}

// CreatePayload builds a typed Payload for event from raw, which may already
// be a Payload for this event, a map[string]any, or a JSON string. Coercion
// failures never raise: they fall back to a Generic payload wrapping raw.
func (r *Registry) CreatePayload(event string, raw any) Payload {
	if p, ok := raw.(Payload); ok && p.Event() == event {
		return p
	}
	data, err := toMap(raw)
	if err != nil {
		r.debugf("payload: coercion failed for %q: %v", event, err)
		return NewGeneric(event, map[string]any{"data": raw})
	}
	return r.fromMap(event, data)
}

func toMap(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, err
		}
		return m, nil
	case []byte:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, err
		}
		return m, nil
	case nil:
		return map[string]any{}, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
}

func (r *Registry) fromMap(event string, data map[string]any) Payload {
	base := newBase()
	setBaseFromMap(&base, data)
	known := map[string]bool{
		EventInputReceived: true, EventAgentThought: true, EventAgentAction: true,
		EventToolCall: true, EventToolObservation: true, EventAgentStepComplete: true,
		EventAgentError: true, EventUserInputRequest: true, EventUserInputResponse: true,
	}
	if known[event] {
		logDropped(r, event, data)
	}
	switch event {
	case EventInputReceived:
		p := &InputReceived{BaseFields: base}
		p.Input, _ = data["input"].(string)
		if m, ok := data["inputs"].(map[string]any); ok {
			p.Inputs = m
		} else {
			p.Inputs = map[string]any{}
		}
		if sid, ok := data["session_id"].(string); ok {
			p.SessionID = &sid
		}
		return p
	case EventAgentThought:
		p := &AgentThought{BaseFields: base}
		p.Thought, _ = data["thought"].(string)
		return p
	case EventAgentAction:
		p := &AgentAction{BaseFields: base}
		if m, ok := data["action"].(map[string]any); ok {
			p.Action = m
		}
		return p
	case EventToolCall:
		p := &ToolCall{BaseFields: base}
		p.Tool, _ = data["tool"].(string)
		if m, ok := data["args"].(map[string]any); ok {
			p.Args = m
		} else {
			p.Args = map[string]any{}
		}
		return p
	case EventToolObservation:
		p := &ToolObservation{BaseFields: base}
		p.Tool, _ = data["tool"].(string)
		p.Observation, _ = data["observation"].(string)
		return p
	case EventAgentStepComplete:
		p := &AgentStepComplete{BaseFields: base}
		p.Step = intOf(data["step"])
		if sid, ok := data["session_id"].(string); ok {
			p.SessionID = &sid
		}
		return p
	case EventAgentError:
		p := &AgentError{BaseFields: base}
		p.Error, _ = data["error"].(string)
		p.ErrorType, _ = data["error_type"].(string)
		if m, ok := data["context"].(map[string]any); ok {
			p.Context = m
		} else {
			p.Context = map[string]any{}
		}
		return p
	case EventUserInputRequest:
		p := &UserInputRequest{BaseFields: base}
		p.Question, _ = data["question"].(string)
		p.RequestID, _ = data["request_id"].(string)
		p.TimeoutSeconds = floatOf(data["timeout_seconds"])
		return p
	case EventUserInputResponse:
		p := &UserInputResponse{BaseFields: base}
		p.RequestID, _ = data["request_id"].(string)
		p.Response, _ = data["response"].(string)
		return p
	default:
		g := &taggedGeneric{event: event}
		g.BaseFields = base
		g.Data = data
		return g
	}
}

func logDropped(r *Registry, event string, data map[string]any) {
	known := schemaFields[event]
	for k := range data {
		if k == "timestamp" || k == "component_id" || k == "component_type" {
			continue
		}
		if !known[k] {
			r.debugf("payload: dropping unknown field %q for known schema %q", k, event)
		}
	}
}

var schemaFields = map[string]map[string]bool{
	EventInputReceived:     {"input": true, "inputs": true, "session_id": true},
	EventAgentThought:      {"thought": true},
	EventAgentAction:       {"action": true},
	EventToolCall:          {"tool": true, "args": true},
	EventToolObservation:   {"tool": true, "observation": true},
	EventAgentStepComplete: {"step": true, "session_id": true},
	EventAgentError:        {"error": true, "error_type": true, "context": true},
	EventUserInputRequest:  {"question": true, "request_id": true, "timeout_seconds": true},
	EventUserInputResponse: {"request_id": true, "response": true},
}

func setBaseFromMap(base *BaseFields, data map[string]any) {
	if ts, ok := data["timestamp"]; ok {
		switch v := ts.(type) {
		case time.Time:
			base.Timestamp = v
		case string:
			if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
				base.Timestamp = parsed
			}
		}
	}
	if cid, ok := data["component_id"].(string); ok {
		base.ComponentID = &cid
	}
	if ct, ok := data["component_type"].(string); ok {
		base.ComponentType = &ct
	}
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func floatOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// Validate runs the per-schema rules from spec §3 and returns a list of
// human-readable error strings. An empty slice means the payload is valid.
func (r *Registry) Validate(p Payload) []string {
	var errs []string
	switch v := p.(type) {
	case *InputReceived:
		if v.Input == "" {
			errs = append(errs, "input.received: input must be non-empty")
		}
	case *AgentThought:
		if v.Thought == "" {
			errs = append(errs, "agent.thought: thought must be non-empty")
		}
	case *AgentAction:
		if len(v.Action) == 0 {
			errs = append(errs, "agent.action: action must be non-empty")
		}
	case *ToolCall:
		if v.Tool == "" {
			errs = append(errs, "tool.call: tool must be non-empty")
		}
	case *ToolObservation:
		if v.Tool == "" {
			errs = append(errs, "tool.observation: tool must be non-empty")
		}
	case *AgentStepComplete:
		if v.Step < 0 {
			errs = append(errs, "agent.step_complete: step must be >= 0")
		}
	case *taggedGeneric:
		if validate, ok := extraSchemas[v.event]; ok {
			errs = append(errs, validate(v.Data)...)
		}
	}
	return errs
}

// extraSchemas holds plugin-registered schemas for events outside the
// closed set. validatorFunc runs extra validation for a registered event.
type validatorFunc func(map[string]any) []string

var extraSchemas = map[string]validatorFunc{}

// Register is the extensibility hook described in spec §4.1: it lets a
// plugin attach validation rules to an event name not in the closed set.
// Registered events are otherwise handled as Generic payloads.
func Register(event string, validate func(map[string]any) []string) {
	extraSchemas[event] = validate
}
