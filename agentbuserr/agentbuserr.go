// Package agentbuserr defines the error taxonomy shared by every layer of
// the runtime: the event bus, router, correlator, component resolver, and
// tool-server channel layer all surface one of these types rather than a
// bare error, so callers can branch with errors.As.
package agentbuserr

import "fmt"

// ValidationError reports a problem discovered at startup: a dependency
// cycle, a missing required config key, a routing target that does not
// resolve, or an empty required payload field. The process exits non-zero
// when one reaches the top level.
type ValidationError struct {
	// Component names the offending component, when known.
	Component string
	// Location names the configuration location (e.g. a parser line number)
	// when the caller has one available. Empty when not known.
	Location string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("validation error in %q (%s): %s", e.Component, e.Location, e.Reason)
	}
	return fmt.Sprintf("validation error in %q: %s", e.Component, e.Reason)
}

// ResponseTimeoutError is returned to the caller of Correlator.Request when
// no reply arrives within the timeout. Per spec it also covers the case of
// an unknown target: the correlator unifies "not found" with timeout because
// components may register late.
type ResponseTimeoutError struct {
	Target string
}

func (e *ResponseTimeoutError) Error() string {
	return fmt.Sprintf("no response from %q within timeout", e.Target)
}

// ComponentError carries an error raised by the target component's Input
// during a correlated request.
type ComponentError struct {
	Target string
	Type   string
	Text   string
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("component %q raised %s: %s", e.Target, e.Type, e.Text)
}

// ValidationErrorKind classifies a request-builder misuse, such as calling
// Do without a target.
type ValidationErrorKind struct {
	Reason string
}

func (e *ValidationErrorKind) Error() string { return "invalid request: " + e.Reason }

// ChannelConnectionError reports that a tool-server transport could not
// connect, or disconnected unexpectedly. The owning component marks itself
// degraded and fails subsequent calls fast.
type ChannelConnectionError struct {
	Server string
	Cause  error
}

func (e *ChannelConnectionError) Error() string {
	return fmt.Sprintf("mcp channel %q: connection error: %v", e.Server, e.Cause)
}

func (e *ChannelConnectionError) Unwrap() error { return e.Cause }

// ProtocolError reports a JSON-RPC error response or a malformed message
// from a tool server. The channel stays open; only the specific call fails.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcp protocol error %d: %s", e.Code, e.Message)
}

// QueueFullError reports that an outbound delivery queue exceeded its
// configured maximum length; the message was dead-lettered instead of
// blocking the producer.
type QueueFullError struct {
	Target string
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("delivery queue full for %q: message dead-lettered", e.Target)
}

// ShutdownCancelledError is returned to any awaiter whose in-flight
// operation was cancelled by runtime shutdown. Callers should not log it as
// an error.
type ShutdownCancelledError struct {
	Op string
}

func (e *ShutdownCancelledError) Error() string {
	return fmt.Sprintf("%s cancelled by runtime shutdown", e.Op)
}
