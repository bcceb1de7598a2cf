// Package runtime implements the Async Runtime and Startup Coordinator: the
// single cooperative scheduler that constructs components in dependency
// order, runs blocking capability discovery for components that opt in, and
// drives the main input loop, grounded on the teacher's runtime/registry
// "join-all with per-task timeout" shape (manager.go's syncCtx/syncWg) and
// the demo entry-point wiring in cmd/.
package runtime

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryMode distinguishes how an envelope is addressed.
type DeliveryMode string

const (
	DeliveryPointToPoint     DeliveryMode = "point_to_point"
	DeliveryPublishSubscribe DeliveryMode = "publish_subscribe"
)

// Pattern names the addressing pattern of a MessageEnvelope, per spec §3.
type Pattern string

const (
	PatternPointToPoint     Pattern = "point_to_point"
	PatternPublishSubscribe Pattern = "publish_subscribe"
)

// MessageEnvelope is the wire shape used for delivered and correlated
// traffic, per spec §3. It carries its own retry/expiry bookkeeping so the
// runtime's built-in retry policy (§7) can apply without consulting the bus
// or router.
type MessageEnvelope struct {
	MessageID  string
	SessionID  string
	EventType  string
	Payload    any
	Sender     string
	Target     string
	Delivery   DeliveryMode
	Pattern    Pattern
	CreatedAt  time.Time
	RetryCount int
	MaxRetries int
	TTL        time.Duration
}

// NewEnvelope constructs an envelope with a fresh message id and CreatedAt
// set to now, defaulting to point-to-point delivery.
func NewEnvelope(eventType string, payload any) *MessageEnvelope {
	return &MessageEnvelope{
		MessageID: uuid.NewString(),
		EventType: eventType,
		Payload:   payload,
		Delivery:  DeliveryPointToPoint,
		Pattern:   PatternPointToPoint,
		CreatedAt: time.Now(),
	}
}

// Expired reports whether the envelope has outlived its TTL. A zero TTL
// never expires.
func (e *MessageEnvelope) Expired() bool {
	if e.TTL <= 0 {
		return false
	}
	return time.Since(e.CreatedAt) > e.TTL
}

// Retryable reports whether the envelope may be retried: it has budget left
// and has not expired, per spec §3 and the exponential-backoff retry policy
// referenced in spec §7.
func (e *MessageEnvelope) Retryable() bool {
	return e.RetryCount < e.MaxRetries && !e.Expired()
}

// NextBackoff returns the exponential backoff delay before the next retry
// attempt, doubling per retry starting at base and capped at max.
func NextBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	return d
}
