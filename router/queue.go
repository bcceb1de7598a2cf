package router

import (
	"context"
	"sync"

	"github.com/flowmesh/agentbus/payload"
)

// pendingQueue buffers deliveries addressed to a target that has not
// registered yet, bounded per target. Per spec §5 (Backpressure), exceeding
// the configured maximum routes the message to the dead-letter box with
// reason "queue full" rather than blocking the producer or growing
// unboundedly. A target with no configured limit gets no buffering at all:
// Deliver dead-letters immediately, preserving the simpler "target not
// registered" path.
type pendingQueue struct {
	mu     sync.Mutex
	limits map[string]int
	queued map[string][]payload.Payload
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{limits: make(map[string]int), queued: make(map[string][]payload.Payload)}
}

// setLimit configures the maximum number of envelopes buffered for target
// before further enqueues are dead-lettered as queue-full.
func (q *pendingQueue) setLimit(target string, max int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limits[target] = max
}

// hasLimit reports whether target has a configured queue, i.e. whether
// Deliver should buffer rather than dead-letter immediately on a lookup miss.
func (q *pendingQueue) hasLimit(target string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.limits[target]
	return ok
}

// offer attempts to enqueue p for target. ok is false when the queue is at
// its configured capacity, in which case the caller dead-letters p with
// reason "queue full".
func (q *pendingQueue) offer(target string, p payload.Payload) (ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	max := q.limits[target]
	if len(q.queued[target]) >= max {
		return false
	}
	q.queued[target] = append(q.queued[target], p)
	return true
}

// drain returns and clears everything queued for target, in arrival order.
func (q *pendingQueue) drain(target string) []payload.Payload {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.queued[target]
	delete(q.queued, target)
	return out
}

// SetQueueLimit configures the bounded buffer used while target has not yet
// registered: deliveries beyond max are dead-lettered with reason "queue
// full" and increment the dead-letter box's QueueFull counter, per spec §5
// and scenario S8. Call before traffic begins; it is not safe to change
// concurrently with Deliver.
func (r *Router) SetQueueLimit(target string, max int) {
	if r.pending == nil {
		r.pending = newPendingQueue()
	}
	r.pending.setLimit(target, max)
}

// FlushPending delivers everything buffered for target (now registered) in
// arrival order, then clears its queue. Call after a late-joining component
// registers with the component.Registry.
func (r *Router) FlushPending(ctx context.Context, target string) {
	if r.pending == nil {
		return
	}
	queued := r.pending.drain(target)
	if len(queued) == 0 {
		return
	}
	c, ok := r.registry.Lookup(target)
	if !ok {
		return
	}
	for _, p := range queued {
		result, err := c.Input(ctx, p)
		if err != nil {
			r.logger.Warn(ctx, "buffered delivery failed", "target", target, "error", err)
			continue
		}
		if result != nil && r.emitter != nil {
			r.emitter.EmitFromComponent(ctx, target, responseEventFor(c.Kind()), result)
		}
	}
}
