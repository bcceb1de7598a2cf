package router

import (
	"sync"

	"github.com/flowmesh/agentbus/payload"
)

// DeadLetterEntry records one dropped delivery.
type DeadLetterEntry struct {
	Target  string
	Payload payload.Payload
	Reason  string
}

// DeadLetterBox collects deliveries dropped because their target was not
// registered or its queue was full, modeled on the bounded-channel-plus-
// drop-policy shape of the teacher's channelBroadcaster. Capacity 0 means
// unbounded (entries are never pruned).
type DeadLetterBox struct {
	mu        sync.Mutex
	cap       int
	entries   []DeadLetterEntry
	dropped   int
	queueFull int
}

// NewDeadLetterBox constructs a box retaining up to capacity entries (0 =
// unbounded); beyond capacity, oldest entries are dropped and counted.
func NewDeadLetterBox(capacity int) *DeadLetterBox {
	return &DeadLetterBox{cap: capacity}
}

// Drop records an entry that could not be delivered because its target was
// not registered.
func (d *DeadLetterBox) Drop(target string, p payload.Payload) {
	d.DropReason(target, p, "target not registered")
}

// DropReason records an entry that could not be delivered, with the given
// reason. "queue full" entries are also tallied in QueueFull, per spec §5 and
// scenario S8.
func (d *DeadLetterBox) DropReason(target string, p payload.Payload, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reason == "queue full" {
		d.queueFull++
	}
	if d.cap > 0 && len(d.entries) >= d.cap {
		d.entries = d.entries[1:]
		d.dropped++
	}
	d.entries = append(d.entries, DeadLetterEntry{Target: target, Payload: p, Reason: reason})
}

// QueueFull returns the count of deliveries dead-lettered because the
// target's bounded buffer was full, per scenario S8.
func (d *DeadLetterBox) QueueFull() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queueFull
}

// Entries returns a snapshot of currently retained dead-lettered deliveries.
func (d *DeadLetterBox) Entries() []DeadLetterEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeadLetterEntry{}, d.entries...)
}

// Dropped returns the count of entries evicted for exceeding capacity.
func (d *DeadLetterBox) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}
