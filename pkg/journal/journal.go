// Package journal implements the change journal that lets consumers
// (the context assembler's cache invalidation, other agents watching a
// trajectory) learn about new events without re-scanning the whole event
// DAG. Two implementations are provided: [RingBuffer] for a single
// CALIBER process, and [Poller] for a multi-instance deployment where the
// event DAG store itself is the only shared source of truth.
package journal

import (
	"context"
	"sync"

	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/ids"
)

// Change is a single notification that a tenant's event DAG has advanced.
type Change struct {
	Tenant     ids.TenantID
	Seq        uint64
	Kind       event.Kind
	Generation uint64
}

// Notifier is implemented by both journal variants.
type Notifier interface {
	// Publish announces that e was appended. Called by the entity layer
	// immediately after a successful [eventdag.Store.Append].
	Publish(ctx context.Context, e *event.Event)

	// Subscribe returns a channel of changes for tenant, and a cancel
	// function the caller must call to release it. The channel is closed
	// after cancel is called or the Notifier is closed.
	Subscribe(tenant ids.TenantID) (ch <-chan Change, cancel func())

	Close() error
}

// RingBuffer is a single-instance, in-process [Notifier]: an O(1) publish
// into a bounded ring per subscriber, trading a bounded risk of dropping
// the oldest unread change (if a subscriber falls far behind) for never
// blocking a publisher. Each publish also increments a monotonic
// generation counter, so a subscriber that suspects it missed a change
// (ring overflow) can detect the skew by comparing generations rather than
// silently assuming it saw every change.
type RingBuffer struct {
	mu          sync.Mutex
	capacity    int
	generation  uint64
	subscribers map[int]*ringSubscriber
	nextID      int
	closed      bool
}

type ringSubscriber struct {
	tenant ids.TenantID
	ch     chan Change
}

// NewRingBuffer returns a RingBuffer where each subscriber channel buffers
// up to capacity unread changes before the oldest is dropped.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &RingBuffer{
		capacity:    capacity,
		subscribers: make(map[int]*ringSubscriber),
	}
}

// Publish implements [Notifier].
func (r *RingBuffer) Publish(ctx context.Context, e *event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.generation++
	change := Change{Tenant: e.Tenant, Seq: e.MonotonicSeq, Kind: e.Kind, Generation: r.generation}

	for _, sub := range r.subscribers {
		if sub.tenant != e.Tenant {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			// Ring full: drop the oldest entry to make room rather than
			// block the publisher. The subscriber detects the gap via
			// Generation on its next read.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- change:
			default:
			}
		}
	}
}

// Subscribe implements [Notifier].
func (r *RingBuffer) Subscribe(tenant ids.TenantID) (<-chan Change, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	sub := &ringSubscriber{tenant: tenant, ch: make(chan Change, r.capacity)}
	r.subscribers[id] = sub

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if s, ok := r.subscribers[id]; ok {
			close(s.ch)
			delete(r.subscribers, id)
		}
	}
	return sub.ch, cancel
}

// Close implements [Notifier], closing every subscriber channel.
func (r *RingBuffer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for id, sub := range r.subscribers {
		close(sub.ch)
		delete(r.subscribers, id)
	}
	return nil
}

var _ Notifier = (*RingBuffer)(nil)
var _ Notifier = (*Poller)(nil)
