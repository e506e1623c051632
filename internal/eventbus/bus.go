// Package eventbus implements the process-wide typed publish/subscribe
// facility described in spec.md §4.1 (C1). Subscribers are referenced by
// opaque handle; unknown event tags are rejected at publish time to prevent
// typo drift between emitters and subscribers. Delivery is FIFO per
// subscriber with no ordering guarantee across subscribers, and emission
// never blocks the publisher: each subscriber owns a bounded channel, and
// on overflow the oldest buffered event for that subscriber is dropped.
package eventbus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/opensourceagent/osa/pkg/models"
)

// DefaultBufferSize is the default per-subscriber channel depth.
const DefaultBufferSize = 256

// Handle is an opaque subscriber reference returned by Subscribe.
type Handle uint64

type subscriber struct {
	handle Handle
	ch     chan models.Event
	// sessionFilter, when non-empty, restricts delivery to events whose
	// SessionID matches (used by the SSE surface to multiplex per session).
	sessionFilter string
	dropped       uint64
}

// Bus is a typed, non-blocking publish/subscribe hub.
type Bus struct {
	mu          sync.RWMutex
	subs        map[Handle]*subscriber
	nextHandle  uint64
	bufferSize  int
	onDropped   func(handle Handle, dropped uint64)
}

// New creates an event bus with the given per-subscriber buffer size. A
// non-positive size falls back to DefaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:       make(map[Handle]*subscriber),
		bufferSize: bufferSize,
	}
}

// OnDropped registers a callback invoked whenever an event is dropped for a
// subscriber due to buffer overflow. Used to drive a Prometheus counter.
func (b *Bus) OnDropped(fn func(handle Handle, dropped uint64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDropped = fn
}

// Subscribe registers a new subscriber and returns its handle and channel.
// sessionFilter, when non-empty, restricts delivery to events carrying that
// SessionID; pass "" to receive every event.
func (b *Bus) Subscribe(sessionFilter string) (Handle, <-chan models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextHandle++
	h := Handle(b.nextHandle)
	sub := &subscriber{
		handle:        h,
		ch:            make(chan models.Event, b.bufferSize),
		sessionFilter: sessionFilter,
	}
	b.subs[h] = sub
	return h, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	sub, ok := b.subs[h]
	if ok {
		delete(b.subs, h)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscriber. It returns an
// error if the event's tag is not in the closed set, and never blocks: a
// full subscriber channel causes the oldest buffered event for that
// subscriber to be dropped and replaced.
func (b *Bus) Publish(evt models.Event) error {
	if !models.KnownEventTags[evt.Tag] {
		return fmt.Errorf("eventbus: unknown event tag %q", evt.Tag)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.sessionFilter != "" && evt.SessionID != "" && sub.sessionFilter != evt.SessionID {
			continue
		}
		b.deliver(sub, evt)
	}
	return nil
}

func (b *Bus) deliver(sub *subscriber, evt models.Event) {
	select {
	case sub.ch <- evt:
		return
	default:
	}

	// Buffer full: drop the oldest buffered event, then enqueue the new one.
	select {
	case <-sub.ch:
		atomic.AddUint64(&sub.dropped, 1)
		if b.onDropped != nil {
			b.onDropped(sub.handle, atomic.LoadUint64(&sub.dropped))
		}
	default:
	}
	select {
	case sub.ch <- evt:
	default:
		// Another publisher raced us; give up silently rather than block.
	}
}

// Dropped returns the number of events dropped for a given subscriber.
func (b *Bus) Dropped(h Handle) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subs[h]
	if !ok {
		return 0
	}
	return atomic.LoadUint64(&sub.dropped)
}

// SubscriberCount returns the number of active subscribers, for diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
