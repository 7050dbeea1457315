package events

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultSubscriberBuffer is the channel buffer used when Subscribe is
// called with a non-positive size.
const DefaultSubscriberBuffer = 64

type subscriber struct {
	ch      chan Event
	dropped int
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event and the miss is
// counted. A nil *Bus is valid and discards everything, so wiring the bus
// is optional for callers that don't observe progress.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a new observer and returns its receive channel plus
// an unsubscribe function. Unsubscribing closes the channel; it is safe to
// call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if b == nil {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, buffer)}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[id] = sub

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
	return sub.ch, unsubscribe
}

// Publish delivers the event to every subscriber that has buffer space.
// The timestamp is filled in when the caller left it zero.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			sub.dropped++
			if sub.dropped == 1 || sub.dropped%100 == 0 {
				slog.Debug("Event subscriber falling behind",
					"event_type", evt.Type,
					"dropped", sub.dropped)
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts the bus down: all subscriber channels are closed and further
// publishes are discarded.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	totalDropped := 0
	for id, sub := range b.subs {
		totalDropped += sub.dropped
		close(sub.ch)
		delete(b.subs, id)
	}
	if totalDropped > 0 {
		slog.Warn("Event bus closed with dropped events", "dropped", totalDropped)
	}
}
