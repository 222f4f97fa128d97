package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Bus is the in-process notification spine of the module. Session status,
// presence, typing and message lifecycle changes are published here under
// hierarchical kinds ("presence.online", "message.confirmed", ...), and
// consumers subscribe to a kind prefix. The unsubscribe closure returned by
// Subscribe is the scoped handle: hold it for as long as the stream matters,
// call it once done.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

type subscriber struct {
	prefix string
	ch     chan Event
	gone   bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Publish delivers evt to every live subscriber whose prefix matches
// evt.Kind. Delivery never blocks: a subscriber that has fallen behind its
// buffer loses the event.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.gone || !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a consumer for all kinds starting with prefix and
// returns its channel plus the unsubscribe closure. bufSize bounds how far
// the consumer may lag before events are dropped.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	sub := &subscriber{prefix: prefix, ch: make(chan Event, bufSize)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				sub.gone = true
				return
			}
		}
	}
}

// Dropped reports how many events were lost to full subscriber buffers
// since the bus was created.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
