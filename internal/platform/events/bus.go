package events

import (
	"context"
	"sync"
)

// Bus is an in-process publish-subscribe Publisher. Subscribers receive events
// on a buffered channel; a full buffer drops the event for that subscriber
// only.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	buffer int
}

type subscription struct {
	ch chan Event
}

// NewBus creates a bus whose subscriber channels hold buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{subs: make(map[string]map[*subscription]struct{}), buffer: buffer}
}

// Subscribe returns a channel receiving events published to topic and a
// cancel function that closes it.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], sub)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish implements Publisher.
func (b *Bus) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[event.Topic] {
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}
