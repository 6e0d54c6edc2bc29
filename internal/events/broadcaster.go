package events

import (
	"context"
	"sync"
)

// Broadcaster fans events out to live subscribers. A subscriber that falls
// behind loses events rather than blocking the publisher.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	buffer int
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *Broadcaster) Publish(_ context.Context, evt Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
