package events

import (
	"context"
	"errors"
	"sync"
)

const defaultListLimit = 50

// Log is the queryable audit trail. Every Log is also a Publisher.
type Log interface {
	Publisher
	Append(ctx context.Context, evt Event) error
	ListByNode(ctx context.Context, nodeID int64, limit int) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

type InMemoryLog struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// NewInMemoryLog keeps the newest capacity events; capacity <= 0 keeps 10000.
func NewInMemoryLog(capacity int) *InMemoryLog {
	if capacity <= 0 {
		capacity = 10000
	}
	return &InMemoryLog{capacity: capacity}
}

func (l *InMemoryLog) Publish(ctx context.Context, evt Event) error {
	return l.Append(ctx, evt)
}

func (l *InMemoryLog) Append(_ context.Context, evt Event) error {
	if evt.ID == "" || evt.Action == "" {
		return errors.New("event id and action are required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	if over := len(l.events) - l.capacity; over > 0 {
		l.events = append([]Event(nil), l.events[over:]...)
	}
	return nil
}

// ListByNode returns a node's events oldest first.
func (l *InMemoryLog) ListByNode(_ context.Context, nodeID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, 0)
	for _, evt := range l.events {
		if evt.NodeID == nodeID {
			out = append(out, evt)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ListRecent returns the newest events first.
func (l *InMemoryLog) ListRecent(_ context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, 0, limit)
	for i := len(l.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.events[i])
	}
	return out, nil
}
