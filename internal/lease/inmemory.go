package lease

import (
	"context"
	"sync"
	"time"
)

type inMemoryEntry struct {
	owner     string
	token     uint64
	expiresAt time.Time
}

// InMemoryManager serializes work within a single controller process.
type InMemoryManager struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]inMemoryEntry
	now     func() time.Time
}

func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{
		entries: make(map[string]inMemoryEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *InMemoryManager) Acquire(_ context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error) {
	req, err := normalize(resource, owner, ttl)
	if err != nil {
		return Lease{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.entries[req.resource]; ok && now.Before(existing.expiresAt) {
		return Lease{}, false, nil
	}

	m.seq++
	held := Lease{Token: m.seq, ExpiresAt: now.Add(req.ttl)}
	m.entries[req.resource] = inMemoryEntry{owner: req.owner, token: held.Token, expiresAt: held.ExpiresAt}
	return held, true, nil
}

func (m *InMemoryManager) Renew(_ context.Context, resource, owner string, token uint64, ttl time.Duration) (Lease, bool, error) {
	req, err := normalizeHeld(resource, owner, token, ttl)
	if err != nil {
		return Lease{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, ok := m.entries[req.resource]
	if !ok {
		return Lease{}, false, nil
	}
	if !now.Before(existing.expiresAt) {
		delete(m.entries, req.resource)
		return Lease{}, false, nil
	}
	if existing.owner != req.owner || existing.token != token {
		return Lease{}, false, nil
	}

	existing.expiresAt = now.Add(req.ttl)
	m.entries[req.resource] = existing
	return Lease{Token: token, ExpiresAt: existing.expiresAt}, true, nil
}

func (m *InMemoryManager) Release(_ context.Context, resource, owner string, token uint64) error {
	req, err := normalizeHeld(resource, owner, token, 0)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.entries[req.resource]
	if ok && existing.owner == req.owner && existing.token == token {
		delete(m.entries, req.resource)
	}
	return nil
}
