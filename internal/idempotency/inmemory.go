package idempotency

import (
	"context"
	"sync"
	"time"
)

type storedResponse struct {
	resp      Response
	expiresAt time.Time
}

type claim struct {
	owner     string
	expiresAt time.Time
}

type InMemoryStore struct {
	mu        sync.Mutex
	responses map[string]storedResponse
	claims    map[string]claim
	now       func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		responses: make(map[string]storedResponse),
		claims:    make(map[string]claim),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) Lookup(_ context.Context, scope, key string) (Response, bool, error) {
	compound, err := compoundKey(scope, key)
	if err != nil {
		return Response{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.responses[compound]
	if !ok {
		return Response{}, false, nil
	}
	if s.now().After(stored.expiresAt) {
		delete(s.responses, compound)
		return Response{}, false, nil
	}
	resp := stored.resp
	resp.Body = append([]byte(nil), resp.Body...)
	return resp, true, nil
}

func (s *InMemoryStore) Claim(_ context.Context, scope, key, owner string, ttl time.Duration) (bool, error) {
	compound, err := compoundKey(scope, key)
	if err != nil {
		return false, err
	}
	if owner, err = claimOwner(owner); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.claims[compound]; ok && now.Before(existing.expiresAt) {
		return false, nil
	}
	s.claims[compound] = claim{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) Save(_ context.Context, scope, key string, resp Response, ttl time.Duration) error {
	compound, err := compoundKey(scope, key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	resp.Body = append([]byte(nil), resp.Body...)
	s.responses[compound] = storedResponse{resp: resp, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) Release(_ context.Context, scope, key, owner string) error {
	compound, err := compoundKey(scope, key)
	if err != nil {
		return err
	}
	if owner, err = claimOwner(owner); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.claims[compound]; ok && existing.owner == owner {
		delete(s.claims, compound)
	}
	return nil
}
