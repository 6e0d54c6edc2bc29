package fleet

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/VenkatGGG/runner-fleet/internal/node"
)

type InMemoryStore struct {
	mu           sync.RWMutex
	nodeSeq      int64
	deploySeq    int64
	nodes        map[int64]node.Node
	deployments  map[int64]Deployment
	activeDeploy int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		nodes:       make(map[int64]node.Node),
		deployments: make(map[int64]Deployment),
	}
}

func (s *InMemoryStore) CreateNode(_ context.Context, input CreateNodeInput) (node.Node, error) {
	created, err := newNode(input)
	if err != nil {
		return node.Node{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[input.DeploymentID]; !ok {
		return node.Node{}, ErrNoDeployment
	}
	s.nodeSeq++
	created.ID = s.nodeSeq
	s.nodes[created.ID] = created
	return created, nil
}

func (s *InMemoryStore) GetNode(_ context.Context, id int64) (node.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return node.Node{}, ErrNodeNotFound
	}
	return n, nil
}

func (s *InMemoryStore) ListNodes(_ context.Context, filter ListFilter) ([]node.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]node.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if filter.matches(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) CountNodes(_ context.Context) (map[node.State]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[node.State]int)
	for _, n := range s.nodes {
		out[n.State]++
	}
	return out, nil
}

func (s *InMemoryStore) TransitionNode(_ context.Context, input TransitionInput) (node.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.nodes[input.NodeID]
	if !ok {
		return node.Node{}, ErrNodeNotFound
	}
	next, err := input.apply(current)
	if err != nil {
		return node.Node{}, err
	}
	s.nodes[next.ID] = next
	return next, nil
}

func (s *InMemoryStore) RecordTerminateAttempt(_ context.Context, id int64, at time.Time) (node.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.nodes[id]
	if !ok {
		return node.Node{}, ErrNodeNotFound
	}
	current.TerminateAttempts++
	current.LastTerminateAttemptAt = normalizeTime(at)
	s.nodes[id] = current
	return current, nil
}

func (s *InMemoryStore) CreateDeployment(_ context.Context, image string) (Deployment, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return Deployment{}, errors.New("image is required")
	}

	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if previous, ok := s.deployments[s.activeDeploy]; ok {
		previous.SupersededAt = &now
		s.deployments[previous.ID] = previous
	}
	s.deploySeq++
	created := Deployment{ID: s.deploySeq, Image: image, CreatedAt: now}
	s.deployments[created.ID] = created
	s.activeDeploy = created.ID
	return created, nil
}

func (s *InMemoryStore) ActiveDeployment(_ context.Context) (Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active, ok := s.deployments[s.activeDeploy]
	if !ok {
		return Deployment{}, ErrNoDeployment
	}
	return active, nil
}
