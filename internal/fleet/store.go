package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/VenkatGGG/runner-fleet/internal/node"
)

var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrStateConflict = errors.New("node state changed concurrently")
	ErrNoDeployment  = errors.New("no active deployment")
)

// Deployment is a runner image version. Exactly one is active at a time.
type Deployment struct {
	ID           int64      `json:"id"`
	Image        string     `json:"image"`
	CreatedAt    time.Time  `json:"created_at"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}

func (d Deployment) Active() bool {
	return d.SupersededAt == nil
}

type CreateNodeInput struct {
	RoutingID    string
	DeploymentID int64
	Config       node.Config
	At           time.Time
}

// ListFilter narrows ListNodes. Zero fields match everything.
type ListFilter struct {
	States       []node.State
	RoutingID    string
	DeploymentID int64
}

func (f ListFilter) matches(n node.Node) bool {
	if f.RoutingID != "" && n.RoutingID != f.RoutingID {
		return false
	}
	if f.DeploymentID > 0 && n.DeploymentID != f.DeploymentID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, state := range f.States {
		if n.State == state {
			return true
		}
	}
	return false
}

// TransitionInput is a compare-and-set state change: it applies only while the
// node is still in From.
type TransitionInput struct {
	NodeID int64
	From   node.State
	To     node.State
	URL    string
	Error  string
	At     time.Time
}

func (in TransitionInput) apply(current node.Node) (node.Node, error) {
	if current.State != in.From {
		return node.Node{}, fmt.Errorf("%w: node %d is %s, expected %s", ErrStateConflict, current.ID, current.State, in.From)
	}
	return node.Transition(current, node.TransitionInput{To: in.To, URL: in.URL, Error: in.Error, At: in.At})
}

// Store is the durable node registry. Records are never deleted.
type Store interface {
	CreateNode(ctx context.Context, input CreateNodeInput) (node.Node, error)
	GetNode(ctx context.Context, id int64) (node.Node, error)
	ListNodes(ctx context.Context, filter ListFilter) ([]node.Node, error)
	// CountNodes returns the number of records per state.
	CountNodes(ctx context.Context) (map[node.State]int, error)
	TransitionNode(ctx context.Context, input TransitionInput) (node.Node, error)
	RecordTerminateAttempt(ctx context.Context, id int64, at time.Time) (node.Node, error)
	CreateDeployment(ctx context.Context, image string) (Deployment, error)
	ActiveDeployment(ctx context.Context) (Deployment, error)
}

func newNode(input CreateNodeInput) (node.Node, error) {
	routingID := strings.TrimSpace(input.RoutingID)
	if routingID == "" {
		return node.Node{}, fmt.Errorf("%w: routing_id is required", node.ErrInvalidConfig)
	}
	if input.DeploymentID <= 0 {
		return node.Node{}, fmt.Errorf("%w: deployment_id is required", node.ErrInvalidConfig)
	}
	if err := input.Config.Validate(); err != nil {
		return node.Node{}, err
	}

	at := normalizeTime(input.At)
	return node.Node{
		RoutingID:             routingID,
		DeploymentID:          input.DeploymentID,
		State:                 node.StatePending,
		Image:                 strings.TrimSpace(input.Config.Image),
		CPUMilli:              input.Config.CPUMilli,
		MemoryMB:              input.Config.MemoryMB,
		StorageMB:             input.Config.StorageMB,
		CreatedAt:             at,
		LastStateTransitionAt: at,
	}, nil
}

func normalizeTime(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value.UTC()
}
