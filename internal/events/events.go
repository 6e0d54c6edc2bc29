package events

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/VenkatGGG/runner-fleet/internal/node"
)

const (
	ActionNodeCreated         = "node.created"
	ActionNodeTransition      = "node.transition"
	ActionStartFailed         = "provider.start.failed"
	ActionTerminateFailed     = "provider.terminate.failed"
	ActionVerifyFailed        = "provider.verify.failed"
	ActionNodeAbandoned       = "node.abandoned"
	ActionDeploymentCreated   = "deployment.created"
	ActionDeploymentCompleted = "deployment.completed"
)

// Event is one entry in the node lifecycle audit trail.
type Event struct {
	ID        string            `json:"id"`
	NodeID    int64             `json:"node_id,omitempty"`
	RoutingID string            `json:"routing_id,omitempty"`
	Action    string            `json:"action"`
	From      node.State        `json:"from,omitempty"`
	To        node.State        `json:"to,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ForNode starts an event about n with a fresh ID and timestamp.
func ForNode(n node.Node, action, message string) Event {
	return Event{
		ID:        uuid.NewString(),
		NodeID:    n.ID,
		RoutingID: n.RoutingID,
		Action:    action,
		To:        n.State,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Key is the partitioning key for an event: its node, or its action when it has none.
func (e Event) Key() string {
	if e.NodeID > 0 {
		return strconv.FormatInt(e.NodeID, 10)
	}
	return e.Action
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Multi fans an event out to every publisher and joins their failures.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
