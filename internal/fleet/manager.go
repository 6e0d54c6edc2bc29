package fleet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/VenkatGGG/runner-fleet/internal/events"
	"github.com/VenkatGGG/runner-fleet/internal/lease"
	"github.com/VenkatGGG/runner-fleet/internal/node"
	"github.com/VenkatGGG/runner-fleet/internal/provider"
)

type ManagerConfig struct {
	ReconcileInterval       time.Duration
	StartingTimeout         time.Duration
	FinishingTimeout        time.Duration
	MaxTerminateAttempts    int
	TerminateRetryBaseDelay time.Duration
	TerminateRetryMaxDelay  time.Duration
	Concurrency             int
	LeaseTTL                time.Duration
	// Owner identifies this controller instance in leases.
	Owner string
}

// Manager drives every node through its lifecycle by calling the provider and
// recording each step in the store.
type Manager struct {
	store    Store
	provider provider.Provider
	leases   lease.Manager
	events   events.Publisher
	cfg      ManagerConfig
	logger   *log.Logger
	now      func() time.Time
}

func NewManager(store Store, prov provider.Provider, leases lease.Manager, publisher events.Publisher, cfg ManagerConfig, logger *log.Logger) *Manager {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Second
	}
	if cfg.StartingTimeout <= 0 {
		cfg.StartingTimeout = 5 * time.Minute
	}
	if cfg.FinishingTimeout < 0 {
		cfg.FinishingTimeout = 0
	}
	if cfg.MaxTerminateAttempts <= 0 {
		cfg.MaxTerminateAttempts = 10
	}
	if cfg.TerminateRetryBaseDelay <= 0 {
		cfg.TerminateRetryBaseDelay = 5 * time.Second
	}
	if cfg.TerminateRetryMaxDelay < cfg.TerminateRetryBaseDelay {
		cfg.TerminateRetryMaxDelay = cfg.TerminateRetryBaseDelay
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if strings.TrimSpace(cfg.Owner) == "" {
		host, _ := os.Hostname()
		cfg.Owner = host + "-" + uuid.NewString()[:8]
	}
	if leases == nil {
		leases = lease.NewInMemoryManager()
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Manager{
		store:    store,
		provider: prov,
		leases:   leases,
		events:   publisher,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	m.logger.Printf(
		"fleet manager started: provider=%s owner=%s reconcile=%s starting_timeout=%s finishing_timeout=%s max_terminate_attempts=%d",
		m.provider.Kind(),
		m.cfg.Owner,
		m.cfg.ReconcileInterval,
		m.cfg.StartingTimeout,
		m.cfg.FinishingTimeout,
		m.cfg.MaxTerminateAttempts,
	)

	m.reconcileAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reconcileAndLog(ctx)
		}
	}
}

func (m *Manager) reconcileAndLog(ctx context.Context) {
	if err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
		m.logger.Printf("fleet manager reconcile failed: err=%v", err)
	}
}

// EnsureNode returns a usable node for routingID on the active deployment: a
// RUNNING one if any, else one already on its way up, else a new PENDING node.
func (m *Manager) EnsureNode(ctx context.Context, routingID string, overrides node.Config) (node.Node, error) {
	routingID = strings.TrimSpace(routingID)
	if routingID == "" {
		return node.Node{}, fmt.Errorf("%w: routing_id is required", node.ErrInvalidConfig)
	}
	if m.provider.Kind() == provider.KindUnsupported {
		return node.Node{}, provider.ConfigurationError("ensure node", provider.ErrUnsupportedProvider)
	}

	var ensured node.Node
	err := m.withLeaseRetry(ctx, "routing:"+routingID, func(ctx context.Context) error {
		active, err := m.store.ActiveDeployment(ctx)
		if err != nil {
			return err
		}
		nodes, err := m.store.ListNodes(ctx, ListFilter{
			RoutingID:    routingID,
			DeploymentID: active.ID,
			States:       []node.State{node.StateRunning, node.StateStarting, node.StatePending},
		})
		if err != nil {
			return err
		}
		if found, ok := pickUsable(nodes); ok {
			ensured = found
			return nil
		}
		ensured, err = m.createNode(ctx, routingID, active, overrides)
		return err
	})
	return ensured, err
}

func pickUsable(nodes []node.Node) (node.Node, bool) {
	for _, state := range []node.State{node.StateRunning, node.StateStarting, node.StatePending} {
		for _, n := range nodes {
			if n.State == state {
				return n, true
			}
		}
	}
	return node.Node{}, false
}

func (m *Manager) createNode(ctx context.Context, routingID string, active Deployment, overrides node.Config) (node.Node, error) {
	cfg := overrides.Merge(m.provider.DefaultNodeConfig())
	cfg.Image = active.Image

	created, err := m.store.CreateNode(ctx, CreateNodeInput{
		RoutingID:    routingID,
		DeploymentID: active.ID,
		Config:       cfg,
		At:           m.now(),
	})
	if err != nil {
		return node.Node{}, fmt.Errorf("create node: %w", err)
	}
	m.logger.Printf("fleet manager created node: node_id=%d routing_id=%s deployment_id=%d", created.ID, created.RoutingID, created.DeploymentID)
	m.publish(ctx, events.ForNode(created, events.ActionNodeCreated, "node created"))
	return created, nil
}

// Rollout makes image the active deployment. Reconcile then replaces nodes
// running older deployments.
func (m *Manager) Rollout(ctx context.Context, image string) (Deployment, error) {
	created, err := m.store.CreateDeployment(ctx, image)
	if err != nil {
		return Deployment{}, err
	}
	m.logger.Printf("fleet manager rollout: deployment_id=%d image=%s", created.ID, created.Image)
	m.publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Action:    events.ActionDeploymentCreated,
		Message:   "deployment " + created.Image,
		Metadata:  map[string]string{"deployment_id": fmt.Sprint(created.ID), "image": created.Image},
		Timestamp: m.now(),
	})
	return created, nil
}

// Register is the node's callback once it is listening on url. The url is
// verified first; on failure the node stays STARTING until the starting timeout.
// It runs under the node lease, so it waits for an in-flight Start.
func (m *Manager) Register(ctx context.Context, id int64, url string) (node.Node, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return node.Node{}, errors.New("url is required")
	}

	var registered node.Node
	err := m.withLeaseRetry(ctx, lease.NodeResource(id), func(ctx context.Context) error {
		current, err := m.store.GetNode(ctx, id)
		if err != nil {
			return err
		}
		if current.State == node.StateRunning && current.URL == url {
			registered = current
			return nil
		}
		if current.State != node.StateStarting {
			return fmt.Errorf("%w: node %d is %s", ErrStateConflict, id, current.State)
		}

		if err := m.provider.VerifyURL(ctx, url); err != nil {
			m.logger.Printf("fleet manager verify failed: node_id=%d url=%s err=%v", id, url, err)
			evt := events.ForNode(current, events.ActionVerifyFailed, err.Error())
			evt.Metadata = map[string]string{"url": url}
			m.publish(ctx, evt)
			return err
		}

		registered, err = m.transition(ctx, current, node.StateRunning, url, "")
		return err
	})
	if err != nil {
		return node.Node{}, err
	}
	return registered, nil
}

// Finish marks a node for removal. It is a no-op for nodes already leaving.
func (m *Manager) Finish(ctx context.Context, id int64) (node.Node, error) {
	var finished node.Node
	err := m.withLeaseRetry(ctx, lease.NodeResource(id), func(ctx context.Context) error {
		current, err := m.store.GetNode(ctx, id)
		if err != nil {
			return err
		}
		switch current.State {
		case node.StateFinishing, node.StateError, node.StateTerminated:
			finished = current
			return nil
		}
		finished, err = m.transition(ctx, current, node.StateFinishing, "", "")
		return err
	})
	if err != nil {
		return node.Node{}, err
	}
	return finished, nil
}

// Reconcile runs one pass over every live node. Nodes are handled in parallel,
// each under its own lease.
func (m *Manager) Reconcile(ctx context.Context) error {
	active, err := m.store.ActiveDeployment(ctx)
	if err != nil && !errors.Is(err, ErrNoDeployment) {
		return err
	}
	hasActive := err == nil

	nodes, err := m.store.ListNodes(ctx, ListFilter{States: []node.State{
		node.StatePending,
		node.StateStarting,
		node.StateRunning,
		node.StateOutdated,
		node.StateFinishing,
		node.StateError,
	}})
	if err != nil {
		return err
	}

	snapshot := newFleetView(nodes, active, hasActive)
	if hasActive {
		m.ensureReplacements(ctx, snapshot, active)
	}

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for _, n := range nodes {
		g.Go(func() error {
			err := m.withLease(ctx, lease.NodeResource(n.ID), func(ctx context.Context) error {
				return m.reconcileNode(ctx, n.ID, snapshot)
			})
			if err != nil && !errors.Is(err, lease.ErrNotAcquired) && !errors.Is(err, ErrStateConflict) {
				m.logger.Printf("fleet manager reconcile node failed: node_id=%d err=%v", n.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// fleetView is the state of the fleet at the start of a reconcile pass.
type fleetView struct {
	active    Deployment
	hasActive bool
	byRouting map[string][]node.Node
}

func newFleetView(nodes []node.Node, active Deployment, hasActive bool) fleetView {
	view := fleetView{active: active, hasActive: hasActive, byRouting: make(map[string][]node.Node)}
	for _, n := range nodes {
		view.byRouting[n.RoutingID] = append(view.byRouting[n.RoutingID], n)
	}
	return view
}

func (v fleetView) outdated(n node.Node) bool {
	return v.hasActive && n.DeploymentID != v.active.ID
}

func (v fleetView) replacement(routingID string, states ...node.State) bool {
	for _, n := range v.byRouting[routingID] {
		if n.DeploymentID != v.active.ID {
			continue
		}
		for _, state := range states {
			if n.State == state {
				return true
			}
		}
	}
	return false
}

// ensureReplacements creates one PENDING node on the active deployment for every
// routing ID that has OUTDATED nodes and nothing on the active deployment yet.
func (m *Manager) ensureReplacements(ctx context.Context, view fleetView, active Deployment) {
	for routingID, nodes := range view.byRouting {
		var template node.Node
		needs := false
		for _, n := range nodes {
			if n.State == node.StateOutdated {
				template = n
				needs = true
				break
			}
		}
		if !needs || view.replacement(routingID, node.StatePending, node.StateStarting, node.StateRunning) {
			continue
		}
		_, err := m.EnsureNode(ctx, routingID, node.Config{
			CPUMilli:  template.CPUMilli,
			MemoryMB:  template.MemoryMB,
			StorageMB: template.StorageMB,
		})
		if err != nil {
			m.logger.Printf("fleet manager replacement failed: routing_id=%s deployment_id=%d err=%v", routingID, active.ID, err)
		}
	}
}

func (m *Manager) reconcileNode(ctx context.Context, id int64, view fleetView) error {
	// Re-read under the lease; the snapshot may be stale.
	n, err := m.store.GetNode(ctx, id)
	if err != nil {
		return err
	}
	now := m.now()

	switch n.State {
	case node.StatePending:
		if view.outdated(n) {
			_, err := m.transition(ctx, n, node.StateFinishing, "", "")
			return err
		}
		return m.start(ctx, n)
	case node.StateStarting:
		if now.Sub(n.LastStateTransitionAt) > m.cfg.StartingTimeout {
			_, err := m.transition(ctx, n, node.StateError, "", "starting timeout")
			return err
		}
		if view.outdated(n) {
			_, err := m.transition(ctx, n, node.StateOutdated, "", "")
			return err
		}
	case node.StateRunning:
		if view.outdated(n) {
			_, err := m.transition(ctx, n, node.StateOutdated, "", "")
			return err
		}
	case node.StateOutdated:
		if view.replacement(n.RoutingID, node.StateRunning) {
			_, err := m.transition(ctx, n, node.StateFinishing, "", "")
			return err
		}
	case node.StateFinishing:
		if now.Sub(n.LastStateTransitionAt) >= m.cfg.FinishingTimeout {
			return m.terminate(ctx, n)
		}
	case node.StateError:
		return m.terminate(ctx, n)
	}
	return nil
}

// start moves the node to STARTING and only then calls the provider, so a node
// is started at most once per entry into STARTING.
func (m *Manager) start(ctx context.Context, n node.Node) error {
	starting, err := m.transition(ctx, n, node.StateStarting, "", "")
	if err != nil {
		return err
	}

	if err := m.provider.Start(ctx, starting); err != nil {
		m.logger.Printf("fleet manager start failed: node_id=%d name=%s err=%v", starting.ID, starting.Name(), err)
		m.publish(ctx, events.ForNode(starting, events.ActionStartFailed, err.Error()))
		_, terr := m.transition(ctx, starting, node.StateError, "", err.Error())
		return terr
	}
	m.logger.Printf("fleet manager started node: node_id=%d name=%s", starting.ID, starting.Name())
	return nil
}

func (m *Manager) terminate(ctx context.Context, n node.Node) error {
	now := m.now()
	if n.TerminateAttempts > 0 && now.Before(n.LastTerminateAttemptAt.Add(m.retryDelay(n.TerminateAttempts))) {
		return nil
	}

	err := m.provider.Terminate(ctx, n)
	if err == nil {
		_, terr := m.transition(ctx, n, node.StateTerminated, "", "")
		return terr
	}

	attempted, rerr := m.store.RecordTerminateAttempt(ctx, n.ID, now)
	if rerr != nil {
		return fmt.Errorf("record terminate attempt: %w", rerr)
	}
	m.logger.Printf(
		"fleet manager terminate failed: node_id=%d name=%s attempt=%d/%d err=%v",
		n.ID,
		n.Name(),
		attempted.TerminateAttempts,
		m.cfg.MaxTerminateAttempts,
		err,
	)
	m.publish(ctx, events.ForNode(attempted, events.ActionTerminateFailed, err.Error()))

	if attempted.TerminateAttempts < m.cfg.MaxTerminateAttempts {
		return nil
	}

	// The resource may still exist; the record is closed so the fleet moves on.
	m.logger.Printf("fleet manager abandoning node: node_id=%d name=%s attempts=%d", n.ID, n.Name(), attempted.TerminateAttempts)
	terminated, terr := m.transition(ctx, attempted, node.StateTerminated, "", "")
	if terr != nil {
		return terr
	}
	evt := events.ForNode(terminated, events.ActionNodeAbandoned, err.Error())
	evt.Metadata = map[string]string{"attempts": fmt.Sprint(attempted.TerminateAttempts)}
	m.publish(ctx, evt)
	return nil
}

func (m *Manager) retryDelay(attempt int) time.Duration {
	exponent := math.Max(0, float64(attempt-1))
	delay := float64(m.cfg.TerminateRetryBaseDelay) * math.Pow(2, exponent)
	if delay > float64(m.cfg.TerminateRetryMaxDelay) {
		delay = float64(m.cfg.TerminateRetryMaxDelay)
	}
	return time.Duration(delay)
}

func (m *Manager) transition(ctx context.Context, n node.Node, to node.State, url, errMsg string) (node.Node, error) {
	next, err := m.store.TransitionNode(ctx, TransitionInput{
		NodeID: n.ID,
		From:   n.State,
		To:     to,
		URL:    url,
		Error:  errMsg,
		At:     m.now(),
	})
	if err != nil {
		return node.Node{}, err
	}

	evt := events.ForNode(next, events.ActionNodeTransition, errMsg)
	evt.From = n.State
	if next.URL != "" {
		evt.Metadata = map[string]string{"url": next.URL}
	}
	m.publish(ctx, evt)
	if to == node.StateTerminated {
		m.publishIfDrained(ctx, next.DeploymentID)
	}
	return next, nil
}

// publishIfDrained reports a superseded deployment once none of its nodes are
// left alive. Concurrent terminations may report it more than once.
func (m *Manager) publishIfDrained(ctx context.Context, deploymentID int64) {
	active, err := m.store.ActiveDeployment(ctx)
	if err != nil || active.ID == deploymentID {
		return
	}
	live, err := m.store.ListNodes(ctx, ListFilter{DeploymentID: deploymentID, States: []node.State{
		node.StatePending,
		node.StateStarting,
		node.StateRunning,
		node.StateOutdated,
		node.StateFinishing,
		node.StateError,
	}})
	if err != nil || len(live) > 0 {
		return
	}
	m.logger.Printf("fleet manager deployment drained: deployment_id=%d active_deployment_id=%d", deploymentID, active.ID)
	m.publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Action:    events.ActionDeploymentCompleted,
		Message:   "superseded deployment drained",
		Metadata:  map[string]string{"deployment_id": fmt.Sprint(deploymentID), "active_deployment_id": fmt.Sprint(active.ID)},
		Timestamp: m.now(),
	})
}

func (m *Manager) withLease(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	return lease.Do(ctx, m.leases, resource, m.cfg.Owner, m.cfg.LeaseTTL, func(ctx context.Context, _ lease.Lease) error {
		return fn(ctx)
	})
}

// withLeaseRetry waits briefly for a lease held by a concurrent caller.
func (m *Manager) withLeaseRetry(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	const attempts = 50
	for attempt := 1; ; attempt++ {
		err := m.withLease(ctx, resource, fn)
		if !errors.Is(err, lease.ErrNotAcquired) || attempt >= attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (m *Manager) publish(ctx context.Context, evt events.Event) {
	if err := m.events.Publish(ctx, evt); err != nil {
		m.logger.Printf("fleet manager publish failed: action=%s node_id=%d err=%v", evt.Action, evt.NodeID, err)
	}
}
