package fleetclient

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/VenkatGGG/runner-fleet/internal/api"
	"github.com/VenkatGGG/runner-fleet/internal/events"
	"github.com/VenkatGGG/runner-fleet/internal/fleet"
	"github.com/VenkatGGG/runner-fleet/internal/idempotency"
	"github.com/VenkatGGG/runner-fleet/internal/lease"
	"github.com/VenkatGGG/runner-fleet/internal/node"
	"github.com/VenkatGGG/runner-fleet/internal/provider"
)

type stubProvider struct{}

func (stubProvider) Kind() provider.Kind                        { return provider.KindLocal }
func (stubProvider) Start(context.Context, node.Node) error     { return nil }
func (stubProvider) Terminate(context.Context, node.Node) error { return nil }
func (stubProvider) VerifyURL(context.Context, string) error    { return nil }
func (stubProvider) DefaultNodeConfig() node.Config {
	return node.Config{Image: "default", CPUMilli: 500, MemoryMB: 512, StorageMB: 2000}
}

type fixture struct {
	manager *fleet.Manager
	stream  *events.Broadcaster
	client  *Client
}

func newFixture(t *testing.T, apiKey string) fixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	store := fleet.NewInMemoryStore()
	eventLog := events.NewInMemoryLog(100)
	stream := events.NewBroadcaster(16)
	manager := fleet.NewManager(store, stubProvider{}, lease.NewInMemoryManager(), events.Multi{eventLog, stream}, fleet.ManagerConfig{Owner: "client-test"}, logger)
	server := api.NewServer(manager, store, eventLog, stream, api.Options{
		APIKey:      apiKey,
		Idempotency: idempotency.NewInMemoryStore(),
		Logger:      logger,
	})

	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)
	return fixture{manager: manager, stream: stream, client: New(srv.URL+"/", apiKey)}
}

func TestClientDrivesNodeLifecycle(t *testing.T) {
	f := newFixture(t, "topsecret")
	ctx := context.Background()

	if err := f.client.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}

	deployment, err := f.client.Rollout(ctx, "runner:v1", "rollout-1")
	if err != nil {
		t.Fatalf("rollout: %v", err)
	}
	again, err := f.client.Rollout(ctx, "runner:v1", "rollout-1")
	if err != nil || again.ID != deployment.ID {
		t.Fatalf("expected replayed rollout %d, got %+v err=%v", deployment.ID, again, err)
	}
	active, err := f.client.ActiveDeployment(ctx)
	if err != nil || active.Image != "runner:v1" {
		t.Fatalf("active deployment: %+v err=%v", active, err)
	}

	ensured, err := f.client.EnsureNode(ctx, EnsureRequest{RoutingID: "acct-1", CPUMilli: 1000})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if ensured.CPUMilli != 1000 || ensured.State != node.StatePending {
		t.Fatalf("unexpected node: %+v", ensured)
	}

	if err := f.manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	registered, err := f.client.RegisterNode(ctx, ensured.ID, "http://acct-1-1:80")
	if err != nil || registered.State != node.StateRunning {
		t.Fatalf("register: %+v err=%v", registered, err)
	}

	running, err := f.client.ListNodes(ctx, NodeFilter{States: []node.State{node.StateRunning}, RoutingID: "acct-1"})
	if err != nil || len(running) != 1 {
		t.Fatalf("list nodes: %+v err=%v", running, err)
	}

	finished, err := f.client.FinishNode(ctx, ensured.ID)
	if err != nil || finished.State != node.StateFinishing {
		t.Fatalf("finish: %+v err=%v", finished, err)
	}

	trail, err := f.client.ListEvents(ctx, ensured.ID, 10)
	if err != nil || len(trail) == 0 {
		t.Fatalf("events: %+v err=%v", trail, err)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.client.GetNode(context.Background(), 99)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatal("expected IsStatus to match 404")
	}
}

func TestRunnerCredentialsFromWorkloadEnv(t *testing.T) {
	f := newFixture(t, "topsecret")
	ctx := context.Background()

	if _, err := f.client.Rollout(ctx, "runner:v1", ""); err != nil {
		t.Fatalf("rollout: %v", err)
	}
	ensured, err := f.client.EnsureNode(ctx, EnsureRequest{RoutingID: "acct-2"})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := f.manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	w := provider.Workload{Settings: provider.WorkloadSettings{CallbackURL: f.client.BaseURL, CallbackAPIKey: "topsecret"}}
	env, err := w.Env(ctx, ensured)
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	runner := New(env["RUNNER_CALLBACK_URL"], env["RUNNER_API_KEY"])

	registered, err := runner.RegisterNode(ctx, ensured.ID, "http://acct-2-1:80")
	if err != nil || registered.State != node.StateRunning {
		t.Fatalf("register: %+v err=%v", registered, err)
	}
	finished, err := runner.FinishNode(ctx, ensured.ID)
	if err != nil || finished.State != node.StateFinishing {
		t.Fatalf("finish: %+v err=%v", finished, err)
	}
}

func TestClientRejectedWithoutKey(t *testing.T) {
	f := newFixture(t, "topsecret")
	f.client.APIKey = ""
	if _, err := f.client.Rollout(context.Background(), "runner:v1", ""); !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestClientWatchReceivesEvents(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan events.Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- f.client.Watch(ctx, 0, func(evt events.Event) error {
			received <- evt
			return errors.New("stop")
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.stream.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watch never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := f.manager.Rollout(ctx, "runner:v2"); err != nil {
		t.Fatalf("rollout: %v", err)
	}

	select {
	case evt := <-received:
		if evt.Action != events.ActionDeploymentCreated {
			t.Fatalf("unexpected action %s", evt.Action)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
	if err := <-done; err == nil || err.Error() != "stop" {
		t.Fatalf("expected callback error to end watch, got %v", err)
	}
}
