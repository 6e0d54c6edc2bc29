package local

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/VenkatGGG/runner-fleet/internal/node"
	"github.com/VenkatGGG/runner-fleet/internal/nodeclient"
	"github.com/VenkatGGG/runner-fleet/internal/provider"
)

type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]ContainerSpec
	running    map[string]bool
	pulled     []string
	createErr  error
	removeErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: make(map[string]ContainerSpec),
		running:    make(map[string]bool),
	}
}

func (f *fakeEngine) Pull(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *fakeEngine) Create(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	if _, ok := f.containers[spec.Name]; ok {
		return "", ErrContainerExists
	}
	f.containers[spec.Name] = spec
	return "id-" + spec.Name, nil
}

func (f *fakeEngine) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[name]; !ok {
		return ErrContainerNotFound
	}
	f.running[name] = true
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	if _, ok := f.containers[name]; !ok {
		return ErrContainerNotFound
	}
	delete(f.containers, name)
	delete(f.running, name)
	return nil
}

func (f *fakeEngine) Close() error { return nil }

type okChecker struct{}

func (okChecker) Check(context.Context, string) error { return nil }

var _ nodeclient.Checker = okChecker{}

func newTestProvider(t *testing.T, engine Engine, pull bool) *Provider {
	t.Helper()
	p, err := New(Config{Image: "runner:1", PullImage: pull}, engine, provider.Workload{}, provider.NewVerifierWithChecker(okChecker{}))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func testNode() node.Node {
	return node.Node{ID: 1, RoutingID: "test", Image: "runner:1", CPUMilli: 500, MemoryMB: 1024, StorageMB: 20000}
}

func TestStartCreatesNamedContainer(t *testing.T) {
	engine := newFakeEngine()
	p := newTestProvider(t, engine, true)

	if err := p.Start(context.Background(), testNode()); err != nil {
		t.Fatalf("start: %v", err)
	}

	spec, ok := engine.containers["test-1"]
	if !ok {
		t.Fatalf("expected container test-1, got %#v", engine.containers)
	}
	if !engine.running["test-1"] {
		t.Fatalf("expected container to be started")
	}
	if spec.MemoryBytes != 1024*1024*1024 || spec.NanoCPUs != 500_000_000 {
		t.Fatalf("unexpected limits mem=%d cpu=%d", spec.MemoryBytes, spec.NanoCPUs)
	}
	if spec.Env["RUNNER_MAX_HEAP_MB"] != "768" || spec.Env["RUNNER_NODE_ID"] != "1" {
		t.Fatalf("unexpected env %#v", spec.Env)
	}
	if spec.Env["RUNNER_ADVERTISE_URL"] != "http://test-1:80" {
		t.Fatalf("expected advertise url on the container network, got %q", spec.Env["RUNNER_ADVERTISE_URL"])
	}
	if spec.Labels[LabelManaged] != "true" || spec.Labels[LabelNodeID] != "1" {
		t.Fatalf("unexpected labels %#v", spec.Labels)
	}
	if len(engine.pulled) != 1 || engine.pulled[0] != "runner:1" {
		t.Fatalf("expected image pull, got %v", engine.pulled)
	}
}

func TestStartIsRetrySafe(t *testing.T) {
	engine := newFakeEngine()
	p := newTestProvider(t, engine, false)

	for i := 0; i < 2; i++ {
		if err := p.Start(context.Background(), testNode()); err != nil {
			t.Fatalf("start attempt %d: %v", i, err)
		}
	}
	if len(engine.containers) != 1 {
		t.Fatalf("expected exactly one container, got %d", len(engine.containers))
	}
}

func TestStartFailureIsProvisionError(t *testing.T) {
	engine := newFakeEngine()
	cause := errors.New("image not found")
	engine.createErr = cause
	p := newTestProvider(t, engine, false)

	err := p.Start(context.Background(), testNode())
	if !provider.IsKind(err, provider.ErrorProvision) || !errors.Is(err, cause) {
		t.Fatalf("expected provision error wrapping cause, got %v", err)
	}
}

func TestTerminate(t *testing.T) {
	engine := newFakeEngine()
	p := newTestProvider(t, engine, false)
	n := testNode()

	if err := p.Terminate(context.Background(), n); err != nil {
		t.Fatalf("terminate of missing container should succeed, got %v", err)
	}
	if err := p.Start(context.Background(), n); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Terminate(context.Background(), n); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, ok := engine.containers["test-1"]; ok {
		t.Fatalf("expected container removed")
	}

	engine.removeErr = errors.New("device busy")
	if err := p.Terminate(context.Background(), n); !provider.IsKind(err, provider.ErrorTermination) {
		t.Fatalf("expected termination error, got %v", err)
	}
}

func TestDefaultsAndURL(t *testing.T) {
	p := newTestProvider(t, newFakeEngine(), false)
	cfg := p.DefaultNodeConfig()
	if cfg.Image != "runner:1" || cfg.MemoryMB != 512 {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if got := p.URL(testNode()); got != "http://test-1:80" {
		t.Fatalf("unexpected url %q", got)
	}
	if p.Kind() != provider.KindLocal {
		t.Fatalf("unexpected kind %q", p.Kind())
	}
}
