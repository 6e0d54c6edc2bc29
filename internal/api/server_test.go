package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/VenkatGGG/runner-fleet/internal/events"
	"github.com/VenkatGGG/runner-fleet/internal/fleet"
	"github.com/VenkatGGG/runner-fleet/internal/idempotency"
	"github.com/VenkatGGG/runner-fleet/internal/lease"
	"github.com/VenkatGGG/runner-fleet/internal/node"
	"github.com/VenkatGGG/runner-fleet/internal/provider"
)

type fakeProvider struct {
	mu        sync.Mutex
	verifyErr error
}

func (p *fakeProvider) Kind() provider.Kind                        { return provider.KindLocal }
func (p *fakeProvider) Start(context.Context, node.Node) error     { return nil }
func (p *fakeProvider) Terminate(context.Context, node.Node) error { return nil }

func (p *fakeProvider) VerifyURL(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verifyErr != nil {
		return provider.VerificationError("verify", url, p.verifyErr)
	}
	return nil
}

func (p *fakeProvider) DefaultNodeConfig() node.Config {
	return node.Config{Image: "default", CPUMilli: 500, MemoryMB: 512, StorageMB: 2000}
}

type testEnv struct {
	store    *fleet.InMemoryStore
	manager  *fleet.Manager
	provider *fakeProvider
	log      *events.InMemoryLog
	stream   *events.Broadcaster
	handler  http.Handler
}

func newTestEnv(t *testing.T, opts Options) testEnv {
	t.Helper()
	env := testEnv{
		store:    fleet.NewInMemoryStore(),
		provider: &fakeProvider{},
		log:      events.NewInMemoryLog(100),
		stream:   events.NewBroadcaster(16),
	}
	logger := log.New(io.Discard, "", 0)
	env.manager = fleet.NewManager(env.store, env.provider, lease.NewInMemoryManager(), events.Multi{env.log, env.stream}, fleet.ManagerConfig{Owner: "api-test"}, logger)
	opts.Logger = logger
	env.handler = NewServer(env.manager, env.store, env.log, env.stream, opts).Routes()
	return env
}

func (e testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Options{})
	rr := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestEnsureNodeRequiresDeployment(t *testing.T) {
	env := newTestEnv(t, Options{})
	rr := env.do(t, http.MethodPost, "/v1/nodes", map[string]any{"routing_id": "acct-1"}, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/v1/deployments/active", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestNodeLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, Options{})

	rr := env.do(t, http.MethodPost, "/v1/deployments", map[string]string{"image": "runner:v1"}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("rollout: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/v1/nodes", map[string]any{"routing_id": "acct-1", "memory_mb": 2048}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("ensure: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	created := decode[node.Node](t, rr)
	if created.State != node.StatePending || created.MemoryMB != 2048 || created.Image != "runner:v1" {
		t.Fatalf("unexpected node: %+v", created)
	}

	if err := env.manager.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	env.provider.mu.Lock()
	env.provider.verifyErr = errors.New("connection refused")
	env.provider.mu.Unlock()
	rr = env.do(t, http.MethodPost, "/v1/nodes/1/register", map[string]string{"url": "http://acct-1-1:80"}, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("register: expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}

	env.provider.mu.Lock()
	env.provider.verifyErr = nil
	env.provider.mu.Unlock()
	rr = env.do(t, http.MethodPost, "/v1/nodes/1/register", map[string]string{"url": "http://acct-1-1:80"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got := decode[node.Node](t, rr); got.State != node.StateRunning || got.URL != "http://acct-1-1:80" {
		t.Fatalf("unexpected registered node: %+v", got)
	}

	rr = env.do(t, http.MethodGet, "/v1/nodes?state=RUNNING&routing_id=acct-1", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rr.Code)
	}
	listed := decode[struct {
		Nodes []node.Node `json:"nodes"`
	}](t, rr)
	if len(listed.Nodes) != 1 || listed.Nodes[0].ID != created.ID {
		t.Fatalf("unexpected list: %+v", listed.Nodes)
	}

	rr = env.do(t, http.MethodPost, "/v1/nodes/1/finish", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("finish: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got := decode[node.Node](t, rr); got.State != node.StateFinishing {
		t.Fatalf("expected FINISHING, got %s", got.State)
	}

	rr = env.do(t, http.MethodGet, "/v1/events?node_id=1", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", rr.Code)
	}
	trail := decode[struct {
		Events []events.Event `json:"events"`
	}](t, rr)
	if len(trail.Events) < 4 || trail.Events[0].Action != events.ActionNodeCreated {
		t.Fatalf("unexpected event trail: %+v", trail.Events)
	}

	rr = env.do(t, http.MethodGet, "/metrics", nil, nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `runner_fleet_nodes_state_total{state="FINISHING"} 1`) {
		t.Fatalf("unexpected metrics: %d %s", rr.Code, rr.Body.String())
	}
}

type listRecordingStore struct {
	fleet.Store
	mu      sync.Mutex
	filters []fleet.ListFilter
}

func (s *listRecordingStore) ListNodes(ctx context.Context, filter fleet.ListFilter) ([]node.Node, error) {
	s.mu.Lock()
	s.filters = append(s.filters, filter)
	s.mu.Unlock()
	return s.Store.ListNodes(ctx, filter)
}

func TestMetricsCountTerminatedWithoutListingThem(t *testing.T) {
	ctx := context.Background()
	inner := fleet.NewInMemoryStore()
	deployment, err := inner.CreateDeployment(ctx, "runner:v1")
	if err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	cfg := node.Config{Image: "runner:v1", CPUMilli: 500, MemoryMB: 512, StorageMB: 2000}
	for _, routingID := range []string{"acct-1", "acct-2"} {
		if _, err := inner.CreateNode(ctx, fleet.CreateNodeInput{RoutingID: routingID, DeploymentID: deployment.ID, Config: cfg}); err != nil {
			t.Fatalf("create node: %v", err)
		}
	}
	for _, step := range []node.State{node.StateFinishing, node.StateTerminated} {
		from := node.StatePending
		if step == node.StateTerminated {
			from = node.StateFinishing
		}
		if _, err := inner.TransitionNode(ctx, fleet.TransitionInput{NodeID: 1, From: from, To: step}); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}

	store := &listRecordingStore{Store: inner}
	handler := NewServer(nil, store, events.NewInMemoryLog(10), nil, Options{Logger: log.New(io.Discard, "", 0)}).Routes()
	env := testEnv{handler: handler}

	rr := env.do(t, http.MethodGet, "/metrics", nil, nil)
	body := rr.Body.String()
	for _, want := range []string{
		"runner_fleet_nodes_total 2",
		`runner_fleet_nodes_state_total{state="TERMINATED"} 1`,
		`runner_fleet_nodes_state_total{state="PENDING"} 1`,
		"runner_fleet_routing_ids_live 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics:\n%s", want, body)
		}
	}
	for _, filter := range store.filters {
		for _, state := range filter.States {
			if state == node.StateTerminated {
				t.Fatalf("metrics listed terminated nodes: %+v", filter)
			}
		}
		if len(filter.States) == 0 {
			t.Fatalf("metrics listed every node record")
		}
	}
}

func TestNodeRoutesValidateInput(t *testing.T) {
	env := newTestEnv(t, Options{})

	cases := []struct {
		method string
		path   string
		body   any
		status int
	}{
		{http.MethodGet, "/v1/nodes/abc", nil, http.StatusBadRequest},
		{http.MethodGet, "/v1/nodes/42", nil, http.StatusNotFound},
		{http.MethodGet, "/v1/nodes?state=BOGUS", nil, http.StatusBadRequest},
		{http.MethodPost, "/v1/nodes", map[string]any{"routing_id": " "}, http.StatusBadRequest},
		{http.MethodPost, "/v1/nodes", map[string]any{"routing_id": "a", "cpu_milli": -1}, http.StatusBadRequest},
		{http.MethodPost, "/v1/nodes/1/register", map[string]string{}, http.StatusBadRequest},
		{http.MethodPost, "/v1/deployments", map[string]string{"image": ""}, http.StatusBadRequest},
		{http.MethodPost, "/v1/nodes", map[string]any{"routing_id": "a", "cpu": 500}, http.StatusBadRequest},
		{http.MethodPost, "/v1/nodes/1/register", map[string]string{"url": "http://n", "ip": "10.0.0.1"}, http.StatusBadRequest},
		{http.MethodPost, "/v1/deployments", map[string]string{"image": "runner:v2", "tag": "v2"}, http.StatusBadRequest},
		{http.MethodGet, "/v1/events?limit=0", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rr := env.do(t, tc.method, tc.path, tc.body, nil)
		if rr.Code != tc.status {
			t.Fatalf("%s %s: expected %d, got %d body=%s", tc.method, tc.path, tc.status, rr.Code, rr.Body.String())
		}
	}
}

func TestEnsureNodeWithoutConfiguredProvider(t *testing.T) {
	store := fleet.NewInMemoryStore()
	logger := log.New(io.Discard, "", 0)
	manager := fleet.NewManager(store, provider.Unsupported{}, nil, nil, fleet.ManagerConfig{Owner: "api-test"}, logger)
	handler := NewServer(manager, store, events.NewInMemoryLog(10), events.NewBroadcaster(1), Options{Logger: logger}).Routes()
	env := testEnv{store: store, handler: handler}

	if rr := env.do(t, http.MethodPost, "/v1/deployments", map[string]string{"image": "runner:v1"}, nil); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	rr := env.do(t, http.MethodPost, "/v1/nodes", map[string]any{"routing_id": "acct-1"}, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body=%s", rr.Code, rr.Body.String())
	}
	if body := decode[map[string]string](t, rr); body["code"] != "provider_not_configured" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestWriteFleetErrorStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("create node: %w", fmt.Errorf("%w: cpu_milli must be positive", node.ErrInvalidConfig)), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", fleet.ErrNodeNotFound), http.StatusNotFound},
		{fleet.ErrNoDeployment, http.StatusConflict},
		{lease.ErrNotAcquired, http.StatusServiceUnavailable},
		{provider.ConfigurationError("ensure node", provider.ErrUnsupportedProvider), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		writeFleetError(rr, tc.err)
		if rr.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
	}
}

func TestMutatingRoutesRequireAPIKey(t *testing.T) {
	env := newTestEnv(t, Options{APIKey: "topsecret"})

	rr := env.do(t, http.MethodPost, "/v1/deployments", map[string]string{"image": "runner:v1"}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/v1/deployments", map[string]string{"image": "runner:v1"}, map[string]string{"Authorization": "Bearer topsecret"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodGet, "/v1/deployments/active", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected reads without key, got %d", rr.Code)
	}
}

func TestCORSPreflightForConfiguredOrigin(t *testing.T) {
	env := newTestEnv(t, Options{APIKey: "topsecret", CORSOrigins: []string{"https://console.example"}})

	rr := env.do(t, http.MethodOptions, "/v1/deployments", nil, map[string]string{
		"Origin":                         "https://console.example",
		"Access-Control-Request-Method":  http.MethodPost,
		"Access-Control-Request-Headers": "X-API-Key",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected preflight 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example" {
		t.Fatalf("unexpected allow origin %q", got)
	}

	rr = env.do(t, http.MethodGet, "/healthz", nil, map[string]string{"Origin": "https://other.example"})
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected unknown origin to be refused, got %q", got)
	}
}

func TestMutatingRoutesRateLimited(t *testing.T) {
	env := newTestEnv(t, Options{RateLimitPerMinute: 1})

	first := env.do(t, http.MethodPost, "/v1/deployments", map[string]string{"image": "runner:v1"}, nil)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	second := env.do(t, http.MethodPost, "/v1/deployments", map[string]string{"image": "runner:v2"}, nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestRolloutIdempotencyKeyReplaysResponse(t *testing.T) {
	env := newTestEnv(t, Options{Idempotency: idempotency.NewInMemoryStore()})
	headers := map[string]string{idempotencyHeader: "rollout-1"}

	first := env.do(t, http.MethodPost, "/v1/deployments", map[string]string{"image": "runner:v2"}, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", first.Code, first.Body.String())
	}
	second := env.do(t, http.MethodPost, "/v1/deployments", map[string]string{"image": "runner:v2"}, headers)
	if second.Code != http.StatusCreated || second.Header().Get(replayedHeader) != "true" {
		t.Fatalf("expected replayed 201, got %d headers=%v", second.Code, second.Header())
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("expected identical bodies, got %q and %q", first.Body.String(), second.Body.String())
	}

	active, err := env.store.ActiveDeployment(context.Background())
	if err != nil {
		t.Fatalf("active deployment: %v", err)
	}
	if active.ID != 1 {
		t.Fatalf("expected a single deployment, active is %d", active.ID)
	}

	reused := env.do(t, http.MethodPost, "/v1/deployments", map[string]string{"image": "runner:v3"}, headers)
	if reused.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for reused key, got %d", reused.Code)
	}
}

func TestEventStreamDeliversLiveEvents(t *testing.T) {
	env := newTestEnv(t, Options{})
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(2 * time.Second)
	for env.stream.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := env.manager.Rollout(ctx, "runner:v1"); err != nil {
		t.Fatalf("rollout: %v", err)
	}

	var evt events.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Action != events.ActionDeploymentCreated {
		t.Fatalf("expected %s, got %s", events.ActionDeploymentCreated, evt.Action)
	}
}
