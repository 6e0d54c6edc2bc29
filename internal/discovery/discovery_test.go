package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/VenkatGGG/runner-fleet/internal/provider"
)

func consulServer(t *testing.T, instances map[string][]map[string]any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/v1/health/service/")
		if name == r.URL.Path {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Consul-Index", "1")
		w.Header().Set("X-Consul-Knownleader", "true")
		w.Header().Set("X-Consul-Lastcontact", "0")
		w.Header().Set("Content-Type", "application/json")
		entries := instances[name]
		if entries == nil {
			entries = []map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(entries)
	}))
	t.Cleanup(server.Close)
	return server
}

func entry(nodeAddr, svcAddr string, port int) map[string]any {
	return map[string]any{
		"Node":    map[string]any{"Node": "n1", "Address": nodeAddr},
		"Service": map[string]any{"Service": "svc", "Address": svcAddr, "Port": port},
		"Checks":  []any{},
	}
}

func TestStaticResolver(t *testing.T) {
	urls := provider.ServiceURLs{Persist: "http://persist", Jobs: "http://jobs", Providers: "http://providers"}
	got, err := Static{URLs: urls}.ServiceURLs(context.Background())
	if err != nil || got != urls {
		t.Fatalf("unexpected static result %#v %v", got, err)
	}
}

func TestConsulResolver(t *testing.T) {
	server := consulServer(t, map[string][]map[string]any{
		"persist": {entry("10.0.0.1", "10.0.0.5", 3007)},
		"jobs":    {entry("10.0.0.2", "", 3005)},
	})

	resolver, err := NewConsulResolver(server.URL, ServiceNames{Persist: "persist", Jobs: "jobs"}, provider.ServiceURLs{Providers: "http://providers.static"})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	urls, err := resolver.ServiceURLs(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if urls.Persist != "http://10.0.0.5:3007" {
		t.Fatalf("unexpected persist url %q", urls.Persist)
	}
	if urls.Jobs != "http://10.0.0.2:3005" {
		t.Fatalf("expected node address fallback, got %q", urls.Jobs)
	}
	if urls.Providers != "http://providers.static" {
		t.Fatalf("expected static providers url, got %q", urls.Providers)
	}
}

func TestConsulResolverNoInstance(t *testing.T) {
	server := consulServer(t, nil)

	resolver, err := NewConsulResolver(server.URL, ServiceNames{Persist: "persist"}, provider.ServiceURLs{})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if _, err := resolver.ServiceURLs(context.Background()); !errors.Is(err, ErrNoInstance) {
		t.Fatalf("expected ErrNoInstance, got %v", err)
	}
}
