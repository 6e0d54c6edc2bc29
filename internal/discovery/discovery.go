package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/VenkatGGG/runner-fleet/internal/provider"
)

var ErrNoInstance = errors.New("no healthy service instance")

// Static resolves collaborator URLs from configuration.
type Static struct {
	URLs provider.ServiceURLs
}

func (s Static) ServiceURLs(_ context.Context) (provider.ServiceURLs, error) {
	return s.URLs, nil
}

// ServiceNames are the Consul service names of the collaborators. An empty name
// falls back to the static URL.
type ServiceNames struct {
	Persist   string
	Jobs      string
	Providers string
}

// ConsulResolver looks up a passing instance of each collaborator on every call.
type ConsulResolver struct {
	api      *consulapi.Client
	names    ServiceNames
	fallback provider.ServiceURLs
}

func NewConsulResolver(addr string, names ServiceNames, fallback provider.ServiceURLs) (*ConsulResolver, error) {
	cfg := consulapi.DefaultConfig()
	if strings.TrimSpace(addr) != "" {
		cfg.Address = addr
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulResolver{api: client, names: names, fallback: fallback}, nil
}

func (r *ConsulResolver) ServiceURLs(ctx context.Context) (provider.ServiceURLs, error) {
	persist, err := r.resolve(ctx, r.names.Persist, r.fallback.Persist)
	if err != nil {
		return provider.ServiceURLs{}, err
	}
	jobs, err := r.resolve(ctx, r.names.Jobs, r.fallback.Jobs)
	if err != nil {
		return provider.ServiceURLs{}, err
	}
	providers, err := r.resolve(ctx, r.names.Providers, r.fallback.Providers)
	if err != nil {
		return provider.ServiceURLs{}, err
	}
	return provider.ServiceURLs{Persist: persist, Jobs: jobs, Providers: providers}, nil
}

func (r *ConsulResolver) resolve(ctx context.Context, service, fallback string) (string, error) {
	if strings.TrimSpace(service) == "" {
		return fallback, nil
	}

	entries, _, err := r.api.Health().Service(service, "", true, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("consul lookup %s: %w", service, err)
	}
	for _, entry := range entries {
		if entry.Service == nil {
			continue
		}
		address := entry.Service.Address
		if address == "" && entry.Node != nil {
			address = entry.Node.Address
		}
		if address == "" || entry.Service.Port <= 0 {
			continue
		}
		return "http://" + net.JoinHostPort(address, strconv.Itoa(entry.Service.Port)), nil
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoInstance, service)
}
