package local

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/VenkatGGG/runner-fleet/internal/node"
	"github.com/VenkatGGG/runner-fleet/internal/provider"
)

const (
	LabelManaged = "runner-fleet.managed"
	LabelNodeID  = "runner-fleet.node_id"
	LabelRouting = "runner-fleet.routing_id"
)

type Config struct {
	Image     string
	Network   string
	Port      int
	PullImage bool
}

// Provider runs each node as a container on the local engine, named after the node.
type Provider struct {
	cfg      Config
	engine   Engine
	workload provider.Workload
	verifier *provider.Verifier
}

func New(cfg Config, engine Engine, workload provider.Workload, verifier *provider.Verifier) (*Provider, error) {
	if engine == nil {
		return nil, fmt.Errorf("local provider engine is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("local provider verifier is required")
	}
	if strings.TrimSpace(cfg.Image) == "" {
		cfg.Image = "runner-fleet/runner"
	}
	if strings.TrimSpace(cfg.Network) == "" {
		cfg.Network = "bridge"
	}
	if cfg.Port <= 0 {
		cfg.Port = 80
	}
	return &Provider{cfg: cfg, engine: engine, workload: workload, verifier: verifier}, nil
}

func (p *Provider) Kind() provider.Kind {
	return provider.KindLocal
}

func (p *Provider) DefaultNodeConfig() node.Config {
	return node.Config{
		Image:     p.cfg.Image,
		CPUMilli:  500,
		MemoryMB:  512,
		StorageMB: 20000,
	}
}

func (p *Provider) Start(ctx context.Context, n node.Node) error {
	name := n.Name()
	env, err := p.workload.Env(ctx, n)
	if err != nil {
		return provider.ProvisionError("build env", name, err)
	}
	if _, ok := env["RUNNER_ADVERTISE_URL"]; !ok {
		env["RUNNER_ADVERTISE_URL"] = p.URL(n)
	}

	if p.cfg.PullImage {
		if err := p.engine.Pull(ctx, n.Image); err != nil {
			return provider.ProvisionError("pull image", name, err)
		}
	}

	_, err = p.engine.Create(ctx, ContainerSpec{
		Name:  name,
		Image: n.Image,
		Env:   env,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelNodeID:  strconv.FormatInt(n.ID, 10),
			LabelRouting: n.RoutingID,
		},
		Network:     p.cfg.Network,
		Port:        p.cfg.Port,
		MemoryBytes: int64(n.MemoryMB) * 1024 * 1024,
		NanoCPUs:    int64(n.CPUMilli) * 1_000_000,
	})
	// A retried start finds the container it created last time.
	if err != nil && !errors.Is(err, ErrContainerExists) {
		return provider.ProvisionError("create container", name, err)
	}

	if err := p.engine.Start(ctx, name); err != nil {
		return provider.ProvisionError("start container", name, err)
	}
	return nil
}

func (p *Provider) Terminate(ctx context.Context, n node.Node) error {
	name := n.Name()
	err := p.engine.Remove(ctx, name)
	if err == nil || errors.Is(err, ErrContainerNotFound) {
		return nil
	}
	return provider.TerminationError("remove container", name, err)
}

func (p *Provider) VerifyURL(ctx context.Context, url string) error {
	return p.verifier.Verify(ctx, url)
}

// URL is the address a container is reachable at from peers on the same network.
func (p *Provider) URL(n node.Node) string {
	return fmt.Sprintf("http://%s:%d", n.Name(), p.cfg.Port)
}
