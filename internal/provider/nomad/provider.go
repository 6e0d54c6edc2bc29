package nomad

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	nomadapi "github.com/hashicorp/nomad/api"

	"github.com/VenkatGGG/runner-fleet/internal/node"
	"github.com/VenkatGGG/runner-fleet/internal/provider"
)

type Config struct {
	Address     string
	Region      string
	Datacenters []string
	Image       string
	Port        int
}

// Provider runs each node as a Nomad service job whose ID is the node name.
type Provider struct {
	cfg      Config
	api      *nomadapi.Client
	workload provider.Workload
	verifier *provider.Verifier
}

func New(cfg Config, workload provider.Workload, verifier *provider.Verifier) (*Provider, error) {
	if verifier == nil {
		return nil, fmt.Errorf("nomad provider verifier is required")
	}
	if strings.TrimSpace(cfg.Address) == "" {
		cfg.Address = "http://localhost:4646"
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "global"
	}
	if len(cfg.Datacenters) == 0 {
		cfg.Datacenters = []string{"dc1"}
	}
	if strings.TrimSpace(cfg.Image) == "" {
		cfg.Image = "runner-fleet/runner"
	}
	if cfg.Port <= 0 {
		cfg.Port = 80
	}

	apiCfg := nomadapi.DefaultConfig()
	apiCfg.Address = cfg.Address
	apiCfg.Region = cfg.Region
	client, err := nomadapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("nomad client: %w", err)
	}
	return &Provider{cfg: cfg, api: client, workload: workload, verifier: verifier}, nil
}

func (p *Provider) Kind() provider.Kind {
	return provider.KindPaaS
}

func (p *Provider) DefaultNodeConfig() node.Config {
	return node.Config{
		Image:     p.cfg.Image,
		CPUMilli:  500,
		MemoryMB:  512,
		StorageMB: 2000,
	}
}

// Start registers the node's job. Registration is an upsert keyed on the job ID,
// so a retried start converges on the same job.
func (p *Provider) Start(ctx context.Context, n node.Node) error {
	name := n.Name()
	env, err := p.workload.Env(ctx, n)
	if err != nil {
		return provider.ProvisionError("build env", name, err)
	}

	job := buildJob(p.cfg, n, env)
	if _, _, err := p.api.Jobs().Register(job, (&nomadapi.WriteOptions{}).WithContext(ctx)); err != nil {
		return provider.ProvisionError("register job", name, err)
	}
	return nil
}

func (p *Provider) Terminate(ctx context.Context, n node.Node) error {
	name := n.Name()
	_, _, err := p.api.Jobs().Deregister(name, true, (&nomadapi.WriteOptions{}).WithContext(ctx))
	if err == nil || isNotFound(err) {
		return nil
	}
	return provider.TerminationError("deregister job", name, err)
}

func (p *Provider) VerifyURL(ctx context.Context, url string) error {
	return p.verifier.Verify(ctx, url)
}

// isNotFound trusts the response status when the client reports one. Only
// errors without a status fall back to the message.
func isNotFound(err error) bool {
	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		return coded.StatusCode() == http.StatusNotFound
	}
	return strings.Contains(strings.ToLower(err.Error()), "job not found")
}
