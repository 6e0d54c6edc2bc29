package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/VenkatGGG/runner-fleet/internal/config"
	"github.com/VenkatGGG/runner-fleet/internal/discovery"
	"github.com/VenkatGGG/runner-fleet/internal/provider"
	"github.com/VenkatGGG/runner-fleet/internal/provider/ecs"
	"github.com/VenkatGGG/runner-fleet/internal/provider/local"
	"github.com/VenkatGGG/runner-fleet/internal/provider/nomad"
)

// Resolve maps a configured provider name, including aliases, to a provider kind.
// Unknown and empty names resolve to KindUnsupported.
func Resolve(name string) provider.Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "local", "docker":
		return provider.KindLocal
	case "paas", "nomad", "render":
		return provider.KindPaaS
	case "cloud-container", "ecs", "fargate":
		return provider.KindCloudContainer
	default:
		return provider.KindUnsupported
	}
}

// NewProvider selects and builds the provider once at startup. The returned
// close function releases backend clients and is never nil.
func NewProvider(ctx context.Context, cfg config.Config) (provider.Provider, func() error, error) {
	noop := func() error { return nil }

	workload, err := newWorkload(cfg)
	if err != nil {
		return nil, noop, err
	}
	verifier := provider.NewVerifier(cfg.VerifyTimeout)

	switch Resolve(cfg.Provider) {
	case provider.KindLocal:
		engine, err := local.NewDockerEngine()
		if err != nil {
			return nil, noop, err
		}
		p, err := local.New(local.Config{
			Image:     cfg.RunnerImage,
			Network:   cfg.LocalNetwork,
			Port:      cfg.RunnerPort,
			PullImage: cfg.LocalPull,
		}, engine, workload, verifier)
		if err != nil {
			_ = engine.Close()
			return nil, noop, err
		}
		return p, engine.Close, nil
	case provider.KindPaaS:
		p, err := nomad.New(nomad.Config{
			Address:     cfg.NomadAddr,
			Region:      cfg.NomadRegion,
			Datacenters: cfg.NomadDatacenters,
			Image:       cfg.RunnerImage,
			Port:        cfg.RunnerPort,
		}, workload, verifier)
		if err != nil {
			return nil, noop, err
		}
		return p, noop, nil
	case provider.KindCloudContainer:
		client, err := ecs.NewClient(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, noop, err
		}
		p, err := ecs.New(ecs.Config{
			Region:           cfg.AWSRegion,
			Cluster:          cfg.ECSCluster,
			Subnets:          cfg.ECSSubnets,
			SecurityGroups:   cfg.ECSSecurityGroups,
			LogsGroup:        cfg.ECSLogsGroup,
			ExecutionRoleARN: cfg.ECSExecutionRoleARN,
			Image:            cfg.RunnerImage,
			Port:             cfg.RunnerPort,
		}, client, workload, verifier)
		if err != nil {
			return nil, noop, err
		}
		return p, noop, nil
	default:
		return provider.Unsupported{Requested: cfg.Provider}, noop, nil
	}
}

func newWorkload(cfg config.Config) (provider.Workload, error) {
	static := provider.ServiceURLs{
		Persist:   cfg.PersistServiceURL,
		Jobs:      cfg.JobsServiceURL,
		Providers: cfg.ProvidersURL,
	}

	var resolver provider.ServiceResolver = discovery.Static{URLs: static}
	if strings.TrimSpace(cfg.ConsulAddr) != "" {
		consul, err := discovery.NewConsulResolver(cfg.ConsulAddr, discovery.ServiceNames{
			Persist:   cfg.ConsulPersistService,
			Jobs:      cfg.ConsulJobsService,
			Providers: cfg.ConsulProvidersService,
		}, static)
		if err != nil {
			return provider.Workload{}, fmt.Errorf("service discovery: %w", err)
		}
		resolver = consul
	}

	return provider.Workload{
		Settings: provider.WorkloadSettings{
			NodeEnv:                 cfg.NodeEnv,
			Cloud:                   cfg.Cloud,
			Telemetry:               cfg.Telemetry,
			IdleMaxDuration:         cfg.IdleMaxDuration,
			TraceEnv:                cfg.TraceEnv,
			TraceSite:               cfg.TraceSite,
			TraceAgentURL:           cfg.TraceAgentURL,
			CallbackURL:             cfg.CallbackURL,
			CallbackAPIKey:          cfg.APIKey,
			ProvidersReloadInterval: cfg.ProvidersReloadInterval,
		},
		Services: resolver,
	}, nil
}
