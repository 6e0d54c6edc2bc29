package ecs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsecs "github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/google/uuid"

	"github.com/VenkatGGG/runner-fleet/internal/node"
	"github.com/VenkatGGG/runner-fleet/internal/provider"
)

const logStreamPrefix = "runner"

type Config struct {
	Region           string
	Cluster          string
	Subnets          []string
	SecurityGroups   []string
	LogsGroup        string
	ExecutionRoleARN string
	Image            string
	Port             int
}

// Provider runs each node as a single-task Fargate service. Start is two calls:
// register a task definition, then create a service from it.
type Provider struct {
	cfg      Config
	api      API
	workload provider.Workload
	verifier *provider.Verifier
}

func New(cfg Config, api API, workload provider.Workload, verifier *provider.Verifier) (*Provider, error) {
	if api == nil {
		return nil, fmt.Errorf("ecs provider client is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("ecs provider verifier is required")
	}
	if strings.TrimSpace(cfg.Cluster) == "" {
		return nil, fmt.Errorf("ecs cluster is required")
	}
	if len(cfg.Subnets) == 0 {
		return nil, fmt.Errorf("ecs subnets are required")
	}
	if strings.TrimSpace(cfg.Image) == "" {
		cfg.Image = "runner-fleet/runner"
	}
	if cfg.Port <= 0 {
		cfg.Port = 80
	}
	return &Provider{cfg: cfg, api: api, workload: workload, verifier: verifier}, nil
}

func (p *Provider) Kind() provider.Kind {
	return provider.KindCloudContainer
}

func (p *Provider) DefaultNodeConfig() node.Config {
	return node.Config{
		Image:     p.cfg.Image,
		CPUMilli:  512,
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

	taskDefinitionARN, err := p.registerTaskDefinition(ctx, n, env)
	if err != nil {
		return provider.ProvisionError("register task definition", name, err)
	}

	// The task definition stays registered if this fails; a retry registers a
	// new revision in the same family.
	if err := p.createService(ctx, name, taskDefinitionARN); err != nil {
		return provider.ProvisionError("create service", name, err)
	}
	return nil
}

func (p *Provider) registerTaskDefinition(ctx context.Context, n node.Node, env map[string]string) (string, error) {
	name := n.Name()
	out, err := p.api.RegisterTaskDefinition(ctx, &awsecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(name),
		RequiresCompatibilities: []types.Compatibility{types.CompatibilityFargate},
		NetworkMode:             types.NetworkModeAwsvpc,
		Cpu:                     aws.String(strconv.Itoa(n.CPUMilli)),
		Memory:                  aws.String(strconv.Itoa(n.MemoryMB)),
		ExecutionRoleArn:        optionalString(p.cfg.ExecutionRoleARN),
		ContainerDefinitions: []types.ContainerDefinition{{
			Name:        aws.String(name),
			Image:       aws.String(n.Image),
			Environment: environment(env),
			PortMappings: []types.PortMapping{{
				ContainerPort: aws.Int32(int32(p.cfg.Port)),
				Protocol:      types.TransportProtocolTcp,
			}},
			LogConfiguration: &types.LogConfiguration{
				LogDriver: types.LogDriverAwslogs,
				Options: map[string]string{
					"awslogs-group":         p.cfg.LogsGroup,
					"awslogs-region":        p.cfg.Region,
					"awslogs-stream-prefix": logStreamPrefix,
					"awslogs-create-group":  "true",
				},
			},
		}},
	})
	if err != nil {
		return "", err
	}
	if out == nil || out.TaskDefinition == nil || aws.ToString(out.TaskDefinition.TaskDefinitionArn) == "" {
		return "", errors.New("response carried no task definition arn")
	}
	return aws.ToString(out.TaskDefinition.TaskDefinitionArn), nil
}

func (p *Provider) createService(ctx context.Context, name, taskDefinitionARN string) error {
	out, err := p.api.CreateService(ctx, &awsecs.CreateServiceInput{
		ServiceName:    aws.String(name),
		Cluster:        aws.String(p.cfg.Cluster),
		TaskDefinition: aws.String(taskDefinitionARN),
		DesiredCount:   aws.Int32(1),
		LaunchType:     types.LaunchTypeFargate,
		ClientToken:    aws.String(p.clientToken(name)),
		NetworkConfiguration: &types.NetworkConfiguration{
			AwsvpcConfiguration: &types.AwsVpcConfiguration{
				Subnets:        p.cfg.Subnets,
				SecurityGroups: p.cfg.SecurityGroups,
				AssignPublicIp: types.AssignPublicIpEnabled,
			},
		},
	})
	if err != nil {
		if isServiceAlreadyCreated(err) {
			return nil
		}
		return err
	}
	if out == nil || out.Service == nil {
		return fmt.Errorf("service %s missing from response", name)
	}
	return nil
}

func (p *Provider) Terminate(ctx context.Context, n node.Node) error {
	name := n.Name()
	_, err := p.api.DeleteService(ctx, &awsecs.DeleteServiceInput{
		Cluster: aws.String(p.cfg.Cluster),
		Service: aws.String(name),
		Force:   aws.Bool(true),
	})
	if err == nil || isServiceGone(err) {
		return nil
	}
	return provider.TerminationError("delete service", name, err)
}

func (p *Provider) VerifyURL(ctx context.Context, url string) error {
	return p.verifier.Verify(ctx, url)
}

// clientToken is stable per cluster and service name, so ECS deduplicates
// repeated create-service calls for the same node.
func (p *Provider) clientToken(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(p.cfg.Cluster+"/"+name)).String()
}

func environment(env map[string]string) []types.KeyValuePair {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]types.KeyValuePair, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, types.KeyValuePair{Name: aws.String(key), Value: aws.String(env[key])})
	}
	return pairs
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return aws.String(value)
}
