package ecs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	awsecs "github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"
)

// API is the part of the ECS client the provider calls. *ecs.Client satisfies it.
type API interface {
	RegisterTaskDefinition(ctx context.Context, params *awsecs.RegisterTaskDefinitionInput, optFns ...func(*awsecs.Options)) (*awsecs.RegisterTaskDefinitionOutput, error)
	CreateService(ctx context.Context, params *awsecs.CreateServiceInput, optFns ...func(*awsecs.Options)) (*awsecs.CreateServiceOutput, error)
	DeleteService(ctx context.Context, params *awsecs.DeleteServiceInput, optFns ...func(*awsecs.Options)) (*awsecs.DeleteServiceOutput, error)
}

// NewClient builds an ECS client for region using the default credential chain.
func NewClient(ctx context.Context, region string) (*awsecs.Client, error) {
	if strings.TrimSpace(region) == "" {
		return nil, fmt.Errorf("aws region is required")
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return awsecs.NewFromConfig(cfg), nil
}

func isServiceGone(err error) bool {
	var notFound *types.ServiceNotFoundException
	if errors.As(err, &notFound) {
		return true
	}
	var notActive *types.ServiceNotActiveException
	return errors.As(err, &notActive)
}

// isServiceAlreadyCreated matches the rejection ECS returns when a create-service
// call repeats a client token that already produced a service.
func isServiceAlreadyCreated(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "InvalidParameterException" {
		return false
	}
	msg := strings.ToLower(apiErr.ErrorMessage())
	return strings.Contains(msg, "not idempotent") || strings.Contains(msg, "already exists")
}
