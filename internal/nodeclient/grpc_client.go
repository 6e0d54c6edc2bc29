package nodeclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type GRPCClient struct {
	timeout time.Duration
}

func NewGRPCClient(timeout time.Duration) *GRPCClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GRPCClient{timeout: timeout}
}

func (c *GRPCClient) Check(ctx context.Context, address string) error {
	target := normalizeGRPCTarget(address)
	if target == "" {
		return fmt.Errorf("node address is required")
	}

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial node grpc %s: %w", target, err)
	}
	defer conn.Close()

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("grpc health check %s: %w", target, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health check %s: status %s", target, resp.GetStatus())
	}
	return nil
}

func normalizeGRPCTarget(nodeAddress string) string {
	trimmed := strings.TrimSpace(nodeAddress)
	trimmed = strings.TrimPrefix(trimmed, "grpc://")
	return strings.TrimSuffix(trimmed, "/")
}
